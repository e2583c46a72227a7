package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"vote-service/internal/config"
)

// BucketingManager spreads keys over a fixed number of partitions. Bucket
// counts are part of the storage layout and must not change once data exists.
type BucketingManager struct {
	sessionBuckets int
	eventBuckets   int
	hasherPool     sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		sessionBuckets: max(cfg.Bucketing.SessionBuckets, 1),
		eventBuckets:   max(cfg.Bucketing.EventBuckets, 1),
	}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetSessionBucket returns the partition bucket for an OTP session id.
func (bm *BucketingManager) GetSessionBucket(sessionID string) int {
	return bm.getBucket(sessionID, bm.sessionBuckets)
}

// GetEventBucket returns the bucket for audit events keyed by identifier.
func (bm *BucketingManager) GetEventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// GetDateBucket returns the UTC day partition for events at t.
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) SessionBuckets() int {
	return bm.sessionBuckets
}

func (bm *BucketingManager) EventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
