package bucketing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"vote-service/internal/config"
)

func TestBucketsAreStableAndInRange(t *testing.T) {
	bm := NewBucketingManager(&config.Config{Bucketing: config.BucketingConfig{SessionBuckets: 8, EventBuckets: 4}})

	seen := make(map[int]bool)
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("session-%d", i)
		b := bm.GetSessionBucket(id)
		assert.Equal(t, b, bm.GetSessionBucket(id))
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 8)
		seen[b] = true

		e := bm.GetEventBucket(id)
		assert.GreaterOrEqual(t, e, 0)
		assert.Less(t, e, 4)
	}
	// 200 keys over 8 buckets should touch every bucket
	assert.Len(t, seen, 8)
}

func TestZeroBucketsFallBackToOne(t *testing.T) {
	bm := NewBucketingManager(&config.Config{})
	assert.Equal(t, 1, bm.SessionBuckets())
	assert.Equal(t, 0, bm.GetSessionBucket("anything"))
}

func TestDateBucketIsUTC(t *testing.T) {
	bm := NewBucketingManager(&config.Config{})
	lagos := time.FixedZone("WAT", 3600)
	assert.Equal(t, "2025-02-28", bm.GetDateBucket(time.Date(2025, 3, 1, 0, 30, 0, 0, lagos)))
}
