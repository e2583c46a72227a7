package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"vote-service/internal/bucketing"
	"vote-service/internal/otp"
	"vote-service/internal/util"
)

// claimRetries bounds how often CreateOrGetActive re-reads a pair whose
// active row moved while it was deciding.
const claimRetries = 3

// OTPRepository is the ScyllaDB backed otp.Store. The otp_active row is the
// per pair lock and is claimed with a lightweight transaction after the
// session row is written; session rows are updated with IF revision = ?.
// Rows expire through TTL.
type OTPRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
	grace   time.Duration
}

func NewOTPRepository(client *ScyllaClient, buckets *bucketing.BucketingManager, grace time.Duration) *OTPRepository {
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	return &OTPRepository{client: client, buckets: buckets, grace: grace}
}

// pairOps are the storage steps a session create is built from.
type pairOps interface {
	insertSession(ctx context.Context, s *otp.Session, now time.Time) error
	deleteSession(ctx context.Context, s *otp.Session) error
	claimPair(ctx context.Context, s *otp.Session, ttl int) (applied bool, holder string, err error)
	replacePair(ctx context.Context, s *otp.Session, holder string, ttl int) (bool, error)
	Get(ctx context.Context, id string) (*otp.Session, error)
}

func (r *OTPRepository) CreateOrGetActive(ctx context.Context, s *otp.Session, now time.Time) (*otp.Session, bool, error) {
	return createOrGetActive(ctx, r, s, now)
}

// createOrGetActive writes the session row before it claims the pair, so a
// holder named in otp_active always has a row until TTL removes it. Only a
// holder with no row or a closed row is taken over.
func createOrGetActive(ctx context.Context, ops pairOps, s *otp.Session, now time.Time) (*otp.Session, bool, error) {
	if err := ops.insertSession(ctx, s, now); err != nil {
		return nil, false, err
	}
	ttl := ttlSeconds(s.ExpiresAt.Sub(now) + time.Second)

	for range claimRetries {
		applied, holder, err := ops.claimPair(ctx, s, ttl)
		if err != nil {
			discard(ctx, ops, s)
			return nil, false, err
		}
		if applied {
			util.Debug("OTP session stored", zap.String("session_id", s.ID), zap.Time("expires_at", s.ExpiresAt))
			return s.Clone(), true, nil
		}

		current, err := ops.Get(ctx, holder)
		switch {
		case err == nil && current.Active(now):
			discard(ctx, ops, s)
			return current, false, nil
		case err != nil && !errors.Is(err, otp.ErrSessionNotFound):
			discard(ctx, ops, s)
			return nil, false, err
		}

		applied, err = ops.replacePair(ctx, s, holder, ttl)
		if err != nil {
			discard(ctx, ops, s)
			return nil, false, err
		}
		if applied {
			util.Debug("OTP session took over stale pair",
				zap.String("session_id", s.ID),
				zap.String("stale_session_id", holder))
			return s.Clone(), true, nil
		}
	}
	discard(ctx, ops, s)
	return nil, false, otp.ErrConflict
}

// discard removes the row of a session that lost its claim. A leftover row
// is never reachable through otp_active and expires with its TTL.
func discard(ctx context.Context, ops pairOps, s *otp.Session) {
	if err := ops.deleteSession(context.WithoutCancel(ctx), s); err != nil {
		util.Warn("Failed to delete unclaimed otp session", zap.String("session_id", s.ID), zap.Error(err))
	}
}

func (r *OTPRepository) claimPair(ctx context.Context, s *otp.Session, ttl int) (bool, string, error) {
	existing := map[string]interface{}{}
	applied, err := r.client.Query(ctx, r.client.Statements.ClaimActive,
		s.IdentityKey, s.ProjectID, s.ID, ttl).MapScanCAS(existing)
	if err != nil {
		util.Error("Failed to claim active otp pair",
			zap.String("project_id", s.ProjectID),
			zap.String("session_id", s.ID),
			zap.Error(err))
		return false, "", fmt.Errorf("failed to claim active otp pair: %w", err)
	}
	holder, _ := existing["session_id"].(string)
	return applied, holder, nil
}

func (r *OTPRepository) replacePair(ctx context.Context, s *otp.Session, holder string, ttl int) (bool, error) {
	applied, err := r.client.Query(ctx, r.client.Statements.ReplaceActive,
		ttl, s.ID, s.IdentityKey, s.ProjectID, holder).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("failed to replace active otp pair: %w", err)
	}
	return applied, nil
}

func (r *OTPRepository) insertSession(ctx context.Context, s *otp.Session, now time.Time) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	query := r.client.Query(ctx, r.client.Statements.InsertSession,
		r.buckets.GetSessionBucket(s.ID), s.ID, s.IdentityKey, s.ProjectID, string(s.State),
		string(payload), s.Revision, s.ExpiresAt, s.UpdatedAt,
		ttlSeconds(sessionTTL(s, now, r.grace)))
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to insert otp session", zap.String("session_id", s.ID), zap.Error(err))
		return fmt.Errorf("failed to insert otp session: %w", err)
	}
	return nil
}

func (r *OTPRepository) deleteSession(ctx context.Context, s *otp.Session) error {
	query := r.client.Query(ctx, r.client.Statements.DeleteSession, r.buckets.GetSessionBucket(s.ID), s.ID)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to delete otp session: %w", err)
	}
	return nil
}

func (r *OTPRepository) FindActive(ctx context.Context, identityKey, projectID string, now time.Time) (*otp.Session, error) {
	var id string
	err := r.client.ScanWithRetry(r.client.Query(ctx, r.client.Statements.GetActive, identityKey, projectID), &id)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, otp.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to read active otp pair: %w", err)
	}

	s, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.Active(now) {
		return nil, otp.ErrSessionNotFound
	}
	return s, nil
}

func (r *OTPRepository) Get(ctx context.Context, id string) (*otp.Session, error) {
	if id == "" {
		return nil, otp.ErrSessionNotFound
	}

	var (
		payload  string
		revision int64
	)
	query := r.client.Query(ctx, r.client.Statements.GetSession, r.buckets.GetSessionBucket(id), id)
	if err := r.client.ScanWithRetry(query, &payload, &revision); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, otp.ErrSessionNotFound
		}
		util.Error("Failed to get otp session", zap.String("session_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get otp session: %w", err)
	}
	return decodeSession(payload, revision)
}

func (r *OTPRepository) Update(ctx context.Context, s *otp.Session) error {
	next := s.Clone()
	next.Revision++
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	previous := map[string]interface{}{}
	applied, err := r.client.Query(ctx, r.client.Statements.CASSession,
		ttlSeconds(sessionTTL(next, next.UpdatedAt, r.grace)),
		next.IdentityKey, next.ProjectID, string(next.State), string(payload), next.Revision,
		next.ExpiresAt, next.UpdatedAt,
		r.buckets.GetSessionBucket(s.ID), s.ID,
		s.Revision).MapScanCAS(previous)
	if err != nil {
		util.Error("Failed to update otp session", zap.String("session_id", s.ID), zap.Error(err))
		return fmt.Errorf("failed to update otp session: %w", err)
	}
	if !applied {
		if _, err := r.Get(ctx, s.ID); errors.Is(err, otp.ErrSessionNotFound) {
			return otp.ErrSessionNotFound
		}
		return otp.ErrConflict
	}
	s.Revision = next.Revision

	if s.State.Closed() {
		_, err := r.client.Query(ctx, r.client.Statements.ReleaseActive,
			s.IdentityKey, s.ProjectID, s.ID).MapScanCAS(map[string]interface{}{})
		if err != nil {
			// FindActive ignores closed holders, so a leftover row is harmless
			util.Warn("Failed to release active otp pair", zap.String("session_id", s.ID), zap.Error(err))
		}
	}
	return nil
}

// Sweep walks every bucket and expires overdue pending sessions. Closed rows
// are removed by their TTL.
func (r *OTPRepository) Sweep(ctx context.Context, now time.Time, _ time.Duration) (otp.SweepResult, error) {
	var res otp.SweepResult

	for bucket := range r.buckets.SessionBuckets() {
		iter := r.client.Query(ctx, r.client.Statements.ListBucket, bucket).Iter()

		var (
			id        string
			state     string
			expiresAt time.Time
			overdue   []string
		)
		for iter.Scan(&id, &state, &expiresAt) {
			if otp.State(state) == otp.StatePending && now.After(expiresAt) {
				overdue = append(overdue, id)
			}
		}
		if err := iter.Close(); err != nil {
			return res, fmt.Errorf("failed to list otp bucket %d: %w", bucket, err)
		}

		for _, id := range overdue {
			s, err := r.Get(ctx, id)
			if err != nil {
				continue
			}
			if err := s.Expire(now); err != nil {
				continue
			}
			if err := r.Update(ctx, s); err == nil {
				res.Expired++
			}
		}
	}
	return res, nil
}

// sessionTTL keeps a pending session until grace after its deadline and a
// closed one until grace after it closed.
func sessionTTL(s *otp.Session, now time.Time, grace time.Duration) time.Duration {
	until := s.ExpiresAt
	if s.State.Closed() {
		until = s.UpdatedAt
	}
	return until.Add(grace).Sub(now)
}

// ttlSeconds rounds up to whole seconds; CQL treats a TTL of 0 as no TTL.
func ttlSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	return max(secs, 1)
}

func decodeSession(payload string, revision int64) (*otp.Session, error) {
	var s otp.Session
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return nil, fmt.Errorf("failed to decode otp session: %w", err)
	}
	s.Revision = revision
	return &s, nil
}
