// Package ledger records votes and owns every change to a project's tally.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vote-service/internal/models"
	"vote-service/internal/util"
)

var (
	ErrTokenAlreadyConsumed = errors.New("vote token already consumed")
	ErrDuplicateVote        = errors.New("identity already voted for this project")
	ErrInvalidVote          = errors.New("vote token is missing session, identity or project")
)

// Store persists votes. CastVote must consume the token, insert the vote and
// bump the tally in one transaction, relying on storage constraints for
// uniqueness. A duplicate vote still consumes the token.
type Store interface {
	CastVote(ctx context.Context, vote models.Vote) (models.ProjectTally, error)
	Tallies(ctx context.Context) ([]models.ProjectTally, error)
	Tally(ctx context.Context, projectID string) (models.ProjectTally, error)
	Reconcile(ctx context.Context, now time.Time) ([]models.Drift, error)
}

// Publisher receives every committed tally change. Errors are logged and
// never reach the voter.
type Publisher interface {
	Publish(ctx context.Context, delta models.TallyDelta) error
}

type SessionConsumer interface {
	MarkConsumed(ctx context.Context, sessionID string) error
}

type Auditor interface {
	Record(evt models.AuditEvent)
}

type Ledger struct {
	store      Store
	sessions   SessionConsumer
	publishers []Publisher
	audit      Auditor
	logger     *zap.Logger
	now        func() time.Time
}

type Option func(*Ledger)

func WithPublishers(p ...Publisher) Option {
	return func(l *Ledger) { l.publishers = append(l.publishers, p...) }
}

func WithAuditor(a Auditor) Option {
	return func(l *Ledger) { l.audit = a }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(store Store, sessions SessionConsumer, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = util.Get()
	}
	l := &Ledger{
		store:    store,
		sessions: sessions,
		audit:    nopAuditor{},
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CastVote spends vt on one vote for its project and returns the tally the
// vote produced.
func (l *Ledger) CastVote(ctx context.Context, vt models.VerifiedToken) (models.ProjectTally, error) {
	if vt.SessionID == "" || vt.IdentityKey == "" || vt.ProjectID == "" {
		return models.ProjectTally{}, ErrInvalidVote
	}

	now := l.now().UTC()
	vote := models.Vote{
		VoteID:      uuid.NewString(),
		IdentityKey: vt.IdentityKey,
		ProjectID:   vt.ProjectID,
		SessionID:   vt.SessionID,
		CastAt:      now,
	}

	tally, err := l.store.CastVote(ctx, vote)
	switch {
	case errors.Is(err, ErrTokenAlreadyConsumed):
		l.record(models.EventTokenReplayed, vote, "")
		return models.ProjectTally{}, err
	case errors.Is(err, ErrDuplicateVote):
		l.consume(ctx, vt.SessionID)
		l.record(models.EventVoteDuplicate, vote, "")
		return models.ProjectTally{}, err
	case err != nil:
		l.logger.Error("failed to cast vote",
			zap.String("project_id", vote.ProjectID),
			zap.String("session_id", vote.SessionID),
			zap.Error(err))
		return models.ProjectTally{}, fmt.Errorf("cast vote: %w", err)
	}

	l.consume(ctx, vt.SessionID)
	l.record(models.EventVoteCast, vote, fmt.Sprintf("count=%d version=%d", tally.VoteCount, tally.Version))
	l.publish(ctx, models.TallyDelta{
		ProjectID: tally.ProjectID,
		NewCount:  tally.VoteCount,
		Version:   tally.Version,
		At:        now,
	})
	return tally, nil
}

func (l *Ledger) Tallies(ctx context.Context) ([]models.ProjectTally, error) {
	return l.store.Tallies(ctx)
}

func (l *Ledger) Tally(ctx context.Context, projectID string) (models.ProjectTally, error) {
	return l.store.Tally(ctx, projectID)
}

// Reconcile recounts votes per project, repairs any tally that drifted and
// announces the repaired tallies.
func (l *Ledger) Reconcile(ctx context.Context) ([]models.Drift, error) {
	now := l.now().UTC()
	drifts, err := l.store.Reconcile(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("reconcile tallies: %w", err)
	}

	for _, d := range drifts {
		l.logger.Warn("tally drift repaired",
			zap.String("project_id", d.ProjectID),
			zap.Int64("stored", d.Stored),
			zap.Int64("counted", d.Counted))
		l.audit.Record(models.AuditEvent{
			EventType: models.EventTallyReconciled,
			EventTime: now,
			ProjectID: d.ProjectID,
			Details:   fmt.Sprintf("stored=%d counted=%d", d.Stored, d.Counted),
		})

		tally, err := l.store.Tally(ctx, d.ProjectID)
		if err != nil {
			l.logger.Warn("failed to read repaired tally", zap.String("project_id", d.ProjectID), zap.Error(err))
			continue
		}
		l.publish(ctx, models.TallyDelta{
			ProjectID: tally.ProjectID,
			NewCount:  tally.VoteCount,
			Version:   tally.Version,
			At:        now,
		})
	}
	return drifts, nil
}

func (l *Ledger) consume(ctx context.Context, sessionID string) {
	if l.sessions == nil {
		return
	}
	if err := l.sessions.MarkConsumed(ctx, sessionID); err != nil {
		// the consumed token row already blocks reuse
		l.logger.Warn("failed to mark otp session consumed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (l *Ledger) publish(ctx context.Context, delta models.TallyDelta) {
	for _, p := range l.publishers {
		if err := p.Publish(ctx, delta); err != nil {
			l.logger.Warn("failed to publish tally delta",
				zap.String("project_id", delta.ProjectID),
				zap.Int64("version", delta.Version),
				zap.Error(err))
		}
	}
}

func (l *Ledger) record(eventType string, vote models.Vote, details string) {
	l.audit.Record(models.AuditEvent{
		EventType:   eventType,
		EventTime:   vote.CastAt,
		IdentityKey: vote.IdentityKey,
		ProjectID:   vote.ProjectID,
		SessionID:   vote.SessionID,
		Details:     details,
	})
}

type nopAuditor struct{}

func (nopAuditor) Record(models.AuditEvent) {}
