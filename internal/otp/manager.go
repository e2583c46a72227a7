// Package otp issues and checks the one-time codes that gate voting.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vote-service/internal/delivery"
	"vote-service/internal/encryption"
	"vote-service/internal/guard"
	"vote-service/internal/hashing"
	"vote-service/internal/identity"
	"vote-service/internal/models"
	"vote-service/internal/util"
)

// maxCASRetries bounds how often one call re-reads a session that changed
// underneath it.
const maxCASRetries = 5

type CodeHasher interface {
	HashOTP(code string) (hashing.HashResult, error)
	VerifyOTP(code string, hash hashing.HashResult) (bool, error)
}

type ContactSealer interface {
	EncryptField(ctx context.Context, plaintext string) (*encryption.EncryptedData, error)
	DecryptField(ctx context.Context, data *encryption.EncryptedData) (string, error)
}

type TokenIssuer interface {
	Issue(sessionID, identityKey, projectID string) (string, models.VerifiedToken, error)
}

type Auditor interface {
	Record(evt models.AuditEvent)
}

type Config struct {
	CodeTTL        time.Duration
	MaxAttempts    int
	DefaultChannel Channel
	SweepInterval  time.Duration
	TerminalGrace  time.Duration
}

type Deps struct {
	Store      Store
	Normalizer *identity.Normalizer
	Guard      *guard.AbuseGuard
	Gateway    delivery.Gateway
	Hasher     CodeHasher
	Sealer     ContactSealer
	Issuer     TokenIssuer
	Audit      Auditor
	Logger     *zap.Logger
}

type Manager struct {
	store      Store
	normalizer *identity.Normalizer
	guard      *guard.AbuseGuard
	gateway    delivery.Gateway
	hasher     CodeHasher
	sealer     ContactSealer
	issuer     TokenIssuer
	audit      Auditor
	logger     *zap.Logger
	cfg        Config

	now     func() time.Time
	newCode func() (string, error)
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithCodeGenerator replaces the random code source. Tests only.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(m *Manager) { m.newCode = gen }
}

type RequestInput struct {
	Email     string
	Phone     string
	ProjectID string
	Channel   string
}

// SessionHandle is what a caller learns about a session. It never carries
// the code.
type SessionHandle struct {
	SessionID     string
	ProjectID     string
	Channel       Channel
	ExpiresAt     time.Time
	ExpiresIn     time.Duration
	AlreadyActive bool
}

type SessionStatus struct {
	SessionID         string
	ProjectID         string
	State             State
	ExpiresIn         time.Duration
	RemainingAttempts int
}

type VerifyResult struct {
	Token    string
	Verified models.VerifiedToken
}

func NewManager(deps Deps, cfg Config, opts ...Option) (*Manager, error) {
	if deps.Store == nil || deps.Normalizer == nil || deps.Guard == nil || deps.Gateway == nil ||
		deps.Hasher == nil || deps.Sealer == nil || deps.Issuer == nil {
		return nil, errors.New("otp manager is missing a dependency")
	}
	if cfg.CodeTTL <= 0 || cfg.MaxAttempts <= 0 {
		return nil, errors.New("otp code ttl and max attempts must be positive")
	}
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = ChannelSMS
	}
	if deps.Logger == nil {
		deps.Logger = util.Get()
	}
	if deps.Audit == nil {
		deps.Audit = nopAuditor{}
	}

	m := &Manager{
		store:      deps.Store,
		normalizer: deps.Normalizer,
		guard:      deps.Guard,
		gateway:    deps.Gateway,
		hasher:     deps.Hasher,
		sealer:     deps.Sealer,
		issuer:     deps.Issuer,
		audit:      deps.Audit,
		logger:     deps.Logger,
		cfg:        cfg,
		now:        time.Now,
		newCode:    randomCode,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// RequestOTP returns the pair's active session untouched if there is one.
// Otherwise it creates a pending session, persists it and only then hands
// the code to the gateway. A delivery failure still returns the handle,
// alongside ErrDeliveryFailed.
func (m *Manager) RequestOTP(ctx context.Context, in RequestInput) (SessionHandle, error) {
	projectID, ok := util.CleanProjectID(in.ProjectID)
	if !ok {
		return SessionHandle{}, ErrInvalidProject
	}
	channel := m.cfg.DefaultChannel
	if in.Channel != "" {
		if channel, ok = ParseChannel(in.Channel); !ok {
			return SessionHandle{}, ErrInvalidChannel
		}
	}
	id, err := m.normalizer.Normalize(in.Email, in.Phone)
	if err != nil {
		return SessionHandle{}, err
	}

	now := m.now()
	existing, err := m.store.FindActive(ctx, id.Key, projectID, now)
	switch {
	case err == nil:
		return m.reuse(existing, now), nil
	case !errors.Is(err, ErrSessionNotFound):
		return SessionHandle{}, fmt.Errorf("find active session: %w", err)
	}

	slot, err := m.guard.TakeRequest(ctx, id.Key)
	if err != nil {
		if errors.Is(err, guard.ErrRateLimited) {
			m.record(models.EventRateLimited, id.Key, projectID, "", "request")
		}
		return SessionHandle{}, err
	}
	created := false
	defer func() {
		if !created {
			m.release(ctx, slot)
		}
	}()

	code, err := m.newCode()
	if err != nil {
		return SessionHandle{}, fmt.Errorf("generate code: %w", err)
	}
	hash, err := m.hasher.HashOTP(code)
	if err != nil {
		return SessionHandle{}, fmt.Errorf("hash code: %w", err)
	}
	address := id.Phone
	if channel == ChannelEmail {
		address = id.Email
	}
	contact, err := m.sealer.EncryptField(ctx, address)
	if err != nil {
		return SessionHandle{}, fmt.Errorf("seal contact: %w", err)
	}

	s := &Session{
		ID:          uuid.NewString(),
		IdentityKey: id.Key,
		ProjectID:   projectID,
		CodeHash:    hash,
		Contact:     contact,
		Channel:     channel,
		State:       StatePending,
		AttemptsMax: m.cfg.MaxAttempts,
		SendCount:   1,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.cfg.CodeTTL),
		LastSentAt:  now,
		UpdatedAt:   now,
	}

	stored, created, err := m.store.CreateOrGetActive(ctx, s, now)
	if err != nil {
		return SessionHandle{}, fmt.Errorf("create session: %w", err)
	}
	if !created {
		// lost a race with a concurrent request for the same pair
		return m.reuse(stored, now), nil
	}

	if _, _, err := m.guard.AllowResend(ctx, stored.ID); err != nil {
		m.logger.Warn("failed to start resend cooldown", zap.String("session_id", stored.ID), zap.Error(err))
	}
	m.record(models.EventOTPRequested, id.Key, projectID, s.ID, string(channel))

	handle := m.handle(stored, now, false)
	if err := m.deliver(ctx, stored, address, code); err != nil {
		return handle, err
	}
	return handle, nil
}

// Verify checks code against the session. Every failure except a mismatch
// with attempts left closes the session for good.
func (m *Manager) Verify(ctx context.Context, sessionID, code string) (VerifyResult, error) {
	for range maxCASRetries {
		s, err := m.store.Get(ctx, sessionID)
		if err != nil {
			return VerifyResult{}, err
		}
		now := m.now()

		if err := closedError(s.State); err != nil {
			return VerifyResult{}, err
		}

		if s.Overdue(now) {
			if err := m.expire(ctx, s, now); errors.Is(err, ErrConflict) {
				continue
			} else if err != nil {
				return VerifyResult{}, err
			}
			return VerifyResult{}, ErrSessionExpired
		}

		matched, err := m.hasher.VerifyOTP(code, s.CodeHash)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("verify code: %w", err)
		}

		if !matched {
			exhausted, slot, err := m.spendAttempt(ctx, s, now)
			if err != nil {
				return VerifyResult{}, err
			}
			if err := m.store.Update(ctx, s); errors.Is(err, ErrConflict) {
				m.release(ctx, slot)
				continue
			} else if err != nil {
				m.release(ctx, slot)
				return VerifyResult{}, fmt.Errorf("update session: %w", err)
			}
			if exhausted {
				m.record(models.EventOTPExhausted, s.IdentityKey, s.ProjectID, s.ID, "")
				return VerifyResult{}, ErrAttemptsExhausted
			}
			m.record(models.EventOTPMismatch, s.IdentityKey, s.ProjectID, s.ID, "")
			return VerifyResult{}, &MismatchError{Remaining: s.RemainingAttempts()}
		}

		raw, vt, err := m.issuer.Issue(s.ID, s.IdentityKey, s.ProjectID)
		if err != nil {
			return VerifyResult{}, err
		}
		if err := s.Verify(now); err != nil {
			return VerifyResult{}, err
		}
		if err := m.store.Update(ctx, s); errors.Is(err, ErrConflict) {
			continue
		} else if err != nil {
			return VerifyResult{}, fmt.Errorf("update session: %w", err)
		}

		m.record(models.EventOTPVerified, s.IdentityKey, s.ProjectID, s.ID, "")
		return VerifyResult{Token: raw, Verified: vt}, nil
	}
	return VerifyResult{}, ErrConflict
}

// Resend issues a fresh code for a pending session. The old code stops
// working; the deadline and attempt count carry over.
func (m *Manager) Resend(ctx context.Context, sessionID string) (SessionHandle, error) {
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return SessionHandle{}, err
	}
	if err := closedError(s.State); err != nil {
		return SessionHandle{}, err
	}

	// the cooldown and the request slot are taken once so a conflicting
	// write below retries without tripping its own limits
	ok, wait, err := m.guard.AllowResend(ctx, s.ID)
	if err != nil {
		return SessionHandle{}, err
	}
	if !ok {
		m.record(models.EventRateLimited, s.IdentityKey, s.ProjectID, s.ID, "resend")
		return SessionHandle{}, &guard.LimitError{Scope: "resend", RetryAfter: wait}
	}
	slot, err := m.guard.TakeRequest(ctx, s.IdentityKey)
	if err != nil {
		if errors.Is(err, guard.ErrRateLimited) {
			m.record(models.EventRateLimited, s.IdentityKey, s.ProjectID, s.ID, "request")
		}
		return SessionHandle{}, err
	}
	reissued := false
	defer func() {
		if !reissued {
			m.release(ctx, slot)
		}
	}()

	for attempt := range maxCASRetries {
		if attempt > 0 {
			if s, err = m.store.Get(ctx, sessionID); err != nil {
				return SessionHandle{}, err
			}
		}
		now := m.now()

		if err := closedError(s.State); err != nil {
			return SessionHandle{}, err
		}
		if s.Overdue(now) {
			if err := m.expire(ctx, s, now); errors.Is(err, ErrConflict) {
				continue
			} else if err != nil {
				return SessionHandle{}, err
			}
			return SessionHandle{}, ErrSessionExpired
		}

		code, err := m.newCode()
		if err != nil {
			return SessionHandle{}, fmt.Errorf("generate code: %w", err)
		}
		hash, err := m.hasher.HashOTP(code)
		if err != nil {
			return SessionHandle{}, fmt.Errorf("hash code: %w", err)
		}
		if err := s.Reissue(hash, now); err != nil {
			return SessionHandle{}, err
		}
		if err := m.store.Update(ctx, s); errors.Is(err, ErrConflict) {
			continue
		} else if err != nil {
			return SessionHandle{}, fmt.Errorf("update session: %w", err)
		}
		reissued = true
		m.record(models.EventOTPResent, s.IdentityKey, s.ProjectID, s.ID, string(s.Channel))

		handle := m.handle(s, now, true)
		address, err := m.sealer.DecryptField(ctx, s.Contact)
		if err != nil {
			m.logger.Error("failed to open contact for resend", zap.String("session_id", s.ID), zap.Error(err))
			return handle, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}
		if err := m.deliver(ctx, s, address, code); err != nil {
			return handle, err
		}
		return handle, nil
	}
	return SessionHandle{}, ErrConflict
}

// Status reports the server side view of a session. A pending session read
// after its deadline is persisted as expired.
func (m *Manager) Status(ctx context.Context, sessionID string) (SessionStatus, error) {
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return SessionStatus{}, err
	}
	now := m.now()

	if s.Overdue(now) {
		if err := m.expire(ctx, s, now); errors.Is(err, ErrConflict) {
			if s, err = m.store.Get(ctx, sessionID); err != nil {
				return SessionStatus{}, err
			}
		} else if err != nil {
			return SessionStatus{}, err
		}
	}

	status := SessionStatus{
		SessionID:         s.ID,
		ProjectID:         s.ProjectID,
		State:             s.State,
		RemainingAttempts: s.RemainingAttempts(),
	}
	if s.State == StatePending {
		status.ExpiresIn = s.Remaining(now)
	}
	return status, nil
}

// MarkConsumed moves a verified session to consumed. Consuming twice is not
// an error.
func (m *Manager) MarkConsumed(ctx context.Context, sessionID string) error {
	for range maxCASRetries {
		s, err := m.store.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if s.State == StateConsumed {
			return nil
		}
		if err := s.Consume(m.now()); err != nil {
			return err
		}
		if err := m.store.Update(ctx, s); errors.Is(err, ErrConflict) {
			continue
		} else if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		return nil
	}
	return ErrConflict
}

func (m *Manager) expire(ctx context.Context, s *Session, now time.Time) error {
	if err := s.Expire(now); err != nil {
		return err
	}
	if err := m.store.Update(ctx, s); err != nil {
		return err
	}
	m.record(models.EventOTPExpired, s.IdentityKey, s.ProjectID, s.ID, "")
	return nil
}

// spendAttempt charges a wrong code to the session. The guard's window is
// checked first; once it is full the session is exhausted outright.
func (m *Manager) spendAttempt(ctx context.Context, s *Session, now time.Time) (bool, *guard.Slot, error) {
	slot, err := m.guard.TakeAttempt(ctx, s.ID)
	if errors.Is(err, guard.ErrRateLimited) {
		if err := s.Exhaust(now); err != nil {
			return false, nil, err
		}
		return true, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	exhausted, err := s.RecordMismatch(now)
	if err != nil {
		m.release(ctx, slot)
		return false, nil, err
	}
	return exhausted, slot, nil
}

func (m *Manager) release(ctx context.Context, slot *guard.Slot) {
	if err := m.guard.Release(context.WithoutCancel(ctx), slot); err != nil {
		m.logger.Warn("failed to release rate limit slot", zap.Error(err))
	}
}

func (m *Manager) deliver(ctx context.Context, s *Session, address, code string) error {
	err := m.gateway.Deliver(ctx, delivery.Message{
		SessionID: s.ID,
		ProjectID: s.ProjectID,
		Channel:   string(s.Channel),
		To:        address,
		Code:      code,
		ExpiresAt: s.ExpiresAt,
	})
	if err != nil {
		m.logger.Warn("otp delivery failed",
			zap.String("session_id", s.ID),
			zap.String("channel", string(s.Channel)),
			zap.Error(err))
		m.record(models.EventDeliveryFailed, s.IdentityKey, s.ProjectID, s.ID, err.Error())
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

func (m *Manager) reuse(s *Session, now time.Time) SessionHandle {
	m.record(models.EventOTPReused, s.IdentityKey, s.ProjectID, s.ID, "")
	return m.handle(s, now, true)
}

func (m *Manager) handle(s *Session, now time.Time, alreadyActive bool) SessionHandle {
	return SessionHandle{
		SessionID:     s.ID,
		ProjectID:     s.ProjectID,
		Channel:       s.Channel,
		ExpiresAt:     s.ExpiresAt,
		ExpiresIn:     s.Remaining(now),
		AlreadyActive: alreadyActive,
	}
}

func (m *Manager) record(eventType, identityKey, projectID, sessionID, details string) {
	m.audit.Record(models.AuditEvent{
		EventType:   eventType,
		EventTime:   m.now().UTC(),
		IdentityKey: identityKey,
		ProjectID:   projectID,
		SessionID:   sessionID,
		Details:     details,
	})
}

// closedError maps a session that no longer accepts codes to the error the
// caller should see.
func closedError(state State) error {
	switch state {
	case StatePending:
		return nil
	case StateExpired:
		return ErrSessionExpired
	case StateExhausted:
		return ErrAttemptsExhausted
	default:
		return ErrSessionNotPending
	}
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

type nopAuditor struct{}

func (nopAuditor) Record(models.AuditEvent) {}
