package otp

import (
	"fmt"
	"time"

	"vote-service/internal/encryption"
	"vote-service/internal/hashing"
)

type State string

const (
	StatePending   State = "pending"
	StateVerified  State = "verified"
	StateConsumed  State = "consumed"
	StateExpired   State = "expired"
	StateExhausted State = "exhausted"
)

var validTransitions = map[State][]State{
	StatePending:  {StateVerified, StateExpired, StateExhausted},
	StateVerified: {StateConsumed},
}

func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Closed reports whether the session no longer accepts codes. Only a
// verified session still moves, and only to consumed.
func (s State) Closed() bool {
	return s != StatePending
}

func (s State) Valid() bool {
	switch s {
	case StatePending, StateVerified, StateConsumed, StateExpired, StateExhausted:
		return true
	}
	return false
}

type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
)

func ParseChannel(raw string) (Channel, bool) {
	switch c := Channel(raw); c {
	case ChannelSMS, ChannelWhatsApp, ChannelEmail:
		return c, true
	}
	return "", false
}

// Session is one OTP issuance for an (identity, project) pair. Fields are
// exported for the stores; state changes go through the methods below so the
// transition table is always checked.
type Session struct {
	ID           string                    `json:"id"`
	IdentityKey  string                    `json:"identity_key"`
	ProjectID    string                    `json:"project_id"`
	CodeHash     hashing.HashResult        `json:"code_hash"`
	Contact      *encryption.EncryptedData `json:"contact,omitempty"`
	Channel      Channel                   `json:"channel"`
	State        State                     `json:"state"`
	AttemptsUsed int                       `json:"attempts_used"`
	AttemptsMax  int                       `json:"attempts_max"`
	SendCount    int                       `json:"send_count"`
	CreatedAt    time.Time                 `json:"created_at"`
	ExpiresAt    time.Time                 `json:"expires_at"`
	LastSentAt   time.Time                 `json:"last_sent_at"`
	VerifiedAt   *time.Time                `json:"verified_at,omitempty"`
	ConsumedAt   *time.Time                `json:"consumed_at,omitempty"`
	UpdatedAt    time.Time                 `json:"updated_at"`
	// Revision increases on every stored update and guards compare-and-swap.
	Revision int64 `json:"revision"`
}

// Active means the session still blocks a new request for its pair.
func (s *Session) Active(now time.Time) bool {
	return s.State == StatePending && !now.After(s.ExpiresAt)
}

// Overdue is a pending session past its deadline that nobody has expired yet.
func (s *Session) Overdue(now time.Time) bool {
	return s.State == StatePending && now.After(s.ExpiresAt)
}

func (s *Session) Remaining(now time.Time) time.Duration {
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (s *Session) RemainingAttempts() int {
	return max(s.AttemptsMax-s.AttemptsUsed, 0)
}

func (s *Session) Clone() *Session {
	c := *s
	if s.Contact != nil {
		contact := *s.Contact
		c.Contact = &contact
	}
	if s.VerifiedAt != nil {
		t := *s.VerifiedAt
		c.VerifiedAt = &t
	}
	if s.ConsumedAt != nil {
		t := *s.ConsumedAt
		c.ConsumedAt = &t
	}
	return &c
}

func (s *Session) transition(next State, now time.Time) error {
	if !s.State.CanTransitionTo(next) {
		return &TransitionError{From: s.State, To: next}
	}
	s.State = next
	s.UpdatedAt = now
	return nil
}

func (s *Session) Expire(now time.Time) error {
	return s.transition(StateExpired, now)
}

func (s *Session) Exhaust(now time.Time) error {
	return s.transition(StateExhausted, now)
}

func (s *Session) Verify(now time.Time) error {
	if err := s.transition(StateVerified, now); err != nil {
		return err
	}
	s.VerifiedAt = &now
	return nil
}

func (s *Session) Consume(now time.Time) error {
	if err := s.transition(StateConsumed, now); err != nil {
		return err
	}
	s.ConsumedAt = &now
	return nil
}

// RecordMismatch counts one wrong code and exhausts the session when that
// was the last allowed attempt.
func (s *Session) RecordMismatch(now time.Time) (exhausted bool, err error) {
	if s.State != StatePending {
		return false, &TransitionError{From: s.State, To: StatePending}
	}
	s.AttemptsUsed++
	s.UpdatedAt = now
	if s.AttemptsUsed >= s.AttemptsMax {
		return true, s.Exhaust(now)
	}
	return false, nil
}

// Reissue swaps in a new code hash for a pending session. The deadline and
// attempt count are left alone so resending cannot extend a session.
func (s *Session) Reissue(hash hashing.HashResult, now time.Time) error {
	if s.State != StatePending {
		return &TransitionError{From: s.State, To: StatePending}
	}
	s.CodeHash = hash
	s.SendCount++
	s.LastSentAt = now
	s.UpdatedAt = now
	return nil
}

type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid session transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrSessionNotPending
}
