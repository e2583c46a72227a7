package models

import "time"

// Audit event types.
const (
	EventOTPRequested    = "otp_requested"
	EventOTPReused       = "otp_reused"
	EventOTPResent       = "otp_resent"
	EventOTPVerified     = "otp_verified"
	EventOTPMismatch     = "otp_mismatch"
	EventOTPExhausted    = "otp_exhausted"
	EventOTPExpired      = "otp_expired"
	EventRateLimited     = "rate_limited"
	EventDeliveryFailed  = "delivery_failed"
	EventVoteCast        = "vote_cast"
	EventVoteDuplicate   = "vote_duplicate"
	EventTokenReplayed   = "token_replayed"
	EventTallyReconciled = "tally_reconciled"
)

// AuditEvent is one append-only record of something a voter did. It never
// carries contact details or codes.
type AuditEvent struct {
	EventID     string    `json:"event_id" ch:"event_id"`
	EventBucket int       `json:"event_bucket" ch:"event_bucket"`
	EventDate   string    `json:"event_date" ch:"event_date"`
	EventTime   time.Time `json:"event_time" ch:"event_time"`
	EventType   string    `json:"event_type" ch:"event_type"`
	IdentityKey string    `json:"identity_key,omitempty" ch:"identity_key"`
	ProjectID   string    `json:"project_id,omitempty" ch:"project_id"`
	SessionID   string    `json:"session_id,omitempty" ch:"session_id"`
	Details     string    `json:"details,omitempty" ch:"details"`
}
