package models

import "time"

// VerifiedToken is the proof a verified OTP session hands to the ledger. It
// can be spent once.
type VerifiedToken struct {
	SessionID   string    `json:"session_id"`
	IdentityKey string    `json:"identity_key"`
	ProjectID   string    `json:"project_id"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type Vote struct {
	VoteID      string    `json:"vote_id" db:"vote_id"`
	IdentityKey string    `json:"identity_key" db:"identity_key"`
	ProjectID   string    `json:"project_id" db:"project_id"`
	SessionID   string    `json:"session_id" db:"session_id"`
	CastAt      time.Time `json:"cast_at" db:"cast_at"`
}

type ProjectTally struct {
	ProjectID string    `json:"projectId" db:"project_id"`
	VoteCount int64     `json:"voteCount" db:"vote_count"`
	Version   int64     `json:"version" db:"version"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// TallyDelta announces that ProjectID reached NewCount at Version.
type TallyDelta struct {
	ProjectID string    `json:"projectId"`
	NewCount  int64     `json:"newCount"`
	Version   int64     `json:"version"`
	At        time.Time `json:"at"`
}

// Drift is a tally that disagreed with its vote rows during reconcile.
type Drift struct {
	ProjectID string `json:"projectId"`
	Stored    int64  `json:"stored"`
	Counted   int64  `json:"counted"`
}
