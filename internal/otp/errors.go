package otp

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound   = errors.New("otp session not found")
	ErrSessionExpired    = errors.New("otp session expired")
	ErrAttemptsExhausted = errors.New("otp attempts exhausted")
	ErrCodeMismatch      = errors.New("otp code mismatch")
	ErrSessionNotPending = errors.New("otp session is no longer pending")
	ErrDeliveryFailed    = errors.New("otp delivery failed")
	ErrInvalidProject    = errors.New("invalid project id")
	ErrInvalidChannel    = errors.New("invalid delivery channel")

	// ErrConflict is returned by a Store when the session changed since it
	// was read.
	ErrConflict = errors.New("otp session modified concurrently")
)

// MismatchError is a wrong code on a session that still has attempts left.
type MismatchError struct {
	Remaining int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("otp code mismatch, %d attempts left", e.Remaining)
}

func (e *MismatchError) Unwrap() error {
	return ErrCodeMismatch
}
