package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"vote-service/internal/guard"
	"vote-service/internal/identity"
	"vote-service/internal/ledger"
	"vote-service/internal/otp"
	"vote-service/internal/token"
	"vote-service/internal/util"
)

// Response is the envelope every JSON endpoint returns.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    string      `json:"kind,omitempty"`
	Message string      `json:"message,omitempty"`
}

var errInvalidRequest = errors.New("invalid request")

type errorKind struct {
	target  error
	status  int
	kind    string
	message string
}

// errorKinds is checked in order; the first match wins.
var errorKinds = []errorKind{
	{errInvalidRequest, http.StatusBadRequest, "invalid_request", "The request is malformed."},
	{otp.ErrInvalidProject, http.StatusBadRequest, "invalid_request", "The project id is not valid."},
	{otp.ErrInvalidChannel, http.StatusBadRequest, "invalid_request", "Choose sms, whatsapp or email."},
	{ledger.ErrInvalidVote, http.StatusBadRequest, "invalid_request", "The vote is incomplete."},
	{identity.ErrInvalidIdentity, http.StatusBadRequest, "invalid_identity", "Check the email address and phone number."},
	{guard.ErrRateLimited, http.StatusTooManyRequests, "rate_limited", "Too many attempts. Try again later."},
	{otp.ErrSessionNotFound, http.StatusNotFound, "session_not_found", "This verification session does not exist."},
	{otp.ErrSessionExpired, http.StatusGone, "session_expired", "The code has expired. Request a new one."},
	{otp.ErrAttemptsExhausted, http.StatusLocked, "attempts_exhausted", "Too many wrong codes. Request a new one."},
	{otp.ErrCodeMismatch, http.StatusUnauthorized, "code_mismatch", "The code is incorrect."},
	{otp.ErrSessionNotPending, http.StatusConflict, "session_not_pending", "This session has already been used."},
	{token.ErrInvalidToken, http.StatusUnauthorized, "invalid_token", "The vote token is not valid."},
	{ledger.ErrTokenAlreadyConsumed, http.StatusConflict, "token_already_consumed", "This vote token has already been used."},
	{ledger.ErrDuplicateVote, http.StatusConflict, "duplicate_vote", "You have already voted for this project."},
	{otp.ErrDeliveryFailed, http.StatusBadGateway, "delivery_failed", "The code could not be sent. Try resending."},
}

// classify maps an error to its HTTP status, kind and public message.
// Unknown errors are internal and their text is never sent to the client.
func classify(err error) (int, string, string, string) {
	for _, k := range errorKinds {
		if errors.Is(err, k.target) {
			return k.status, k.kind, k.target.Error(), k.message
		}
	}
	return http.StatusInternalServerError, "internal", "internal server error", "Something went wrong."
}

func respondJSON(w http.ResponseWriter, logger *zap.Logger, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode JSON response", util.ErrorField(err))
	}
}

func respondOK(w http.ResponseWriter, logger *zap.Logger, status int, data interface{}) {
	respondJSON(w, logger, status, Response{Success: true, Data: data})
}

// respondError writes the classified error. data is sent along when the
// caller still has something useful to return, like a session handle.
func respondError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error, data interface{}) {
	status, kind, public, message := classify(err)

	var limit *guard.LimitError
	if errors.As(err, &limit) && limit.RetryAfter > 0 {
		secs := seconds(limit.RetryAfter)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		if data == nil {
			data = map[string]int64{"retryAfterSeconds": secs}
		}
	}
	var mismatch *otp.MismatchError
	if errors.As(err, &mismatch) && data == nil {
		data = map[string]int{"remainingAttempts": mismatch.Remaining}
	}

	fields := []zap.Field{
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.String("kind", kind),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", fields...)
	} else {
		logger.Debug("request rejected", fields...)
	}

	respondJSON(w, logger, status, Response{Error: public, Kind: kind, Message: message, Data: data})
}

// seconds rounds d up so a client never retries early.
func seconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(dst); err != nil {
		return errInvalidRequest
	}
	return nil
}
