package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"vote-service/internal/otp"
)

// OTPService is the part of otp.Manager the HTTP layer drives.
type OTPService interface {
	RequestOTP(ctx context.Context, in otp.RequestInput) (otp.SessionHandle, error)
	Verify(ctx context.Context, sessionID, code string) (otp.VerifyResult, error)
	Resend(ctx context.Context, sessionID string) (otp.SessionHandle, error)
	Status(ctx context.Context, sessionID string) (otp.SessionStatus, error)
}

type OTPHandler struct {
	otp    OTPService
	logger *zap.Logger
}

func NewOTPHandler(svc OTPService, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{otp: svc, logger: logger}
}

type otpRequest struct {
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	ProjectID string `json:"projectId"`
	Channel   string `json:"channel,omitempty"`
}

type verifyRequest struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
}

type resendRequest struct {
	SessionID string `json:"sessionId"`
}

type sessionResponse struct {
	SessionID        string `json:"sessionId"`
	ProjectID        string `json:"projectId"`
	Channel          string `json:"channel"`
	ExpiresInSeconds int64  `json:"expiresInSeconds"`
	AlreadyActive    bool   `json:"alreadyActive"`
}

type statusResponse struct {
	SessionID         string `json:"sessionId"`
	ProjectID         string `json:"projectId"`
	State             string `json:"state"`
	ExpiresInSeconds  int64  `json:"expiresInSeconds"`
	RemainingAttempts int    `json:"remainingAttempts"`
}

func (h *OTPHandler) RegisterRoutes(r chi.Router) {
	r.Route("/otp", func(r chi.Router) {
		r.Post("/request", h.Request)
		r.Post("/verify", h.Verify)
		r.Post("/resend", h.Resend)
		r.Get("/sessions/{sessionID}", h.Status)
	})
}

// Request starts verification for an identity and project, or returns the
// session already running for them.
func (h *OTPHandler) Request(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, r, h.logger, err, nil)
		return
	}

	handle, err := h.otp.RequestOTP(r.Context(), otp.RequestInput{
		Email:     req.Email,
		Phone:     req.Phone,
		ProjectID: req.ProjectID,
		Channel:   req.Channel,
	})
	if err != nil {
		respondError(w, r, h.logger, err, handleBody(handle))
		return
	}

	status := http.StatusCreated
	if handle.AlreadyActive {
		status = http.StatusOK
	}
	respondOK(w, h.logger, status, toSessionResponse(handle))
}

func (h *OTPHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, r, h.logger, err, nil)
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Code = strings.TrimSpace(req.Code)
	if req.SessionID == "" || req.Code == "" {
		respondError(w, r, h.logger, errInvalidRequest, nil)
		return
	}

	res, err := h.otp.Verify(r.Context(), req.SessionID, req.Code)
	if err != nil {
		respondError(w, r, h.logger, err, nil)
		return
	}
	respondOK(w, h.logger, http.StatusOK, map[string]interface{}{
		"token":     res.Token,
		"projectId": res.Verified.ProjectID,
		"expiresAt": res.Verified.ExpiresAt,
	})
}

func (h *OTPHandler) Resend(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if err := decodeBody(w, r, &req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		respondError(w, r, h.logger, errInvalidRequest, nil)
		return
	}

	handle, err := h.otp.Resend(r.Context(), strings.TrimSpace(req.SessionID))
	if err != nil {
		respondError(w, r, h.logger, err, handleBody(handle))
		return
	}
	respondOK(w, h.logger, http.StatusOK, toSessionResponse(handle))
}

func (h *OTPHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.otp.Status(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, r, h.logger, err, nil)
		return
	}
	respondOK(w, h.logger, http.StatusOK, statusResponse{
		SessionID:         st.SessionID,
		ProjectID:         st.ProjectID,
		State:             string(st.State),
		ExpiresInSeconds:  seconds(st.ExpiresIn),
		RemainingAttempts: st.RemainingAttempts,
	})
}

func toSessionResponse(h otp.SessionHandle) sessionResponse {
	return sessionResponse{
		SessionID:        h.SessionID,
		ProjectID:        h.ProjectID,
		Channel:          string(h.Channel),
		ExpiresInSeconds: seconds(h.ExpiresIn),
		AlreadyActive:    h.AlreadyActive,
	}
}

// handleBody keeps the session handle on a failed delivery so the client
// can offer a resend.
func handleBody(h otp.SessionHandle) interface{} {
	if h.SessionID == "" {
		return nil
	}
	return toSessionResponse(h)
}
