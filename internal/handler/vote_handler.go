package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"vote-service/internal/models"
	"vote-service/internal/util"
)

type TokenParser interface {
	Parse(raw string) (models.VerifiedToken, error)
}

// Ballot is the part of ledger.Ledger the HTTP layer drives.
type Ballot interface {
	CastVote(ctx context.Context, vt models.VerifiedToken) (models.ProjectTally, error)
	Tallies(ctx context.Context) ([]models.ProjectTally, error)
	Tally(ctx context.Context, projectID string) (models.ProjectTally, error)
}

type VoteHandler struct {
	tokens TokenParser
	ballot Ballot
	logger *zap.Logger
}

func NewVoteHandler(tokens TokenParser, ballot Ballot, logger *zap.Logger) *VoteHandler {
	return &VoteHandler{tokens: tokens, ballot: ballot, logger: logger}
}

type voteRequest struct {
	Token string `json:"token"`
}

type voteResponse struct {
	ProjectID string `json:"projectId"`
	NewCount  int64  `json:"newCount"`
	Version   int64  `json:"version"`
}

func (h *VoteHandler) RegisterRoutes(r chi.Router) {
	r.Post("/vote", h.CastVote)
	r.Get("/tally", h.Tallies)
	r.Get("/tally/{projectID}", h.Tally)
}

// CastVote spends a verified token on one vote. The token comes from the
// body or, failing that, a bearer Authorization header.
func (h *VoteHandler) CastVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			respondError(w, r, h.logger, err, nil)
			return
		}
	}
	raw := strings.TrimSpace(req.Token)
	if raw == "" {
		raw = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	}
	if raw == "" {
		respondError(w, r, h.logger, errInvalidRequest, nil)
		return
	}

	vt, err := h.tokens.Parse(raw)
	if err != nil {
		respondError(w, r, h.logger, err, nil)
		return
	}
	tally, err := h.ballot.CastVote(r.Context(), vt)
	if err != nil {
		respondError(w, r, h.logger, err, nil)
		return
	}

	respondOK(w, h.logger, http.StatusCreated, voteResponse{
		ProjectID: tally.ProjectID,
		NewCount:  tally.VoteCount,
		Version:   tally.Version,
	})
}

func (h *VoteHandler) Tallies(w http.ResponseWriter, r *http.Request) {
	tallies, err := h.ballot.Tallies(r.Context())
	if err != nil {
		respondError(w, r, h.logger, err, nil)
		return
	}
	if tallies == nil {
		tallies = []models.ProjectTally{}
	}
	respondOK(w, h.logger, http.StatusOK, map[string]interface{}{"tallies": tallies})
}

func (h *VoteHandler) Tally(w http.ResponseWriter, r *http.Request) {
	projectID, ok := util.CleanProjectID(chi.URLParam(r, "projectID"))
	if !ok {
		respondError(w, r, h.logger, errInvalidRequest, nil)
		return
	}
	tally, err := h.ballot.Tally(r.Context(), projectID)
	if err != nil {
		respondError(w, r, h.logger, err, nil)
		return
	}
	respondOK(w, h.logger, http.StatusOK, tally)
}
