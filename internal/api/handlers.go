// Package api exposes checking sessions over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/markschecker/internal/models"
	"github.com/maltedev/markschecker/internal/session"
)

// Service is the session surface the handlers need.
type Service interface {
	CreateSession(ctx context.Context, req session.CreateRequest) (*models.Session, error)
	ProcessChunk(ctx context.Context, sessionID string, req session.ChunkRequest) (*models.ChunkSummary, error)
	GetResults(ctx context.Context, sessionID string) (*session.Results, error)
	GetStatus(ctx context.Context, sessionID string) (*session.Status, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

type Handlers struct {
	sessions Service
	logger   *slog.Logger
}

func NewHandlers(sessions Service, logger *slog.Logger) *Handlers {
	return &Handlers{
		sessions: sessions,
		logger:   logger.With("component", "api"),
	}
}

// SessionResponse describes a freshly created session.
type SessionResponse struct {
	SessionID      string            `json:"sessionId"`
	Region         models.Region     `json:"region"`
	SearchType     models.SearchType `json:"searchType"`
	Limit          string            `json:"limit"`
	Terms          []string          `json:"terms"`
	Duplicates     []string          `json:"duplicates"`
	DuplicateCount int               `json:"duplicateCount"`
	ContainsEA     bool              `json:"containsEaCodes"`
	TotalTerms     int               `json:"totalTerms"`
	ChunkSize      int               `json:"chunkSize"`
	TotalChunks    int               `json:"totalChunks"`
	Status         string            `json:"status"`
}

type ChunkResponse struct {
	SessionID      string               `json:"sessionId"`
	ChunkIndex     int                  `json:"chunkIndex"`
	ProcessedCount int                  `json:"processedCount"`
	ProductsFound  int                  `json:"productsFound"`
	TotalFound     int                  `json:"totalFound"`
	Counts         models.Counts        `json:"counts"`
	Results        []models.Result      `json:"results"`
	Products       []session.ProductRow `json:"products"`
	Status         string               `json:"status"`
}

// CreateSession handles POST /api/sessions.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.startSession(w, r)
	if !ok {
		return
	}

	h.respondJSON(w, http.StatusCreated, SessionResponse{
		SessionID:      sess.ID,
		Region:         sess.Region,
		SearchType:     sess.Search.Type,
		Limit:          sess.Search.Limit,
		Terms:          sess.Terms,
		Duplicates:     sess.Duplicates,
		DuplicateCount: len(sess.Duplicates),
		ContainsEA:     sess.ContainsEA,
		TotalTerms:     len(sess.Terms),
		ChunkSize:      sess.ChunkSize,
		TotalChunks:    sess.TotalChunks(),
		Status:         string(sess.State()),
	})
}

// ProcessChunk handles POST /api/sessions/{id}/chunks.
func (h *Handlers) ProcessChunk(w http.ResponseWriter, r *http.Request) {
	var p chunkPayload
	if err := decode(r, &p); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sessionID := chi.URLParam(r, "id")
	summary, ok := h.runChunk(w, r, sessionID, p)
	if !ok {
		return
	}

	h.respondJSON(w, http.StatusOK, ChunkResponse{
		SessionID:      sessionID,
		ChunkIndex:     summary.Index,
		ProcessedCount: summary.Counts.Processed,
		ProductsFound:  summary.Counts.ProductsFound,
		TotalFound:     summary.Counts.TotalFound,
		Counts:         summary.Counts,
		Results:        summary.Results,
		Products:       session.Rows(summary.Results),
		Status:         h.sessionState(r.Context(), sessionID),
	})
}

// GetResults handles GET /api/sessions/{id}/results.
func (h *Handlers) GetResults(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.GetResults(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, err, "failed to get results")
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

// GetStatus handles GET /api/sessions/{id}.
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.sessions.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, err, "failed to get status")
		return
	}
	h.respondJSON(w, http.StatusOK, st)
}

// DeleteSession handles DELETE /api/sessions/{id}.
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.handleError(w, err, "failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CleanupSession handles POST /api/cleanup-session. Unknown sessions are
// treated as already cleaned up.
func (h *Handlers) CleanupSession(w http.ResponseWriter, r *http.Request) {
	var p cleanupPayload
	if err := decode(r, &p); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := p.session()
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	err := h.sessions.DeleteSession(r.Context(), id)
	if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		h.handleError(w, err, "failed to clean up session")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) startSession(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
	var p startPayload
	if err := decode(r, &p); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}

	sess, err := h.sessions.CreateSession(r.Context(), session.CreateRequest{
		Credential: p.credential(),
		RawTerms:   p.rawTerms(),
		Terms:      p.Terms,
		SearchType: p.SearchType,
		Limit:      string(p.Limit),
	})
	if err != nil {
		h.handleError(w, err, "failed to create session")
		return nil, false
	}
	return sess, true
}

func (h *Handlers) runChunk(w http.ResponseWriter, r *http.Request, sessionID string, p chunkPayload) (*models.ChunkSummary, bool) {
	summary, err := h.sessions.ProcessChunk(r.Context(), sessionID, session.ChunkRequest{
		Index:      p.index(),
		Terms:      p.terms(),
		Credential: p.credential(),
		Limit:      string(p.Limit),
	})
	if err != nil {
		h.handleError(w, err, "failed to process chunk", "session_id", sessionID, "chunk_index", p.index())
		return nil, false
	}
	return summary, true
}

// sessionState reports the session's state after a chunk ran.
func (h *Handlers) sessionState(ctx context.Context, sessionID string) string {
	st, err := h.sessions.GetStatus(ctx, sessionID)
	if err != nil {
		h.logger.Warn("failed to read session state", "session_id", sessionID, "error", err)
		return string(models.StateProcessing)
	}
	return string(st.State)
}

// handleError maps session errors onto status codes. Unexpected errors are
// logged and hidden from the client.
func (h *Handlers) handleError(w http.ResponseWriter, err error, msg string, args ...any) {
	switch {
	case session.IsValidation(err):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrSessionNotFound):
		h.respondError(w, http.StatusNotFound, "session not found")
	default:
		h.logger.Error(msg, append(args, "error", err)...)
		h.respondError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
