package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/markschecker/internal/models"
	"github.com/maltedev/markschecker/internal/session"
)

// The legacy endpoints serve older front ends that expect snake_case keys.

type legacyStartResponse struct {
	SessionID      string            `json:"session_id"`
	RegionInfo     models.Region     `json:"region_info"`
	SearchType     models.SearchType `json:"search_type"`
	ParsedTerms    []string          `json:"parsed_terms"`
	Duplicates     []string          `json:"duplicates"`
	DuplicateCount int               `json:"duplicate_count"`
	ContainsEA     bool              `json:"contains_ea_codes"`
	TotalTerms     int               `json:"total_terms"`
	ChunkSize      int               `json:"chunk_size"`
	TotalChunks    int               `json:"total_chunks"`
	Limit          string            `json:"limit"`
	Status         string            `json:"status"`
}

type legacyChunkResponse struct {
	SessionID      string `json:"session_id"`
	ChunkIndex     int    `json:"chunk_index"`
	ProcessedCount int    `json:"processed_count"`
	ProductsFound  int    `json:"products_found"`
	TotalFound     int    `json:"total_found"`
	Status         string `json:"status"`
}

type legacySession struct {
	ID             string              `json:"id"`
	Status         models.SessionState `json:"status"`
	TotalTerms     int                 `json:"totalTerms"`
	ProcessedTerms int                 `json:"processedTerms"`
	TotalProducts  int                 `json:"totalProducts"`
	Region         models.Region       `json:"region"`
}

type legacyStats struct {
	TotalProducts    int `json:"total_products"`
	FoundProducts    int `json:"found_products"`
	NotFoundProducts int `json:"not_found_products"`
}

type legacyResultsResponse struct {
	Session  legacySession        `json:"session"`
	Products []session.ProductRow `json:"products"`
	Stats    legacyStats          `json:"stats"`
}

// LegacyStartSearch handles POST /api/start-search.
func (h *Handlers) LegacyStartSearch(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.startSession(w, r)
	if !ok {
		return
	}

	h.respondJSON(w, http.StatusOK, legacyStartResponse{
		SessionID:      sess.ID,
		RegionInfo:     sess.Region,
		SearchType:     sess.Search.Type,
		ParsedTerms:    sess.Terms,
		Duplicates:     sess.Duplicates,
		DuplicateCount: len(sess.Duplicates),
		ContainsEA:     sess.ContainsEA,
		TotalTerms:     len(sess.Terms),
		ChunkSize:      sess.ChunkSize,
		TotalChunks:    sess.TotalChunks(),
		Limit:          sess.Search.Limit,
		Status:         string(sess.State()),
	})
}

// LegacyProcessChunk handles POST /api/process-chunk, where the session id
// travels in the body.
func (h *Handlers) LegacyProcessChunk(w http.ResponseWriter, r *http.Request) {
	var p chunkPayload
	if err := decode(r, &p); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sessionID := p.session()
	if sessionID == "" {
		h.respondError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	summary, ok := h.runChunk(w, r, sessionID, p)
	if !ok {
		return
	}

	h.respondJSON(w, http.StatusOK, legacyChunkResponse{
		SessionID:      sessionID,
		ChunkIndex:     summary.Index,
		ProcessedCount: summary.Counts.Processed,
		ProductsFound:  summary.Counts.ProductsFound,
		TotalFound:     summary.Counts.TotalFound,
		Status:         h.sessionState(r.Context(), sessionID),
	})
}

// LegacyGetResults handles GET /api/get-results/{id}.
func (h *Handlers) LegacyGetResults(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.GetResults(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, err, "failed to get results")
		return
	}

	stats := legacyStats{TotalProducts: len(res.Products)}
	for _, row := range res.Products {
		if row.Found {
			stats.FoundProducts++
		} else {
			stats.NotFoundProducts++
		}
	}

	sess := res.Session
	h.respondJSON(w, http.StatusOK, legacyResultsResponse{
		Session: legacySession{
			ID:             sess.ID,
			Status:         sess.State(),
			TotalTerms:     len(sess.Terms),
			ProcessedTerms: sess.Counts.Processed,
			TotalProducts:  sess.Counts.ProductsFound,
			Region:         sess.Region,
		},
		Products: res.Products,
		Stats:    stats,
	})
}
