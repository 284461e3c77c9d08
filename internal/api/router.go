package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maltedev/markschecker/internal/database"
)

const (
	pendingWarnThreshold   = 1000
	deadLetterErrThreshold = 100
)

// OutboxStats reports the state of the event outbox for /health.
type OutboxStats interface {
	Stats(ctx context.Context) (database.RelayStats, error)
}

type RouterConfig struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	// Outbox is nil when events are not persisted.
	Outbox OutboxStats
}

func NewRouter(h *Handlers, cfg RouterConfig, logger *slog.Logger) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", health(h, cfg.Outbox, logger))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)
			r.Get("/{id}", h.GetStatus)
			r.Delete("/{id}", h.DeleteSession)
			r.Post("/{id}/chunks", h.ProcessChunk)
			r.Get("/{id}/results", h.GetResults)
		})
		r.Post("/cleanup-session", h.CleanupSession)

		r.Post("/start-search", h.LegacyStartSearch)
		r.Post("/process-chunk", h.LegacyProcessChunk)
		r.Get("/get-results/{id}", h.LegacyGetResults)
	})

	return r
}

func health(h *Handlers, outbox OutboxStats, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"status": "ok"}
		status := http.StatusOK

		if outbox != nil {
			stats, err := outbox.Stats(r.Context())
			if err != nil {
				logger.Error("failed to read outbox stats", "error", err)
				h.respondJSON(w, http.StatusServiceUnavailable, map[string]any{
					"status":  "error",
					"message": "outbox unavailable",
				})
				return
			}

			resp["outbox"] = stats
			if stats.Pending > pendingWarnThreshold {
				resp["status"] = "warning"
				resp["message"] = "High number of pending outbox events"
			}
			if stats.DeadLetter > deadLetterErrThreshold {
				resp["status"] = "error"
				resp["message"] = "High number of dead letter events"
				status = http.StatusServiceUnavailable
			}
		}

		h.respondJSON(w, status, resp)
	}
}
