package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var relayed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "markschecker_outbox_relayed_total",
		Help: "Outbox events relayed to Redis, by event type and result",
	},
	[]string{"event_type", "result"},
)

// RedisClient is the subset of the redis client the relay needs.
type RedisClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
	Close() error
}

type OutboxRepo interface {
	GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, err error) error
	CountByStatus(ctx context.Context, statuses ...string) (int64, error)
}

// Relay drains session events from the outbox into their Redis streams.
type Relay struct {
	redis  RedisClient
	outbox OutboxRepo
	cfg    RelayConfig
	logger *slog.Logger
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// StreamMaxLen trims each stream to roughly this many entries. Zero
	// disables trimming.
	StreamMaxLen int64
	// MaxBatches bounds how many full batches one tick drains.
	MaxBatches int
}

// RelayStats is what /health reports about the outbox.
type RelayStats struct {
	Pending    int64 `json:"pending"`
	DeadLetter int64 `json:"deadLetter"`
}

func NewRelay(outbox OutboxRepo, redisClient RedisClient, logger *slog.Logger, cfg RelayConfig) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 10
	}
	return &Relay{
		redis:  redisClient,
		outbox: outbox,
		cfg:    cfg,
		logger: logger.With("component", "relay"),
	}
}

// Start drains the outbox once, then on every tick, until ctx is done.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("starting relay",
		"interval", r.cfg.PollInterval,
		"batch_size", r.cfg.BatchSize,
		"stream_max_len", r.cfg.StreamMaxLen)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.drain(ctx); err != nil {
			r.logger.Error("outbox drain failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// drain relays pending events batch by batch. A full batch means a chunk
// burst is still queued, so it keeps going up to MaxBatches.
func (r *Relay) drain(ctx context.Context) (int, error) {
	total := 0
	for i, n := 0, r.cfg.MaxBatches; i < n; i++ {
		batch, err := r.outbox.GetPending(ctx, r.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("failed to get pending events: %w", err)
		}

		for _, ev := range batch {
			if err := r.relay(ctx, ev); err != nil {
				r.logger.Error("failed to relay event",
					"outbox_id", ev.ID,
					"event_type", ev.EventType,
					"session_id", sessionOf(ev),
					"error", err)
				continue
			}
			total++
		}

		if len(batch) < r.cfg.BatchSize || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		r.logger.Debug("outbox drained", "relayed", total)
	}
	return total, nil
}

func (r *Relay) relay(ctx context.Context, ev *OutboxEvent) error {
	args, err := r.streamEntry(ev)
	if err == nil {
		_, err = r.redis.XAdd(ctx, args).Result()
		if err != nil {
			err = fmt.Errorf("failed to publish to redis: %w", err)
		}
	}
	if err != nil {
		relayed.WithLabelValues(ev.EventType, "failed").Inc()
		if markErr := r.outbox.MarkFailed(ctx, ev.ID, err); markErr != nil {
			r.logger.Error("failed to mark event as failed", "outbox_id", ev.ID, "error", markErr)
		}
		return err
	}

	if err := r.outbox.MarkProcessed(ctx, ev.ID); err != nil {
		return fmt.Errorf("failed to mark event as processed: %w", err)
	}
	relayed.WithLabelValues(ev.EventType, "published").Inc()

	r.logger.Debug("event relayed",
		"outbox_id", ev.ID,
		"event_type", ev.EventType,
		"session_id", sessionOf(ev),
		"stream", ev.TargetStream)
	return nil
}

// streamEntry builds the XADD for one event. The envelope in "data" is what
// consumers decode; the flat fields let them filter by session or chunk
// without parsing it.
func (r *Relay) streamEntry(ev *OutboxEvent) (*redis.XAddArgs, error) {
	var payload map[string]any
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	data, err := json.Marshal(map[string]any{
		"id":           ev.ID.String(),
		"type":         ev.EventType,
		"aggregate_id": ev.AggregateID,
		"timestamp":    ev.CreatedAt.Format(time.RFC3339Nano),
		"payload":      payload,
		"attempt":      ev.RetryCount + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stream data: %w", err)
	}

	values := map[string]any{
		"data":       string(data),
		"event_type": ev.EventType,
		"outbox_id":  ev.ID.String(),
		"created_at": strconv.FormatInt(ev.CreatedAt.UnixMilli(), 10),
	}
	if id := sessionOf(ev); id != "" {
		values["session_id"] = id
	}
	if idx, ok := payload["chunk_index"].(float64); ok {
		values["chunk_index"] = strconv.Itoa(int(idx))
	}

	args := &redis.XAddArgs{Stream: ev.TargetStream, Values: values}
	if r.cfg.StreamMaxLen > 0 {
		args.MaxLen = r.cfg.StreamMaxLen
		args.Approx = true
	}
	return args, nil
}

// sessionOf returns the session an event belongs to, if any.
func sessionOf(ev *OutboxEvent) string {
	if ev.AggregateType != AggregateSession {
		return ""
	}
	return ev.AggregateID
}

func (r *Relay) Stats(ctx context.Context) (RelayStats, error) {
	pending, err := r.outbox.CountByStatus(ctx, OutboxStatusPending, OutboxStatusFailed)
	if err != nil {
		return RelayStats{}, err
	}
	dead, err := r.outbox.CountByStatus(ctx, OutboxStatusDeadLetter)
	if err != nil {
		return RelayStats{}, err
	}
	return RelayStats{Pending: pending, DeadLetter: dead}, nil
}
