// Package events publishes session progress to the transactional outbox.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/markschecker/internal/database"
	"github.com/maltedev/markschecker/internal/models"
)

type EventType string

const (
	EventTypeChunkProcessed   EventType = "CHUNK_PROCESSED"
	EventTypeSessionCompleted EventType = "SESSION_COMPLETED"
)

type envelope struct {
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

type ChunkProcessedPayload struct {
	envelope
	SessionID   string        `json:"session_id"`
	ChunkIndex  int           `json:"chunk_index"`
	TotalChunks int           `json:"total_chunks"`
	RegionID    string        `json:"region_id,omitempty"`
	Chunk       models.Counts `json:"chunk"`
	Session     models.Counts `json:"session"`
}

type SessionCompletedPayload struct {
	envelope
	SessionID  string        `json:"session_id"`
	TotalTerms int           `json:"total_terms"`
	RegionID   string        `json:"region_id,omitempty"`
	Counts     models.Counts `json:"counts"`
	Duration   float64       `json:"duration_seconds"`
}

// Publisher is notified by the session manager as chunks land.
type Publisher interface {
	PublishChunkProcessed(ctx context.Context, payload *ChunkProcessedPayload) error
	PublishSessionCompleted(ctx context.Context, payload *SessionCompletedPayload) error
}

// Outbox is the write side of database.OutboxRepository.
type Outbox interface {
	Insert(ctx context.Context, event *database.OutboxEvent) error
}

// OutboxPublisher writes events to the outbox; database.Relay moves them
// to Redis.
type OutboxPublisher struct {
	outbox Outbox
	stream string
	logger *slog.Logger
}

func NewOutboxPublisher(outbox Outbox, stream string, logger *slog.Logger) *OutboxPublisher {
	if stream == "" {
		stream = database.DefaultStream
	}
	return &OutboxPublisher{
		outbox: outbox,
		stream: stream,
		logger: logger.With("component", "event_publisher"),
	}
}

func (p *OutboxPublisher) PublishChunkProcessed(ctx context.Context, payload *ChunkProcessedPayload) error {
	payload.stamp(EventTypeChunkProcessed)
	return p.write(ctx, payload.SessionID, payload.envelope, payload)
}

func (p *OutboxPublisher) PublishSessionCompleted(ctx context.Context, payload *SessionCompletedPayload) error {
	payload.stamp(EventTypeSessionCompleted)
	return p.write(ctx, payload.SessionID, payload.envelope, payload)
}

func (p *OutboxPublisher) write(ctx context.Context, sessionID string, env envelope, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	event := &database.OutboxEvent{
		AggregateType: database.AggregateSession,
		AggregateID:   sessionID,
		EventType:     string(env.EventType),
		Payload:       data,
		TargetStream:  p.stream,
	}

	if err := p.outbox.Insert(ctx, event); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("event published to outbox",
		"type", env.EventType,
		"event_id", env.EventID,
		"session_id", sessionID,
		"outbox_id", event.ID,
	)
	return nil
}

func (e *envelope) stamp(t EventType) {
	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}
	e.EventType = t
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishChunkProcessed(context.Context, *ChunkProcessedPayload) error     { return nil }
func (Nop) PublishSessionCompleted(context.Context, *SessionCompletedPayload) error { return nil }

// LogPublisher logs each event and forwards it to next.
type LogPublisher struct {
	next   Publisher
	logger *slog.Logger
}

func NewLogPublisher(next Publisher, logger *slog.Logger) *LogPublisher {
	if next == nil {
		next = Nop{}
	}
	return &LogPublisher{next: next, logger: logger.With("component", "events")}
}

func (p *LogPublisher) PublishChunkProcessed(ctx context.Context, payload *ChunkProcessedPayload) error {
	p.logger.Info("chunk processed",
		"session_id", payload.SessionID,
		"chunk_index", payload.ChunkIndex,
		"total_chunks", payload.TotalChunks,
		"processed", payload.Chunk.Processed,
		"found", payload.Chunk.Found())
	return p.next.PublishChunkProcessed(ctx, payload)
}

func (p *LogPublisher) PublishSessionCompleted(ctx context.Context, payload *SessionCompletedPayload) error {
	p.logger.Info("session completed",
		"session_id", payload.SessionID,
		"total_terms", payload.TotalTerms,
		"found", payload.Counts.Found(),
		"duration_seconds", payload.Duration)
	return p.next.PublishSessionCompleted(ctx, payload)
}
