package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamReader is the subset of the redis client a Consumer needs.
type StreamReader interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// Message is one relayed event read back from a stream.
type Message struct {
	StreamID    string          `json:"stream_id"`
	EventType   EventType       `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
}

// Handler processes one message. A returned error leaves the message
// unacknowledged in the group's pending list.
type Handler func(ctx context.Context, msg Message) error

type ConsumerConfig struct {
	Stream string
	Group  string
	Name   string
	Block  time.Duration
	Count  int64
	// Types filters messages by event type; empty accepts all.
	Types []EventType
}

// Consumer reads session events from a Redis stream through a consumer group.
type Consumer struct {
	redis  StreamReader
	cfg    ConsumerConfig
	logger *slog.Logger
}

func NewConsumer(client StreamReader, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.Group == "" {
		cfg.Group = "markschecker-watchers"
	}
	if cfg.Name == "" {
		cfg.Name = "watcher-1"
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Count <= 0 {
		cfg.Count = 10
	}
	return &Consumer{
		redis:  client,
		cfg:    cfg,
		logger: logger.With("component", "event_consumer", "stream", cfg.Stream, "group", cfg.Group),
	}
}

// Run blocks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	err := c.redis.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("starting consumer")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Name,
			Streams:  []string{c.cfg.Stream, ">"},
			Count:    c.cfg.Count,
			Block:    c.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to read from stream", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, xmsg := range stream.Messages {
				c.process(ctx, xmsg, handle)
			}
		}
	}
}

func (c *Consumer) process(ctx context.Context, xmsg redis.XMessage, handle Handler) {
	msg, err := DecodeMessage(xmsg)
	if err != nil {
		// undecodable messages would be redelivered forever
		c.logger.Warn("dropping malformed message", "id", xmsg.ID, "error", err)
		c.ack(ctx, xmsg.ID)
		return
	}

	if c.accepts(msg.EventType) {
		if err := handle(ctx, msg); err != nil {
			c.logger.Error("failed to process message", "id", xmsg.ID, "event_type", msg.EventType, "error", err)
			return
		}
	}
	c.ack(ctx, xmsg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.redis.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		c.logger.Error("failed to acknowledge message", "id", id, "error", err)
	}
}

func (c *Consumer) accepts(t EventType) bool {
	if len(c.cfg.Types) == 0 {
		return true
	}
	for _, want := range c.cfg.Types {
		if want == t {
			return true
		}
	}
	return false
}

// DecodeMessage unpacks the fields database.Relay writes to a stream entry.
func DecodeMessage(xmsg redis.XMessage) (Message, error) {
	data, ok := xmsg.Values["data"].(string)
	if !ok {
		return Message{}, fmt.Errorf("missing data field")
	}

	var envelope struct {
		Type        EventType       `json:"type"`
		AggregateID string          `json:"aggregate_id"`
		Timestamp   time.Time       `json:"timestamp"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal([]byte(data), &envelope); err != nil {
		return Message{}, fmt.Errorf("failed to parse data: %w", err)
	}
	if envelope.Type == "" {
		if t, ok := xmsg.Values["event_type"].(string); ok {
			envelope.Type = EventType(t)
		}
	}
	if envelope.Type == "" {
		return Message{}, fmt.Errorf("missing event type")
	}

	return Message{
		StreamID:    xmsg.ID,
		EventType:   envelope.Type,
		AggregateID: envelope.AggregateID,
		Timestamp:   envelope.Timestamp,
		Payload:     envelope.Payload,
	}, nil
}
