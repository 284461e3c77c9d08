package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/markschecker/internal/testutil"
)

type MockStreamReader struct {
	mock.Mock
}

func (m *MockStreamReader) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	return m.Called(ctx, stream, group, start).Get(0).(*redis.StatusCmd)
}

func (m *MockStreamReader) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	return m.Called(ctx, a).Get(0).(*redis.XStreamSliceCmd)
}

func (m *MockStreamReader) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	return m.Called(ctx, stream, group, ids).Get(0).(*redis.IntCmd)
}

func relayed(id string, eventType EventType, payload string) redis.XMessage {
	data, _ := json.Marshal(map[string]any{
		"id":           "evt-" + id,
		"type":         eventType,
		"aggregate_id": "s-1",
		"timestamp":    "2026-10-16T12:00:00Z",
		"payload":      json.RawMessage(payload),
	})
	return redis.XMessage{ID: id, Values: map[string]any{
		"data":       string(data),
		"event_type": string(eventType),
	}}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		msg     redis.XMessage
		want    EventType
		wantErr bool
	}{
		{"chunk processed", relayed("1-0", EventTypeChunkProcessed, `{"chunk_index":2}`), EventTypeChunkProcessed, false},
		{"type only in fields", redis.XMessage{ID: "2-0", Values: map[string]any{
			"data": `{"aggregate_id":"s-1","payload":{}}`, "event_type": "SESSION_COMPLETED",
		}}, EventTypeSessionCompleted, false},
		{"missing data", redis.XMessage{ID: "3-0", Values: map[string]any{"event_type": "X"}}, "", true},
		{"bad json", redis.XMessage{ID: "4-0", Values: map[string]any{"data": "{"}}, "", true},
		{"no type anywhere", redis.XMessage{ID: "5-0", Values: map[string]any{"data": `{}`}}, "", true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeMessage(tt.msg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.EventType)
			assert.Equal(t, tt.msg.ID, msg.StreamID)
			assert.Equal(t, "s-1", msg.AggregateID)
		})
	}
}

func TestConsumerRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := new(MockStreamReader)
	client.On("XGroupCreateMkStream", mock.Anything, "stream:test", "g", "0").
		Return(redis.NewStatusResult("", errors.New("BUSYGROUP Consumer Group name already exists")))
	client.On("XReadGroup", mock.Anything, mock.Anything).
		Return(redis.NewXStreamSliceCmdResult([]redis.XStream{{
			Stream: "stream:test",
			Messages: []redis.XMessage{
				relayed("1-0", EventTypeChunkProcessed, `{"chunk_index":0}`),
				relayed("2-0", EventTypeSessionCompleted, `{"total_terms":3}`),
				{ID: "3-0", Values: map[string]any{"junk": "x"}},
				relayed("4-0", EventTypeChunkProcessed, `{"chunk_index":1}`),
			},
		}}, nil)).Once()
	client.On("XReadGroup", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(redis.NewXStreamSliceCmdResult(nil, redis.Nil))
	client.On("XAck", mock.Anything, "stream:test", "g", mock.Anything).Return(redis.NewIntResult(1, nil))

	var handled []string
	c := NewConsumer(client, ConsumerConfig{
		Stream: "stream:test",
		Group:  "g",
		Types:  []EventType{EventTypeChunkProcessed},
	}, quietLogger())

	err := c.Run(ctx, func(_ context.Context, msg Message) error {
		handled = append(handled, msg.StreamID)
		if msg.StreamID == "4-0" {
			return errors.New("handler failed")
		}
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"1-0", "4-0"}, handled)
	client.AssertCalled(t, "XAck", mock.Anything, "stream:test", "g", []string{"1-0"})
	client.AssertCalled(t, "XAck", mock.Anything, "stream:test", "g", []string{"2-0"})
	client.AssertCalled(t, "XAck", mock.Anything, "stream:test", "g", []string{"3-0"})
	client.AssertNotCalled(t, "XAck", mock.Anything, "stream:test", "g", []string{"4-0"})
}

func TestConsumerGroupCreateFailure(t *testing.T) {
	client := new(MockStreamReader)
	client.On("XGroupCreateMkStream", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(redis.NewStatusResult("", errors.New("connection refused")))

	err := NewConsumer(client, ConsumerConfig{Stream: "s"}, quietLogger()).
		Run(context.Background(), func(context.Context, Message) error { return nil })
	assert.ErrorContains(t, err, "failed to create consumer group")
}

func TestConsumerAgainstRedis(t *testing.T) {
	addr := testutil.RedisAddr(t)
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	msg := relayed("*", EventTypeSessionCompleted, `{"session_id":"s-1","total_terms":3}`)
	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{Stream: "stream:it", Values: msg.Values}).Err())

	got := make(chan Message, 1)
	c := NewConsumer(rdb, ConsumerConfig{Stream: "stream:it", Block: 200 * time.Millisecond}, quietLogger())
	go c.Run(ctx, func(_ context.Context, m Message) error {
		got <- m
		return nil
	})

	select {
	case m := <-got:
		assert.Equal(t, EventTypeSessionCompleted, m.EventType)
		assert.JSONEq(t, `{"session_id":"s-1","total_terms":3}`, string(m.Payload))
	case <-ctx.Done():
		t.Fatal("no message consumed")
	}
	cancel()
}
