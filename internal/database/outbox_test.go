package database

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/markschecker/internal/testutil"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := testutil.PostgresDSN(t)

	ctx := context.Background()
	db, err := New(ctx, Config{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.Migrate(ctx))
	// idempotent
	require.NoError(t, db.Migrate(ctx))
	return db
}

func insertEvent(t *testing.T, db *DB, repo *OutboxRepository, event *OutboxEvent) {
	t.Helper()
	err := db.Transaction(context.Background(), func(tx pgx.Tx) error {
		return repo.InsertWithTx(context.Background(), tx, event)
	})
	require.NoError(t, err)
}

func sessionEvent(id string) *OutboxEvent {
	return &OutboxEvent{
		AggregateType: "session",
		AggregateID:   id,
		EventType:     "CHUNK_PROCESSED",
		Payload:       json.RawMessage(`{"sessionId":"` + id + `"}`),
	}
}

func TestOutboxRepository(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewOutboxRepository(db)

	t.Run("insert fills defaults", func(t *testing.T) {
		event := sessionEvent("s-defaults")
		insertEvent(t, db, repo, event)

		assert.NotEqual(t, uuid.Nil, event.ID)
		assert.Equal(t, OutboxStatusPending, event.Status)
		assert.Equal(t, DefaultStream, event.TargetStream)
		assert.False(t, event.CreatedAt.IsZero())
	})

	t.Run("rolled back insert is not visible", func(t *testing.T) {
		event := sessionEvent("s-rollback")
		err := db.Transaction(ctx, func(tx pgx.Tx) error {
			if err := repo.InsertWithTx(ctx, tx, event); err != nil {
				return err
			}
			return errors.New("abort")
		})
		require.Error(t, err)

		pending, err := repo.GetPending(ctx, 100)
		require.NoError(t, err)
		for _, e := range pending {
			assert.NotEqual(t, "s-rollback", e.AggregateID)
		}
	})

	t.Run("pending respects next_retry_at and order", func(t *testing.T) {
		later := sessionEvent("s-later")
		insertEvent(t, db, repo, later)
		_, err := db.Exec(ctx, "UPDATE outbox_event SET next_retry_at = $1 WHERE id = $2",
			time.Now().Add(time.Hour), later.ID)
		require.NoError(t, err)

		pending, err := repo.GetPending(ctx, 100)
		require.NoError(t, err)
		for i, e := range pending {
			assert.NotEqual(t, later.ID, e.ID)
			if i > 0 {
				assert.False(t, e.CreatedAt.Before(pending[i-1].CreatedAt))
			}
		}
	})

	t.Run("mark processed", func(t *testing.T) {
		event := sessionEvent("s-done")
		insertEvent(t, db, repo, event)
		require.NoError(t, repo.MarkProcessed(ctx, event.ID))

		var status string
		require.NoError(t, db.QueryRow(ctx, "SELECT status FROM outbox_event WHERE id = $1", event.ID).Scan(&status))
		assert.Equal(t, OutboxStatusProcessed, status)

		assert.Error(t, repo.MarkProcessed(ctx, uuid.New()))
	})

	t.Run("mark failed backs off then dead letters", func(t *testing.T) {
		event := sessionEvent("s-fail")
		event.RetryCount = MaxRetryCount - 2
		insertEvent(t, db, repo, event)

		require.NoError(t, repo.MarkFailed(ctx, event.ID, assert.AnError))

		var status string
		var retryCount int
		var nextRetry time.Time
		require.NoError(t, db.QueryRow(ctx,
			"SELECT status, retry_count, next_retry_at FROM outbox_event WHERE id = $1",
			event.ID).Scan(&status, &retryCount, &nextRetry))
		assert.Equal(t, OutboxStatusFailed, status)
		assert.Equal(t, MaxRetryCount-1, retryCount)
		assert.True(t, nextRetry.After(time.Now()))

		require.NoError(t, repo.MarkFailed(ctx, event.ID, assert.AnError))
		require.NoError(t, db.QueryRow(ctx, "SELECT status FROM outbox_event WHERE id = $1", event.ID).Scan(&status))
		assert.Equal(t, OutboxStatusDeadLetter, status)

		dead, err := repo.CountByStatus(ctx, OutboxStatusDeadLetter)
		require.NoError(t, err)
		assert.EqualValues(t, 1, dead)
	})
}
