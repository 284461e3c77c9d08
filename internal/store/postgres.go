package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/maltedev/markschecker/internal/database"
	"github.com/maltedev/markschecker/internal/models"
)

const foreignKeyViolation = "23503"

// Postgres stores sessions as jsonb documents and results as one row per
// (session, term). Tables are created by database.Migrate.
type Postgres struct {
	db *database.DB
}

func NewPostgres(db *database.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) PutSession(ctx context.Context, s *models.Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = p.db.Exec(ctx, `
		INSERT INTO checker_sessions (id, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		s.ID, payload, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var payload []byte
	err := p.db.QueryRow(ctx, "SELECT payload FROM checker_sessions WHERE id = $1", id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var s models.Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if s.Chunks == nil {
		s.Chunks = make(map[int]models.ChunkSummary)
	}
	return &s, nil
}

// DeleteSession removes the session; its results go with it via cascade.
func (p *Postgres) DeleteSession(ctx context.Context, id string) error {
	tag, err := p.db.Exec(ctx, "DELETE FROM checker_sessions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) PutProductResult(ctx context.Context, sessionID string, r models.Result) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	_, err = p.db.Exec(ctx, `
		INSERT INTO checker_results (session_id, term, status, payload, checked_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, term) DO UPDATE
		SET status = EXCLUDED.status, payload = EXCLUDED.payload, checked_at = EXCLUDED.checked_at`,
		sessionID, r.Term, string(r.Status), payload, r.CheckedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// ListProductResults returns results in first-write order.
func (p *Postgres) ListProductResults(ctx context.Context, sessionID string) ([]models.Result, error) {
	var exists bool
	if err := p.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM checker_sessions WHERE id = $1)", sessionID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check session: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	rows, err := p.db.Query(ctx,
		"SELECT payload FROM checker_results WHERE session_id = $1 ORDER BY seq", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	results := []models.Result{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		var r models.Result
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return results, nil
}
