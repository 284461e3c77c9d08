// Package store persists checking sessions and their per-term results.
package store

import (
	"context"
	"errors"

	"github.com/maltedev/markschecker/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store is the keyed record store behind the session manager. Results are
// keyed by (session, term); writing a term again replaces its result.
type Store interface {
	PutSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	DeleteSession(ctx context.Context, id string) error
	PutProductResult(ctx context.Context, sessionID string, r models.Result) error
	ListProductResults(ctx context.Context, sessionID string) ([]models.Result, error)
}
