package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maltedev/markschecker/internal/checker"
	"github.com/maltedev/markschecker/internal/models"
)

type Stats struct {
	TotalTerms     int                   `json:"totalTerms"`
	ProcessedTerms int                   `json:"processedTerms"`
	Found          int                   `json:"found"`
	NotFound       int                   `json:"notFound"`
	Failed         int                   `json:"failed"`
	ByStatus       map[models.Status]int `json:"byStatus"`
	ProductsFound  int                   `json:"productsFound"`
	TotalFound     int                   `json:"totalFound"`
}

// ProductRow is one line of the flat product list the front end renders:
// a found product, or a placeholder for a term without one.
type ProductRow struct {
	Found      bool          `json:"found"`
	SearchTerm string        `json:"searchTerm"`
	Status     models.Status `json:"status"`
	Source     models.Source `json:"source,omitempty"`
	models.Product
	NotFoundMessage string `json:"notFoundMessage,omitempty"`
}

type Results struct {
	Session  *models.Session `json:"session"`
	Results  []models.Result `json:"results"`
	Products []ProductRow    `json:"products"`
	Stats    Stats           `json:"stats"`
}

type Status struct {
	SessionID      string                           `json:"sessionId"`
	State          models.SessionState              `json:"status"`
	Region         models.Region                    `json:"region"`
	TotalTerms     int                              `json:"totalTerms"`
	ProcessedTerms int                              `json:"processedTerms"`
	TotalProducts  int                              `json:"totalProducts"`
	TotalChunks    int                              `json:"totalChunks"`
	ChunksDone     int                              `json:"chunksDone"`
	Completed      bool                             `json:"completed"`
	Counts         models.Counts                    `json:"counts"`
	Running        map[int]checker.ProgressSnapshot `json:"running,omitempty"`
	UpdatedAt      time.Time                        `json:"updatedAt"`
}

// GetResults returns everything persisted for the session so far, in input
// order, whether or not processing is complete.
func (m *Manager) GetResults(ctx context.Context, sessionID string) (*Results, error) {
	sess, err := m.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	all, err := m.listResults(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	results := orderResults(all, sess.Terms)
	return &Results{
		Session:  sess,
		Results:  results,
		Products: Rows(results),
		Stats:    stats(sess, results),
	}, nil
}

// GetStatus is a cheap progress snapshot that includes chunks still running.
func (m *Manager) GetStatus(ctx context.Context, sessionID string) (*Status, error) {
	sess, err := m.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	st := &Status{
		SessionID:      sess.ID,
		State:          sess.State(),
		Region:         sess.Region,
		TotalTerms:     len(sess.Terms),
		ProcessedTerms: sess.Counts.Processed,
		TotalProducts:  sess.Counts.ProductsFound,
		TotalChunks:    sess.TotalChunks(),
		ChunksDone:     len(sess.Chunks),
		Completed:      sess.Completed(),
		Counts:         sess.Counts,
		UpdatedAt:      sess.UpdatedAt,
	}

	m.progress.Range(func(k, v any) bool {
		key := k.(progressKey)
		if key.session != sessionID {
			return true
		}
		if st.Running == nil {
			st.Running = make(map[int]checker.ProgressSnapshot)
		}
		st.Running[key.index] = v.(*checker.Progress).Snapshot()
		return true
	})
	if len(st.Running) > 0 && st.State != models.StateCompleted {
		st.State = models.StateProcessing
	}

	return st, nil
}

func stats(sess *models.Session, results []models.Result) Stats {
	counts := models.NewCounts()
	for _, r := range results {
		counts.Record(r)
	}
	notFound := counts.ByStatus[models.StatusNotFound]
	return Stats{
		TotalTerms:     len(sess.Terms),
		ProcessedTerms: counts.Processed,
		Found:          counts.Found(),
		NotFound:       notFound,
		Failed:         counts.Processed - counts.Found() - notFound,
		ByStatus:       counts.ByStatus,
		ProductsFound:  counts.ProductsFound,
		TotalFound:     counts.TotalFound,
	}
}

// Rows flattens results into one row per product, or one placeholder row
// per term that has none.
func Rows(results []models.Result) []ProductRow {
	rows := make([]ProductRow, 0, len(results))
	for _, r := range results {
		if r.Found() {
			for _, p := range r.Products {
				rows = append(rows, ProductRow{
					Found:      true,
					SearchTerm: r.Term,
					Status:     r.Status,
					Source:     r.Source,
					Product:    p,
				})
			}
			continue
		}

		msg := r.Message
		if msg == "" {
			msg = models.NotFoundMessage(r.Term)
		}
		rows = append(rows, ProductRow{
			SearchTerm:      r.Term,
			Status:          r.Status,
			Product:         models.Product{Name: fmt.Sprintf("Article Not Found: %s", r.Term), Offers: []json.RawMessage{}},
			NotFoundMessage: msg,
		})
	}
	return rows
}
