package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/maltedev/markschecker/internal/models"
)

type sessionRecord struct {
	Session *models.Session          `json:"session"`
	Results map[string]models.Result `json:"results"`
	Order   []string                 `json:"order"`
}

// Memory keeps everything in maps. With a filename the file is loaded on
// construction and rewritten on every session write or delete. Results are
// held until the next session write, which is when a chunk is marked done,
// or until Close.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*sessionRecord
	filename string
	dirty    bool
	flushes  int
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*sessionRecord)}
}

func NewFileMemory(filename string) (*Memory, error) {
	m := NewMemory()
	m.filename = filename

	if err := m.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load %s: %w", filename, err)
	}

	return m, nil
}

func (m *Memory) PutSession(_ context.Context, s *models.Session) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("session id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[s.ID]
	if !ok {
		rec = &sessionRecord{Results: make(map[string]models.Result)}
		m.sessions[s.ID] = rec
	}
	rec.Session = s.Clone()

	return m.save()
}

func (m *Memory) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.sessions[id]
	if !ok || rec.Session == nil {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return rec.Session.Clone(), nil
}

func (m *Memory) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	delete(m.sessions, id)

	return m.save()
}

func (m *Memory) PutProductResult(_ context.Context, sessionID string, r models.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if _, seen := rec.Results[r.Term]; !seen {
		rec.Order = append(rec.Order, r.Term)
	}
	rec.Results[r.Term] = r
	m.dirty = true

	return nil
}

// ListProductResults returns results in first-write order.
func (m *Memory) ListProductResults(_ context.Context, sessionID string) ([]models.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	out := make([]models.Result, 0, len(rec.Order))
	for _, term := range rec.Order {
		out = append(out, rec.Results[term])
	}
	return out, nil
}

// Close writes out results that arrived since the last session write.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.dirty {
		return nil
	}
	return m.save()
}

// save must be called with mu held.
func (m *Memory) save() error {
	if m.filename == "" {
		return nil
	}

	data, err := json.MarshalIndent(m.sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}

	// Write to temp file first for atomicity
	tmpFile := m.filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write store: %w", err)
	}

	if err := os.Rename(tmpFile, m.filename); err != nil {
		return fmt.Errorf("failed to replace store: %w", err)
	}
	m.dirty = false
	m.flushes++
	return nil
}

func (m *Memory) load() error {
	data, err := os.ReadFile(m.filename)
	if err != nil {
		return err
	}

	sessions := make(map[string]*sessionRecord)
	if err := json.Unmarshal(data, &sessions); err != nil {
		return err
	}
	for _, rec := range sessions {
		if rec.Results == nil {
			rec.Results = make(map[string]models.Result)
		}
	}
	m.sessions = sessions
	return nil
}
