// Package session drives checking runs: it creates sessions, processes
// their chunks and reports progress and results.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/maltedev/markschecker/internal/checker"
	"github.com/maltedev/markschecker/internal/events"
	"github.com/maltedev/markschecker/internal/logging"
	"github.com/maltedev/markschecker/internal/models"
	"github.com/maltedev/markschecker/internal/store"
)

var sessionsCreated = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "markschecker_sessions_created_total",
		Help: "Sessions created, by whether the region was resolved",
	},
	[]string{"region"},
)

type Resolver interface {
	Resolve(ctx context.Context, credential string) models.Region
}

type Executor interface {
	Run(ctx context.Context, job checker.Job, onResult func(models.Result)) []models.Result
}

type Config struct {
	ChunkSize      int
	RequestTimeout time.Duration
	// ChunkTimeout bounds a chunk run once it is detached from its callers.
	ChunkTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{ChunkSize: 400, RequestTimeout: 15 * time.Second, ChunkTimeout: 30 * time.Minute}
}

type CreateRequest struct {
	Credential string
	// RawTerms is split on commas and whitespace. Terms, when set, wins.
	RawTerms   string
	Terms      []string
	SearchType string
	Limit      string
}

type ChunkRequest struct {
	Index int
	// Terms is optional; when given it must match the session's chunk.
	Terms      []string
	Credential string
	// Limit overrides the session limit for this chunk only.
	Limit string
}

type progressKey struct {
	session string
	index   int
	limit   string
}

type Manager struct {
	store     store.Store
	resolver  Resolver
	executor  Executor
	publisher events.Publisher
	cfg       Config
	logger    *slog.Logger

	calls    singleflight.Group
	locks    sync.Map // session id -> *sync.Mutex
	progress sync.Map // progressKey -> *checker.Progress
}

func NewManager(st store.Store, resolver Resolver, executor Executor, publisher events.Publisher, cfg Config, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = def.ChunkTimeout
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Manager{
		store:     st,
		resolver:  resolver,
		executor:  executor,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "session_manager"),
	}
}

// CreateSession validates the request, resolves the region once and stores
// the new session. An unresolved region does not fail creation.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*models.Session, error) {
	credential := strings.TrimSpace(req.Credential)
	if credential == "" {
		return nil, ErrMissingCredential
	}

	searchType, ok := models.ParseSearchType(req.SearchType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSearchType, req.SearchType)
	}

	parsed := checker.ParseTerms(req.RawTerms)
	if len(req.Terms) > 0 {
		parsed = checker.NormalizeTerms(req.Terms)
	}
	if len(parsed.Terms) == 0 {
		return nil, ErrNoTerms
	}

	limit := strings.TrimSpace(req.Limit)
	if limit == "" {
		limit = "all"
	}

	// cart API plus at most one fallback page
	rctx, cancel := context.WithTimeout(ctx, 2*m.cfg.RequestTimeout)
	region := m.resolver.Resolve(rctx, credential)
	cancel()

	now := time.Now().UTC()
	sess := &models.Session{
		ID:         uuid.New().String(),
		Region:     region,
		Search:     models.SearchParams{Type: searchType, Limit: limit},
		Terms:      parsed.Terms,
		Duplicates: parsed.Duplicates,
		ContainsEA: parsed.ContainsEA,
		ChunkSize:  m.cfg.ChunkSize,
		Chunks:     make(map[int]models.ChunkSummary),
		Counts:     models.NewCounts(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := m.store.PutSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	regionLabel := "known"
	if !region.Known() {
		regionLabel = "unknown"
	}
	sessionsCreated.WithLabelValues(regionLabel).Inc()

	m.logger.Info("session created",
		"session_id", sess.ID,
		"credential", logging.Redact(credential),
		"region_id", region.ID,
		"region", region.Nickname,
		"terms", len(sess.Terms),
		"duplicates", len(sess.Duplicates),
		"chunks", sess.TotalChunks(),
		"search_type", searchType)

	return sess, nil
}

// ProcessChunk runs one chunk of a session. A chunk that was already
// processed returns its stored summary without fetching again. Identical
// concurrent calls share a single run, which is detached from any one
// caller and bounded by Config.ChunkTimeout.
func (m *Manager) ProcessChunk(ctx context.Context, sessionID string, req ChunkRequest) (*models.ChunkSummary, error) {
	if strings.TrimSpace(req.Credential) == "" {
		return nil, ErrMissingCredential
	}

	sess, err := m.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	terms, ok := sess.Chunk(req.Index)
	if !ok {
		return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrChunkOutOfRange, req.Index, sess.TotalChunks())
	}
	if len(req.Terms) > 0 && !sameTerms(checker.NormalizeTerms(req.Terms).Terms, terms) {
		return nil, fmt.Errorf("%w: chunk %d", ErrChunkMismatch, req.Index)
	}
	if summary, done := sess.Chunks[req.Index]; done {
		return m.storedSummary(ctx, sessionID, summary, terms)
	}

	params := sess.Search
	if limit := strings.TrimSpace(req.Limit); limit != "" {
		params.Limit = limit
	}

	run := chunkRun{
		sessionID:  sessionID,
		index:      req.Index,
		terms:      terms,
		credential: req.Credential,
		region:     sess.Region,
		params:     params,
	}
	key := sessionID + ":" + strconv.Itoa(req.Index) + ":" + params.Limit
	ch := m.calls.DoChan(key, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ChunkTimeout)
		defer cancel()
		return m.processChunk(rctx, run)
	})

	select {
	case <-ctx.Done():
		m.logger.Warn("caller left running chunk",
			"session_id", sessionID,
			"chunk_index", req.Index,
			"error", ctx.Err())
		return nil, fmt.Errorf("chunk %d: %w", req.Index, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			m.logger.Debug("chunk call collapsed", "session_id", sessionID, "chunk_index", req.Index)
		}
		summary := *res.Val.(*models.ChunkSummary)
		return &summary, nil
	}
}

// chunkRun is a validated chunk ready to execute.
type chunkRun struct {
	sessionID  string
	index      int
	terms      []string
	credential string
	region     models.Region
	params     models.SearchParams
}

func (m *Manager) processChunk(ctx context.Context, run chunkRun) (*models.ChunkSummary, error) {
	// a run for another limit may have finished since the caller looked
	sess, err := m.getSession(ctx, run.sessionID)
	if err != nil {
		return nil, err
	}
	if summary, done := sess.Chunks[run.index]; done {
		return m.storedSummary(ctx, run.sessionID, summary, run.terms)
	}

	pk := progressKey{session: run.sessionID, index: run.index, limit: run.params.Limit}
	progress := &checker.Progress{}
	m.progress.Store(pk, progress)
	defer m.progress.Delete(pk)

	var persistErr error
	results := m.executor.Run(ctx, checker.Job{
		Terms:      run.terms,
		Credential: run.credential,
		Region:     run.region,
		Params:     run.params,
		Progress:   progress,
	}, func(r models.Result) {
		// once the run is cut short the executor only emits placeholders
		if persistErr != nil || ctx.Err() != nil {
			return
		}
		if err := m.store.PutProductResult(ctx, run.sessionID, r); err != nil {
			persistErr = fmt.Errorf("failed to save result for %q: %w", r.Term, err)
		}
	})
	if persistErr != nil {
		return nil, persistErr
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("chunk %d interrupted: %w", run.index, err)
	}

	summary := models.ChunkSummary{
		Index:       run.index,
		Counts:      models.NewCounts(),
		Results:     results,
		CompletedAt: time.Now().UTC(),
	}
	for _, r := range results {
		summary.Counts.Record(r)
	}

	merged, completed, err := m.merge(ctx, run.sessionID, summary)
	if errors.Is(err, errChunkRecorded) {
		m.logger.Info("chunk already recorded elsewhere",
			"session_id", run.sessionID,
			"chunk_index", run.index)
		return m.storedSummary(ctx, run.sessionID, merged.Chunks[run.index], run.terms)
	}
	if err != nil {
		return nil, err
	}

	m.logger.Info("chunk processed",
		"session_id", run.sessionID,
		"chunk_index", run.index,
		"credential", logging.Redact(run.credential),
		"processed", summary.Counts.Processed,
		"found", summary.Counts.Found(),
		"fetch_errors", summary.Counts.ByStatus[models.StatusFetchError],
		"timeouts", summary.Counts.ByStatus[models.StatusTimeout])

	m.publish(ctx, merged, summary, completed)
	return &summary, nil
}

// errChunkRecorded is returned by merge with the current session when
// another run recorded the chunk first.
var errChunkRecorded = errors.New("chunk already recorded")

// merge records the chunk summary on the session under the session lock.
// It reports whether this chunk completed the session.
func (m *Manager) merge(ctx context.Context, sessionID string, summary models.ChunkSummary) (*models.Session, bool, error) {
	mu := m.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.getSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if _, done := sess.Chunks[summary.Index]; done {
		return sess, false, errChunkRecorded
	}

	wasCompleted := sess.Completed()
	stored := summary
	stored.Results = nil
	sess.Chunks[summary.Index] = stored
	sess.Counts.Add(summary.Counts)
	sess.UpdatedAt = time.Now().UTC()

	if err := m.store.PutSession(ctx, sess); err != nil {
		return nil, false, fmt.Errorf("failed to update session: %w", err)
	}
	return sess, !wasCompleted && sess.Completed(), nil
}

// publish is best effort; the chunk is already persisted.
func (m *Manager) publish(ctx context.Context, sess *models.Session, summary models.ChunkSummary, completed bool) {
	err := m.publisher.PublishChunkProcessed(ctx, &events.ChunkProcessedPayload{
		SessionID:   sess.ID,
		ChunkIndex:  summary.Index,
		TotalChunks: sess.TotalChunks(),
		RegionID:    sess.Region.ID,
		Chunk:       summary.Counts,
		Session:     sess.Counts,
	})
	if err != nil {
		m.logger.Error("failed to publish chunk event", "session_id", sess.ID, "error", err)
	}

	if !completed {
		return
	}
	err = m.publisher.PublishSessionCompleted(ctx, &events.SessionCompletedPayload{
		SessionID:  sess.ID,
		TotalTerms: len(sess.Terms),
		RegionID:   sess.Region.ID,
		Counts:     sess.Counts,
		Duration:   sess.UpdatedAt.Sub(sess.CreatedAt).Seconds(),
	})
	if err != nil {
		m.logger.Error("failed to publish completion event", "session_id", sess.ID, "error", err)
	}
}

func (m *Manager) storedSummary(ctx context.Context, sessionID string, summary models.ChunkSummary, terms []string) (*models.ChunkSummary, error) {
	all, err := m.listResults(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	summary.Results = orderResults(all, terms)
	return &summary, nil
}

// DeleteSession drops a session and its results.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}
	m.locks.Delete(sessionID)
	m.logger.Info("session deleted", "session_id", sessionID)
	return nil
}

func (m *Manager) lock(sessionID string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (m *Manager) getSession(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if sess.Chunks == nil {
		sess.Chunks = make(map[int]models.ChunkSummary)
	}
	return sess, nil
}

func (m *Manager) listResults(ctx context.Context, sessionID string) ([]models.Result, error) {
	results, err := m.store.ListProductResults(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	return results, nil
}

// sameTerms compares two term lists as sets.
func sameTerms(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(b))
	for _, t := range b {
		set[t] = struct{}{}
	}
	for _, t := range a {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// orderResults picks the results for terms, in the order of terms.
func orderResults(results []models.Result, terms []string) []models.Result {
	byTerm := make(map[string]models.Result, len(results))
	for _, r := range results {
		byTerm[r.Term] = r
	}
	out := make([]models.Result, 0, len(terms))
	for _, t := range terms {
		if r, ok := byTerm[t]; ok {
			out = append(out, r)
		}
	}
	return out
}
