package checker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maltedev/markschecker/internal/models"
)

type ExecutorConfig struct {
	MaxWorkers  int
	TermTimeout time.Duration
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxWorkers:  4,
		TermTimeout: 15 * time.Second,
	}
}

// Job is one chunk run.
type Job struct {
	Terms      []string
	Credential string
	Region     models.Region
	Params     models.SearchParams
	// Progress, if set, is updated as results land.
	Progress *Progress
}

// Progress holds lock-free counters for a running chunk.
type Progress struct {
	total    atomic.Int64
	done     atomic.Int64
	byStatus [5]atomic.Int64
}

type ProgressSnapshot struct {
	Total    int                   `json:"total"`
	Done     int                   `json:"done"`
	ByStatus map[models.Status]int `json:"byStatus"`
}

func (p *Progress) record(s models.Status) {
	p.done.Add(1)
	for i, st := range models.Statuses {
		if st == s {
			p.byStatus[i].Add(1)
			return
		}
	}
}

func (p *Progress) Snapshot() ProgressSnapshot {
	snap := ProgressSnapshot{
		Total:    int(p.total.Load()),
		Done:     int(p.done.Load()),
		ByStatus: make(map[models.Status]int, len(models.Statuses)),
	}
	for i, st := range models.Statuses {
		if n := p.byStatus[i].Load(); n > 0 {
			snap.ByStatus[st] = int(n)
		}
	}
	return snap
}

// ChunkExecutor fans a chunk out over a bounded worker pool.
type ChunkExecutor struct {
	fetcher TermFetcher
	cfg     ExecutorConfig
	logger  *slog.Logger
}

func NewChunkExecutor(fetcher TermFetcher, cfg ExecutorConfig, logger *slog.Logger) *ChunkExecutor {
	def := DefaultExecutorConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.TermTimeout <= 0 {
		cfg.TermTimeout = def.TermTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChunkExecutor{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger.With("component", "chunk_executor"),
	}
}

// Run resolves every distinct term of the job and returns one result per
// term in input order. onResult is called from a single goroutine in
// completion order. A term that overruns its timeout is recorded as timeout
// without affecting its siblings.
func (e *ChunkExecutor) Run(ctx context.Context, job Job, onResult func(models.Result)) []models.Result {
	terms := NormalizeTerms(job.Terms).Terms
	if len(terms) == 0 {
		return []models.Result{}
	}

	progress := job.Progress
	if progress == nil {
		progress = &Progress{}
	}
	progress.total.Store(int64(len(terms)))

	start := time.Now()
	results := make(chan models.Result)
	collected := make(map[string]models.Result, len(terms))
	done := make(chan struct{})

	go func() {
		defer close(done)
		for r := range results {
			if _, dup := collected[r.Term]; dup {
				continue
			}
			collected[r.Term] = r
			progress.record(r.Status)
			termResults.WithLabelValues(string(r.Status)).Inc()
			if onResult != nil {
				onResult(r)
			}
		}
	}()

	var g errgroup.Group
	g.SetLimit(min(e.cfg.MaxWorkers, len(terms)))

	for _, term := range terms {
		term := term
		g.Go(func() error {
			results <- e.runTerm(ctx, term, job)
			return nil
		})
	}

	_ = g.Wait()
	close(results)
	<-done

	ordered := make([]models.Result, 0, len(terms))
	for _, term := range terms {
		ordered = append(ordered, collected[term])
	}

	elapsed := time.Since(start)
	chunkDuration.Observe(elapsed.Seconds())
	snap := progress.Snapshot()
	e.logger.Info("chunk finished",
		"terms", len(terms),
		"found", snap.ByStatus[models.StatusFound],
		"not_found", snap.ByStatus[models.StatusNotFound],
		"timeouts", snap.ByStatus[models.StatusTimeout],
		"duration", elapsed)

	return ordered
}

// runTerm bounds a single fetch by the term timeout. A fetcher that ignores
// its context is abandoned and its late result discarded.
func (e *ChunkExecutor) runTerm(ctx context.Context, term string, job Job) models.Result {
	if err := ctx.Err(); err != nil {
		return e.failed(term, contextOutcome(err))
	}

	tctx, cancel := context.WithTimeout(ctx, e.cfg.TermTimeout)
	defer cancel()

	ch := make(chan models.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("fetcher panicked", "term", term, "panic", r)
				ch <- e.failed(term, Outcome{Status: models.StatusFetchError, Err: fmt.Errorf("fetcher panicked: %v", r)})
			}
		}()
		ch <- e.fetcher.Fetch(tctx, term, job.Credential, job.Region, job.Params)
	}()

	select {
	case r := <-ch:
		return e.normalize(term, r)
	case <-tctx.Done():
		select {
		case r := <-ch:
			return e.normalize(term, r)
		default:
		}
		err := tctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			e.logger.Warn("term timed out", "term", term, "timeout", e.cfg.TermTimeout)
		}
		return e.failed(term, contextOutcome(err))
	}
}

func (e *ChunkExecutor) normalize(term string, r models.Result) models.Result {
	r.Term = term
	if !r.Status.Valid() {
		r.Status = models.StatusFetchError
		r.Message = "fetcher returned no status"
	}
	if r.CheckedAt.IsZero() {
		r.CheckedAt = time.Now()
	}
	return r
}

func (e *ChunkExecutor) failed(term string, o Outcome) models.Result {
	r := models.Result{Term: term, Status: o.Status, CheckedAt: time.Now()}
	if o.Err != nil {
		r.Message = o.Err.Error()
	}
	return r
}
