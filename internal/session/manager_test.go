package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/markschecker/internal/checker"
	"github.com/maltedev/markschecker/internal/events"
	"github.com/maltedev/markschecker/internal/models"
	"github.com/maltedev/markschecker/internal/store"
	"github.com/maltedev/markschecker/internal/testutil"
	"github.com/maltedev/markschecker/internal/upstream"
)

type stubResolver struct {
	region   models.Region
	calls    atomic.Int32
	deadline time.Time
}

func (r *stubResolver) Resolve(ctx context.Context, _ string) models.Region {
	r.calls.Add(1)
	r.deadline, _ = ctx.Deadline()
	return r.region
}

type stubExecutor struct {
	mu    sync.Mutex
	jobs  []checker.Job
	gate  chan struct{}
	hook  func(checker.Job)
	calls atomic.Int32
}

func (e *stubExecutor) Run(ctx context.Context, job checker.Job, onResult func(models.Result)) []models.Result {
	e.calls.Add(1)
	e.mu.Lock()
	e.jobs = append(e.jobs, job)
	e.mu.Unlock()
	if e.gate != nil {
		<-e.gate
	}
	if e.hook != nil {
		e.hook(job)
	}

	out := make([]models.Result, 0, len(job.Terms))
	for _, term := range job.Terms {
		r := models.Result{Term: term, Status: models.StatusNotFound, CheckedAt: time.Now()}
		if term != "222" {
			r = models.Result{
				Term:       term,
				Status:     models.StatusFound,
				Products:   []models.Product{{ProductID: term, Name: "P" + term}},
				TotalFound: 1,
				Source:     models.SourceAPI,
				CheckedAt:  time.Now(),
			}
		}
		if onResult != nil {
			onResult(r)
		}
		out = append(out, r)
	}
	return out
}

func (e *stubExecutor) lastJob() checker.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobs[len(e.jobs)-1]
}

type recordingPublisher struct {
	mu        sync.Mutex
	chunks    []int
	completed int
	err       error
}

func (p *recordingPublisher) PublishChunkProcessed(_ context.Context, e *events.ChunkProcessedPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = append(p.chunks, e.ChunkIndex)
	return p.err
}

func (p *recordingPublisher) PublishSessionCompleted(context.Context, *events.SessionCompletedPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed++
	return p.err
}

type fixture struct {
	m         *Manager
	store     *store.Memory
	resolver  *stubResolver
	executor  *stubExecutor
	publisher *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     store.NewMemory(),
		resolver:  &stubResolver{region: models.Region{ID: "r-1", Nickname: "Home"}},
		executor:  &stubExecutor{},
		publisher: &recordingPublisher{},
	}
	f.m = NewManager(f.store, f.resolver, f.executor, f.publisher,
		Config{ChunkSize: 2, RequestTimeout: time.Second}, slog.Default())
	return f
}

func (f *fixture) create(t *testing.T, terms string) *models.Session {
	t.Helper()
	sess, err := f.m.CreateSession(context.Background(), CreateRequest{Credential: "sid", RawTerms: terms})
	require.NoError(t, err)
	return sess
}

func TestCreateSessionValidation(t *testing.T) {
	tests := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"missing credential", CreateRequest{RawTerms: "111"}, ErrMissingCredential},
		{"blank credential", CreateRequest{Credential: "  ", RawTerms: "111"}, ErrMissingCredential},
		{"no terms", CreateRequest{Credential: "sid", RawTerms: " ,, "}, ErrNoTerms},
		{"bad search type", CreateRequest{Credential: "sid", RawTerms: "111", SearchType: "fuzzy"}, ErrInvalidSearchType},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.m.CreateSession(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsValidation(err))
			assert.EqualValues(t, 0, f.resolver.calls.Load())
		})
	}
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)
	before := time.Now()

	sess, err := f.m.CreateSession(context.Background(), CreateRequest{
		Credential: "sid",
		RawTerms:   "111, 222 111\n333ea",
		SearchType: "Keyword",
		Limit:      "5",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, []string{"111", "222", "333ea"}, sess.Terms)
	assert.Equal(t, []string{"111"}, sess.Duplicates)
	assert.True(t, sess.ContainsEA)
	assert.Equal(t, models.SearchParams{Type: models.SearchKeyword, Limit: "5"}, sess.Search)
	assert.Equal(t, 2, sess.TotalChunks())
	assert.Equal(t, models.StateRegionKnown, sess.State())

	assert.EqualValues(t, 1, f.resolver.calls.Load())
	assert.WithinDuration(t, before.Add(2*time.Second), f.resolver.deadline, 500*time.Millisecond)

	stored, err := f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.Terms, stored.Terms)
}

func TestCreateSessionExplicitTermsAndDefaults(t *testing.T) {
	f := newFixture(t)
	sess, err := f.m.CreateSession(context.Background(), CreateRequest{
		Credential: "sid",
		RawTerms:   "ignored",
		Terms:      []string{" a ", "b", "a"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, sess.Terms)
	assert.Equal(t, models.SearchArticle, sess.Search.Type)
	assert.Equal(t, "all", sess.Search.Limit)
}

func TestCreateSessionUnknownRegionStillSucceeds(t *testing.T) {
	f := newFixture(t)
	f.resolver.region = models.UnknownRegion("", "Could not determine region")

	sess := f.create(t, "111")
	assert.False(t, sess.Region.Known())
	assert.Equal(t, models.StateRegionUnknown, sess.State())

	summary, err := f.m.ProcessChunk(context.Background(), sess.ID, ChunkRequest{Index: 0, Credential: "sid"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Counts.Processed)
	assert.False(t, f.executor.lastJob().Region.Known())
}

func TestProcessChunkValidation(t *testing.T) {
	f := newFixture(t)
	sess := f.create(t, "111 222 333")
	ctx := context.Background()

	_, err := f.m.ProcessChunk(ctx, sess.ID, ChunkRequest{Index: 0})
	assert.ErrorIs(t, err, ErrMissingCredential)

	_, err = f.m.ProcessChunk(ctx, "missing", ChunkRequest{Index: 0, Credential: "sid"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.False(t, IsValidation(err))

	_, err = f.m.ProcessChunk(ctx, sess.ID, ChunkRequest{Index: 2, Credential: "sid"})
	assert.ErrorIs(t, err, ErrChunkOutOfRange)

	_, err = f.m.ProcessChunk(ctx, sess.ID, ChunkRequest{Index: -1, Credential: "sid"})
	assert.ErrorIs(t, err, ErrChunkOutOfRange)

	_, err = f.m.ProcessChunk(ctx, sess.ID, ChunkRequest{Index: 0, Terms: []string{"111", "333"}, Credential: "sid"})
	assert.ErrorIs(t, err, ErrChunkMismatch)

	assert.EqualValues(t, 0, f.executor.calls.Load())

	// same terms in another order and with a repeat are accepted
	_, err = f.m.ProcessChunk(ctx, sess.ID, ChunkRequest{Index: 0, Terms: []string{"222", "111", "222"}, Credential: "sid"})
	assert.NoError(t, err)
}

func TestProcessChunkIsIdempotent(t *testing.T) {
	f := newFixture(t)
	sess := f.create(t, "111 222 333")
	ctx := context.Background()

	first, err := f.m.ProcessChunk(ctx, sess.ID, ChunkRequest{Index: 0, Credential: "sid"})
	require.NoError(t, err)
	second, err := f.m.ProcessChunk(ctx, sess.ID, ChunkRequest{Index: 0, Credential: "sid"})
	require.NoError(t, err)

	assert.EqualValues(t, 1, f.executor.calls.Load())
	assert.Equal(t, first.Counts, second.Counts)
	assert.Equal(t, first.CompletedAt.Unix(), second.CompletedAt.Unix())
	require.Len(t, second.Results, 2)
	assert.Equal(t, "111", second.Results[0].Term)
	assert.Equal(t, "222", second.Results[1].Term)

	status, err := f.m.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, status.ProcessedTerms)
	assert.Equal(t, []int{0}, f.publisher.chunks)
}

func TestProcessChunkCollapsesConcurrentCalls(t *testing.T) {
	f := newFixture(t)
	f.executor.gate = make(chan struct{})
	sess := f.create(t, "111 222")
	ctx := context.Background()

	var wg sync.WaitGroup
	summaries := make([]*models.ChunkSummary, 3)
	for i := range summaries {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := f.m.ProcessChunk(ctx, sess.ID, ChunkRequest{Index: 0, Credential: "sid"})
			assert.NoError(t, err)
			summaries[i] = s
		}()
	}

	require.Eventually(t, func() bool { return f.executor.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.executor.gate)
	wg.Wait()

	assert.EqualValues(t, 1, f.executor.calls.Load())
	for _, s := range summaries {
		require.NotNil(t, s)
		assert.Equal(t, 2, s.Counts.Processed)
	}

	got, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Counts.Processed)
}

func TestProcessChunkLimitOverride(t *testing.T) {
	f := newFixture(t)
	sess, err := f.m.CreateSession(context.Background(), CreateRequest{
		Credential: "sid", RawTerms: "milk", SearchType: "keyword", Limit: "3",
	})
	require.NoError(t, err)

	_, err = f.m.ProcessChunk(context.Background(), sess.ID, ChunkRequest{Index: 0, Credential: "other-sid", Limit: "all"})
	require.NoError(t, err)

	job := f.executor.lastJob()
	assert.Equal(t, "all", job.Params.Limit)
	assert.Equal(t, models.SearchKeyword, job.Params.Type)
	assert.Equal(t, "other-sid", job.Credential)
	assert.Equal(t, "r-1", job.Region.ID)

	stored, err := f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "3", stored.Search.Limit)
}

func TestEventsAndCompletion(t *testing.T) {
	f := newFixture(t)
	sess := f.create(t, "111 222 333")
	ctx := context.Background()

	_, err := f.m.ProcessChunk(ctx, sess.ID, ChunkRequest{Index: 1, Credential: "sid"})
	require.NoError(t, err)
	assert.Equal(t, 0, f.publisher.completed)

	_, err = f.m.ProcessChunk(ctx, sess.ID, ChunkRequest{Index: 0, Credential: "sid"})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 0}, f.publisher.chunks)
	assert.Equal(t, 1, f.publisher.completed)
}

func TestPublishFailureIsNotReturned(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("outbox down")
	sess := f.create(t, "111")

	summary, err := f.m.ProcessChunk(context.Background(), sess.ID, ChunkRequest{Index: 0, Credential: "sid"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Counts.Found())
}

type failingStore struct {
	*store.Memory
}

func (failingStore) PutProductResult(context.Context, string, models.Result) error {
	return errors.New("disk full")
}

func TestStoreFailureLeavesChunkPending(t *testing.T) {
	f := newFixture(t)
	m := NewManager(failingStore{f.store}, f.resolver, f.executor, nil, Config{ChunkSize: 2}, slog.Default())

	sess, err := m.CreateSession(context.Background(), CreateRequest{Credential: "sid", RawTerms: "111"})
	require.NoError(t, err)

	_, err = m.ProcessChunk(context.Background(), sess.ID, ChunkRequest{Index: 0, Credential: "sid"})
	require.Error(t, err)
	assert.False(t, IsValidation(err))

	got, err := f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Chunks)
}

func TestCallerCancelDoesNotAbortSharedRun(t *testing.T) {
	f := newFixture(t)
	f.executor.gate = make(chan struct{})
	sess := f.create(t, "111 222")

	ctx, cancel := context.WithCancel(context.Background())
	leaving := make(chan error, 1)
	go func() {
		_, err := f.m.ProcessChunk(ctx, sess.ID, ChunkRequest{Index: 0, Credential: "sid"})
		leaving <- err
	}()
	require.Eventually(t, func() bool { return f.executor.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	staying := make(chan *models.ChunkSummary, 1)
	go func() {
		s, err := f.m.ProcessChunk(context.Background(), sess.ID, ChunkRequest{Index: 0, Credential: "sid"})
		assert.NoError(t, err)
		staying <- s
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-leaving, context.Canceled)

	close(f.executor.gate)
	summary := <-staying
	require.NotNil(t, summary)
	assert.Equal(t, 2, summary.Counts.Processed)
	assert.EqualValues(t, 1, f.executor.calls.Load())
	assert.Equal(t, []int{0}, f.publisher.chunks)
}

func TestConcurrentMismatchedCallIsRejected(t *testing.T) {
	f := newFixture(t)
	f.executor.gate = make(chan struct{})
	sess := f.create(t, "111 222")
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.m.ProcessChunk(ctx, sess.ID, ChunkRequest{Index: 0, Credential: "sid"})
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return f.executor.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	tests := []struct {
		name string
		req  ChunkRequest
		want error
	}{
		{"other terms", ChunkRequest{Index: 0, Terms: []string{"999", "888"}, Credential: "sid"}, ErrChunkMismatch},
		{"out of range", ChunkRequest{Index: 3, Credential: "sid"}, ErrChunkOutOfRange},
		{"no credential", ChunkRequest{Index: 0}, ErrMissingCredential},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.m.ProcessChunk(ctx, sess.ID, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	close(f.executor.gate)
	<-done
	assert.EqualValues(t, 1, f.executor.calls.Load())
}

func TestConcurrentLimitsRunSeparatelyAndMergeOnce(t *testing.T) {
	f := newFixture(t)
	f.executor.gate = make(chan struct{})
	sess := f.create(t, "111 222")
	ctx := context.Background()

	var wg sync.WaitGroup
	summaries := make([]*models.ChunkSummary, 2)
	for i, limit := range []string{"", "3"} {
		i := i
		limit := limit
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := f.m.ProcessChunk(ctx, sess.ID, ChunkRequest{Index: 0, Credential: "sid", Limit: limit})
			assert.NoError(t, err)
			summaries[i] = s
		}()
	}
	require.Eventually(t, func() bool { return f.executor.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(f.executor.gate)
	wg.Wait()

	f.executor.mu.Lock()
	limits := []string{f.executor.jobs[0].Params.Limit, f.executor.jobs[1].Params.Limit}
	f.executor.mu.Unlock()
	assert.ElementsMatch(t, []string{"all", "3"}, limits)

	for _, s := range summaries {
		require.NotNil(t, s)
		assert.Equal(t, 2, s.Counts.Processed)
		assert.Len(t, s.Results, 2)
	}
	assert.Equal(t, []int{0}, f.publisher.chunks)

	got, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Counts.Processed)
}

func TestChunkRecordedDuringRunReturnsStoredSummary(t *testing.T) {
	f := newFixture(t)
	sess := f.create(t, "111 222")
	ctx := context.Background()
	recordedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	// another process lands the same chunk while this run is fetching
	f.executor.hook = func(checker.Job) {
		other, err := f.store.GetSession(ctx, sess.ID)
		if !assert.NoError(t, err) {
			return
		}
		counts := models.NewCounts()
		counts.Record(models.Result{Term: "111", Status: models.StatusNotFound})
		counts.Record(models.Result{Term: "222", Status: models.StatusNotFound})
		other.Chunks[0] = models.ChunkSummary{Index: 0, Counts: counts, CompletedAt: recordedAt}
		other.Counts.Add(counts)
		assert.NoError(t, f.store.PutSession(ctx, other))
	}

	summary, err := f.m.ProcessChunk(ctx, sess.ID, ChunkRequest{Index: 0, Credential: "sid"})
	require.NoError(t, err)

	assert.Equal(t, recordedAt, summary.CompletedAt)
	assert.Equal(t, 2, summary.Counts.ByStatus[models.StatusNotFound])
	assert.Len(t, summary.Results, 2)
	assert.Empty(t, f.publisher.chunks)
	assert.Equal(t, 0, f.publisher.completed)

	got, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Counts.Processed)
}

// blockingFetcher holds every term until released or cancelled.
type blockingFetcher struct {
	release chan struct{}
}

func (b *blockingFetcher) Fetch(ctx context.Context, term, _ string, _ models.Region, _ models.SearchParams) models.Result {
	select {
	case <-ctx.Done():
		return models.Result{Term: term, Status: models.StatusTimeout, Message: ctx.Err().Error()}
	case <-b.release:
		return models.Result{Term: term, Status: models.StatusNotFound}
	}
}

func TestInterruptedChunkPersistsNothing(t *testing.T) {
	fetcher := &blockingFetcher{release: make(chan struct{})}
	executor := checker.NewChunkExecutor(fetcher, checker.ExecutorConfig{MaxWorkers: 2, TermTimeout: 5 * time.Second}, slog.Default())
	publisher := &recordingPublisher{}
	st := store.NewMemory()
	m := NewManager(st, &stubResolver{region: models.Region{ID: "r-1"}}, executor, publisher,
		Config{ChunkSize: 2, RequestTimeout: time.Second, ChunkTimeout: 100 * time.Millisecond}, slog.Default())
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, CreateRequest{Credential: "sid", RawTerms: "111 222"})
	require.NoError(t, err)

	_, err = m.ProcessChunk(ctx, sess.ID, ChunkRequest{Index: 0, Credential: "sid"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	stored, err := st.ListProductResults(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)

	results, err := m.GetResults(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, results.Stats.ProcessedTerms)

	status, err := m.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, status.ChunksDone)
	assert.Equal(t, 0, status.ProcessedTerms)
	assert.Empty(t, publisher.chunks)

	close(fetcher.release)
	summary, err := m.ProcessChunk(ctx, sess.ID, ChunkRequest{Index: 0, Credential: "sid"})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Counts.ByStatus[models.StatusNotFound])

	stored, err = st.ListProductResults(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestGetStatusShowsRunningChunk(t *testing.T) {
	f := newFixture(t)
	f.executor.gate = make(chan struct{})
	sess := f.create(t, "111 222 333")
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.m.ProcessChunk(ctx, sess.ID, ChunkRequest{Index: 0, Credential: "sid"})
	}()

	require.Eventually(t, func() bool {
		st, err := f.m.GetStatus(ctx, sess.ID)
		return err == nil && len(st.Running) == 1
	}, time.Second, 5*time.Millisecond)

	st, err := f.m.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateProcessing, st.State)
	assert.Contains(t, st.Running, 0)

	close(f.executor.gate)
	<-done

	st, err = f.m.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, st.Running)
	assert.Equal(t, 1, st.ChunksDone)
	assert.False(t, st.Completed)
}

func TestDeleteSession(t *testing.T) {
	f := newFixture(t)
	sess := f.create(t, "111")
	ctx := context.Background()

	require.NoError(t, f.m.DeleteSession(ctx, sess.ID))
	_, err := f.m.GetStatus(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, f.m.DeleteSession(ctx, sess.ID), ErrSessionNotFound)
}

func TestRows(t *testing.T) {
	rows := Rows([]models.Result{
		{Term: "a", Status: models.StatusFound, Products: []models.Product{{ProductID: "1", Name: "One"}, {ProductID: "2", Name: "Two"}}},
		{Term: "b", Status: models.StatusNotFound},
		{Term: "c", Status: models.StatusTimeout, Message: "deadline exceeded"},
	})

	require.Len(t, rows, 4)
	assert.True(t, rows[0].Found)
	assert.Equal(t, "a", rows[1].SearchTerm)
	assert.Equal(t, "Two", rows[1].Name)

	assert.False(t, rows[2].Found)
	assert.Equal(t, "Article Not Found: b", rows[2].Name)
	assert.Equal(t, models.NotFoundMessage("b"), rows[2].NotFoundMessage)

	assert.Equal(t, models.StatusTimeout, rows[3].Status)
	assert.Equal(t, "deadline exceeded", rows[3].NotFoundMessage)
}

// End to end against a fake storefront: three terms, chunks of two.
func TestSessionEndToEnd(t *testing.T) {
	sf := testutil.NewStorefront()
	defer sf.Close()
	sf.RespondJSON("/api/cart/v1/carts/active", 200, testutil.CartBody("r-77", "Home", "1 Main St", "M5V"))
	sf.SearchByTerm(map[string]string{
		"111": testutil.SearchBody(testutil.Product("111", "Apples", 3.99)),
		"333": testutil.SearchBody(testutil.Product("333", "Pears", 4.49)),
	})

	client := upstream.NewHTTPClient(upstream.Options{Timeout: time.Second}, slog.Default())
	fetcher := checker.NewProductFetcher([]checker.Strategy{
		checker.NewAPIStrategy(client, sf.URL()),
		checker.NewPageStrategy(client, sf.URL()),
	}, checker.DefaultFallbackPolicy(), slog.Default())
	executor := checker.NewChunkExecutor(fetcher, checker.ExecutorConfig{MaxWorkers: 2, TermTimeout: time.Second}, slog.Default())
	resolver := checker.NewRegionResolver(client, sf.URL(), slog.Default())

	m := NewManager(store.NewMemory(), resolver, executor, events.Nop{}, Config{ChunkSize: 2, RequestTimeout: time.Second}, slog.Default())
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, CreateRequest{Credential: "sid", RawTerms: "111, 222, 333"})
	require.NoError(t, err)
	assert.Equal(t, "r-77", sess.Region.ID)

	first, ok := sess.Chunk(0)
	require.True(t, ok)
	assert.Equal(t, []string{"111", "222"}, first)
	second, ok := sess.Chunk(1)
	require.True(t, ok)
	assert.Equal(t, []string{"333"}, second)

	for i, n := 0, sess.TotalChunks(); i < n; i++ {
		terms, _ := sess.Chunk(i)
		_, err := m.ProcessChunk(ctx, sess.ID, ChunkRequest{Index: i, Terms: terms, Credential: "sid"})
		require.NoError(t, err)
	}

	results, err := m.GetResults(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, results.Results, 3)

	byTerm := map[string]models.Status{}
	for _, r := range results.Results {
		byTerm[r.Term] = r.Status
	}
	assert.Equal(t, map[string]models.Status{
		"111": models.StatusFound,
		"222": models.StatusNotFound,
		"333": models.StatusFound,
	}, byTerm)
	assert.Equal(t, 2, results.Stats.Found)
	assert.Equal(t, 1, results.Stats.NotFound)
	assert.Len(t, results.Products, 3)

	status, err := m.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, status.Completed)
	assert.Equal(t, models.StateCompleted, status.State)
	assert.Equal(t, 3, status.ProcessedTerms)
	assert.Equal(t, "r-77", sf.LastQuery("/api/v6/products/search").Get("regionId"))
}
