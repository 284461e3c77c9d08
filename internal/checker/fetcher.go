package checker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/markschecker/internal/models"
)

// TermFetcher resolves a single term to its terminal result.
type TermFetcher interface {
	Fetch(ctx context.Context, term, credential string, region models.Region, params models.SearchParams) models.Result
}

// ProductFetcher tries its strategies in order until one succeeds or the
// fallback policy stops the chain.
type ProductFetcher struct {
	strategies []Strategy
	policy     FallbackPolicy
	logger     *slog.Logger
	now        func() time.Time
}

func NewProductFetcher(strategies []Strategy, policy FallbackPolicy, logger *slog.Logger) *ProductFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProductFetcher{
		strategies: strategies,
		policy:     policy,
		logger:     logger.With("component", "product_fetcher"),
		now:        time.Now,
	}
}

func (f *ProductFetcher) Fetch(ctx context.Context, term, credential string, region models.Region, params models.SearchParams) models.Result {
	q := Query{Term: term, Credential: credential, Region: region, Params: params}

	var attempts []Outcome
	for _, s := range f.strategies {
		if !s.Applicable(term) {
			continue
		}
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, contextOutcome(err))
			break
		}

		o := f.attempt(ctx, s, q)
		strategyOutcomes.WithLabelValues(s.Name(), o.Verdict.String(), string(o.Status)).Inc()

		if o.Verdict == Success {
			return f.result(term, o)
		}

		attempts = append(attempts, o)
		f.logger.Debug("strategy did not resolve term",
			"term", term,
			"strategy", s.Name(),
			"verdict", o.Verdict.String(),
			"status", o.Status,
			"error", o.Err)

		if !f.policy.Continue(o) {
			break
		}
	}

	return f.classify(term, attempts)
}

// attempt runs one strategy and turns a panic into a fetch_error outcome.
func (f *ProductFetcher) attempt(ctx context.Context, s Strategy, q Query) (o Outcome) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("strategy panicked", "strategy", s.Name(), "term", q.Term, "panic", r)
			o = Outcome{
				Verdict: Retryable,
				Status:  models.StatusFetchError,
				Cause:   CauseInternal,
				Err:     fmt.Errorf("strategy %s panicked: %v", s.Name(), r),
			}
		}
	}()
	return s.Attempt(ctx, q)
}

func (f *ProductFetcher) result(term string, o Outcome) models.Result {
	return models.Result{
		Term:       term,
		Status:     models.StatusFound,
		Products:   o.Products,
		TotalFound: o.TotalFound,
		Source:     o.Source,
		CheckedAt:  f.now(),
	}
}

// severity orders failure statuses; the most severe attempt wins.
var severity = map[models.Status]int{
	models.StatusNotFound:   0,
	models.StatusParseError: 1,
	models.StatusFetchError: 2,
	models.StatusTimeout:    3,
}

// classify folds failed attempts into one result: not_found only if every
// attempt said so, otherwise timeout > fetch_error > parse_error.
func (f *ProductFetcher) classify(term string, attempts []Outcome) models.Result {
	res := models.Result{Term: term, Status: models.StatusNotFound, CheckedAt: f.now()}
	if len(attempts) == 0 {
		res.Status = models.StatusFetchError
		res.Message = "no strategy applicable to this term"
		return res
	}

	var worst *Outcome
	for i := range attempts {
		a := &attempts[i]
		if worst == nil || severity[a.Status] > severity[worst.Status] {
			worst = a
		}
	}

	res.Status = worst.Status
	switch {
	case res.Status == models.StatusNotFound:
		res.Message = models.NotFoundMessage(term)
	case worst.Err != nil:
		res.Message = worst.Err.Error()
	default:
		res.Message = string(worst.Status)
	}
	return res
}

func contextOutcome(err error) Outcome {
	status := models.StatusFetchError
	if errors.Is(err, context.DeadlineExceeded) {
		status = models.StatusTimeout
	}
	return Outcome{Verdict: Retryable, Status: status, Cause: CauseTransport, Err: err}
}
