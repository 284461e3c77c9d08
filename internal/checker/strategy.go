package checker

import (
	"context"
	"fmt"

	"github.com/maltedev/markschecker/internal/models"
	"github.com/maltedev/markschecker/internal/upstream"
)

// Query is the input of a single strategy attempt.
type Query struct {
	Term       string
	Credential string
	Region     models.Region
	Params     models.SearchParams
}

type Verdict int

const (
	Success Verdict = iota
	// Retryable means another surface may still answer.
	Retryable
	// Fatal means this surface gave a definitive answer.
	Fatal
)

func (v Verdict) String() string {
	switch v {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Cause is what went wrong in a non-successful outcome. FallbackPolicy
// decides per cause whether the next strategy runs.
type Cause string

const (
	CauseNone      Cause = ""
	CauseTransport Cause = "transport"
	CauseHTTP      Cause = "http"
	CauseMalformed Cause = "malformed"
	CauseNotFound  Cause = "not_found"
	CauseInternal  Cause = "internal"
)

type Outcome struct {
	Verdict    Verdict
	Status     models.Status
	Cause      Cause
	Products   []models.Product
	TotalFound int
	Source     models.Source
	Err        error
}

// Strategy is one surface a term can be resolved through.
type Strategy interface {
	Name() string
	Applicable(term string) bool
	Attempt(ctx context.Context, q Query) Outcome
}

// FallbackPolicy decides which failures of a strategy hand the term to the next one.
type FallbackPolicy struct {
	OnTransportError bool
	OnHTTPError      bool
	OnMalformed      bool
	OnNotFound       bool
}

func DefaultFallbackPolicy() FallbackPolicy {
	return FallbackPolicy{
		OnTransportError: true,
		OnHTTPError:      true,
		OnMalformed:      true,
	}
}

// Continue reports whether the next strategy should be tried after o.
// A Fatal outcome ends the chain unless it is a clean not_found and the
// policy asks for it to be verified.
func (p FallbackPolicy) Continue(o Outcome) bool {
	switch o.Verdict {
	case Success:
		return false
	case Fatal:
		return o.Cause == CauseNotFound && p.OnNotFound
	}
	switch o.Cause {
	case CauseTransport:
		return p.OnTransportError
	case CauseHTTP:
		return p.OnHTTPError
	case CauseMalformed:
		return p.OnMalformed
	case CauseNotFound:
		return p.OnNotFound
	case CauseInternal:
		return true
	}
	return false
}

func transportOutcome(err error) Outcome {
	status := models.StatusFetchError
	if upstream.IsTimeout(err) {
		status = models.StatusTimeout
	}
	return Outcome{Verdict: Retryable, Status: status, Cause: CauseTransport, Err: err}
}

func notFoundOutcome(v Verdict, cause Cause) Outcome {
	return Outcome{Verdict: v, Status: models.StatusNotFound, Cause: cause}
}

func parseErrorOutcome(v Verdict, err error) Outcome {
	return Outcome{Verdict: v, Status: models.StatusParseError, Cause: CauseMalformed, Err: err}
}

func successOutcome(products []models.Product, total int, source models.Source) Outcome {
	return Outcome{
		Verdict:    Success,
		Status:     models.StatusFound,
		Products:   products,
		TotalFound: total,
		Source:     source,
	}
}
