package checker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"

	"github.com/maltedev/markschecker/internal/models"
	"github.com/maltedev/markschecker/internal/parser"
	"github.com/maltedev/markschecker/internal/upstream"
)

var pageTermPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,}$`)

// PageStrategy resolves terms from the client state embedded in the
// storefront product page.
type PageStrategy struct {
	fetcher upstream.Fetcher
	parser  parser.Parser
	baseURL string
}

func NewPageStrategy(fetcher upstream.Fetcher, baseURL string) *PageStrategy {
	return &PageStrategy{
		fetcher: fetcher,
		parser:  parser.NewStateParser(),
		baseURL: baseURL,
	}
}

func (s *PageStrategy) Name() string { return "page" }

// Applicable limits page lookups to terms usable as a product path segment.
func (s *PageStrategy) Applicable(term string) bool {
	return pageTermPattern.MatchString(term)
}

func (s *PageStrategy) Attempt(ctx context.Context, q Query) Outcome {
	var query url.Values
	if q.Region.Known() {
		query = url.Values{"regionId": {q.Region.ID}}
	}

	resp, err := s.fetcher.Fetch(ctx, &upstream.Request{
		URL:   s.baseURL + productPath + url.PathEscape(q.Term),
		Query: query,
		Headers: map[string]string{
			"accept":  "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
			"Referer": s.baseURL + "/",
		},
		Cookies:  credentialCookies(q.Credential),
		Endpoint: "product_page",
	})
	if err != nil {
		return transportOutcome(err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return notFoundOutcome(Fatal, CauseNotFound)
	case !resp.OK():
		return Outcome{
			Verdict: Retryable,
			Status:  models.StatusFetchError,
			Cause:   CauseHTTP,
			Err:     fmt.Errorf("product page returned status %d", resp.StatusCode),
		}
	}

	state, err := s.parser.ExtractState(resp.Body)
	if err != nil {
		return parseErrorOutcome(Fatal, err)
	}

	entities, err := productEntities(state)
	if err != nil {
		if errors.Is(err, errNotObject) {
			return parseErrorOutcome(Fatal, fmt.Errorf("entities.product: %w", err))
		}
		return parseErrorOutcome(Fatal, err)
	}
	if len(entities) == 0 {
		return notFoundOutcome(Fatal, CauseNotFound)
	}

	products, ok := selectProducts(entities, q.Params)
	if !ok {
		return parseErrorOutcome(Fatal, errNoEntities)
	}
	return successOutcome(products, len(entities), models.SourcePage)
}
