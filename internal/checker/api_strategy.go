package checker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/maltedev/markschecker/internal/models"
	"github.com/maltedev/markschecker/internal/upstream"
)

const (
	searchPath    = "/api/v6/products/search"
	cartPath      = "/api/cart/v1/carts/active"
	productPath   = "/products/"
	sessionCookie = "global_sid"
)

var errNoEntities = errors.New("payload has no recognizable product entities")

// apiHeaders are the JSON request headers the storefront API expects.
func apiHeaders() map[string]string {
	return map[string]string{
		"accept":          "application/json; charset=utf-8",
		"client-route-id": uuid.NewString(),
	}
}

func credentialCookies(credential string) map[string]string {
	if credential == "" {
		return nil
	}
	return map[string]string{sessionCookie: credential}
}

// APIStrategy resolves terms through the structured product search endpoint.
type APIStrategy struct {
	fetcher upstream.Fetcher
	baseURL string
}

func NewAPIStrategy(fetcher upstream.Fetcher, baseURL string) *APIStrategy {
	return &APIStrategy{fetcher: fetcher, baseURL: baseURL}
}

func (s *APIStrategy) Name() string { return "api" }

func (s *APIStrategy) Applicable(string) bool { return true }

func (s *APIStrategy) Attempt(ctx context.Context, q Query) Outcome {
	query := url.Values{"term": {q.Term}}
	if q.Region.Known() {
		query.Set("regionId", q.Region.ID)
	}

	resp, err := s.fetcher.Fetch(ctx, &upstream.Request{
		URL:      s.baseURL + searchPath,
		Query:    query,
		Headers:  apiHeaders(),
		Cookies:  credentialCookies(q.Credential),
		Endpoint: "search",
	})
	if err != nil {
		return transportOutcome(err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return notFoundOutcome(Retryable, CauseHTTP)
	case resp.StatusCode != http.StatusOK:
		return Outcome{
			Verdict: Retryable,
			Status:  models.StatusFetchError,
			Cause:   CauseHTTP,
			Err:     fmt.Errorf("search API returned status %d", resp.StatusCode),
		}
	}

	body := resp.Body
	if !bytes.Contains(body, []byte(`"productId"`)) && !bytes.Contains(body, []byte(`"retailerProductId"`)) {
		return notFoundOutcome(Fatal, CauseNotFound)
	}

	source := models.SourceAPI
	entities, err := productEntities(body)
	if err != nil {
		if json.Valid(body) {
			return parseErrorOutcome(Retryable, fmt.Errorf("unexpected search payload: %w", err))
		}
		entities = salvageEntities(body)
		if len(entities) == 0 {
			return parseErrorOutcome(Retryable, fmt.Errorf("malformed search payload: %w", err))
		}
		source = models.SourceAPISalvage
	}

	if len(entities) == 0 {
		return parseErrorOutcome(Retryable, errNoEntities)
	}

	products, ok := selectProducts(entities, q.Params)
	if !ok {
		return parseErrorOutcome(Retryable, errNoEntities)
	}
	return successOutcome(products, len(entities), source)
}
