// Package testutil provides a fake storefront for pipeline tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Storefront is a configurable httptest server speaking the storefront's
// search, cart and product page surfaces. Unconfigured paths return 404.
type Storefront struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	requests map[string]int
	queries  map[string]url.Values
	cookies  map[string]string
}

func NewStorefront() *Storefront {
	s := &Storefront{
		handlers: make(map[string]http.HandlerFunc),
		requests: make(map[string]int),
		queries:  make(map[string]url.Values),
		cookies:  make(map[string]string),
	}

	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.URL.Path]++
		s.queries[r.URL.Path] = r.URL.Query()
		if c, err := r.Cookie("global_sid"); err == nil {
			s.cookies[r.URL.Path] = c.Value
		}
		h, ok := s.handlers[r.URL.Path]
		s.mu.Unlock()

		if ok {
			h(w, r)
			return
		}
		http.NotFound(w, r)
	}))

	return s
}

func (s *Storefront) URL() string {
	return s.server.URL
}

func (s *Storefront) Close() {
	s.server.Close()
}

func (s *Storefront) Handle(path string, h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[path] = h
}

// Respond serves a fixed status and body on path.
func (s *Storefront) Respond(path string, status int, contentType, body string) {
	s.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		w.Write([]byte(body))
	})
}

func (s *Storefront) RespondJSON(path string, status int, body string) {
	s.Respond(path, status, "application/json", body)
}

func (s *Storefront) RespondHTML(path string, status int, body string) {
	s.Respond(path, status, "text/html", body)
}

// Hang blocks on path until the client gives up or d elapses.
func (s *Storefront) Hang(path string, d time.Duration) {
	s.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(d):
		}
	})
}

// SearchByTerm routes the search endpoint by the term query parameter.
// Unknown terms get an empty search result.
func (s *Storefront) SearchByTerm(bodies map[string]string) {
	s.Handle("/api/v6/products/search", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		body, ok := bodies[r.URL.Query().Get("term")]
		if !ok {
			body = `{"entities":{"product":{}}}`
		}
		w.Write([]byte(body))
	})
}

func (s *Storefront) Requests(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requests[path]
}

func (s *Storefront) LastQuery(path string) url.Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries[path]
}

func (s *Storefront) LastCookie(path string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cookies[path]
}

// Product renders a minimal storefront product entity.
func Product(id, name string, price float64) string {
	p := map[string]any{
		"productId":         id,
		"retailerProductId": "r-" + id,
		"name":              name,
		"available":         true,
		"price": map[string]any{
			"current": map[string]any{"amount": fmt.Sprintf("%.2f", price)},
		},
	}
	b, _ := json.Marshal(p)
	return string(b)
}

// SearchBody wraps product entities the way the search API does.
func SearchBody(products ...string) string {
	var sb strings.Builder
	sb.WriteString(`{"entities":{"product":{`)
	for i, p := range products {
		var head struct {
			ProductID string `json:"productId"`
		}
		_ = json.Unmarshal([]byte(p), &head)
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%q:%s", head.ProductID, p)
	}
	sb.WriteString(`}}}`)
	return sb.String()
}

// StatePage embeds state as the page's initial client state.
func StatePage(state string) string {
	return `<!doctype html><html><head><title>Product</title>` +
		`<script>window.dataLayer=[];</script>` +
		`<script>window.__INITIAL_STATE__=` + state + `</script>` +
		`</head><body><div id="root"></div></body></html>`
}

// CartBody is a cart API response for the given region.
func CartBody(regionID, nickname, address, postal string) string {
	b, _ := json.Marshal(map[string]any{
		"regionId": regionID,
		"defaultCheckoutGroup": map[string]any{
			"delivery": map[string]any{
				"addressDetails": map[string]any{
					"nickname":       nickname,
					"displayAddress": address,
					"postalCode":     postal,
				},
			},
		},
	})
	return string(b)
}
