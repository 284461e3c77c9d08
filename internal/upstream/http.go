package upstream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/maltedev/markschecker/internal/ratelimit"
)

const DefaultMaxBodyBytes = 8 << 20

type Options struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string
	Limiter      ratelimit.Limiter
	Transport    http.RoundTripper
}

// HTTPClient is the net/http Fetcher.
type HTTPClient struct {
	client    *http.Client
	timeout   time.Duration
	maxBody   int64
	userAgent string
	limiter   ratelimit.Limiter
	logger    *slog.Logger
}

func NewHTTPClient(opts Options, logger *slog.Logger) *HTTPClient {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(0, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		client:    &http.Client{Transport: opts.Transport},
		timeout:   opts.Timeout,
		maxBody:   opts.MaxBodyBytes,
		userAgent: opts.UserAgent,
		limiter:   opts.Limiter,
		logger:    logger.With("component", "upstream"),
	}
}

func (c *HTTPClient) Fetch(ctx context.Context, req *Request) (*Response, error) {
	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = "other"
	}

	target, err := req.FullURL()
	if err != nil {
		return nil, &Error{Kind: KindNetwork, URL: req.URL, Err: fmt.Errorf("invalid url: %w", err)}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		requestsTotal.WithLabelValues(endpoint, string(classify(err))).Inc()
		return nil, Wrap(target, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, URL: target, Err: fmt.Errorf("failed to build request: %w", err)}
	}

	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for name, value := range req.Cookies {
		httpReq.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		ue := Wrap(target, err)
		requestsTotal.WithLabelValues(endpoint, string(ue.Kind)).Inc()
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		c.logger.Debug("request failed", "endpoint", endpoint, "kind", ue.Kind, "error", err)
		return nil, ue
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		ue := Wrap(target, err)
		requestsTotal.WithLabelValues(endpoint, string(ue.Kind)).Inc()
		return nil, ue
	}
	if int64(len(body)) > c.maxBody {
		requestsTotal.WithLabelValues(endpoint, string(KindNetwork)).Inc()
		return nil, &Error{Kind: KindNetwork, URL: target, Err: ErrBodyTooLarge}
	}

	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	c.logger.Debug("request completed",
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"bytes", len(body),
		"duration", time.Since(start))

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		URL:        target,
	}, nil
}
