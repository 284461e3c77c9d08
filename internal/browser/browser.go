package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/maltedev/markschecker/internal/upstream"
)

// Browser renders storefront pages in headless Chromium. Every Fetch runs
// in its own browser context so credential cookies never leak between calls.
type Browser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	opts    *Options
	logger  *slog.Logger
}

type Options struct {
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	TimezoneID     string
	Locale         string
	ProxyServer    string
	ExtraHeaders   map[string]string
}

func DefaultOptions() *Options {
	return &Options{
		Headless:       true,
		Timeout:        30 * time.Second,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/141.0.0.0 Safari/537.36",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		TimezoneID:     "America/Toronto",
		Locale:         "en-CA",
		ExtraHeaders: map[string]string{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
			"Accept-Language": "en-CA,en;q=0.9,fr-CA;q=0.8",
		},
	}
}

func New(opts *Options, logger *slog.Logger) (*Browser, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	}

	if opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{
			Server: opts.ProxyServer,
		}
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return &Browser{
		pw:      pw,
		browser: browser,
		opts:    opts,
		logger:  logger.With("component", "browser"),
	}, nil
}

// Fetch navigates to the request URL and returns the rendered HTML.
func (b *Browser) Fetch(ctx context.Context, req *upstream.Request) (*upstream.Response, error) {
	target, err := req.FullURL()
	if err != nil {
		return nil, &upstream.Error{Kind: upstream.KindNetwork, URL: req.URL, Err: fmt.Errorf("invalid url: %w", err)}
	}
	if err := ctx.Err(); err != nil {
		return nil, upstream.Wrap(target, err)
	}

	bctx, err := b.browser.NewContext(b.contextOptions(req))
	if err != nil {
		return nil, upstream.Wrap(target, fmt.Errorf("failed to create browser context: %w", err))
	}
	defer bctx.Close()

	if len(req.Cookies) > 0 {
		if err := bctx.AddCookies(cookiesFor(target, req.Cookies)); err != nil {
			return nil, upstream.Wrap(target, fmt.Errorf("failed to set cookies: %w", err))
		}
	}

	page, err := bctx.NewPage()
	if err != nil {
		return nil, upstream.Wrap(target, fmt.Errorf("failed to create new page: %w", err))
	}

	timeout := navigationTimeout(ctx, b.opts.Timeout)
	resp, err := page.Goto(target, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		if errors.Is(err, playwright.ErrTimeout) {
			return nil, &upstream.Error{Kind: upstream.KindTimeout, URL: target, Err: err}
		}
		return nil, upstream.Wrap(target, fmt.Errorf("navigation failed: %w", err))
	}

	content, err := page.Content()
	if err != nil {
		return nil, upstream.Wrap(target, fmt.Errorf("failed to get page content: %w", err))
	}

	status := 200
	if resp != nil {
		status = resp.Status()
	}

	b.logger.Debug("page rendered", "status", status, "bytes", len(content))

	return &upstream.Response{
		StatusCode: status,
		Body:       []byte(content),
		URL:        target,
	}, nil
}

func (b *Browser) contextOptions(req *upstream.Request) playwright.BrowserNewContextOptions {
	headers := make(map[string]string, len(b.opts.ExtraHeaders)+len(req.Headers))
	for k, v := range b.opts.ExtraHeaders {
		headers[k] = v
	}
	for k, v := range req.Headers {
		// the browser sets its own user agent from context options
		if k == "User-Agent" {
			continue
		}
		headers[k] = v
	}

	return playwright.BrowserNewContextOptions{
		UserAgent:         &b.opts.UserAgent,
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            &b.opts.Locale,
		TimezoneId:        &b.opts.TimezoneID,
		Viewport: &playwright.Size{
			Width:  b.opts.ViewportWidth,
			Height: b.opts.ViewportHeight,
		},
		ExtraHttpHeaders: headers,
	}
}

func cookiesFor(target string, cookies map[string]string) []playwright.OptionalCookie {
	out := make([]playwright.OptionalCookie, 0, len(cookies))
	for name, value := range cookies {
		out = append(out, playwright.OptionalCookie{
			Name:  name,
			Value: value,
			URL:   playwright.String(target),
		})
	}
	return out
}

// navigationTimeout is the smaller of the configured timeout and the time left on ctx.
func navigationTimeout(ctx context.Context, configured time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < configured || configured <= 0 {
			if left < time.Millisecond {
				left = time.Millisecond
			}
			return left
		}
	}
	return configured
}

func (b *Browser) Close() error {
	var errs []error

	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}

	if b.pw != nil {
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	return errors.Join(errs...)
}
