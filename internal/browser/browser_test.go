package browser

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/markschecker/internal/upstream"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	assert.True(t, opts.Headless)
	assert.Equal(t, 30*time.Second, opts.Timeout)
	assert.Equal(t, 1920, opts.ViewportWidth)
	assert.Equal(t, 1080, opts.ViewportHeight)
	assert.Equal(t, "en-CA", opts.Locale)
}

func TestCookiesFor(t *testing.T) {
	cookies := cookiesFor("https://voila.ca/products/123", map[string]string{"global_sid": "abc"})
	require.Len(t, cookies, 1)
	assert.Equal(t, "global_sid", cookies[0].Name)
	assert.Equal(t, "abc", cookies[0].Value)
	require.NotNil(t, cookies[0].URL)
	assert.Equal(t, "https://voila.ca/products/123", *cookies[0].URL)
}

func TestNavigationTimeout(t *testing.T) {
	assert.Equal(t, 5*time.Second, navigationTimeout(context.Background(), 5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got := navigationTimeout(ctx, 30*time.Second)
	assert.LessOrEqual(t, got, time.Second)
	assert.Greater(t, got, time.Duration(0))
}

func TestContextOptionsDropsUserAgentHeader(t *testing.T) {
	b := &Browser{opts: DefaultOptions()}
	opts := b.contextOptions(&upstream.Request{Headers: map[string]string{
		"User-Agent": "other",
		"Referer":    "https://voila.ca/",
	}})

	assert.NotContains(t, opts.ExtraHttpHeaders, "User-Agent")
	assert.Equal(t, "https://voila.ca/", opts.ExtraHttpHeaders["Referer"])
	assert.Equal(t, DefaultOptions().UserAgent, *opts.UserAgent)
}

func TestBrowserFetch(t *testing.T) {
	if os.Getenv("INTEGRATION_TEST") != "true" {
		t.Skip("Skipping browser test. Set INTEGRATION_TEST=true to run")
	}

	b, err := New(DefaultOptions(), nil)
	require.NoError(t, err)
	defer b.Close()

	resp, err := b.Fetch(context.Background(), &upstream.Request{URL: "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "Example Domain")
}
