package checker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/maltedev/markschecker/internal/testutil"
	"github.com/maltedev/markschecker/internal/upstream"
)

func newTestClient(timeout time.Duration) *upstream.HTTPClient {
	return upstream.NewHTTPClient(upstream.Options{Timeout: timeout}, nil)
}

func TestRegionResolverPrimary(t *testing.T) {
	sf := testutil.NewStorefront()
	defer sf.Close()
	sf.RespondJSON(cartPath, 200, testutil.CartBody("a1b2-c3", "Home", "1 Main St", "M5V 1A1"))

	r := NewRegionResolver(newTestClient(time.Second), sf.URL(), nil)
	region := r.Resolve(context.Background(), "sid-123")

	assert.True(t, region.Known())
	assert.Equal(t, "a1b2-c3", region.ID)
	assert.Equal(t, "Home", region.Nickname)
	assert.Equal(t, "1 Main St", region.DisplayAddress)
	assert.Equal(t, "M5V 1A1", region.PostalCode)
	assert.Equal(t, "sid-123", sf.LastCookie(cartPath))
	assert.Equal(t, 0, sf.Requests("/"))
}

func TestRegionResolverDefaultNickname(t *testing.T) {
	sf := testutil.NewStorefront()
	defer sf.Close()
	sf.RespondJSON(cartPath, 200, `{"regionId":"ff00"}`)

	region := NewRegionResolver(newTestClient(time.Second), sf.URL(), nil).Resolve(context.Background(), "sid")

	assert.Equal(t, "ff00", region.ID)
	assert.Equal(t, "Region ff00", region.Nickname)
}

func TestRegionResolverFallbacks(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(sf *testutil.Storefront)
		wantID       string
		wantNickname string
		wantHomeHits int
	}{
		{
			name: "pattern match on non-200 cart body",
			setup: func(sf *testutil.Storefront) {
				sf.RespondJSON(cartPath, 500, `oops {"regionId": "abc-123", "nickname": "Cottage"} trailing`)
			},
			wantID:       "abc-123",
			wantNickname: "Cottage",
		},
		{
			name: "cart lacks region, storefront page has it",
			setup: func(sf *testutil.Storefront) {
				sf.RespondJSON(cartPath, 200, `{"items":[]}`)
				sf.RespondHTML("/", 200, `<script>var s={"regionId":"9f9f","nickname":"Mom\"s place","postalCode":"H2X"}</script>`)
			},
			wantID:       "9f9f",
			wantNickname: `Mom"s place`,
			wantHomeHits: 1,
		},
		{
			name: "cart unauthorized, page without nickname",
			setup: func(sf *testutil.Storefront) {
				sf.RespondJSON(cartPath, 401, `{"error":"unauthorized"}`)
				sf.RespondHTML("/", 200, `{"regionId":12345}`)
			},
			wantID:       "12345",
			wantNickname: "Region 12345",
			wantHomeHits: 1,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			sf := testutil.NewStorefront()
			defer sf.Close()
			tt.setup(sf)

			region := NewRegionResolver(newTestClient(time.Second), sf.URL(), nil).Resolve(context.Background(), "sid")

			assert.Equal(t, tt.wantID, region.ID)
			assert.Equal(t, tt.wantNickname, region.Nickname)
			assert.Equal(t, tt.wantHomeHits, sf.Requests("/"))
		})
	}
}

func TestRegionResolverUnknown(t *testing.T) {
	sf := testutil.NewStorefront()
	defer sf.Close()
	sf.RespondJSON(cartPath, 403, `forbidden`)
	sf.RespondHTML("/", 200, `<html>no markers here</html>`)

	region := NewRegionResolver(newTestClient(time.Second), sf.URL(), nil).Resolve(context.Background(), "sid")

	assert.False(t, region.Known())
	assert.Equal(t, "Unknown", region.Nickname)
	assert.Equal(t, "Could not determine region", region.DisplayAddress)
}

func TestRegionResolverTimeout(t *testing.T) {
	sf := testutil.NewStorefront()
	defer sf.Close()
	sf.Hang(cartPath, 2*time.Second)

	region := NewRegionResolver(newTestClient(50*time.Millisecond), sf.URL(), nil).Resolve(context.Background(), "sid")

	assert.False(t, region.Known())
	assert.Equal(t, "Timeout", region.Nickname)
	assert.Equal(t, 1, sf.Requests("/"))
}

func TestRegionFromText(t *testing.T) {
	_, ok := regionFromText(nil)
	assert.False(t, ok)

	region, ok := regionFromText([]byte(`"regionId" : "DEAD-beef", "displayAddress":"5 Elm\nUnit 2"`))
	assert.True(t, ok)
	assert.Equal(t, "DEAD-beef", region.ID)
	assert.Equal(t, "5 Elm\nUnit 2", region.DisplayAddress)
}
