package checker

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/maltedev/markschecker/internal/logging"
	"github.com/maltedev/markschecker/internal/models"
	"github.com/maltedev/markschecker/internal/upstream"
)

var (
	regionIDPattern       = regexp.MustCompile(`"regionId"\s*:\s*"?([0-9a-fA-F-]+)"?`)
	nicknamePattern       = regexp.MustCompile(`"nickname"\s*:\s*"([^"\\]*(?:\\.[^"\\]*)*)"`)
	displayAddressPattern = regexp.MustCompile(`"displayAddress"\s*:\s*"([^"\\]*(?:\\.[^"\\]*)*)"`)
	postalCodePattern     = regexp.MustCompile(`"postalCode"\s*:\s*"([^"\\]*(?:\\.[^"\\]*)*)"`)
)

// RegionResolver derives the storefront region of a credential. It never
// fails: when nothing can be derived it returns an unknown region.
type RegionResolver struct {
	fetcher upstream.Fetcher
	baseURL string
	logger  *slog.Logger
}

func NewRegionResolver(fetcher upstream.Fetcher, baseURL string, logger *slog.Logger) *RegionResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegionResolver{
		fetcher: fetcher,
		baseURL: baseURL,
		logger:  logger.With("component", "region_resolver"),
	}
}

type cartPayload struct {
	RegionID             flexString `json:"regionId"`
	DefaultCheckoutGroup struct {
		Delivery struct {
			AddressDetails struct {
				Nickname       flexString `json:"nickname"`
				DisplayAddress flexString `json:"displayAddress"`
				PostalCode     flexString `json:"postalCode"`
			} `json:"addressDetails"`
		} `json:"delivery"`
	} `json:"defaultCheckoutGroup"`
}

func (r *RegionResolver) Resolve(ctx context.Context, credential string) models.Region {
	log := r.logger.With("credential", logging.Redact(credential))

	resp, primaryErr := r.fetcher.Fetch(ctx, &upstream.Request{
		URL:      r.baseURL + cartPath,
		Headers:  apiHeaders(),
		Cookies:  credentialCookies(credential),
		Endpoint: "cart",
	})

	var body []byte
	if primaryErr != nil {
		log.Warn("region lookup failed", "error", primaryErr)
	} else {
		body = resp.Body
		if resp.StatusCode == 200 {
			if region, ok := regionFromCart(body); ok {
				regionResolutions.WithLabelValues("api").Inc()
				log.Info("region resolved", "region_id", region.ID, "nickname", region.Nickname)
				return region
			}
		} else {
			log.Warn("region lookup returned non-200", "status", resp.StatusCode)
		}
	}

	if region, ok := regionFromText(body); ok {
		regionResolutions.WithLabelValues("fallback").Inc()
		log.Info("region resolved from cart body pattern", "region_id", region.ID)
		return region
	}

	home, err := r.fetcher.Fetch(ctx, &upstream.Request{
		URL:      r.baseURL + "/",
		Headers:  map[string]string{"accept": "text/html,application/xhtml+xml"},
		Cookies:  credentialCookies(credential),
		Endpoint: "home",
	})
	if err == nil {
		if region, ok := regionFromText(home.Body); ok {
			regionResolutions.WithLabelValues("fallback").Inc()
			log.Info("region resolved from storefront page", "region_id", region.ID)
			return region
		}
	} else {
		log.Warn("storefront page lookup failed", "error", err)
	}

	regionResolutions.WithLabelValues("unknown").Inc()
	switch {
	case upstream.IsTimeout(primaryErr):
		return models.UnknownRegion("Timeout", "API request timed out")
	case primaryErr != nil:
		return models.UnknownRegion("Error", truncate(primaryErr.Error(), 80))
	default:
		return models.UnknownRegion("Unknown", "Could not determine region")
	}
}

func regionFromCart(body []byte) (models.Region, bool) {
	var p cartPayload
	if err := json.Unmarshal(body, &p); err != nil || p.RegionID == "" {
		return models.Region{}, false
	}
	d := p.DefaultCheckoutGroup.Delivery.AddressDetails
	return newRegion(string(p.RegionID), string(d.Nickname), string(d.DisplayAddress), string(d.PostalCode)), true
}

func regionFromText(body []byte) (models.Region, bool) {
	if len(body) == 0 {
		return models.Region{}, false
	}
	id := firstMatch(regionIDPattern, body)
	if id == "" {
		return models.Region{}, false
	}
	return newRegion(id,
		unescape(firstMatch(nicknamePattern, body)),
		unescape(firstMatch(displayAddressPattern, body)),
		unescape(firstMatch(postalCodePattern, body)),
	), true
}

func newRegion(id, nickname, display, postal string) models.Region {
	if nickname == "" {
		nickname = "Region " + id
	}
	return models.Region{ID: id, Nickname: nickname, DisplayAddress: display, PostalCode: postal}
}

func firstMatch(re *regexp.Regexp, body []byte) string {
	m := re.FindSubmatch(body)
	if m == nil {
		return ""
	}
	return string(m[1])
}

// unescape decodes JSON string escapes in a regex-captured value.
func unescape(s string) string {
	if s == "" {
		return s
	}
	if u, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return u
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
