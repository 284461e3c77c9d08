// Package upstream is the storefront transport: a single Fetch capability
// returning raw bodies, with typed transport errors.
package upstream

import (
	"context"
	"net/url"
)

// Fetcher performs one storefront request. Non-2xx responses are returned as
// responses; only transport failures are errors, always as *Error.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

type Request struct {
	URL      string
	Query    url.Values
	Headers  map[string]string
	Cookies  map[string]string
	Endpoint string // metrics label
}

// FullURL returns URL with Query merged in.
func (r *Request) FullURL() (string, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return "", err
	}
	if len(r.Query) > 0 {
		q := u.Query()
		for k, vs := range r.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type Response struct {
	StatusCode int
	Body       []byte
	URL        string
}

func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
