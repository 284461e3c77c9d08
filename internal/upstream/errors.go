package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var ErrBodyTooLarge = errors.New("response body exceeds limit")

type Kind string

const (
	KindTimeout Kind = "timeout"
	KindNetwork Kind = "network"
)

// Error is a transport failure. The URL never carries credentials.
type Error struct {
	Kind Kind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream %s error for %s: %v", e.Kind, e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Timeout() bool {
	return e.Kind == KindTimeout
}

// IsTimeout reports whether err is an upstream timeout.
func IsTimeout(err error) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Timeout()
	}
	return false
}

// Wrap classifies a raw transport error.
func Wrap(rawURL string, err error) *Error {
	var ue *Error
	if errors.As(err, &ue) {
		return ue
	}
	return &Error{Kind: classify(err), URL: rawURL, Err: err}
}

func classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}
