package httputil

import (
	"net/http"
	"time"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "dailyclimate-kl-importer/1.0"
)

// NewClient returns an HTTP client that stamps every request with userAgent.
// The client has no overall timeout; archive downloads stream for minutes, so
// callers bound each request with a context deadline instead.
func NewClient(userAgent string) *http.Client {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &http.Client{
		Transport: &userAgentTransport{
			base:      http.DefaultTransport,
			userAgent: userAgent,
		},
	}
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(r)
}
