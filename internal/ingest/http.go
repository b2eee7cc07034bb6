package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/dailyclimate/internal/htmlutil"
	"github.com/lox/dailyclimate/internal/httputil"
	"github.com/lox/dailyclimate/internal/metrics"
)

// HTTPSource reads the publisher's Apache-style directory index.
type HTTPSource struct {
	base          *url.URL
	client        *http.Client
	timeouts      Timeouts
	retries       uint64
	retryInterval time.Duration
	logger        *slog.Logger
}

func NewHTTPSource(cfg SourceConfig) (*HTTPSource, error) {
	cfg.setDefaults()
	base := cfg.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return &HTTPSource{
		base:          u,
		client:        httputil.NewClient(cfg.UserAgent),
		timeouts:      cfg.Timeouts,
		retries:       uint64(cfg.Retries),
		retryInterval: cfg.RetryInterval,
		logger:        cfg.Logger.With("component", "fetch"),
	}, nil
}

func (h *HTTPSource) Name() string { return "http" }

func (h *HTTPSource) Listing(ctx context.Context) (Listing, error) {
	body, err := h.get(ctx, h.base.String(), KindListing)
	if err != nil {
		return nil, fmt.Errorf("fetch listing: %w", err)
	}
	defer body.Close()

	page, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read listing: %w", err)
	}
	listing := ParseListing(string(page), h.base)
	h.logger.Debug("listing fetched", "url", h.base.String(), "entries", len(listing))
	return listing, nil
}

func (h *HTTPSource) Open(ctx context.Context, entry Entry, kind Kind) (io.ReadCloser, error) {
	body, err := h.get(ctx, entry.URL, kind)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", entry.Name, err)
	}
	return body, nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// get issues a GET with the timeout for kind, retrying transport failures
// and transient statuses. The returned body is bounded by the same timeout.
func (h *HTTPSource) get(ctx context.Context, rawURL string, kind Kind) (io.ReadCloser, error) {
	timeout := h.timeouts.For(kind)

	var body io.ReadCloser
	operation := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
		if err != nil {
			cancel()
			return backoff.Permanent(err)
		}

		start := time.Now()
		resp, err := h.client.Do(req)
		metrics.FetchLatency.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
		if err != nil {
			cancel()
			metrics.FetchRequestsTotal.WithLabelValues(string(kind), "error").Inc()
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		metrics.FetchRequestsTotal.WithLabelValues(string(kind), strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode == http.StatusOK {
			body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
			return nil
		}

		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()

		statusErr := &StatusError{URL: rawURL, StatusCode: resp.StatusCode, Body: htmlutil.Snippet(snippet, 200)}
		if retryableStatus(resp.StatusCode) {
			return statusErr
		}
		return backoff.Permanent(statusErr)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = h.retryInterval
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(bo, h.retries), ctx)

	notify := func(err error, wait time.Duration) {
		h.logger.Warn("request failed, retrying", "url", rawURL, "kind", kind, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return nil, statusErr
		}
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	return body, nil
}
