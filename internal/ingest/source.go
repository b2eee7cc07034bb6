package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"
)

// DefaultBaseURL is the DWD open data directory of historical daily KL
// observations.
const DefaultBaseURL = "https://opendata.dwd.de/climate_environment/CDC/observations_germany/climate/daily/kl/historical/"

// Kind classifies a request so the matching timeout applies.
type Kind string

const (
	KindListing  Kind = "listing"
	KindMetadata Kind = "metadata"
	KindArchive  Kind = "archive"
)

// Entry is a file advertised by the publisher's directory listing.
type Entry struct {
	Name         string
	URL          string
	LastModified time.Time // zero when the listing has no timestamp
}

// Listing maps file names to entries.
type Listing map[string]Entry

// Source retrieves the publisher's directory listing and files.
type Source interface {
	Name() string
	Listing(ctx context.Context) (Listing, error)
	// Open streams the file behind entry. The caller must close the reader.
	Open(ctx context.Context, entry Entry, kind Kind) (io.ReadCloser, error)
}

type Timeouts struct {
	Listing  time.Duration
	Metadata time.Duration
	Archive  time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Listing:  30 * time.Second,
		Metadata: 120 * time.Second,
		Archive:  300 * time.Second,
	}
}

func (t Timeouts) For(kind Kind) time.Duration {
	switch kind {
	case KindMetadata:
		return t.Metadata
	case KindArchive:
		return t.Archive
	default:
		return t.Listing
	}
}

type SourceConfig struct {
	BaseURL       string
	Timeouts      Timeouts
	Retries       int
	RetryInterval time.Duration
	UserAgent     string
	Logger        *slog.Logger
}

func (c *SourceConfig) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	def := DefaultTimeouts()
	if c.Timeouts.Listing <= 0 {
		c.Timeouts.Listing = def.Listing
	}
	if c.Timeouts.Metadata <= 0 {
		c.Timeouts.Metadata = def.Metadata
	}
	if c.Timeouts.Archive <= 0 {
		c.Timeouts.Archive = def.Archive
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 1500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// NewSource returns an HTTP or FTP source depending on the base URL scheme.
func NewSource(cfg SourceConfig) (Source, error) {
	cfg.setDefaults()
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPSource(cfg)
	case "ftp":
		return NewFTPSource(cfg)
	}
	return nil, fmt.Errorf("unsupported base url scheme %q", u.Scheme)
}

// StatusError is a non-retryable (or retry-exhausted) HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("GET %s: status %d: %s", e.URL, e.StatusCode, e.Body)
}

// cancelReadCloser releases a request context once the body is closed.
type cancelReadCloser struct {
	io.ReadCloser
	cancel func()
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
