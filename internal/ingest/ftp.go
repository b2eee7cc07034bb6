package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/textproto"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"

	"github.com/lox/dailyclimate/internal/metrics"
)

const defaultFTPPort = "21"

// FTPSource reads the same directory tree from an FTP mirror.
type FTPSource struct {
	addr          string
	dir           string
	user          string
	password      string
	timeouts      Timeouts
	retries       uint64
	retryInterval time.Duration
	logger        *slog.Logger
}

func NewFTPSource(cfg SourceConfig) (*FTPSource, error) {
	cfg.setDefaults()
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "ftp" {
		return nil, fmt.Errorf("ftp source needs an ftp:// url, got %q", cfg.BaseURL)
	}

	addr := u.Host
	if u.Port() == "" {
		addr = u.Hostname() + ":" + defaultFTPPort
	}
	user, password := "anonymous", "anonymous"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			password = p
		}
	}

	return &FTPSource{
		addr:          addr,
		dir:           strings.TrimSuffix(u.Path, "/") + "/",
		user:          user,
		password:      password,
		timeouts:      cfg.Timeouts,
		retries:       uint64(cfg.Retries),
		retryInterval: cfg.RetryInterval,
		logger:        cfg.Logger.With("component", "fetch"),
	}, nil
}

func (f *FTPSource) Name() string { return "ftp" }

func (f *FTPSource) connect(ctx context.Context, timeout time.Duration) (*ftp.ServerConn, error) {
	conn, err := ftp.Dial(f.addr, ftp.DialWithTimeout(timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("ftp dial: %w", err)
	}
	if err := conn.Login(f.user, f.password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftp login: %w", err)
	}
	return conn, nil
}

// retry runs op with the source's retry policy. FTP 5xx replies (file not
// found, permission denied) are permanent.
func (f *FTPSource) retry(ctx context.Context, kind Kind, target string, op func() error) error {
	operation := func() error {
		err := op()
		if err == nil {
			metrics.FetchRequestsTotal.WithLabelValues(string(kind), "ok").Inc()
			return nil
		}
		metrics.FetchRequestsTotal.WithLabelValues(string(kind), "error").Inc()
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) && tpErr.Code >= 500 {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.retryInterval
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(bo, f.retries), ctx)
	return backoff.RetryNotify(operation, b, func(err error, wait time.Duration) {
		f.logger.Warn("ftp request failed, retrying", "target", target, "kind", kind, "wait", wait, "error", err)
	})
}

func (f *FTPSource) Listing(ctx context.Context) (Listing, error) {
	listing := make(Listing)
	err := f.retry(ctx, KindListing, f.dir, func() error {
		start := time.Now()
		defer func() {
			metrics.FetchLatency.WithLabelValues(string(KindListing)).Observe(time.Since(start).Seconds())
		}()

		conn, err := f.connect(ctx, f.timeouts.Listing)
		if err != nil {
			return err
		}
		defer conn.Quit()

		entries, err := conn.List(f.dir)
		if err != nil {
			return fmt.Errorf("ftp list %s: %w", f.dir, err)
		}
		for _, e := range entries {
			if e.Type != ftp.EntryTypeFile {
				continue
			}
			lower := strings.ToLower(e.Name)
			if !strings.HasSuffix(lower, ".zip") && !strings.HasSuffix(lower, ".txt") {
				continue
			}
			u := url.URL{Scheme: "ftp", Host: f.addr, Path: path.Join(f.dir, e.Name)}
			listing[e.Name] = Entry{Name: e.Name, URL: u.String(), LastModified: e.Time.UTC()}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch listing: %w", err)
	}
	return listing, nil
}

func (f *FTPSource) Open(ctx context.Context, entry Entry, kind Kind) (io.ReadCloser, error) {
	u, err := url.Parse(entry.URL)
	if err != nil {
		return nil, fmt.Errorf("parse entry url: %w", err)
	}
	timeout := f.timeouts.For(kind)

	var body io.ReadCloser
	err = f.retry(ctx, kind, u.Path, func() error {
		conn, err := f.connect(ctx, timeout)
		if err != nil {
			return err
		}
		resp, err := conn.Retr(u.Path)
		if err != nil {
			conn.Quit()
			return fmt.Errorf("ftp retr %s: %w", u.Path, err)
		}
		if err := resp.SetDeadline(time.Now().Add(timeout)); err != nil {
			resp.Close()
			conn.Quit()
			return err
		}
		body = &ftpBody{Response: resp, conn: conn}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", entry.Name, err)
	}
	return body, nil
}

// ftpBody closes the control connection together with the data stream.
type ftpBody struct {
	*ftp.Response
	conn *ftp.ServerConn
}

func (b *ftpBody) Close() error {
	err := b.Response.Close()
	if qerr := b.conn.Quit(); err == nil {
		err = qerr
	}
	return err
}
