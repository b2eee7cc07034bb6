package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/lox/dailyclimate/internal/metrics"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	// DefaultChunkSize bounds the rows written per statement.
	DefaultChunkSize = 500

	DefaultLockRetries = 5
	DefaultLockDelay   = time.Second

	// maxVariables is SQLite's default bound on parameters per statement.
	maxVariables      = 32766
	busyTimeoutMillis = 60000
	timeLayout        = time.RFC3339
)

type Store struct {
	db          *sql.DB
	clock       clockwork.Clock
	logger      *slog.Logger
	chunkSize   int
	lockRetries int
	lockDelay   time.Duration
}

type Option func(*Store)

func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithLockRetry sets how many times a batch write is retried while the
// database reports lock contention, and the base delay between retries.
// The n-th retry waits n*delay. Zero disables retrying.
func WithLockRetry(retries int, delay time.Duration) Option {
	return func(s *Store) {
		if retries >= 0 {
			s.lockRetries = retries
		}
		if delay >= 0 {
			s.lockDelay = delay
		}
	}
}

// MaxChunkSize is the largest batch whose daily upsert stays within
// SQLite's parameter limit.
var MaxChunkSize = maxVariables / len(dailyColumns)

// WithChunkSize sets the rows written per statement, capped at MaxChunkSize.
func WithChunkSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.chunkSize = min(n, MaxChunkSize)
		}
	}
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
		clock:       clockwork.NewRealClock(),
		logger:      slog.Default(),
		chunkSize:   DefaultChunkSize,
		lockRetries: DefaultLockRetries,
		lockDelay:   DefaultLockDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "store")
	return s
}

// Open opens the SQLite database at path with WAL journaling, a long busy
// timeout and immediate write transactions. An in-memory database is held
// on a single connection, since each connection would get its own.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate", path, busyTimeoutMillis)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) now() string {
	return s.clock.Now().UTC().Format(timeLayout)
}

// IsLockError reports whether err is SQLite lock contention (SQLITE_BUSY or
// SQLITE_LOCKED, including extended codes).
func IsLockError(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}

// linearBackOff waits attempt*base before each retry.
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.base
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

// withLockRetry runs op, retrying only on lock contention. Any other error
// is returned immediately.
func (s *Store) withLockRetry(ctx context.Context, table string, op func() error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !IsLockError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(&linearBackOff{base: s.lockDelay}, uint64(s.lockRetries)), ctx)
	notify := func(err error, wait time.Duration) {
		metrics.LockRetries.WithLabelValues(table).Inc()
		s.logger.Warn("database locked, retrying write", "table", table, "attempt", attempt, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(operation, b, notify)
	if err != nil && IsLockError(err) {
		return fmt.Errorf("write %s: still locked after %d attempts: %w", table, attempt, err)
	}
	return err
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func chunks[T any](items []T, size int) [][]T {
	var out [][]T
	for size < len(items) {
		items, out = items[size:], append(out, items[:size])
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
