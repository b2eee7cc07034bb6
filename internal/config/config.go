package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/robfig/cron/v3"

	"github.com/lox/dailyclimate/internal/ingest"
	"github.com/lox/dailyclimate/internal/logging"
	"github.com/lox/dailyclimate/internal/store"
)

// Config holds the options shared by every command. Each option can also
// be set through its environment variable or the --env-file.
type Config struct {
	DB      string `name:"db" env:"DAILYCLIMATE_DB" default:"data/dailyclimate.db" help:"Path to the SQLite database."`
	BaseURL string `name:"base-url" env:"DAILYCLIMATE_BASE_URL" default:"${base_url}" help:"Directory of the KL daily archives (http, https or ftp)."`

	ListingTimeout  time.Duration `name:"listing-timeout" env:"DAILYCLIMATE_LISTING_TIMEOUT" default:"30s" help:"Timeout for the directory listing."`
	MetadataTimeout time.Duration `name:"metadata-timeout" env:"DAILYCLIMATE_METADATA_TIMEOUT" default:"120s" help:"Timeout for the station description file."`
	ArchiveTimeout  time.Duration `name:"archive-timeout" env:"DAILYCLIMATE_ARCHIVE_TIMEOUT" default:"300s" help:"Timeout for a single archive download."`
	HTTPRetries     int           `name:"http-retries" env:"DAILYCLIMATE_HTTP_RETRIES" default:"3" help:"Retries for transient download failures."`

	LockRetries int           `name:"lock-retries" env:"DAILYCLIMATE_LOCK_RETRIES" default:"5" help:"Retries when the database is locked."`
	LockDelay   time.Duration `name:"lock-delay" env:"DAILYCLIMATE_LOCK_DELAY" default:"1s" help:"Base delay between lock retries, multiplied by the attempt."`
	ChunkSize   int           `name:"chunk-size" env:"DAILYCLIMATE_CHUNK_SIZE" default:"500" help:"Rows per upsert batch."`

	LogFormat string `name:"log-format" env:"DAILYCLIMATE_LOG_FORMAT" default:"tint" enum:"tint,text,json" help:"Log output format (tint, text, json)."`
	LogLevel  string `name:"log-level" env:"DAILYCLIMATE_LOG_LEVEL" default:"info" help:"Minimum log level."`
}

// Server holds the options of the serve command.
type Server struct {
	Port           int           `name:"port" env:"DAILYCLIMATE_PORT,PORT" default:"8080" help:"HTTP listen port."`
	ImportSchedule string        `name:"import-schedule" env:"DAILYCLIMATE_IMPORT_SCHEDULE" help:"Cron spec for periodic full refreshes. Empty disables."`
	RedisAddr      string        `name:"redis-addr" env:"DAILYCLIMATE_REDIS_ADDR" help:"Redis address for the report cache. Empty keeps reports in memory."`
	RedisPassword  string        `name:"redis-password" env:"DAILYCLIMATE_REDIS_PASSWORD" help:"Redis password."`
	RedisDB        int           `name:"redis-db" env:"DAILYCLIMATE_REDIS_DB" default:"0" help:"Redis database number."`
	CacheTTL       time.Duration `name:"cache-ttl" env:"DAILYCLIMATE_CACHE_TTL" default:"1h" help:"Lifetime of cached reports."`
}

// Vars are the interpolation variables the kong tags refer to.
func Vars() kong.Vars {
	return kong.Vars{"base_url": ingest.DefaultBaseURL}
}

// Validate is called by kong after parsing.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DB) == "" {
		errs = append(errs, errors.New("--db must not be empty"))
	}
	if c.ChunkSize <= 0 || c.ChunkSize > store.MaxChunkSize {
		errs = append(errs, fmt.Errorf("--chunk-size must be between 1 and %d, got %d", store.MaxChunkSize, c.ChunkSize))
	}
	if c.HTTPRetries < 0 {
		errs = append(errs, fmt.Errorf("--http-retries must not be negative, got %d", c.HTTPRetries))
	}
	if c.LockRetries < 0 {
		errs = append(errs, fmt.Errorf("--lock-retries must not be negative, got %d", c.LockRetries))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("--port out of range: %d", s.Port)
	}
	if s.ImportSchedule != "" {
		if _, err := cron.ParseStandard(s.ImportSchedule); err != nil {
			return fmt.Errorf("--import-schedule: %w", err)
		}
	}
	return nil
}

// Timeouts returns the per-request timeouts of the source.
func (c *Config) Timeouts() ingest.Timeouts {
	return ingest.Timeouts{
		Listing:  c.ListingTimeout,
		Metadata: c.MetadataTimeout,
		Archive:  c.ArchiveTimeout,
	}
}

func (c *Config) SourceConfig(logger *slog.Logger) ingest.SourceConfig {
	return ingest.SourceConfig{
		BaseURL:  c.BaseURL,
		Timeouts: c.Timeouts(),
		Retries:  c.HTTPRetries,
		Logger:   logger,
	}
}

func (c *Config) StoreOptions(logger *slog.Logger) []store.Option {
	return []store.Option{
		store.WithLogger(logger),
		store.WithLockRetry(c.LockRetries, c.LockDelay),
		store.WithChunkSize(c.ChunkSize),
	}
}

// Logger builds the process logger from the log options.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	return logging.New(w, c.LogFormat, c.LogLevel)
}
