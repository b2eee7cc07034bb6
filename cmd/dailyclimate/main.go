package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"

	"github.com/lox/dailyclimate/internal/config"
	"github.com/lox/dailyclimate/internal/geo"
	"github.com/lox/dailyclimate/internal/ingest"
	"github.com/lox/dailyclimate/internal/report"
	"github.com/lox/dailyclimate/internal/store"
)

type CLI struct {
	EnvFile kongdotenv.ENVFileConfig `kong:"optional,name=env-file,default='.env',help='Path to .env file.'"`

	config.Config `embed:""`

	Serve    ServeCmd    `cmd:"" help:"Serve the HTTP API and run scheduled imports."`
	Import   ImportCmd   `cmd:"" help:"Import stations or the full daily history."`
	Report   ReportCmd   `cmd:"" help:"Aggregate observations around a point."`
	Coverage CoverageCmd `cmd:"" help:"Print the stored date range."`
	Stations StationsCmd `cmd:"" help:"Look up stations."`
	Runs     RunsCmd     `cmd:"" help:"List recent ingest runs."`
}

// App carries what every command needs.
type App struct {
	ctx    context.Context
	cfg    *config.Config
	logger *slog.Logger
	stdout io.Writer
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("dailyclimate"),
		kong.Description("Daily climate observations from the DWD open data KL archive."),
		kong.UsageOnError(),
		config.Vars(),
	)

	logger, err := cli.Config.Logger(os.Stderr)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := &App{ctx: ctx, cfg: &cli.Config, logger: logger, stdout: os.Stdout}
	if err := kctx.Run(app); err != nil {
		logger.Error("command failed", "command", kctx.Command(), "error", err)
		cancel()
		os.Exit(1)
	}
}

// openStore opens the database and brings the schema up to date.
func (a *App) openStore() (*store.Store, func(), error) {
	if a.cfg.DB != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(a.cfg.DB), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := store.Open(a.cfg.DB)
	if err != nil {
		return nil, nil, err
	}
	st := store.New(db, a.cfg.StoreOptions(a.logger)...)
	if err := st.EnsureSchema(a.ctx, false); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return st, func() { db.Close() }, nil
}

func (a *App) importer(st *store.Store) (*ingest.Importer, error) {
	source, err := ingest.NewSource(a.cfg.SourceConfig(a.logger))
	if err != nil {
		return nil, err
	}
	return ingest.NewImporter(source, st, a.cfg.ChunkSize, a.logger), nil
}

func (a *App) generator(st *store.Store, opts ...report.Option) (*geo.Selector, *report.Generator) {
	selector := geo.NewSelector(st, a.logger)
	opts = append([]report.Option{report.WithLogger(a.logger)}, opts...)
	return selector, report.NewGenerator(st, selector, opts...)
}
