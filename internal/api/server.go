package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/dailyclimate/internal/cache"
	"github.com/lox/dailyclimate/internal/geo"
	"github.com/lox/dailyclimate/internal/jobs"
	"github.com/lox/dailyclimate/internal/metrics"
	"github.com/lox/dailyclimate/internal/models"
	"github.com/lox/dailyclimate/internal/report"
	"github.com/lox/dailyclimate/internal/store"
)

// Error codes returned by the API in addition to the report codes.
const (
	CodeMissingDates       = "missing_dates"
	CodeInvalidCoordinates = "invalid_coordinates"
	CodeInvalidRadius      = "invalid_radius"
	CodeInvalidBody        = "invalid_body"
	CodeNoStationData      = "no_station_data"
	CodeJobNotFound        = "job_not_found"
	CodeInvalidKind        = "invalid_kind"
	CodeStationSyncFailed  = "station_sync_failed"
	CodeInternal           = "internal_error"
)

// StationRefresher runs a synchronous station metadata refresh.
type StationRefresher interface {
	RunStationRefresh(ctx context.Context, progress models.ProgressFunc) (*models.StationImportStats, error)
}

// Deps are the components the server exposes.
type Deps struct {
	Store    *store.Store
	Reports  *report.Generator
	Selector *geo.Selector
	Launcher *jobs.Launcher
	Stations StationRefresher
	Cache    cache.Cache
	Logger   *slog.Logger
}

type Server struct {
	store    *store.Store
	reports  *report.Generator
	selector *geo.Selector
	launcher *jobs.Launcher
	stations StationRefresher
	cache    cache.Cache
	port     int
	logger   *slog.Logger
}

func NewServer(deps Deps, port int) *Server {
	if deps.Cache == nil {
		deps.Cache = cache.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{
		store:    deps.Store,
		reports:  deps.Reports,
		selector: deps.Selector,
		launcher: deps.Launcher,
		stations: deps.Stations,
		cache:    deps.Cache,
		port:     port,
		logger:   deps.Logger.With("component", "api"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/data/coverage", s.handleCoverage)
	mux.HandleFunc("POST /api/reports/aggregate", s.handleReport)
	mux.HandleFunc("POST /api/reports/aggregate.xlsx", s.handleReportXLSX)
	mux.HandleFunc("GET /api/stations/nearest", s.handleNearest)
	mux.HandleFunc("GET /api/stations_in_radius", s.handleStationsInRadius)
	mux.HandleFunc("POST /api/sync_stations", s.handleSyncStations)
	mux.HandleFunc("POST /api/import/start", s.handleImportStart)
	mux.HandleFunc("GET /api/import/{id}", s.handleImportStatus)
	mux.HandleFunc("GET /api/import", s.handleImportList)
	mux.HandleFunc("GET /api/ingest/runs", s.handleIngestRuns)
	mux.HandleFunc("GET /api/ingest/summary", s.handleIngestSummary)
	return instrument(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("listening", "addr", server.Addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// InvalidateOnImport returns a job hook that drops cached reports once an
// import finishes successfully.
func InvalidateOnImport(c cache.Cache, logger *slog.Logger) func(jobs.Snapshot) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(snap jobs.Snapshot) {
		if snap.Status != jobs.StatusCompleted {
			return
		}
		if err := c.Invalidate(context.Background()); err != nil {
			logger.Warn("report cache invalidation failed", "job", snap.JobID, "error", err)
			return
		}
		logger.Debug("report cache invalidated", "job", snap.JobID)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts requests by matched route pattern and status.
func instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code string) {
	s.writeJSON(w, status, map[string]any{"ok": false, "error": code})
}

// writeFailure maps err onto a status and error code.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	if code := report.CodeOf(err); code != "" {
		status := http.StatusBadRequest
		if code == report.CodeNoData || code == report.CodeNoStations {
			status = http.StatusNotFound
		}
		s.writeError(w, status, code)
		return
	}
	s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	s.writeError(w, http.StatusInternalServerError, CodeInternal)
}
