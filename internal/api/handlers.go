package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/lox/dailyclimate/internal/geo"
	"github.com/lox/dailyclimate/internal/jobs"
	"github.com/lox/dailyclimate/internal/report"
)

const (
	defaultRadiusKm    = 10.0
	maxListRadiusKm    = 100.0
	defaultRadiusLimit = 40
	maxRadiusLimit     = 200
	defaultRunsLimit   = 50
	maxRunsLimit       = 500
)

type HealthStatus struct {
	Status   string `json:"status"`
	Stations int    `json:"stations"`
	Daily    int    `json:"daily_rows"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{Status: "ok"}
	var err error
	if health.Stations, err = s.store.CountStations(r.Context()); err == nil {
		health.Daily, err = s.store.CountDaily(r.Context())
	}
	if err != nil {
		health.Status = "error"
		health.Error = err.Error()
		s.writeJSON(w, http.StatusServiceUnavailable, health)
		return
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	coverage, err := s.reports.Coverage(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if coverage == nil {
		s.writeError(w, http.StatusNotFound, report.CodeNoData)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "min_date": coverage.MinDate, "max_date": coverage.MaxDate})
}

// reportRequest accepts numbers either as JSON numbers or numeric strings.
type reportRequest struct {
	Lat         any    `json:"lat"`
	Lon         any    `json:"lon"`
	Radius      any    `json:"radius"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	Granularity string `json:"granularity"`
}

// reportParams decodes the request body. It writes the error response and
// returns false when the body is unusable.
func (s *Server) reportParams(w http.ResponseWriter, r *http.Request) (report.Params, bool) {
	var req reportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidBody)
		return report.Params{}, false
	}
	lat, latErr := toFloat(req.Lat)
	lon, lonErr := toFloat(req.Lon)
	if latErr != nil || lonErr != nil || !validCoordinates(lat, lon) {
		s.writeError(w, http.StatusBadRequest, CodeInvalidCoordinates)
		return report.Params{}, false
	}
	radius, err := toFloat(req.Radius)
	if err != nil || radius <= 0 {
		radius = defaultRadiusKm
	}
	granularity := strings.ToLower(strings.TrimSpace(req.Granularity))
	if granularity == "" {
		granularity = "day"
	}
	start, end := strings.TrimSpace(req.StartDate), strings.TrimSpace(req.EndDate)
	if start == "" || end == "" {
		s.writeError(w, http.StatusBadRequest, CodeMissingDates)
		return report.Params{}, false
	}
	return report.Params{
		Lat:         lat,
		Lon:         lon,
		Radius:      radius,
		StartDate:   start,
		EndDate:     end,
		Granularity: granularity,
	}, true
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	p, ok := s.reportParams(w, r)
	if !ok {
		return
	}
	rep, err := s.reports.Generate(r.Context(), p)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		*report.Report
	}{true, rep})
}

func (s *Server) handleReportXLSX(w http.ResponseWriter, r *http.Request) {
	p, ok := s.reportParams(w, r)
	if !ok {
		return
	}
	rep, err := s.reports.Generate(r.Context(), p)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	samples, err := s.reports.Samples(r.Context(), p, report.DefaultSampleLimit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="climate_%s_%s.xlsx"`, p.StartDate, p.EndDate))
	if err := report.WriteXLSX(w, rep, samples); err != nil {
		s.logger.Error("write xlsx failed", "error", err)
	}
}

func (s *Server) handleNearest(w http.ResponseWriter, r *http.Request) {
	lat, lon, ok := s.coordinates(w, r)
	if !ok {
		return
	}
	station, err := s.selector.Nearest(r.Context(), lat, lon)
	if errors.Is(err, geo.ErrNoStations) {
		s.writeError(w, http.StatusNotFound, CodeNoStationData)
		return
	}
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.logger.Debug("nearest station", "lat", lat, "lon", lon, "station", station.StationID, "distance_km", station.DistanceKm)
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "station": station})
}

func (s *Server) handleStationsInRadius(w http.ResponseWriter, r *http.Request) {
	lat, lon, ok := s.coordinates(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	radius := defaultRadiusKm
	if v := q.Get("radius"); v != "" {
		var err error
		if radius, err = strconv.ParseFloat(v, 64); err != nil {
			s.writeError(w, http.StatusBadRequest, CodeInvalidRadius)
			return
		}
	}
	radius = min(max(radius, geo.MinRadiusKm), maxListRadiusKm)
	limit := defaultRadiusLimit
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		limit = min(max(v, 1), maxRadiusLimit)
	}

	stations, err := s.selector.WithinRadius(r.Context(), lat, lon, radius, limit)
	if err != nil && !errors.Is(err, geo.ErrNoStations) {
		s.writeFailure(w, r, err)
		return
	}
	if stations == nil {
		stations = []geo.Candidate{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"stations": stations})
}

func (s *Server) handleSyncStations(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("station sync requested")
	stats, err := s.stations.RunStationRefresh(r.Context(), nil)
	if err != nil {
		s.logger.Error("station sync failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"ok":     false,
			"error":  CodeStationSyncFailed,
			"detail": err.Error(),
		})
		return
	}
	if err := s.cache.Invalidate(r.Context()); err != nil {
		s.logger.Warn("report cache invalidation failed", "error", err)
	}
	s.logger.Info("station sync finished", "inserted", stats.Inserted, "updated", stats.Updated)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"stations": map[string]any{
			"rows_processed": stats.Inserted + stats.Updated,
			"inserted":       stats.Inserted,
			"updated":        stats.Updated,
			"skipped":        stats.Skipped,
		},
	})
}

func (s *Server) handleImportStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind string `json:"kind"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidBody)
		return
	}
	snap, err := s.launcher.Launch(req.Kind)
	if errors.Is(err, jobs.ErrInvalidKind) {
		s.writeError(w, http.StatusBadRequest, CodeInvalidKind)
		return
	}
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "job_id": snap.JobID})
}

func (s *Server) handleImportStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.launcher.Registry().Get(r.PathValue("id"))
	if errors.Is(err, jobs.ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, CodeJobNotFound)
		return
	}
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleImportList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": s.launcher.Registry().List()})
}

func (s *Server) handleIngestRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		limit = min(max(v, 1), maxRunsLimit)
	}
	failedOnly := r.URL.Query().Get("failed") == "true"
	runs, err := s.store.GetRecentIngestRuns(r.Context(), limit, failedOnly)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleIngestSummary(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v, err := strconv.Atoi(r.URL.Query().Get("days")); err == nil && v > 0 {
		days = v
	}
	summary, err := s.store.GetIngestSummary(r.Context(), days)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"days": days, "summary": summary})
}

// coordinates reads lat and lon from the query string.
func (s *Server) coordinates(w http.ResponseWriter, r *http.Request) (float64, float64, bool) {
	q := r.URL.Query()
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lon, lonErr := strconv.ParseFloat(q.Get("lon"), 64)
	if latErr != nil || lonErr != nil || !validCoordinates(lat, lon) {
		s.writeError(w, http.StatusBadRequest, CodeInvalidCoordinates)
		return 0, 0, false
	}
	return lat, lon, true
}

func validCoordinates(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	case nil:
		return 0, errors.New("missing value")
	}
	return 0, fmt.Errorf("unexpected %T", v)
}
