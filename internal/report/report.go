package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/lox/dailyclimate/internal/cache"
	"github.com/lox/dailyclimate/internal/geo"
	"github.com/lox/dailyclimate/internal/metrics"
	"github.com/lox/dailyclimate/internal/models"
	"github.com/lox/dailyclimate/internal/store"
)

var granularities = map[string]bool{"day": true, "month": true, "year": true}

// Store is the read side of the observation store.
type Store interface {
	Coverage(ctx context.Context) (*models.Coverage, error)
	AggregatePeriods(ctx context.Context, stationIDs []int64, start, end, granularity string) ([]store.PeriodStats, error)
	AggregateStationPeriods(ctx context.Context, stationIDs []int64, start, end, granularity string) ([]store.PeriodStats, error)
	TemperatureSamples(ctx context.Context, stationIDs []int64, start, end string, limit int) ([]store.TemperatureSample, error)
	AverageTemperature(ctx context.Context, stationIDs []int64, start, end string) (sql.NullFloat64, error)
}

// Selector picks the stations around the query point.
type Selector interface {
	WithinRadius(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]geo.Candidate, error)
}

type Params struct {
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Radius      float64 `json:"radius"`
	StartDate   string  `json:"start_date"`
	EndDate     string  `json:"end_date"`
	Granularity string  `json:"granularity"`
}

// Key identifies the parameters for caching.
func (p Params) Key() string {
	return fmt.Sprintf("%.5f|%.5f|%.3f|%s|%s|%s", p.Lat, p.Lon, p.Radius, p.StartDate, p.EndDate, p.Granularity)
}

// Stats are aggregates over a period. Nil values had no measurements.
type Stats struct {
	TempAvg       *float64 `json:"temp_avg"`
	TempMax       *float64 `json:"temp_max"`
	TempMin       *float64 `json:"temp_min"`
	Precipitation *float64 `json:"precipitation"`
	Sunshine      *float64 `json:"sunshine"`
	SampleCount   int      `json:"sample_count"`
	DistinctDays  int      `json:"distinct_days"`
}

func statsOf(p store.PeriodStats) Stats {
	return Stats{
		TempAvg:       round2(p.TempAvg),
		TempMax:       round2(p.TempMax),
		TempMin:       round2(p.TempMin),
		Precipitation: round2(p.Precipitation),
		Sunshine:      round2(p.Sunshine),
		SampleCount:   p.SampleCount,
		DistinctDays:  p.DayCount,
	}
}

// Station is a candidate station of a report.
type Station struct {
	StationID  int64   `json:"station_id"`
	Name       string  `json:"name"`
	State      string  `json:"state"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	DistanceKm float64 `json:"distance_km"`
	HasData    bool    `json:"has_data"`
}

// StationPeriod is one station's contribution to a period.
type StationPeriod struct {
	StationID   int64   `json:"station_id"`
	StationName string  `json:"station_name"`
	State       string  `json:"state"`
	DistanceKm  float64 `json:"distance_km"`
	Stats
}

type Period struct {
	Period string `json:"period"`
	Stats
	Stations []StationPeriod `json:"stations"`
}

type Report struct {
	Params           Params          `json:"params"`
	Coverage         models.Coverage `json:"coverage"`
	Granularity      string          `json:"granularity"`
	Stations         []Station       `json:"stations"`
	Periods          []Period        `json:"periods"`
	StationCount     int             `json:"station_count"`
	UsedStationIDs   []int64         `json:"used_station_ids"`
	UsedStationCount int             `json:"used_station_count"`
}

// Generator builds reports from the store.
type Generator struct {
	store    Store
	selector Selector
	cache    cache.Cache
	logger   *slog.Logger
}

type Option func(*Generator)

// WithCache serves repeated requests from c.
func WithCache(c cache.Cache) Option {
	return func(g *Generator) { g.cache = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

func NewGenerator(st Store, selector Selector, opts ...Option) *Generator {
	g := &Generator{
		store:    st,
		selector: selector,
		cache:    cache.Nop{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "report")
	return g
}

// Coverage returns the stored date span, or nil if there is no data.
func (g *Generator) Coverage(ctx context.Context) (*models.Coverage, error) {
	return g.store.Coverage(ctx)
}

// Generate validates p and aggregates the observations of the stations
// within the radius by period. Validation failures are *Error values and
// are returned before any aggregation runs.
func (g *Generator) Generate(ctx context.Context, p Params) (*Report, error) {
	start := time.Now()
	key := p.Key()

	if data, ok, err := g.cache.Get(ctx, key); err != nil {
		g.logger.Warn("report cache read failed", "error", err)
	} else if ok {
		var r Report
		if err := json.Unmarshal(data, &r); err == nil {
			metrics.ReportCacheTotal.WithLabelValues("hit").Inc()
			return &r, nil
		}
		g.logger.Warn("discarding unreadable cached report", "key", key)
	}
	metrics.ReportCacheTotal.WithLabelValues("miss").Inc()

	r, err := g.generate(ctx, p)
	metrics.ReportDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		outcome := CodeOf(err)
		if outcome == "" {
			outcome = "error"
		}
		metrics.ReportsTotal.WithLabelValues(outcome).Inc()
		return nil, err
	}
	metrics.ReportsTotal.WithLabelValues("ok").Inc()

	if data, err := json.Marshal(r); err == nil {
		if err := g.cache.Set(ctx, key, data); err != nil {
			g.logger.Warn("report cache write failed", "error", err)
		}
	}
	g.logger.Debug("report generated", "periods", len(r.Periods), "stations", r.StationCount,
		"duration", time.Since(start).Round(time.Millisecond))
	return r, nil
}

func (g *Generator) generate(ctx context.Context, p Params) (*Report, error) {
	coverage, err := g.store.Coverage(ctx)
	if err != nil {
		return nil, fmt.Errorf("load coverage: %w", err)
	}
	if coverage == nil {
		return nil, newError(CodeNoData, nil)
	}

	startDate, endDate, err := validateRange(p.StartDate, p.EndDate)
	if err != nil {
		return nil, err
	}
	if startDate < coverage.MinDate || endDate > coverage.MaxDate {
		return nil, newError(CodeOutOfBounds, fmt.Errorf("data covers %s to %s", coverage.MinDate, coverage.MaxDate))
	}
	if !granularities[p.Granularity] {
		return nil, newError(CodeInvalidGranularity, fmt.Errorf("%q", p.Granularity))
	}

	candidates, ids, err := g.candidates(ctx, p)
	if err != nil {
		return nil, err
	}

	rows, err := g.store.AggregatePeriods(ctx, ids, startDate, endDate, p.Granularity)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, newError(CodeNoData, nil)
	}
	perStation, err := g.store.AggregateStationPeriods(ctx, ids, startDate, endDate, p.Granularity)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]geo.Candidate, len(candidates))
	for _, c := range candidates {
		byID[c.StationID] = c
	}
	breakdown := make(map[string][]StationPeriod)
	used := make(map[int64]bool)
	for _, row := range perStation {
		c, ok := byID[row.StationID]
		if !ok {
			continue
		}
		breakdown[row.Period] = append(breakdown[row.Period], StationPeriod{
			StationID:   row.StationID,
			StationName: c.Name,
			State:       c.State,
			DistanceKm:  c.DistanceKm,
			Stats:       statsOf(row),
		})
	}

	periods := make([]Period, 0, len(rows))
	for _, row := range rows {
		stations := breakdown[row.Period]
		sortStationPeriods(stations)
		if stations == nil {
			stations = []StationPeriod{}
		}
		for _, s := range stations {
			used[s.StationID] = true
		}
		periods = append(periods, Period{Period: row.Period, Stats: statsOf(row), Stations: stations})
	}

	report := &Report{
		Params:       p,
		Coverage:     *coverage,
		Granularity:  p.Granularity,
		Periods:      periods,
		StationCount: len(candidates),
	}
	for _, c := range candidates {
		report.Stations = append(report.Stations, Station{
			StationID:  c.StationID,
			Name:       c.Name,
			State:      c.State,
			Latitude:   c.Latitude,
			Longitude:  c.Longitude,
			DistanceKm: c.DistanceKm,
			HasData:    used[c.StationID],
		})
	}
	report.UsedStationIDs = make([]int64, 0, len(used))
	for id := range used {
		report.UsedStationIDs = append(report.UsedStationIDs, id)
	}
	sort.Slice(report.UsedStationIDs, func(i, j int) bool { return report.UsedStationIDs[i] < report.UsedStationIDs[j] })
	report.UsedStationCount = len(report.UsedStationIDs)
	return report, nil
}

// validateRange parses both dates and checks their order. It returns them
// in canonical form.
func validateRange(start, end string) (string, string, error) {
	s, err := time.Parse(models.DateLayout, start)
	if err != nil {
		return "", "", newError(CodeInvalidDates, err)
	}
	e, err := time.Parse(models.DateLayout, end)
	if err != nil {
		return "", "", newError(CodeInvalidDates, err)
	}
	if s.After(e) {
		return "", "", newError(CodeInvalidRange, nil)
	}
	return s.Format(models.DateLayout), e.Format(models.DateLayout), nil
}

func sortStationPeriods(s []StationPeriod) {
	sort.Slice(s, func(i, j int) bool {
		a, b := s[i], s[j]
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		if a.StationName != b.StationName {
			return a.StationName < b.StationName
		}
		return a.StationID < b.StationID
	})
}

func round2(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	r := math.Round(v.Float64*100) / 100
	return &r
}
