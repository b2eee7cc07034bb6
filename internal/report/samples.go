package report

import (
	"context"
	"errors"
	"math"

	"github.com/lox/dailyclimate/internal/geo"
)

// DefaultSampleLimit caps the number of temperature samples returned.
const DefaultSampleLimit = 500

// Sample is one station's mean temperature on one day.
type Sample struct {
	Date        string  `json:"date"`
	StationID   int64   `json:"station_id"`
	StationName string  `json:"station_name"`
	State       string  `json:"state"`
	Temperature float64 `json:"temperature"`
	DistanceKm  float64 `json:"distance_km"`
}

func (g *Generator) candidates(ctx context.Context, p Params) ([]geo.Candidate, []int64, error) {
	candidates, err := g.selector.WithinRadius(ctx, p.Lat, p.Lon, p.Radius, geo.DefaultLimit)
	if errors.Is(err, geo.ErrNoStations) {
		return nil, nil, newError(CodeNoStations, err)
	}
	if err != nil {
		return nil, nil, err
	}
	if len(candidates) == 0 {
		return nil, nil, newError(CodeNoStations, nil)
	}
	ids := make([]int64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.StationID
	}
	return candidates, ids, nil
}

// Samples returns up to limit daily mean temperatures of the stations
// around p, newest first.
func (g *Generator) Samples(ctx context.Context, p Params, limit int) ([]Sample, error) {
	if limit <= 0 {
		limit = DefaultSampleLimit
	}
	start, end, err := validateRange(p.StartDate, p.EndDate)
	if err != nil {
		return nil, err
	}
	candidates, ids, err := g.candidates(ctx, p)
	if err != nil {
		return nil, err
	}

	rows, err := g.store.TemperatureSamples(ctx, ids, start, end, limit)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]geo.Candidate, len(candidates))
	for _, c := range candidates {
		byID[c.StationID] = c
	}

	samples := make([]Sample, 0, len(rows))
	for _, row := range rows {
		c := byID[row.StationID]
		name := row.StationName
		if name == "" {
			name = c.Name
		}
		samples = append(samples, Sample{
			Date:        row.Date,
			StationID:   row.StationID,
			StationName: name,
			State:       c.State,
			Temperature: math.Round(row.TempMean*100) / 100,
			DistanceKm:  c.DistanceKm,
		})
	}
	return samples, nil
}

// AverageTemperature returns the mean daily temperature over the stations
// around p, or nil when none was recorded.
func (g *Generator) AverageTemperature(ctx context.Context, p Params) (*float64, error) {
	start, end, err := validateRange(p.StartDate, p.EndDate)
	if err != nil {
		return nil, err
	}
	_, ids, err := g.candidates(ctx, p)
	if err != nil {
		return nil, err
	}
	avg, err := g.store.AverageTemperature(ctx, ids, start, end)
	if err != nil {
		return nil, err
	}
	return round2(avg), nil
}
