package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lox/dailyclimate/internal/models"
)

const stationSelect = "station_id, station_name, state, latitude, longitude, height, from_date, to_date, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStation(r rowScanner) (models.Station, error) {
	var (
		st        models.Station
		updatedAt sql.NullString
	)
	err := r.Scan(&st.StationID, &st.Name, &st.State, &st.Latitude, &st.Longitude, &st.Height,
		&st.FromDate, &st.ToDate, &updatedAt)
	st.UpdatedAt = parseTime(updatedAt)
	return st, err
}

func (s *Store) queryStations(ctx context.Context, query string, args ...any) ([]models.Station, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stations []models.Station
	for rows.Next() {
		st, err := scanStation(rows)
		if err != nil {
			return nil, err
		}
		stations = append(stations, st)
	}
	return stations, rows.Err()
}

// StationsInBox returns geocoded stations inside the latitude/longitude box.
func (s *Store) StationsInBox(ctx context.Context, minLat, maxLat, minLon, maxLon float64) ([]models.Station, error) {
	return s.queryStations(ctx, `
		SELECT `+stationSelect+`
		FROM stations
		WHERE latitude IS NOT NULL AND longitude IS NOT NULL
		  AND latitude BETWEEN ? AND ?
		  AND longitude BETWEEN ? AND ?
	`, minLat, maxLat, minLon, maxLon)
}

// NearestStations returns up to limit geocoded stations ordered by squared
// coordinate distance, a cheap proxy for true distance.
func (s *Store) NearestStations(ctx context.Context, lat, lon float64, limit int) ([]models.Station, error) {
	return s.queryStations(ctx, `
		SELECT `+stationSelect+`
		FROM stations
		WHERE latitude IS NOT NULL AND longitude IS NOT NULL
		ORDER BY (latitude - ?) * (latitude - ?) + (longitude - ?) * (longitude - ?), station_id
		LIMIT ?
	`, lat, lat, lon, lon, limit)
}

// Coverage returns the date span of stored observations, or nil when the
// table is empty.
func (s *Store) Coverage(ctx context.Context) (*models.Coverage, error) {
	var minDate, maxDate sql.NullString
	if err := s.db.QueryRowContext(ctx, "SELECT MIN(date), MAX(date) FROM daily_kl").Scan(&minDate, &maxDate); err != nil {
		return nil, err
	}
	if !minDate.Valid || !maxDate.Valid {
		return nil, nil
	}
	return &models.Coverage{MinDate: minDate.String, MaxDate: maxDate.String}, nil
}

// PeriodStats holds aggregates over daily rows grouped by period.
type PeriodStats struct {
	Period        string
	StationID     int64 // zero for all-station aggregates
	TempAvg       sql.NullFloat64
	TempMax       sql.NullFloat64
	TempMin       sql.NullFloat64
	Precipitation sql.NullFloat64
	Sunshine      sql.NullFloat64
	SampleCount   int
	DayCount      int
}

// PeriodExpr maps a granularity to the SQL expression grouping dates.
func PeriodExpr(granularity string) (string, error) {
	switch granularity {
	case "day":
		return "date", nil
	case "month":
		return "substr(date, 1, 7)", nil
	case "year":
		return "substr(date, 1, 4)", nil
	}
	return "", fmt.Errorf("unsupported granularity %q", granularity)
}

func idArgs(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// AggregatePeriods aggregates observations of the given stations between
// start and end inclusive.
func (s *Store) AggregatePeriods(ctx context.Context, stationIDs []int64, start, end, granularity string) ([]PeriodStats, error) {
	if len(stationIDs) == 0 {
		return nil, nil
	}
	expr, err := PeriodExpr(granularity)
	if err != nil {
		return nil, err
	}
	args := append(idArgs(stationIDs), start, end)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+expr+` AS period,
		       AVG(tmk), MAX(txk), MIN(tnk), SUM(rsk), SUM(sdk),
		       COUNT(*), COUNT(DISTINCT date)
		FROM daily_kl
		WHERE station_id IN (`+placeholders(len(stationIDs))+`)
		  AND date BETWEEN ? AND ?
		GROUP BY period
		HAVING COUNT(*) > 0
		ORDER BY period
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate periods: %w", err)
	}
	defer rows.Close()

	var out []PeriodStats
	for rows.Next() {
		var p PeriodStats
		if err := rows.Scan(&p.Period, &p.TempAvg, &p.TempMax, &p.TempMin, &p.Precipitation, &p.Sunshine,
			&p.SampleCount, &p.DayCount); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AggregateStationPeriods aggregates per station and period. Groups without
// a single reported measurement are left out.
func (s *Store) AggregateStationPeriods(ctx context.Context, stationIDs []int64, start, end, granularity string) ([]PeriodStats, error) {
	if len(stationIDs) == 0 {
		return nil, nil
	}
	expr, err := PeriodExpr(granularity)
	if err != nil {
		return nil, err
	}
	args := append(idArgs(stationIDs), start, end)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+expr+` AS period, station_id,
		       AVG(tmk), MAX(txk), MIN(tnk), SUM(rsk), SUM(sdk),
		       COUNT(*), COUNT(DISTINCT date)
		FROM daily_kl
		WHERE station_id IN (`+placeholders(len(stationIDs))+`)
		  AND date BETWEEN ? AND ?
		GROUP BY period, station_id
		HAVING SUM(tmk IS NOT NULL OR txk IS NOT NULL OR tnk IS NOT NULL OR rsk IS NOT NULL OR sdk IS NOT NULL) > 0
		ORDER BY period, station_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate station periods: %w", err)
	}
	defer rows.Close()

	var out []PeriodStats
	for rows.Next() {
		var p PeriodStats
		if err := rows.Scan(&p.Period, &p.StationID, &p.TempAvg, &p.TempMax, &p.TempMin, &p.Precipitation,
			&p.Sunshine, &p.SampleCount, &p.DayCount); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type TemperatureSample struct {
	Date        string  `json:"date"`
	StationID   int64   `json:"station_id"`
	StationName string  `json:"station_name"`
	TempMean    float64 `json:"tmk"`
}

// TemperatureSamples returns the newest daily mean temperatures of the given
// stations within the range.
func (s *Store) TemperatureSamples(ctx context.Context, stationIDs []int64, start, end string, limit int) ([]TemperatureSample, error) {
	if len(stationIDs) == 0 {
		return nil, nil
	}
	args := append(idArgs(stationIDs), start, end, limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.date, d.station_id, COALESCE(s.station_name, ''), d.tmk
		FROM daily_kl d
		JOIN stations s ON s.station_id = d.station_id
		WHERE d.station_id IN (`+placeholders(len(stationIDs))+`)
		  AND d.date BETWEEN ? AND ?
		  AND d.tmk IS NOT NULL
		ORDER BY d.date DESC, d.station_id
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("temperature samples: %w", err)
	}
	defer rows.Close()

	var out []TemperatureSample
	for rows.Next() {
		var t TemperatureSample
		if err := rows.Scan(&t.Date, &t.StationID, &t.StationName, &t.TempMean); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AverageTemperature returns the mean of tmk across the stations and range.
func (s *Store) AverageTemperature(ctx context.Context, stationIDs []int64, start, end string) (sql.NullFloat64, error) {
	var avg sql.NullFloat64
	if len(stationIDs) == 0 {
		return avg, nil
	}
	args := append(idArgs(stationIDs), start, end)
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(tmk) FROM daily_kl
		WHERE station_id IN (`+placeholders(len(stationIDs))+`)
		  AND date BETWEEN ? AND ?
	`, args...).Scan(&avg)
	return avg, err
}
