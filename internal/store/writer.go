package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lox/dailyclimate/internal/metrics"
	"github.com/lox/dailyclimate/internal/models"
)

// UpsertResult counts rows written by a batch upsert.
//
// Updated is the number of batch keys that already existed before the write
// and Inserted is the rest. A row re-written with identical values still
// counts as updated; treat the split as a reporting figure only.
type UpsertResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

func (r *UpsertResult) add(o UpsertResult) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
}

var stationColumns = []string{
	"station_id", "station_name", "state", "latitude", "longitude", "height", "from_date", "to_date", "updated_at",
}

var dailyColumns = []string{
	"station_id", "date", "qn_3", "fx", "fm", "qn_4", "rsk", "rskf", "sdk", "shk_tag", "nm", "vpm", "pm",
	"tmk", "upm", "txk", "tnk", "tgk", "eor", "source_filename", "updated_at",
}

// UpsertStations writes stations, updating every non-key column of rows that
// already exist. Duplicate ids within the batch collapse to the last one.
func (s *Store) UpsertStations(ctx context.Context, stations []models.Station) (UpsertResult, error) {
	var total UpsertResult
	for _, batch := range chunks(dedupeStations(stations), s.chunkSize) {
		var res UpsertResult
		err := s.withLockRetry(ctx, "stations", func() error {
			var err error
			res, err = s.upsertStationBatch(ctx, batch)
			return err
		})
		if err != nil {
			return total, fmt.Errorf("upsert stations: %w", err)
		}
		total.add(res)
	}
	metrics.RowsUpserted.WithLabelValues("stations", "inserted").Add(float64(total.Inserted))
	metrics.RowsUpserted.WithLabelValues("stations", "updated").Add(float64(total.Updated))
	return total, nil
}

func (s *Store) upsertStationBatch(ctx context.Context, batch []models.Station) (UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, err
	}
	defer tx.Rollback()

	ids := make([]any, len(batch))
	for i, st := range batch {
		ids[i] = st.StationID
	}
	var existing int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM stations WHERE station_id IN ("+placeholders(len(ids))+")", ids...,
	).Scan(&existing); err != nil {
		return UpsertResult{}, fmt.Errorf("count existing: %w", err)
	}

	now := s.now()
	args := make([]any, 0, len(batch)*len(stationColumns))
	for _, st := range batch {
		args = append(args, st.StationID, st.Name, st.State, st.Latitude, st.Longitude, st.Height,
			st.FromDate, st.ToDate, now)
	}
	if _, err := tx.ExecContext(ctx, upsertSQL("stations", stationColumns, 1, len(batch)), args...); err != nil {
		return UpsertResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, err
	}
	return UpsertResult{Inserted: len(batch) - existing, Updated: existing}, nil
}

// UpsertDaily writes daily observations keyed by (station_id, date).
// Measurement columns and provenance are replaced wholesale on conflict.
func (s *Store) UpsertDaily(ctx context.Context, obs []models.DailyObservation) (UpsertResult, error) {
	var total UpsertResult
	for _, batch := range chunks(dedupeDaily(obs), s.chunkSize) {
		var res UpsertResult
		err := s.withLockRetry(ctx, "daily_kl", func() error {
			var err error
			res, err = s.upsertDailyBatch(ctx, batch)
			return err
		})
		if err != nil {
			return total, fmt.Errorf("upsert daily: %w", err)
		}
		total.add(res)
	}
	metrics.RowsUpserted.WithLabelValues("daily_kl", "inserted").Add(float64(total.Inserted))
	metrics.RowsUpserted.WithLabelValues("daily_kl", "updated").Add(float64(total.Updated))
	return total, nil
}

func (s *Store) upsertDailyBatch(ctx context.Context, batch []models.DailyObservation) (UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, err
	}
	defer tx.Rollback()

	keys := make([]any, 0, len(batch)*2)
	tuples := make([]string, len(batch))
	for i, o := range batch {
		keys = append(keys, o.StationID, o.Date)
		tuples[i] = "(?, ?)"
	}
	var existing int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM daily_kl WHERE (station_id, date) IN (VALUES "+strings.Join(tuples, ", ")+")", keys...,
	).Scan(&existing); err != nil {
		return UpsertResult{}, fmt.Errorf("count existing: %w", err)
	}

	now := s.now()
	args := make([]any, 0, len(batch)*len(dailyColumns))
	for _, o := range batch {
		args = append(args, o.StationID, o.Date, o.QN3, o.FX, o.FM, o.QN4, o.RSK, o.RSKF, o.SDK, o.SHKTag,
			o.NM, o.VPM, o.PM, o.TMK, o.UPM, o.TXK, o.TNK, o.TGK, o.EOR, o.SourceFile, now)
	}
	if _, err := tx.ExecContext(ctx, upsertSQL("daily_kl", dailyColumns, 2, len(batch)), args...); err != nil {
		return UpsertResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, err
	}
	return UpsertResult{Inserted: len(batch) - existing, Updated: existing}, nil
}

// upsertSQL builds a multi-row INSERT whose first keyCols columns form the
// conflict target; all other columns take the incoming values.
func upsertSQL(table string, cols []string, keyCols, rows int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(cols, ", "))
	row := "(" + placeholders(len(cols)) + ")"
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(row)
	}
	fmt.Fprintf(&b, " ON CONFLICT(%s) DO UPDATE SET ", strings.Join(cols[:keyCols], ", "))
	for i, c := range cols[keyCols:] {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = excluded.%s", c, c)
	}
	return b.String()
}

func dedupeStations(in []models.Station) []models.Station {
	index := make(map[int64]int, len(in))
	out := make([]models.Station, 0, len(in))
	for _, st := range in {
		if i, ok := index[st.StationID]; ok {
			out[i] = st
			continue
		}
		index[st.StationID] = len(out)
		out = append(out, st)
	}
	return out
}

func dedupeDaily(in []models.DailyObservation) []models.DailyObservation {
	index := make(map[models.ObservationKey]int, len(in))
	out := make([]models.DailyObservation, 0, len(in))
	for _, o := range in {
		if i, ok := index[o.Key()]; ok {
			out[i] = o
			continue
		}
		index[o.Key()] = len(out)
		out = append(out, o)
	}
	return out
}

// GetStation returns the station with id, or nil if it does not exist.
func (s *Store) GetStation(ctx context.Context, id int64) (*models.Station, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+stationSelect+" FROM stations WHERE station_id = ?", id)
	st, err := scanStation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetDaily returns the observation for (station, date), or nil.
func (s *Store) GetDaily(ctx context.Context, stationID int64, date string) (*models.DailyObservation, error) {
	var (
		o         models.DailyObservation
		source    sql.NullString
		updatedAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, "SELECT "+strings.Join(dailyColumns, ", ")+
		" FROM daily_kl WHERE station_id = ? AND date = ?", stationID, date).Scan(
		&o.StationID, &o.Date, &o.QN3, &o.FX, &o.FM, &o.QN4, &o.RSK, &o.RSKF, &o.SDK, &o.SHKTag,
		&o.NM, &o.VPM, &o.PM, &o.TMK, &o.UPM, &o.TXK, &o.TNK, &o.TGK, &o.EOR, &source, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	o.SourceFile = source.String
	o.UpdatedAt = parseTime(updatedAt)
	return &o, nil
}

// CountDaily returns the number of stored daily rows.
func (s *Store) CountDaily(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM daily_kl").Scan(&n)
	return n, err
}

// CountStations returns the number of stored stations.
func (s *Store) CountStations(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM stations").Scan(&n)
	return n, err
}
