package store

import (
	"context"
	"database/sql"
	"time"
)

// IngestRun audits the import of a single publisher file.
type IngestRun struct {
	ID                int64     `json:"id"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at,omitzero"`
	Kind              string    `json:"kind"`   // "stations", "daily"
	Source            string    `json:"source"` // "http", "ftp"
	Filename          string    `json:"filename"`
	ResponseSizeBytes int64     `json:"response_size_bytes"`
	RecordsParsed     int64     `json:"records_parsed"`
	RecordsStored     int64     `json:"records_stored"`
	RecordsSkipped    int64     `json:"records_skipped"`
	Success           bool      `json:"success"`
	ErrorMessage      string    `json:"error,omitempty"`
}

// StartIngestRun creates a new ingest run record and returns it.
func (s *Store) StartIngestRun(ctx context.Context, kind, source, filename string) (*IngestRun, error) {
	run := &IngestRun{
		StartedAt: s.clock.Now().UTC(),
		Kind:      kind,
		Source:    source,
		Filename:  filename,
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_runs (started_at, kind, source, filename, success)
		VALUES (?, ?, ?, ?, FALSE)
	`, run.StartedAt.Format(timeLayout), run.Kind, run.Source, run.Filename)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return run, nil
}

// CompleteIngestRun updates the ingest run with results.
func (s *Store) CompleteIngestRun(ctx context.Context, run *IngestRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = s.clock.Now().UTC()

	var errMsg sql.NullString
	if run.ErrorMessage != "" {
		errMsg = sql.NullString{String: run.ErrorMessage, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE ingest_runs SET
			finished_at = ?,
			response_size_bytes = ?,
			records_parsed = ?,
			records_stored = ?,
			records_skipped = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt.Format(timeLayout), run.ResponseSizeBytes, run.RecordsParsed,
		run.RecordsStored, run.RecordsSkipped, run.Success, errMsg, run.ID)
	return err
}

// IngestSummary aggregates ingest runs per day and kind.
type IngestSummary struct {
	Date         string `json:"date"`
	Kind         string `json:"kind"`
	TotalRuns    int    `json:"total_runs"`
	SuccessRuns  int    `json:"success_runs"`
	FailedRuns   int    `json:"failed_runs"`
	TotalRecords int64  `json:"total_records"`
	TotalSkipped int64  `json:"total_skipped"`
}

// GetIngestSummary returns ingest summaries for runs started in the last
// days days.
func (s *Store) GetIngestSummary(ctx context.Context, days int) ([]IngestSummary, error) {
	since := s.clock.Now().UTC().AddDate(0, 0, -days).Format(timeLayout)
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			SUBSTR(started_at, 1, 10) AS date,
			kind,
			COUNT(*) AS total_runs,
			SUM(CASE WHEN success THEN 1 ELSE 0 END) AS success_runs,
			SUM(CASE WHEN NOT success THEN 1 ELSE 0 END) AS failed_runs,
			COALESCE(SUM(records_stored), 0) AS total_records,
			COALESCE(SUM(records_skipped), 0) AS total_skipped
		FROM ingest_runs
		WHERE started_at >= ?
		GROUP BY date, kind
		ORDER BY date DESC, kind
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestSummary
	for rows.Next() {
		var h IngestSummary
		if err := rows.Scan(&h.Date, &h.Kind, &h.TotalRuns, &h.SuccessRuns, &h.FailedRuns,
			&h.TotalRecords, &h.TotalSkipped); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

// GetRecentIngestRuns returns the most recent runs, newest first. With
// failedOnly, only unsuccessful runs are returned.
func (s *Store) GetRecentIngestRuns(ctx context.Context, limit int, failedOnly bool) ([]IngestRun, error) {
	query := `
		SELECT id, started_at, finished_at, kind, source, filename,
			   response_size_bytes, records_parsed, records_stored, records_skipped,
			   success, error_message
		FROM ingest_runs`
	if failedOnly {
		query += ` WHERE success = FALSE`
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestRun
	for rows.Next() {
		var (
			r                     IngestRun
			startedAt, finishedAt sql.NullString
			size, parsed, stored  sql.NullInt64
			skipped               sql.NullInt64
			errMsg                sql.NullString
		)
		if err := rows.Scan(&r.ID, &startedAt, &finishedAt, &r.Kind, &r.Source, &r.Filename,
			&size, &parsed, &stored, &skipped, &r.Success, &errMsg); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(startedAt)
		r.FinishedAt = parseTime(finishedAt)
		r.ResponseSizeBytes = size.Int64
		r.RecordsParsed = parsed.Int64
		r.RecordsStored = stored.Int64
		r.RecordsSkipped = skipped.Int64
		r.ErrorMessage = errMsg.String
		results = append(results, r)
	}
	return results, rows.Err()
}
