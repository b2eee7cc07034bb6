package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DatasetFile is a publisher file as last seen in a listing.
type DatasetFile struct {
	Filename     string
	LastModified time.Time // zero when the listing carried no timestamp
}

// DatasetFiles returns the last-modified time recorded for every known file.
func (s *Store) DatasetFiles(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT filename, last_modified FROM dataset_files")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			name string
			mod  sql.NullString
		)
		if err := rows.Scan(&name, &mod); err != nil {
			return nil, err
		}
		out[name] = parseTime(mod)
	}
	return out, rows.Err()
}

// RecordDatasetFiles upserts the listing, stamping every file as checked now.
func (s *Store) RecordDatasetFiles(ctx context.Context, files []DatasetFile) error {
	now := s.now()
	for _, batch := range chunks(files, s.chunkSize) {
		err := s.withLockRetry(ctx, "dataset_files", func() error {
			args := make([]any, 0, len(batch)*3)
			for _, f := range batch {
				var mod sql.NullString
				if !f.LastModified.IsZero() {
					mod = sql.NullString{String: f.LastModified.UTC().Format(timeLayout), Valid: true}
				}
				args = append(args, f.Filename, mod, now)
			}
			_, err := s.db.ExecContext(ctx,
				upsertSQL("dataset_files", []string{"filename", "last_modified", "last_checked"}, 1, len(batch)), args...)
			return err
		})
		if err != nil {
			return fmt.Errorf("record dataset files: %w", err)
		}
	}
	return nil
}
