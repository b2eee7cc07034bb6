package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
)

// StoreRawPayload archives a gzip-compressed copy of a fetched file.
// Returns the payload ID, or 0 if the payload was a duplicate (same hash).
func (s *Store) StoreRawPayload(ctx context.Context, runID int64, source, filename string, payload []byte) (int64, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return 0, fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("close gzip: %w", err)
	}

	hash := sha256.Sum256(payload)

	var ingestRunID sql.NullInt64
	if runID > 0 {
		ingestRunID = sql.NullInt64{Int64: runID, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_payloads (ingest_run_id, fetched_at, source, filename, payload_compressed, payload_hash)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(payload_hash) DO NOTHING
	`, ingestRunID, s.now(), source, filename, buf.Bytes(), hex.EncodeToString(hash[:]))
	if err != nil {
		return 0, fmt.Errorf("insert raw payload: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil || n == 0 {
		return 0, err
	}
	return result.LastInsertId()
}

// GetRawPayload retrieves and decompresses a stored payload by ID.
func (s *Store) GetRawPayload(ctx context.Context, id int64) ([]byte, error) {
	var compressed []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload_compressed FROM raw_payloads WHERE id = ?", id).Scan(&compressed)
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	return io.ReadAll(gz)
}
