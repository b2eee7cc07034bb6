package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Stations and daily KL observations",
		SQL: `
CREATE TABLE IF NOT EXISTS stations (
    station_id INTEGER PRIMARY KEY,
    station_name TEXT,
    state TEXT,
    latitude REAL,
    longitude REAL,
    height REAL,
    from_date TEXT,
    to_date TEXT,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_kl (
    station_id INTEGER NOT NULL,
    date TEXT NOT NULL,
    qn_3 INTEGER,
    fx REAL,
    fm REAL,
    qn_4 INTEGER,
    rsk REAL,
    rskf REAL,
    sdk REAL,
    shk_tag REAL,
    nm REAL,
    vpm REAL,
    pm REAL,
    tmk REAL,
    upm REAL,
    txk REAL,
    tnk REAL,
    tgk REAL,
    eor TEXT,
    source_filename TEXT,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (station_id, date)
);

CREATE INDEX IF NOT EXISTS idx_daily_kl_station_date ON daily_kl(station_id, date);
CREATE INDEX IF NOT EXISTS idx_stations_lat_lon ON stations(latitude, longitude);
`,
	},
	{
		Version:     2,
		Description: "Ingest run audit",
		SQL: `
CREATE TABLE IF NOT EXISTS ingest_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    kind TEXT NOT NULL,
    source TEXT NOT NULL,
    filename TEXT NOT NULL,
    response_size_bytes INTEGER,
    records_parsed INTEGER,
    records_stored INTEGER,
    records_skipped INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at);
`,
	},
	{
		Version:     3,
		Description: "Raw station description payloads",
		SQL: `
CREATE TABLE IF NOT EXISTS raw_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ingest_run_id INTEGER,
    fetched_at TEXT NOT NULL,
    source TEXT NOT NULL,
    filename TEXT NOT NULL,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE
);
`,
	},
	{
		Version:     4,
		Description: "Dataset file tracking and date index",
		SQL: `
CREATE TABLE IF NOT EXISTS dataset_files (
    filename TEXT PRIMARY KEY,
    last_modified TEXT,
    last_checked TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_daily_kl_date ON daily_kl(date);
`,
	},
}

// resetTables are dropped, in order, by EnsureSchema with reset.
var resetTables = []string{"daily_kl", "stations", "dataset_files", "raw_payloads", "ingest_runs", "schema_migrations"}

type column struct {
	name string
	ddl  string
}

// Columns added after the first release. Databases created by older builds
// get them on startup.
var requiredColumns = map[string][]column{
	"stations": {
		{"station_name", "TEXT"},
		{"state", "TEXT"},
		{"latitude", "REAL"},
		{"longitude", "REAL"},
		{"height", "REAL"},
		{"from_date", "TEXT"},
		{"to_date", "TEXT"},
		{"updated_at", "TEXT"},
	},
	"daily_kl": {
		{"source_filename", "TEXT"},
	},
}

// EnsureSchema prepares the database for an import. With reset, all tables
// are dropped first. It is safe to call on every startup.
func (s *Store) EnsureSchema(ctx context.Context, reset bool) error {
	if reset {
		for _, table := range resetTables {
			if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
				return fmt.Errorf("drop %s: %w", table, err)
			}
		}
		s.logger.Info("schema reset", "tables", resetTables)
	}
	if err := s.Migrate(); err != nil {
		return err
	}
	for _, table := range []string{"stations", "daily_kl"} {
		if err := s.ensureColumns(ctx, table, requiredColumns[table]); err != nil {
			return fmt.Errorf("ensure %s columns: %w", table, err)
		}
	}
	return nil
}

func (s *Store) ensureColumns(ctx context.Context, table string, cols []column) error {
	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			rows.Close()
			return err
		}
		existing[name] = true
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, c := range cols {
		if existing[c.name] {
			continue
		}
		s.logger.Info("adding missing column", "table", table, "column", c.name)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, c.name, c.ddl)); err != nil {
			return fmt.Errorf("add column %s: %w", c.name, err)
		}
	}
	return nil
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		s.logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, s.clock.Now().UTC().Format(time.RFC3339),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at TEXT
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
