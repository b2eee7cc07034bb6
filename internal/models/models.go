package models

import (
	"database/sql"
	"time"
)

// DateLayout is the storage and wire format for calendar dates.
const DateLayout = "2006-01-02"

type Station struct {
	StationID int64
	Name      sql.NullString
	State     sql.NullString
	Latitude  sql.NullFloat64
	Longitude sql.NullFloat64
	Height    sql.NullFloat64
	FromDate  sql.NullString // YYYY-MM-DD
	ToDate    sql.NullString // YYYY-MM-DD
	UpdatedAt time.Time
}

// HasCoordinates reports whether the station can take part in geo queries.
func (s Station) HasCoordinates() bool {
	return s.Latitude.Valid && s.Longitude.Valid
}

// DailyObservation is one row of the KL daily product. Column names follow
// the publisher's lowercased headers.
type DailyObservation struct {
	StationID  int64
	Date       string // YYYY-MM-DD
	QN3        sql.NullInt64
	FX         sql.NullFloat64 // max wind gust, m/s
	FM         sql.NullFloat64 // mean wind speed, m/s
	QN4        sql.NullInt64
	RSK        sql.NullFloat64 // precipitation, mm
	RSKF       sql.NullFloat64 // precipitation form
	SDK        sql.NullFloat64 // sunshine duration, h
	SHKTag     sql.NullFloat64 // snow depth, cm
	NM         sql.NullFloat64 // cloud cover, eighths
	VPM        sql.NullFloat64 // vapor pressure, hPa
	PM         sql.NullFloat64 // air pressure, hPa
	TMK        sql.NullFloat64 // mean temperature, C
	UPM        sql.NullFloat64 // relative humidity, %
	TXK        sql.NullFloat64 // max temperature, C
	TNK        sql.NullFloat64 // min temperature, C
	TGK        sql.NullFloat64 // min ground temperature, C
	EOR        sql.NullString
	SourceFile string
	UpdatedAt  time.Time
}

// Key returns the (station, date) identity of the observation.
func (o DailyObservation) Key() ObservationKey {
	return ObservationKey{StationID: o.StationID, Date: o.Date}
}

type ObservationKey struct {
	StationID int64
	Date      string
}

// Coverage is the date span of all stored daily observations.
type Coverage struct {
	MinDate string `json:"min_date"`
	MaxDate string `json:"max_date"`
}

// Progress is a single import progress event.
type Progress struct {
	Percent float64
	Stage   string
	Message string
	Detail  map[string]any
}

// ProgressFunc receives progress events from a running import.
type ProgressFunc func(Progress)

type StationImportStats struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

type ArchiveError struct {
	Archive string `json:"archive"`
	Error   string `json:"error"`
}

type DailyImportStats struct {
	Inserted          int            `json:"inserted"`
	Updated           int            `json:"updated"`
	ArchivesProcessed int            `json:"archives_processed"`
	ArchivesFailed    int            `json:"archives_failed"`
	ArchivesUnchanged int            `json:"archives_unchanged"`
	RowsSkipped       int            `json:"rows_skipped"`
	Errors            []ArchiveError `json:"errors"`
}

// ImportResult is the outcome of a full refresh.
type ImportResult struct {
	Stations StationImportStats `json:"stations"`
	Daily    DailyImportStats   `json:"daily"`
}
