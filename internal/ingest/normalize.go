package ingest

import (
	"bufio"
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/lox/dailyclimate/internal/models"
)

var ErrInvalidStationID = errors.New("invalid station id")

// Placeholders the publisher writes for values that were not measured.
var sentinelValues = map[string]bool{
	"-999":    true,
	"-999.0":  true,
	"-9999":   true,
	"-9999.0": true,
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// latin1Reader decodes ISO-8859-1 input to UTF-8, dropping a leading UTF-8
// byte order mark if the file carries one.
func latin1Reader(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		br.Discard(len(utf8BOM))
	}
	return transform.NewReader(br, charmap.ISO8859_1.NewDecoder())
}

func stripBOM(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), "\ufeff")
}

// cleanValue trims raw and maps empty and sentinel values to "no value".
// Decimal commas become dots.
func cleanValue(raw string) (string, bool) {
	v := strings.TrimSpace(raw)
	if v == "" || sentinelValues[v] {
		return "", false
	}
	return strings.ReplaceAll(v, ",", "."), true
}

func ParseFloat(raw string) sql.NullFloat64 {
	v, ok := cleanValue(raw)
	if !ok {
		return sql.NullFloat64{}
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f == -999 || f == -9999 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

// ParseInt parses an integer column, accepting float notation and truncating
// toward zero.
func ParseInt(raw string) sql.NullInt64 {
	f := ParseFloat(raw)
	if !f.Valid {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(f.Float64), Valid: true}
}

func ParseText(raw string) sql.NullString {
	v := strings.TrimSpace(raw)
	if v == "" || sentinelValues[v] {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

// NormalizeStationID parses a station identifier. Only strings of ASCII
// digits with a positive value are accepted; a leading BOM is ignored.
func NormalizeStationID(raw string) (int64, error) {
	v := strings.TrimSpace(stripBOM(raw))
	if v == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidStationID)
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidStationID, raw)
		}
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidStationID, raw)
	}
	return id, nil
}

// NormalizeDate converts YYYYMMDD to YYYY-MM-DD. Dates already in ISO form
// pass through. Anything else, including impossible calendar dates, is
// rejected.
func NormalizeDate(raw string) (string, bool) {
	v := strings.TrimSpace(raw)
	switch {
	case len(v) == 8:
		t, err := time.Parse("20060102", v)
		if err != nil {
			return "", false
		}
		return t.Format(models.DateLayout), true
	case len(v) == 10 && strings.Count(v, "-") == 2:
		if _, err := time.Parse(models.DateLayout, v); err != nil {
			return "", false
		}
		return v, true
	}
	return "", false
}

func nullDate(raw string) sql.NullString {
	d, ok := NormalizeDate(raw)
	if !ok {
		return sql.NullString{}
	}
	return sql.NullString{String: d, Valid: true}
}
