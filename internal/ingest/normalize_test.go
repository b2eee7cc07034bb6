package ingest

import (
	"bytes"
	"database/sql"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeStationID(t *testing.T) {
	tests := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{raw: "00433", want: 433},
		{raw: "  3056 ", want: 3056},
		{raw: "\ufeff01048", want: 1048},
		{raw: "44", want: 44},
		{raw: "abc", wantErr: true},
		{raw: "-5", wantErr: true},
		{raw: "0", wantErr: true},
		{raw: "00000", wantErr: true},
		{raw: "", wantErr: true},
		{raw: "12.5", wantErr: true},
		{raw: "1 2", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := NormalizeStationID(tt.raw)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidStationID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeDate(t *testing.T) {
	tests := []struct {
		raw    string
		want   string
		wantOK bool
	}{
		{raw: "20220715", want: "2022-07-15", wantOK: true},
		{raw: " 19480101 ", want: "1948-01-01", wantOK: true},
		{raw: "2022-07-15", want: "2022-07-15", wantOK: true},
		{raw: "20220230", wantOK: false},
		{raw: "2022-13-01", wantOK: false},
		{raw: "2022071", wantOK: false},
		{raw: "", wantOK: false},
		{raw: "-999", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := NormalizeDate(tt.raw)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFloat(t *testing.T) {
	tests := []struct {
		raw  string
		want sql.NullFloat64
	}{
		{raw: "12.3", want: sql.NullFloat64{Float64: 12.3, Valid: true}},
		{raw: "  -4.5 ", want: sql.NullFloat64{Float64: -4.5, Valid: true}},
		{raw: "1012,10", want: sql.NullFloat64{Float64: 1012.1, Valid: true}},
		{raw: "0", want: sql.NullFloat64{Float64: 0, Valid: true}},
		{raw: "-999", want: sql.NullFloat64{}},
		{raw: "-999.0", want: sql.NullFloat64{}},
		{raw: "-9999", want: sql.NullFloat64{}},
		{raw: "-999.00", want: sql.NullFloat64{}},
		{raw: "", want: sql.NullFloat64{}},
		{raw: "NaN", want: sql.NullFloat64{}},
		{raw: "Inf", want: sql.NullFloat64{}},
		{raw: "n/a", want: sql.NullFloat64{}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseFloat(tt.raw))
		})
	}
}

func TestParseInt(t *testing.T) {
	assert.Equal(t, sql.NullInt64{Int64: 10, Valid: true}, ParseInt("   10"))
	assert.Equal(t, sql.NullInt64{Int64: 3, Valid: true}, ParseInt("3.9"))
	assert.Equal(t, sql.NullInt64{Int64: -2, Valid: true}, ParseInt("-2.7"))
	assert.Equal(t, sql.NullInt64{}, ParseInt("-999"))
	assert.Equal(t, sql.NullInt64{}, ParseInt("x"))
}

func TestParseText(t *testing.T) {
	assert.Equal(t, sql.NullString{String: "eor", Valid: true}, ParseText(" eor "))
	assert.Equal(t, sql.NullString{}, ParseText("   "))
	assert.Equal(t, sql.NullString{}, ParseText("-999"))
}

func TestLatin1Reader(t *testing.T) {
	t.Run("decodes latin-1", func(t *testing.T) {
		var sb bytes.Buffer
		_, err := sb.ReadFrom(latin1Reader(strings.NewReader("W\xfcrzburg")))
		require.NoError(t, err)
		assert.Equal(t, "Würzburg", sb.String())
	})

	t.Run("drops utf-8 bom", func(t *testing.T) {
		var sb bytes.Buffer
		_, err := sb.ReadFrom(latin1Reader(strings.NewReader("\xef\xbb\xbfStations_id")))
		require.NoError(t, err)
		assert.Equal(t, "Stations_id", sb.String())
	})
}
