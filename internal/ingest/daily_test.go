package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/dailyclimate/internal/logging"
	"github.com/lox/dailyclimate/internal/models"
)

type collector struct {
	batches [][]models.DailyObservation
}

func (c *collector) flush(_ context.Context, batch []models.DailyObservation) error {
	c.batches = append(c.batches, batch)
	return nil
}

func (c *collector) all() []models.DailyObservation {
	var out []models.DailyObservation
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

func TestDailyParserParse(t *testing.T) {
	input := dailyProductHeader +
		dailyRow("3056", "20220715", "20.5") +
		dailyRow("3056", "20220716", "-999") +
		dailyRow("abc", "20220716", "18.0") +
		dailyRow("-5", "20220716", "18.0") +
		dailyRow("3056", "20221301", "18.0")

	p := NewDailyParser(100, logging.Discard())
	var c collector
	stats, err := p.Parse(context.Background(), bytes.NewReader(latin1(t, input)), "produkt.txt", c.flush)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Parsed)
	assert.Equal(t, 3, stats.Skipped)
	require.Len(t, c.batches, 1)

	rows := c.all()
	first := rows[0]
	assert.Equal(t, int64(3056), first.StationID)
	assert.Equal(t, "2022-07-15", first.Date)
	assert.Equal(t, int64(10), first.QN3.Int64)
	assert.Equal(t, int64(3), first.QN4.Int64)
	assert.InDelta(t, 12.3, first.FX.Float64, 1e-9)
	assert.InDelta(t, 1012.1, first.PM.Float64, 1e-9)
	assert.InDelta(t, 20.5, first.TMK.Float64, 1e-9)
	assert.False(t, first.TGK.Valid, "-999 is missing")
	assert.Equal(t, "eor", first.EOR.String)
	assert.Equal(t, "produkt.txt", first.SourceFile)

	assert.False(t, rows[1].TMK.Valid)
}

func TestDailyParserChunking(t *testing.T) {
	var b strings.Builder
	b.WriteString(dailyProductHeader)
	for _, d := range []string{"20220101", "20220102", "20220103", "20220104", "20220105"} {
		b.WriteString(dailyRow("44", d, "1.0"))
	}

	p := NewDailyParser(2, logging.Discard())
	var c collector
	stats, err := p.Parse(context.Background(), strings.NewReader(b.String()), "f", c.flush)
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Parsed)
	require.Len(t, c.batches, 3)
	assert.Len(t, c.batches[0], 2)
	assert.Len(t, c.batches[1], 2)
	assert.Len(t, c.batches[2], 1)
	assert.Equal(t, "2022-01-01", c.batches[0][0].Date)
	assert.Equal(t, "2022-01-05", c.batches[2][0].Date)
}

func TestDailyParserDedupesWithinChunk(t *testing.T) {
	input := dailyProductHeader +
		dailyRow("44", "20220101", "1.0") +
		dailyRow("44", "20220102", "2.0") +
		dailyRow("44", "20220101", "9.0")

	p := NewDailyParser(10, logging.Discard())
	var c collector
	_, err := p.Parse(context.Background(), strings.NewReader(input), "f", c.flush)
	require.NoError(t, err)

	rows := c.all()
	require.Len(t, rows, 2)
	assert.Equal(t, "2022-01-01", rows[0].Date)
	assert.InDelta(t, 9.0, rows[0].TMK.Float64, 1e-9, "last occurrence wins")
}

func TestDailyParserSkipsCommentsAndRequiresHeader(t *testing.T) {
	p := NewDailyParser(10, logging.Discard())
	var c collector

	input := "# generated\n" + dailyProductHeader + dailyRow("44", "20220101", "1.0")
	stats, err := p.Parse(context.Background(), strings.NewReader(input), "f", c.flush)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Parsed)

	_, err = p.Parse(context.Background(), strings.NewReader(""), "empty", c.flush)
	require.Error(t, err)

	_, err = p.Parse(context.Background(), strings.NewReader("A;B;C\n1;2;3\n"), "wrong", c.flush)
	require.Error(t, err)
}

func TestDailyParserFlushError(t *testing.T) {
	p := NewDailyParser(1, logging.Discard())
	boom := errors.New("disk full")
	input := dailyProductHeader + dailyRow("44", "20220101", "1.0")

	_, err := p.Parse(context.Background(), strings.NewReader(input), "f",
		func(context.Context, []models.DailyObservation) error { return boom })
	require.ErrorIs(t, err, boom)
}

func TestSelectDataFile(t *testing.T) {
	open := func(t *testing.T, members ...member) *zip.Reader {
		data := buildArchive(t, members...)
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		require.NoError(t, err)
		return zr
	}

	t.Run("prefers product file", func(t *testing.T) {
		zr := open(t,
			member{"Metadaten_Geographie_03056.txt", "x"},
			member{"produkt_klima_tag_19900101_20231231_03056.txt", "y"},
		)
		f, err := SelectDataFile(zr.File)
		require.NoError(t, err)
		assert.Equal(t, "produkt_klima_tag_19900101_20231231_03056.txt", f.Name)
	})

	t.Run("falls back to first txt", func(t *testing.T) {
		zr := open(t,
			member{"Metadaten.html", "x"},
			member{"data_a.TXT", "y"},
			member{"data_b.txt", "z"},
		)
		f, err := SelectDataFile(zr.File)
		require.NoError(t, err)
		assert.Equal(t, "data_a.TXT", f.Name)
	})

	t.Run("no txt member", func(t *testing.T) {
		zr := open(t, member{"Metadaten.html", "x"})
		_, err := SelectDataFile(zr.File)
		require.ErrorIs(t, err, ErrNoDataFile)
	})
}
