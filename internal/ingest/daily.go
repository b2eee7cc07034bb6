package ingest

import (
	"archive/zip"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/lox/dailyclimate/internal/metrics"
	"github.com/lox/dailyclimate/internal/models"
)

const (
	// ArchiveSuffix marks per-station historical daily archives.
	ArchiveSuffix = "_hist.zip"

	productMarker    = "produkt_klima_tag_"
	DefaultChunkSize = 500
)

var ErrNoDataFile = errors.New("archive does not contain a data file")

var (
	intColumns = map[string]func(*models.DailyObservation) *sql.NullInt64{
		"qn_3": func(o *models.DailyObservation) *sql.NullInt64 { return &o.QN3 },
		"qn_4": func(o *models.DailyObservation) *sql.NullInt64 { return &o.QN4 },
	}
	floatColumns = map[string]func(*models.DailyObservation) *sql.NullFloat64{
		"fx":      func(o *models.DailyObservation) *sql.NullFloat64 { return &o.FX },
		"fm":      func(o *models.DailyObservation) *sql.NullFloat64 { return &o.FM },
		"rsk":     func(o *models.DailyObservation) *sql.NullFloat64 { return &o.RSK },
		"rskf":    func(o *models.DailyObservation) *sql.NullFloat64 { return &o.RSKF },
		"sdk":     func(o *models.DailyObservation) *sql.NullFloat64 { return &o.SDK },
		"shk_tag": func(o *models.DailyObservation) *sql.NullFloat64 { return &o.SHKTag },
		"nm":      func(o *models.DailyObservation) *sql.NullFloat64 { return &o.NM },
		"vpm":     func(o *models.DailyObservation) *sql.NullFloat64 { return &o.VPM },
		"pm":      func(o *models.DailyObservation) *sql.NullFloat64 { return &o.PM },
		"tmk":     func(o *models.DailyObservation) *sql.NullFloat64 { return &o.TMK },
		"upm":     func(o *models.DailyObservation) *sql.NullFloat64 { return &o.UPM },
		"txk":     func(o *models.DailyObservation) *sql.NullFloat64 { return &o.TXK },
		"tnk":     func(o *models.DailyObservation) *sql.NullFloat64 { return &o.TNK },
		"tgk":     func(o *models.DailyObservation) *sql.NullFloat64 { return &o.TGK },
	}
	textColumns = map[string]func(*models.DailyObservation) *sql.NullString{
		"eor": func(o *models.DailyObservation) *sql.NullString { return &o.EOR },
	}
)

// FlushFunc persists a batch of observations.
type FlushFunc func(ctx context.Context, batch []models.DailyObservation) error

type ParseStats struct {
	Parsed  int
	Skipped int
}

// DailyParser streams KL product files into observation batches.
type DailyParser struct {
	chunkSize int
	logger    *slog.Logger
}

func NewDailyParser(chunkSize int, logger *slog.Logger) *DailyParser {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DailyParser{chunkSize: chunkSize, logger: logger.With("component", "daily")}
}

// SelectDataFile picks the product file among the archive's .txt members,
// falling back to the first .txt member.
func SelectDataFile(files []*zip.File) (*zip.File, error) {
	var first *zip.File
	for _, f := range files {
		name := strings.ToLower(f.Name)
		if !strings.HasSuffix(name, ".txt") {
			continue
		}
		if strings.Contains(name, productMarker) {
			return f, nil
		}
		if first == nil {
			first = f
		}
	}
	if first == nil {
		return nil, ErrNoDataFile
	}
	return first, nil
}

// ParseArchive parses the data file of an opened archive. source is
// recorded on every observation as provenance.
func (p *DailyParser) ParseArchive(ctx context.Context, zr *zip.Reader, source string, flush FlushFunc) (ParseStats, error) {
	member, err := SelectDataFile(zr.File)
	if err != nil {
		return ParseStats{}, err
	}
	rc, err := member.Open()
	if err != nil {
		return ParseStats{}, fmt.Errorf("open %s: %w", member.Name, err)
	}
	defer rc.Close()

	return p.Parse(ctx, rc, source, flush)
}

// Parse reads a semicolon delimited Latin-1 product file. The first
// non-comment row is the header. Rows are buffered by (station, date), the
// last occurrence winning, and handed to flush whenever the buffer reaches
// the chunk size and once more at the end.
func (p *DailyParser) Parse(ctx context.Context, r io.Reader, source string, flush FlushFunc) (ParseStats, error) {
	cr := csv.NewReader(latin1Reader(r))
	cr.Comma = ';'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	var (
		stats  ParseStats
		header []string
		buf    = newDailyBuffer(p.chunkSize)
	)

	emit := func() error {
		if buf.len() == 0 {
			return nil
		}
		if err := flush(ctx, slices.Clone(buf.rows)); err != nil {
			return err
		}
		buf.reset()
		return nil
	}

	for row := 1; ; row++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				p.logger.Warn("skipping unreadable row", "file", source, "row", row, "error", err)
				stats.Skipped++
				continue
			}
			return stats, fmt.Errorf("read %s: %w", source, err)
		}
		if len(record) == 0 || strings.HasPrefix(strings.TrimSpace(record[0]), "#") {
			continue
		}

		if header == nil {
			header = make([]string, len(record))
			for i, h := range record {
				header[i] = strings.ToLower(stripBOM(h))
			}
			if !slices.Contains(header, "stations_id") || !slices.Contains(header, "mess_datum") {
				return stats, fmt.Errorf("%s: header lacks stations_id or mess_datum", source)
			}
			continue
		}

		obs, ok := p.observation(header, record, source, row)
		if !ok {
			stats.Skipped++
			continue
		}
		stats.Parsed++
		buf.add(obs)
		if buf.len() >= p.chunkSize {
			if err := emit(); err != nil {
				return stats, err
			}
		}
	}

	if header == nil {
		return stats, fmt.Errorf("%s: no header row", source)
	}
	if err := emit(); err != nil {
		return stats, err
	}
	return stats, nil
}

func (p *DailyParser) observation(header, record []string, source string, row int) (models.DailyObservation, bool) {
	var rawID, rawDate string
	obs := models.DailyObservation{SourceFile: source}
	for i, col := range header {
		if i >= len(record) {
			break
		}
		value := record[i]
		switch col {
		case "stations_id":
			rawID = value
		case "mess_datum":
			rawDate = value
		default:
			if field, ok := floatColumns[col]; ok {
				*field(&obs) = ParseFloat(value)
			} else if field, ok := intColumns[col]; ok {
				*field(&obs) = ParseInt(value)
			} else if field, ok := textColumns[col]; ok {
				*field(&obs) = ParseText(value)
			}
		}
	}

	id, err := NormalizeStationID(rawID)
	if err != nil {
		p.logger.Warn("skipping daily record", "file", source, "row", row, "raw", rawID, "error", err)
		metrics.RecordsSkipped.WithLabelValues("daily").Inc()
		return obs, false
	}
	date, ok := NormalizeDate(rawDate)
	if !ok {
		p.logger.Warn("skipping daily record with bad date", "file", source, "row", row, "raw", rawDate)
		metrics.RecordsSkipped.WithLabelValues("daily").Inc()
		return obs, false
	}
	obs.StationID = id
	obs.Date = date
	return obs, true
}

// dailyBuffer keeps one observation per key in first-seen order.
type dailyBuffer struct {
	index map[models.ObservationKey]int
	rows  []models.DailyObservation
}

func newDailyBuffer(size int) *dailyBuffer {
	return &dailyBuffer{
		index: make(map[models.ObservationKey]int, size),
		rows:  make([]models.DailyObservation, 0, size),
	}
}

func (b *dailyBuffer) add(o models.DailyObservation) {
	if i, ok := b.index[o.Key()]; ok {
		b.rows[i] = o
		return
	}
	b.index[o.Key()] = len(b.rows)
	b.rows = append(b.rows, o)
}

func (b *dailyBuffer) len() int { return len(b.rows) }

func (b *dailyBuffer) reset() {
	clear(b.index)
	b.rows = b.rows[:0]
}
