package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/lox/dailyclimate/internal/metrics"
	"github.com/lox/dailyclimate/internal/models"
)

// StationDescriptionFile lists every station of the KL daily product.
const StationDescriptionFile = "KL_Tageswerte_Beschreibung_Stationen.txt"

// The German states as spelled in station descriptions. Older files
// transliterate umlauts.
var knownStates = map[string]bool{
	"Baden-Württemberg":      true,
	"Baden-Wuerttemberg":     true,
	"Bayern":                 true,
	"Berlin":                 true,
	"Brandenburg":            true,
	"Bremen":                 true,
	"Hamburg":                true,
	"Hessen":                 true,
	"Mecklenburg-Vorpommern": true,
	"Niedersachsen":          true,
	"Nordrhein-Westfalen":    true,
	"Rheinland-Pfalz":        true,
	"Saarland":               true,
	"Sachsen":                true,
	"Sachsen-Anhalt":         true,
	"Schleswig-Holstein":     true,
	"Thüringen":              true,
	"Thueringen":             true,
}

// Header spellings seen in the delimited variant of the file.
var stationHeaderAliases = map[string][]string{
	"id":     {"stations_id", "stationsid", "stations-id"},
	"from":   {"von_datum"},
	"to":     {"bis_datum"},
	"lat":    {"geobreite", "geo breite", "geogr. breite", "geobreite(grad)"},
	"lon":    {"geolaenge", "geo laenge", "geogr. laenge", "geolaenge(grad)"},
	"height": {"stationshoehe", "stations hoehe", "stationshöhe"},
	"name":   {"stationsname", "station_name"},
	"state":  {"bundesland"},
}

// StationParser decodes the station description file.
type StationParser struct {
	logger *slog.Logger
}

func NewStationParser(logger *slog.Logger) *StationParser {
	if logger == nil {
		logger = slog.Default()
	}
	return &StationParser{logger: logger.With("component", "stations")}
}

// Parse reads a Latin-1 station description in either the semicolon
// delimited or the fixed-width whitespace layout. Records with an unusable
// station id are logged and counted in skipped.
func (p *StationParser) Parse(r io.Reader) (stations []models.Station, skipped int, err error) {
	raw, err := io.ReadAll(latin1Reader(r))
	if err != nil {
		return nil, 0, fmt.Errorf("read station file: %w", err)
	}

	var lines []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return nil, 0, nil
	}

	if strings.Contains(stripBOM(lines[0]), ";") {
		return p.parseDelimited(lines)
	}
	return p.parseWhitespace(lines)
}

func (p *StationParser) parseDelimited(lines []string) ([]models.Station, int, error) {
	cr := csv.NewReader(strings.NewReader(strings.Join(lines, "\n")))
	cr.Comma = ';'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("read station header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(stripBOM(h))] = i
	}

	lookup := func(row []string, field string) string {
		for _, alias := range stationHeaderAliases[field] {
			if i, ok := index[alias]; ok && i < len(row) {
				return row[i]
			}
		}
		return ""
	}

	var (
		stations []models.Station
		skipped  int
	)
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				p.logger.Warn("skipping unreadable station row", "line", line, "error", err)
				skipped++
				continue
			}
			return nil, skipped, fmt.Errorf("read station row: %w", err)
		}

		fields := map[string]string{}
		for field := range stationHeaderAliases {
			fields[field] = lookup(row, field)
		}
		st, ok := p.record(fields, line)
		if !ok {
			skipped++
			continue
		}
		stations = append(stations, st)
	}
	return stations, skipped, nil
}

// parseWhitespace handles the fixed-width layout:
//
//	Stations_id von_datum bis_datum Stationshoehe geoBreite geoLaenge Stationsname Bundesland Abgabe
//
// The station name may contain spaces, so the state is located by matching
// trailing tokens against the known states. The last token is the
// submission flag and is ignored.
func (p *StationParser) parseWhitespace(lines []string) ([]models.Station, int, error) {
	start := 0
	if strings.HasPrefix(strings.ToLower(stripBOM(lines[0])), "stations") {
		start = 1
	}

	var (
		stations []models.Station
		skipped  int
	)
	for i, line := range lines[start:] {
		lineNo := i + start + 1
		if strings.Trim(line, "- \t") == "" {
			continue
		}
		tokens := strings.Fields(line)
		if len(tokens) < 7 {
			p.logger.Debug("skipping short station row", "line", lineNo, "tokens", len(tokens))
			continue
		}

		rest := tokens[6 : len(tokens)-1]
		name, state := splitNameState(rest)
		fields := map[string]string{
			"id":     tokens[0],
			"from":   tokens[1],
			"to":     tokens[2],
			"height": tokens[3],
			"lat":    tokens[4],
			"lon":    tokens[5],
			"name":   name,
			"state":  state,
		}
		st, ok := p.record(fields, lineNo)
		if !ok {
			skipped++
			continue
		}
		stations = append(stations, st)
	}
	return stations, skipped, nil
}

// splitNameState scans suffixes of tokens, shortest first, for a known state.
func splitNameState(tokens []string) (name, state string) {
	for i := len(tokens); i >= 1; i-- {
		candidate := strings.Join(tokens[i-1:], " ")
		if knownStates[candidate] {
			return strings.Join(tokens[:i-1], " "), candidate
		}
	}
	return strings.Join(tokens, " "), ""
}

func (p *StationParser) record(fields map[string]string, line int) (models.Station, bool) {
	id, err := NormalizeStationID(fields["id"])
	if err != nil {
		p.logger.Warn("skipping station record", "line", line, "raw", fields["id"], "error", err)
		metrics.RecordsSkipped.WithLabelValues("station").Inc()
		return models.Station{}, false
	}
	return models.Station{
		StationID: id,
		Name:      ParseText(fields["name"]),
		State:     ParseText(fields["state"]),
		Latitude:  ParseFloat(fields["lat"]),
		Longitude: ParseFloat(fields["lon"]),
		Height:    ParseFloat(fields["height"]),
		FromDate:  nullDate(fields["from"]),
		ToDate:    nullDate(fields["to"]),
	}, true
}
