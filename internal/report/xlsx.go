package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

const (
	sheetSummary  = "Summary"
	sheetPeriods  = "Periods"
	sheetStations = "Stations"
	sheetSamples  = "Samples"
)

// WriteXLSX writes r as a workbook with one sheet per section. Samples may
// be empty, in which case the Samples sheet only carries its header.
func WriteXLSX(w io.Writer, r *Report, samples []Sample) error {
	f := excelize.NewFile()
	defer f.Close()

	f.SetDocProps(&excelize.DocProperties{
		Title:       "Daily climate report",
		Creator:     "dailyclimate",
		Description: fmt.Sprintf("%s to %s around %.4f, %.4f", r.Params.StartDate, r.Params.EndDate, r.Params.Lat, r.Params.Lon),
		Created:     time.Now().UTC().Format(time.RFC3339),
	})

	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create style: %w", err)
	}

	summary := [][]any{
		{"Latitude", r.Params.Lat},
		{"Longitude", r.Params.Lon},
		{"Radius (km)", r.Params.Radius},
		{"Start date", r.Params.StartDate},
		{"End date", r.Params.EndDate},
		{"Granularity", r.Granularity},
		{"Data from", r.Coverage.MinDate},
		{"Data to", r.Coverage.MaxDate},
		{"Stations", r.StationCount},
		{"Stations with data", r.UsedStationCount},
	}
	for i, row := range summary {
		if err := f.SetSheetRow(sheetSummary, cell(1, i+1), &row); err != nil {
			return err
		}
	}
	f.SetCellStyle(sheetSummary, "A1", cell(1, len(summary)), bold)
	f.SetColWidth(sheetSummary, "A", "A", 20)
	f.SetColWidth(sheetSummary, "B", "B", 14)

	periodRows := make([][]any, 0, len(r.Periods))
	for _, p := range r.Periods {
		periodRows = append(periodRows, append([]any{p.Period, "", "", ""}, statsRow(p.Stats)...))
		for _, s := range p.Stations {
			periodRows = append(periodRows, append([]any{p.Period, s.StationID, s.StationName, s.DistanceKm}, statsRow(s.Stats)...))
		}
	}
	if err := writeSheet(f, sheetPeriods, bold,
		[]string{"Period", "Station", "Name", "Distance (km)", "Mean temp (°C)", "Max temp (°C)", "Min temp (°C)",
			"Precipitation (mm)", "Sunshine (h)", "Samples", "Days"},
		periodRows); err != nil {
		return err
	}

	stationRows := make([][]any, 0, len(r.Stations))
	for _, s := range r.Stations {
		stationRows = append(stationRows, []any{s.StationID, s.Name, s.State, s.Latitude, s.Longitude, s.DistanceKm, s.HasData})
	}
	if err := writeSheet(f, sheetStations, bold,
		[]string{"Station", "Name", "State", "Latitude", "Longitude", "Distance (km)", "Has data"},
		stationRows); err != nil {
		return err
	}

	sampleRows := make([][]any, 0, len(samples))
	for _, s := range samples {
		sampleRows = append(sampleRows, []any{s.Date, s.StationID, s.StationName, s.State, s.Temperature, s.DistanceKm})
	}
	if err := writeSheet(f, sheetSamples, bold,
		[]string{"Date", "Station", "Name", "State", "Mean temp (°C)", "Distance (km)"},
		sampleRows); err != nil {
		return err
	}

	f.SetActiveSheet(0)
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeSheet(f *excelize.File, name string, headerStyle int, headers []string, rows [][]any) error {
	if _, err := f.NewSheet(name); err != nil {
		return fmt.Errorf("create sheet %s: %w", name, err)
	}
	header := make([]any, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	if err := f.SetSheetRow(name, "A1", &header); err != nil {
		return err
	}
	f.SetCellStyle(name, "A1", cell(len(headers), 1), headerStyle)
	for i, row := range rows {
		if err := f.SetSheetRow(name, cell(1, i+2), &row); err != nil {
			return err
		}
	}
	last, _ := excelize.ColumnNumberToName(len(headers))
	f.SetColWidth(name, "A", last, 16)
	return f.SetPanes(name, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

// statsRow renders missing aggregates as empty cells.
func statsRow(s Stats) []any {
	row := make([]any, 0, 7)
	for _, v := range []*float64{s.TempAvg, s.TempMax, s.TempMin, s.Precipitation, s.Sunshine} {
		if v == nil {
			row = append(row, "")
		} else {
			row = append(row, *v)
		}
	}
	return append(row, s.SampleCount, s.DistinctDays)
}

func cell(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col, row)
	return name
}
