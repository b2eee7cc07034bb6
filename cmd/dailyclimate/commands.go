package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"golang.org/x/sync/errgroup"

	"github.com/lox/dailyclimate/internal/api"
	"github.com/lox/dailyclimate/internal/cache"
	"github.com/lox/dailyclimate/internal/config"
	"github.com/lox/dailyclimate/internal/geo"
	"github.com/lox/dailyclimate/internal/ingest"
	"github.com/lox/dailyclimate/internal/jobs"
	"github.com/lox/dailyclimate/internal/models"
	"github.com/lox/dailyclimate/internal/report"
)

type ServeCmd struct {
	config.Server `embed:""`
}

func (c *ServeCmd) Run(app *App) error {
	st, closeDB, err := app.openStore()
	if err != nil {
		return err
	}
	defer closeDB()

	imp, err := app.importer(st)
	if err != nil {
		return err
	}

	var reportCache cache.Cache = cache.NewLRU(cache.DefaultMaxEntries, c.CacheTTL)
	if c.RedisAddr != "" {
		rc, err := cache.NewRedis(app.ctx, cache.RedisConfig{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
			TTL:      c.CacheTTL,
			Logger:   app.logger,
		})
		if err != nil {
			return err
		}
		defer rc.Close()
		reportCache = rc
	}

	registry := jobs.NewRegistry(
		jobs.WithLogger(app.logger),
		jobs.WithHook(api.InvalidateOnImport(reportCache, app.logger)),
	)
	launcher := jobs.NewLauncher(registry, imp)
	selector, reports := app.generator(st, report.WithCache(reportCache))

	server := api.NewServer(api.Deps{
		Store:    st,
		Reports:  reports,
		Selector: selector,
		Launcher: launcher,
		Stations: imp,
		Cache:    reportCache,
		Logger:   app.logger,
	}, c.Port)

	g, ctx := errgroup.WithContext(app.ctx)
	g.Go(func() error { return server.Run(ctx) })
	if c.ImportSchedule != "" {
		scheduler, err := jobs.NewScheduler(c.ImportSchedule, launcher, app.logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return scheduler.Run(ctx) })
	} else {
		app.logger.Info("scheduled imports disabled")
	}
	return g.Wait()
}

type ImportCmd struct {
	Kind  string `arg:"" enum:"stations,weather" help:"What to import: stations or weather (stations plus full daily history)."`
	Reset bool   `help:"Drop all tables before a weather import."`
}

func (c *ImportCmd) Run(app *App) error {
	st, closeDB, err := app.openStore()
	if err != nil {
		return err
	}
	defer closeDB()

	imp, err := app.importer(st)
	if err != nil {
		return err
	}

	progress := progressLogger(app)
	var result any
	switch c.Kind {
	case string(jobs.KindStations):
		result, err = imp.RunStationRefresh(app.ctx, progress)
	default:
		result, err = imp.RunFullRefresh(app.ctx, ingest.RefreshOptions{Reset: c.Reset}, progress)
	}
	if err != nil {
		return err
	}
	return printJSON(app, result)
}

// progressLogger logs stage changes and every fifth percent.
func progressLogger(app *App) models.ProgressFunc {
	var (
		stage string
		last  = -1
	)
	return func(p models.Progress) {
		step := int(p.Percent) / 5
		if p.Stage == stage && step == last {
			return
		}
		stage, last = p.Stage, step
		app.logger.Info("import progress", "percent", fmt.Sprintf("%.1f", p.Percent), "stage", p.Stage, "message", p.Message)
	}
}

type ReportCmd struct {
	Lat         float64 `required:"" help:"Latitude of the query point."`
	Lon         float64 `required:"" help:"Longitude of the query point."`
	Radius      float64 `default:"10" help:"Search radius in km."`
	Start       string  `required:"" help:"First day (YYYY-MM-DD)."`
	End         string  `required:"" help:"Last day (YYYY-MM-DD)."`
	Granularity string  `default:"day" help:"Grouping: day, month or year."`
	XLSX        string  `name:"xlsx" type:"path" help:"Also write the report as a workbook to this file."`
}

func (c *ReportCmd) Run(app *App) error {
	st, closeDB, err := app.openStore()
	if err != nil {
		return err
	}
	defer closeDB()

	_, reports := app.generator(st)
	p := report.Params{
		Lat:         c.Lat,
		Lon:         c.Lon,
		Radius:      c.Radius,
		StartDate:   c.Start,
		EndDate:     c.End,
		Granularity: c.Granularity,
	}
	r, err := reports.Generate(app.ctx, p)
	if err != nil {
		return err
	}

	if c.XLSX != "" {
		samples, err := reports.Samples(app.ctx, p, report.DefaultSampleLimit)
		if err != nil {
			return err
		}
		if err := writeXLSXFile(c.XLSX, r, samples); err != nil {
			return err
		}
		app.logger.Info("workbook written", "path", c.XLSX)
	}
	return printJSON(app, r)
}

func writeXLSXFile(path string, r *report.Report, samples []report.Sample) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create workbook: %w", err)
	}
	if err := report.WriteXLSX(f, r, samples); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type CoverageCmd struct{}

func (c *CoverageCmd) Run(app *App) error {
	st, closeDB, err := app.openStore()
	if err != nil {
		return err
	}
	defer closeDB()

	coverage, err := st.Coverage(app.ctx)
	if err != nil {
		return err
	}
	if coverage == nil {
		return errors.New("no daily observations stored")
	}
	return printJSON(app, coverage)
}

type StationsCmd struct {
	Nearest NearestCmd `cmd:"" help:"Find the station closest to a point."`
	Radius  RadiusCmd  `cmd:"" help:"List stations within a radius."`
}

type NearestCmd struct {
	Lat float64 `arg:""`
	Lon float64 `arg:""`
}

func (c *NearestCmd) Run(app *App) error {
	st, closeDB, err := app.openStore()
	if err != nil {
		return err
	}
	defer closeDB()

	station, err := geo.NewSelector(st, app.logger).Nearest(app.ctx, c.Lat, c.Lon)
	if err != nil {
		return err
	}
	return printJSON(app, station)
}

type RadiusCmd struct {
	Lat    float64 `arg:""`
	Lon    float64 `arg:""`
	Radius float64 `default:"10" help:"Radius in km."`
	Limit  int     `default:"40" help:"Maximum number of stations."`
}

func (c *RadiusCmd) Run(app *App) error {
	st, closeDB, err := app.openStore()
	if err != nil {
		return err
	}
	defer closeDB()

	stations, err := geo.NewSelector(st, app.logger).WithinRadius(app.ctx, c.Lat, c.Lon, c.Radius, c.Limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(app.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATE\tDISTANCE_KM\tFROM\tTO")
	for _, s := range stations {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.2f\t%s\t%s\n", s.StationID, s.Name, s.State, s.DistanceKm, s.FromDate, s.ToDate)
	}
	return w.Flush()
}

type RunsCmd struct {
	Limit  int  `default:"20" help:"Number of runs to show."`
	Failed bool `help:"Only show failed runs."`
}

func (c *RunsCmd) Run(app *App) error {
	st, closeDB, err := app.openStore()
	if err != nil {
		return err
	}
	defer closeDB()

	runs, err := st.GetRecentIngestRuns(app.ctx, c.Limit, c.Failed)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(app.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tKIND\tFILE\tPARSED\tSTORED\tSKIPPED\tOK\tERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%t\t%s\n", r.ID, r.StartedAt.Format("2006-01-02 15:04:05"),
			r.Kind, r.Filename, r.RecordsParsed, r.RecordsStored, r.RecordsSkipped, r.Success, r.ErrorMessage)
	}
	return w.Flush()
}

func printJSON(app *App, v any) error {
	enc := json.NewEncoder(app.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
