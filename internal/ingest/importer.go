package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/lox/dailyclimate/internal/metrics"
	"github.com/lox/dailyclimate/internal/models"
	"github.com/lox/dailyclimate/internal/store"
)

var (
	ErrStationFileMissing = errors.New("station description file not found in listing")
	ErrNoArchives         = errors.New("no daily archives found in listing")
)

// Import stages, in order.
const (
	StagePrepare  = "prepare"
	StageStations = "stations"
	StageDaily    = "daily"
	StageComplete = "complete"
)

// Overall progress at the end of the station phase of a full refresh; the
// daily archives share the remainder.
const stationsDonePercent = 5.0

// Importer sequences station and daily imports from a Source into the store.
type Importer struct {
	source   Source
	store    *store.Store
	stations *StationParser
	daily    *DailyParser
	logger   *slog.Logger
}

func NewImporter(source Source, st *store.Store, chunkSize int, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{
		source:   source,
		store:    st,
		stations: NewStationParser(logger),
		daily:    NewDailyParser(chunkSize, logger),
		logger:   logger.With("component", "ingest"),
	}
}

type RefreshOptions struct {
	// Reset drops all tables before importing.
	Reset bool
}

// RunFullRefresh imports all stations and then every daily archive. A
// failing archive is recorded in the result and the run moves on; only
// schema, listing and station failures, or an empty archive list, are fatal.
func (im *Importer) RunFullRefresh(ctx context.Context, opts RefreshOptions, progress models.ProgressFunc) (*models.ImportResult, error) {
	started := time.Now()
	emit(progress, 0, StagePrepare, "preparing database", nil)

	if err := im.store.EnsureSchema(ctx, opts.Reset); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	listing, err := im.source.Listing(ctx)
	if err != nil {
		return nil, err
	}
	known, err := im.store.DatasetFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("load dataset files: %w", err)
	}

	result := &models.ImportResult{Daily: models.DailyImportStats{Errors: []models.ArchiveError{}}}

	stationStats, err := im.importStations(ctx, listing)
	if err != nil {
		return nil, err
	}
	result.Stations = *stationStats
	emit(progress, stationsDonePercent, StageStations, "stations imported", map[string]any{
		"stations_inserted": stationStats.Inserted,
		"stations_updated":  stationStats.Updated,
	})

	archives := archiveEntries(listing)
	if len(archives) == 0 {
		return nil, ErrNoArchives
	}

	daily := &result.Daily
	total := len(archives)
	for i, entry := range archives {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if mod, ok := known[entry.Name]; ok && !mod.IsZero() && mod.Equal(entry.LastModified) {
			daily.ArchivesUnchanged++
		}

		emit(progress, dailyPercent(i, total), StageDaily,
			fmt.Sprintf("processing archive %d/%d", i+1, total),
			dailyDetail(result, total, entry.Name, nil))

		// A failed archive contributes no counts, even for chunks it committed.
		res, err := im.importArchive(ctx, entry)
		if err != nil {
			daily.ArchivesFailed++
			daily.Errors = append(daily.Errors, models.ArchiveError{Archive: entry.Name, Error: err.Error()})
			metrics.ArchivesTotal.WithLabelValues("failed").Inc()
			im.logger.Error("archive import failed", "archive", entry.Name, "error", err)
		} else {
			daily.Inserted += res.Inserted
			daily.Updated += res.Updated
			daily.RowsSkipped += res.Skipped
			daily.ArchivesProcessed++
			metrics.ArchivesTotal.WithLabelValues("success").Inc()
			im.logger.Info("archive imported", "archive", entry.Name,
				"inserted", res.Inserted, "updated", res.Updated, "skipped", res.Skipped)
		}

		emit(progress, dailyPercent(i+1, total), StageDaily,
			fmt.Sprintf("processed archive %d/%d", i+1, total),
			dailyDetail(result, total, entry.Name, &lastArchive{res: res, ok: err == nil}))
	}

	if err := im.store.RecordDatasetFiles(ctx, datasetFiles(listing)); err != nil {
		im.logger.Warn("recording dataset files failed", "error", err)
	}

	emit(progress, 100, StageComplete, "import complete", dailyDetail(result, total, "", nil))
	im.logger.Info("full refresh complete",
		"stations_inserted", result.Stations.Inserted, "stations_updated", result.Stations.Updated,
		"daily_inserted", daily.Inserted, "daily_updated", daily.Updated,
		"archives_processed", daily.ArchivesProcessed, "archives_failed", daily.ArchivesFailed,
		"duration", time.Since(started).Round(time.Millisecond))
	return result, nil
}

// RunStationRefresh imports only the station description file.
func (im *Importer) RunStationRefresh(ctx context.Context, progress models.ProgressFunc) (*models.StationImportStats, error) {
	emit(progress, 0, StagePrepare, "preparing database", nil)
	if err := im.store.EnsureSchema(ctx, false); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	listing, err := im.source.Listing(ctx)
	if err != nil {
		return nil, err
	}
	emit(progress, 50, StageStations, "importing stations", nil)

	stats, err := im.importStations(ctx, listing)
	if err != nil {
		return nil, err
	}
	emit(progress, 100, StageComplete, "stations imported", map[string]any{
		"stations_inserted": stats.Inserted,
		"stations_updated":  stats.Updated,
	})
	return stats, nil
}

func (im *Importer) importStations(ctx context.Context, listing Listing) (stats *models.StationImportStats, err error) {
	entry, ok := listing[StationDescriptionFile]
	if !ok {
		return nil, ErrStationFileMissing
	}

	run, runErr := im.store.StartIngestRun(ctx, "stations", im.source.Name(), entry.Name)
	if runErr != nil {
		im.logger.Warn("starting ingest run failed", "error", runErr)
	}
	defer func() { im.completeRun(ctx, run, err) }()

	body, err := im.source.Open(ctx, entry, KindMetadata)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", entry.Name, err)
	}

	var runID int64
	if run != nil {
		runID = run.ID
		run.ResponseSizeBytes = int64(len(data))
	}
	if _, err := im.store.StoreRawPayload(ctx, runID, im.source.Name(), entry.Name, data); err != nil {
		im.logger.Warn("archiving station file failed", "error", err)
	}

	stations, skipped, err := im.stations.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", entry.Name, err)
	}
	res, err := im.store.UpsertStations(ctx, stations)
	if err != nil {
		return nil, err
	}

	if run != nil {
		run.RecordsParsed = int64(len(stations))
		run.RecordsStored = int64(res.Inserted + res.Updated)
		run.RecordsSkipped = int64(skipped)
	}
	im.logger.Info("stations imported", "inserted", res.Inserted, "updated", res.Updated, "skipped", skipped)
	return &models.StationImportStats{Inserted: res.Inserted, Updated: res.Updated, Skipped: skipped}, nil
}

type archiveResult struct {
	Inserted int
	Updated  int
	Parsed   int
	Skipped  int
}

func (im *Importer) importArchive(ctx context.Context, entry Entry) (res archiveResult, err error) {
	run, runErr := im.store.StartIngestRun(ctx, "daily", im.source.Name(), entry.Name)
	if runErr != nil {
		im.logger.Warn("starting ingest run failed", "error", runErr)
	}
	defer func() {
		if run != nil {
			run.RecordsParsed = int64(res.Parsed)
			run.RecordsStored = int64(res.Inserted + res.Updated)
			run.RecordsSkipped = int64(res.Skipped)
		}
		im.completeRun(ctx, run, err)
	}()

	body, err := im.source.Open(ctx, entry, KindArchive)
	if err != nil {
		return res, err
	}
	f, size, err := spool(body)
	body.Close()
	if err != nil {
		return res, fmt.Errorf("download %s: %w", entry.Name, err)
	}
	defer func() {
		f.Close()
		os.Remove(f.Name())
	}()
	if run != nil {
		run.ResponseSizeBytes = size
	}

	zr, err := zip.NewReader(f, size)
	if err != nil {
		return res, fmt.Errorf("open archive: %w", err)
	}

	stats, err := im.daily.ParseArchive(ctx, zr, entry.Name, func(ctx context.Context, batch []models.DailyObservation) error {
		written, err := im.store.UpsertDaily(ctx, batch)
		res.Inserted += written.Inserted
		res.Updated += written.Updated
		return err
	})
	res.Parsed = stats.Parsed
	res.Skipped = stats.Skipped
	return res, err
}

func (im *Importer) completeRun(ctx context.Context, run *store.IngestRun, err error) {
	if run == nil {
		return
	}
	run.Success = err == nil
	if err != nil {
		run.ErrorMessage = err.Error()
	}
	if cerr := im.store.CompleteIngestRun(context.WithoutCancel(ctx), run); cerr != nil {
		im.logger.Warn("completing ingest run failed", "run", run.ID, "error", cerr)
	}
}

// spool copies an archive download to a temporary file so it can be read
// as a zip.
func spool(r io.Reader) (*os.File, int64, error) {
	f, err := os.CreateTemp("", "dailyclimate-*.zip")
	if err != nil {
		return nil, 0, err
	}
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, 0, err
	}
	return f, n, nil
}

func archiveEntries(listing Listing) []Entry {
	var out []Entry
	for name, entry := range listing {
		if strings.HasSuffix(name, ArchiveSuffix) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func datasetFiles(listing Listing) []store.DatasetFile {
	files := make([]store.DatasetFile, 0, len(listing))
	for _, e := range listing {
		files = append(files, store.DatasetFile{Filename: e.Name, LastModified: e.LastModified})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Filename < files[j].Filename })
	return files
}

func dailyPercent(done, total int) float64 {
	if total == 0 {
		return 100
	}
	return stationsDonePercent + (100-stationsDonePercent)*float64(done)/float64(total)
}

type lastArchive struct {
	res archiveResult
	ok  bool
}

func dailyDetail(result *models.ImportResult, total int, current string, last *lastArchive) map[string]any {
	d := result.Daily
	detail := map[string]any{
		"stations_inserted":  result.Stations.Inserted,
		"stations_updated":   result.Stations.Updated,
		"archives_total":     total,
		"archives_processed": d.ArchivesProcessed,
		"archives_failed":    d.ArchivesFailed,
		"archives_unchanged": d.ArchivesUnchanged,
		"daily_inserted":     d.Inserted,
		"daily_updated":      d.Updated,
	}
	if current != "" {
		detail["current_archive"] = current
	}
	if last != nil {
		detail["last_archive_inserted"] = last.res.Inserted
		detail["last_archive_updated"] = last.res.Updated
		detail["last_archive_success"] = last.ok
	}
	return detail
}

func emit(fn models.ProgressFunc, percent float64, stage, message string, detail map[string]any) {
	if fn == nil {
		return
	}
	fn(models.Progress{
		Percent: min(max(percent, 0), 100),
		Stage:   stage,
		Message: message,
		Detail:  detail,
	})
}
