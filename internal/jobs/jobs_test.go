package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/dailyclimate/internal/ingest"
	"github.com/lox/dailyclimate/internal/logging"
	"github.com/lox/dailyclimate/internal/models"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(opts ...Option) *Registry {
	opts = append([]Option{
		WithClock(clockwork.NewFakeClockAt(testNow)),
		WithLogger(logging.Discard()),
	}, opts...)
	return NewRegistry(opts...)
}

type fakeImporter struct {
	mu       sync.Mutex
	release  chan struct{}
	percents []float64
	err      error
	calls    int
}

func (f *fakeImporter) RunFullRefresh(ctx context.Context, _ ingest.RefreshOptions, progress models.ProgressFunc) (*models.ImportResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.release != nil {
		<-f.release
	}
	for _, p := range f.percents {
		progress(models.Progress{Percent: p, Stage: "daily", Message: "working"})
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.ImportResult{Daily: models.DailyImportStats{Inserted: 10, ArchivesProcessed: 1}}, nil
}

func (f *fakeImporter) RunStationRefresh(ctx context.Context, progress models.ProgressFunc) (*models.StationImportStats, error) {
	progress(models.Progress{Percent: 50, Stage: "stations", Message: "importing stations"})
	if f.err != nil {
		return nil, f.err
	}
	return &models.StationImportStats{Inserted: 3}, nil
}

func (f *fakeImporter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestLaunchStationsCompletes(t *testing.T) {
	reg := newTestRegistry()
	l := NewLauncher(reg, &fakeImporter{})

	snap, err := l.Launch("stations")
	require.NoError(t, err)
	assert.Len(t, snap.JobID, 32)
	assert.Equal(t, KindStations, snap.JobType)
	assert.Equal(t, StatusPending, snap.Status)

	reg.Wait()
	got, err := reg.Get(snap.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 100.0, got.Progress, "progress below the threshold is forced to 100")
	assert.Equal(t, "stations", got.Stage)
	assert.Equal(t, &models.StationImportStats{Inserted: 3}, got.Result)
	assert.Empty(t, got.Error)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, testNow, *got.FinishedAt)
}

func TestLaunchInvalidKind(t *testing.T) {
	l := NewLauncher(newTestRegistry(), &fakeImporter{})
	_, err := l.Launch("forecast")
	require.ErrorIs(t, err, ErrInvalidKind)
	assert.Empty(t, l.Registry().List())
}

func TestGetUnknownJob(t *testing.T) {
	_, err := newTestRegistry().Get("nope")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestCompletionThreshold(t *testing.T) {
	tests := []struct {
		name     string
		percents []float64
		want     float64
	}{
		{"no progress", nil, 100},
		{"partial", []float64{40, 60}, 100},
		{"near complete kept", []float64{99.5}, 99.5},
		{"complete", []float64{100}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newTestRegistry()
			snap, err := NewLauncher(reg, &fakeImporter{percents: tt.percents}).Launch("weather")
			require.NoError(t, err)
			reg.Wait()

			got, err := reg.Get(snap.JobID)
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, got.Status)
			assert.Equal(t, tt.want, got.Progress)
		})
	}
}

func TestJobFailure(t *testing.T) {
	reg := newTestRegistry()
	snap, err := NewLauncher(reg, &fakeImporter{percents: []float64{30}, err: errors.New("listing unavailable")}).Launch("weather")
	require.NoError(t, err)
	reg.Wait()

	got, err := reg.Get(snap.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "listing unavailable", got.Error)
	assert.Equal(t, "failed", got.Message)
	assert.Equal(t, 30.0, got.Progress)
	assert.Nil(t, got.Result)
	assert.NotNil(t, got.FinishedAt)
}

func TestJobPanicIsCaptured(t *testing.T) {
	reg := newTestRegistry()
	snap := reg.Start(KindWeather, func(context.Context, models.ProgressFunc) (any, error) {
		panic("boom")
	})
	reg.Wait()

	got, err := reg.Get(snap.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "panic: boom", got.Error)
}

func TestProgressNeverDecreases(t *testing.T) {
	reg := newTestRegistry()
	release := make(chan struct{})
	percents := []float64{5, 10, 8, 20, 15, 50, 49, 75, 99, 100}
	snap, err := NewLauncher(reg, &fakeImporter{release: release, percents: percents}).Launch("weather")
	require.NoError(t, err)

	var wg sync.WaitGroup
	observed := make([][]float64, 2)
	for i := range observed {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				s, err := reg.Get(snap.JobID)
				if err != nil {
					return
				}
				observed[i] = append(observed[i], s.Progress)
				if s.Terminal() {
					return
				}
			}
		}()
	}
	close(release)
	wg.Wait()
	reg.Wait()

	for _, seq := range observed {
		for i := 1; i < len(seq); i++ {
			require.GreaterOrEqual(t, seq[i], seq[i-1])
		}
	}
}

func TestProgressUpdatesDetail(t *testing.T) {
	reg := newTestRegistry()
	detail := map[string]any{"archives_total": 3}
	snap := reg.Start(KindWeather, func(_ context.Context, progress models.ProgressFunc) (any, error) {
		progress(models.Progress{Percent: 40, Stage: "daily", Message: "processing archive 1/3", Detail: detail})
		progress(models.Progress{Percent: 60})
		return "ok", nil
	})
	reg.Wait()

	got, err := reg.Get(snap.JobID)
	require.NoError(t, err)
	assert.Equal(t, "daily", got.Stage)
	assert.Equal(t, "processing archive 1/3", got.Message)
	assert.Equal(t, 3, got.Detail["archives_total"])

	got.Detail["archives_total"] = 99
	again, _ := reg.Get(snap.JobID)
	assert.Equal(t, 3, again.Detail["archives_total"], "snapshots do not share the detail map")
}

func TestListNewestFirst(t *testing.T) {
	reg := newTestRegistry()
	l := NewLauncher(reg, &fakeImporter{})
	first, err := l.Launch("stations")
	require.NoError(t, err)
	second, err := l.Launch("weather")
	require.NoError(t, err)
	reg.Wait()

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, second.JobID, list[0].JobID)
	assert.Equal(t, first.JobID, list[1].JobID)
}

func TestHookReceivesFinalSnapshot(t *testing.T) {
	var (
		mu    sync.Mutex
		final []Snapshot
	)
	reg := newTestRegistry(WithHook(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		final = append(final, s)
	}))
	_, err := NewLauncher(reg, &fakeImporter{}).Launch("weather")
	require.NoError(t, err)
	reg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, final, 1)
	assert.Equal(t, StatusCompleted, final[0].Status)
}

func TestSchedulerTickSkipsWhileActive(t *testing.T) {
	reg := newTestRegistry()
	imp := &fakeImporter{release: make(chan struct{})}
	s, err := NewScheduler("@daily", NewLauncher(reg, imp), logging.Discard())
	require.NoError(t, err)

	s.tick()
	require.Len(t, reg.List(), 1)
	assert.True(t, reg.Active(KindWeather))

	s.tick()
	assert.Len(t, reg.List(), 1, "second tick is skipped while the first job runs")

	close(imp.release)
	reg.Wait()
	assert.False(t, reg.Active(KindWeather))

	s.tick()
	reg.Wait()
	assert.Len(t, reg.List(), 2)
	assert.Equal(t, 2, imp.callCount())
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	_, err := NewScheduler("every tuesday", NewLauncher(newTestRegistry(), &fakeImporter{}), logging.Discard())
	require.Error(t, err)
}

func TestSchedulerRunStopsWithContext(t *testing.T) {
	s, err := NewScheduler("0 3 * * *", NewLauncher(newTestRegistry(), &fakeImporter{}), logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
