package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler launches a full refresh on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	launcher *Launcher
	logger   *slog.Logger
}

// NewScheduler parses spec as a standard five-field cron expression (or a
// descriptor such as @daily) evaluated in UTC.
func NewScheduler(spec string, launcher *Launcher, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		launcher: launcher,
		logger:   logger.With("component", "scheduler"),
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("parse import schedule %q: %w", spec, err)
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx is done. Jobs already
// running are left to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.logger.Info("import scheduled", "next", e.Next)
	}

	<-ctx.Done()
	s.logger.Info("shutting down")
	<-s.cron.Stop().Done()
	return nil
}

func (s *Scheduler) tick() {
	if s.launcher.Registry().Active(KindWeather) {
		s.logger.Info("skipping scheduled import, previous run still active")
		return
	}
	snap, err := s.launcher.Launch(string(KindWeather))
	if err != nil {
		s.logger.Error("launching scheduled import failed", "error", err)
		return
	}
	s.logger.Info("scheduled import launched", "job", snap.JobID)
}
