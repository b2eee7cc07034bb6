package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/lox/dailyclimate/internal/ingest"
	"github.com/lox/dailyclimate/internal/models"
)

var ErrInvalidKind = errors.New("invalid import kind")

// Kind names the import a job runs.
type Kind string

const (
	KindStations Kind = "stations"
	KindWeather  Kind = "weather"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindStations, KindWeather:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// Importer is the import surface jobs drive; *ingest.Importer satisfies it.
type Importer interface {
	RunFullRefresh(ctx context.Context, opts ingest.RefreshOptions, progress models.ProgressFunc) (*models.ImportResult, error)
	RunStationRefresh(ctx context.Context, progress models.ProgressFunc) (*models.StationImportStats, error)
}

// Launcher starts import jobs on a registry.
type Launcher struct {
	registry *Registry
	importer Importer
}

func NewLauncher(registry *Registry, importer Importer) *Launcher {
	return &Launcher{registry: registry, importer: importer}
}

func (l *Launcher) Registry() *Registry {
	return l.registry
}

// Launch starts an import of the named kind and returns its initial
// snapshot.
func (l *Launcher) Launch(kind string) (Snapshot, error) {
	k, err := ParseKind(kind)
	if err != nil {
		return Snapshot{}, err
	}
	return l.registry.Start(k, l.work(k)), nil
}

func (l *Launcher) work(kind Kind) Work {
	switch kind {
	case KindStations:
		return func(ctx context.Context, progress models.ProgressFunc) (any, error) {
			stats, err := l.importer.RunStationRefresh(ctx, progress)
			if err != nil {
				return nil, err
			}
			return stats, nil
		}
	default:
		return func(ctx context.Context, progress models.ProgressFunc) (any, error) {
			result, err := l.importer.RunFullRefresh(ctx, ingest.RefreshOptions{}, progress)
			if err != nil {
				return nil, err
			}
			return result, nil
		}
	}
}
