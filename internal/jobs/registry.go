package jobs

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/lox/dailyclimate/internal/metrics"
	"github.com/lox/dailyclimate/internal/models"
)

var ErrJobNotFound = errors.New("job not found")

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Progress at or above this is left alone on completion; anything lower is
// bumped to 100.
const completeThreshold = 99.0

// Work is the body of a job. It reports progress through the supplied
// callback and returns the job's result.
type Work func(ctx context.Context, progress models.ProgressFunc) (any, error)

// Snapshot is a consistent copy of a job's state.
type Snapshot struct {
	JobID      string         `json:"job_id"`
	JobType    Kind           `json:"job_type"`
	Status     Status         `json:"status"`
	Progress   float64        `json:"progress"`
	Message    string         `json:"message"`
	Stage      string         `json:"stage"`
	Detail     map[string]any `json:"detail"`
	Result     any            `json:"result"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at"`
}

func (s Snapshot) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

type job struct {
	mu    sync.Mutex
	seq   uint64
	state Snapshot
}

func (j *job) snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := j.state
	s.Detail = maps.Clone(j.state.Detail)
	if s.Detail == nil {
		s.Detail = map[string]any{}
	}
	return s
}

// progress applies an update, never letting the percentage go backwards.
func (j *job) progress(p models.Progress) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	j.state.Progress = max(j.state.Progress, min(p.Percent, 100))
	if p.Message != "" {
		j.state.Message = p.Message
	}
	if p.Stage != "" {
		j.state.Stage = p.Stage
	}
	if p.Detail != nil {
		j.state.Detail = maps.Clone(p.Detail)
	}
}

// Registry runs jobs in their own goroutines and keeps their state in
// memory for the life of the process.
type Registry struct {
	mu     sync.RWMutex
	jobs   map[string]*job
	seq    uint64
	wg     sync.WaitGroup
	clock  clockwork.Clock
	logger *slog.Logger
	hooks  []func(Snapshot)
}

type Option func(*Registry)

func WithClock(c clockwork.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithHook registers fn to be called with the final snapshot of every job.
func WithHook(fn func(Snapshot)) Option {
	return func(r *Registry) { r.hooks = append(r.hooks, fn) }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		jobs:   make(map[string]*job),
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "jobs")
	return r
}

// Start registers a pending job and runs work in the background. The
// returned snapshot is taken before the worker starts.
func (r *Registry) Start(kind Kind, work Work) Snapshot {
	id := uuid.New()
	j := &job{state: Snapshot{
		JobID:     hex.EncodeToString(id[:]),
		JobType:   kind,
		Status:    StatusPending,
		Message:   "pending",
		Detail:    map[string]any{},
		StartedAt: r.clock.Now().UTC(),
	}}

	r.mu.Lock()
	r.seq++
	j.seq = r.seq
	r.jobs[j.state.JobID] = j
	r.mu.Unlock()

	snap := j.snapshot()
	r.wg.Add(1)
	go r.run(j, work)
	return snap
}

func (r *Registry) run(j *job, work Work) {
	defer r.wg.Done()

	j.mu.Lock()
	j.state.Status = StatusRunning
	j.state.Message = "starting"
	j.state.Stage = "prepare"
	j.state.Progress = 0
	j.state.Detail = map[string]any{}
	id, kind := j.state.JobID, j.state.JobType
	j.mu.Unlock()

	logger := r.logger.With("job", id, "type", kind)
	logger.Info("job started")

	result, err := r.invoke(j, work)

	finished := r.clock.Now().UTC()
	j.mu.Lock()
	j.state.FinishedAt = &finished
	if err != nil {
		j.state.Status = StatusFailed
		j.state.Error = err.Error()
		j.state.Message = "failed"
	} else {
		j.state.Status = StatusCompleted
		j.state.Result = result
		if j.state.Progress < completeThreshold {
			j.state.Progress = 100
		}
		if j.state.Message == "starting" || j.state.Message == "" {
			j.state.Message = "completed"
		}
	}
	status := j.state.Status
	j.mu.Unlock()

	metrics.JobsTotal.WithLabelValues(string(kind), string(status)).Inc()
	if err != nil {
		logger.Error("job failed", "error", err)
	} else {
		logger.Info("job completed")
	}

	final := j.snapshot()
	for _, hook := range r.hooks {
		hook(final)
	}
}

func (r *Registry) invoke(j *job, work Work) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return work(context.Background(), j.progress)
}

// Get returns the current state of a job.
func (r *Registry) Get(id string) (Snapshot, error) {
	r.mu.RLock()
	j, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrJobNotFound
	}
	return j.snapshot(), nil
}

// List returns every job, newest first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	all := make([]*job, 0, len(r.jobs))
	for _, j := range r.jobs {
		all = append(all, j)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(a, b int) bool { return all[a].seq > all[b].seq })
	out := make([]Snapshot, len(all))
	for i, j := range all {
		out[i] = j.snapshot()
	}
	return out
}

// Active reports whether a job of the given kind has not finished yet.
func (r *Registry) Active(kind Kind) bool {
	for _, s := range r.List() {
		if s.JobType == kind && !s.Terminal() {
			return true
		}
	}
	return false
}

// Wait blocks until every started job has finished.
func (r *Registry) Wait() {
	r.wg.Wait()
}
