package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrJobNotFound is returned for an unknown job ID.
var ErrJobNotFound = errors.New("scheduler: job not found")

// Config is the scheduler section of the service config.
type Config struct {
	Enabled bool   `json:"enabled"`
	Jobs    []*Job `json:"jobs"`
}

// DefaultConfig enables the standard maintenance jobs.
func DefaultConfig() Config {
	return Config{Enabled: true, Jobs: DefaultJobs()}
}

// Stats summarises the job table.
type Stats struct {
	Jobs        int      `json:"total_jobs"`
	Enabled     int      `json:"active_jobs"`
	Armed       int      `json:"running_jobs"`
	InFlight    int      `json:"in_flight"`
	Runs        int64    `json:"total_runs"`
	Failures    int64    `json:"total_errors"`
	Started     bool     `json:"started"`
	FailingJobs []string `json:"failing_jobs,omitempty"`
}

// Scheduler owns the maintenance jobs and one runner per enabled job while
// started.
type Scheduler struct {
	mu      sync.RWMutex
	exec    Executor
	logger  *slog.Logger
	jobs    map[string]*Job
	runners map[string]*runner
	ctx     context.Context // nil until Start
	cancel  context.CancelFunc
}

// NewScheduler returns an idle scheduler with no jobs.
func NewScheduler(exec Executor, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		exec:    exec,
		logger:  logger.With("component", "scheduler"),
		jobs:    make(map[string]*Job),
		runners: make(map[string]*runner),
	}
}

// Start arms every enabled job. Runners stop when ctx ends or on Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return errors.New("scheduler: already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.jobs {
		s.armLocked(job)
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs), "armed", len(s.runners))
	return nil
}

// Stop cancels all runners and waits for them, including runs in flight.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.disarmAllLocked()
	s.ctx, s.cancel = nil, nil
	s.logger.Info("scheduler stopped")
}

// Replace swaps the job table. Jobs that fail validation are skipped and
// reported in the returned error; the valid ones are installed regardless.
// A started scheduler re-arms the new set immediately.
func (s *Scheduler) Replace(jobs []*Job) error {
	table := make(map[string]*Job, len(jobs))
	var errs []error
	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("job %q: %w", job.ID, err))
			continue
		}
		if _, dup := table[job.ID]; dup {
			errs = append(errs, fmt.Errorf("job %q: duplicate ID", job.ID))
			continue
		}
		table[job.ID] = job
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmAllLocked()
	s.jobs = table
	if s.ctx != nil {
		for _, job := range table {
			s.armLocked(job)
		}
	}
	s.logger.Info("job table replaced", "jobs", len(table), "armed", len(s.runners), "skipped", len(errs))
	return errors.Join(errs...)
}

// SetEnabled turns a job on or off and returns its updated copy.
func (s *Scheduler) SetEnabled(id string, enabled bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if r, armed := s.runners[id]; armed {
		r.halt()
		delete(s.runners, id)
	}
	job.mu.Lock()
	job.Enabled = enabled
	job.mu.Unlock()
	if s.ctx != nil {
		s.armLocked(job)
	}
	s.logger.Info("job toggled", "job", id, "enabled", enabled)
	return job.Clone(), nil
}

// GetJob returns a copy of the job with the given ID.
func (s *Scheduler) GetJob(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

// ListJobs returns copies of all jobs ordered by ID.
func (s *Scheduler) ListJobs() []*Job {
	s.mu.RLock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// RunJobNow runs a job once in the caller's goroutine, outside its schedule,
// and returns the task error. It returns ErrJobBusy when the job is already
// running.
func (s *Scheduler) RunJobNow(ctx context.Context, id string) error {
	s.mu.RLock()
	job, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err := newRunner(job, s.exec, s.logger).fire(ctx); err != nil {
		return fmt.Errorf("job %s: %w", id, err)
	}
	return nil
}

// Stats reports counters over the whole job table.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Jobs: len(s.jobs), Armed: len(s.runners), Started: s.ctx != nil}
	for id, job := range s.jobs {
		snap := job.Snapshot()
		st.Runs += snap.RunCount
		st.Failures += snap.ErrorCount
		if snap.Running {
			st.InFlight++
		}
		if snap.LastError != "" {
			st.FailingJobs = append(st.FailingJobs, id)
		}
		if job.Enabled {
			st.Enabled++
		}
	}
	sort.Strings(st.FailingJobs)
	return st
}

// armLocked starts a runner for an enabled job. Callers hold s.mu and have
// checked that the scheduler is started.
func (s *Scheduler) armLocked(job *Job) {
	if !job.Enabled {
		return
	}
	r := newRunner(job, s.exec, s.logger)
	r.start(s.ctx)
	s.runners[job.ID] = r
}

func (s *Scheduler) disarmAllLocked() {
	for id, r := range s.runners {
		r.halt()
		delete(s.runners, id)
	}
}
