package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
)

// Task kinds a job can run.
const (
	TaskNightly = "nightly"
	TaskRetrain = "retrain"
	TaskTune    = "tune"
	TaskCleanup = "cleanup"
	TaskDrain   = "drain"
)

// Schedule kinds.
const (
	KindInterval = "interval"
	KindCron     = "cron"
	KindAt       = "at"
)

// ErrJobBusy is returned when a run is requested while the previous run of
// the same job is still in flight.
var ErrJobBusy = errors.New("scheduler: job already running")

// Job is one maintenance task and the schedule it fires on.
type Job struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Schedule ScheduleConfig `json:"schedule"`
	Action   ActionConfig   `json:"action"`
	Enabled  bool           `json:"enabled"`
	State    JobState       `json:"state"`

	mu sync.Mutex
}

// ScheduleConfig says when a job fires. Interval jobs fire every IntervalMs;
// cron jobs follow a five-field expression; at jobs fire daily at Time
// (HH:MM). Timezone applies to cron and at, and at defaults to UTC.
type ScheduleConfig struct {
	Kind       string `json:"kind"`
	IntervalMs int64  `json:"intervalMs,omitempty"`
	Expr       string `json:"expr,omitempty"`
	Time       string `json:"time,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
}

// ActionConfig says which task a job runs and with which overrides.
type ActionConfig struct {
	Kind          string   `json:"kind"`
	Agents        []string `json:"agents,omitempty"`
	DryRun        bool     `json:"dryRun,omitempty"`
	RetentionDays int      `json:"retentionDays,omitempty"`
	TimeoutSec    int      `json:"timeoutSec,omitempty"`
}

// JobState is the execution record of a job.
type JobState struct {
	Running      bool          `json:"running"`
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
	RunCount     int64         `json:"runCount"`
	ErrorCount   int64         `json:"errorCount"`
	LastError    string        `json:"lastError,omitempty"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
}

// every fires at a fixed delay. cron.Every truncates to whole seconds, which
// is too coarse for short drain intervals.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

// compile turns the config into a cron.Schedule.
func (s ScheduleConfig) compile() (cron.Schedule, error) {
	switch s.Kind {
	case KindInterval:
		if s.IntervalMs <= 0 {
			return nil, errors.New("intervalMs must be positive")
		}
		return every(time.Duration(s.IntervalMs) * time.Millisecond), nil
	case KindCron:
		if s.Expr == "" {
			return nil, errors.New("cron expression required")
		}
		spec := s.Expr
		if s.Timezone != "" {
			spec = "CRON_TZ=" + s.Timezone + " " + spec
		}
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression: %w", err)
		}
		return sched, nil
	case KindAt:
		at, err := time.Parse("15:04", s.Time)
		if err != nil {
			return nil, fmt.Errorf("invalid time %q (use HH:MM): %w", s.Time, err)
		}
		tz := s.Timezone
		if tz == "" {
			tz = "UTC"
		}
		sched, err := cron.ParseStandard(fmt.Sprintf("CRON_TZ=%s %d %d * * *", tz, at.Minute(), at.Hour()))
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		return sched, nil
	default:
		return nil, fmt.Errorf("unknown schedule kind %q (use interval, cron or at)", s.Kind)
	}
}

// Validate checks the action kind and its options.
func (a ActionConfig) Validate() error {
	switch a.Kind {
	case TaskNightly, TaskRetrain, TaskTune, TaskDrain:
	case TaskCleanup:
		if a.RetentionDays < 0 {
			return errors.New("retentionDays must not be negative")
		}
	default:
		return fmt.Errorf("unknown action kind %q (use nightly, retrain, tune, cleanup or drain)", a.Kind)
	}
	if a.TimeoutSec < 0 {
		return errors.New("timeoutSec must not be negative")
	}
	return nil
}

// Validate reports the first problem with the job definition.
func (j *Job) Validate() error {
	switch {
	case j.ID == "":
		return errors.New("job ID required")
	case j.Name == "":
		return errors.New("job name required")
	}
	if _, err := j.Schedule.compile(); err != nil {
		return err
	}
	return j.Action.Validate()
}

// NextRun returns the first fire time strictly after from.
func (j *Job) NextRun(from time.Time) (time.Time, error) {
	sched, err := j.Schedule.compile()
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// Timeout bounds one run. Zero leaves the run bounded by shutdown only.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.Action.TimeoutSec) * time.Second
}

func (j *Job) setNextRun(t time.Time) {
	j.mu.Lock()
	j.State.NextRunAt = t
	j.mu.Unlock()
}

// begin marks the job running. It fails when a run is already in flight.
func (j *Job) begin() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.State.Running {
		return false
	}
	j.State.Running = true
	return true
}

// finish records a completed run and returns the new state.
func (j *Job) finish(start time.Time, err error) JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := &j.State
	st.Running = false
	st.LastRunAt = start
	st.LastDuration = time.Since(start)
	st.RunCount++
	st.LastError = ""
	if err != nil {
		st.ErrorCount++
		st.LastError = err.Error()
	}
	return *st
}

// Snapshot returns a copy of the execution state.
func (j *Job) Snapshot() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.State
}

// Clone returns a deep copy that shares nothing with j.
func (j *Job) Clone() *Job {
	j.mu.Lock()
	data, _ := json.Marshal(j)
	j.mu.Unlock()
	var clone Job
	_ = json.Unmarshal(data, &clone)
	return &clone
}

// DefaultJobs returns the standard maintenance schedule: the nightly pass at
// 02:00 UTC, replay retention at 03:30 UTC and a spill drain every minute.
func DefaultJobs() []*Job {
	return []*Job{
		{
			ID:       "nightly",
			Name:     "Nightly tuning and retraining",
			Schedule: ScheduleConfig{Kind: KindCron, Expr: "0 2 * * *", Timezone: "UTC"},
			Action:   ActionConfig{Kind: TaskNightly, TimeoutSec: 3600},
			Enabled:  true,
		},
		{
			ID:       "cleanup",
			Name:     "Replay retention",
			Schedule: ScheduleConfig{Kind: KindAt, Time: "03:30"},
			Action:   ActionConfig{Kind: TaskCleanup, RetentionDays: 90},
			Enabled:  true,
		},
		{
			ID:       "drain",
			Name:     "Drain replay spill",
			Schedule: ScheduleConfig{Kind: KindInterval, IntervalMs: 60000},
			Action:   ActionConfig{Kind: TaskDrain},
			Enabled:  true,
		},
	}
}
