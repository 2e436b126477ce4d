package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// countingExecutor records every action it is asked to run.
type countingExecutor struct {
	mu    sync.Mutex
	calls []ActionConfig
	err   error
}

func (c *countingExecutor) Run(_ context.Context, a ActionConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, a)
	return c.err
}

func (c *countingExecutor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *countingExecutor) last() ActionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[len(c.calls)-1]
}

func drainEvery(id string, d time.Duration) *Job {
	return &Job{
		ID:       id,
		Name:     "drain " + id,
		Enabled:  true,
		Schedule: ScheduleConfig{Kind: KindInterval, IntervalMs: d.Milliseconds()},
		Action:   ActionConfig{Kind: TaskDrain},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunnerFireRecordsOutcome(t *testing.T) {
	exec := &countingExecutor{}
	job := validJob()
	job.Action = ActionConfig{Kind: TaskCleanup, RetentionDays: 30}

	if err := newRunner(job, exec, nil).fire(context.Background()); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if got := exec.last(); got.RetentionDays != 30 {
		t.Errorf("action = %+v", got)
	}
	if st := job.Snapshot(); st.RunCount != 1 || st.ErrorCount != 0 || st.LastRunAt.IsZero() {
		t.Errorf("state = %+v", st)
	}

	exec.err = errors.New("not enough samples")
	if err := newRunner(job, exec, nil).fire(context.Background()); err == nil {
		t.Fatal("expected task error")
	}
	if st := job.Snapshot(); st.ErrorCount != 1 || st.LastError != "not enough samples" {
		t.Errorf("state after failure = %+v", st)
	}
}

func TestRunnerFireFailures(t *testing.T) {
	tests := []struct {
		name string
		exec Executor
	}{
		{"no executor", nil},
		{"panicking task", ExecutorFunc(func(context.Context, ActionConfig) error { panic("nil policy") })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := validJob()
			if err := newRunner(job, tt.exec, nil).fire(context.Background()); err == nil {
				t.Fatal("expected an error")
			}
			if st := job.Snapshot(); st.ErrorCount != 1 || st.Running {
				t.Errorf("state = %+v", st)
			}
		})
	}
}

func TestRunnerAppliesTimeout(t *testing.T) {
	job := validJob()
	job.Action.TimeoutSec = 2
	var remaining time.Duration
	exec := ExecutorFunc(func(ctx context.Context, _ ActionConfig) error {
		deadline, ok := ctx.Deadline()
		if !ok {
			return errors.New("no deadline")
		}
		remaining = time.Until(deadline)
		return nil
	})
	if err := newRunner(job, exec, nil).fire(context.Background()); err != nil {
		t.Fatal(err)
	}
	if remaining <= 0 || remaining > 2*time.Second {
		t.Errorf("deadline in %v, want within 2s", remaining)
	}
}

func TestRunnerRefusesOverlap(t *testing.T) {
	job := validJob()
	started, release := make(chan struct{}), make(chan struct{})
	exec := ExecutorFunc(func(context.Context, ActionConfig) error {
		close(started)
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- newRunner(job, exec, nil).fire(context.Background()) }()
	<-started

	if err := newRunner(job, exec, nil).fire(context.Background()); !errors.Is(err, ErrJobBusy) {
		t.Errorf("overlapping fire = %v, want ErrJobBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("first fire: %v", err)
	}
	if st := job.Snapshot(); st.RunCount != 1 {
		t.Errorf("RunCount = %d, the refused fire must not count", st.RunCount)
	}
}

func TestRunnerLoopAndHalt(t *testing.T) {
	exec := &countingExecutor{}
	job := drainEvery("spill", 30*time.Millisecond)
	r := newRunner(job, exec, nil)
	r.start(context.Background())

	waitFor(t, func() bool { return exec.count() >= 2 })
	if job.Snapshot().NextRunAt.IsZero() {
		t.Error("next run not recorded")
	}
	r.halt()

	after := exec.count()
	time.Sleep(100 * time.Millisecond)
	if exec.count() != after {
		t.Error("runner kept firing after halt")
	}
}

func TestRunnerHaltCancelsRunInFlight(t *testing.T) {
	job := drainEvery("slow", 10*time.Millisecond)
	exec := ExecutorFunc(func(ctx context.Context, _ ActionConfig) error {
		<-ctx.Done()
		return ctx.Err()
	})
	r := newRunner(job, exec, nil)
	r.start(context.Background())

	waitFor(t, func() bool { return job.Snapshot().Running })
	r.halt()
	if st := job.Snapshot(); st.Running || st.ErrorCount != 1 {
		t.Errorf("state after halt = %+v", st)
	}
}
