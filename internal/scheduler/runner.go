package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Executor runs the task named by a job's action.
type Executor interface {
	Run(ctx context.Context, action ActionConfig) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, action ActionConfig) error

// Run calls f.
func (f ExecutorFunc) Run(ctx context.Context, action ActionConfig) error { return f(ctx, action) }

// runner sleeps until a job's next fire time, runs it and repeats until
// halted.
type runner struct {
	job    *Job
	exec   Executor
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func newRunner(job *Job, exec Executor, logger *slog.Logger) *runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &runner{
		job:    job,
		exec:   exec,
		logger: logger.With("job", job.ID, "task", job.Action.Kind),
		cancel: func() {},
		done:   make(chan struct{}),
	}
}

// start launches the loop under a child of parent.
func (r *runner) start(parent context.Context) {
	var ctx context.Context
	ctx, r.cancel = context.WithCancel(parent)
	go r.loop(ctx)
}

func (r *runner) loop(ctx context.Context) {
	defer close(r.done)
	for {
		next, err := r.job.NextRun(time.Now())
		if err != nil {
			r.logger.Error("cannot compute next run, runner exits", "error", err)
			return
		}
		r.job.setNextRun(next)
		r.logger.Debug("job armed", "next_run", next.Format(time.RFC3339))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := r.fire(ctx); errors.Is(err, ErrJobBusy) {
			r.logger.Warn("previous run still in flight, skipping this one")
		}
	}
}

// halt cancels the loop, including a run in flight, and waits for it.
func (r *runner) halt() {
	r.cancel()
	<-r.done
}

// fire runs the job once and records the outcome on the job.
func (r *runner) fire(ctx context.Context) error {
	if !r.job.begin() {
		return ErrJobBusy
	}
	start := time.Now()
	err := r.invoke(ctx)
	st := r.job.finish(start, err)

	if err != nil {
		r.logger.Error("maintenance task failed",
			"error", err,
			"took", st.LastDuration,
			"failures", st.ErrorCount)
		return err
	}
	r.logger.Info("maintenance task done", "took", st.LastDuration, "runs", st.RunCount)
	return nil
}

func (r *runner) invoke(ctx context.Context) (err error) {
	if r.exec == nil {
		return fmt.Errorf("no executor for task %s", r.job.Action.Kind)
	}
	if d := r.job.Timeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", r.job.Action.Kind, p)
		}
	}()
	return r.exec.Run(ctx, r.job.Action)
}
