package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReplaceInstallsValidJobs(t *testing.T) {
	s := NewScheduler(&countingExecutor{}, nil)

	bad := drainEvery("bad", time.Minute)
	bad.Action.Kind = "shell"
	dup := drainEvery("a", time.Hour)

	err := s.Replace([]*Job{drainEvery("b", time.Minute), drainEvery("a", time.Minute), bad, dup})
	if err == nil {
		t.Fatal("expected invalid and duplicate jobs to be reported")
	}

	jobs := s.ListJobs()
	if len(jobs) != 2 || jobs[0].ID != "a" || jobs[1].ID != "b" {
		t.Fatalf("jobs = %+v", jobs)
	}
	if jobs[0].Schedule.IntervalMs != time.Minute.Milliseconds() {
		t.Error("duplicate should not override the first definition")
	}

	if err := s.Replace(nil); err != nil {
		t.Fatalf("Replace(nil): %v", err)
	}
	if len(s.ListJobs()) != 0 {
		t.Error("Replace(nil) should empty the table")
	}
}

func TestGetJobReturnsCopy(t *testing.T) {
	s := NewScheduler(nil, nil)
	_ = s.Replace(DefaultJobs())

	j, err := s.GetJob("nightly")
	if err != nil {
		t.Fatal(err)
	}
	j.Enabled = false
	if again, _ := s.GetJob("nightly"); !again.Enabled {
		t.Error("mutating the returned job changed the scheduler")
	}
	if _, err := s.GetJob("weekly"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("GetJob(weekly) = %v", err)
	}
}

func TestRunJobNow(t *testing.T) {
	exec := &countingExecutor{}
	s := NewScheduler(exec, nil)
	_ = s.Replace([]*Job{validJob()})

	if err := s.RunJobNow(context.Background(), "retrain-lender"); err != nil {
		t.Fatalf("RunJobNow: %v", err)
	}
	if a := exec.last(); a.Kind != TaskRetrain || a.Agents[0] != "Lender" {
		t.Errorf("action = %+v", a)
	}

	exec.err = errors.New("policy store offline")
	if err := s.RunJobNow(context.Background(), "retrain-lender"); err == nil {
		t.Error("task failure should be returned")
	}
	if err := s.RunJobNow(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("missing job = %v", err)
	}

	st := s.Stats()
	if st.Runs != 2 || st.Failures != 1 || len(st.FailingJobs) != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestStartArmsEnabledJobs(t *testing.T) {
	exec := &countingExecutor{}
	s := NewScheduler(exec, nil)
	off := drainEvery("off", 20*time.Millisecond)
	off.Enabled = false
	_ = s.Replace([]*Job{drainEvery("on", 20*time.Millisecond), off})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}

	st := s.Stats()
	if !st.Started || st.Armed != 1 || st.Enabled != 1 || st.Jobs != 2 {
		t.Errorf("stats = %+v", st)
	}
	waitFor(t, func() bool { return exec.count() >= 2 })
	s.Stop()

	if j, _ := s.GetJob("off"); j.State.RunCount != 0 {
		t.Error("disabled job ran")
	}
	if st := s.Stats(); st.Started || st.Armed != 0 {
		t.Errorf("stats after Stop = %+v", st)
	}
}

func TestReplaceWhileStarted(t *testing.T) {
	exec := &countingExecutor{}
	s := NewScheduler(exec, nil)
	_ = s.Replace([]*Job{drainEvery("old", time.Hour)})

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	_ = s.Replace([]*Job{drainEvery("new", 20*time.Millisecond)})
	if _, err := s.GetJob("old"); err == nil {
		t.Error("old job survived Replace")
	}
	waitFor(t, func() bool { return exec.count() > 0 })
}

func TestSetEnabled(t *testing.T) {
	exec := &countingExecutor{}
	s := NewScheduler(exec, nil)
	job := drainEvery("spill", 20*time.Millisecond)
	job.Enabled = false
	_ = s.Replace([]*Job{job})

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	got, err := s.SetEnabled("spill", true)
	if err != nil || !got.Enabled {
		t.Fatalf("SetEnabled(true) = %+v, %v", got, err)
	}
	waitFor(t, func() bool { return exec.count() > 0 })

	if _, err = s.SetEnabled("spill", false); err != nil {
		t.Fatal(err)
	}
	if st := s.Stats(); st.Armed != 0 || st.Enabled != 0 {
		t.Errorf("stats after disabling = %+v", st)
	}
	if _, err := s.SetEnabled("missing", true); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("missing job = %v", err)
	}
}
