package api

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/clawinfra/evoshield/internal/scheduler"
)

func TestSchedulerStatusAndList(t *testing.T) {
	e := newTestEnv(t, Config{}, nil)

	w := e.do(t, http.MethodGet, "/api/scheduler", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", w.Code)
	}
	var stats map[string]interface{}
	decodeBody(t, w, &stats)
	if stats["total_jobs"] != float64(3) || stats["started"] != false {
		t.Errorf("stats = %v", stats)
	}

	w = e.do(t, http.MethodGet, "/api/scheduler/jobs", nil, "")
	var list struct {
		Jobs  []*scheduler.Job `json:"jobs"`
		Count int              `json:"count"`
	}
	decodeBody(t, w, &list)
	if list.Count != 3 || list.Jobs[0].ID != "cleanup" {
		t.Errorf("unexpected jobs: count=%d first=%s", list.Count, list.Jobs[0].ID)
	}
}

func TestSchedulerGetJob(t *testing.T) {
	e := newTestEnv(t, Config{}, nil)

	w := e.do(t, http.MethodGet, "/api/scheduler/jobs/nightly", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var job scheduler.Job
	decodeBody(t, w, &job)
	if job.Action.Kind != scheduler.TaskNightly {
		t.Errorf("action = %s", job.Action.Kind)
	}

	w = e.do(t, http.MethodGet, "/api/scheduler/jobs/missing", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing job: expected 404, got %d", w.Code)
	}
}

func TestSchedulerRunJob(t *testing.T) {
	e := newTestEnv(t, Config{}, nil)

	w := e.do(t, http.MethodPost, "/api/scheduler/jobs/drain/run", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	calls := e.exec.Calls()
	if len(calls) != 1 || calls[0].Kind != scheduler.TaskDrain {
		t.Fatalf("executor calls = %+v", calls)
	}

	e.exec.err = errors.New("spill dir unreadable")
	w = e.do(t, http.MethodPost, "/api/scheduler/jobs/drain/run", nil, "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("failing job: expected 500, got %d", w.Code)
	}

	w = e.do(t, http.MethodPost, "/api/scheduler/jobs/missing/run", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing job: expected 404, got %d", w.Code)
	}
}

func TestSchedulerUpdateJob(t *testing.T) {
	e := newTestEnv(t, Config{}, nil)

	w := e.do(t, http.MethodPatch, "/api/scheduler/jobs/cleanup", map[string]bool{"enabled": false}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	job, err := e.sched.GetJob("cleanup")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Enabled {
		t.Error("job should be disabled")
	}

	w = e.do(t, http.MethodPatch, "/api/scheduler/jobs/missing", map[string]bool{"enabled": true}, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing job: expected 404, got %d", w.Code)
	}
	w = e.do(t, http.MethodPatch, "/api/scheduler/jobs/cleanup", map[string]string{"name": "x"}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("body without enabled: expected 400, got %d", w.Code)
	}
}

func TestSchedulerRunJobConflict(t *testing.T) {
	e := newTestEnv(t, Config{}, nil)
	release := make(chan struct{})
	e.exec.hold = release

	first := make(chan int, 1)
	go func() {
		first <- e.do(t, http.MethodPost, "/api/scheduler/jobs/drain/run", nil, "").Code
	}()

	deadline := time.Now().Add(2 * time.Second)
	for e.sched.Stats().InFlight == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	w := e.do(t, http.MethodPost, "/api/scheduler/jobs/drain/run", nil, "")
	close(release)

	if w.Code != http.StatusConflict {
		t.Errorf("second run: expected 409, got %d", w.Code)
	}
	if code := <-first; code != http.StatusOK {
		t.Errorf("first run: expected 200, got %d", code)
	}
}

func TestSchedulerUnavailable(t *testing.T) {
	e := newTestEnv(t, Config{}, func(d *Deps) { d.Scheduler = nil })

	w := e.do(t, http.MethodGet, "/api/scheduler", nil, "")
	var stats map[string]interface{}
	decodeBody(t, w, &stats)
	if stats["enabled"] != false {
		t.Errorf("expected disabled status, got %v", stats)
	}
	if w := e.do(t, http.MethodGet, "/api/scheduler/jobs", nil, ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("list: expected 503, got %d", w.Code)
	}
}
