package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/clawinfra/evoshield/internal/scheduler"
)

// jobsOrUnavailable returns the scheduler, or answers 503 and nil when the
// server runs without one.
func (s *Server) jobsOrUnavailable(w http.ResponseWriter) *scheduler.Scheduler {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not available")
	}
	return s.deps.Scheduler
}

// jobErrorStatus maps scheduler errors onto HTTP statuses.
func jobErrorStatus(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrJobBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Stats())
}

func (s *Server) handleSchedulerListJobs(w http.ResponseWriter, r *http.Request) {
	sched := s.jobsOrUnavailable(w)
	if sched == nil {
		return
	}
	jobs := sched.ListJobs()
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleSchedulerGetJob(w http.ResponseWriter, r *http.Request) {
	sched := s.jobsOrUnavailable(w)
	if sched == nil {
		return
	}
	job, err := sched.GetJob(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, jobErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleSchedulerRunJob runs a maintenance job synchronously and returns its
// state afterwards. A job that is already running answers 409.
func (s *Server) handleSchedulerRunJob(w http.ResponseWriter, r *http.Request) {
	sched := s.jobsOrUnavailable(w)
	if sched == nil {
		return
	}
	id := mux.Vars(r)["id"]
	if err := sched.RunJobNow(r.Context(), id); err != nil {
		status := jobErrorStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Warn("manual job run failed", "job", id, "error", err)
		}
		writeError(w, status, err.Error())
		return
	}
	job, err := sched.GetJob(id)
	if err != nil {
		writeError(w, jobErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job_id": id, "state": job.State})
}

// handleSchedulerUpdateJob toggles a job on or off: {"enabled": false}.
func (s *Server) handleSchedulerUpdateJob(w http.ResponseWriter, r *http.Request) {
	sched := s.jobsOrUnavailable(w)
	if sched == nil {
		return
	}
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeJSON(r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	job, err := sched.SetEnabled(mux.Vars(r)["id"], *body.Enabled)
	if err != nil {
		writeError(w, jobErrorStatus(err), err.Error())
		return
	}
	s.logger.Info("job toggled over API", "job", job.ID, "enabled", job.Enabled, "by", actor(r))
	writeJSON(w, http.StatusOK, job)
}
