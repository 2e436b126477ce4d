package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/clawinfra/evoshield/internal/bandit"
	"github.com/clawinfra/evoshield/internal/features"
	"github.com/clawinfra/evoshield/internal/trainer"
)

type observeRequest struct {
	Decision trainer.Decision `json:"decision"`
	Outcome  trainer.Outcome  `json:"outcome"`
}

type trainRequest struct {
	Request trainer.DecisionRequest `json:"request"`
	Outcome trainer.Outcome         `json:"outcome"`
}

type trainResponse struct {
	Decision trainer.Decision `json:"decision"`
	Result   trainer.Result   `json:"result"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req trainer.DecisionRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Agent == "" {
		writeError(w, http.StatusBadRequest, "agent is required")
		return
	}
	d, err := s.deps.Trainer.Decide(r.Context(), req)
	if err != nil {
		s.logger.Error("decide failed", "agent", req.Agent, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	var req observeRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.deps.Trainer.Observe(r.Context(), req.Decision, req.Outcome)
	if err != nil {
		s.writeTrainerError(w, req.Decision.Agent, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req trainRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Request.Agent == "" {
		writeError(w, http.StatusBadRequest, "agent is required")
		return
	}
	d, res, err := s.deps.Trainer.TrainStep(r.Context(), req.Request, req.Outcome)
	if err != nil {
		s.writeTrainerError(w, req.Request.Agent, err)
		return
	}
	writeJSON(w, http.StatusOK, trainResponse{Decision: d, Result: res})
}

func (s *Server) writeTrainerError(w http.ResponseWriter, agent string, err error) {
	if errors.Is(err, trainer.ErrUnknownDecision) ||
		errors.Is(err, features.ErrInvalidContext) ||
		errors.Is(err, bandit.ErrInvalidAction) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Error("training step failed", "agent", agent, "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeStats(w, r, r.URL.Query().Get("agent"))
}

func (s *Server) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	s.writeStats(w, r, mux.Vars(r)["agent"])
}

func (s *Server) writeStats(w http.ResponseWriter, r *http.Request, agent string) {
	days, err := intQuery(r, "days", 7)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.deps.Trainer.Statistics(r.Context(), agent, days)
	if err != nil {
		s.logger.Error("statistics failed", "agent", agent, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleLearning reports or flips the learning switch.
func (s *Server) handleLearning(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var body struct {
			Enabled *bool `json:"enabled"`
		}
		if err := decodeJSON(r, &body, false); err != nil || body.Enabled == nil {
			writeError(w, http.StatusBadRequest, "body must be {\"enabled\": true|false}")
			return
		}
		if *body.Enabled {
			s.deps.Trainer.Enable()
		} else {
			s.deps.Trainer.Disable()
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.deps.Trainer.Enabled()})
}
