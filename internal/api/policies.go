package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/clawinfra/evoshield/internal/agents"
	"github.com/clawinfra/evoshield/internal/policy"
	"github.com/clawinfra/evoshield/internal/trainer"
)

type agentInfo struct {
	Name    string   `json:"name"`
	Kind    string   `json:"kind"`
	Actions []string `json:"actions"`
	Live    bool     `json:"live"`
}

// handleAgents lists the named agents plus any other agent with a live bandit.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	active := s.deps.Trainer.Agents()
	live := make(map[string]bool, len(active))
	for _, a := range active {
		live[a] = true
	}
	var out []agentInfo
	seen := make(map[string]bool)
	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		k := agents.KindOf(name)
		out = append(out, agentInfo{Name: name, Kind: k.String(), Actions: k.Actions(), Live: live[name]})
	}
	for _, k := range agents.Named {
		add(k.String())
	}
	for _, name := range active {
		add(name)
	}
	writeJSON(w, http.StatusOK, out)
}

type policyResponse struct {
	Agent    string                 `json:"agent"`
	Version  int                    `json:"version"`
	Algo     string                 `json:"algo"`
	Actions  int                    `json:"actions"`
	Dim      int                    `json:"dim"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	agent := mux.Vars(r)["agent"]
	p := s.deps.Policies.Load(r.Context(), agent)
	resp := policyResponse{
		Agent:    agent,
		Version:  p.Version,
		Algo:     p.Algo,
		Actions:  p.Params.Actions,
		Dim:      p.Params.Dim,
		Metadata: p.Metadata,
	}
	if r.URL.Query().Get("full") == "true" {
		writeJSON(w, http.StatusOK, p)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePolicyVersions(w http.ResponseWriter, r *http.Request) {
	agent := mux.Vars(r)["agent"]
	limit, err := intQuery(r, "limit", policy.DefaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	versions, err := s.deps.Policies.ListVersions(r.Context(), agent, limit)
	if err != nil {
		s.logger.Error("list policy versions failed", "agent", agent, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	current, _ := s.deps.Policies.Current(r.Context(), agent)
	out := make([]policyResponse, 0, len(versions))
	for _, p := range versions {
		out = append(out, policyResponse{
			Agent:    p.Agent,
			Version:  p.Version,
			Algo:     p.Algo,
			Actions:  p.Params.Actions,
			Dim:      p.Params.Dim,
			Metadata: p.Metadata,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent":    agent,
		"active":   current,
		"versions": out,
	})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	agent := mux.Vars(r)["agent"]
	var body struct {
		Version int `json:"version"`
	}
	if err := decodeJSON(r, &body, false); err != nil || body.Version <= 0 {
		writeError(w, http.StatusBadRequest, "body must be {\"version\": n} with n >= 1")
		return
	}
	if err := s.deps.Policies.Rollback(r.Context(), agent, body.Version); err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("rollback failed", "agent", agent, "version", body.Version, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.deps.Trainer.Reload(agent)
	s.logger.Info("policy rolled back", "agent", agent, "version", body.Version, "by", actor(r))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent":   agent,
		"version": body.Version,
	})
}

func (s *Server) handleRewardConfig(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"active": s.deps.Trainer.RewardConfig(),
	}
	if s.deps.Rewards != nil {
		v, err := s.deps.Rewards.ActiveRewardConfig(r.Context())
		switch {
		case err == nil:
			resp["stored"] = v
		case !errors.Is(err, policy.ErrNotFound):
			s.logger.Error("load reward config failed", "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRewardVersions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rewards == nil {
		writeError(w, http.StatusServiceUnavailable, "reward config store not available")
		return
	}
	limit, err := intQuery(r, "limit", policy.DefaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	versions, err := s.deps.Rewards.ListRewardConfigs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleTrainingRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "training run store not available")
		return
	}
	limit, err := intQuery(r, "limit", policy.DefaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.deps.Runs.ListTrainingRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleRetrain runs a retraining pass. The body overrides the configured
// options field by field.
func (s *Server) handleRetrain(w http.ResponseWriter, r *http.Request) {
	opts := s.deps.Trainer.RetrainDefaults()
	if err := decodeJSON(r, &opts, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, err := s.deps.Trainer.Retrain(r.Context(), opts)
	if err != nil {
		s.logger.Error("retrain failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleTune(w http.ResponseWriter, r *http.Request) {
	rep, err := s.deps.Trainer.TuneRewards(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, trainer.ErrNoTuner) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
