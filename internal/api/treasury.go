package api

import (
	"errors"
	"net/http"

	"github.com/clawinfra/evoshield/internal/portfolio"
)

type optimizeRequest struct {
	ExpectedReturns []float64   `json:"expected_returns"`
	Covariance      [][]float64 `json:"covariance"`
	Current         []float64   `json:"current_weights,omitempty"`
	// Zero values fall back to the optimizer's configuration.
	RiskAversion float64 `json:"risk_aversion,omitempty"`
	MaxWeight    float64 `json:"max_weight,omitempty"`
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	if s.deps.Optimizer == nil {
		writeError(w, http.StatusServiceUnavailable, "optimizer not available")
		return
	}
	var req optimizeRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p := s.deps.Optimizer.Problem(req.ExpectedReturns, req.Covariance, req.Current)
	if req.RiskAversion > 0 {
		p.RiskAversion = req.RiskAversion
	}
	if req.MaxWeight > 0 {
		p.MaxWeight = req.MaxWeight
	}
	res, err := s.deps.Optimizer.Optimize(r.Context(), p)
	if err != nil {
		if errors.Is(err, portfolio.ErrInvalidProblem) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("optimize failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTreasuryState(w http.ResponseWriter, r *http.Request) {
	if s.deps.Treasury == nil {
		writeError(w, http.StatusServiceUnavailable, "treasury not available")
		return
	}
	resp := map[string]interface{}{
		"state":      s.deps.Treasury.State(),
		"guardrails": s.deps.Treasury.Guardrails(),
	}
	if last, ok := s.deps.Treasury.Last(); ok {
		resp["last_rebalance"] = last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Treasury == nil {
		writeError(w, http.StatusServiceUnavailable, "treasury not available")
		return
	}
	var req optimizeRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rep, err := s.deps.Treasury.Rebalance(r.Context(), req.ExpectedReturns, req.Covariance)
	if err != nil {
		// Every rebalance failure is a malformed market view.
		s.logger.Warn("rebalance rejected", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleShock(w http.ResponseWriter, r *http.Request) {
	if s.deps.Treasury == nil {
		writeError(w, http.StatusServiceUnavailable, "treasury not available")
		return
	}
	var req struct {
		Returns []float64 `json:"returns"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	step, err := s.deps.Treasury.Shock(req.Returns)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, step)
}
