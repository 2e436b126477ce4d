// Package treasury turns optimizer targets into shielded rebalancing steps.
package treasury

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/clawinfra/evoshield/internal/portfolio"
	"github.com/clawinfra/evoshield/internal/shield"
)

// Report describes one rebalance.
type Report struct {
	Target     []float64         `json:"target"`
	Delta      []float64         `json:"delta"`
	Allocation portfolio.Result  `json:"allocation"`
	Step       shield.StepResult `json:"step"`
	Guardrails shield.Report     `json:"guardrails"`
	At         time.Time         `json:"at"`
}

// Rebalancer moves the shielded treasury toward the optimizer's target.
// Rebalances are serialized.
type Rebalancer struct {
	optimizer *portfolio.Optimizer
	env       *shield.Env
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	last *Report
}

// New creates a rebalancer.
func New(opt *portfolio.Optimizer, env *shield.Env, logger *slog.Logger) *Rebalancer {
	return &Rebalancer{
		optimizer: opt,
		env:       env,
		logger:    logger.With("component", "treasury"),
		now:       time.Now,
	}
}

// Rebalance solves for a target allocation from the current weights and
// applies it through the shield. Coverage is simulated with mu and the
// optimizer's weight cap never exceeds the shield's.
func (r *Rebalancer) Rebalance(ctx context.Context, mu []float64, cov [][]float64) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.env.State()
	if len(mu) != len(state.Weights) {
		return Report{}, fmt.Errorf("treasury: %d expected returns for %d assets", len(mu), len(state.Weights))
	}
	p := r.optimizer.Problem(mu, cov, state.Weights)
	p.MaxWeight = math.Min(p.MaxWeight, r.env.Config().MaxWeight)

	alloc, err := r.optimizer.Optimize(ctx, p)
	if err != nil {
		return Report{}, fmt.Errorf("optimize: %w", err)
	}

	delta := make([]float64, len(alloc.Weights))
	for i := range delta {
		delta[i] = alloc.Weights[i] - state.Weights[i]
	}
	step, err := r.env.StepWithReturns(delta, mu)
	if err != nil {
		return Report{}, fmt.Errorf("shield step: %w", err)
	}

	rep := Report{
		Target:     alloc.Weights,
		Delta:      delta,
		Allocation: alloc,
		Step:       step,
		Guardrails: shield.CheckLimits(step.State, r.env.Config().Limits()),
		At:         r.now().UTC(),
	}
	r.last = &rep
	r.logger.Info("rebalanced",
		"tier", alloc.Tier,
		"violated", step.Violated,
		"coverage", step.State.Coverage,
		"turnover", step.Turnover,
	)
	return rep, nil
}

// Shock applies realized returns without changing the target.
func (r *Rebalancer) Shock(returns []float64) (shield.StepResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.env.StepWithReturns(make([]float64, r.env.Config().Assets), returns)
}

// Last returns the most recent rebalance, if any.
func (r *Rebalancer) Last() (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Report{}, false
	}
	return *r.last, true
}

// State returns the shielded state.
func (r *Rebalancer) State() shield.State { return r.env.State() }

// Guardrails checks the current state against the shield limits.
func (r *Rebalancer) Guardrails() shield.Report {
	return shield.CheckLimits(r.env.State(), r.env.Config().Limits())
}
