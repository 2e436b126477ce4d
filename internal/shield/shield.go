// Package shield wraps the treasury allocation with hard risk limits. A step
// that would break the coverage floor is rejected and the state is left as it was.
package shield

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/clawinfra/evoshield/internal/events"
	"github.com/clawinfra/evoshield/internal/metrics"
	"github.com/clawinfra/evoshield/internal/portfolio"
)

const tolerance = 1e-9

var (
	ErrInvalidDelta  = errors.New("shield: invalid delta")
	ErrInvalidConfig = errors.New("shield: invalid config")
)

// Config describes the environment and its limits. Asset 0 is cash.
type Config struct {
	Assets            int       `json:"assets"`
	CoverageFloor     float64   `json:"coverageFloor"`
	MaxWeight         float64   `json:"maxWeight"`
	MinCash           float64   `json:"minCash"`
	ExpectedReturns   []float64 `json:"expectedReturns"`
	InitialCoverage   float64   `json:"initialCoverage"`
	InitialVolatility float64   `json:"initialVolatility"`
	CoverageGrowth    float64   `json:"coverageGrowth"`
	ReturnWeight      float64   `json:"returnWeight"`
	MarginWeight      float64   `json:"marginWeight"`
	ViolationPenalty  float64   `json:"violationPenalty"`
	TurnoverCap       float64   `json:"turnoverCap"`
	MaxStep           float64   `json:"maxStep"`
}

// DefaultConfig returns a four-asset environment starting from equal weights.
func DefaultConfig() Config {
	return Config{
		Assets:            4,
		CoverageFloor:     1.30,
		MaxWeight:         0.40,
		MinCash:           0.05,
		ExpectedReturns:   []float64{0.05, 0.08, 0.10, 0.12},
		InitialCoverage:   1.35,
		InitialVolatility: 0.15,
		CoverageGrowth:    0.1,
		ReturnWeight:      10,
		MarginWeight:      5,
		ViolationPenalty:  20,
	}
}

// Validate checks that a feasible allocation exists.
func (c Config) Validate() error {
	switch {
	case c.Assets < 2:
		return fmt.Errorf("%w: need at least 2 assets, got %d", ErrInvalidConfig, c.Assets)
	case len(c.ExpectedReturns) != c.Assets:
		return fmt.Errorf("%w: %d expected returns for %d assets", ErrInvalidConfig, len(c.ExpectedReturns), c.Assets)
	case c.MaxWeight <= 0 || c.MaxWeight > 1:
		return fmt.Errorf("%w: max weight %v not in (0, 1]", ErrInvalidConfig, c.MaxWeight)
	case c.MaxWeight*float64(c.Assets) < 1-tolerance:
		return fmt.Errorf("%w: max weight %v cannot cover %d assets", ErrInvalidConfig, c.MaxWeight, c.Assets)
	case c.MinCash < 0 || c.MinCash > c.MaxWeight:
		return fmt.Errorf("%w: min cash %v not in [0, max weight]", ErrInvalidConfig, c.MinCash)
	case c.CoverageFloor <= 0:
		return fmt.Errorf("%w: coverage floor must be positive", ErrInvalidConfig)
	case c.TurnoverCap < 0 || c.MaxStep < 0:
		return fmt.Errorf("%w: negative turnover cap or max step", ErrInvalidConfig)
	}
	return nil
}

// Limits returns the hard limits enforced by the environment.
func (c Config) Limits() Limits {
	return Limits{CoverageFloor: c.CoverageFloor, PositionCap: c.MaxWeight, MinCash: c.MinCash}
}

// State is the treasury allocation and its coverage.
type State struct {
	Weights    []float64 `json:"weights"`
	Coverage   float64   `json:"coverage"`
	Volatility float64   `json:"volatility"`
}

func (s State) clone() State {
	s.Weights = append([]float64(nil), s.Weights...)
	return s
}

// StepResult describes one step. On a violation State is the unchanged previous state.
type StepResult struct {
	State     State     `json:"state"`
	Proposed  []float64 `json:"proposed"`
	Return    float64   `json:"return"`
	Coverage  float64   `json:"coverage"`
	Reward    float64   `json:"reward"`
	Violated  bool      `json:"violated"`
	Reasons   []string  `json:"reasons,omitempty"`
	Turnover  float64   `json:"turnover"`
	Throttled bool      `json:"throttled"`
}

// Env is a shielded treasury environment. It is safe for concurrent use.
type Env struct {
	cfg     Config
	metrics *metrics.Registry
	events  events.Publisher
	logger  *slog.Logger

	mu    sync.Mutex
	state State
}

// New creates an environment in its initial state. m and pub may be nil.
func New(cfg Config, m *metrics.Registry, pub events.Publisher, logger *slog.Logger) (*Env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ExpectedReturns = append([]float64(nil), cfg.ExpectedReturns...)
	e := &Env{
		cfg:     cfg,
		metrics: m,
		events:  pub,
		logger:  logger.With("component", "shield"),
	}
	e.state = e.initial()
	return e, nil
}

func (e *Env) initial() State {
	w := make([]float64, e.cfg.Assets)
	for i := range w {
		w[i] = 1 / float64(e.cfg.Assets)
	}
	w = e.project(w)
	return State{Weights: w, Coverage: e.cfg.InitialCoverage, Volatility: e.cfg.InitialVolatility}
}

// Config returns the environment configuration.
func (e *Env) Config() Config { return e.cfg }

// State returns a copy of the current state.
func (e *Env) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

// Reset restores the initial state and returns it.
func (e *Env) Reset() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = e.initial()
	return e.state.clone()
}

// SetState replaces the current state after projecting its weights onto the limits.
func (e *Env) SetState(s State) error {
	if len(s.Weights) != e.cfg.Assets {
		return fmt.Errorf("%w: %d weights for %d assets", ErrInvalidDelta, len(s.Weights), e.cfg.Assets)
	}
	if err := finite(s.Weights); err != nil {
		return err
	}
	s = s.clone()
	s.Weights = e.project(s.Weights)
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	return nil
}

// Step applies delta under the expected returns.
func (e *Env) Step(delta []float64) (StepResult, error) {
	return e.StepWithReturns(delta, nil)
}

// StepWithReturns applies delta and simulates coverage under the given per-asset
// returns. Nil returns means the configured expected returns.
func (e *Env) StepWithReturns(delta, returns []float64) (StepResult, error) {
	if len(delta) != e.cfg.Assets {
		return StepResult{}, fmt.Errorf("%w: length %d, want %d", ErrInvalidDelta, len(delta), e.cfg.Assets)
	}
	if err := finite(delta); err != nil {
		return StepResult{}, err
	}
	if returns == nil {
		returns = e.cfg.ExpectedReturns
	}
	if len(returns) != e.cfg.Assets {
		return StepResult{}, fmt.Errorf("%w: %d returns for %d assets", ErrInvalidDelta, len(returns), e.cfg.Assets)
	}
	if err := finite(returns); err != nil {
		return StepResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	d, throttled := e.throttle(delta)
	proposed := make([]float64, e.cfg.Assets)
	for i := range proposed {
		proposed[i] = e.state.Weights[i] + d[i]
	}
	w := e.project(proposed)

	var ret, turnover float64
	for i := range w {
		ret += w[i] * returns[i]
		turnover += math.Abs(w[i] - e.state.Weights[i])
	}
	cov := e.state.Coverage * (1 + ret*e.cfg.CoverageGrowth)

	next := State{Weights: w, Coverage: cov, Volatility: e.state.Volatility}
	res := StepResult{
		Proposed:  proposed,
		Return:    ret,
		Coverage:  cov,
		Turnover:  turnover,
		Throttled: throttled,
	}
	report := CheckLimits(next, e.cfg.Limits())
	if !report.OK {
		res.State = e.state.clone()
		res.Reward = -e.cfg.ViolationPenalty
		res.Violated = true
		res.Reasons = report.Violations
		e.metrics.RecordShieldStep(true)
		e.logger.Warn("step rejected", "coverage", cov, "floor", e.cfg.CoverageFloor, "reasons", report.Violations)
		if e.events != nil {
			e.events.Publish(events.New(events.ShieldViolation, "", map[string]interface{}{
				"coverage": cov,
				"floor":    e.cfg.CoverageFloor,
				"reasons":  report.Violations,
			}))
		}
		return res, nil
	}

	e.state = next
	res.State = next.clone()
	res.Reward = e.cfg.ReturnWeight*ret + e.cfg.MarginWeight*(cov-e.cfg.CoverageFloor)
	e.metrics.RecordShieldStep(false)
	e.logger.Debug("step applied", "return", ret, "coverage", cov, "turnover", turnover)
	return res, nil
}

// throttle applies the per-asset step cap and then the L1 turnover cap.
func (e *Env) throttle(delta []float64) ([]float64, bool) {
	d := append([]float64(nil), delta...)
	throttled := false
	if s := e.cfg.MaxStep; s > 0 {
		for i, v := range d {
			if c := math.Max(-s, math.Min(s, v)); c != v {
				d[i] = c
				throttled = true
			}
		}
	}
	if c := e.cfg.TurnoverCap; c > 0 {
		var l1 float64
		for _, v := range d {
			l1 += math.Abs(v)
		}
		if l1 > c {
			for i := range d {
				d[i] *= c / l1
			}
			throttled = true
		}
	}
	return d, throttled
}

// project normalizes weights onto [0, max] summing to one, then lifts cash to
// its minimum by scaling risky weights down.
func (e *Env) project(w []float64) []float64 {
	out := portfolio.Normalize(w, e.cfg.MaxWeight)
	if out[0] < e.cfg.MinCash {
		need := e.cfg.MinCash - out[0]
		var risky float64
		for _, v := range out[1:] {
			risky += v
		}
		if risky > 0 {
			for i := 1; i < len(out); i++ {
				out[i] -= need * out[i] / risky
			}
		}
		out[0] = e.cfg.MinCash
	}
	return out
}

func finite(v []float64) error {
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: element %d is %v", ErrInvalidDelta, i, x)
		}
	}
	return nil
}
