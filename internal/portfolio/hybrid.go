package portfolio

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/clawinfra/evoshield/internal/events"
	"github.com/clawinfra/evoshield/internal/metrics"
)

var errRateLimited = errors.New("portfolio: annealer rate limit reached")

// QuantumConfig controls the annealing tier.
type QuantumConfig struct {
	Enabled        bool    `json:"enabled"`
	Endpoint       string  `json:"endpoint"`
	Token          string  `json:"token"`
	Levels         int     `json:"levels"`
	Reads          int     `json:"reads"`
	TimeoutMs      int     `json:"timeoutMs"`
	ChainStrength  float64 `json:"chainStrength"`
	OneHotPenalty  float64 `json:"oneHotPenalty"`
	SumPenalty     float64 `json:"sumPenalty"`
	RatePerMinute  float64 `json:"ratePerMinute"`
	Burst          int     `json:"burst"`
	MaxFailures    int     `json:"maxFailures"`
	CooldownSec    int     `json:"cooldownSec"`
	Refine         bool    `json:"refine"`
	AnnealerSweeps int     `json:"annealerSweeps"`
	Seed           uint64  `json:"seed"`
}

// Config is the optimizer configuration.
type Config struct {
	RiskAversion float64         `json:"riskAversion"`
	MaxWeight    float64         `json:"maxWeight"`
	Quantum      QuantumConfig   `json:"quantum"`
	Classical    ClassicalConfig `json:"classical"`
}

// DefaultConfig returns a classical-only setup; the quantum tier is opt-in.
func DefaultConfig() Config {
	return Config{
		RiskAversion: 1.0,
		MaxWeight:    0.40,
		Quantum: QuantumConfig{
			Levels:         10,
			Reads:          100,
			TimeoutMs:      5000,
			OneHotPenalty:  10,
			SumPenalty:     10,
			RatePerMinute:  6,
			Burst:          2,
			MaxFailures:    3,
			CooldownSec:    60,
			AnnealerSweeps: 400,
		},
		Classical: DefaultClassicalConfig(),
	}
}

// Optimizer runs the quantum, classical and equal-weight tiers in order and
// returns the first valid allocation. Only an invalid problem is an error.
type Optimizer struct {
	cfg       Config
	annealer  Annealer
	classical *ClassicalSolver
	breaker   *gobreaker.CircuitBreaker
	limiter   *rate.Limiter
	timeout   time.Duration
	metrics   *metrics.Registry
	events    events.Publisher
	logger    *slog.Logger
}

// NewOptimizer creates the chain. A nil annealer is built from the config:
// a remote client when an endpoint is set, the simulated annealer otherwise.
func NewOptimizer(cfg Config, annealer Annealer, m *metrics.Registry, pub events.Publisher, logger *slog.Logger) *Optimizer {
	def := DefaultConfig()
	q := &cfg.Quantum
	if q.Levels < 2 {
		q.Levels = def.Quantum.Levels
	}
	if q.Reads <= 0 {
		q.Reads = def.Quantum.Reads
	}
	if q.TimeoutMs <= 0 {
		q.TimeoutMs = def.Quantum.TimeoutMs
	}
	if q.OneHotPenalty <= 0 {
		q.OneHotPenalty = def.Quantum.OneHotPenalty
	}
	if q.SumPenalty <= 0 {
		q.SumPenalty = def.Quantum.SumPenalty
	}
	if q.RatePerMinute <= 0 {
		q.RatePerMinute = def.Quantum.RatePerMinute
	}
	if q.Burst <= 0 {
		q.Burst = def.Quantum.Burst
	}
	if q.MaxFailures <= 0 {
		q.MaxFailures = def.Quantum.MaxFailures
	}
	if q.CooldownSec <= 0 {
		q.CooldownSec = def.Quantum.CooldownSec
	}
	timeout := time.Duration(q.TimeoutMs) * time.Millisecond

	if annealer == nil {
		if q.Endpoint != "" {
			annealer = NewRemoteAnnealer(q.Endpoint, q.Token, timeout)
		} else {
			sa := NewSimulatedAnnealer(q.Seed)
			if q.AnnealerSweeps > 0 {
				sa.Sweeps = q.AnnealerSweeps
			}
			annealer = sa
		}
	}

	log := logger.With("component", "portfolio")
	maxFailures := uint32(q.MaxFailures)
	st := gobreaker.Settings{
		Name:    "annealer",
		Timeout: time.Duration(q.CooldownSec) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("annealer breaker state changed", "from", from.String(), "to", to.String())
		},
	}

	return &Optimizer{
		cfg:       cfg,
		annealer:  annealer,
		classical: NewClassicalSolver(cfg.Classical),
		breaker:   gobreaker.NewCircuitBreaker(st),
		limiter:   rate.NewLimiter(rate.Limit(q.RatePerMinute/60), q.Burst),
		timeout:   timeout,
		metrics:   m,
		events:    pub,
		logger:    log,
	}
}

// Config returns the effective configuration.
func (o *Optimizer) Config() Config { return o.cfg }

// BreakerState reports the annealer circuit breaker state.
func (o *Optimizer) BreakerState() string { return o.breaker.State().String() }

// Problem builds a problem using the configured risk aversion and weight cap.
func (o *Optimizer) Problem(mu []float64, cov [][]float64, current []float64) Problem {
	return Problem{
		ExpectedReturns: mu,
		Covariance:      cov,
		Current:         current,
		RiskAversion:    o.cfg.RiskAversion,
		MaxWeight:       o.cfg.MaxWeight,
	}
}

// Optimize returns a valid allocation for p.
func (o *Optimizer) Optimize(ctx context.Context, p Problem) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	start := time.Now()
	var res Result

	if o.cfg.Quantum.Enabled {
		t0 := time.Now()
		w, energy, err := o.solveQuantum(ctx, p)
		o.metrics.ObserveSolverDuration(string(TierQuantum), time.Since(t0))
		if err == nil {
			res.Energy = energy
			if o.cfg.Quantum.Refine {
				if refined, rerr := o.classical.Solve(p, w); rerr == nil {
					w = refined
					res.Refined = true
				} else {
					o.logger.Debug("refinement failed, keeping annealed weights", "error", rerr)
				}
			}
			return o.finish(res, TierQuantum, p, w, start), nil
		}
		o.fallback(&res, TierQuantum, err)
	}

	t0 := time.Now()
	w, err := o.classical.Solve(p, nil)
	o.metrics.ObserveSolverDuration(string(TierClassical), time.Since(t0))
	if err == nil {
		return o.finish(res, TierClassical, p, w, start), nil
	}
	o.fallback(&res, TierClassical, err)

	return o.finish(res, TierEqual, p, EqualWeights(p.Assets()), start), nil
}

func (o *Optimizer) solveQuantum(ctx context.Context, p Problem) ([]float64, float64, error) {
	if !o.limiter.Allow() {
		return nil, 0, errRateLimited
	}
	q := o.cfg.Quantum
	qubo, enc, err := BuildQUBO(p, q.Levels, q.OneHotPenalty, q.SumPenalty)
	if err != nil {
		return nil, 0, err
	}
	chain := q.ChainStrength
	if chain <= 0 {
		chain = qubo.MaxCoefficient()
	}
	req := AnnealRequest{QUBO: qubo, Reads: q.Reads, ChainStrength: chain, TimeLimit: o.timeout}

	type solved struct {
		weights []float64
		energy  float64
	}
	out, err := o.breaker.Execute(func() (interface{}, error) {
		sample, err := o.anneal(ctx, req)
		if err != nil {
			return nil, err
		}
		w, err := enc.Decode(sample.Bits)
		if err != nil {
			return nil, err
		}
		if err := ValidateWeights(w, p.MaxWeight); err != nil {
			return nil, err
		}
		return solved{weights: w, energy: sample.Energy}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	s := out.(solved)
	return s.weights, s.energy, nil
}

// anneal never blocks past the timeout, even when the annealer ignores ctx.
func (o *Optimizer) anneal(ctx context.Context, req AnnealRequest) (Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	type result struct {
		sample Sample
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := o.annealer.Anneal(ctx, req)
		ch <- result{sample: s, err: err}
	}()
	select {
	case r := <-ch:
		return r.sample, r.err
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	}
}

func (o *Optimizer) finish(res Result, tier Tier, p Problem, w []float64, start time.Time) Result {
	res.Tier = tier
	res.Weights = w
	res.Objective = Objective(p, w)
	res.Duration = time.Since(start)
	o.metrics.RecordSolver(string(tier))
	o.logger.Info("allocation computed",
		"tier", tier,
		"objective", res.Objective,
		"fallbacks", len(res.Fallbacks),
		"duration", res.Duration,
	)
	return res
}

func (o *Optimizer) fallback(res *Result, tier Tier, err error) {
	reason := failureReason(err)
	res.Fallbacks = append(res.Fallbacks, Fallback{Tier: tier, Reason: reason})
	o.metrics.RecordSolverFailure(string(tier), reason)
	o.logger.Warn("solver tier failed, falling back", "tier", tier, "reason", reason, "error", err)
	if o.events != nil {
		o.events.Publish(events.New(events.SolverFallback, "", map[string]interface{}{
			"tier":   string(tier),
			"reason": reason,
			"error":  err.Error(),
		}))
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, errRateLimited):
		return "rate_limited"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrInvalidSolution), errors.Is(err, ErrInvalidWeights):
		return "invalid_solution"
	default:
		return "error"
	}
}
