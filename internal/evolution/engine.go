// Package evolution tunes reward weights with a (μ,λ) evolution strategy over
// logged outcome metrics.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/evoshield/internal/reward"
)

var ErrEmptySample = errors.New("evolution: empty sample")

// Config holds the strategy parameters.
type Config struct {
	Population     int     `json:"population"`
	EliteFraction  float64 `json:"eliteFraction"`
	MaxGenerations int     `json:"maxGenerations"`
	Patience       int     `json:"patience"`
	EpsilonImprove float64 `json:"epsilonImprove"`
	SigmaScale     float64 `json:"sigmaScale"`
	CrossoverProb  float64 `json:"crossoverProb"`
	Workers        int     `json:"workers"`
	Seed           uint64  `json:"seed"`
}

// DefaultConfig returns the production strategy parameters.
func DefaultConfig() Config {
	return Config{
		Population:     20,
		EliteFraction:  0.3,
		MaxGenerations: 50,
		Patience:       5,
		EpsilonImprove: 0.01,
		SigmaScale:     0.1,
		CrossoverProb:  0.7,
		Workers:        4,
	}
}

// Result describes one tuning run.
type Result struct {
	Accepted    bool          `json:"accepted"`
	Reason      string        `json:"reason"`
	Baseline    float64       `json:"baseline_fitness"`
	Optimized   float64       `json:"optimized_fitness"`
	Config      reward.Config `json:"config"`
	Generations int           `json:"generations"`
	Samples     int           `json:"samples"`
	Duration    time.Duration `json:"duration"`
}

type candidate struct {
	cfg     reward.Config
	fitness float64
}

// Engine runs the evolution strategy. Safe for concurrent use; runs are serialized.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	setMu  sync.RWMutex
	bounds map[string]reward.Bound
	reward *reward.Engine

	mu  sync.Mutex
	rng *rand.Rand
}

// NewEngine creates a tuner. Missing bounds default to reward.DefaultBounds.
func NewEngine(cfg Config, bounds map[string]reward.Bound, re *reward.Engine, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Population < 2 {
		cfg.Population = def.Population
	}
	if cfg.EliteFraction <= 0 || cfg.EliteFraction > 1 {
		cfg.EliteFraction = def.EliteFraction
	}
	if cfg.MaxGenerations <= 0 {
		cfg.MaxGenerations = def.MaxGenerations
	}
	if cfg.Patience <= 0 {
		cfg.Patience = def.Patience
	}
	if cfg.EpsilonImprove < 0 {
		cfg.EpsilonImprove = def.EpsilonImprove
	}
	if cfg.SigmaScale <= 0 {
		cfg.SigmaScale = def.SigmaScale
	}
	if cfg.CrossoverProb < 0 || cfg.CrossoverProb > 1 {
		cfg.CrossoverProb = def.CrossoverProb
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if len(bounds) == 0 {
		bounds = reward.DefaultBounds()
	}
	if re == nil {
		re = reward.NewEngine(reward.DefaultMinFairness)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Engine{
		cfg:    cfg,
		bounds: copyBounds(bounds),
		reward: re,
		logger: logger.With("component", "evolution"),
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// SetRewardSettings swaps the fairness gate and search bounds used by later
// runs. A run already in progress finishes with the settings it started with.
func (e *Engine) SetRewardSettings(bounds map[string]reward.Bound, re *reward.Engine) {
	if len(bounds) == 0 {
		bounds = reward.DefaultBounds()
	}
	if re == nil {
		re = reward.NewEngine(reward.DefaultMinFairness)
	}
	e.setMu.Lock()
	e.bounds = copyBounds(bounds)
	e.reward = re
	e.setMu.Unlock()
	e.logger.Info("tuner settings updated", "min_fairness", re.MinFairness)
}

func (e *Engine) settings() (map[string]reward.Bound, *reward.Engine) {
	e.setMu.RLock()
	defer e.setMu.RUnlock()
	return e.bounds, e.reward
}

// Fitness scores a config against raw metrics:
// mean(reward) − 0.5·std(reward) − 2·fairness_violation_rate.
func (e *Engine) Fitness(cfg reward.Config, sample []reward.Metrics) float64 {
	_, re := e.settings()
	return fitness(re, cfg, sample)
}

func fitness(re *reward.Engine, cfg reward.Config, sample []reward.Metrics) float64 {
	if len(sample) == 0 {
		return 0
	}
	n := float64(len(sample))
	var sum, violations float64
	rewards := make([]float64, len(sample))
	for i, m := range sample {
		r := re.Compute(m, cfg)
		rewards[i] = r
		sum += r
		if m.Value(reward.KeyFairness, 1.0) < re.MinFairness {
			violations++
		}
	}
	mean := sum / n
	var ss float64
	for _, r := range rewards {
		ss += (r - mean) * (r - mean)
	}
	std := math.Sqrt(ss / n)
	return mean - 0.5*std - 2.0*(violations/n)
}

// Optimize searches around base and reports whether the best candidate beats
// base by more than EpsilonImprove on the same sample. A cancelled ctx returns
// ctx.Err() and no result.
func (e *Engine) Optimize(ctx context.Context, base reward.Config, sample []reward.Metrics) (Result, error) {
	start := time.Now()
	if len(sample) == 0 {
		return Result{Config: base, Reason: "empty sample"}, ErrEmptySample
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	bounds, re := e.settings()
	base = base.Clip(bounds)
	baseline := fitness(re, base, sample)

	pop := make([]candidate, 0, e.cfg.Population)
	pop = append(pop, candidate{cfg: base})
	for len(pop) < e.cfg.Population {
		pop = append(pop, candidate{cfg: e.mutate(bounds, base)})
	}

	best := candidate{cfg: base, fitness: baseline}
	bestSoFar := math.Inf(-1)
	stall := 0
	gen := 0

	for gen < e.cfg.MaxGenerations {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if err := e.evaluate(ctx, re, pop, sample); err != nil {
			return Result{}, err
		}
		gen++

		sort.SliceStable(pop, func(i, j int) bool { return pop[i].fitness > pop[j].fitness })
		if pop[0].fitness > best.fitness {
			best = pop[0]
		}
		if pop[0].fitness > bestSoFar+e.cfg.EpsilonImprove {
			bestSoFar = pop[0].fitness
			stall = 0
		} else {
			stall++
		}
		e.logger.Debug("generation evaluated", "generation", gen, "best", pop[0].fitness, "stall", stall)
		if stall >= e.cfg.Patience {
			break
		}

		pop = e.nextGeneration(bounds, pop)
	}

	res := Result{
		Baseline:    baseline,
		Optimized:   best.fitness,
		Config:      best.cfg,
		Generations: gen,
		Samples:     len(sample),
		Duration:    time.Since(start),
	}
	if best.fitness > baseline+e.cfg.EpsilonImprove {
		res.Accepted = true
		res.Reason = "improved"
	} else {
		res.Config = base
		res.Optimized = math.Max(best.fitness, baseline)
		res.Reason = fmt.Sprintf("improvement %.4f below epsilon %.4f", best.fitness-baseline, e.cfg.EpsilonImprove)
	}

	e.logger.Info("reward tuning finished",
		"accepted", res.Accepted,
		"baseline", res.Baseline,
		"optimized", res.Optimized,
		"generations", res.Generations,
		"samples", res.Samples,
	)
	return res, nil
}

func (e *Engine) evaluate(ctx context.Context, re *reward.Engine, pop []candidate, sample []reward.Metrics) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i := range pop {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pop[i].fitness = fitness(re, pop[i].cfg, sample)
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) nextGeneration(bounds map[string]reward.Bound, sorted []candidate) []candidate {
	nElite := int(math.Ceil(e.cfg.EliteFraction * float64(len(sorted))))
	nElite = max(1, min(nElite, len(sorted)))
	elites := sorted[:nElite]

	next := make([]candidate, 0, e.cfg.Population)
	for _, el := range elites {
		next = append(next, candidate{cfg: el.cfg})
	}
	for len(next) < e.cfg.Population {
		a := elites[e.rng.IntN(len(elites))].cfg
		child := a
		if len(elites) > 1 && e.rng.Float64() < e.cfg.CrossoverProb {
			b := elites[e.rng.IntN(len(elites))].cfg
			child = e.crossover(a, b)
		}
		next = append(next, candidate{cfg: e.mutate(bounds, child)})
	}
	return next
}

// crossover picks each weight from either parent with equal probability.
func (e *Engine) crossover(a, b reward.Config) reward.Config {
	child := a
	for _, k := range reward.Keys {
		if e.rng.Float64() < 0.5 {
			v, _ := b.Get(k)
			_ = child.Set(k, v)
		}
	}
	return child
}

// mutate adds Gaussian noise with σ = SigmaScale × bound width, clipped to bounds.
func (e *Engine) mutate(bounds map[string]reward.Bound, c reward.Config) reward.Config {
	out := c
	for _, k := range reward.Keys {
		b, ok := bounds[k]
		if !ok {
			continue
		}
		v, _ := out.Get(k)
		_ = out.Set(k, b.Clip(v+e.rng.NormFloat64()*e.cfg.SigmaScale*b.Width()))
	}
	return out
}

// Bounds returns the search bounds.
func (e *Engine) Bounds() map[string]reward.Bound {
	bounds, _ := e.settings()
	return copyBounds(bounds)
}

// MinFairness returns the fairness threshold fitness is scored with.
func (e *Engine) MinFairness() float64 {
	_, re := e.settings()
	return re.MinFairness
}

func copyBounds(in map[string]reward.Bound) map[string]reward.Bound {
	out := make(map[string]reward.Bound, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
