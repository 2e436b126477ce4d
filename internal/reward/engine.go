// Package reward computes the scalar training signal from outcome metrics.
package reward

import (
	"fmt"
	"math"
)

// DefaultMinFairness is the fairness gate threshold.
const DefaultMinFairness = 0.50

// Bound is an inclusive range for one weight.
type Bound struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Width returns Max-Min.
func (b Bound) Width() float64 { return b.Max - b.Min }

// Clip clamps x into the bound.
func (b Bound) Clip(x float64) float64 { return clamp(x, b.Min, b.Max) }

// Config holds the reward weights.
type Config struct {
	Alpha   float64 `json:"alpha"`
	Beta    float64 `json:"beta"`
	Gamma   float64 `json:"gamma"`
	Delta   float64 `json:"delta"`
	Lambda1 float64 `json:"lambda1"`
	Lambda2 float64 `json:"lambda2"`
	Lambda3 float64 `json:"lambda3"`
}

// Keys lists the tunable weights in a fixed order.
var Keys = []string{"alpha", "beta", "gamma", "delta", "lambda1", "lambda2", "lambda3"}

// DefaultConfig returns the production weights.
func DefaultConfig() Config {
	return Config{
		Alpha:   0.40,
		Beta:    0.15,
		Gamma:   0.15,
		Delta:   0.10,
		Lambda1: 0.10,
		Lambda2: 0.05,
		Lambda3: 0.05,
	}
}

// DefaultBounds returns the search bounds for each weight.
func DefaultBounds() map[string]Bound {
	return map[string]Bound{
		"alpha":   {0.2, 0.6},
		"beta":    {0.05, 0.25},
		"gamma":   {0.05, 0.25},
		"delta":   {0.05, 0.20},
		"lambda1": {0.05, 0.20},
		"lambda2": {0, 0.10},
		"lambda3": {0, 0.10},
	}
}

// Get returns a weight by key.
func (c Config) Get(key string) (float64, error) {
	switch key {
	case "alpha":
		return c.Alpha, nil
	case "beta":
		return c.Beta, nil
	case "gamma":
		return c.Gamma, nil
	case "delta":
		return c.Delta, nil
	case "lambda1":
		return c.Lambda1, nil
	case "lambda2":
		return c.Lambda2, nil
	case "lambda3":
		return c.Lambda3, nil
	}
	return 0, fmt.Errorf("reward: unknown weight %q", key)
}

// Set assigns a weight by key.
func (c *Config) Set(key string, v float64) error {
	switch key {
	case "alpha":
		c.Alpha = v
	case "beta":
		c.Beta = v
	case "gamma":
		c.Gamma = v
	case "delta":
		c.Delta = v
	case "lambda1":
		c.Lambda1 = v
	case "lambda2":
		c.Lambda2 = v
	case "lambda3":
		c.Lambda3 = v
	default:
		return fmt.Errorf("reward: unknown weight %q", key)
	}
	return nil
}

// Clip clamps every weight into bounds. Keys without a bound are left alone.
func (c Config) Clip(bounds map[string]Bound) Config {
	out := c
	for _, k := range Keys {
		b, ok := bounds[k]
		if !ok {
			continue
		}
		v, _ := out.Get(k)
		_ = out.Set(k, b.Clip(v))
	}
	return out
}

// Within reports whether every weight lies inside its bound.
func (c Config) Within(bounds map[string]Bound) bool {
	for _, k := range Keys {
		b, ok := bounds[k]
		if !ok {
			continue
		}
		v, _ := c.Get(k)
		if v < b.Min || v > b.Max || math.IsNaN(v) {
			return false
		}
	}
	return true
}

// Engine evaluates rewards against a fairness threshold.
type Engine struct {
	MinFairness float64
}

// NewEngine creates an engine. Non-positive thresholds use DefaultMinFairness.
func NewEngine(minFairness float64) *Engine {
	if minFairness <= 0 || math.IsNaN(minFairness) {
		minFairness = DefaultMinFairness
	}
	return &Engine{MinFairness: minFairness}
}

// Compute returns G·Q·(αW + βC + γF + δS − λ1·D − λ2·A − λ3·T).
// Fairness below the threshold or a failed compliance check yields exactly 0.
func (e *Engine) Compute(m Metrics, cfg Config) float64 {
	minFair := DefaultMinFairness
	if e != nil {
		minFair = e.MinFairness
	}

	fairness := m.Value(KeyFairness, 1.0)
	if fairness < minFair || m.Value(KeyComplianceOK, 1) == 0 {
		return 0
	}

	q := clamp(m.Value(KeyCalibration, 1.0), 0.8, 1.2)

	w := clamp(m.Value(KeyWealthDelta, 0), 0, 1)
	c := clamp((m.Value(KeyCoverageRatio, 1.0)-1.2)/0.6, 0, 1)
	f := clamp(fairness, 0, 1)
	s := clamp(m.Value(KeySatisfaction, 0.5), 0, 1)
	d := clamp(m.Value(KeyDrawdown, 0), 0, 1)
	a := clamp(m.Value(KeyAnomaly, 0), 0, 1)
	t := clamp(m.Value(KeyTaxRisk, 0), 0, 1)

	r := q * (cfg.Alpha*w + cfg.Beta*c + cfg.Gamma*f + cfg.Delta*s -
		cfg.Lambda1*d - cfg.Lambda2*a - cfg.Lambda3*t)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	return r
}

// Compute evaluates with the default fairness threshold.
func Compute(m Metrics, cfg Config) float64 {
	return (*Engine)(nil).Compute(m, cfg)
}

// Gated reports whether the metrics fail the fairness or compliance gate.
func (e *Engine) Gated(m Metrics) bool {
	minFair := DefaultMinFairness
	if e != nil {
		minFair = e.MinFairness
	}
	return m.Value(KeyFairness, 1.0) < minFair || m.Value(KeyComplianceOK, 1) == 0
}

// NormalizeWealthDelta maps change/baseline from [lo, hi] onto [0, 1].
func NormalizeWealthDelta(change, baseline, lo, hi float64) float64 {
	if baseline <= 0 || hi <= lo {
		return 0
	}
	pct := change / baseline
	return clamp((pct-lo)/(hi-lo), 0, 1)
}

// NormalizeDrawdown maps a drawdown magnitude onto [0, 1] relative to maxDD.
func NormalizeDrawdown(dd, maxDD float64) float64 {
	if maxDD <= 0 {
		return 0
	}
	return clamp(math.Abs(dd)/maxDD, 0, 1)
}

func clamp(x, lo, hi float64) float64 {
	if math.IsNaN(x) {
		return lo
	}
	return math.Max(lo, math.Min(hi, x))
}
