// Package portfolio produces target allocations through a tiered solver chain:
// a QUBO handed to an annealer, a classical mean-variance solver, and equal weights.
package portfolio

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// WeightTolerance is how far from one a valid allocation may sum.
const WeightTolerance = 1e-6

var (
	ErrInvalidProblem  = errors.New("portfolio: invalid problem")
	ErrInvalidWeights  = errors.New("portfolio: invalid weights")
	ErrInvalidSolution = errors.New("portfolio: invalid solution")
	ErrSolverFailed    = errors.New("portfolio: solver failed")
)

// Tier names a solver in the chain.
type Tier string

const (
	TierQuantum   Tier = "quantum"
	TierClassical Tier = "classical"
	TierEqual     Tier = "equal_weight"
)

// Problem is one allocation request.
type Problem struct {
	ExpectedReturns []float64   `json:"expected_returns"`
	Covariance      [][]float64 `json:"covariance"`
	Current         []float64   `json:"current_weights,omitempty"`
	RiskAversion    float64     `json:"risk_aversion"`
	MaxWeight       float64     `json:"max_weight"`
}

// Assets returns the number of assets.
func (p Problem) Assets() int { return len(p.ExpectedReturns) }

// Validate checks shapes, finiteness and that the weight cap is feasible.
func (p Problem) Validate() error {
	n := p.Assets()
	if n == 0 {
		return fmt.Errorf("%w: no assets", ErrInvalidProblem)
	}
	if len(p.Covariance) != n {
		return fmt.Errorf("%w: covariance has %d rows for %d assets", ErrInvalidProblem, len(p.Covariance), n)
	}
	for i, row := range p.Covariance {
		if len(row) != n {
			return fmt.Errorf("%w: covariance row %d has %d columns", ErrInvalidProblem, i, len(row))
		}
		if !allFinite(row) {
			return fmt.Errorf("%w: covariance row %d is not finite", ErrInvalidProblem, i)
		}
	}
	if !allFinite(p.ExpectedReturns) {
		return fmt.Errorf("%w: expected returns are not finite", ErrInvalidProblem)
	}
	if p.Current != nil && (len(p.Current) != n || !allFinite(p.Current)) {
		return fmt.Errorf("%w: current weights do not match %d assets", ErrInvalidProblem, n)
	}
	if p.RiskAversion < 0 || math.IsNaN(p.RiskAversion) || math.IsInf(p.RiskAversion, 0) {
		return fmt.Errorf("%w: risk aversion %v", ErrInvalidProblem, p.RiskAversion)
	}
	if p.MaxWeight <= 0 || p.MaxWeight > 1 || p.MaxWeight*float64(n) < 1-WeightTolerance {
		return fmt.Errorf("%w: max weight %v infeasible for %d assets", ErrInvalidProblem, p.MaxWeight, n)
	}
	return nil
}

// Fallback records a tier that was skipped or failed.
type Fallback struct {
	Tier   Tier   `json:"tier"`
	Reason string `json:"reason"`
}

// Result is the chosen allocation and how it was produced.
type Result struct {
	Weights   []float64     `json:"weights"`
	Tier      Tier          `json:"tier"`
	Refined   bool          `json:"refined,omitempty"`
	Objective float64       `json:"objective"`
	Energy    float64       `json:"energy,omitempty"`
	Fallbacks []Fallback    `json:"fallbacks,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// ValidateWeights checks that w sums to one within WeightTolerance and lies in [0, max].
func ValidateWeights(w []float64, maxWeight float64) error {
	var sum float64
	for i, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: weight %d is %v", ErrInvalidWeights, i, v)
		}
		if v < -WeightTolerance || v > maxWeight+WeightTolerance {
			return fmt.Errorf("%w: weight %d = %v outside [0, %v]", ErrInvalidWeights, i, v, maxWeight)
		}
		sum += v
	}
	if math.Abs(sum-1) > WeightTolerance {
		return fmt.Errorf("%w: weights sum to %v", ErrInvalidWeights, sum)
	}
	return nil
}

// Objective is μᵀw − (ra/2)·wᵀΣw.
func Objective(p Problem, w []float64) float64 {
	var ret, risk float64
	for i := range w {
		ret += p.ExpectedReturns[i] * w[i]
		for j := range w {
			risk += w[i] * p.Covariance[i][j] * w[j]
		}
	}
	return ret - p.RiskAversion/2*risk
}

// EqualWeights returns 1/n per asset.
func EqualWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return w
}

// Normalize clips w to [0, max] and rescales it to sum to one. Assets clipped
// at the cap keep it and the remaining mass is spread over the others in
// proportion to their weights. It assumes max·len(w) ≥ 1.
func Normalize(w []float64, maxWeight float64) []float64 {
	n := len(w)
	out := make([]float64, n)
	capped := make([]bool, n)
	for i, v := range w {
		out[i] = math.Max(0, math.Min(maxWeight, v))
		capped[i] = out[i] >= maxWeight
	}
	for iter := 0; iter <= n; iter++ {
		var fixed, free float64
		var freeN int
		for i, v := range out {
			if capped[i] {
				fixed += v
			} else {
				free += v
				freeN++
			}
		}
		target := 1 - fixed
		if freeN == 0 || target < 0 {
			// capped mass alone reaches one
			for i := range out {
				out[i] /= fixed + free
			}
			break
		}
		if free <= 1e-12 {
			for i := range out {
				if !capped[i] {
					out[i] = target / float64(freeN)
				}
			}
		} else {
			for i := range out {
				if !capped[i] {
					out[i] *= target / free
				}
			}
		}
		changed := false
		for i, v := range out {
			if !capped[i] && v > maxWeight {
				out[i] = maxWeight
				capped[i] = true
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return out
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
