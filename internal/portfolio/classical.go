package portfolio

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ClassicalConfig tunes the mean-variance solver.
type ClassicalConfig struct {
	Shrinkage    float64 `json:"shrinkage"`
	TurnoverCost float64 `json:"turnoverCost"`
	MaxIter      int     `json:"maxIter"`
	Tolerance    float64 `json:"tolerance"`
}

// DefaultClassicalConfig returns the solver defaults.
func DefaultClassicalConfig() ClassicalConfig {
	return ClassicalConfig{
		Shrinkage:    0.2,
		TurnoverCost: 0.001,
		MaxIter:      5000,
		Tolerance:    1e-10,
	}
}

// ClassicalSolver maximizes μᵀw − (ra/2)·wᵀΣ̃w − tc·‖w − w₀‖₁ subject to
// Σw = 1 and 0 ≤ w ≤ max with accelerated proximal gradient (FISTA). Σ̃ is the
// covariance shrunk toward its diagonal.
type ClassicalSolver struct {
	cfg ClassicalConfig
}

// NewClassicalSolver fills unset fields with defaults.
func NewClassicalSolver(cfg ClassicalConfig) *ClassicalSolver {
	def := DefaultClassicalConfig()
	if cfg.Shrinkage < 0 || cfg.Shrinkage > 1 {
		cfg.Shrinkage = def.Shrinkage
	}
	if cfg.TurnoverCost < 0 {
		cfg.TurnoverCost = def.TurnoverCost
	}
	if cfg.MaxIter <= 0 {
		cfg.MaxIter = def.MaxIter
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = def.Tolerance
	}
	return &ClassicalSolver{cfg: cfg}
}

// ShrinkCovariance returns (1−s)·Σ + s·diag(Σ) + εI after symmetrizing Σ.
func ShrinkCovariance(cov [][]float64, s float64) *mat.SymDense {
	n := len(cov)
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := (cov[i][j] + cov[j][i]) / 2
			if i == j {
				out.SetSym(i, j, v+1e-6)
				continue
			}
			out.SetSym(i, j, (1-s)*v)
		}
	}
	return out
}

// Solve returns the optimal weights. start, when non-nil, warm-starts the
// iteration; the turnover penalty is always measured against p.Current.
func (c *ClassicalSolver) Solve(p Problem, start []float64) ([]float64, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	n := p.Assets()
	sigma := ShrinkCovariance(p.Covariance, c.cfg.Shrinkage)

	var eig mat.EigenSym
	if !eig.Factorize(sigma, false) {
		return nil, fmt.Errorf("%w: eigen decomposition did not converge", ErrSolverFailed)
	}
	vals := eig.Values(nil)
	lmax := vals[len(vals)-1]
	if vals[0] < -1e-8 {
		return nil, fmt.Errorf("%w: shrunk covariance is not positive semidefinite (min eigenvalue %g)", ErrSolverFailed, vals[0])
	}
	lip := math.Max(p.RiskAversion*lmax, 1e-8)
	step := 1 / lip

	anchor := p.Current
	if anchor == nil {
		anchor = EqualWeights(n)
	}
	mu := mat.NewVecDense(n, append([]float64(nil), p.ExpectedReturns...))

	x0 := start
	if x0 == nil || len(x0) != n {
		x0 = anchor
	}
	x := mat.NewVecDense(n, c.prox(x0, anchor, p.MaxWeight, step))
	y := mat.VecDenseCopyOf(x)
	tk := 1.0

	var grad, sy mat.VecDense
	v := make([]float64, n)
	for it := 0; it < c.cfg.MaxIter; it++ {
		// ∇g(y) = ra·Σ̃y − μ for g = −μᵀw + (ra/2)wᵀΣ̃w
		sy.MulVec(sigma, y)
		grad.ScaleVec(p.RiskAversion, &sy)
		grad.SubVec(&grad, mu)
		for i := 0; i < n; i++ {
			v[i] = y.AtVec(i) - step*grad.AtVec(i)
		}
		next := mat.NewVecDense(n, c.prox(v, anchor, p.MaxWeight, step))

		tNext := (1 + math.Sqrt(1+4*tk*tk)) / 2
		var diff mat.VecDense
		diff.SubVec(next, x)
		y.AddScaledVec(next, (tk-1)/tNext, &diff)
		x, tk = next, tNext

		if mat.Norm(&diff, 2) < c.cfg.Tolerance {
			break
		}
	}

	w := x.RawVector().Data
	for i, val := range w {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, fmt.Errorf("%w: weight %d diverged", ErrSolverFailed, i)
		}
	}
	out := Normalize(w, p.MaxWeight)
	if err := ValidateWeights(out, p.MaxWeight); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSolverFailed, err)
	}
	return out, nil
}

// prox solves min ½‖w − v‖² + t·tc·‖w − anchor‖₁ over the capped simplex. For
// a fixed multiplier τ on Σw = 1 each coordinate is a shifted soft threshold
// clipped to [0, max]; Σw is nonincreasing in τ, so τ is found by bisection.
func (c *ClassicalSolver) prox(v, anchor []float64, maxWeight, t float64) []float64 {
	n := len(v)
	k := t * c.cfg.TurnoverCost
	w := make([]float64, n)
	at := func(tau float64) float64 {
		var sum float64
		for i := 0; i < n; i++ {
			z := v[i] - tau - anchor[i]
			switch {
			case z > k:
				z -= k
			case z < -k:
				z += k
			default:
				z = 0
			}
			w[i] = math.Max(0, math.Min(maxWeight, anchor[i]+z))
			sum += w[i]
		}
		return sum
	}

	lo, hi := v[0], v[0]
	for _, x := range v {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	var spread float64
	for _, a := range anchor {
		spread = math.Max(spread, math.Abs(a))
	}
	lo -= maxWeight + k + 1 + spread
	hi += k + 1 + spread
	for i := 0; i < 200; i++ {
		mid := (lo + hi) / 2
		if at(mid) > 1 {
			lo = mid
		} else {
			hi = mid
		}
		if hi-lo < 1e-15 {
			break
		}
	}
	at((lo + hi) / 2)
	return append([]float64(nil), w...)
}
