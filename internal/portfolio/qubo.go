package portfolio

import (
	"fmt"
	"math"
)

// QUBO is an upper-triangular quadratic binary objective:
// E(x) = Σ_{i≤j} Q[i][j]·x_i·x_j + Offset.
type QUBO struct {
	Vars   int         `json:"vars"`
	Q      [][]float64 `json:"q"`
	Offset float64     `json:"offset"`
}

func newQUBO(n int) QUBO {
	q := make([][]float64, n)
	for i := range q {
		q[i] = make([]float64, n)
	}
	return QUBO{Vars: n, Q: q}
}

func (q *QUBO) add(i, j int, c float64) {
	if i > j {
		i, j = j, i
	}
	q.Q[i][j] += c
}

// Energy evaluates the objective for a bit assignment.
func (q QUBO) Energy(x []int8) float64 {
	e := q.Offset
	for i := 0; i < q.Vars; i++ {
		if x[i] == 0 {
			continue
		}
		for j := i; j < q.Vars; j++ {
			if x[j] != 0 {
				e += q.Q[i][j]
			}
		}
	}
	return e
}

// MaxCoefficient returns the largest absolute coefficient.
func (q QUBO) MaxCoefficient() float64 {
	var m float64
	for i := range q.Q {
		for _, v := range q.Q[i] {
			m = math.Max(m, math.Abs(v))
		}
	}
	return m
}

// Encoding maps each asset to Levels one-hot bits over [0, MaxWeight].
type Encoding struct {
	Assets    int
	Levels    int
	MaxWeight float64
}

// Var returns the bit index of asset i at level k.
func (e Encoding) Var(i, k int) int { return i*e.Levels + k }

// Level returns the weight of level k.
func (e Encoding) Level(k int) float64 {
	if e.Levels < 2 {
		return e.MaxWeight
	}
	return e.MaxWeight * float64(k) / float64(e.Levels-1)
}

// BuildQUBO encodes
//
//	−μᵀw + λ·wᵀΣw + P_onehot·Σ_i(Σ_k x_ik − 1)² + P_sum·(Σ_i w_i − 1)²
//
// with w_i = Σ_k level(k)·x_ik and λ = ra/2.
func BuildQUBO(p Problem, levels int, oneHotPenalty, sumPenalty float64) (QUBO, Encoding, error) {
	if err := p.Validate(); err != nil {
		return QUBO{}, Encoding{}, err
	}
	if levels < 2 {
		return QUBO{}, Encoding{}, fmt.Errorf("%w: need at least 2 levels, got %d", ErrInvalidProblem, levels)
	}
	n := p.Assets()
	enc := Encoding{Assets: n, Levels: levels, MaxWeight: p.MaxWeight}
	q := newQUBO(n * levels)
	lambda := p.RiskAversion / 2

	// quadratic terms in w: λΣ + P_sum·11ᵀ
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			m := lambda*p.Covariance[i][j] + sumPenalty
			for k := 0; k < levels; k++ {
				for l := 0; l < levels; l++ {
					q.add(enc.Var(i, k), enc.Var(j, l), m*enc.Level(k)*enc.Level(l))
				}
			}
		}
	}
	// linear terms in w: −μ_i − 2·P_sum
	for i := 0; i < n; i++ {
		for k := 0; k < levels; k++ {
			v := enc.Var(i, k)
			q.add(v, v, (-p.ExpectedReturns[i]-2*sumPenalty)*enc.Level(k))
		}
	}
	// one level per asset
	for i := 0; i < n; i++ {
		for k := 0; k < levels; k++ {
			q.add(enc.Var(i, k), enc.Var(i, k), -oneHotPenalty)
			for l := k + 1; l < levels; l++ {
				q.add(enc.Var(i, k), enc.Var(i, l), 2*oneHotPenalty)
			}
		}
	}
	q.Offset = sumPenalty + float64(n)*oneHotPenalty
	return q, enc, nil
}

// Decode turns a bit assignment into weights. Every asset must have exactly one
// level set; the levels are then normalized onto the capped simplex.
func (e Encoding) Decode(x []int8) ([]float64, error) {
	if len(x) != e.Assets*e.Levels {
		return nil, fmt.Errorf("%w: %d bits, want %d", ErrInvalidSolution, len(x), e.Assets*e.Levels)
	}
	raw := make([]float64, e.Assets)
	for i := 0; i < e.Assets; i++ {
		set := 0
		for k := 0; k < e.Levels; k++ {
			switch x[e.Var(i, k)] {
			case 0:
			case 1:
				set++
				raw[i] = e.Level(k)
			default:
				return nil, fmt.Errorf("%w: bit %d is %d", ErrInvalidSolution, e.Var(i, k), x[e.Var(i, k)])
			}
		}
		if set != 1 {
			return nil, fmt.Errorf("%w: asset %d has %d levels set", ErrInvalidSolution, i, set)
		}
	}
	return Normalize(raw, e.MaxWeight), nil
}
