// Package bandit implements disjoint LinUCB over a fixed action table.
package bandit

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Algo is the algorithm label stored with policies.
const Algo = "LinUCB"

var (
	ErrInvalidContext = errors.New("bandit: invalid context")
	ErrInvalidAction  = errors.New("bandit: action out of range")
	ErrInvalidReward  = errors.New("bandit: reward is not finite")
	ErrShape          = errors.New("bandit: snapshot shape mismatch")
)

// LinUCB keeps a ridge regression per action and scores with an upper confidence bound.
// It is safe for concurrent use.
type LinUCB struct {
	mu      sync.RWMutex
	actions int
	dim     int
	alpha   float64
	reg     float64
	a       []*mat.SymDense
	b       []*mat.VecDense
	n       []int
}

// New creates a bandit with A = reg·I and b = 0 for every action.
func New(actions, dim int, alpha, reg float64) (*LinUCB, error) {
	if actions <= 0 || dim <= 0 {
		return nil, fmt.Errorf("bandit: need positive actions and dim, got %d and %d", actions, dim)
	}
	if reg <= 0 || math.IsNaN(reg) || alpha < 0 || math.IsNaN(alpha) {
		return nil, fmt.Errorf("bandit: invalid alpha %v or reg %v", alpha, reg)
	}
	l := &LinUCB{actions: actions, dim: dim, alpha: alpha, reg: reg}
	l.reset()
	return l, nil
}

func (l *LinUCB) reset() {
	l.a = make([]*mat.SymDense, l.actions)
	l.b = make([]*mat.VecDense, l.actions)
	l.n = make([]int, l.actions)
	for i := 0; i < l.actions; i++ {
		l.a[i] = identity(l.dim, l.reg)
		l.b[i] = mat.NewVecDense(l.dim, nil)
	}
}

func identity(dim int, scale float64) *mat.SymDense {
	s := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		s.SetSym(i, i, scale)
	}
	return s
}

// Actions returns the number of arms.
func (l *LinUCB) Actions() int { return l.actions }

// Dim returns the context dimension.
func (l *LinUCB) Dim() int { return l.dim }

// Alpha returns the exploration coefficient.
func (l *LinUCB) Alpha() float64 { return l.alpha }

// Reg returns the ridge regularizer.
func (l *LinUCB) Reg() float64 { return l.reg }

func (l *LinUCB) checkContext(x []float64) error {
	if len(x) != l.dim {
		return fmt.Errorf("%w: dimension %d, want %d", ErrInvalidContext, len(x), l.dim)
	}
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: element %d is %v", ErrInvalidContext, i, v)
		}
	}
	return nil
}

// Scores returns the UCB score of every action for context x.
func (l *LinUCB) Scores(x []float64) ([]float64, error) {
	if err := l.checkContext(x); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	xv := mat.NewVecDense(l.dim, append([]float64(nil), x...))
	scores := make([]float64, l.actions)
	for i := 0; i < l.actions; i++ {
		scores[i] = l.score(i, xv)
	}
	return scores, nil
}

// score falls back to the prior (θ = 0, A⁻¹ = I/reg) when A is not positive definite.
func (l *LinUCB) score(i int, x *mat.VecDense) float64 {
	var chol mat.Cholesky
	if !chol.Factorize(l.a[i]) {
		return l.alpha * math.Sqrt(mat.Dot(x, x)/l.reg)
	}
	var theta, z mat.VecDense
	if err := chol.SolveVecTo(&theta, l.b[i]); err != nil {
		return l.alpha * math.Sqrt(mat.Dot(x, x)/l.reg)
	}
	if err := chol.SolveVecTo(&z, x); err != nil {
		return l.alpha * math.Sqrt(mat.Dot(x, x)/l.reg)
	}
	s := mat.Dot(&theta, x) + l.alpha*math.Sqrt(math.Max(mat.Dot(x, &z), 0))
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return l.alpha * math.Sqrt(mat.Dot(x, x)/l.reg)
	}
	return s
}

// SuggestAction returns the highest scoring action. Ties go to the lowest index.
func (l *LinUCB) SuggestAction(x []float64) (int, error) {
	scores, err := l.Scores(x)
	if err != nil {
		return 0, err
	}
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best, nil
}

// Update applies A_a += xxᵀ and b_a += r·x.
func (l *LinUCB) Update(x []float64, action int, r float64) error {
	if err := l.checkContext(x); err != nil {
		return err
	}
	if action < 0 || action >= l.actions {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidAction, action, l.actions)
	}
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return ErrInvalidReward
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	xv := mat.NewVecDense(l.dim, append([]float64(nil), x...))
	l.a[action].SymRankOne(l.a[action], 1, xv)
	l.b[action].AddScaledVec(l.b[action], r, xv)
	l.n[action]++
	return nil
}

// Counts returns how many updates each action has received.
func (l *LinUCB) Counts() []int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]int(nil), l.n...)
}

// Snapshot is the serializable parameter set of a bandit.
type Snapshot struct {
	Actions int         `json:"actions"`
	Dim     int         `json:"dim"`
	Alpha   float64     `json:"alpha"`
	Reg     float64     `json:"reg"`
	A       [][]float64 `json:"A"` // row-major dim×dim per action
	B       [][]float64 `json:"b"`
	Counts  []int       `json:"counts,omitempty"`
}

// Clone returns a copy that shares no slices with s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.A = cloneRows(s.A)
	out.B = cloneRows(s.B)
	if s.Counts != nil {
		out.Counts = append([]int(nil), s.Counts...)
	}
	return out
}

func cloneRows(rows [][]float64) [][]float64 {
	if rows == nil {
		return nil
	}
	out := make([][]float64, len(rows))
	for i, r := range rows {
		if r != nil {
			out[i] = append([]float64(nil), r...)
		}
	}
	return out
}

// Snapshot copies the current parameters.
func (l *LinUCB) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Snapshot{
		Actions: l.actions,
		Dim:     l.dim,
		Alpha:   l.alpha,
		Reg:     l.reg,
		A:       make([][]float64, l.actions),
		B:       make([][]float64, l.actions),
		Counts:  append([]int(nil), l.n...),
	}
	for i := 0; i < l.actions; i++ {
		flat := make([]float64, l.dim*l.dim)
		for r := 0; r < l.dim; r++ {
			for c := 0; c < l.dim; c++ {
				flat[r*l.dim+c] = l.a[i].At(r, c)
			}
		}
		s.A[i] = flat
		b := make([]float64, l.dim)
		for r := 0; r < l.dim; r++ {
			b[r] = l.b[i].AtVec(r)
		}
		s.B[i] = b
	}
	return s
}

// Restore replaces the parameters with a snapshot of the same shape.
// Alpha and reg are kept from the receiver.
func (l *LinUCB) Restore(s Snapshot) error {
	if s.Actions != l.actions || s.Dim != l.dim || len(s.A) != l.actions || len(s.B) != l.actions {
		return fmt.Errorf("%w: got %d actions dim %d, want %d actions dim %d",
			ErrShape, s.Actions, s.Dim, l.actions, l.dim)
	}
	a := make([]*mat.SymDense, l.actions)
	b := make([]*mat.VecDense, l.actions)
	for i := 0; i < l.actions; i++ {
		if len(s.A[i]) != l.dim*l.dim || len(s.B[i]) != l.dim {
			return fmt.Errorf("%w: action %d", ErrShape, i)
		}
		sym := mat.NewSymDense(l.dim, nil)
		for r := 0; r < l.dim; r++ {
			for c := r; c < l.dim; c++ {
				sym.SetSym(r, c, s.A[i][r*l.dim+c])
			}
		}
		a[i] = sym
		b[i] = mat.NewVecDense(l.dim, append([]float64(nil), s.B[i]...))
	}
	n := make([]int, l.actions)
	if len(s.Counts) == l.actions {
		copy(n, s.Counts)
	}

	l.mu.Lock()
	l.a, l.b, l.n = a, b, n
	l.mu.Unlock()
	return nil
}

// FromSnapshot builds a bandit from a snapshot, using the snapshot's alpha and reg
// unless they are unset.
func FromSnapshot(s Snapshot, alpha, reg float64) (*LinUCB, error) {
	if s.Alpha > 0 {
		alpha = s.Alpha
	}
	if s.Reg > 0 {
		reg = s.Reg
	}
	l, err := New(s.Actions, s.Dim, alpha, reg)
	if err != nil {
		return nil, err
	}
	if err := l.Restore(s); err != nil {
		return nil, err
	}
	return l, nil
}
