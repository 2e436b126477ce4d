package portfolio

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/clawinfra/evoshield/internal/events"
	"github.com/clawinfra/evoshield/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fourAssets() Problem {
	return Problem{
		ExpectedReturns: []float64{0.05, 0.08, 0.10, 0.12},
		Covariance: [][]float64{
			{0.0010, 0.0002, 0.0001, 0.0000},
			{0.0002, 0.0100, 0.0030, 0.0020},
			{0.0001, 0.0030, 0.0200, 0.0050},
			{0.0000, 0.0020, 0.0050, 0.0400},
		},
		Current:      []float64{0.25, 0.25, 0.25, 0.25},
		RiskAversion: 2,
		MaxWeight:    0.40,
	}
}

type fakeAnnealer struct {
	mu     sync.Mutex
	calls  int
	sample Sample
	err    error
	block  chan struct{}
}

func (f *fakeAnnealer) Name() string { return "fake" }

func (f *fakeAnnealer) Anneal(ctx context.Context, req AnnealRequest) (Sample, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return f.sample, f.err
}

func (f *fakeAnnealer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func quantumConfig() Config {
	cfg := DefaultConfig()
	cfg.Quantum.Enabled = true
	cfg.Quantum.RatePerMinute = 6000
	cfg.Quantum.Burst = 100
	cfg.Quantum.TimeoutMs = 1000
	return cfg
}

func oneHot(enc Encoding, levels []int) []int8 {
	x := make([]int8, enc.Assets*enc.Levels)
	for i, k := range levels {
		x[enc.Var(i, k)] = 1
	}
	return x
}

func TestQUBOShape(t *testing.T) {
	q, enc, err := BuildQUBO(fourAssets(), 10, 10, 10)
	if err != nil {
		t.Fatalf("BuildQUBO: %v", err)
	}
	if q.Vars != 40 || len(q.Q) != 40 || enc.Levels != 10 {
		t.Fatalf("expected 40 variables, got %d", q.Vars)
	}
	if enc.Level(0) != 0 || math.Abs(enc.Level(9)-0.40) > 1e-12 {
		t.Errorf("levels should span [0, 0.40], got %v..%v", enc.Level(0), enc.Level(9))
	}
	for i := range q.Q {
		for j := 0; j < i; j++ {
			if q.Q[i][j] != 0 {
				t.Fatalf("lower triangle entry (%d,%d) = %v", i, j, q.Q[i][j])
			}
		}
	}
}

func TestQUBOEnergyMatchesObjective(t *testing.T) {
	p := fourAssets()
	q, enc, _ := BuildQUBO(p, 10, 10, 10)
	levels := []int{2, 9, 5, 7}
	w := make([]float64, 4)
	var sum float64
	for i, k := range levels {
		w[i] = enc.Level(k)
		sum += w[i]
	}
	var ret, risk float64
	for i := range w {
		ret += p.ExpectedReturns[i] * w[i]
		for j := range w {
			risk += w[i] * p.Covariance[i][j] * w[j]
		}
	}
	want := -ret + p.RiskAversion/2*risk + 10*(sum-1)*(sum-1)
	if got := q.Energy(oneHot(enc, levels)); math.Abs(got-want) > 1e-9 {
		t.Errorf("energy = %v, want %v", got, want)
	}

	// a second level on asset 0 costs at least the one-hot penalty minus the objective swing
	bad := oneHot(enc, levels)
	bad[enc.Var(0, 4)] = 1
	if q.Energy(bad) <= q.Energy(oneHot(enc, levels)) {
		t.Error("violating one-hot should raise the energy")
	}
}

func TestDecode(t *testing.T) {
	_, enc, _ := BuildQUBO(fourAssets(), 10, 10, 10)

	w, err := enc.Decode(oneHot(enc, []int{9, 9, 9, 0}))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := ValidateWeights(w, 0.40); err != nil {
		t.Errorf("decoded weights invalid: %v (%v)", err, w)
	}

	twoLevels := oneHot(enc, []int{3, 4, 5, 6})
	twoLevels[enc.Var(1, 7)] = 1
	if _, err := enc.Decode(twoLevels); !errors.Is(err, ErrInvalidSolution) {
		t.Errorf("two levels set: got %v", err)
	}
	if _, err := enc.Decode(make([]int8, 40)); !errors.Is(err, ErrInvalidSolution) {
		t.Errorf("no levels set: got %v", err)
	}
	if _, err := enc.Decode(make([]int8, 39)); !errors.Is(err, ErrInvalidSolution) {
		t.Errorf("short assignment: got %v", err)
	}
}

func TestInvalidQuantumSolutionFallsBackToClassical(t *testing.T) {
	_, enc, _ := BuildQUBO(fourAssets(), 10, 10, 10)
	bits := oneHot(enc, []int{3, 4, 5, 6})
	bits[enc.Var(2, 1)] = 1
	fake := &fakeAnnealer{sample: Sample{Bits: bits}}
	pub := &recordingPublisher{}
	o := NewOptimizer(quantumConfig(), fake, metrics.New(), pub, testLogger())

	res, err := o.Optimize(context.Background(), fourAssets())
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if res.Tier != TierClassical {
		t.Fatalf("expected classical tier, got %s", res.Tier)
	}
	if len(res.Fallbacks) != 1 || res.Fallbacks[0].Reason != "invalid_solution" {
		t.Errorf("unexpected fallbacks: %+v", res.Fallbacks)
	}
	if err := ValidateWeights(res.Weights, 0.40); err != nil {
		t.Errorf("classical weights invalid: %v", err)
	}
	if len(pub.events) != 1 || pub.events[0].Type != events.SolverFallback {
		t.Errorf("expected one fallback event, got %v", pub.events)
	}
}

func TestQuantumTimeoutDoesNotBlock(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	fake := &fakeAnnealer{block: block}
	cfg := quantumConfig()
	cfg.Quantum.TimeoutMs = 50
	o := NewOptimizer(cfg, fake, nil, nil, testLogger())

	start := time.Now()
	res, err := o.Optimize(context.Background(), fourAssets())
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("optimizer blocked for %v", elapsed)
	}
	if res.Tier != TierClassical || res.Fallbacks[0].Reason != "timeout" {
		t.Errorf("expected timeout fallback to classical, got %s %+v", res.Tier, res.Fallbacks)
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	fake := &fakeAnnealer{err: errors.New("service unavailable")}
	cfg := quantumConfig()
	cfg.Quantum.MaxFailures = 2
	o := NewOptimizer(cfg, fake, nil, nil, testLogger())

	for i := 0; i < 2; i++ {
		res, _ := o.Optimize(context.Background(), fourAssets())
		if res.Fallbacks[0].Reason != "error" {
			t.Fatalf("call %d: reason %q", i, res.Fallbacks[0].Reason)
		}
	}
	res, _ := o.Optimize(context.Background(), fourAssets())
	if res.Fallbacks[0].Reason != "breaker_open" {
		t.Errorf("expected breaker_open, got %q", res.Fallbacks[0].Reason)
	}
	if fake.Calls() != 2 {
		t.Errorf("annealer called %d times, want 2", fake.Calls())
	}
	if o.BreakerState() != "open" {
		t.Errorf("breaker state = %s", o.BreakerState())
	}
}

func TestRateLimitSkipsQuantum(t *testing.T) {
	_, enc, _ := BuildQUBO(fourAssets(), 10, 10, 10)
	fake := &fakeAnnealer{sample: Sample{Bits: oneHot(enc, []int{9, 9, 9, 0})}}
	cfg := quantumConfig()
	cfg.Quantum.RatePerMinute = 0.001
	cfg.Quantum.Burst = 1
	o := NewOptimizer(cfg, fake, nil, nil, testLogger())

	first, _ := o.Optimize(context.Background(), fourAssets())
	if first.Tier != TierQuantum {
		t.Fatalf("first call should use the annealer, got %s %+v", first.Tier, first.Fallbacks)
	}
	second, _ := o.Optimize(context.Background(), fourAssets())
	if second.Tier != TierClassical || second.Fallbacks[0].Reason != "rate_limited" {
		t.Errorf("expected rate-limited fallback, got %s %+v", second.Tier, second.Fallbacks)
	}
}

func TestQuantumDisabledUsesClassical(t *testing.T) {
	fake := &fakeAnnealer{}
	o := NewOptimizer(DefaultConfig(), fake, nil, nil, testLogger())
	res, err := o.Optimize(context.Background(), fourAssets())
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if res.Tier != TierClassical || len(res.Fallbacks) != 0 || fake.Calls() != 0 {
		t.Errorf("unexpected result: tier %s fallbacks %v calls %d", res.Tier, res.Fallbacks, fake.Calls())
	}
}

func TestClassicalFailureFallsBackToEqualWeight(t *testing.T) {
	p := fourAssets()
	// strongly indefinite: shrinkage cannot repair it
	p.Covariance = [][]float64{
		{0.01, 1, 1, 1},
		{1, 0.01, 1, 1},
		{1, 1, 0.01, 1},
		{1, 1, 1, 0.01},
	}
	o := NewOptimizer(DefaultConfig(), nil, nil, nil, testLogger())
	res, err := o.Optimize(context.Background(), p)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if res.Tier != TierEqual {
		t.Fatalf("expected equal weights, got %s", res.Tier)
	}
	for _, w := range res.Weights {
		if w != 0.25 {
			t.Errorf("weights = %v", res.Weights)
			break
		}
	}
}

func TestOptimizeRejectsInvalidProblem(t *testing.T) {
	o := NewOptimizer(DefaultConfig(), nil, nil, nil, testLogger())
	p := fourAssets()
	p.MaxWeight = 0.2
	if _, err := o.Optimize(context.Background(), p); !errors.Is(err, ErrInvalidProblem) {
		t.Errorf("infeasible cap: got %v", err)
	}
	p = fourAssets()
	p.Covariance = p.Covariance[:3]
	if _, err := o.Optimize(context.Background(), p); !errors.Is(err, ErrInvalidProblem) {
		t.Errorf("bad covariance: got %v", err)
	}
}

func TestClassicalHitsCap(t *testing.T) {
	s := NewClassicalSolver(ClassicalConfig{TurnoverCost: 0})
	p := Problem{
		ExpectedReturns: []float64{0.10, 0.05},
		Covariance:      [][]float64{{0.01, 0}, {0, 0.01}},
		RiskAversion:    1,
		MaxWeight:       0.6,
	}
	w, err := s.Solve(p, nil)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if math.Abs(w[0]-0.6) > 1e-6 || math.Abs(w[1]-0.4) > 1e-6 {
		t.Errorf("weights = %v, want [0.6 0.4]", w)
	}
}

func TestClassicalInteriorOptimum(t *testing.T) {
	s := NewClassicalSolver(ClassicalConfig{TurnoverCost: 0})
	p := Problem{
		ExpectedReturns: []float64{0.06, 0.04},
		Covariance:      [][]float64{{0.04, 0}, {0, 0.04}},
		RiskAversion:    10,
		MaxWeight:       1,
	}
	w, err := s.Solve(p, nil)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if math.Abs(w[0]-0.525) > 1e-5 || math.Abs(w[1]-0.475) > 1e-5 {
		t.Errorf("weights = %v, want [0.525 0.475]", w)
	}
}

func TestTurnoverPenaltyHoldsPosition(t *testing.T) {
	s := NewClassicalSolver(ClassicalConfig{TurnoverCost: 1})
	p := Problem{
		ExpectedReturns: []float64{0.06, 0.04},
		Covariance:      [][]float64{{0.04, 0}, {0, 0.04}},
		Current:         []float64{0.5, 0.5},
		RiskAversion:    10,
		MaxWeight:       1,
	}
	w, err := s.Solve(p, nil)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if math.Abs(w[0]-0.5) > 1e-6 {
		t.Errorf("weights = %v, expected to stay at current", w)
	}
}

func TestClassicalAlwaysValid(t *testing.T) {
	s := NewClassicalSolver(DefaultClassicalConfig())
	rng := rand.New(rand.NewPCG(3, 5))
	for trial := 0; trial < 50; trial++ {
		n := 2 + rng.IntN(6)
		p := Problem{
			ExpectedReturns: make([]float64, n),
			Covariance:      make([][]float64, n),
			RiskAversion:    rng.Float64() * 5,
			MaxWeight:       math.Min(1, 1/float64(n)+rng.Float64()*0.5),
		}
		// Σ = AAᵀ is positive semidefinite
		a := make([][]float64, n)
		for i := range a {
			a[i] = make([]float64, n)
			for j := range a[i] {
				a[i][j] = rng.NormFloat64() * 0.1
			}
			p.ExpectedReturns[i] = rng.NormFloat64() * 0.05
		}
		for i := range p.Covariance {
			p.Covariance[i] = make([]float64, n)
			for j := range p.Covariance[i] {
				for k := 0; k < n; k++ {
					p.Covariance[i][j] += a[i][k] * a[j][k]
				}
			}
		}
		w, err := s.Solve(p, nil)
		if err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}
		if err := ValidateWeights(w, p.MaxWeight); err != nil {
			t.Fatalf("trial %d: %v (%v)", trial, err, w)
		}
	}
}

func TestSimulatedAnnealerEndToEnd(t *testing.T) {
	p := Problem{
		ExpectedReturns: []float64{0.10, 0.00},
		Covariance:      [][]float64{{0, 0}, {0, 0}},
		RiskAversion:    0,
		MaxWeight:       1,
	}
	cfg := quantumConfig()
	cfg.MaxWeight = 1
	cfg.Quantum.Levels = 3
	cfg.Quantum.Reads = 20
	cfg.Quantum.Seed = 42
	o := NewOptimizer(cfg, nil, nil, nil, testLogger())
	res, err := o.Optimize(context.Background(), p)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if res.Tier != TierQuantum {
		t.Fatalf("expected quantum tier, got %s %+v", res.Tier, res.Fallbacks)
	}
	if math.Abs(res.Weights[0]-1) > 1e-9 || math.Abs(res.Energy+0.1) > 1e-9 {
		t.Errorf("weights %v energy %v, want [1 0] and -0.1", res.Weights, res.Energy)
	}
}

func TestRemoteAnnealer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		var req remoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad request"}`))
			return
		}
		bits := make([]int8, req.QUBO.Vars)
		bits[0] = 1
		_ = json.NewEncoder(w).Encode(remoteResponse{Bits: bits, Energy: -1.5})
	}))
	defer srv.Close()

	q := newQUBO(4)
	ra := NewRemoteAnnealer(srv.URL, "secret", time.Second)
	s, err := ra.Anneal(context.Background(), AnnealRequest{QUBO: q, Reads: 10})
	if err != nil {
		t.Fatalf("Anneal: %v", err)
	}
	if len(s.Bits) != 4 || s.Bits[0] != 1 || s.Energy != -1.5 {
		t.Errorf("unexpected sample %+v", s)
	}

	unauthorized := NewRemoteAnnealer(srv.URL, "wrong", time.Second)
	if _, err := unauthorized.Anneal(context.Background(), AnnealRequest{QUBO: q}); !errors.Is(err, ErrSolverFailed) {
		t.Errorf("expected solver failure, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   []float64
		want []float64
	}{
		{"overweight clipped", []float64{0.25, 0.55, 0.25, 0.25}, []float64{0.2, 0.4, 0.2, 0.2}},
		{"all zero", []float64{0, 0, 0, 0}, []float64{0.25, 0.25, 0.25, 0.25}},
		{"negative clipped", []float64{-1, 0.5, 0.5, 0}, []float64{0.1, 0.4, 0.4, 0.1}},
		{"all capped", []float64{1, 1, 1, 1}, []float64{0.25, 0.25, 0.25, 0.25}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.in, 0.40)
			for i := range got {
				if math.Abs(got[i]-tt.want[i]) > 1e-9 {
					t.Fatalf("Normalize(%v) = %v, want %v", tt.in, got, tt.want)
				}
			}
		})
	}
}
