package shield

import (
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/clawinfra/evoshield/internal/events"
	"github.com/clawinfra/evoshield/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
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

func newTestEnv(t *testing.T, cfg Config) (*Env, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	env, err := New(cfg, metrics.New(), pub, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return env, pub
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func sum(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x
	}
	return s
}

func TestInitialState(t *testing.T) {
	env, _ := newTestEnv(t, DefaultConfig())
	s := env.State()
	if len(s.Weights) != 4 || !near(s.Coverage, 1.35) || !near(s.Volatility, 0.15) {
		t.Fatalf("unexpected initial state: %+v", s)
	}
	for i, w := range s.Weights {
		if !near(w, 0.25) {
			t.Errorf("weight %d = %v, want 0.25", i, w)
		}
	}
}

func TestOverweightClippedAndRenormalized(t *testing.T) {
	env, _ := newTestEnv(t, DefaultConfig())
	res, err := env.Step([]float64{0, 0.30, 0, 0})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if res.Violated {
		t.Fatalf("unexpected violation: %v", res.Reasons)
	}
	want := []float64{0.2, 0.4, 0.2, 0.2}
	for i, w := range res.State.Weights {
		if !near(w, want[i]) {
			t.Errorf("weight %d = %v, want %v", i, w, want[i])
		}
	}
	if !near(res.Proposed[1], 0.55) {
		t.Errorf("proposed weight = %v, want 0.55", res.Proposed[1])
	}
	ret := 0.2*0.05 + 0.4*0.08 + 0.2*0.10 + 0.2*0.12
	cov := 1.35 * (1 + ret*0.1)
	if !near(res.Return, ret) || !near(res.Coverage, cov) {
		t.Errorf("return %v coverage %v, want %v %v", res.Return, res.Coverage, ret, cov)
	}
	if wantR := 10*ret + 5*(cov-1.30); !near(res.Reward, wantR) {
		t.Errorf("reward = %v, want %v", res.Reward, wantR)
	}
}

func TestCashFloorEnforced(t *testing.T) {
	env, _ := newTestEnv(t, DefaultConfig())
	res, err := env.Step([]float64{-0.25, 0.05, 0.1, 0.1})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	w := res.State.Weights
	if !near(w[0], 0.05) {
		t.Errorf("cash = %v, want 0.05", w[0])
	}
	if !near(sum(w), 1) {
		t.Errorf("weights sum to %v", sum(w))
	}
	for i, v := range w {
		if v > 0.40+1e-9 || v < 0 {
			t.Errorf("weight %d = %v out of bounds", i, v)
		}
	}
}

func TestCoverageViolationRevertsState(t *testing.T) {
	env, pub := newTestEnv(t, DefaultConfig())
	before := env.State()
	res, err := env.StepWithReturns([]float64{-0.1, 0.1, 0, 0}, []float64{-1, -1, -1, -1})
	if err != nil {
		t.Fatalf("StepWithReturns: %v", err)
	}
	if !res.Violated || res.Reward != -20 {
		t.Fatalf("expected violation with penalty, got %+v", res)
	}
	if len(res.Reasons) == 0 || !strings.Contains(res.Reasons[0], "coverage") {
		t.Errorf("unexpected reasons: %v", res.Reasons)
	}
	after := env.State()
	for i := range before.Weights {
		if before.Weights[i] != after.Weights[i] {
			t.Fatalf("state changed after violation: %v -> %v", before.Weights, after.Weights)
		}
	}
	if after.Coverage != before.Coverage {
		t.Errorf("coverage changed after violation")
	}
	if len(pub.events) != 1 || pub.events[0].Type != events.ShieldViolation {
		t.Errorf("expected one shield violation event, got %v", pub.events)
	}
}

func TestRandomStepsKeepInvariants(t *testing.T) {
	env, _ := newTestEnv(t, DefaultConfig())
	rng := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 500; i++ {
		delta := make([]float64, 4)
		for j := range delta {
			delta[j] = rng.NormFloat64() * 0.5
		}
		var returns []float64
		if i%5 == 0 {
			returns = []float64{0.02, -0.3, -0.2, -0.4}
		}
		res, err := env.StepWithReturns(delta, returns)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		s := res.State
		if !near(sum(s.Weights), 1) {
			t.Fatalf("step %d: weights sum to %v", i, sum(s.Weights))
		}
		for j, w := range s.Weights {
			if w < -1e-12 || w > 0.40+1e-9 {
				t.Fatalf("step %d: weight %d = %v", i, j, w)
			}
		}
		if s.Weights[0] < 0.05-1e-9 {
			t.Fatalf("step %d: cash %v below minimum", i, s.Weights[0])
		}
		if s.Coverage < 1.30 {
			t.Fatalf("step %d: coverage %v below floor", i, s.Coverage)
		}
	}
}

func TestAllWeightsPushedAboveCap(t *testing.T) {
	env, _ := newTestEnv(t, DefaultConfig())
	res, err := env.Step([]float64{0.5, 0.5, 0.5, 0.5})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	for i, w := range res.State.Weights {
		if !near(w, 0.25) {
			t.Errorf("weight %d = %v, want 0.25", i, w)
		}
	}
}

func TestThrottle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxStep = 0.1
	cfg.TurnoverCap = 0.1
	env, _ := newTestEnv(t, cfg)
	res, err := env.Step([]float64{-0.2, 0.3, 0, 0})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !res.Throttled {
		t.Fatal("expected the step to be throttled")
	}
	// max step gives (-0.1, 0.1), then turnover 0.2 is halved
	want := []float64{0.20, 0.30, 0.25, 0.25}
	for i, w := range res.State.Weights {
		if !near(w, want[i]) {
			t.Errorf("weight %d = %v, want %v", i, w, want[i])
		}
	}
	if !near(res.Turnover, 0.1) {
		t.Errorf("turnover = %v, want 0.1", res.Turnover)
	}
}

func TestInvalidInput(t *testing.T) {
	env, _ := newTestEnv(t, DefaultConfig())
	if _, err := env.Step([]float64{0, 0}); !errors.Is(err, ErrInvalidDelta) {
		t.Errorf("short delta: got %v", err)
	}
	if _, err := env.Step([]float64{0, math.NaN(), 0, 0}); !errors.Is(err, ErrInvalidDelta) {
		t.Errorf("NaN delta: got %v", err)
	}
	if _, err := env.StepWithReturns(make([]float64, 4), []float64{0.1}); !errors.Is(err, ErrInvalidDelta) {
		t.Errorf("short returns: got %v", err)
	}

	bad := DefaultConfig()
	bad.MaxWeight = 0.2
	if _, err := New(bad, nil, nil, testLogger()); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("infeasible cap: got %v", err)
	}
	bad = DefaultConfig()
	bad.MinCash = 0.5
	if _, err := New(bad, nil, nil, testLogger()); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("min cash above cap: got %v", err)
	}
}

func TestResetAndSetState(t *testing.T) {
	env, _ := newTestEnv(t, DefaultConfig())
	if err := env.SetState(State{Weights: []float64{0, 0.9, 0.1, 0}, Coverage: 1.5}); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	s := env.State()
	if s.Weights[1] > 0.40+1e-9 || s.Weights[0] < 0.05-1e-9 || !near(sum(s.Weights), 1) {
		t.Errorf("SetState did not project weights: %v", s.Weights)
	}
	if err := env.SetState(State{Weights: []float64{1}}); !errors.Is(err, ErrInvalidDelta) {
		t.Errorf("short state: got %v", err)
	}
	if r := env.Reset(); !near(r.Coverage, 1.35) || !near(r.Weights[2], 0.25) {
		t.Errorf("unexpected reset state: %+v", r)
	}
}
