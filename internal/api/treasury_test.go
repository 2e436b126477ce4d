package api

import (
	"math"
	"net/http"
	"testing"

	"github.com/clawinfra/evoshield/internal/portfolio"
	"github.com/clawinfra/evoshield/internal/treasury"
)

var (
	testMu  = []float64{0.05, 0.08, 0.10, 0.12}
	testCov = [][]float64{
		{0.0010, 0.0002, 0.0001, 0.0000},
		{0.0002, 0.0100, 0.0030, 0.0020},
		{0.0001, 0.0030, 0.0200, 0.0050},
		{0.0000, 0.0020, 0.0050, 0.0400},
	}
)

func TestOptimize(t *testing.T) {
	e := newTestEnv(t, Config{}, nil)

	w := e.do(t, http.MethodPost, "/api/portfolio/optimize", optimizeRequest{
		ExpectedReturns: testMu,
		Covariance:      testCov,
	}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	var res portfolio.Result
	decodeBody(t, w, &res)
	var sum float64
	for _, x := range res.Weights {
		sum += x
		if x > 0.40+1e-6 {
			t.Errorf("weight %v above cap", x)
		}
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("weights sum to %v", sum)
	}
	if res.Tier != portfolio.TierClassical {
		t.Errorf("tier = %s, want classical", res.Tier)
	}

	w = e.do(t, http.MethodPost, "/api/portfolio/optimize", optimizeRequest{
		ExpectedReturns: testMu,
		Covariance:      testCov[:2],
	}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad covariance: expected 400, got %d", w.Code)
	}
}

func TestTreasuryRebalanceAndShock(t *testing.T) {
	e := newTestEnv(t, Config{}, nil)

	w := e.do(t, http.MethodGet, "/api/treasury", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("state: expected 200, got %d", w.Code)
	}
	var before map[string]interface{}
	decodeBody(t, w, &before)
	if _, ok := before["last_rebalance"]; ok {
		t.Fatal("no rebalance has happened yet")
	}

	w = e.do(t, http.MethodPost, "/api/treasury/rebalance", optimizeRequest{
		ExpectedReturns: testMu,
		Covariance:      testCov,
	}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("rebalance: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	var rep treasury.Report
	decodeBody(t, w, &rep)
	if len(rep.Target) != 4 || !rep.Guardrails.OK {
		t.Errorf("unexpected report: %+v", rep)
	}

	w = e.do(t, http.MethodGet, "/api/treasury", nil, "")
	var after map[string]interface{}
	decodeBody(t, w, &after)
	if _, ok := after["last_rebalance"]; !ok {
		t.Error("expected last rebalance in state")
	}

	w = e.do(t, http.MethodPost, "/api/treasury/shock", map[string][]float64{"returns": {0.01}}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("short returns: expected 400, got %d", w.Code)
	}
	w = e.do(t, http.MethodPost, "/api/treasury/shock", map[string][]float64{"returns": {-0.01, 0.02, -0.03, 0.01}}, "")
	if w.Code != http.StatusOK {
		t.Errorf("shock: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
}

func TestTreasuryUnavailable(t *testing.T) {
	e := newTestEnv(t, Config{}, func(d *Deps) {
		d.Treasury = nil
		d.Optimizer = nil
	})

	if w := e.do(t, http.MethodGet, "/api/treasury", nil, ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("treasury: expected 503, got %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/api/portfolio/optimize", optimizeRequest{}, ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("optimize: expected 503, got %d", w.Code)
	}
}
