package reward

import (
	"encoding/json"
	"math"
	"testing"
)

func TestComputeDefaults(t *testing.T) {
	// Missing metrics: F=1, S=0.5, C=0, everything else 0, Q=1.
	got := Compute(Metrics{}, DefaultConfig())
	want := 0.15*1 + 0.10*0.5
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("Compute(empty) = %v, want %v", got, want)
	}
}

func TestFairnessGate(t *testing.T) {
	// The worked example: strong outcome but fairness 0.4 is gated to zero.
	m := Metrics{
		KeyWealthDelta:   0.8,
		KeyCoverageRatio: 1.5,
		KeyFairness:      0.4,
		KeySatisfaction:  0.9,
	}
	m.SetBool(KeyComplianceOK, true)
	if got := Compute(m, DefaultConfig()); got != 0 {
		t.Errorf("expected gated reward 0, got %v", got)
	}
}

func TestComplianceGate(t *testing.T) {
	m := Metrics{KeyWealthDelta: 1, KeyFairness: 0.9}
	m.SetBool(KeyComplianceOK, false)
	if got := Compute(m, DefaultConfig()); got != 0 {
		t.Errorf("expected gated reward 0, got %v", got)
	}
}

func TestCustomFairnessThreshold(t *testing.T) {
	m := Metrics{KeyFairness: 0.6}
	if NewEngine(0.7).Compute(m, DefaultConfig()) != 0 {
		t.Error("fairness 0.6 should be gated at threshold 0.7")
	}
	if Compute(m, DefaultConfig()) == 0 {
		t.Error("fairness 0.6 should pass the default threshold")
	}
	if NewEngine(0).MinFairness != DefaultMinFairness {
		t.Error("non-positive threshold should fall back to default")
	}
}

func TestCalibrationClamp(t *testing.T) {
	base := Compute(Metrics{KeyWealthDelta: 0.5}, DefaultConfig())
	high := Compute(Metrics{KeyWealthDelta: 0.5, KeyCalibration: 5}, DefaultConfig())
	low := Compute(Metrics{KeyWealthDelta: 0.5, KeyCalibration: 0}, DefaultConfig())
	if math.Abs(high-1.2*base) > 1e-12 {
		t.Errorf("calibration should clamp to 1.2: %v vs %v", high, 1.2*base)
	}
	if math.Abs(low-0.8*base) > 1e-12 {
		t.Errorf("calibration should clamp to 0.8: %v vs %v", low, 0.8*base)
	}
}

func TestComputeAlwaysFinite(t *testing.T) {
	inputs := []Metrics{
		{KeyWealthDelta: math.NaN()},
		{KeyWealthDelta: math.Inf(1), KeyDrawdown: math.Inf(1)},
		{KeyCoverageRatio: math.Inf(-1), KeyCalibration: math.NaN()},
		{KeyFairness: math.NaN(), KeyAnomaly: 1e308, KeyTaxRisk: -1e308},
	}
	for i, m := range inputs {
		r := Compute(m, DefaultConfig())
		if math.IsNaN(r) || math.IsInf(r, 0) {
			t.Errorf("input %d: non-finite reward %v", i, r)
		}
	}
}

func TestCoverageTerm(t *testing.T) {
	cfg := Config{Beta: 1}
	tests := []struct {
		cov  float64
		want float64
	}{
		{1.0, 0},
		{1.2, 0},
		{1.5, 0.5},
		{1.8, 1},
		{3.0, 1},
	}
	for _, tt := range tests {
		got := Compute(Metrics{KeyCoverageRatio: tt.cov}, cfg)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("coverage %v: got %v, want %v", tt.cov, got, tt.want)
		}
	}
}

func TestConfigClipAndWithin(t *testing.T) {
	bounds := DefaultBounds()
	if !DefaultConfig().Within(bounds) {
		t.Fatal("default config must lie inside default bounds")
	}
	c := Config{Alpha: 1, Beta: -1}
	clipped := c.Clip(bounds)
	if clipped.Alpha != 0.6 || clipped.Beta != 0.05 {
		t.Errorf("unexpected clip: %+v", clipped)
	}
	if !clipped.Within(bounds) {
		t.Error("clipped config should be within bounds")
	}
	if err := c.Set("nope", 1); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestNormalizeHelpers(t *testing.T) {
	if got := NormalizeWealthDelta(5, 100, -0.05, 0.15); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("NormalizeWealthDelta = %v, want 0.5", got)
	}
	if got := NormalizeWealthDelta(-50, 100, -0.05, 0.15); got != 0 {
		t.Errorf("large loss should clamp to 0, got %v", got)
	}
	if got := NormalizeWealthDelta(1, 0, -0.05, 0.15); got != 0 {
		t.Errorf("zero baseline should yield 0, got %v", got)
	}
	if got := NormalizeDrawdown(-0.1, 0.2); got != 0.5 {
		t.Errorf("NormalizeDrawdown = %v, want 0.5", got)
	}
	if got := NormalizeDrawdown(0.5, 0.2); got != 1 {
		t.Errorf("NormalizeDrawdown should clamp to 1, got %v", got)
	}
}

func TestMetricsUnmarshalBools(t *testing.T) {
	var m Metrics
	if err := json.Unmarshal([]byte(`{"fairness":0.9,"compliance_ok":false,"note":null}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m[KeyComplianceOK] != 0 || m[KeyFairness] != 0.9 {
		t.Errorf("unexpected metrics: %v", m)
	}
	if err := json.Unmarshal([]byte(`{"fairness":"high"}`), &m); err == nil {
		t.Error("expected error for string metric")
	}
}
