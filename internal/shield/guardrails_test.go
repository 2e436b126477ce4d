package shield

import (
	"math"
	"strings"
	"testing"
)

func TestCheckLimits(t *testing.T) {
	l := DefaultLimits()
	ok := CheckLimits(State{Weights: []float64{0.1, 0.3, 0.3, 0.3}, Coverage: 1.4}, l)
	if !ok.OK || len(ok.Violations) != 0 {
		t.Fatalf("expected a clean report, got %+v", ok)
	}

	bad := CheckLimits(State{Weights: []float64{0.02, 0.5, 0.28, 0.2}, Coverage: 1.1}, l)
	if bad.OK || len(bad.Violations) != 3 {
		t.Fatalf("expected three violations, got %+v", bad)
	}
	if !strings.HasPrefix(bad.Violations[0], "coverage 1.10 < floor 1.30") {
		t.Errorf("unexpected coverage message %q", bad.Violations[0])
	}
	if !strings.Contains(bad.Violations[1], "position 1") {
		t.Errorf("unexpected position message %q", bad.Violations[1])
	}
	if !strings.HasPrefix(bad.Violations[2], "cash 2.00%") {
		t.Errorf("unexpected cash message %q", bad.Violations[2])
	}
}

func TestMonthlyPayment(t *testing.T) {
	if got := MonthlyPayment(12000, 0, 12); got != 1000 {
		t.Errorf("zero-rate payment = %v, want 1000", got)
	}
	// 100k over 30 years at 6% is the textbook 599.55
	if got := MonthlyPayment(100000, 0.06, 360); math.Abs(got-599.55) > 0.01 {
		t.Errorf("payment = %v, want 599.55", got)
	}
	if got := MonthlyPayment(1000, 0.05, 0); got != 0 {
		t.Errorf("zero months should yield 0, got %v", got)
	}
}

func TestCoverageRatio(t *testing.T) {
	loans := []Loan{{Principal: 12000, AnnualRate: 0, Months: 12}}
	if got := CoverageRatio(0.06, 240000, loans); math.Abs(got-1.2) > 1e-12 {
		t.Errorf("coverage = %v, want 1.2", got)
	}
	if got := CoverageRatio(0.06, 240000, nil); !math.IsInf(got, 1) {
		t.Errorf("no loans should give +Inf, got %v", got)
	}
}

func TestExpectedShortfall(t *testing.T) {
	returns := []float64{-0.10, -0.05, 0, 0.01, 0.02, 0.03, 0.04, 0.05, 0.06, 0.07}
	if got := ExpectedShortfall(returns, 0.8); math.Abs(got-0.075) > 1e-12 {
		t.Errorf("ES(80%%) = %v, want 0.075", got)
	}
	if got := ExpectedShortfall(nil, 0.95); got != 0 {
		t.Errorf("empty returns should give 0, got %v", got)
	}
}
