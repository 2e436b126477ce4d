package shield

import (
	"fmt"
	"math"
	"sort"
)

// Limits are the hard risk limits a treasury state must satisfy.
type Limits struct {
	CoverageFloor float64 `json:"coverageFloor"`
	PositionCap   float64 `json:"positionCap"`
	MinCash       float64 `json:"minCash"`
}

// DefaultLimits mirrors the defaults of DefaultConfig.
func DefaultLimits() Limits {
	return Limits{
		CoverageFloor: 1.30,
		PositionCap:   0.40,
		MinCash:       0.05,
	}
}

// Report is the outcome of CheckLimits.
type Report struct {
	OK         bool     `json:"ok"`
	Violations []string `json:"violations,omitempty"`
}

// CheckLimits returns every limit the state breaks. Asset 0 is cash.
func CheckLimits(s State, l Limits) Report {
	var v []string
	if s.Coverage < l.CoverageFloor {
		v = append(v, fmt.Sprintf("coverage %.2f < floor %.2f", s.Coverage, l.CoverageFloor))
	}
	for i, w := range s.Weights {
		if w > l.PositionCap+tolerance {
			v = append(v, fmt.Sprintf("position %d weight %.2f%% exceeds cap %.2f%%", i, w*100, l.PositionCap*100))
		}
	}
	if len(s.Weights) > 0 && s.Weights[0] < l.MinCash-tolerance {
		v = append(v, fmt.Sprintf("cash %.2f%% < min %.2f%%", s.Weights[0]*100, l.MinCash*100))
	}
	return Report{OK: len(v) == 0, Violations: v}
}

// MonthlyPayment is the annuity payment for a fully amortizing loan.
func MonthlyPayment(principal, annualRate float64, months int) float64 {
	if months <= 0 {
		return 0
	}
	r := annualRate / 12
	if r == 0 {
		return principal / float64(months)
	}
	f := math.Pow(1+r, float64(months))
	return principal * r * f / (f - 1)
}

// Loan is one obligation covered by treasury returns.
type Loan struct {
	Principal  float64 `json:"principal"`
	AnnualRate float64 `json:"annual_rate"`
	Months     int     `json:"months"`
}

// CoverageRatio is monthly investment income over total monthly loan payments.
// With no payments due the ratio is +Inf.
func CoverageRatio(expectedAnnualReturn, invested float64, loans []Loan) float64 {
	var due float64
	for _, l := range loans {
		due += MonthlyPayment(l.Principal, l.AnnualRate, l.Months)
	}
	if due <= 0 {
		return math.Inf(1)
	}
	return invested * (expectedAnnualReturn / 12) / due
}

// ExpectedShortfall is the mean loss of the worst (1−confidence) share of returns.
func ExpectedShortfall(returns []float64, confidence float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	k := int(math.Ceil((1 - confidence) * float64(len(sorted))))
	k = max(1, min(k, len(sorted)))
	var sum float64
	for _, r := range sorted[:k] {
		sum += r
	}
	return -sum / float64(k)
}
