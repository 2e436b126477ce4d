package trainer

import (
	"math"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/clawinfra/evoshield/internal/agents"
	"github.com/clawinfra/evoshield/internal/features"
	"github.com/clawinfra/evoshield/internal/reward"
	"github.com/clawinfra/evoshield/internal/shield"
)

// Defaults used when the agent output does not report fairness or compliance.
const (
	DefaultFairness   = 0.8
	DefaultCompliance = true
)

// outcomeDefaults are the metrics taken from recent data, with their fallbacks.
var outcomeDefaults = []struct {
	key string
	def float64
}{
	{reward.KeyWealthDelta, 0},
	{reward.KeyCoverageRatio, 1.0},
	{reward.KeyDrawdown, 0},
	{reward.KeyAnomaly, 0},
	{reward.KeyTaxRisk, 0},
	{reward.KeySatisfaction, 0.5},
	{reward.KeyCalibration, 1.0},
}

// ExtractMetrics assembles reward metrics from an agent's output and recent
// metrics. Fairness comes from fairness_score or fairness, compliance from
// compliant or compliance_ok.
func ExtractMetrics(output map[string]interface{}, recent reward.Metrics) reward.Metrics {
	m := make(reward.Metrics, len(outcomeDefaults)+2)
	for _, d := range outcomeDefaults {
		m[d.key] = recent.Value(d.key, d.def)
	}

	fairness := DefaultFairness
	if v, ok := number(output, "fairness_score"); ok {
		fairness = v
	} else if v, ok := number(output, "fairness"); ok {
		fairness = v
	}
	m[reward.KeyFairness] = fairness

	compliant := DefaultCompliance
	if v, ok := boolean(output, "compliant"); ok {
		compliant = v
	} else if v, ok := boolean(output, "compliance_ok"); ok {
		compliant = v
	}
	m.SetBool(reward.KeyComplianceOK, compliant)

	if v, ok := coverage(output); ok {
		m[reward.KeyCoverageRatio] = v
	}
	return m
}

// coverage reads coverage_ratio, or derives it from invested,
// expected_annual_return and a list of loans.
func coverage(out map[string]interface{}) (float64, bool) {
	if v, ok := number(out, "coverage_ratio"); ok {
		return v, true
	}
	invested, ok1 := number(out, "invested")
	annual, ok2 := number(out, "expected_annual_return")
	raw, ok3 := out["loans"].([]interface{})
	if !ok1 || !ok2 || !ok3 {
		return 0, false
	}
	loans := make([]shield.Loan, 0, len(raw))
	for _, item := range raw {
		l, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		principal, _ := number(l, "principal")
		rate, _ := number(l, "annual_rate")
		months, _ := number(l, "months")
		loans = append(loans, shield.Loan{Principal: principal, AnnualRate: rate, Months: int(months)})
	}
	v := shield.CoverageRatio(annual, invested, loans)
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

func number(out map[string]interface{}, key string) (float64, bool) {
	raw, ok := out[key]
	if !ok {
		return 0, false
	}
	var v float64
	switch x := raw.(type) {
	case float64:
		v = x
	case float32:
		v = float64(x)
	case int:
		v = float64(x)
	case int64:
		v = float64(x)
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, false
		}
		v = f
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func boolean(out map[string]interface{}, key string) (bool, bool) {
	switch x := out[key].(type) {
	case bool:
		return x, true
	case float64:
		return x != 0, true
	case string:
		b, err := strconv.ParseBool(x)
		return b, err == nil
	}
	return false, false
}

// MockMetrics synthesizes an outcome where lower action indices score better.
func MockMetrics(kind agents.Kind, action int, rng *rand.Rand) reward.Metrics {
	n := kind.NumActions()
	quality := 1 - float64(action)/float64(max(1, n-1))
	noise := rng.NormFloat64() * 0.1

	m := reward.Metrics{
		reward.KeyWealthDelta:   clamp01(0.5 + 0.3*quality + noise),
		reward.KeyCoverageRatio: 1.2 + 0.4*quality,
		reward.KeyFairness:      math.Max(0.5, math.Min(1, 0.8+0.2*quality+noise)),
		reward.KeySatisfaction:  clamp01(0.6 + 0.3*quality + noise),
		reward.KeyDrawdown:      clamp01(0.1 - 0.1*quality + math.Abs(noise)),
		reward.KeyAnomaly:       clamp01(0.05 + math.Abs(noise)*0.1),
		reward.KeyTaxRisk:       clamp01(0.03 + math.Abs(noise)*0.05),
		reward.KeyCalibration:   1.0,
	}
	m.SetBool(reward.KeyComplianceOK, quality > 0.3)
	return m
}

func clamp01(x float64) float64 { return math.Max(0, math.Min(1, x)) }

// Describe renders a decision as the text indexed in case memory.
func Describe(agent string, in features.Input, query string) string {
	var b strings.Builder
	b.WriteString(agent)
	field := func(name string, v float64) {
		if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return
		}
		b.WriteString(" ")
		b.WriteString(name)
		b.WriteString(" ")
		b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	}
	field("amount", in.Amount)
	field("principal", in.Principal)
	field("rate", in.InterestRate)
	field("term", in.TermMonths)
	if in.TermMonths == 0 {
		field("term", in.Term)
	}
	if q := strings.TrimSpace(query); q != "" {
		b.WriteString(" ")
		b.WriteString(q)
	}
	return b.String()
}
