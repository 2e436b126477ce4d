package reward

import (
	"encoding/json"
	"fmt"
	"math"
)

// Raw metric keys.
const (
	KeyWealthDelta   = "wealth_delta"
	KeyCoverageRatio = "coverage_ratio"
	KeyFairness      = "fairness"
	KeySatisfaction  = "satisfaction"
	KeyDrawdown      = "drawdown"
	KeyAnomaly       = "anomaly"
	KeyTaxRisk       = "tax_risk"
	KeyCalibration   = "calibration"
	KeyComplianceOK  = "compliance_ok"
	KeyRiskScore     = "risk_score"
)

// Metrics holds raw outcome metrics keyed by name. Booleans are stored as 1 or 0.
type Metrics map[string]float64

// Value returns the metric or def when it is missing or not finite.
func (m Metrics) Value(key string, def float64) float64 {
	v, ok := m[key]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return v
}

// Has reports whether the metric is present and finite.
func (m Metrics) Has(key string) bool {
	v, ok := m[key]
	return ok && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// SetBool stores a boolean metric.
func (m Metrics) SetBool(key string, b bool) {
	if b {
		m[key] = 1
		return
	}
	m[key] = 0
}

// Clone returns an independent copy.
func (m Metrics) Clone() Metrics {
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// UnmarshalJSON accepts numbers and booleans; other value types are rejected.
func (m *Metrics) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Metrics, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case float64:
			out[k] = val
		case bool:
			out.SetBool(k, val)
		case nil:
		default:
			return fmt.Errorf("metric %q: unsupported value %T", k, v)
		}
	}
	*m = out
	return nil
}
