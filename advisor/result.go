package advisor

import "errors"

var ErrNotConfigured = errors.New("advisor not configured")

// NeutralConfidence is used by planners when no recommendation is available.
const NeutralConfidence = 0.5

type Request struct {
	Action    string         `json:"action"`
	Context   map[string]any `json:"context"`
	SessionID string         `json:"session_id"`
}

type Recommendation struct {
	Confidence            float64            `json:"confidence"`
	AllocationStrategy    string             `json:"allocation_strategy"`
	PriorityFactors       map[string]float64 `json:"priority_factors"`
	RecommendedQuantities map[string]int     `json:"recommended_quantities,omitempty"`
}

// Fallback is the deterministic recommendation used when the advisor is unavailable.
func Fallback() Recommendation {
	return Recommendation{
		Confidence:         0.7,
		AllocationStrategy: "balanced",
		PriorityFactors: map[string]float64{
			"sales_velocity": 0.4,
			"stock_level":    0.3,
			"profit_margin":  0.3,
		},
	}
}

// Result is either Ok(recommendation) or Unavailable(reason).
type Result struct {
	rec    *Recommendation
	reason error
}

func Ok(rec Recommendation) Result {
	return Result{rec: &rec}
}

func Unavailable(reason error) Result {
	if reason == nil {
		reason = ErrNotConfigured
	}
	return Result{reason: reason}
}

func (r Result) Recommendation() (Recommendation, bool) {
	if r.rec == nil {
		return Recommendation{}, false
	}
	return *r.rec, true
}

// Reason is nil for Ok results.
func (r Result) Reason() error {
	return r.reason
}

func (r Result) OrFallback() Recommendation {
	if rec, ok := r.Recommendation(); ok {
		return rec
	}
	return Fallback()
}
