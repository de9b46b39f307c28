// Package reward holds the two pure decision functions at the head of the
// settlement pipeline: the confidence router and the reward calculator.
// Neither has side effects; every downstream effect is an explicit return
// value consumed by the orchestrator.
package reward

// Decision is the router's verdict for a submitted receipt. Expected
// branches are values, not errors: "needs manual review" is a normal
// outcome, not an exception.
type Decision string

const (
	DecisionAutoApprove  Decision = "auto_approve"
	DecisionManualReview Decision = "manual_review"
)

// StrictestThreshold is the auto-approval threshold applied to unknown
// categories. Anything the classifier cannot place into a known category
// needs near-certain confidence to skip human review.
const StrictestThreshold = 0.95

// autoApproveThresholds is the explicit, auditable per-category threshold
// table. Categories backed by authoritative provider names (ride share,
// transit agencies) earn a lower bar than the default; everything else
// falls through to StrictestThreshold.
var autoApproveThresholds = map[string]float64{
	"ride_share":       0.80,
	"public_transit":   0.75,
	"electric_vehicle": 0.85,
	"ev_rental":        0.85,
	"ebike":            0.90,
}

// Threshold returns the auto-approval threshold for a category.
func Threshold(category string) float64 {
	if t, ok := autoApproveThresholds[category]; ok {
		return t
	}
	return StrictestThreshold
}

// Route decides whether a receipt can be trusted automatically or must be
// escalated to a human, given the classifier's confidence score.
//
// A score exactly equal to the threshold passes: the comparison is >=, not
// >, and the boundary behavior is pinned by tests.
func Route(category string, confidence float64) Decision {
	if confidence >= Threshold(category) {
		return DecisionAutoApprove
	}
	return DecisionManualReview
}
