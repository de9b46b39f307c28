package reward

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecircle_Reward_Route(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		category   string
		confidence float64
		want       Decision
	}{
		{"above threshold auto approves", "ride_share", 0.95, DecisionAutoApprove},
		{"below threshold goes to review", "ride_share", 0.79, DecisionManualReview},
		{"exactly at threshold auto approves", "ride_share", 0.80, DecisionAutoApprove},
		{"transit has lower bar", "public_transit", 0.75, DecisionAutoApprove},
		{"unknown category uses strictest threshold", "jetpack", 0.94, DecisionManualReview},
		{"unknown category at strictest threshold passes", "jetpack", StrictestThreshold, DecisionAutoApprove},
		{"zero confidence never auto approves", "public_transit", 0, DecisionManualReview},
		{"full confidence always auto approves", "jetpack", 1, DecisionAutoApprove},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Route(tt.category, tt.confidence))
		})
	}
}

func TestRecircle_Reward_Threshold_UnknownCategoryIsStrictest(t *testing.T) {
	t.Parallel()

	strict := Threshold("no_such_category")
	require.Equal(t, StrictestThreshold, strict)

	for _, category := range []string{"ride_share", "public_transit", "electric_vehicle", "ev_rental", "ebike"} {
		require.LessOrEqual(t, Threshold(category), strict,
			"known category %q must not be stricter than the unknown-category threshold", category)
	}
}
