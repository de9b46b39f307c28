package reward

import (
	"fmt"

	"github.com/the-recircle-app/recircle/internal/settle"
)

// Reward math runs in integer base units (settle.UnitsPerToken per token)
// and basis points, so identical inputs always produce identical quotes and
// the split sums exactly.
const (
	// streakStepBP adds 10% per consecutive rewarded submission.
	streakStepBP = 1_000

	// maxMultiplierBP caps the streak multiplier at 2.0x.
	maxMultiplierBP = 20_000

	baseBP = 10_000

	// appFundShareBP is the app-fund share of every reward; the user keeps
	// the rest. Because the app-fund portion is the floor, any integer
	// remainder lands in the larger (user) portion.
	appFundShareBP = 3_000
)

// baseRewardUnits is the flat per-category reward table, in base units.
// Unknown categories fall back to defaultRewardUnits without error; the
// router's strictest threshold is what gates unknown categories, not the
// calculator.
var baseRewardUnits = map[string]uint64{
	"ride_share":       5 * settle.UnitsPerToken,
	"public_transit":   3 * settle.UnitsPerToken,
	"electric_vehicle": 8 * settle.UnitsPerToken,
	"ev_rental":        8 * settle.UnitsPerToken,
	"ebike":            10 * settle.UnitsPerToken,
}

const defaultRewardUnits = 2 * settle.UnitsPerToken

// BaseReward returns the flat reward for a category, in base units.
func BaseReward(category string) uint64 {
	if units, ok := baseRewardUnits[category]; ok {
		return units
	}
	return defaultRewardUnits
}

// Multiplier returns the streak multiplier in basis points:
// min(1 + streak*0.1, 2.0). Monotonic in streak and capped.
func Multiplier(streak int) uint64 {
	if streak < 0 {
		streak = 0
	}
	bp := uint64(baseBP) + uint64(streak)*streakStepBP
	if bp > maxMultiplierBP {
		return maxMultiplierBP
	}
	return bp
}

// Calculate computes the split reward quote for an approved receipt.
//
// The reward is category-flat: the purchase amount gates validity (it must
// be non-negative) but does not scale the reward. That is intended
// incentive design, a $3 bus fare and a $30 one earn the same transit
// reward, only the streak multiplies it.
func Calculate(amountCents int64, category string, streak int) (settle.RewardQuote, error) {
	if amountCents < 0 {
		return settle.RewardQuote{}, fmt.Errorf("purchase amount must be non-negative, got %d cents", amountCents)
	}

	total := BaseReward(category) * Multiplier(streak) / baseBP

	// Floor the app-fund share; the remainder goes to the user portion so
	// the two legs always sum to the total exactly.
	appFund := total * appFundShareBP / baseBP
	user := total - appFund

	return settle.RewardQuote{
		TotalUnits:   total,
		UserUnits:    user,
		AppFundUnits: appFund,
	}, nil
}
