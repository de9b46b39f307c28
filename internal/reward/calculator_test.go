package reward

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/the-recircle-app/recircle/internal/settle"
)

func TestRecircle_Reward_Calculate_RideShareScenario(t *testing.T) {
	t.Parallel()

	// $25.99 ride share with a 3-streak: base 5.0 tokens x 1.3 = 6.5,
	// split 70/30 into 4.55 user / 1.95 app fund.
	quote, err := Calculate(2599, "ride_share", 3)
	require.NoError(t, err)

	require.Equal(t, uint64(6_500_000), quote.TotalUnits)
	require.Equal(t, uint64(4_550_000), quote.UserUnits)
	require.Equal(t, uint64(1_950_000), quote.AppFundUnits)
	require.Equal(t, quote.TotalUnits, quote.UserUnits+quote.AppFundUnits)
}

func TestRecircle_Reward_Calculate_SplitSumsExactly(t *testing.T) {
	t.Parallel()

	categories := []string{"ride_share", "public_transit", "electric_vehicle", "ev_rental", "ebike", "unknown"}
	amounts := []int64{0, 1, 99, 2599, 1_000_000}
	streaks := []int{0, 1, 2, 3, 7, 10, 100}

	for _, category := range categories {
		for _, amount := range amounts {
			for _, streak := range streaks {
				quote, err := Calculate(amount, category, streak)
				require.NoError(t, err)
				require.Equal(t, quote.TotalUnits, quote.UserUnits+quote.AppFundUnits,
					"split must sum exactly for category=%s amount=%d streak=%d", category, amount, streak)
				require.GreaterOrEqual(t, quote.UserUnits, quote.AppFundUnits,
					"any rounding remainder must land in the larger (user) portion")
			}
		}
	}
}

func TestRecircle_Reward_Calculate_RejectsNegativeAmount(t *testing.T) {
	t.Parallel()

	_, err := Calculate(-1, "ride_share", 0)
	require.Error(t, err)
}

func TestRecircle_Reward_Calculate_UnknownCategoryFallsBack(t *testing.T) {
	t.Parallel()

	quote, err := Calculate(500, "rickshaw", 0)
	require.NoError(t, err)
	require.Equal(t, uint64(2*settle.UnitsPerToken), quote.TotalUnits)
}

func TestRecircle_Reward_Calculate_FlatPerCategory(t *testing.T) {
	t.Parallel()

	// The reward is deliberately independent of the purchase amount.
	small, err := Calculate(100, "public_transit", 2)
	require.NoError(t, err)
	large, err := Calculate(100_000, "public_transit", 2)
	require.NoError(t, err)
	require.Equal(t, small, large)
}

func TestRecircle_Reward_Multiplier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		streak int
		wantBP uint64
	}{
		{0, 10_000},
		{1, 11_000},
		{3, 13_000},
		{10, 20_000},
		{11, 20_000},  // capped
		{500, 20_000}, // still capped
		{-2, 10_000},  // clamped
	}

	for _, tt := range tests {
		require.Equal(t, tt.wantBP, Multiplier(tt.streak), "streak=%d", tt.streak)
	}

	// Monotonic in streak.
	for streak := 1; streak < 30; streak++ {
		require.GreaterOrEqual(t, Multiplier(streak), Multiplier(streak-1))
	}
}
