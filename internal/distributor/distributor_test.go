package distributor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/the-recircle-app/recircle/internal/ledger/ledgertest"
	"github.com/the-recircle-app/recircle/internal/settle"
	"github.com/the-recircle-app/recircle/pkg/logger"
	"github.com/the-recircle-app/recircle/pkg/retry"
)

type mockSubmitter struct {
	mu         sync.Mutex
	submitFunc func(ctx context.Context, dest solana.PublicKey, units uint64) (solana.Signature, error)
	calls      []uint64
}

func (m *mockSubmitter) SubmitTransfer(ctx context.Context, dest solana.PublicKey, units uint64) (solana.Signature, error) {
	m.mu.Lock()
	m.calls = append(m.calls, units)
	m.mu.Unlock()
	if m.submitFunc != nil {
		return m.submitFunc(ctx, dest, units)
	}
	return randomSignature(), nil
}

func (m *mockSubmitter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func randomSignature() solana.Signature {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		panic(err)
	}
	sig, err := key.Sign([]byte("payload"))
	if err != nil {
		panic(err)
	}
	return sig
}

func randomAddress() string {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		panic(err)
	}
	return key.PublicKey().String()
}

var quote = settle.RewardQuote{TotalUnits: 6_500_000, UserUnits: 4_550_000, AppFundUnits: 1_950_000}

func openDistribution(t *testing.T, store *ledgertest.Store, receiptID string) *settle.PendingDistribution {
	t.Helper()
	dist, created, err := store.OpenDistribution(context.Background(), receiptID, "u-1", quote, randomAddress(), randomAddress())
	require.NoError(t, err)
	require.True(t, created)
	return dist
}

func newDistributor(t *testing.T, sub Submitter, store *ledgertest.Store) *Distributor {
	t.Helper()
	d, err := New(Config{
		Logger:    logger.New(false),
		Submitter: sub,
		Ledger:    store,
		Retry: retry.Config{
			MaxAttempts: 2,
			BaseBackoff: time.Millisecond,
			MaxBackoff:  5 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	return d
}

func TestRecircle_Distributor_SubmitsBothLegs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := ledgertest.NewStore(clockwork.NewFakeClock())
	sub := &mockSubmitter{}
	d := newDistributor(t, sub, store)

	dist := openDistribution(t, store, "r-1")
	result := d.Submit(ctx, dist)

	require.True(t, result.User.Submitted)
	require.True(t, result.AppFund.Submitted)
	require.NotEmpty(t, result.User.Signature)
	require.NotEmpty(t, result.AppFund.Signature)
	require.Equal(t, 2, sub.callCount())

	stored, err := store.GetDistribution(ctx, "r-1")
	require.NoError(t, err)
	require.Equal(t, settle.LegSubmitted, stored.UserLeg.Status)
	require.Equal(t, settle.LegSubmitted, stored.AppFundLeg.Status)
	require.Equal(t, result.User.Signature, stored.UserLeg.Signature)
	require.Equal(t, result.AppFund.Signature, stored.AppFundLeg.Signature)
}

func TestRecircle_Distributor_OneLegFailureLeavesOtherUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := ledgertest.NewStore(clockwork.NewFakeClock())
	dist := openDistribution(t, store, "r-1")

	fundUnits := dist.AppFundLeg.Units
	sub := &mockSubmitter{}
	sub.submitFunc = func(ctx context.Context, dest solana.PublicKey, units uint64) (solana.Signature, error) {
		if units == fundUnits {
			return solana.Signature{}, errors.New("signature verification failed")
		}
		return randomSignature(), nil
	}
	d := newDistributor(t, sub, store)

	result := d.Submit(ctx, dist)

	require.True(t, result.User.Submitted)
	require.False(t, result.AppFund.Submitted)
	require.Error(t, result.AppFund.Err)
	require.Empty(t, result.AppFund.Signature, "a failed leg must not carry a synthetic signature")

	stored, err := store.GetDistribution(ctx, "r-1")
	require.NoError(t, err)
	require.Equal(t, settle.LegSubmitted, stored.UserLeg.Status)
	require.Equal(t, settle.LegFailed, stored.AppFundLeg.Status)
	require.NotEmpty(t, stored.AppFundLeg.FailReason)
}

func TestRecircle_Distributor_RetriesTransientSubmissionErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := ledgertest.NewStore(clockwork.NewFakeClock())
	dist := openDistribution(t, store, "r-1")

	var mu sync.Mutex
	attempts := map[uint64]int{}
	sub := &mockSubmitter{}
	sub.submitFunc = func(ctx context.Context, dest solana.PublicKey, units uint64) (solana.Signature, error) {
		mu.Lock()
		attempts[units]++
		n := attempts[units]
		mu.Unlock()
		if n == 1 {
			return solana.Signature{}, errors.New("connection reset")
		}
		return randomSignature(), nil
	}
	d := newDistributor(t, sub, store)

	result := d.Submit(ctx, dist)
	require.True(t, result.User.Submitted)
	require.True(t, result.AppFund.Submitted)
	require.Equal(t, 4, sub.callCount(), "each leg retries its transient failure once")
}

func TestRecircle_Distributor_ResumeSkipsSubmittedLegs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := ledgertest.NewStore(clockwork.NewFakeClock())
	openDistribution(t, store, "r-1")

	// First attempt: user leg goes out, app-fund leg fails at submission.
	require.NoError(t, store.MarkLegSubmitted(ctx, "r-1", settle.LegUser, randomSignature().String()))
	require.NoError(t, store.MarkLegFailed(ctx, "r-1", settle.LegAppFund, "boom"))

	sub := &mockSubmitter{}
	d := newDistributor(t, sub, store)

	resumed, err := store.GetDistribution(ctx, "r-1")
	require.NoError(t, err)
	result := d.Submit(ctx, resumed)

	require.Zero(t, sub.callCount(), "resume must not resubmit settled or in-flight legs")
	require.True(t, result.User.Submitted)
	require.False(t, result.AppFund.Submitted)
}

func TestRecircle_Distributor_InvalidAddressFailsLegWithoutSubmission(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := ledgertest.NewStore(clockwork.NewFakeClock())
	dist, created, err := store.OpenDistribution(ctx, "r-1", "u-1", quote, "not-an-address", randomAddress())
	require.NoError(t, err)
	require.True(t, created)

	sub := &mockSubmitter{}
	d := newDistributor(t, sub, store)

	result := d.Submit(ctx, dist)
	require.False(t, result.User.Submitted)
	require.Error(t, result.User.Err)
	require.True(t, result.AppFund.Submitted)
	require.Equal(t, 1, sub.callCount(), "only the valid leg may reach the ledger")

	stored, err := store.GetDistribution(ctx, "r-1")
	require.NoError(t, err)
	require.Equal(t, settle.LegFailed, stored.UserLeg.Status)
}
