package ledger

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/the-recircle-app/recircle/internal/settle"
	"github.com/the-recircle-app/recircle/pkg/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed store test in short mode")
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		tcpostgres.BasicWaitStrategies(),
		tcpostgres.WithSQLDriver("pgx"),
	)
	if err != nil {
		if strings.Contains(err.Error(), "docker") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = container.Terminate(terminateCtx)
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	log := logger.New(true)
	require.NoError(t, RunMigrations(log, connStr))

	poolConfig, err := pgxpool.ParseConfig(connStr)
	require.NoError(t, err)
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store, err := NewStore(StoreConfig{
		Logger: log,
		Pool:   pool,
		Clock:  clockwork.NewRealClock(),
	})
	require.NoError(t, err)
	return store
}

func seedReceipt(t *testing.T, store *Store, id, userID string) *settle.Receipt {
	t.Helper()
	r := &settle.Receipt{
		ID:          id,
		UserID:      userID,
		AmountCents: 2599,
		Category:    "ride_share",
		Confidence:  0.92,
		Status:      settle.ReceiptAutoApproved,
	}
	require.NoError(t, store.CreateReceipt(context.Background(), r))
	return r
}

var testQuote = settle.RewardQuote{
	TotalUnits:   6_500_000,
	UserUnits:    4_550_000,
	AppFundUnits: 1_950_000,
}

func TestRecircle_Ledger_OpenDistributionIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedReceipt(t, store, "r-1", "u-1")

	first, created, err := store.OpenDistribution(ctx, "r-1", "u-1", testQuote, "userAddr", "fundAddr")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, settle.LegNotSubmitted, first.UserLeg.Status)
	require.Equal(t, uint64(4_550_000), first.UserLeg.Units)
	require.Equal(t, uint64(1_950_000), first.AppFundLeg.Units)

	// Mutate a leg, then open again: we must get the mutated record back,
	// not a fresh one.
	require.NoError(t, store.MarkLegSubmitted(ctx, "r-1", settle.LegUser, "sig-1"))

	second, created, err := store.OpenDistribution(ctx, "r-1", "u-1", testQuote, "userAddr", "fundAddr")
	require.NoError(t, err)
	require.False(t, created, "second open must not create a new record")
	require.Equal(t, settle.LegSubmitted, second.UserLeg.Status)
	require.Equal(t, "sig-1", second.UserLeg.Signature)
}

func TestRecircle_Ledger_ConfirmedLegCannotRegress(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedReceipt(t, store, "r-2", "u-2")

	_, _, err := store.OpenDistribution(ctx, "r-2", "u-2", testQuote, "userAddr", "fundAddr")
	require.NoError(t, err)
	require.NoError(t, store.MarkLegSubmitted(ctx, "r-2", settle.LegUser, "sig-1"))
	require.NoError(t, store.MarkLegConfirmed(ctx, "r-2", settle.LegUser))

	// Forced regressions must be rejected, not silently ignored.
	err = store.MarkLegFailed(ctx, "r-2", settle.LegUser, "bogus")
	require.ErrorIs(t, err, settle.ErrInvalidTransition)

	err = store.MarkLegSubmitted(ctx, "r-2", settle.LegUser, "sig-2")
	require.ErrorIs(t, err, settle.ErrInvalidTransition)

	dist, err := store.GetDistribution(ctx, "r-2")
	require.NoError(t, err)
	require.Equal(t, settle.LegConfirmed, dist.UserLeg.Status)
	require.Equal(t, "sig-1", dist.UserLeg.Signature)
}

func TestRecircle_Ledger_LegFailureIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedReceipt(t, store, "r-3", "u-3")

	_, _, err := store.OpenDistribution(ctx, "r-3", "u-3", testQuote, "userAddr", "fundAddr")
	require.NoError(t, err)
	require.NoError(t, store.MarkLegSubmitted(ctx, "r-3", settle.LegUser, "sig-u"))
	require.NoError(t, store.MarkLegSubmitted(ctx, "r-3", settle.LegAppFund, "sig-f"))

	require.NoError(t, store.MarkLegFailed(ctx, "r-3", settle.LegAppFund, settle.FailReasonReverted))

	dist, err := store.GetDistribution(ctx, "r-3")
	require.NoError(t, err)
	require.Equal(t, settle.LegSubmitted, dist.UserLeg.Status, "user leg must be untouched by the app-fund reversion")
	require.Equal(t, settle.LegFailed, dist.AppFundLeg.Status)
	require.Equal(t, settle.FailReasonReverted, dist.AppFundLeg.FailReason)
}

func TestRecircle_Ledger_ApplyConfirmedIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedReceipt(t, store, "r-4", "u-4")

	_, _, err := store.OpenDistribution(ctx, "r-4", "u-4", testQuote, "userAddr", "fundAddr")
	require.NoError(t, err)
	require.NoError(t, store.MarkLegSubmitted(ctx, "r-4", settle.LegUser, "sig-u"))
	require.NoError(t, store.MarkLegSubmitted(ctx, "r-4", settle.LegAppFund, "sig-f"))
	require.NoError(t, store.MarkLegConfirmed(ctx, "r-4", settle.LegUser))
	require.NoError(t, store.MarkLegConfirmed(ctx, "r-4", settle.LegAppFund))

	applied, err := store.ApplyConfirmed(ctx, "r-4")
	require.NoError(t, err)
	require.True(t, applied)

	balance, err := store.GetBalance(ctx, "u-4")
	require.NoError(t, err)
	require.Equal(t, uint64(4_550_000), balance.Units, "balance gets the user portion only")
	require.Equal(t, 1, balance.Streak)

	// A retried confirmation observation must not double-pay.
	applied, err = store.ApplyConfirmed(ctx, "r-4")
	require.NoError(t, err)
	require.False(t, applied)

	balance, err = store.GetBalance(ctx, "u-4")
	require.NoError(t, err)
	require.Equal(t, uint64(4_550_000), balance.Units)
	require.Equal(t, 1, balance.Streak)
}

func TestRecircle_Ledger_ApplyBeforeConfirmationIsRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedReceipt(t, store, "r-5", "u-5")

	_, _, err := store.OpenDistribution(ctx, "r-5", "u-5", testQuote, "userAddr", "fundAddr")
	require.NoError(t, err)
	require.NoError(t, store.MarkLegSubmitted(ctx, "r-5", settle.LegUser, "sig-u"))
	require.NoError(t, store.MarkLegConfirmed(ctx, "r-5", settle.LegUser))

	_, err = store.ApplyConfirmed(ctx, "r-5")
	require.ErrorIs(t, err, settle.ErrInvalidTransition,
		"applying with an unconfirmed leg is a logic bug and must surface")

	balance, err := store.GetBalance(ctx, "u-5")
	require.NoError(t, err)
	require.Zero(t, balance.Units)
}

func TestRecircle_Ledger_RecordResubmission(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedReceipt(t, store, "r-6", "u-6")

	_, _, err := store.OpenDistribution(ctx, "r-6", "u-6", testQuote, "userAddr", "fundAddr")
	require.NoError(t, err)
	require.NoError(t, store.MarkLegSubmitted(ctx, "r-6", settle.LegUser, "sig-1"))

	count, err := store.RecordResubmission(ctx, "r-6", settle.LegUser, "sig-2")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	dist, err := store.GetDistribution(ctx, "r-6")
	require.NoError(t, err)
	require.Equal(t, "sig-2", dist.UserLeg.Signature, "a resubmission replaces the handle on the same slot")
	require.Equal(t, settle.LegSubmitted, dist.UserLeg.Status)

	// Resubmitting a leg that never went out is a bug.
	_, err = store.RecordResubmission(ctx, "r-6", settle.LegAppFund, "sig-x")
	require.ErrorIs(t, err, settle.ErrInvalidTransition)
}

func TestRecircle_Ledger_ListUnfinished(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedReceipt(t, store, "r-7", "u-7")
	seedReceipt(t, store, "r-8", "u-7")

	_, _, err := store.OpenDistribution(ctx, "r-7", "u-7", testQuote, "userAddr", "fundAddr")
	require.NoError(t, err)
	_, _, err = store.OpenDistribution(ctx, "r-8", "u-7", testQuote, "userAddr", "fundAddr")
	require.NoError(t, err)

	// Settle r-7 completely.
	require.NoError(t, store.MarkLegSubmitted(ctx, "r-7", settle.LegUser, "sig-u"))
	require.NoError(t, store.MarkLegSubmitted(ctx, "r-7", settle.LegAppFund, "sig-f"))
	require.NoError(t, store.MarkLegConfirmed(ctx, "r-7", settle.LegUser))
	require.NoError(t, store.MarkLegConfirmed(ctx, "r-7", settle.LegAppFund))

	unfinished, err := store.ListUnfinished(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
	require.Equal(t, "r-8", unfinished[0].ReceiptID)
}

func TestRecircle_Ledger_ReceiptStatusGuards(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedReceipt(t, store, "r-9", "u-9")

	require.NoError(t, store.UpdateReceiptStatus(ctx, "r-9", settle.ReceiptAutoApproved, settle.ReceiptDistributionPending))

	// Stale expected status must be rejected.
	err := store.UpdateReceiptStatus(ctx, "r-9", settle.ReceiptAutoApproved, settle.ReceiptDistributionComplete)
	require.ErrorIs(t, err, settle.ErrInvalidTransition)

	err = store.UpdateReceiptStatus(ctx, "missing", settle.ReceiptSubmitted, settle.ReceiptAutoApproved)
	require.ErrorIs(t, err, settle.ErrNotFound)
}

func TestRecircle_Ledger_ReopenTimedOutLeg(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedReceipt(t, store, "r-10", "u-10")

	_, _, err := store.OpenDistribution(ctx, "r-10", "u-10", testQuote, "userAddr", "fundAddr")
	require.NoError(t, err)
	require.NoError(t, store.MarkLegSubmitted(ctx, "r-10", settle.LegUser, "sig-u"))
	require.NoError(t, store.MarkLegFailed(ctx, "r-10", settle.LegUser, settle.FailReasonTimeout))
	require.NoError(t, store.MarkLegSubmitted(ctx, "r-10", settle.LegAppFund, "sig-f"))
	require.NoError(t, store.MarkLegFailed(ctx, "r-10", settle.LegAppFund, settle.FailReasonReverted))

	require.NoError(t, store.ReopenTimedOutLeg(ctx, "r-10", settle.LegUser))
	dist, err := store.GetDistribution(ctx, "r-10")
	require.NoError(t, err)
	require.Equal(t, settle.LegNotSubmitted, dist.UserLeg.Status)
	require.Empty(t, dist.UserLeg.Signature)
	require.Empty(t, dist.UserLeg.FailReason)
	require.Nil(t, dist.UserLeg.SubmittedAt)
	require.Zero(t, dist.UserLeg.Resubmissions)

	// Reverted legs stay failed; requeueing them would repeat a payout the
	// chain already rejected for cause.
	require.ErrorIs(t, store.ReopenTimedOutLeg(ctx, "r-10", settle.LegAppFund), settle.ErrInvalidTransition)
}

func TestRecircle_Ledger_RecordClassification(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	r := &settle.Receipt{
		ID:          "r-11",
		UserID:      "u-11",
		AmountCents: 2599,
		Category:    "ride_share",
		Confidence:  0.5,
		Status:      settle.ReceiptSubmitted,
	}
	require.NoError(t, store.CreateReceipt(ctx, r))

	require.NoError(t, store.RecordClassification(ctx, "r-11", 0.87))
	got, err := store.GetReceipt(ctx, "r-11")
	require.NoError(t, err)
	require.InDelta(t, 0.87, got.Confidence, 1e-9)

	// Once routed, the score is frozen.
	require.NoError(t, store.UpdateReceiptStatus(ctx, "r-11", settle.ReceiptSubmitted, settle.ReceiptPendingManualReview))
	require.ErrorIs(t, store.RecordClassification(ctx, "r-11", 0.99), settle.ErrInvalidTransition)
}

func TestRecircle_Ledger_FinalizeSettledFailedDistribution(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedReceipt(t, store, "r-12", "u-12")

	_, _, err := store.OpenDistribution(ctx, "r-12", "u-12", testQuote, "userAddr", "fundAddr")
	require.NoError(t, err)
	require.NoError(t, store.UpdateReceiptStatus(ctx, "r-12", settle.ReceiptAutoApproved, settle.ReceiptDistributionPending))

	// Not settled yet: nothing to finalize.
	_, moved, err := store.FinalizeSettled(ctx, "r-12")
	require.NoError(t, err)
	require.False(t, moved)

	require.NoError(t, store.MarkLegSubmitted(ctx, "r-12", settle.LegUser, "sig-u"))
	require.NoError(t, store.MarkLegFailed(ctx, "r-12", settle.LegUser, settle.FailReasonReverted))
	require.NoError(t, store.MarkLegSubmitted(ctx, "r-12", settle.LegAppFund, "sig-f"))
	require.NoError(t, store.MarkLegFailed(ctx, "r-12", settle.LegAppFund, settle.FailReasonReverted))

	dist, moved, err := store.FinalizeSettled(ctx, "r-12")
	require.NoError(t, err)
	require.True(t, moved)
	require.Equal(t, settle.ReceiptDistributionFailed, dist.Outcome())

	got, err := store.GetReceipt(ctx, "r-12")
	require.NoError(t, err)
	require.Equal(t, settle.ReceiptDistributionFailed, got.Status)

	// No leg confirmed, so no balance movement.
	balance, err := store.GetBalance(ctx, "u-12")
	require.NoError(t, err)
	require.Zero(t, balance.Units)

	// A second observer racing on the same settled distribution is benign.
	_, moved, err = store.FinalizeSettled(ctx, "r-12")
	require.NoError(t, err)
	require.False(t, moved)
}

func TestRecircle_Ledger_FinalizeSettledCompleteAppliesBalance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedReceipt(t, store, "r-13", "u-13")

	_, _, err := store.OpenDistribution(ctx, "r-13", "u-13", testQuote, "userAddr", "fundAddr")
	require.NoError(t, err)
	require.NoError(t, store.UpdateReceiptStatus(ctx, "r-13", settle.ReceiptAutoApproved, settle.ReceiptDistributionPending))
	require.NoError(t, store.MarkLegSubmitted(ctx, "r-13", settle.LegUser, "sig-u"))
	require.NoError(t, store.MarkLegSubmitted(ctx, "r-13", settle.LegAppFund, "sig-f"))
	require.NoError(t, store.MarkLegConfirmed(ctx, "r-13", settle.LegUser))
	require.NoError(t, store.MarkLegConfirmed(ctx, "r-13", settle.LegAppFund))

	dist, moved, err := store.FinalizeSettled(ctx, "r-13")
	require.NoError(t, err)
	require.True(t, moved)
	require.Equal(t, settle.ReceiptDistributionComplete, dist.Outcome())

	got, err := store.GetReceipt(ctx, "r-13")
	require.NoError(t, err)
	require.Equal(t, settle.ReceiptDistributionComplete, got.Status)

	balance, err := store.GetBalance(ctx, "u-13")
	require.NoError(t, err)
	require.Equal(t, uint64(4_550_000), balance.Units)

	_, moved, err = store.FinalizeSettled(ctx, "r-13")
	require.NoError(t, err)
	require.False(t, moved)

	balance, err = store.GetBalance(ctx, "u-13")
	require.NoError(t, err)
	require.Equal(t, uint64(4_550_000), balance.Units, "repeated finalization must not double-pay")
}

func TestRecircle_Ledger_ListApprovedUnsettled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedReceipt(t, store, "r-14", "u-14")
	approved := &settle.Receipt{
		ID:          "r-15",
		UserID:      "u-14",
		AmountCents: 1299,
		Category:    "ride_share",
		Confidence:  0.5,
		Status:      settle.ReceiptManualApproved,
	}
	require.NoError(t, store.CreateReceipt(ctx, approved))

	// A receipt whose settlement got as far as distribution_pending is no
	// longer stranded.
	seedReceipt(t, store, "r-16", "u-14")
	require.NoError(t, store.UpdateReceiptStatus(ctx, "r-16", settle.ReceiptAutoApproved, settle.ReceiptDistributionPending))

	stranded, err := store.ListApprovedUnsettled(ctx)
	require.NoError(t, err)
	require.Len(t, stranded, 2)
	require.Equal(t, "r-14", stranded[0].ID)
	require.Equal(t, "r-15", stranded[1].ID)
}
