// Package ledger is the pending-transaction ledger: the persisted,
// idempotent record of every receipt's payout. It is the single source of
// truth for "has this receipt already been paid"; every other component
// consults it before acting and none keeps its own belief about payout
// state.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/the-recircle-app/recircle/internal/metrics"
	"github.com/the-recircle-app/recircle/internal/settle"
)

// StoreConfig holds the configuration for the Postgres ledger store.
type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Clock  clockwork.Clock
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store persists receipts, pending distributions and user balances in
// Postgres.
type Store struct {
	log   *slog.Logger
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:   cfg.Logger,
		pool:  cfg.Pool,
		clock: cfg.Clock,
	}, nil
}

// CreateReceipt inserts a newly submitted receipt.
func (s *Store) CreateReceipt(ctx context.Context, r *settle.Receipt) error {
	now := s.clock.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = settle.ReceiptSubmitted
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO receipts (id, user_id, wallet_address, amount_cents, category, confidence, status, review_notes, evidence_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.UserID, r.WalletAddress, r.AmountCents, r.Category, r.Confidence, r.Status, r.ReviewNotes, r.EvidenceURL, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert receipt %s: %w", r.ID, err)
	}
	return nil
}

// GetReceipt fetches a receipt by id.
func (s *Store) GetReceipt(ctx context.Context, id string) (*settle.Receipt, error) {
	var r settle.Receipt
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, wallet_address, amount_cents, category, confidence, status, review_notes, evidence_url, created_at, updated_at
		FROM receipts WHERE id = $1`, id,
	).Scan(&r.ID, &r.UserID, &r.WalletAddress, &r.AmountCents, &r.Category, &r.Confidence, &r.Status, &r.ReviewNotes, &r.EvidenceURL, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("receipt %s: %w", id, settle.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch receipt %s: %w", id, err)
	}
	return &r, nil
}

// UpdateReceiptStatus transitions a receipt from one status to another. The
// expected current status guards the update; a mismatch is an
// ErrInvalidTransition, never a silent no-op.
func (s *Store) UpdateReceiptStatus(ctx context.Context, id string, from, to settle.ReceiptStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE receipts SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2`,
		id, from, to, s.clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update receipt %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.receiptTransitionErr(ctx, id, from, to)
	}
	return nil
}

// RecordClassification stores the classifier's verdict on a still-submitted
// receipt. Later statuses are never touched.
func (s *Store) RecordClassification(ctx context.Context, id string, confidence float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE receipts SET confidence = $2, updated_at = $3
		WHERE id = $1 AND status = $4`,
		id, confidence, s.clock.Now().UTC(), settle.ReceiptSubmitted,
	)
	if err != nil {
		return fmt.Errorf("failed to record classification for receipt %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.receiptTransitionErr(ctx, id, settle.ReceiptSubmitted, settle.ReceiptSubmitted)
	}
	return nil
}

// RecordReviewDecision transitions a receipt out of pending_manual_review
// with the reviewer's notes attached.
func (s *Store) RecordReviewDecision(ctx context.Context, id string, to settle.ReceiptStatus, notes string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE receipts SET status = $2, review_notes = $3, updated_at = $4
		WHERE id = $1 AND status = $5`,
		id, to, notes, s.clock.Now().UTC(), settle.ReceiptPendingManualReview,
	)
	if err != nil {
		return fmt.Errorf("failed to record review decision for receipt %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.receiptTransitionErr(ctx, id, settle.ReceiptPendingManualReview, to)
	}
	return nil
}

func (s *Store) receiptTransitionErr(ctx context.Context, id string, from, to settle.ReceiptStatus) error {
	var current settle.ReceiptStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM receipts WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("receipt %s: %w", id, settle.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to fetch receipt %s status: %w", id, err)
	}
	return s.invariantViolation(fmt.Errorf("receipt %s: cannot transition %s -> %s (current status %s): %w",
		id, from, to, current, settle.ErrInvalidTransition))
}

// OpenDistribution creates the idempotency record for a receipt's payout,
// before any chain submission. Opening an already-known receipt id returns
// the existing record unchanged with created=false: callers must treat that
// as "resume", never as "retry from scratch". The primary key on receipt_id
// enforces uniqueness at the storage layer.
func (s *Store) OpenDistribution(ctx context.Context, receiptID, userID string, quote settle.RewardQuote, userAddr, fundAddr string) (*settle.PendingDistribution, bool, error) {
	now := s.clock.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO pending_distributions (receipt_id, user_id, user_address, user_units, fund_address, fund_units, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (receipt_id) DO NOTHING`,
		receiptID, userID, userAddr, quote.UserUnits, fundAddr, quote.AppFundUnits, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open distribution for receipt %s: %w", receiptID, err)
	}

	dist, err := s.GetDistribution(ctx, receiptID)
	if err != nil {
		return nil, false, err
	}
	created := tag.RowsAffected() == 1
	if !created {
		s.log.Info("distribution already open, resuming", "receipt", receiptID)
	}
	return dist, created, nil
}

const distColumns = `receipt_id, user_id,
	user_address, user_units, user_status, user_signature, user_fail_reason, user_resubmissions, user_submitted_at,
	fund_address, fund_units, fund_status, fund_signature, fund_fail_reason, fund_resubmissions, fund_submitted_at,
	applied_at, created_at, updated_at`

// GetDistribution fetches the pending distribution for a receipt.
func (s *Store) GetDistribution(ctx context.Context, receiptID string) (*settle.PendingDistribution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+distColumns+` FROM pending_distributions WHERE receipt_id = $1`, receiptID)
	dist, err := scanDistribution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("distribution for receipt %s: %w", receiptID, settle.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch distribution for receipt %s: %w", receiptID, err)
	}
	return dist, nil
}

// MarkLegSubmitted records a real chain submission against a leg slot. The
// signature must come from an actual submission call; this is the only way
// a leg acquires an external reference.
func (s *Store) MarkLegSubmitted(ctx context.Context, receiptID string, kind settle.LegKind, signature string) error {
	prefix := legPrefix(kind)
	now := s.clock.Now().UTC()
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE pending_distributions
		SET %[1]s_status = $2, %[1]s_signature = $3, %[1]s_submitted_at = $4, updated_at = $4
		WHERE receipt_id = $1 AND %[1]s_status = $5`, prefix),
		receiptID, settle.LegSubmitted, signature, now, settle.LegNotSubmitted,
	)
	if err != nil {
		return fmt.Errorf("failed to mark %s leg submitted for receipt %s: %w", kind, receiptID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.legTransitionErr(ctx, receiptID, kind, settle.LegSubmitted)
	}
	return nil
}

// MarkLegConfirmed records external-ledger confirmation of a submitted leg.
func (s *Store) MarkLegConfirmed(ctx context.Context, receiptID string, kind settle.LegKind) error {
	prefix := legPrefix(kind)
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE pending_distributions
		SET %[1]s_status = $2, updated_at = $3
		WHERE receipt_id = $1 AND %[1]s_status = $4`, prefix),
		receiptID, settle.LegConfirmed, s.clock.Now().UTC(), settle.LegSubmitted,
	)
	if err != nil {
		return fmt.Errorf("failed to mark %s leg confirmed for receipt %s: %w", kind, receiptID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.legTransitionErr(ctx, receiptID, kind, settle.LegConfirmed)
	}
	return nil
}

// MarkLegFailed records a leg failure with its reason: a submission-time
// error, a confirmed reversion, or an exhausted confirmation timeout. The
// other leg is untouched.
func (s *Store) MarkLegFailed(ctx context.Context, receiptID string, kind settle.LegKind, reason string) error {
	prefix := legPrefix(kind)
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE pending_distributions
		SET %[1]s_status = $2, %[1]s_fail_reason = $3, updated_at = $4
		WHERE receipt_id = $1 AND %[1]s_status IN ($5, $6)`, prefix),
		receiptID, settle.LegFailed, reason, s.clock.Now().UTC(), settle.LegNotSubmitted, settle.LegSubmitted,
	)
	if err != nil {
		return fmt.Errorf("failed to mark %s leg failed for receipt %s: %w", kind, receiptID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.legTransitionErr(ctx, receiptID, kind, settle.LegFailed)
	}
	return nil
}

// RecordResubmission replaces a submitted leg's signature with a fresh one
// after a confirmation timeout. It is a new observation against the same
// leg slot, never a second leg. Returns the updated resubmission count.
func (s *Store) RecordResubmission(ctx context.Context, receiptID string, kind settle.LegKind, signature string) (int, error) {
	prefix := legPrefix(kind)
	now := s.clock.Now().UTC()
	var count int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE pending_distributions
		SET %[1]s_signature = $2, %[1]s_submitted_at = $3, %[1]s_resubmissions = %[1]s_resubmissions + 1, updated_at = $3
		WHERE receipt_id = $1 AND %[1]s_status = $4
		RETURNING %[1]s_resubmissions`, prefix),
		receiptID, signature, now, settle.LegSubmitted,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, s.legTransitionErr(ctx, receiptID, kind, settle.LegSubmitted)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record resubmission of %s leg for receipt %s: %w", kind, receiptID, err)
	}
	return count, nil
}

// ReopenTimedOutLeg is an operator-only recovery path: it puts a leg that
// failed on confirmation timeout back to not_submitted with a fresh
// resubmission budget. Deliberately outside the normal leg state machine;
// reverted legs can never be reopened.
func (s *Store) ReopenTimedOutLeg(ctx context.Context, receiptID string, kind settle.LegKind) error {
	col := legPrefix(kind)
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE pending_distributions
		SET %[1]s_status = $2, %[1]s_signature = '', %[1]s_fail_reason = '',
		    %[1]s_submitted_at = NULL, %[1]s_resubmissions = 0, updated_at = $3
		WHERE receipt_id = $1 AND %[1]s_status = $4 AND %[1]s_fail_reason = $5`, col),
		receiptID, settle.LegNotSubmitted, s.clock.Now().UTC(), settle.LegFailed, settle.FailReasonTimeout,
	)
	if err != nil {
		return fmt.Errorf("failed to reopen %s leg for receipt %s: %w", kind, receiptID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("receipt %s: %s leg is not a timed-out failure: %w",
			receiptID, kind, settle.ErrInvalidTransition)
	}
	return nil
}

func (s *Store) legTransitionErr(ctx context.Context, receiptID string, kind settle.LegKind, to settle.LegStatus) error {
	dist, err := s.GetDistribution(ctx, receiptID)
	if err != nil {
		return err
	}
	current := dist.LegFor(kind).Status
	return s.invariantViolation(fmt.Errorf("receipt %s: %s leg cannot transition %s -> %s: %w",
		receiptID, kind, current, to, settle.ErrInvalidTransition))
}

// invariantViolation surfaces a rejected state-machine transition. These
// indicate a logic bug and must reach the operator.
func (s *Store) invariantViolation(err error) error {
	s.log.Error("ledger invariant violation", "error", err)
	metrics.InvariantViolationsTotal.Inc()
	sentry.CaptureException(err)
	return err
}

// ApplyConfirmed applies a fully confirmed distribution to the user's
// balance, exactly once. The applied_at guard makes the terminal balance
// update idempotent under retried confirmation observations; returns false
// without error when the distribution was already applied. Balances are
// only ever incremented.
func (s *Store) ApplyConfirmed(ctx context.Context, receiptID string) (bool, error) {
	now := s.clock.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin apply transaction for receipt %s: %w", receiptID, err)
	}
	defer tx.Rollback(ctx)

	var userID string
	var userUnits int64
	err = tx.QueryRow(ctx, `
		UPDATE pending_distributions
		SET applied_at = $2, updated_at = $2
		WHERE receipt_id = $1 AND applied_at IS NULL AND user_status = $3 AND fund_status = $3
		RETURNING user_id, user_units`,
		receiptID, now, settle.LegConfirmed,
	).Scan(&userID, &userUnits)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already applied, or not fully confirmed yet. Distinguish so a
		// premature apply surfaces as a bug instead of a silent skip.
		dist, getErr := s.GetDistribution(ctx, receiptID)
		if getErr != nil {
			return false, getErr
		}
		if dist.AppliedAt != nil {
			return false, nil
		}
		return false, s.invariantViolation(fmt.Errorf("receipt %s: cannot apply distribution with legs %s/%s: %w",
			receiptID, dist.UserLeg.Status, dist.AppFundLeg.Status, settle.ErrInvalidTransition))
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark distribution applied for receipt %s: %w", receiptID, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO user_balances (user_id, units, streak, updated_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET units = user_balances.units + EXCLUDED.units,
		    streak = user_balances.streak + 1,
		    updated_at = EXCLUDED.updated_at`,
		userID, userUnits, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to increment balance for user %s: %w", userID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit apply transaction for receipt %s: %w", receiptID, err)
	}
	return true, nil
}

// FinalizeSettled drives a receipt to its terminal distribution status once
// both legs have reached a terminal leg status, applying the balance update
// for complete payouts. It is the single finalization path, shared by the
// confirmation poller and by submission-time settlement (both legs failing
// to submit settles the distribution without ever being polled). Returns
// the distribution, or nil while legs are still in flight; moved reports
// whether this call performed the receipt transition.
func (s *Store) FinalizeSettled(ctx context.Context, receiptID string) (dist *settle.PendingDistribution, moved bool, err error) {
	dist, err = s.GetDistribution(ctx, receiptID)
	if err != nil {
		return nil, false, err
	}
	if !dist.Settled() {
		return nil, false, nil
	}

	outcome := dist.Outcome()
	if outcome == settle.ReceiptDistributionComplete {
		applied, err := s.ApplyConfirmed(ctx, receiptID)
		if err != nil {
			return nil, false, err
		}
		if applied {
			s.log.Info("distribution applied to balance", "receipt", receiptID, "user", dist.UserID, "units", dist.UserLeg.Units)
		}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE receipts SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2`,
		receiptID, settle.ReceiptDistributionPending, outcome, s.clock.Now().UTC(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to finalize receipt %s: %w", receiptID, err)
	}
	if tag.RowsAffected() == 0 {
		r, err := s.GetReceipt(ctx, receiptID)
		if err != nil {
			return nil, false, err
		}
		if r.Status == outcome {
			// Already finalized by an earlier observation.
			return dist, false, nil
		}
		return nil, false, s.invariantViolation(fmt.Errorf("receipt %s: cannot finalize %s -> %s: %w",
			receiptID, r.Status, outcome, settle.ErrInvalidTransition))
	}
	return dist, true, nil
}

// GetBalance fetches a user's balance; users with no rewarded receipts yet
// read as zero.
func (s *Store) GetBalance(ctx context.Context, userID string) (*settle.UserBalance, error) {
	b := settle.UserBalance{UserID: userID}
	err := s.pool.QueryRow(ctx, `
		SELECT units, streak, updated_at FROM user_balances WHERE user_id = $1`, userID,
	).Scan(&b.Units, &b.Streak, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch balance for user %s: %w", userID, err)
	}
	return &b, nil
}

// UserStreak returns the user's current streak count.
func (s *Store) UserStreak(ctx context.Context, userID string) (int, error) {
	b, err := s.GetBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return b.Streak, nil
}

// ListApprovedUnsettled returns receipts approved for payout (auto or
// manual) whose settlement never reached distribution_pending, oldest
// first. A receipt strands here when the process dies or the store fails
// between recording the approval and opening the distribution; Resume
// re-enters settlement for them so an approved payout is never lost.
func (s *Store) ListApprovedUnsettled(ctx context.Context) ([]*settle.Receipt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, wallet_address, amount_cents, category, confidence, status, review_notes, evidence_url, created_at, updated_at
		FROM receipts
		WHERE status IN ($1, $2)
		ORDER BY created_at`,
		settle.ReceiptAutoApproved, settle.ReceiptManualApproved,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list approved unsettled receipts: %w", err)
	}
	defer rows.Close()

	var out []*settle.Receipt
	for rows.Next() {
		var r settle.Receipt
		err := rows.Scan(&r.ID, &r.UserID, &r.WalletAddress, &r.AmountCents, &r.Category, &r.Confidence, &r.Status, &r.ReviewNotes, &r.EvidenceURL, &r.CreatedAt, &r.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approved unsettled receipt: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ListUnfinished returns distributions with at least one leg still in
// flight, oldest first. Used to resume work after a process restart.
func (s *Store) ListUnfinished(ctx context.Context) ([]*settle.PendingDistribution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+distColumns+` FROM pending_distributions
		WHERE user_status IN ($1, $2) OR fund_status IN ($1, $2)
		ORDER BY created_at`,
		settle.LegNotSubmitted, settle.LegSubmitted,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished distributions: %w", err)
	}
	defer rows.Close()
	return scanDistributions(rows)
}

// ListPartial returns distributions whose receipt ended in
// distribution_partial, for operator attention and requeueing.
func (s *Store) ListPartial(ctx context.Context) ([]*settle.PendingDistribution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+distColumnsPrefixed("d")+` FROM pending_distributions d
		JOIN receipts r ON r.id = d.receipt_id
		WHERE r.status = $1
		ORDER BY d.created_at`,
		settle.ReceiptDistributionPartial,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list partial distributions: %w", err)
	}
	defer rows.Close()
	return scanDistributions(rows)
}

func legPrefix(kind settle.LegKind) string {
	if kind == settle.LegAppFund {
		return "fund"
	}
	return "user"
}

func distColumnsPrefixed(alias string) string {
	cols := ""
	for i, c := range []string{
		"receipt_id", "user_id",
		"user_address", "user_units", "user_status", "user_signature", "user_fail_reason", "user_resubmissions", "user_submitted_at",
		"fund_address", "fund_units", "fund_status", "fund_signature", "fund_fail_reason", "fund_resubmissions", "fund_submitted_at",
		"applied_at", "created_at", "updated_at",
	} {
		if i > 0 {
			cols += ", "
		}
		cols += alias + "." + c
	}
	return cols
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDistribution(row rowScanner) (*settle.PendingDistribution, error) {
	var d settle.PendingDistribution
	d.UserLeg.Kind = settle.LegUser
	d.AppFundLeg.Kind = settle.LegAppFund

	var userUnits, fundUnits int64
	err := row.Scan(
		&d.ReceiptID, &d.UserID,
		&d.UserLeg.Address, &userUnits, &d.UserLeg.Status, &d.UserLeg.Signature, &d.UserLeg.FailReason, &d.UserLeg.Resubmissions, &d.UserLeg.SubmittedAt,
		&d.AppFundLeg.Address, &fundUnits, &d.AppFundLeg.Status, &d.AppFundLeg.Signature, &d.AppFundLeg.FailReason, &d.AppFundLeg.Resubmissions, &d.AppFundLeg.SubmittedAt,
		&d.AppliedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.UserLeg.Units = uint64(userUnits)
	d.AppFundLeg.Units = uint64(fundUnits)
	return &d, nil
}

func scanDistributions(rows pgx.Rows) ([]*settle.PendingDistribution, error) {
	var out []*settle.PendingDistribution
	for rows.Next() {
		d, err := scanDistribution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan distribution row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate distribution rows: %w", err)
	}
	return out, nil
}
