// Package settle defines the domain model shared by every stage of the
// reward settlement pipeline: receipts, reward quotes, the pending
// distribution ledger record, and the payout legs.
//
// All token amounts are integer base units. The reward token mint has 6
// decimals, so 1 token == 1_000_000 base units. Working in base units keeps
// the split invariant (user portion + app-fund portion == total) exact,
// with no floating-point drift.
package settle

import "time"

// UnitsPerToken is the number of base units in one whole reward token
// (6-decimal mint).
const UnitsPerToken = 1_000_000

// ReceiptStatus is the lifecycle status of a submitted receipt. Transitions
// are owned exclusively by the pipeline; terminal statuses are immutable.
type ReceiptStatus string

const (
	ReceiptSubmitted            ReceiptStatus = "submitted"
	ReceiptAutoApproved         ReceiptStatus = "auto_approved"
	ReceiptPendingManualReview  ReceiptStatus = "pending_manual_review"
	ReceiptManualApproved       ReceiptStatus = "manual_approved"
	ReceiptManualRejected       ReceiptStatus = "manual_rejected"
	ReceiptDistributionPending  ReceiptStatus = "distribution_pending"
	ReceiptDistributionPartial  ReceiptStatus = "distribution_partial"
	ReceiptDistributionComplete ReceiptStatus = "distribution_complete"
	ReceiptDistributionFailed   ReceiptStatus = "distribution_failed"
)

// Terminal reports whether the status admits no further transitions.
// distribution_partial is deliberately non-terminal: it is a recoverable
// state requiring operator attention or automated retry.
func (s ReceiptStatus) Terminal() bool {
	switch s {
	case ReceiptManualRejected, ReceiptDistributionComplete, ReceiptDistributionFailed:
		return true
	}
	return false
}

// Resolved reports whether a review decision (auto or manual) has already
// been recorded for the receipt. Duplicate review callbacks for resolved
// receipts are acknowledged without any state change.
func (s ReceiptStatus) Resolved() bool {
	return s != ReceiptSubmitted && s != ReceiptPendingManualReview
}

// Receipt is a submitted proof of a sustainable-transportation purchase.
type Receipt struct {
	ID     string
	UserID string

	// WalletAddress is the user's payout destination, captured at intake so
	// the approval callback path can settle without a second lookup.
	WalletAddress string

	// AmountCents is the claimed purchase amount in USD cents.
	AmountCents int64
	Category    string

	// Confidence is the external classifier's trust estimate in [0,1].
	Confidence float64

	Status ReceiptStatus

	// ReviewNotes carries the human reviewer's annotation, if any.
	ReviewNotes string

	// EvidenceURL is a dereferenceable pointer to the supporting evidence
	// (receipt image) shown to manual reviewers.
	EvidenceURL string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RewardQuote is the computed reward for an approved receipt, already split
// into the two payout legs. Derived, never persisted on its own.
//
// Invariant: UserUnits + AppFundUnits == TotalUnits, exactly.
type RewardQuote struct {
	TotalUnits   uint64
	UserUnits    uint64
	AppFundUnits uint64
}

// LegKind identifies one of the two independent payout legs.
type LegKind string

const (
	LegUser    LegKind = "user"
	LegAppFund LegKind = "app_fund"
)

// LegStatus is the per-leg payout state machine.
type LegStatus string

const (
	LegNotSubmitted LegStatus = "not_submitted"
	LegSubmitted    LegStatus = "submitted"
	LegConfirmed    LegStatus = "confirmed"
	LegFailed       LegStatus = "failed"
)

// CanTransitionLeg reports whether a leg may move from one status to
// another. This is the single definition of leg state-machine legality,
// shared by every ledger implementation. confirmed is a dead end: any
// attempt to leave it indicates a logic bug and must surface as an error,
// never be silently ignored.
func CanTransitionLeg(from, to LegStatus) bool {
	switch from {
	case LegNotSubmitted:
		// Submission-time failures (network, signing) go straight to failed.
		return to == LegSubmitted || to == LegFailed
	case LegSubmitted:
		return to == LegConfirmed || to == LegFailed
	}
	return false
}

// Leg is one outbound payment attempt within a distribution.
type Leg struct {
	Kind    LegKind
	Address string
	Units   uint64
	Status  LegStatus

	// Signature is the external reference handle returned by an actual
	// chain submission. Empty unless the leg has really been sent; there is
	// no code path that fabricates one.
	Signature string

	// FailReason distinguishes submission errors from confirmed reversions
	// and exhausted confirmation timeouts.
	FailReason string

	// Resubmissions counts fresh-handle retries after confirmation
	// timeouts. Each resubmission replaces Signature; it is a new
	// observation against this same slot, never a second leg.
	Resubmissions int

	SubmittedAt *time.Time
}

// Reasons recorded against failed legs.
const (
	FailReasonReverted = "reverted"
	FailReasonTimeout  = "confirmation timeout"
)

// PendingDistribution is the idempotency record for one receipt's payout.
// Exactly one exists per receipt id, created before any chain submission;
// it is the single source of truth for "has this receipt already been paid".
type PendingDistribution struct {
	ReceiptID string
	UserID    string

	UserLeg    Leg
	AppFundLeg Leg

	// AppliedAt is set once the confirmed distribution has been applied to
	// the user balance, making the terminal balance update idempotent.
	AppliedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LegFor returns the leg of the given kind.
func (d *PendingDistribution) LegFor(kind LegKind) *Leg {
	if kind == LegAppFund {
		return &d.AppFundLeg
	}
	return &d.UserLeg
}

// Settled reports whether both legs have reached a terminal leg status.
func (d *PendingDistribution) Settled() bool {
	return terminalLeg(d.UserLeg.Status) && terminalLeg(d.AppFundLeg.Status)
}

// Outcome maps the two leg statuses to the receipt's terminal distribution
// status. Only meaningful once Settled returns true.
func (d *PendingDistribution) Outcome() ReceiptStatus {
	userOK := d.UserLeg.Status == LegConfirmed
	fundOK := d.AppFundLeg.Status == LegConfirmed
	switch {
	case userOK && fundOK:
		return ReceiptDistributionComplete
	case userOK || fundOK:
		return ReceiptDistributionPartial
	default:
		return ReceiptDistributionFailed
	}
}

func terminalLeg(s LegStatus) bool {
	return s == LegConfirmed || s == LegFailed
}

// UserBalance is the per-user reward counter. It is only ever incremented
// by applying a confirmed distribution; this pipeline never decrements it.
type UserBalance struct {
	UserID string
	Units  uint64

	// Streak counts consecutive rewarded submissions and feeds the reward
	// multiplier on the next receipt.
	Streak int

	UpdatedAt time.Time
}
