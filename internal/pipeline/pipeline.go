// Package pipeline orchestrates a receipt from intake to payout: persist,
// classify, route by confidence, and either settle immediately or park the
// receipt for manual review. The approval callback re-enters the same
// settlement path the auto-approval path uses.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"github.com/the-recircle-app/recircle/internal/classifier"
	"github.com/the-recircle-app/recircle/internal/distributor"
	"github.com/the-recircle-app/recircle/internal/metrics"
	"github.com/the-recircle-app/recircle/internal/review"
	"github.com/the-recircle-app/recircle/internal/reward"
	"github.com/the-recircle-app/recircle/internal/settle"
)

// Ledger is the slice of the store the pipeline drives.
type Ledger interface {
	CreateReceipt(ctx context.Context, r *settle.Receipt) error
	GetReceipt(ctx context.Context, id string) (*settle.Receipt, error)
	UpdateReceiptStatus(ctx context.Context, id string, from, to settle.ReceiptStatus) error
	RecordClassification(ctx context.Context, id string, confidence float64) error
	RecordReviewDecision(ctx context.Context, id string, to settle.ReceiptStatus, notes string) error
	OpenDistribution(ctx context.Context, receiptID, userID string, quote settle.RewardQuote, userAddr, fundAddr string) (*settle.PendingDistribution, bool, error)
	FinalizeSettled(ctx context.Context, receiptID string) (*settle.PendingDistribution, bool, error)
	UserStreak(ctx context.Context, userID string) (int, error)
	ListUnfinished(ctx context.Context) ([]*settle.PendingDistribution, error)
	ListApprovedUnsettled(ctx context.Context) ([]*settle.Receipt, error)
}

// Classifier reads a receipt image and scores it. Optional; without one,
// submissions carry their confidence from an upstream classifier.
type Classifier interface {
	Classify(ctx context.Context, image []byte, claimedCategory string, amountCents int64) (*classifier.Result, error)
}

// Notifier announces parked receipts to the manual-review system.
type Notifier interface {
	Notify(ctx context.Context, note review.Notification) error
}

// Distributor submits the two payout legs for an open distribution.
type Distributor interface {
	Submit(ctx context.Context, dist *settle.PendingDistribution) distributor.Result
}

// Submission is one inbound receipt claim.
type Submission struct {
	UserID        string
	WalletAddress string
	Category      string
	AmountCents   int64

	// Confidence from an upstream classifier; ignored when Image is set
	// and a classifier is configured.
	Confidence float64

	// Image is the receipt photo, when the client uploads one.
	Image       []byte
	EvidenceURL string
}

func (s *Submission) Validate() error {
	if s.UserID == "" {
		return fmt.Errorf("%w: missing user id", settle.ErrMalformedPayload)
	}
	if s.WalletAddress == "" {
		return fmt.Errorf("%w: missing wallet address", settle.ErrMalformedPayload)
	}
	if raw, err := base58.Decode(s.WalletAddress); err != nil || len(raw) != 32 {
		return fmt.Errorf("%w: wallet address is not a valid base58 public key", settle.ErrMalformedPayload)
	}
	if s.Category == "" {
		return fmt.Errorf("%w: missing category", settle.ErrMalformedPayload)
	}
	if s.AmountCents < 0 {
		return fmt.Errorf("%w: negative amount", settle.ErrMalformedPayload)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("%w: confidence out of range", settle.ErrMalformedPayload)
	}
	return nil
}

type Config struct {
	Logger      *slog.Logger
	Ledger      Ledger
	Distributor Distributor
	Notifier    Notifier

	// Classifier is optional. Nil means submissions are trusted to carry
	// their own confidence score.
	Classifier Classifier

	// AppFundAddress receives the app-fund share of every payout.
	AppFundAddress string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Distributor == nil {
		return errors.New("distributor is required")
	}
	if cfg.Notifier == nil {
		return errors.New("notifier is required")
	}
	if cfg.AppFundAddress == "" {
		return errors.New("app fund address is required")
	}
	return nil
}

type Pipeline struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{log: cfg.Logger, cfg: cfg}, nil
}

// Submit takes one receipt claim through intake, classification and routing.
// The receipt is persisted before the classifier is consulted, so a
// classifier outage can delay a payout but never lose a receipt.
func (p *Pipeline) Submit(ctx context.Context, sub Submission) (*settle.Receipt, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	r := &settle.Receipt{
		ID:            uuid.NewString(),
		UserID:        sub.UserID,
		WalletAddress: sub.WalletAddress,
		AmountCents:   sub.AmountCents,
		Category:      sub.Category,
		Confidence:    sub.Confidence,
		EvidenceURL:   sub.EvidenceURL,
		Status:        settle.ReceiptSubmitted,
	}
	if err := p.cfg.Ledger.CreateReceipt(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to persist receipt: %w", err)
	}
	p.log.Info("receipt submitted", "receipt", r.ID, "user", r.UserID, "category", r.Category, "amountCents", r.AmountCents)

	decision := p.classifyAndRoute(ctx, r, sub.Image)

	switch decision {
	case reward.DecisionAutoApprove:
		metrics.ReceiptsRoutedTotal.WithLabelValues("auto_approve").Inc()
		if err := p.cfg.Ledger.UpdateReceiptStatus(ctx, r.ID, settle.ReceiptSubmitted, settle.ReceiptAutoApproved); err != nil {
			return nil, err
		}
		r.Status = settle.ReceiptAutoApproved
		if err := p.settle(ctx, r); err != nil {
			return nil, err
		}

	case reward.DecisionManualReview:
		metrics.ReceiptsRoutedTotal.WithLabelValues("manual_review").Inc()
		if err := p.cfg.Ledger.UpdateReceiptStatus(ctx, r.ID, settle.ReceiptSubmitted, settle.ReceiptPendingManualReview); err != nil {
			return nil, err
		}
		r.Status = settle.ReceiptPendingManualReview
		p.notifyReviewers(ctx, r)
	}

	return r, nil
}

// classifyAndRoute runs the vision classifier when an image is present and
// returns the routing decision. Classifier failure degrades to manual
// review, never to auto-approval.
func (p *Pipeline) classifyAndRoute(ctx context.Context, r *settle.Receipt, image []byte) reward.Decision {
	if p.cfg.Classifier == nil || len(image) == 0 {
		return reward.Route(r.Category, r.Confidence)
	}

	res, err := p.cfg.Classifier.Classify(ctx, image, r.Category, r.AmountCents)
	if err != nil {
		p.log.Warn("classifier unavailable, parking receipt for manual review", "receipt", r.ID, "error", err)
		return reward.DecisionManualReview
	}

	if err := p.cfg.Ledger.RecordClassification(ctx, r.ID, res.Confidence); err != nil {
		p.log.Error("failed to record classification", "receipt", r.ID, "error", err)
		return reward.DecisionManualReview
	}
	r.Confidence = res.Confidence

	if res.Category != r.Category {
		p.log.Info("classifier disagrees with claimed category",
			"receipt", r.ID, "claimed", r.Category, "classified", res.Category)
		return reward.DecisionManualReview
	}
	return reward.Route(r.Category, r.Confidence)
}

func (p *Pipeline) notifyReviewers(ctx context.Context, r *settle.Receipt) {
	streak, err := p.cfg.Ledger.UserStreak(ctx, r.UserID)
	if err != nil {
		p.log.Warn("failed to look up streak for review notification", "receipt", r.ID, "error", err)
		streak = 0
	}
	estimated := uint64(0)
	if quote, err := reward.Calculate(r.AmountCents, r.Category, streak); err == nil {
		estimated = quote.TotalUnits
	}

	// Best effort. The receipt stays parked either way; a lost
	// notification delays review but never loses the receipt.
	err = p.cfg.Notifier.Notify(ctx, review.Notification{
		ReceiptID:       r.ID,
		UserID:          r.UserID,
		Category:        r.Category,
		AmountCents:     r.AmountCents,
		Confidence:      r.Confidence,
		EstimatedUnits:  estimated,
		EvidenceURL:     r.EvidenceURL,
		SubmittedAtUnix: r.CreatedAt.Unix(),
	})
	if err != nil {
		p.log.Error("failed to notify review system", "receipt", r.ID, "error", err)
	}
}

// HandleReviewDecision applies a human reviewer's verdict. Duplicate
// callbacks for already-resolved receipts are acknowledged without any
// state change; applied reports whether this call changed anything.
func (p *Pipeline) HandleReviewDecision(ctx context.Context, d *review.Decision) (applied bool, err error) {
	r, err := p.cfg.Ledger.GetReceipt(ctx, d.ReceiptID)
	if err != nil {
		metrics.ReviewCallbacksTotal.WithLabelValues("unknown_receipt").Inc()
		return false, err
	}

	if r.Status.Resolved() {
		if r.Status == settle.ReceiptManualApproved && d.Status() == settle.ReceiptManualApproved {
			// The approval is recorded but settlement never finished: a
			// crash or store failure between the two would otherwise lose
			// the payout. The reviewer's webhook retry is the natural
			// re-entry point; settle is idempotent.
			metrics.ReviewCallbacksTotal.WithLabelValues("duplicate").Inc()
			p.log.Warn("approved receipt still unsettled, re-entering settlement", "receipt", r.ID)
			return false, p.settle(ctx, r)
		}
		metrics.ReviewCallbacksTotal.WithLabelValues("duplicate").Inc()
		p.log.Info("duplicate review callback ignored", "receipt", r.ID, "status", r.Status)
		return false, nil
	}

	to := d.Status()
	if err := p.cfg.Ledger.RecordReviewDecision(ctx, d.ReceiptID, to, d.Notes); err != nil {
		return false, err
	}
	r.Status = to

	if to == settle.ReceiptManualApproved {
		metrics.ReviewCallbacksTotal.WithLabelValues("approved").Inc()
		p.log.Info("receipt approved by reviewer", "receipt", r.ID)
		if err := p.settle(ctx, r); err != nil {
			return true, err
		}
		return true, nil
	}

	metrics.ReviewCallbacksTotal.WithLabelValues("rejected").Inc()
	p.log.Info("receipt rejected by reviewer", "receipt", r.ID, "notes", d.Notes)
	return true, nil
}

// settle quotes the reward, opens the idempotent distribution record and
// submits both payout legs. Shared by the auto-approval path and the
// manual-approval callback; safe to re-enter for the same receipt.
func (p *Pipeline) settle(ctx context.Context, r *settle.Receipt) error {
	streak, err := p.cfg.Ledger.UserStreak(ctx, r.UserID)
	if err != nil {
		return fmt.Errorf("failed to look up streak for user %s: %w", r.UserID, err)
	}

	quote, err := reward.Calculate(r.AmountCents, r.Category, streak)
	if err != nil {
		return fmt.Errorf("failed to quote reward for receipt %s: %w", r.ID, err)
	}

	dist, created, err := p.cfg.Ledger.OpenDistribution(ctx, r.ID, r.UserID, quote, r.WalletAddress, p.cfg.AppFundAddress)
	if err != nil {
		return fmt.Errorf("failed to open distribution for receipt %s: %w", r.ID, err)
	}
	if created {
		p.log.Info("distribution opened", "receipt", r.ID,
			"totalUnits", quote.TotalUnits, "userUnits", quote.UserUnits, "appFundUnits", quote.AppFundUnits, "streak", streak)
	} else {
		p.log.Info("resuming existing distribution", "receipt", r.ID)
	}
	if r.Status != settle.ReceiptDistributionPending {
		if err := p.cfg.Ledger.UpdateReceiptStatus(ctx, r.ID, r.Status, settle.ReceiptDistributionPending); err != nil {
			return err
		}
		r.Status = settle.ReceiptDistributionPending
	}

	result := p.cfg.Distributor.Submit(ctx, dist)
	p.log.Info("distribution legs submitted",
		"receipt", r.ID, "userSubmitted", result.User.Submitted, "appFundSubmitted", result.AppFund.Submitted)

	if !result.User.Submitted || !result.AppFund.Submitted {
		// Both legs failing at submission settles the distribution right
		// here, with nothing left for the poller to observe; without
		// finalizing, the receipt would wedge in distribution_pending.
		if err := p.finalize(ctx, r.ID); err != nil {
			return err
		}
	}
	return nil
}

// finalize mirrors the poller's terminal step for distributions that settle
// at submission time.
func (p *Pipeline) finalize(ctx context.Context, receiptID string) error {
	dist, moved, err := p.cfg.Ledger.FinalizeSettled(ctx, receiptID)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}

	outcome := dist.Outcome()
	metrics.DistributionsSettledTotal.WithLabelValues(string(outcome)).Inc()
	p.log.Error("distribution settled at submission time", "receipt", receiptID, "status", outcome)
	sentry.CaptureException(fmt.Errorf("receipt %s settled as %s at submission (user leg %s/%s, app-fund leg %s/%s)",
		receiptID, outcome,
		dist.UserLeg.Status, dist.UserLeg.FailReason,
		dist.AppFundLeg.Status, dist.AppFundLeg.FailReason))
	return nil
}

// Resume re-drives settlement work that was interrupted mid-flight,
// typically after a restart: receipts approved before the distribution was
// opened re-enter settle, and opened distributions with unsubmitted legs
// are resubmitted. Legs already past not_submitted are left for the
// confirmation poller.
func (p *Pipeline) Resume(ctx context.Context) error {
	stranded, err := p.cfg.Ledger.ListApprovedUnsettled(ctx)
	if err != nil {
		return fmt.Errorf("failed to list approved unsettled receipts: %w", err)
	}
	for _, r := range stranded {
		p.log.Warn("approved receipt never reached settlement, re-entering", "receipt", r.ID, "status", r.Status)
		if err := p.settle(ctx, r); err != nil {
			p.log.Error("failed to settle approved receipt on resume", "receipt", r.ID, "error", err)
		}
	}

	dists, err := p.cfg.Ledger.ListUnfinished(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unfinished distributions: %w", err)
	}

	resubmitted := 0
	for _, dist := range dists {
		if dist.UserLeg.Status != settle.LegNotSubmitted && dist.AppFundLeg.Status != settle.LegNotSubmitted {
			continue
		}
		result := p.cfg.Distributor.Submit(ctx, dist)
		resubmitted++
		if !result.User.Submitted || !result.AppFund.Submitted {
			if err := p.finalize(ctx, dist.ReceiptID); err != nil {
				p.log.Error("failed to finalize distribution on resume", "receipt", dist.ReceiptID, "error", err)
			}
		}
	}
	if len(stranded) > 0 || len(dists) > 0 {
		p.log.Info("resumed unfinished settlements", "approvedReentered", len(stranded), "distributions", len(dists), "redriven", resubmitted)
	}
	return nil
}
