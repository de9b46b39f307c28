// Package poller watches submitted payout legs until the external ledger
// reports a definitive result. It exists to kill one root bug class:
// treating "the submission call returned" as proof of payment. A leg only
// succeeds when the ledger confirms non-reversion.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/the-recircle-app/recircle/internal/chain"
	"github.com/the-recircle-app/recircle/internal/metrics"
	"github.com/the-recircle-app/recircle/internal/settle"
)

// StatusClient reads signature statuses from the external ledger.
type StatusClient interface {
	SignatureStatuses(ctx context.Context, sigs ...solana.Signature) ([]*solanarpc.SignatureStatusesResult, error)
}

// Submitter resubmits a transfer with a fresh blockhash after a
// confirmation timeout.
type Submitter interface {
	SubmitTransfer(ctx context.Context, dest solana.PublicKey, units uint64) (solana.Signature, error)
}

// Ledger is the slice of the pending-transaction ledger the poller drives.
type Ledger interface {
	ListUnfinished(ctx context.Context) ([]*settle.PendingDistribution, error)
	MarkLegSubmitted(ctx context.Context, receiptID string, kind settle.LegKind, signature string) error
	MarkLegConfirmed(ctx context.Context, receiptID string, kind settle.LegKind) error
	MarkLegFailed(ctx context.Context, receiptID string, kind settle.LegKind, reason string) error
	RecordResubmission(ctx context.Context, receiptID string, kind settle.LegKind, signature string) (int, error)
	FinalizeSettled(ctx context.Context, receiptID string) (*settle.PendingDistribution, bool, error)
}

// Config holds the configuration for the confirmation poller.
type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Chain     StatusClient
	Submitter Submitter
	Ledger    Ledger

	// Interval is the poll cadence, matched to the ledger's natural
	// finality cadence.
	Interval time.Duration

	// MaxWait bounds how long a submission handle may stay indefinite
	// before the leg is resubmitted or failed.
	MaxWait time.Duration

	// MaxResubmissions bounds fresh-handle retries per leg.
	MaxResubmissions int

	// RPCRate limits status reads against the external ledger. Optional.
	RPCRate *rate.Limiter
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Chain == nil {
		return errors.New("chain status client is required")
	}
	if cfg.Submitter == nil {
		return errors.New("submitter is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("poll interval must be greater than 0")
	}
	if cfg.MaxWait <= 0 {
		return errors.New("max wait must be greater than 0")
	}
	if cfg.MaxResubmissions < 0 {
		return errors.New("max resubmissions must not be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Poller struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Poller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Poller{log: cfg.Logger, cfg: cfg}, nil
}

// Start runs the poll loop until the context is cancelled.
func (p *Poller) Start(ctx context.Context) {
	go func() {
		p.log.Info("poller: starting confirmation loop", "interval", p.cfg.Interval)

		ticker := p.cfg.Clock.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				p.safeTick(ctx)
			}
		}
	}()
}

func (p *Poller) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("poller: tick panicked", "panic", r)
		}
	}()

	if err := p.Tick(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		p.log.Error("poller: tick failed", "error", err)
	}
}

// Tick observes every in-flight leg once and finalizes distributions whose
// legs have all settled.
func (p *Poller) Tick(ctx context.Context) error {
	dists, err := p.cfg.Ledger.ListUnfinished(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unfinished distributions: %w", err)
	}

	for _, dist := range dists {
		changed := false
		for _, leg := range []settle.Leg{dist.UserLeg, dist.AppFundLeg} {
			switch leg.Status {
			case settle.LegNotSubmitted:
				// A leg still unsubmitted long after the distribution
				// was last touched is stranded (crash before submission,
				// or an operator requeue). Recent ones belong to the
				// distributor; touching them here would risk a double
				// submission.
				if p.cfg.Clock.Since(dist.UpdatedAt) >= p.cfg.MaxWait {
					if err := p.redriveLeg(ctx, dist.ReceiptID, leg); err != nil {
						p.log.Error("poller: failed to redrive stranded leg", "receipt", dist.ReceiptID, "leg", leg.Kind, "error", err)
					}
				}
				continue
			case settle.LegSubmitted:
			default:
				continue
			}
			legChanged, err := p.observeLeg(ctx, dist.ReceiptID, leg)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				p.log.Error("poller: leg observation failed", "receipt", dist.ReceiptID, "leg", leg.Kind, "error", err)
				continue
			}
			changed = changed || legChanged
		}
		if changed {
			if err := p.finalize(ctx, dist.ReceiptID); err != nil {
				p.log.Error("poller: finalize failed", "receipt", dist.ReceiptID, "error", err)
			}
		}
	}
	return nil
}

// redriveLeg submits a stranded not_submitted leg.
func (p *Poller) redriveLeg(ctx context.Context, receiptID string, leg settle.Leg) error {
	dest, err := solana.PublicKeyFromBase58(leg.Address)
	if err != nil {
		return fmt.Errorf("stored %s leg address is unparseable: %w", leg.Kind, err)
	}
	sig, err := p.cfg.Submitter.SubmitTransfer(ctx, dest, leg.Units)
	if err != nil {
		return fmt.Errorf("failed to submit stranded %s leg: %w", leg.Kind, err)
	}
	if err := p.cfg.Ledger.MarkLegSubmitted(ctx, receiptID, leg.Kind, sig.String()); err != nil {
		return err
	}
	p.log.Warn("stranded leg submitted", "receipt", receiptID, "leg", leg.Kind, "signature", sig.String())
	return nil
}

// observeLeg polls one submitted leg and reports whether its status
// changed.
func (p *Poller) observeLeg(ctx context.Context, receiptID string, leg settle.Leg) (bool, error) {
	sig, err := solana.SignatureFromBase58(leg.Signature)
	if err != nil {
		return false, fmt.Errorf("stored %s leg signature is unparseable: %w", leg.Kind, err)
	}

	if p.cfg.RPCRate != nil {
		if err := p.cfg.RPCRate.Wait(ctx); err != nil {
			return false, err
		}
	}

	statuses, err := p.cfg.Chain.SignatureStatuses(ctx, sig)
	if err != nil {
		metrics.ConfirmationPollsTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("failed to poll signature status: %w", err)
	}
	var status *solanarpc.SignatureStatusesResult
	if len(statuses) > 0 {
		status = statuses[0]
	}

	switch chain.ClassifyStatus(status) {
	case chain.ConfirmationConfirmed:
		metrics.ConfirmationPollsTotal.WithLabelValues("confirmed").Inc()
		if err := p.cfg.Ledger.MarkLegConfirmed(ctx, receiptID, leg.Kind); err != nil {
			return false, err
		}
		p.log.Info("leg confirmed", "receipt", receiptID, "leg", leg.Kind, "signature", leg.Signature)
		return true, nil

	case chain.ConfirmationReverted:
		// Reversion usually means a logic or balance error, not a
		// transient fault; never retried automatically.
		metrics.ConfirmationPollsTotal.WithLabelValues("reverted").Inc()
		if err := p.cfg.Ledger.MarkLegFailed(ctx, receiptID, leg.Kind, settle.FailReasonReverted); err != nil {
			return false, err
		}
		revertErr := fmt.Errorf("receipt %s: %s leg %s: %w", receiptID, leg.Kind, leg.Signature, settle.ErrLegReverted)
		p.log.Error("leg reverted on chain", "receipt", receiptID, "leg", leg.Kind, "signature", leg.Signature)
		sentry.CaptureException(revertErr)
		return true, nil
	}

	// No definitive result yet.
	if leg.SubmittedAt == nil || p.cfg.Clock.Since(*leg.SubmittedAt) < p.cfg.MaxWait {
		metrics.ConfirmationPollsTotal.WithLabelValues("pending").Inc()
		return false, nil
	}
	return p.handleTimeout(ctx, receiptID, leg)
}

// handleTimeout resubmits a stalled leg with a fresh handle, or fails it
// once the resubmission budget is spent.
func (p *Poller) handleTimeout(ctx context.Context, receiptID string, leg settle.Leg) (bool, error) {
	metrics.ConfirmationPollsTotal.WithLabelValues("timeout").Inc()

	if leg.Resubmissions >= p.cfg.MaxResubmissions {
		exhausted := fmt.Errorf("receipt %s: %s leg after %d resubmissions: %w",
			receiptID, leg.Kind, leg.Resubmissions, settle.ErrConfirmationTimeout)
		p.log.Error("leg confirmation timed out", "receipt", receiptID, "leg", leg.Kind, "resubmissions", leg.Resubmissions)
		sentry.CaptureException(exhausted)
		if err := p.cfg.Ledger.MarkLegFailed(ctx, receiptID, leg.Kind, settle.FailReasonTimeout); err != nil {
			return false, err
		}
		return true, nil
	}

	dest, err := solana.PublicKeyFromBase58(leg.Address)
	if err != nil {
		return false, fmt.Errorf("stored %s leg address is unparseable: %w", leg.Kind, err)
	}

	sig, err := p.cfg.Submitter.SubmitTransfer(ctx, dest, leg.Units)
	if err != nil {
		// Leave the leg as submitted; the next tick will try again.
		return false, fmt.Errorf("failed to resubmit %s leg: %w", leg.Kind, err)
	}

	count, err := p.cfg.Ledger.RecordResubmission(ctx, receiptID, leg.Kind, sig.String())
	if err != nil {
		return false, err
	}
	p.log.Warn("leg resubmitted after confirmation timeout",
		"receipt", receiptID, "leg", leg.Kind, "signature", sig.String(), "resubmissions", count)
	return false, nil
}

// finalize drives a receipt to its terminal distribution status once both
// legs have settled, applying the balance update for complete payouts.
func (p *Poller) finalize(ctx context.Context, receiptID string) error {
	dist, moved, err := p.cfg.Ledger.FinalizeSettled(ctx, receiptID)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}

	outcome := dist.Outcome()
	metrics.DistributionsSettledTotal.WithLabelValues(string(outcome)).Inc()
	p.log.Info("distribution settled", "receipt", receiptID, "status", outcome)

	if outcome != settle.ReceiptDistributionComplete {
		// Partial and failed payouts need operator attention.
		sentry.CaptureException(fmt.Errorf("receipt %s settled as %s (user leg %s/%s, app-fund leg %s/%s)",
			receiptID, outcome,
			dist.UserLeg.Status, dist.UserLeg.FailReason,
			dist.AppFundLeg.Status, dist.AppFundLeg.FailReason))
	}
	return nil
}
