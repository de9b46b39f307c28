// Package distributor submits the two payout legs of a pending
// distribution. The legs are deliberately independent transfers, never one
// bundled transaction: a partial failure must be individually attributable
// and individually retryable.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"

	"github.com/the-recircle-app/recircle/internal/metrics"
	"github.com/the-recircle-app/recircle/internal/settle"
	"github.com/the-recircle-app/recircle/pkg/retry"
)

// Submitter sends one transfer and returns the ledger's acknowledgment
// signature. chain.Submitter is the production implementation.
type Submitter interface {
	SubmitTransfer(ctx context.Context, dest solana.PublicKey, units uint64) (solana.Signature, error)
}

// Ledger is the slice of the pending-transaction ledger the distributor
// records against.
type Ledger interface {
	MarkLegSubmitted(ctx context.Context, receiptID string, kind settle.LegKind, signature string) error
	MarkLegFailed(ctx context.Context, receiptID string, kind settle.LegKind, reason string) error
}

// Config holds the configuration for the distributor.
type Config struct {
	Logger    *slog.Logger
	Submitter Submitter
	Ledger    Ledger
	Retry     retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Submitter == nil {
		return errors.New("submitter is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// LegOutcome is the submission result for one leg.
type LegOutcome struct {
	Kind      settle.LegKind
	Submitted bool
	Signature string
	Err       error
}

// Result holds both leg outcomes of one distribution submission.
type Result struct {
	User    LegOutcome
	AppFund LegOutcome
}

type Distributor struct {
	log       *slog.Logger
	submitter Submitter
	ledger    Ledger
	retryCfg  retry.Config
}

func New(cfg Config) (*Distributor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Distributor{
		log:       cfg.Logger,
		submitter: cfg.Submitter,
		ledger:    cfg.Ledger,
		retryCfg:  cfg.Retry,
	}, nil
}

// Submit sends both legs of the distribution concurrently. There is no
// ordering guarantee between the legs and none is needed; each result is
// recorded against its own ledger slot, and one leg's failure leaves the
// other untouched. Legs that already left not_submitted (a resumed
// distribution) are skipped.
func (d *Distributor) Submit(ctx context.Context, dist *settle.PendingDistribution) Result {
	var result Result
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		result.User = d.submitLeg(ctx, dist.ReceiptID, dist.UserLeg)
		return nil
	})
	g.Go(func() error {
		result.AppFund = d.submitLeg(ctx, dist.ReceiptID, dist.AppFundLeg)
		return nil
	})

	// Leg errors are carried in the outcomes, never used to abort the
	// sibling leg.
	_ = g.Wait()
	return result
}

func (d *Distributor) submitLeg(ctx context.Context, receiptID string, leg settle.Leg) LegOutcome {
	outcome := LegOutcome{Kind: leg.Kind}

	if leg.Status != settle.LegNotSubmitted {
		// Resume: this leg is already in flight or settled.
		outcome.Submitted = leg.Status == settle.LegSubmitted || leg.Status == settle.LegConfirmed
		outcome.Signature = leg.Signature
		d.log.Debug("skipping leg already past submission", "receipt", receiptID, "leg", leg.Kind, "status", leg.Status)
		return outcome
	}

	dest, err := solana.PublicKeyFromBase58(leg.Address)
	if err != nil {
		outcome.Err = fmt.Errorf("invalid %s leg address %q: %w", leg.Kind, leg.Address, err)
		d.failLeg(ctx, receiptID, leg.Kind, outcome.Err)
		return outcome
	}

	var sig solana.Signature
	err = retry.Do(ctx, d.retryCfg, func() error {
		var submitErr error
		sig, submitErr = d.submitter.SubmitTransfer(ctx, dest, leg.Units)
		return submitErr
	})
	if err != nil {
		outcome.Err = fmt.Errorf("%s leg submission failed: %w", leg.Kind, err)
		d.failLeg(ctx, receiptID, leg.Kind, outcome.Err)
		return outcome
	}

	if err := d.ledger.MarkLegSubmitted(ctx, receiptID, leg.Kind, sig.String()); err != nil {
		// The transfer is out but the ledger refused the transition; this
		// is an invariant violation already surfaced by the ledger.
		outcome.Err = err
		return outcome
	}

	outcome.Submitted = true
	outcome.Signature = sig.String()
	metrics.DistributionLegsTotal.WithLabelValues(string(leg.Kind), "submitted").Inc()
	d.log.Info("leg submitted", "receipt", receiptID, "leg", leg.Kind, "units", leg.Units, "signature", outcome.Signature)
	return outcome
}

func (d *Distributor) failLeg(ctx context.Context, receiptID string, kind settle.LegKind, cause error) {
	metrics.DistributionLegsTotal.WithLabelValues(string(kind), "failed").Inc()
	d.log.Error("leg submission failed", "receipt", receiptID, "leg", kind, "error", cause)
	if err := d.ledger.MarkLegFailed(ctx, receiptID, kind, cause.Error()); err != nil {
		d.log.Error("failed to record leg failure", "receipt", receiptID, "leg", kind, "error", err)
	}
}
