package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// SubmitterConfig holds the configuration for the transfer submitter.
type SubmitterConfig struct {
	Logger *slog.Logger
	Client Client
	Signer *Signer

	// SourceTokenAccount is the treasury's token account for the reward
	// mint, owned by the signer identity.
	SourceTokenAccount solana.PublicKey
}

func (cfg *SubmitterConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("chain client is required")
	}
	if cfg.Signer == nil {
		return errors.New("signer is required")
	}
	if cfg.SourceTokenAccount.IsZero() {
		return errors.New("source token account is required")
	}
	return nil
}

// Submitter sends reward-token transfers. Every signature it returns comes
// from an actual SendTransaction call against the ledger; there is no path
// that fabricates one. Validation without submission lives in DryRunner,
// which deliberately has a different method set so it cannot be injected
// where a Submitter is expected.
type Submitter struct {
	log    *slog.Logger
	client Client
	signer *Signer
	source solana.PublicKey
}

func NewSubmitter(cfg SubmitterConfig) (*Submitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Submitter{
		log:    cfg.Logger,
		client: cfg.Client,
		signer: cfg.Signer,
		source: cfg.SourceTokenAccount,
	}, nil
}

// SubmitTransfer builds, signs and sends a token transfer of the given
// amount of base units to the destination token account. The returned
// signature is an acknowledgment only; confirmation is observed separately.
func (s *Submitter) SubmitTransfer(ctx context.Context, dest solana.PublicKey, units uint64) (solana.Signature, error) {
	tx, err := s.buildTransfer(ctx, dest, units)
	if err != nil {
		return solana.Signature{}, err
	}

	sig, err := s.client.SendTransaction(ctx, tx)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to submit transfer of %d units to %s: %w", units, dest, err)
	}

	s.log.Info("transfer submitted", "dest", dest.String(), "units", units, "signature", sig.String())
	return sig, nil
}

func (s *Submitter) buildTransfer(ctx context.Context, dest solana.PublicKey, units uint64) (*solana.Transaction, error) {
	if units == 0 {
		return nil, errors.New("transfer amount must be positive")
	}
	if dest.IsZero() {
		return nil, errors.New("destination is required")
	}

	blockhash, err := s.client.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}

	ix := token.NewTransferInstruction(
		units,
		s.source,
		dest,
		s.signer.PublicKey(),
		nil,
	).Build()

	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		blockhash,
		solana.TransactionPayer(s.signer.PublicKey()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build transfer transaction: %w", err)
	}

	if err := s.signer.SignTransaction(tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// DryRunner checks that a transfer could be built and signed, without ever
// touching the ledger. It intentionally does not implement the submitter
// method set and produces no signature, so it can never masquerade as a
// successful submission.
type DryRunner struct {
	sub *Submitter
}

func NewDryRunner(cfg SubmitterConfig) (*DryRunner, error) {
	sub, err := NewSubmitter(cfg)
	if err != nil {
		return nil, err
	}
	return &DryRunner{sub: sub}, nil
}

// CheckTransfer builds and signs the transfer, then discards it.
func (d *DryRunner) CheckTransfer(ctx context.Context, dest solana.PublicKey, units uint64) error {
	_, err := d.sub.buildTransfer(ctx, dest, units)
	return err
}
