package chain

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
)

// DefaultRPCURL is the default Solana RPC endpoint.
const DefaultRPCURL = "https://api.mainnet-beta.solana.com"

// Client is the slice of the chain RPC surface the pipeline needs. The
// production implementation wraps the solana-go RPC client; tests substitute
// func-field mocks.
type Client interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	SignatureStatuses(ctx context.Context, sigs ...solana.Signature) ([]*solanarpc.SignatureStatusesResult, error)
}

// RPCClient implements Client against a Solana JSON-RPC endpoint.
type RPCClient struct {
	rpc *solanarpc.Client
}

func NewRPCClient(endpoint string) *RPCClient {
	if endpoint == "" {
		endpoint = DefaultRPCURL
	}
	return &RPCClient{rpc: solanarpc.New(endpoint)}
}

func (c *RPCClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := c.rpc.GetLatestBlockhash(ctx, solanarpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("failed to fetch latest blockhash: %w", err)
	}
	return out.Value.Blockhash, nil
}

func (c *RPCClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
		PreflightCommitment: solanarpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig, nil
}

func (c *RPCClient) SignatureStatuses(ctx context.Context, sigs ...solana.Signature) ([]*solanarpc.SignatureStatusesResult, error) {
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sigs...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signature statuses: %w", err)
	}
	return out.Value, nil
}

// ConfirmationResult is the poller-facing classification of one signature
// status observation.
type ConfirmationResult string

const (
	// ConfirmationPending means the ledger has no definitive result yet.
	// A submission acknowledgment alone is never evidence of success.
	ConfirmationPending ConfirmationResult = "pending"

	ConfirmationConfirmed ConfirmationResult = "confirmed"

	// ConfirmationReverted means the ledger executed and then rejected the
	// transfer. Distinct from a submission-time error.
	ConfirmationReverted ConfirmationResult = "reverted"
)

// ClassifyStatus maps a raw signature status to a confirmation result.
// A nil status means the ledger does not know the signature (yet).
func ClassifyStatus(status *solanarpc.SignatureStatusesResult) ConfirmationResult {
	if status == nil {
		return ConfirmationPending
	}
	if status.Err != nil {
		return ConfirmationReverted
	}
	switch status.ConfirmationStatus {
	case solanarpc.ConfirmationStatusConfirmed, solanarpc.ConfirmationStatusFinalized:
		return ConfirmationConfirmed
	}
	return ConfirmationPending
}
