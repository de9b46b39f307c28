// Package chain owns everything that touches the token ledger: the signing
// credential, transfer submission, and confirmation-status reads.
package chain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// Signer owns the shared signing credential. Signing is serialized per
// identity: the wrapped key is a single shared secret used concurrently by
// both payout legs, and sequencing every signature through one mutex rules
// out cross-corruption between concurrent callers. The key is injected,
// never read from ambient scope.
type Signer struct {
	mu  sync.Mutex
	key solana.PrivateKey
}

// NewSigner builds a signer from a base58-encoded private key.
func NewSigner(base58Key string) (*Signer, error) {
	if base58Key == "" {
		return nil, errors.New("signing key is required")
	}
	key, err := solana.PrivateKeyFromBase58(base58Key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	return &Signer{key: key}, nil
}

// PublicKey returns the signer's public identity.
func (s *Signer) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

// SignTransaction signs the transaction in place.
func (s *Signer) SignTransaction(tx *solana.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.key.PublicKey()) {
			return &s.key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	return nil
}
