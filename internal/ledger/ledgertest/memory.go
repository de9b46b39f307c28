// Package ledgertest provides an in-memory ledger with the same semantics
// as the Postgres store, for unit tests that should not need a database
// container. It enforces the same state-machine legality rules.
package ledgertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/the-recircle-app/recircle/internal/settle"
)

type Store struct {
	mu            sync.Mutex
	clock         clockwork.Clock
	receipts      map[string]*settle.Receipt
	distributions map[string]*settle.PendingDistribution
	balances      map[string]*settle.UserBalance
}

func NewStore(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		clock:         clock,
		receipts:      make(map[string]*settle.Receipt),
		distributions: make(map[string]*settle.PendingDistribution),
		balances:      make(map[string]*settle.UserBalance),
	}
}

func (s *Store) CreateReceipt(ctx context.Context, r *settle.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.receipts[r.ID]; ok {
		return fmt.Errorf("receipt %s already exists", r.ID)
	}
	now := s.clock.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = settle.ReceiptSubmitted
	}
	cp := *r
	s.receipts[r.ID] = &cp
	return nil
}

func (s *Store) GetReceipt(ctx context.Context, id string) (*settle.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.receipts[id]
	if !ok {
		return nil, fmt.Errorf("receipt %s: %w", id, settle.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *Store) UpdateReceiptStatus(ctx context.Context, id string, from, to settle.ReceiptStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.receipts[id]
	if !ok {
		return fmt.Errorf("receipt %s: %w", id, settle.ErrNotFound)
	}
	if r.Status != from {
		return fmt.Errorf("receipt %s: cannot transition %s -> %s (current status %s): %w",
			id, from, to, r.Status, settle.ErrInvalidTransition)
	}
	r.Status = to
	r.UpdatedAt = s.clock.Now().UTC()
	return nil
}

func (s *Store) RecordClassification(ctx context.Context, id string, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.receipts[id]
	if !ok {
		return fmt.Errorf("receipt %s: %w", id, settle.ErrNotFound)
	}
	if r.Status != settle.ReceiptSubmitted {
		return fmt.Errorf("receipt %s: cannot record classification in status %s: %w",
			id, r.Status, settle.ErrInvalidTransition)
	}
	r.Confidence = confidence
	r.UpdatedAt = s.clock.Now().UTC()
	return nil
}

func (s *Store) RecordReviewDecision(ctx context.Context, id string, to settle.ReceiptStatus, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.receipts[id]
	if !ok {
		return fmt.Errorf("receipt %s: %w", id, settle.ErrNotFound)
	}
	if r.Status != settle.ReceiptPendingManualReview {
		return fmt.Errorf("receipt %s: cannot transition %s -> %s (current status %s): %w",
			id, settle.ReceiptPendingManualReview, to, r.Status, settle.ErrInvalidTransition)
	}
	r.Status = to
	r.ReviewNotes = notes
	r.UpdatedAt = s.clock.Now().UTC()
	return nil
}

func (s *Store) OpenDistribution(ctx context.Context, receiptID, userID string, quote settle.RewardQuote, userAddr, fundAddr string) (*settle.PendingDistribution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.distributions[receiptID]; ok {
		cp := *existing
		return &cp, false, nil
	}

	now := s.clock.Now().UTC()
	d := &settle.PendingDistribution{
		ReceiptID: receiptID,
		UserID:    userID,
		UserLeg: settle.Leg{
			Kind:    settle.LegUser,
			Address: userAddr,
			Units:   quote.UserUnits,
			Status:  settle.LegNotSubmitted,
		},
		AppFundLeg: settle.Leg{
			Kind:    settle.LegAppFund,
			Address: fundAddr,
			Units:   quote.AppFundUnits,
			Status:  settle.LegNotSubmitted,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.distributions[receiptID] = d
	cp := *d
	return &cp, true, nil
}

func (s *Store) GetDistribution(ctx context.Context, receiptID string) (*settle.PendingDistribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.distributions[receiptID]
	if !ok {
		return nil, fmt.Errorf("distribution for receipt %s: %w", receiptID, settle.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (s *Store) transitionLeg(receiptID string, kind settle.LegKind, to settle.LegStatus, mutate func(*settle.Leg)) error {
	d, ok := s.distributions[receiptID]
	if !ok {
		return fmt.Errorf("distribution for receipt %s: %w", receiptID, settle.ErrNotFound)
	}
	leg := d.LegFor(kind)
	if !settle.CanTransitionLeg(leg.Status, to) {
		return fmt.Errorf("receipt %s: %s leg cannot transition %s -> %s: %w",
			receiptID, kind, leg.Status, to, settle.ErrInvalidTransition)
	}
	leg.Status = to
	mutate(leg)
	d.UpdatedAt = s.clock.Now().UTC()
	return nil
}

func (s *Store) MarkLegSubmitted(ctx context.Context, receiptID string, kind settle.LegKind, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	return s.transitionLeg(receiptID, kind, settle.LegSubmitted, func(leg *settle.Leg) {
		leg.Signature = signature
		leg.SubmittedAt = &now
	})
}

func (s *Store) MarkLegConfirmed(ctx context.Context, receiptID string, kind settle.LegKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transitionLeg(receiptID, kind, settle.LegConfirmed, func(*settle.Leg) {})
}

func (s *Store) MarkLegFailed(ctx context.Context, receiptID string, kind settle.LegKind, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transitionLeg(receiptID, kind, settle.LegFailed, func(leg *settle.Leg) {
		leg.FailReason = reason
	})
}

// ReopenTimedOutLeg mirrors the operator-only recovery path: a leg failed
// on confirmation timeout goes back to not_submitted with a fresh budget.
func (s *Store) ReopenTimedOutLeg(ctx context.Context, receiptID string, kind settle.LegKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.distributions[receiptID]
	if !ok {
		return fmt.Errorf("distribution for receipt %s: %w", receiptID, settle.ErrNotFound)
	}
	leg := d.LegFor(kind)
	if leg.Status != settle.LegFailed || leg.FailReason != settle.FailReasonTimeout {
		return fmt.Errorf("receipt %s: %s leg is not a timed-out failure: %w",
			receiptID, kind, settle.ErrInvalidTransition)
	}
	leg.Status = settle.LegNotSubmitted
	leg.Signature = ""
	leg.FailReason = ""
	leg.SubmittedAt = nil
	leg.Resubmissions = 0
	d.UpdatedAt = s.clock.Now().UTC()
	return nil
}

func (s *Store) RecordResubmission(ctx context.Context, receiptID string, kind settle.LegKind, signature string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.distributions[receiptID]
	if !ok {
		return 0, fmt.Errorf("distribution for receipt %s: %w", receiptID, settle.ErrNotFound)
	}
	leg := d.LegFor(kind)
	if leg.Status != settle.LegSubmitted {
		return 0, fmt.Errorf("receipt %s: %s leg cannot resubmit from %s: %w",
			receiptID, kind, leg.Status, settle.ErrInvalidTransition)
	}
	now := s.clock.Now().UTC()
	leg.Signature = signature
	leg.SubmittedAt = &now
	leg.Resubmissions++
	d.UpdatedAt = now
	return leg.Resubmissions, nil
}

func (s *Store) ApplyConfirmed(ctx context.Context, receiptID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.distributions[receiptID]
	if !ok {
		return false, fmt.Errorf("distribution for receipt %s: %w", receiptID, settle.ErrNotFound)
	}
	if d.AppliedAt != nil {
		return false, nil
	}
	if d.UserLeg.Status != settle.LegConfirmed || d.AppFundLeg.Status != settle.LegConfirmed {
		return false, fmt.Errorf("receipt %s: cannot apply distribution with legs %s/%s: %w",
			receiptID, d.UserLeg.Status, d.AppFundLeg.Status, settle.ErrInvalidTransition)
	}

	now := s.clock.Now().UTC()
	d.AppliedAt = &now
	d.UpdatedAt = now

	b, ok := s.balances[d.UserID]
	if !ok {
		b = &settle.UserBalance{UserID: d.UserID}
		s.balances[d.UserID] = b
	}
	b.Units += d.UserLeg.Units
	b.Streak++
	b.UpdatedAt = now
	return true, nil
}

// FinalizeSettled mirrors the Postgres finalization path: once both legs
// are terminal, apply the balance for complete payouts and move the receipt
// to the distribution's outcome.
func (s *Store) FinalizeSettled(ctx context.Context, receiptID string) (*settle.PendingDistribution, bool, error) {
	dist, err := s.GetDistribution(ctx, receiptID)
	if err != nil {
		return nil, false, err
	}
	if !dist.Settled() {
		return nil, false, nil
	}

	outcome := dist.Outcome()
	if outcome == settle.ReceiptDistributionComplete {
		if _, err := s.ApplyConfirmed(ctx, receiptID); err != nil {
			return nil, false, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[receiptID]
	if !ok {
		return nil, false, fmt.Errorf("receipt %s: %w", receiptID, settle.ErrNotFound)
	}
	if r.Status != settle.ReceiptDistributionPending {
		if r.Status == outcome {
			return dist, false, nil
		}
		return nil, false, fmt.Errorf("receipt %s: cannot finalize %s -> %s: %w",
			receiptID, r.Status, outcome, settle.ErrInvalidTransition)
	}
	r.Status = outcome
	r.UpdatedAt = s.clock.Now().UTC()
	return dist, true, nil
}

func (s *Store) ListApprovedUnsettled(ctx context.Context) ([]*settle.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*settle.Receipt
	for _, r := range s.receipts {
		if r.Status == settle.ReceiptAutoApproved || r.Status == settle.ReceiptManualApproved {
			cp := *r
			out = append(out, &cp)
		}
	}
	sortReceiptsByCreated(out)
	return out, nil
}

func (s *Store) GetBalance(ctx context.Context, userID string) (*settle.UserBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[userID]
	if !ok {
		return &settle.UserBalance{UserID: userID}, nil
	}
	cp := *b
	return &cp, nil
}

func (s *Store) UserStreak(ctx context.Context, userID string) (int, error) {
	b, err := s.GetBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return b.Streak, nil
}

func (s *Store) ListUnfinished(ctx context.Context) ([]*settle.PendingDistribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*settle.PendingDistribution
	for _, d := range s.distributions {
		if !d.Settled() {
			cp := *d
			out = append(out, &cp)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *Store) ListPartial(ctx context.Context) ([]*settle.PendingDistribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*settle.PendingDistribution
	for id, d := range s.distributions {
		r, ok := s.receipts[id]
		if ok && r.Status == settle.ReceiptDistributionPartial {
			cp := *d
			out = append(out, &cp)
		}
	}
	sortByCreated(out)
	return out, nil
}

func sortByCreated(dists []*settle.PendingDistribution) {
	for i := 1; i < len(dists); i++ {
		for j := i; j > 0 && dists[j].CreatedAt.Before(dists[j-1].CreatedAt); j-- {
			dists[j], dists[j-1] = dists[j-1], dists[j]
		}
	}
}

func sortReceiptsByCreated(receipts []*settle.Receipt) {
	for i := 1; i < len(receipts); i++ {
		for j := i; j > 0 && receipts[j].CreatedAt.Before(receipts[j-1].CreatedAt); j-- {
			receipts[j], receipts[j-1] = receipts[j-1], receipts[j]
		}
	}
}

