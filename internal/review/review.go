// Package review connects the settlement pipeline to the human review
// system: an outbound notifier that announces receipts parked for manual
// review, and the inbound decision payload posted back by reviewers.
package review

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/the-recircle-app/recircle/internal/metrics"
	"github.com/the-recircle-app/recircle/internal/settle"
	"github.com/the-recircle-app/recircle/pkg/retry"
)

// Notification is the outbound payload describing a parked receipt.
type Notification struct {
	ReceiptID       string  `json:"receipt_id"`
	UserID          string  `json:"user_id"`
	Category        string  `json:"category"`
	AmountCents     int64   `json:"amount_cents"`
	Confidence      float64 `json:"confidence"`
	EstimatedUnits  uint64  `json:"estimated_reward_units"`
	EvidenceURL     string  `json:"evidence_url,omitempty"`
	SubmittedAtUnix int64   `json:"submitted_at"`
}

// Decision is the inbound payload posted by the review system once a human
// has looked at the receipt.
type Decision struct {
	ReceiptID string `json:"receipt_id"`
	Approved  *bool  `json:"approved"`
	Notes     string `json:"notes,omitempty"`
}

// Validate checks the decision payload shape. Malformed payloads are
// rejected before any state is touched.
func (d *Decision) Validate() error {
	if d.ReceiptID == "" {
		return fmt.Errorf("%w: missing receipt_id", settle.ErrMalformedPayload)
	}
	if d.Approved == nil {
		return fmt.Errorf("%w: missing approved flag", settle.ErrMalformedPayload)
	}
	return nil
}

// ParseDecision decodes and validates an inbound review decision.
func ParseDecision(r io.Reader) (*Decision, error) {
	var d Decision
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("%w: %w", settle.ErrMalformedPayload, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Status returns the receipt status a decision resolves to.
func (d *Decision) Status() settle.ReceiptStatus {
	if d.Approved != nil && *d.Approved {
		return settle.ReceiptManualApproved
	}
	return settle.ReceiptManualRejected
}

// Notifier POSTs notifications to the review system webhook.
type Notifier struct {
	log        *slog.Logger
	httpClient *http.Client
	url        string
	retryCfg   retry.Config
}

type NotifierConfig struct {
	Logger *slog.Logger

	// URL is the review system's inbound webhook. Empty disables
	// notifications, which keeps local development working without a
	// review system running.
	URL string

	HTTPClient *http.Client
	Retry      retry.Config
}

func (cfg *NotifierConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Notifier{
		log:        cfg.Logger,
		httpClient: cfg.HTTPClient,
		url:        cfg.URL,
		retryCfg:   cfg.Retry,
	}, nil
}

// Notify announces a parked receipt to the review system. Delivery is best
// effort with bounded retries; the receipt stays parked either way, so a
// lost notification delays review but never loses the receipt.
func (n *Notifier) Notify(ctx context.Context, note Notification) error {
	if n.url == "" {
		n.log.Debug("review: notifier disabled, skipping", "receipt", note.ReceiptID)
		return nil
	}

	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("failed to encode review notification: %w", err)
	}

	err = retry.Do(ctx, n.retryCfg, func() error {
		return n.post(ctx, body)
	})
	if err != nil {
		metrics.ReviewNotificationsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to deliver review notification for receipt %s: %w", note.ReceiptID, err)
	}

	metrics.ReviewNotificationsTotal.WithLabelValues("success").Inc()
	n.log.Info("review: notification delivered", "receipt", note.ReceiptID, "category", note.Category, "confidence", note.Confidence)
	return nil
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("review webhook returned %s", resp.Status)
	}
	return nil
}
