// Package server exposes the settlement pipeline over HTTP: receipt intake,
// the inbound manual-review webhook, and read-only status endpoints. Every
// response is a small JSON body, including errors.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/the-recircle-app/recircle/internal/metrics"
	"github.com/the-recircle-app/recircle/internal/pipeline"
	"github.com/the-recircle-app/recircle/internal/review"
	"github.com/the-recircle-app/recircle/internal/settle"
)

// Pipeline is the orchestrator surface the server drives.
type Pipeline interface {
	Submit(ctx context.Context, sub pipeline.Submission) (*settle.Receipt, error)
	HandleReviewDecision(ctx context.Context, d *review.Decision) (bool, error)
}

// Ledger is the read-only store slice behind the status endpoints.
type Ledger interface {
	GetReceipt(ctx context.Context, id string) (*settle.Receipt, error)
	GetBalance(ctx context.Context, userID string) (*settle.UserBalance, error)
}

// Server is the HTTP server for the settlement service.
type Server struct {
	log      *slog.Logger
	router   *chi.Mux
	pipeline Pipeline
	ledger   Ledger
	srv      *http.Server
}

type Config struct {
	Logger   *slog.Logger
	Pipeline Pipeline
	Ledger   Ledger
	Addr     string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pipeline == nil {
		return errors.New("pipeline is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	return nil
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		log:      cfg.Logger,
		router:   chi.NewRouter(),
		pipeline: cfg.Pipeline,
		ledger:   cfg.Ledger,
	}
	s.setupRoutes()
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))
	s.router.Use(metrics.Middleware)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/receipts", s.handleSubmitReceipt)
		r.Get("/receipts/{id}", s.handleGetReceipt)
		r.Get("/users/{id}/balance", s.handleGetBalance)
	})
	s.router.Post("/webhooks/review", s.handleReviewCallback)
	s.router.Get("/health", s.handleHealth)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the listener until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

type submitReceiptRequest struct {
	UserID        string  `json:"user_id"`
	WalletAddress string  `json:"wallet_address"`
	Category      string  `json:"category"`
	AmountCents   int64   `json:"amount_cents"`
	Confidence    float64 `json:"confidence"`
	EvidenceURL   string  `json:"evidence_url"`
	ImageBase64   string  `json:"image_base64"`
}

type receiptResponse struct {
	ReceiptID   string  `json:"receipt_id"`
	UserID      string  `json:"user_id"`
	Category    string  `json:"category"`
	AmountCents int64   `json:"amount_cents"`
	Confidence  float64 `json:"confidence"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
}

func (s *Server) handleSubmitReceipt(w http.ResponseWriter, r *http.Request) {
	var req submitReceiptRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed request body: %v", err))
		return
	}

	var image []byte
	if req.ImageBase64 != "" {
		var err error
		image, err = base64.StdEncoding.DecodeString(req.ImageBase64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "image_base64 is not valid base64")
			return
		}
	}

	receipt, err := s.pipeline.Submit(r.Context(), pipeline.Submission{
		UserID:        req.UserID,
		WalletAddress: req.WalletAddress,
		Category:      req.Category,
		AmountCents:   req.AmountCents,
		Confidence:    req.Confidence,
		EvidenceURL:   req.EvidenceURL,
		Image:         image,
	})
	if err != nil {
		if errors.Is(err, settle.ErrMalformedPayload) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("receipt submission failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "receipt submission failed")
		return
	}

	s.writeJSON(w, http.StatusCreated, toReceiptResponse(receipt))
}

func (s *Server) handleReviewCallback(w http.ResponseWriter, r *http.Request) {
	decision, err := review.ParseDecision(r.Body)
	if err != nil {
		metrics.ReviewCallbacksTotal.WithLabelValues("malformed").Inc()
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	applied, err := s.pipeline.HandleReviewDecision(r.Context(), decision)
	if err != nil {
		if errors.Is(err, settle.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown receipt %s", decision.ReceiptID))
			return
		}
		s.log.Error("review callback failed", "receipt", decision.ReceiptID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "review callback failed")
		return
	}

	status := "applied"
	if !applied {
		status = "acknowledged"
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":     status,
		"receipt_id": decision.ReceiptID,
	})
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	receipt, err := s.ledger.GetReceipt(r.Context(), id)
	if err != nil {
		if errors.Is(err, settle.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown receipt %s", id))
			return
		}
		s.log.Error("receipt lookup failed", "receipt", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "receipt lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, toReceiptResponse(receipt))
}

type balanceResponse struct {
	UserID string `json:"user_id"`
	Units  uint64 `json:"units"`
	Tokens string `json:"tokens"`
	Streak int    `json:"streak"`
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	balance, err := s.ledger.GetBalance(r.Context(), id)
	if err != nil {
		s.log.Error("balance lookup failed", "user", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "balance lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, balanceResponse{
		UserID: balance.UserID,
		Units:  balance.Units,
		Tokens: formatTokens(balance.Units),
		Streak: balance.Streak,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func toReceiptResponse(r *settle.Receipt) receiptResponse {
	return receiptResponse{
		ReceiptID:   r.ID,
		UserID:      r.UserID,
		Category:    r.Category,
		AmountCents: r.AmountCents,
		Confidence:  r.Confidence,
		Status:      PublicStatus(r.Status),
		CreatedAt:   r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// PublicStatus maps internal receipt statuses to the user-facing surface.
// Manual review is just "pending" to the user, and a partial distribution
// never reads as success.
func PublicStatus(s settle.ReceiptStatus) string {
	switch s {
	case settle.ReceiptSubmitted, settle.ReceiptPendingManualReview:
		return "pending"
	case settle.ReceiptAutoApproved, settle.ReceiptManualApproved, settle.ReceiptDistributionPending:
		return "processing"
	case settle.ReceiptDistributionPartial:
		return "processing"
	case settle.ReceiptDistributionComplete:
		return "complete"
	case settle.ReceiptManualRejected:
		return "rejected"
	case settle.ReceiptDistributionFailed:
		return "failed"
	}
	return string(s)
}

func formatTokens(units uint64) string {
	return fmt.Sprintf("%d.%06d", units/settle.UnitsPerToken, units%settle.UnitsPerToken)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
