// Package classifier asks a vision model to read a receipt image and
// report the purchase category with a confidence score. The call is best
// effort: any failure surfaces as settle.ErrClassifierUnavailable and the
// caller falls back to manual review.
package classifier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/getsentry/sentry-go"

	"github.com/the-recircle-app/recircle/internal/metrics"
	"github.com/the-recircle-app/recircle/internal/settle"
)

const (
	DefaultModel     = anthropic.ModelClaudeSonnet4_5
	DefaultMaxTokens = 1024
	DefaultTimeout   = 30 * time.Second
)

const systemPrompt = `You classify receipts for a sustainable-transportation
rewards program. Given a receipt image, identify the purchase category and
how confident you are that the receipt is genuine and matches the category.

Categories: ride_share, public_transit, electric_vehicle, ev_rental, ebike.
Use "other" if none fit.

Respond with ONLY a JSON object, no prose and no code fences:
{"category": "<category>", "confidence": <0.0 to 1.0>, "amount_cents": <integer, 0 if unreadable>}`

// Result is the model's verdict on a receipt image.
type Result struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`

	// ExtractedAmountCents is the total the model read off the image, in
	// USD cents. Zero when the amount is unreadable.
	ExtractedAmountCents int64 `json:"amount_cents"`
}

// Classifier wraps the Anthropic Messages API for receipt images.
type Classifier struct {
	log       *slog.Logger
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	timeout   time.Duration
}

type Config struct {
	Logger    *slog.Logger
	Model     anthropic.Model
	MaxTokens int64
	Timeout   time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return nil
}

// New builds a classifier using ANTHROPIC_API_KEY from the environment.
func New(cfg Config) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{
		log:       cfg.Logger,
		client:    anthropic.NewClient(),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
	}, nil
}

// Classify sends the receipt image to the model and parses its verdict.
func (c *Classifier) Classify(ctx context.Context, image []byte, claimedCategory string, amountCents int64) (*Result, error) {
	mediaType, err := imageMediaType(image)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", settle.ErrClassifierUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	span := sentry.StartSpan(ctx, "gen_ai.chat", sentry.WithDescription(fmt.Sprintf("classify %s", c.model)))
	span.SetData("gen_ai.request.model", string(c.model))
	span.SetData("gen_ai.system", "anthropic")
	ctx = span.Context()
	defer span.Finish()

	userPrompt := fmt.Sprintf("Claimed category: %s. Claimed amount: $%d.%02d.",
		claimedCategory, amountCents/100, amountCents%100)

	start := time.Now()
	c.log.Info("classifier: request starting", "model", c.model, "imageBytes", len(image), "claimedCategory", claimedCategory)

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Type: "text", Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(image)),
				anthropic.NewTextBlock(userPrompt),
			),
		},
	})

	duration := time.Since(start)
	if err != nil {
		c.log.Error("classifier: request failed", "duration", duration, "error", err)
		metrics.RecordClassifierRequest(duration, err)
		span.Status = sentry.SpanStatusInternalError
		return nil, fmt.Errorf("%w: %w", settle.ErrClassifierUnavailable, err)
	}

	c.log.Info("classifier: request completed",
		"duration", duration,
		"stopReason", msg.StopReason,
		"inputTokens", msg.Usage.InputTokens,
		"outputTokens", msg.Usage.OutputTokens,
	)
	metrics.RecordClassifierRequest(duration, nil)
	span.SetData("gen_ai.usage.input_tokens", msg.Usage.InputTokens)
	span.SetData("gen_ai.usage.output_tokens", msg.Usage.OutputTokens)
	span.Status = sentry.SpanStatusOK

	for _, block := range msg.Content {
		if block.Type == "text" {
			return ParseResult(block.Text)
		}
	}
	return nil, fmt.Errorf("%w: no text content in response", settle.ErrClassifierUnavailable)
}

// ParseResult validates the model's JSON verdict. The contract is strict:
// a single JSON object with a known shape and a confidence in [0,1].
func ParseResult(text string) (*Result, error) {
	cleaned := strings.TrimSpace(text)
	// Models occasionally fence the object despite instructions.
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var res Result
	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&res); err != nil {
		return nil, fmt.Errorf("%w: malformed verdict %q: %w", settle.ErrClassifierUnavailable, truncate(text, 120), err)
	}
	if res.Category == "" {
		return nil, fmt.Errorf("%w: verdict missing category", settle.ErrClassifierUnavailable)
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v out of range", settle.ErrClassifierUnavailable, res.Confidence)
	}
	if res.ExtractedAmountCents < 0 {
		return nil, fmt.Errorf("%w: negative extracted amount %d", settle.ErrClassifierUnavailable, res.ExtractedAmountCents)
	}
	return &res, nil
}

var supportedMediaTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

func imageMediaType(image []byte) (string, error) {
	if len(image) == 0 {
		return "", errors.New("empty image")
	}
	mediaType := http.DetectContentType(image)
	if !supportedMediaTypes[mediaType] {
		return "", fmt.Errorf("unsupported image media type %s", mediaType)
	}
	return mediaType, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
