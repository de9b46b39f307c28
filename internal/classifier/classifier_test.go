package classifier

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/the-recircle-app/recircle/internal/settle"
	"github.com/the-recircle-app/recircle/pkg/logger"
)

func TestRecircle_Classifier_ParseResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		text           string
		wantCategory   string
		wantConfidence float64
		wantErr        bool
	}{
		{
			name:           "plain verdict",
			text:           `{"category": "ride_share", "confidence": 0.92}`,
			wantCategory:   "ride_share",
			wantConfidence: 0.92,
		},
		{
			name:           "fenced verdict still accepted",
			text:           "```json\n{\"category\": \"ebike\", \"confidence\": 0.5}\n```",
			wantCategory:   "ebike",
			wantConfidence: 0.5,
		},
		{
			name:           "surrounding whitespace",
			text:           "  \n{\"category\": \"other\", \"confidence\": 0}\n",
			wantCategory:   "other",
			wantConfidence: 0,
		},
		{
			name:           "verdict with amount",
			text:           `{"category": "ride_share", "confidence": 0.88, "amount_cents": 2599}`,
			wantCategory:   "ride_share",
			wantConfidence: 0.88,
		},
		{name: "prose instead of json", text: "This looks like an Uber receipt.", wantErr: true},
		{name: "negative amount", text: `{"category": "ebike", "confidence": 0.5, "amount_cents": -10}`, wantErr: true},
		{name: "unknown fields rejected", text: `{"category": "ebike", "confidence": 0.5, "mood": "sunny"}`, wantErr: true},
		{name: "missing category", text: `{"confidence": 0.9}`, wantErr: true},
		{name: "confidence above one", text: `{"category": "ebike", "confidence": 1.2}`, wantErr: true},
		{name: "negative confidence", text: `{"category": "ebike", "confidence": -0.1}`, wantErr: true},
		{name: "empty", text: "", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res, err := ParseResult(tc.text)
			if tc.wantErr {
				require.Error(t, err)
				require.True(t, errors.Is(err, settle.ErrClassifierUnavailable),
					"every classifier failure must be recognizable as unavailability")
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.wantCategory, res.Category)
			require.InDelta(t, tc.wantConfidence, res.Confidence, 1e-9)
		})
	}
}

func TestRecircle_Classifier_ImageMediaType(t *testing.T) {
	t.Parallel()

	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}
	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0, 0, 0, 0, 0}

	mt, err := imageMediaType(png)
	require.NoError(t, err)
	require.Equal(t, "image/png", mt)

	mt, err = imageMediaType(jpeg)
	require.NoError(t, err)
	require.Equal(t, "image/jpeg", mt)

	_, err = imageMediaType([]byte("%PDF-1.4 not an image"))
	require.Error(t, err)

	_, err = imageMediaType(nil)
	require.Error(t, err)
}

func TestRecircle_Classifier_ConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	require.Error(t, cfg.Validate(), "logger is mandatory")

	cfg = Config{Logger: logger.New(false)}
	require.NoError(t, cfg.Validate())
	require.Equal(t, DefaultModel, cfg.Model)
	require.Equal(t, int64(DefaultMaxTokens), cfg.MaxTokens)
	require.Equal(t, DefaultTimeout, cfg.Timeout)
}
