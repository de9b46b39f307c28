package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "recircle_settlement_build_info",
			Help: "Build information of the ReCircle settlement service",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recircle_settlement_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recircle_settlement_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	ReceiptsRoutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recircle_settlement_receipts_routed_total",
			Help: "Total receipts routed by the confidence router",
		},
		[]string{"decision"}, // "auto_approve", "manual_review"
	)

	ClassifierRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recircle_settlement_classifier_requests_total",
			Help: "Total receipt classifier requests",
		},
		[]string{"status"}, // "success", "error"
	)

	ClassifierRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recircle_settlement_classifier_request_duration_seconds",
			Help:    "Duration of receipt classifier requests in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
		},
	)

	DistributionLegsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recircle_settlement_distribution_legs_total",
			Help: "Total distribution leg submissions by outcome",
		},
		[]string{"leg", "outcome"}, // outcome: "submitted", "failed"
	)

	ConfirmationPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recircle_settlement_confirmation_polls_total",
			Help: "Total confirmation poll observations by result",
		},
		[]string{"result"}, // "confirmed", "reverted", "pending", "timeout", "error"
	)

	DistributionsSettledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recircle_settlement_distributions_settled_total",
			Help: "Total distributions reaching a terminal receipt status",
		},
		[]string{"status"}, // "distribution_complete", "distribution_partial", "distribution_failed"
	)

	ReviewCallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recircle_settlement_review_callbacks_total",
			Help: "Total inbound manual-review webhook callbacks",
		},
		[]string{"result"}, // "approved", "rejected", "duplicate", "malformed", "unknown_receipt"
	)

	ReviewNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recircle_settlement_review_notifications_total",
			Help: "Total outbound manual-review notifications",
		},
		[]string{"status"}, // "success", "error"
	)

	InvariantViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recircle_settlement_invariant_violations_total",
			Help: "Total rejected ledger state-machine transitions (logic bugs)",
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise the raw path.
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordClassifierRequest records metrics for one classifier call.
func RecordClassifierRequest(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	ClassifierRequestsTotal.WithLabelValues(status).Inc()
	ClassifierRequestDuration.Observe(duration.Seconds())
}
