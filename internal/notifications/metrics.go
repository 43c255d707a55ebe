package notifications

import (
	"context"
	"log/slog"
	"time"

	"github.com/bissquit/booking-notifier/internal/domain"
	"github.com/bissquit/booking-notifier/internal/pkg/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bookingnotifier"

var (
	notificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "processed_total",
			Help:      "Notifications processed by outcome",
		},
		[]string{"priority", "outcome"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "results_total",
			Help:      "Delivery results by channel and status",
		},
		[]string{"channel", "status"},
	)

	deliverySendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "send_duration_seconds",
			Help:      "Time to deliver on one channel, retries included",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel"},
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Transport calls including retries",
		},
		[]string{"channel"},
	)

	deliveryCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "cost_total",
			Help:      "Accumulated cost of paid channels",
		},
		[]string{"channel"},
	)

	channelFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "fallbacks_total",
			Help:      "Channels substituted by the router",
		},
		[]string{"from", "to"},
	)

	deferredQueueFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deferred",
			Name:      "fetched_total",
			Help:      "Deferred notifications fetched for re-evaluation",
		},
	)
)

func recordProcessed(priority domain.Priority, outcome string) {
	notificationsProcessed.WithLabelValues(string(priority), outcome).Inc()
}

func recordSendDuration(channel domain.Channel, d time.Duration) {
	deliverySendDuration.WithLabelValues(string(channel)).Observe(d.Seconds())
}

func recordAttempt(channel domain.Channel) {
	deliveryAttempts.WithLabelValues(string(channel)).Inc()
}

func recordFallback(f Fallback) {
	channelFallbacks.WithLabelValues(string(f.From), string(f.To)).Inc()
}

func recordDeferredFetched(count int) {
	deferredQueueFetched.Add(float64(count))
}

// MetricsSink is the production AnalyticsSink: it exports delivery outcomes as
// Prometheus metrics and logs failures.
type MetricsSink struct{}

// NewMetricsSink creates a Prometheus-backed analytics sink.
func NewMetricsSink() *MetricsSink {
	return &MetricsSink{}
}

// TrackSent records one delivery result.
func (s *MetricsSink) TrackSent(ctx context.Context, n domain.Notification, result domain.DeliveryResult) {
	deliveriesTotal.WithLabelValues(string(result.Channel), string(result.Status)).Inc()

	if result.Status == domain.DeliveryStatusFailed {
		ctxlog.FromContext(ctx).LogAttrs(ctx, slog.LevelWarn, "delivery failed",
			slog.String("notification_id", n.ID),
			slog.String("channel", string(result.Channel)),
			slog.Int("attempts", result.Attempts),
			slog.String("error", result.Error),
		)
	}
}

// TrackCost records spend on a paid channel.
func (s *MetricsSink) TrackCost(_ context.Context, channel domain.Channel, cost float64) {
	deliveryCost.WithLabelValues(string(channel)).Add(cost)
}
