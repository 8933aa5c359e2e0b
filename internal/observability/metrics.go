package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatctl",
			Subsystem: "channel",
			Name:      "messages_sent_total",
			Help:      "Outbound messages by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	inboundEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatctl",
			Subsystem: "channel",
			Name:      "inbound_events_total",
			Help:      "Inbound relay events by dispatch result.",
		},
		[]string{"result"},
	)
	handlerFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chatctl",
			Subsystem: "channel",
			Name:      "handler_failures_total",
			Help:      "Inbound handler errors and panics.",
		},
	)
	reconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatctl",
			Subsystem: "channel",
			Name:      "reconnect_attempts_total",
			Help:      "Session reconnect attempts by outcome.",
		},
		[]string{"outcome"},
	)
	rateLimitWaits = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "chatctl",
			Subsystem: "channel",
			Name:      "rate_limit_wait_seconds",
			Help:      "Time senders spent suspended by the rate limiter.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chatctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			messagesSent,
			inboundEvents,
			handlerFailures,
			reconnectAttempts,
			rateLimitWaits,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordSend(kind, outcome string) {
	RegisterMetrics()
	messagesSent.WithLabelValues(kind, outcome).Inc()
}

func RecordInbound(result string) {
	RegisterMetrics()
	inboundEvents.WithLabelValues(result).Inc()
}

func RecordHandlerFailure() {
	RegisterMetrics()
	handlerFailures.Inc()
}

func RecordReconnect(outcome string) {
	RegisterMetrics()
	reconnectAttempts.WithLabelValues(outcome).Inc()
}

func RecordRateLimitWait(d time.Duration) {
	RegisterMetrics()
	rateLimitWaits.Observe(d.Seconds())
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
