// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ConversationsTotal tracks conversations created by find-or-create.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_created_total",
			Help: "Total conversations created",
		},
	)

	// MessagesTotal tracks total messages sent.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages sent",
		},
		[]string{"transport", "message_type"},
	)

	// MessagesReadTotal tracks messages flipped to read.
	MessagesReadTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_read_total",
			Help: "Total messages marked as read",
		},
	)

	// GatewayConnectionsActive tracks live gateway connections.
	GatewayConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_connections_active",
			Help: "Number of active live-channel connections",
		},
	)

	// GatewayRejectedTotal tracks handshakes refused for bad credentials.
	GatewayRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_rejected_total",
			Help: "Live-channel handshakes rejected",
		},
	)

	// GatewayEventsTotal tracks events emitted to rooms.
	GatewayEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_total",
			Help: "Live-channel events emitted to rooms",
		},
		[]string{"event"},
	)

	// GatewayDroppedTotal tracks frames dropped because a client or the hub was saturated.
	GatewayDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_dropped_total",
			Help: "Live-channel frames dropped",
		},
		[]string{"reason"},
	)

	// FanoutPublishErrors tracks failed cross-instance publishes.
	FanoutPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_publish_errors_total",
			Help: "Room events that could not be published to NATS",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordMessage records a sent message.
func RecordMessage(transport, messageType string) {
	MessagesTotal.WithLabelValues(transport, messageType).Inc()
}

// IncrementConnections increments the active gateway connection count.
func IncrementConnections() {
	GatewayConnectionsActive.Inc()
}

// DecrementConnections decrements the active gateway connection count.
func DecrementConnections() {
	GatewayConnectionsActive.Dec()
}
