// Package metrics holds the Prometheus collectors of the client core.
//
// All methods are safe on a nil *Metrics so components can run unobserved.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for clubhub.
type Metrics struct {
	// Request pipeline
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Retries         *prometheus.CounterVec

	// Token lifecycle
	Refreshes *prometheus.CounterVec
	Teardowns *prometheus.CounterVec

	// Membership state machine
	MembershipTransitions *prometheus.CounterVec

	// Notifications
	Dispatches   *prometheus.CounterVec
	FeedMessages *prometheus.CounterVec
	Unread       prometheus.Gauge
}

// NewMetrics creates a Metrics instance registered on registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clubhub_requests_total",
				Help: "Outbound API requests by endpoint class and outcome",
			},
			[]string{"endpoint", "outcome", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clubhub_request_duration_seconds",
				Help:    "Outbound API request latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"endpoint"},
		),
		Retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clubhub_request_retries_total",
				Help: "Requests resent after a successful token refresh",
			},
			[]string{"endpoint"},
		),

		Refreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clubhub_token_refreshes_total",
				Help: "Token refresh attempts by mode and result",
			},
			[]string{"mode", "result"},
		),
		Teardowns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clubhub_session_teardowns_total",
				Help: "Session teardowns by reason",
			},
			[]string{"reason"},
		),

		MembershipTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clubhub_membership_transitions_total",
				Help: "Membership operations by operation and result",
			},
			[]string{"op", "result"},
		),

		Dispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clubhub_notification_dispatches_total",
				Help: "Notification dispatches by delivery channel and remote result",
			},
			[]string{"channel", "result"},
		),
		FeedMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clubhub_feed_messages_total",
				Help: "Realtime feed envelopes by type",
			},
			[]string{"type"},
		),
		Unread: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "clubhub_notifications_unread",
				Help: "Unread notifications in the last loaded set",
			},
		),
	}
}

// ObserveRequest records one pipeline send.
func (m *Metrics) ObserveRequest(endpoint, outcome string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(endpoint, outcome, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(took.Seconds())
}

// ObserveRetry records a resend after refresh.
func (m *Metrics) ObserveRetry(endpoint string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(endpoint).Inc()
}

// ObserveRefresh records a refresh attempt.
func (m *Metrics) ObserveRefresh(mode, result string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(mode, result).Inc()
}

// ObserveTeardown records a session teardown.
func (m *Metrics) ObserveTeardown(reason string) {
	if m == nil {
		return
	}
	m.Teardowns.WithLabelValues(reason).Inc()
}

// ObserveMembership records a membership operation.
func (m *Metrics) ObserveMembership(op string, err error) {
	if m == nil {
		return
	}
	m.MembershipTransitions.WithLabelValues(op, result(err)).Inc()
}

// ObserveDispatch records a notification dispatch.
func (m *Metrics) ObserveDispatch(channel string, err error) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(channel, result(err)).Inc()
}

// ObserveFeed records a realtime envelope.
func (m *Metrics) ObserveFeed(typ string) {
	if m == nil {
		return
	}
	m.FeedMessages.WithLabelValues(typ).Inc()
}

// SetUnread publishes the derived unread count.
func (m *Metrics) SetUnread(n int) {
	if m == nil {
		return
	}
	m.Unread.Set(float64(n))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
