// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesSent counts gateway-accepted messages per channel.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_messages_sent_total",
		Help: "Messages accepted by a channel gateway.",
	}, []string{"channel"})

	// MessagesDelivered counts webhook-confirmed deliveries per channel.
	MessagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_messages_delivered_total",
		Help: "Messages confirmed delivered by the provider.",
	}, []string{"channel"})

	// MessagesFailed counts terminal per-recipient failures.
	MessagesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_messages_failed_total",
		Help: "Messages that exhausted retries or failed permanently.",
	}, []string{"channel", "reason"})

	// RateLimitDeferrals counts sends pushed back by an exhausted window.
	RateLimitDeferrals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_rate_limit_deferrals_total",
		Help: "Dispatch attempts deferred because a rate window was full.",
	}, []string{"channel"})

	// BroadcastsCompleted counts broadcasts reaching a terminal state.
	BroadcastsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcasts_completed_total",
		Help: "Broadcasts that reached a terminal state.",
	}, []string{"state"})

	// RulesFired counts automation rule firings.
	RulesFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_rules_fired_total",
		Help: "Automation rules that materialized a broadcast.",
	}, []string{"rule_type"})

	// DispatchDuration observes per-message dispatch latency.
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broadcast_dispatch_duration_seconds",
		Help:    "Time from claim to gateway response for one message.",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
