// Package observability collects the prometheus metrics and otel tracing
// used across the exchange and runtime.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesSent counts messages accepted by a transport, by kind.
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "academy_messages_sent_total",
			Help: "Total number of messages sent through an exchange client",
		},
		[]string{"kind"},
	)

	// MessagesReceived counts messages delivered from a mailbox, by kind.
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "academy_messages_received_total",
			Help: "Total number of messages received from a mailbox",
		},
		[]string{"kind"},
	)

	// ActionsTotal counts dispatched actions by name and outcome.
	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "academy_actions_total",
			Help: "Total number of action invocations dispatched by runtimes",
		},
		[]string{"action", "status"},
	)

	// ActionDuration observes action handler latency.
	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "academy_action_duration_seconds",
			Help:    "Action handler execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	// LoopFailures counts background loop failures by loop name.
	LoopFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "academy_loop_failures_total",
			Help: "Total number of background loop failures",
		},
		[]string{"loop"},
	)

	// PendingCalls tracks in-flight request/response correlations.
	PendingCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "academy_pending_calls",
			Help: "Number of requests awaiting a response",
		},
	)
)
