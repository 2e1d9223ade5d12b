// Package metrics provides Prometheus metrics for the flow runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TriggersTotal counts Advance calls by trigger kind and final status.
	TriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayflow",
			Subsystem: "engine",
			Name:      "triggers_total",
			Help:      "Total number of triggers processed by final status",
		},
		[]string{"trigger", "status"},
	)

	// AdvanceDuration tracks how long a single Advance call takes.
	AdvanceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relayflow",
			Subsystem: "engine",
			Name:      "advance_duration_seconds",
			Help:      "Advance duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"trigger"},
	)

	// StepsTotal counts node executions by kind and outcome.
	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayflow",
			Subsystem: "engine",
			Name:      "steps_total",
			Help:      "Total number of node executions by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// FailuresTotal counts Fail outcomes by error kind.
	FailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayflow",
			Subsystem: "engine",
			Name:      "failures_total",
			Help:      "Total number of node failures by error kind",
		},
		[]string{"error_kind"},
	)

	// StaleWrites counts persists rejected by the optimistic version check.
	StaleWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relayflow",
			Subsystem: "engine",
			Name:      "stale_writes_total",
			Help:      "Conversation saves rejected because of a version mismatch",
		},
	)

	// MailboxDepth tracks queued triggers waiting for a worker.
	MailboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relayflow",
			Subsystem: "dispatch",
			Name:      "mailbox_depth",
			Help:      "Triggers queued across all conversation mailboxes",
		},
	)

	// ScriptRuns counts sandbox executions by language and result.
	ScriptRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayflow",
			Subsystem: "sandbox",
			Name:      "runs_total",
			Help:      "Script executions by language and result",
		},
		[]string{"language", "result"},
	)

	// CallAttempts counts external call attempts by backend and result.
	CallAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayflow",
			Subsystem: "callx",
			Name:      "attempts_total",
			Help:      "External call attempts by backend and result",
		},
		[]string{"backend", "result"},
	)

	// CallLatency tracks external call attempt latency.
	CallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relayflow",
			Subsystem: "callx",
			Name:      "attempt_duration_seconds",
			Help:      "External call attempt latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"backend"},
	)

	// TimersFired counts timers delivered by the sweeper.
	TimersFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relayflow",
			Subsystem: "timers",
			Name:      "fired_total",
			Help:      "Timers claimed and delivered as TimerExpired triggers",
		},
	)
)
