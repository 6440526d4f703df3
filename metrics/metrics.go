// Package metrics exposes process counters for the health listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TurnsTotal counts finished agent turns by outcome.
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clawgate",
		Name:      "turns_total",
		Help:      "Finished agent turns by outcome.",
	}, []string{"outcome"})

	// MessagesRejected counts admissions refused before enqueueing.
	MessagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clawgate",
		Name:      "messages_rejected_total",
		Help:      "Messages rejected at admission.",
	}, []string{"reason"})

	// TurnDuration observes wall time of agent turns.
	TurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "clawgate",
		Name:      "turn_duration_seconds",
		Help:      "Agent turn duration.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	// AgentCostUSD accumulates reported agent spend.
	AgentCostUSD = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clawgate",
		Name:      "agent_cost_usd_total",
		Help:      "Cumulative agent cost in USD.",
	})

	// ScheduledRuns counts scheduler executions by outcome.
	ScheduledRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clawgate",
		Name:      "scheduled_runs_total",
		Help:      "Scheduled task executions by outcome.",
	}, []string{"outcome"})
)
