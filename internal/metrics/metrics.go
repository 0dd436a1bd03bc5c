package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors registered on the default registry and served at /metrics.
var (
	Answers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quiz",
		Name:      "answers_total",
		Help:      "Answer submissions by outcome and rejection reason.",
	}, []string{"outcome", "reason"})

	Joins = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quiz",
		Name:      "joins_total",
		Help:      "Join attempts by outcome.",
	}, []string{"outcome"})

	LifecycleJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quiz",
		Name:      "lifecycle_jobs_total",
		Help:      "Lifecycle jobs handled by kind and outcome.",
	}, []string{"kind", "outcome"})

	Advances = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quiz",
		Name:      "question_advances_total",
		Help:      "Questions opened after the first.",
	})

	StoreRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quiz",
		Name:      "store_retries_total",
		Help:      "Retried durable store operations.",
	}, []string{"operation"})

	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quiz",
		Name:      "live_sessions",
		Help:      "Live quizzes held in this process.",
	})

	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quiz",
		Name:      "ws_connections",
		Help:      "Open participant websocket connections.",
	})

	BroadcastMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quiz",
		Name:      "broadcast_messages_total",
		Help:      "Messages published to the fan-out backbone by type.",
	}, []string{"type"})
)
