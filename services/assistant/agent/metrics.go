package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vkusvill_bot",
		Subsystem: "agent",
		Name:      "runs_total",
		Help:      "Agent runs started.",
	})

	runErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vkusvill_bot",
		Subsystem: "agent",
		Name:      "run_errors_total",
		Help:      "Agent runs that failed with a provider or transport error.",
	})

	busyRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vkusvill_bot",
		Subsystem: "agent",
		Name:      "busy_rejections_total",
		Help:      "Requests turned away because the user already had a run in flight.",
	})

	streamFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vkusvill_bot",
		Subsystem: "agent",
		Name:      "stream_fallbacks_total",
		Help:      "Display streaming passes that failed and fell back to the final text.",
	})

	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vkusvill_bot",
		Subsystem: "agent",
		Name:      "tokens_total",
		Help:      "Tokens consumed by agent runs.",
	}, []string{"kind"})
)
