package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the orchestrator's Prometheus collectors. Each Metrics value
// registers on its own registry so several orchestrators can coexist in
// one process (tests).
type Metrics struct {
	Registry *prometheus.Registry

	received          prometheus.Counter
	duplicates        prometheus.Counter
	decisions         *prometheus.CounterVec
	generationSeconds prometheus.Histogram
	generationFailed  *prometheus.CounterVec
	dispatched        prometheus.Counter
	dispatchFailed    prometheus.Counter
	pacingAborted     prometheus.Counter
	halted            prometheus.Gauge
	activeWorkers     prometheus.Gauge
	pruned            prometheus.Counter
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		received: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "digime",
			Name:      "messages_received_total",
			Help:      "Inbound messages accepted into history.",
		}),
		duplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "digime",
			Name:      "messages_duplicate_total",
			Help:      "Inbound messages ignored because their id was already seen.",
		}),
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "digime",
			Name:      "decisions_total",
			Help:      "Response policy decisions by kind and reason.",
		}, []string{"kind", "reason"}),
		generationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "digime",
			Name:      "generation_seconds",
			Help:      "Wall time of generation calls including retries.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		}),
		generationFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "digime",
			Name:      "generation_failures_total",
			Help:      "Generation failures by error kind.",
		}, []string{"kind"}),
		dispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "digime",
			Name:      "replies_dispatched_total",
			Help:      "Replies handed to the transport.",
		}),
		dispatchFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "digime",
			Name:      "replies_dispatch_failed_total",
			Help:      "Replies the transport refused after all retries.",
		}),
		pacingAborted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "digime",
			Name:      "replies_pacing_aborted_total",
			Help:      "Replies abandoned during pacing because of shutdown.",
		}),
		halted: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "digime",
			Name:      "conversations_halted",
			Help:      "Conversations stopped after a history invariant violation.",
		}),
		activeWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "digime",
			Name:      "conversation_workers",
			Help:      "Running per-conversation workers.",
		}),
		pruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "digime",
			Name:      "conversations_pruned_total",
			Help:      "Conversations dropped from history for inactivity.",
		}),
	}
}

func (m *Metrics) recordPrune(count int) {
	if count > 0 {
		m.pruned.Add(float64(count))
	}
}
