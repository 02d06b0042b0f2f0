package syncqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPendingDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tally",
		Subsystem: "sync",
		Name:      "pending_mutations",
		Help:      "Number of mutations waiting for remote acknowledgement.",
	})

	metricQueueState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tally",
		Subsystem: "sync",
		Name:      "queue_state",
		Help:      "Current sync queue state (1 for the active state, 0 otherwise).",
	}, []string{"state"})

	metricPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Subsystem: "sync",
		Name:      "pushes_total",
		Help:      "Push attempts by result.",
	}, []string{"result"})

	metricPulls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tally",
		Subsystem: "sync",
		Name:      "pulls_total",
		Help:      "Completed pull cycles.",
	})

	metricDeltasApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tally",
		Subsystem: "sync",
		Name:      "deltas_applied_total",
		Help:      "Remote deltas merged into the ledger.",
	})

	metricDeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tally",
		Subsystem: "sync",
		Name:      "dead_letters_total",
		Help:      "Mutations abandoned after exhausting the retry budget.",
	})

	metricConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Subsystem: "sync",
		Name:      "conflicts_total",
		Help:      "Push conflicts by resolution.",
	}, []string{"resolution"})
)

func setStateMetric(s State) {
	for _, candidate := range []State{StateIdle, StateFlushing, StateOffline, StateConflictPending} {
		v := 0.0
		if candidate == s {
			v = 1.0
		}
		metricQueueState.WithLabelValues(candidate.String()).Set(v)
	}
}
