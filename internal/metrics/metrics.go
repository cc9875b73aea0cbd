// Package metrics exposes the Prometheus surface shared by cmd/scheduler
// and cmd/worker: claimed-task counts, active worker gauges, placement
// outcomes, and dispatch queue depth.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ClaimedTasksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dialplan_claimed_tasks_total",
		Help: "Total tasks claimed by the scheduler loop.",
	})

	ActiveWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dialplan_active_workers",
		Help: "Number of worker pool units currently executing the per-task state machine.",
	})

	PlacementOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dialplan_placement_outcomes_total",
		Help: "Placement outcomes by kind: success, failure, retry, concurrency_deny.",
	}, []string{"outcome"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dialplan_dispatch_queue_depth",
		Help: "Message count per dispatch queue.",
	}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(ClaimedTasksTotal, ActiveWorkers, PlacementOutcomesTotal, QueueDepth)
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Outcome labels recorded against PlacementOutcomesTotal.
const (
	OutcomeSuccess         = "success"
	OutcomeFailure         = "failure"
	OutcomeRetry           = "retry"
	OutcomeConcurrencyDeny = "concurrency_deny"
)
