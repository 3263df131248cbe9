// Package metrics exposes Prometheus instrumentation for the execution
// plane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flowplane",
		Name:      "runs_started_total",
		Help:      "Runs that entered the running state.",
	})

	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowplane",
		Name:      "runs_finished_total",
		Help:      "Runs that reached a terminal state.",
	}, []string{"state"})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowplane",
		Name:      "active_runs",
		Help:      "Runs currently owned by this coordinator.",
	})

	StepsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowplane",
		Name:      "steps_dispatched_total",
		Help:      "Step attempts published to the work queue.",
	}, []string{"node_type"})

	StepRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flowplane",
		Name:      "step_retries_total",
		Help:      "Step attempts scheduled as retries.",
	})

	StepTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flowplane",
		Name:      "step_timeouts_total",
		Help:      "Step attempts that exceeded their deadline.",
	})

	RateLimitDenials = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flowplane",
		Name:      "rate_limit_denials_total",
		Help:      "Step emissions deferred by admission control.",
	})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
