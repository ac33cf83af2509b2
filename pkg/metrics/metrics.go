// Package metrics exports task and run statistics in the Prometheus format.
package metrics

import (
	"net/http"

	"github.com/ngld/buildpipe/pkg/buildsys"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector keeps its own registry so several orchestrators (or tests) don't collide
type Collector struct {
	registry *prometheus.Registry
	tasks    *prometheus.CounterVec
	stages   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	runs     *prometheus.CounterVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "buildpipe_task_results_total",
			Help: "Finished tasks by name and final state",
		}, []string{"task", "state"}),
		stages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "buildpipe_stage_runs_total",
			Help: "Started stages by task and stage",
		}, []string{"task", "stage"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "buildpipe_task_duration_seconds",
			Help:    "Time spent executing tasks",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"task"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "buildpipe_runs_total",
			Help: "Invocations by outcome",
		}, []string{"outcome"}),
	}
}

// Observe can be used as buildsys.Options.Observer
func (c *Collector) Observe(evt buildsys.TaskEvent) {
	switch {
	case evt.State.Done():
		c.tasks.WithLabelValues(evt.Task, evt.State.String()).Inc()
	case evt.State == buildsys.StateExecuting && evt.Stage != "":
		c.stages.WithLabelValues(evt.Task, evt.Stage).Inc()
	}
}

// ObserveRun records the durations of the executed tasks and the outcome of the run
func (c *Collector) ObserveRun(result *buildsys.RunResult) {
	if result == nil {
		return
	}

	for _, name := range result.Executed() {
		c.duration.WithLabelValues(name).Observe(result.Get(name).Duration.Seconds())
	}

	outcome := "success"
	if len(result.Failed()) > 0 {
		outcome = "failure"
	}
	c.runs.WithLabelValues(outcome).Inc()
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
