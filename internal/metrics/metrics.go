// Package metrics exposes Prometheus metrics for the broadcast fabric,
// schedulers, pagination queue and registration pipeline.
//
// All Collector methods are safe to call on a nil *Collector, so components
// can run without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "account_sync"

// Collector holds every metric of the service
type Collector struct {
	broadcastPublished *prometheus.CounterVec
	broadcastDropped   *prometheus.CounterVec

	schedulerRuns        *prometheus.CounterVec
	schedulerSkipped     *prometheus.CounterVec
	schedulerRunDuration *prometheus.HistogramVec
	schedulerItemErrors  *prometheus.CounterVec

	paginationDepth prometheus.Gauge
	paginationJobs  *prometheus.CounterVec

	registrationOutcomes *prometheus.CounterVec
	stageDuration        *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// NewCollector creates the metrics and registers them with reg.
// A nil reg uses a fresh registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		broadcastPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_published_total",
			Help:      "Total number of messages published to the broker",
		}, []string{"channel"}),
		broadcastDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Total number of broadcasts dropped before reaching the broker",
		}, []string{"reason"}),
		schedulerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_runs_total",
			Help:      "Total number of scheduler runs",
		}, []string{"service", "outcome"}),
		schedulerSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_skipped_total",
			Help:      "Total number of triggers skipped because a run was in progress",
		}, []string{"service"}),
		schedulerRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_run_duration_seconds",
			Help:      "Scheduler run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"service"}),
		schedulerItemErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_item_errors_total",
			Help:      "Total number of per-item errors inside scheduler runs",
		}, []string{"service"}),
		paginationDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pagination_queue_depth",
			Help:      "Current number of pending pagination jobs",
		}),
		paginationJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pagination_jobs_total",
			Help:      "Total number of pagination jobs by outcome",
		}, []string{"outcome"}),
		registrationOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registration_outcomes_total",
			Help:      "Total number of registration pipeline runs by final status",
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "registration_stage_duration_seconds",
			Help:      "Registration pipeline stage duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage", "status"}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.broadcastPublished,
		c.broadcastDropped,
		c.schedulerRuns,
		c.schedulerSkipped,
		c.schedulerRunDuration,
		c.schedulerItemErrors,
		c.paginationDepth,
		c.paginationJobs,
		c.registrationOutcomes,
		c.stageDuration,
	)

	return c
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// RecordBroadcastPublished counts a message handed to the broker
func (c *Collector) RecordBroadcastPublished(channel string) {
	if c == nil {
		return
	}
	c.broadcastPublished.WithLabelValues(channel).Inc()
}

// RecordBroadcastDropped counts a message that never reached the broker
func (c *Collector) RecordBroadcastDropped(reason string) {
	if c == nil {
		return
	}
	c.broadcastDropped.WithLabelValues(reason).Inc()
}

// RecordRun counts a finished scheduler run and observes its duration
func (c *Collector) RecordRun(service, outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.schedulerRuns.WithLabelValues(service, outcome).Inc()
	c.schedulerRunDuration.WithLabelValues(service).Observe(seconds)
}

// RecordSkipped counts a trigger ignored because a run was in flight
func (c *Collector) RecordSkipped(service string) {
	if c == nil {
		return
	}
	c.schedulerSkipped.WithLabelValues(service).Inc()
}

// RecordItemError counts a per-item failure inside a run
func (c *Collector) RecordItemError(service string) {
	if c == nil {
		return
	}
	c.schedulerItemErrors.WithLabelValues(service).Inc()
}

// SetPaginationDepth sets the pagination queue depth
func (c *Collector) SetPaginationDepth(depth int) {
	if c == nil {
		return
	}
	c.paginationDepth.Set(float64(depth))
}

// RecordPaginationJob counts a pagination job outcome
// (enqueued, duplicate, completed, retried, dropped)
func (c *Collector) RecordPaginationJob(outcome string) {
	if c == nil {
		return
	}
	c.paginationJobs.WithLabelValues(outcome).Inc()
}

// RecordRegistration counts a pipeline outcome
func (c *Collector) RecordRegistration(status string) {
	if c == nil {
		return
	}
	c.registrationOutcomes.WithLabelValues(status).Inc()
}

// ObserveStage records the duration of a finished pipeline stage
func (c *Collector) ObserveStage(stage, status string, seconds float64) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage, status).Observe(seconds)
}
