// Package metrics provides Prometheus collectors for the worker supervisor.
// It records init attempts, step latency and outcome, late replies, worker
// liveness and which termination tier stopped a worker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Step outcomes used as label values.
const (
	OutcomeOK           = "ok"
	OutcomeActionError  = "action_error"
	OutcomeTimeout      = "timeout"
	OutcomeShuttingDown = "shutting_down"
	OutcomeClosed       = "closed"
	OutcomeError        = "error"
)

// Collector provides supervisor metrics collection.
type Collector struct {
	registry *prometheus.Registry

	initAttempts *prometheus.CounterVec
	initLatency  prometheus.Histogram
	steps        *prometheus.CounterVec
	stepLatency  *prometheus.HistogramVec
	lateReplies  prometheus.Counter
	terminations *prometheus.CounterVec
	workerUp     prometheus.Gauge
	workerRSS    prometheus.Gauge
	workerProcs  prometheus.Gauge
}

// NewCollector creates a collector with its own registry. The registry also
// carries the Go and process collectors.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "browserd"
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),

		initAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "init_attempts_total",
				Help:      "Worker spawn and liveness attempts.",
			},
			[]string{"status"},
		),
		initLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "init_duration_seconds",
				Help:      "Time from the first spawn attempt until the worker answered or init gave up.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
			},
		),
		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "supervisor",
				Name:      "steps_total",
				Help:      "Step calls by outcome.",
			},
			[]string{"outcome"},
		),
		stepLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "supervisor",
				Name:      "step_duration_seconds",
				Help:      "Duration of step calls.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
			},
			[]string{"outcome"},
		),
		lateReplies: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "supervisor",
				Name:      "late_replies_total",
				Help:      "Replies that arrived after their caller gave up.",
			},
		),
		terminations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "terminations_total",
				Help:      "Worker shutdowns by the tier that stopped the process.",
			},
			[]string{"tier"},
		),
		workerUp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "up",
				Help:      "1 while a worker process is alive.",
			},
		),
		workerRSS: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "resident_memory_bytes",
				Help:      "Resident memory of the worker and its browser processes at the last usage probe.",
			},
		),
		workerProcs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "processes",
				Help:      "Processes in the worker tree at the last usage probe.",
			},
		),
	}

	c.registry.MustRegister(
		c.initAttempts,
		c.initLatency,
		c.steps,
		c.stepLatency,
		c.lateReplies,
		c.terminations,
		c.workerUp,
		c.workerRSS,
		c.workerProcs,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler exposing the registered metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordInitAttempt counts one spawn-and-probe attempt.
func (c *Collector) RecordInitAttempt(err error) {
	c.initAttempts.WithLabelValues(statusLabel(err)).Inc()
}

// RecordInit records the total time Init took.
func (c *Collector) RecordInit(duration time.Duration, err error) {
	c.initLatency.Observe(duration.Seconds())
}

// RecordStep records one step call.
func (c *Collector) RecordStep(duration time.Duration, outcome string) {
	c.steps.WithLabelValues(outcome).Inc()
	c.stepLatency.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordLateReply counts a reply that no caller was waiting for.
func (c *Collector) RecordLateReply() {
	c.lateReplies.Inc()
}

// RecordTermination counts a worker stop by tier.
func (c *Collector) RecordTermination(tier string) {
	c.terminations.WithLabelValues(tier).Inc()
}

// RecordWorkerUp sets the liveness gauge.
func (c *Collector) RecordWorkerUp(up bool) {
	if up {
		c.workerUp.Set(1)
		return
	}
	c.workerUp.Set(0)
}

// RecordWorkerUsage sets the worker resource gauges.
func (c *Collector) RecordWorkerUsage(rssBytes uint64, processes int) {
	c.workerRSS.Set(float64(rssBytes))
	c.workerProcs.Set(float64(processes))
}

func statusLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// NoOpCollector discards every measurement.
type NoOpCollector struct{}

// NewNoOpCollector creates a collector that records nothing.
func NewNoOpCollector() *NoOpCollector {
	return &NoOpCollector{}
}

func (*NoOpCollector) RecordInitAttempt(err error)                       {}
func (*NoOpCollector) RecordInit(duration time.Duration, err error)      {}
func (*NoOpCollector) RecordStep(duration time.Duration, outcome string) {}
func (*NoOpCollector) RecordLateReply()                                  {}
func (*NoOpCollector) RecordTermination(tier string)                     {}
func (*NoOpCollector) RecordWorkerUp(up bool)                            {}
func (*NoOpCollector) RecordWorkerUsage(rssBytes uint64, processes int)  {}
