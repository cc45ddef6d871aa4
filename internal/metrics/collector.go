// Package metrics provides internal Prometheus metrics for workflow
// execution. This package is internal and should not be imported by
// external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates engine metrics.
type Collector struct {
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	stepRetries  prometheus.Counter
	runningSteps prometheus.Gauge

	approvalsTotal       *prometheus.CounterVec
	externalWaitTimeouts prometheus.Counter
	compensationsTotal   *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the engine metrics on the given registerer. A nil
// registerer falls back to the default Prometheus registry; a nil logger is
// replaced with a no-op logger.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Total number of workflow runs by outcome",
		},
		[]string{"workflow_id", "outcome"},
	)
	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"workflow_id"},
	)

	c.stepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of settled steps by terminal status",
		},
		[]string{"status"},
	)
	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"step_type"},
	)
	c.stepRetries = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Total number of step retry attempts",
		},
	)
	c.runningSteps = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_steps",
			Help:      "Number of steps currently running",
		},
	)

	c.approvalsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Total number of approval gate decisions",
		},
		[]string{"decision"},
	)
	c.externalWaitTimeouts = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_wait_timeouts_total",
			Help:      "Total number of external waits failed by timeout",
		},
	)
	c.compensationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensation_actions_total",
			Help:      "Total number of executed compensation actions by outcome",
		},
		[]string{"outcome"},
	)

	return c
}

// ObserveRun records one finished workflow run.
func (c *Collector) ObserveRun(workflowID, outcome string, duration time.Duration) {
	c.runsTotal.WithLabelValues(workflowID, outcome).Inc()
	c.runDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
}

// ObserveStep records one settled step.
func (c *Collector) ObserveStep(stepType, status string, duration time.Duration) {
	c.stepsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		c.stepDuration.WithLabelValues(stepType).Observe(duration.Seconds())
	}
}

// AddRetries adds to the retry counter.
func (c *Collector) AddRetries(n int) {
	if n > 0 {
		c.stepRetries.Add(float64(n))
	}
}

// StepStarted and StepSettled track the running-steps gauge.
func (c *Collector) StepStarted() { c.runningSteps.Inc() }
func (c *Collector) StepSettled() { c.runningSteps.Dec() }

// ObserveApproval records an approval gate decision, "approved" or
// "rejected".
func (c *Collector) ObserveApproval(decision string) {
	c.approvalsTotal.WithLabelValues(decision).Inc()
}

// AddWaitTimeouts records external waits failed by the timeout sweep.
func (c *Collector) AddWaitTimeouts(n int) {
	if n > 0 {
		c.externalWaitTimeouts.Add(float64(n))
	}
}

// ObserveCompensation records one executed compensation action.
func (c *Collector) ObserveCompensation(succeeded bool) {
	outcome := "success"
	if !succeeded {
		outcome = "failure"
	}
	c.compensationsTotal.WithLabelValues(outcome).Inc()
}
