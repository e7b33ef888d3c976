// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector exposes orchestration counters and gauges to Prometheus.
type Collector struct {
	goalsSubmitted   prometheus.Counter
	goalsCompleted   *prometheus.CounterVec
	tasksDispatched  prometheus.Counter
	tasksCompleted   *prometheus.CounterVec
	taskRetries      prometheus.Counter
	leaseExpirations prometheus.Counter
	staleResults     prometheus.Counter

	messagesPublished *prometheus.CounterVec
	messagesAged      prometheus.Counter
	messagesQueued    prometheus.Gauge

	inFlightTasks    prometheus.Gauge
	registeredAgents prometheus.Gauge
	dispatchDuration prometheus.Histogram

	logger *zap.Logger
}

// NewCollector creates a metrics collector registered against reg. A nil
// registerer gets a private registry, which keeps repeated construction in
// tests from tripping duplicate-registration panics.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.goalsSubmitted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "goals_submitted_total",
		Help:      "Total number of goals accepted for decomposition",
	})
	c.goalsCompleted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "goals_completed_total",
		Help:      "Total number of goals reaching a terminal state",
	}, []string{"state"})

	c.tasksDispatched = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_dispatched_total",
		Help:      "Total number of task delegations sent to agents",
	})
	c.tasksCompleted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_completed_total",
		Help:      "Total number of task nodes reaching a terminal state",
	}, []string{"state"})
	c.taskRetries = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_retries_total",
		Help:      "Total number of task requeues after rejection, timeout or lease expiry",
	})
	c.leaseExpirations = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lease_expirations_total",
		Help:      "Total number of leases reclaimed after their deadline passed",
	})
	c.staleResults = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_results_total",
		Help:      "Total number of results discarded for not matching an active lease",
	})

	c.messagesPublished = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_published_total",
		Help:      "Total number of messages accepted by the bus",
	}, []string{"type"})
	c.messagesAged = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_aged_total",
		Help:      "Total number of queued messages promoted by the aging sweep",
	})
	c.messagesQueued = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "messages_queued",
		Help:      "Number of messages currently queued across all recipients",
	})

	c.inFlightTasks = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks_in_flight",
		Help:      "Number of tasks currently dispatched or running",
	})
	c.registeredAgents = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "registered_agents",
		Help:      "Number of agents currently registered",
	})
	c.dispatchDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Time from a node becoming ready to its delegation being published",
		Buckets:   prometheus.DefBuckets,
	})

	return c
}

// RecordGoalSubmitted counts a goal accepted for decomposition.
func (c *Collector) RecordGoalSubmitted() {
	if c == nil {
		return
	}
	c.goalsSubmitted.Inc()
}

// RecordGoalCompleted counts a goal that reached the given terminal state.
func (c *Collector) RecordGoalCompleted(state string) {
	if c == nil {
		return
	}
	c.goalsCompleted.WithLabelValues(state).Inc()
}

// RecordTaskDispatched counts a delegation and observes the ready-to-dispatch
// latency.
func (c *Collector) RecordTaskDispatched(latency time.Duration) {
	if c == nil {
		return
	}
	c.tasksDispatched.Inc()
	c.dispatchDuration.Observe(latency.Seconds())
}

// RecordTaskCompleted counts a task node that reached the given terminal state.
func (c *Collector) RecordTaskCompleted(state string) {
	if c == nil {
		return
	}
	c.tasksCompleted.WithLabelValues(state).Inc()
}

// RecordTaskRetry counts a requeue.
func (c *Collector) RecordTaskRetry() {
	if c == nil {
		return
	}
	c.taskRetries.Inc()
}

// RecordLeaseExpired counts a reclaimed lease.
func (c *Collector) RecordLeaseExpired() {
	if c == nil {
		return
	}
	c.leaseExpirations.Inc()
}

// RecordStaleResult counts a discarded result.
func (c *Collector) RecordStaleResult() {
	if c == nil {
		return
	}
	c.staleResults.Inc()
}

// RecordMessagePublished counts a message accepted by the bus.
func (c *Collector) RecordMessagePublished(msgType string) {
	if c == nil {
		return
	}
	c.messagesPublished.WithLabelValues(msgType).Inc()
}

// RecordMessagesAged counts messages promoted by one aging sweep.
func (c *Collector) RecordMessagesAged(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.messagesAged.Add(float64(n))
}

// SetQueuedMessages publishes the current bus backlog across all recipients.
func (c *Collector) SetQueuedMessages(n int) {
	if c == nil {
		return
	}
	c.messagesQueued.Set(float64(n))
}

// SetInFlight publishes the current dispatched-or-running task count.
func (c *Collector) SetInFlight(n int) {
	if c == nil {
		return
	}
	c.inFlightTasks.Set(float64(n))
}

// SetRegisteredAgents publishes the current registry size.
func (c *Collector) SetRegisteredAgents(n int) {
	if c == nil {
		return
	}
	c.registeredAgents.Set(float64(n))
}
