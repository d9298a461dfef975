// Package metrics exposes scheduler activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	gatherer prometheus.Gatherer

	batchesScheduled    prometheus.Counter
	batchesDisabled     prometheus.Counter
	batchInstsCompleted prometheus.Counter
	jobInstsCreated     prometheus.Counter
	jobInstsReconciled  prometheus.Counter
	processesStarted    prometheus.Counter
	processesCompleted  prometheus.Counter
	processesFailed     prometheus.Counter
	lockContention      *prometheus.CounterVec

	processesRunning prometheus.Gauge
	tickDuration     *prometheus.HistogramVec
}

// NewCollector registers all metrics with reg. Pass a fresh
// prometheus.NewRegistry() to keep instances independent.
func NewCollector(reg *prometheus.Registry) *Collector {
	c := &Collector{
		gatherer: reg,
		batchesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_batches_scheduled_total",
			Help: "Total number of root batch instances created",
		}),
		batchesDisabled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_batches_disabled_total",
			Help: "Total number of batches disabled because of invalid schedule data",
		}),
		batchInstsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_batchinsts_completed_total",
			Help: "Total number of batch instances completed",
		}),
		jobInstsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_jobinsts_created_total",
			Help: "Total number of job instances created",
		}),
		jobInstsReconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_jobinsts_reconciled_total",
			Help: "Total number of stale job instances failed at startup",
		}),
		processesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_processes_started_total",
			Help: "Total number of job runner processes started",
		}),
		processesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_processes_completed_total",
			Help: "Total number of job runner processes that exited successfully",
		}),
		processesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_processes_failed_total",
			Help: "Total number of job runner processes that failed or could not be spawned",
		}),
		lockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_lock_contention_total",
			Help: "Total number of rows skipped because another owner held the lock",
		}, []string{"table"}),
		processesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "monitor_processes_running",
			Help: "Current number of tracked job runner processes",
		}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "monitor_tick_duration_seconds",
			Help:    "Duration of scheduler ticks in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"pass"}),
	}

	reg.MustRegister(
		c.batchesScheduled,
		c.batchesDisabled,
		c.batchInstsCompleted,
		c.jobInstsCreated,
		c.jobInstsReconciled,
		c.processesStarted,
		c.processesCompleted,
		c.processesFailed,
		c.lockContention,
		c.processesRunning,
		c.tickDuration,
	)
	return c
}

func (c *Collector) RecordBatchScheduled() {
	c.batchesScheduled.Inc()
}

func (c *Collector) RecordBatchDisabled() {
	c.batchesDisabled.Inc()
}

func (c *Collector) RecordBatchInstCompleted() {
	c.batchInstsCompleted.Inc()
}

func (c *Collector) RecordJobInstsCreated(n int) {
	c.jobInstsCreated.Add(float64(n))
}

func (c *Collector) RecordJobInstReconciled() {
	c.jobInstsReconciled.Inc()
}

func (c *Collector) RecordProcessStarted() {
	c.processesStarted.Inc()
}

func (c *Collector) RecordProcessCompleted() {
	c.processesCompleted.Inc()
}

func (c *Collector) RecordProcessFailed() {
	c.processesFailed.Inc()
}

// RecordLockContention counts a row skipped in table because it was locked.
func (c *Collector) RecordLockContention(table string) {
	c.lockContention.WithLabelValues(table).Inc()
}

func (c *Collector) SetProcessesRunning(n int) {
	c.processesRunning.Set(float64(n))
}

// ObserveTick records how long a tick took. pass is "full" when the
// scheduling passes ran and "pool" when only process bookkeeping did.
func (c *Collector) ObserveTick(pass string, seconds float64) {
	c.tickDuration.WithLabelValues(pass).Observe(seconds)
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
