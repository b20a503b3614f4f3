// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every metric the gateway exports, registered against a
// private registry so multiple instances (as in tests) never collide on
// the default global one.
type Collector struct {
	Registry *prometheus.Registry

	workersTotal  prometheus.Gauge
	workersBusy   prometheus.Gauge
	busyCount     atomic.Int32
	workQueueSize prometheus.Gauge

	transactionsBegun     prometheus.Counter
	transactionsCommitted prometheus.Counter
	transactionsRolledBack prometheus.Counter
	transactionsTimedOut  prometheus.Counter
	transactionDuration   prometheus.Histogram

	statementDuration  *prometheus.HistogramVec
	statementsExecuted atomic.Int64
	errorsTotal        *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a fresh private
// registry. Safe to call multiple times.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		workersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mysqlgw_workers_total",
			Help: "Configured size of the worker pool (conn_pool_capacity).",
		}),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mysqlgw_workers_busy",
			Help: "Number of workers currently holding an open transaction.",
		}),
		workQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mysqlgw_work_queue_depth",
			Help: "Number of non-transactional requests waiting for a free worker.",
		}),
		transactionsBegun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mysqlgw_transactions_begun_total",
			Help: "Total transactions opened.",
		}),
		transactionsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mysqlgw_transactions_committed_total",
			Help: "Total transactions that ended in commit.",
		}),
		transactionsRolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mysqlgw_transactions_rolled_back_total",
			Help: "Total transactions that ended without committing (rollback, failed commit, or lost connection).",
		}),
		transactionsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mysqlgw_transactions_timed_out_total",
			Help: "Total transactions auto-rolled-back by the idle timeout.",
		}),
		transactionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mysqlgw_transaction_duration_seconds",
			Help:    "Duration from begin to commit/rollback/timeout.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		statementDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mysqlgw_statement_duration_seconds",
				Help:    "Duration of a single statement execution, by statement name.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"statement"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlgw_errors_total",
				Help: "Replies sent with a non-success gateway error code, by code.",
			},
			[]string{"code"},
		),
	}

	reg.MustRegister(
		c.workersTotal,
		c.workersBusy,
		c.workQueueSize,
		c.transactionsBegun,
		c.transactionsCommitted,
		c.transactionsRolledBack,
		c.transactionsTimedOut,
		c.transactionDuration,
		c.statementDuration,
		c.errorsTotal,
	)

	return c
}

// SetWorkerPool records the pool's configured size and current busy count.
func (c *Collector) SetWorkerPool(total, busy int) {
	c.workersTotal.Set(float64(total))
	c.workersBusy.Set(float64(busy))
}

// WorkerBusy marks one worker as holding an open transaction.
func (c *Collector) WorkerBusy() {
	c.workersBusy.Inc()
	c.busyCount.Add(1)
}

// WorkerIdle marks one worker as having left its transactional phase.
func (c *Collector) WorkerIdle() {
	c.workersBusy.Dec()
	c.busyCount.Add(-1)
}

// WorkersBusy returns the current number of workers holding an open
// transaction, for surfaces (like internal/opsapi) that want the live
// count without scraping the registry.
func (c *Collector) WorkersBusy() int32 {
	return c.busyCount.Load()
}

// SetWorkQueueDepth records the shared work queue's current length.
func (c *Collector) SetWorkQueueDepth(n int) {
	c.workQueueSize.Set(float64(n))
}

// TransactionBegun increments the opened-transactions counter.
func (c *Collector) TransactionBegun() {
	c.transactionsBegun.Inc()
}

// TransactionEnded records how a transaction ended and its lifetime.
func (c *Collector) TransactionEnded(outcome string, d time.Duration) {
	switch outcome {
	case "commit":
		c.transactionsCommitted.Inc()
	case "rollback":
		c.transactionsRolledBack.Inc()
	case "timeout":
		c.transactionsTimedOut.Inc()
	}
	c.transactionDuration.Observe(d.Seconds())
}

// StatementExecuted observes one statement's execution duration.
func (c *Collector) StatementExecuted(name string, d time.Duration) {
	c.statementDuration.WithLabelValues(name).Observe(d.Seconds())
	c.statementsExecuted.Add(1)
}

// StatementsExecuted returns the running total of statements executed,
// reported by /status alongside the live transaction count.
func (c *Collector) StatementsExecuted() int64 {
	return c.statementsExecuted.Load()
}

// ErrorReplied increments the error counter for a non-success gateway
// code, labeled with its hex form (e.g. "0x22") to match §6's code table.
func (c *Collector) ErrorReplied(code string) {
	c.errorsTotal.WithLabelValues(code).Inc()
}
