// Package metrics exposes Prometheus collectors for the consistency subsystem.
//
// A *Metrics is created once per process with an explicit registerer and
// handed to the components that record into it. Every recorder method is
// safe on a nil receiver so components work unchanged without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fingraph"

// Metrics groups all collectors.
type Metrics struct {
	Transactions      *prometheus.CounterVec
	CommitFailures    *prometheus.CounterVec
	WALAppends        *prometheus.CounterVec
	SyncTasks         *prometheus.CounterVec
	SyncRetries       prometheus.Counter
	SyncQueueDepth    prometheus.Gauge
	PoolAcquires      *prometheus.CounterVec
	PoolExhausted     *prometheus.CounterVec
	DualWrites        *prometheus.CounterVec
	DualWriteDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "transactions_total",
			Help:      "Finished transactions by outcome.",
		}, []string{"outcome"}),
		CommitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "commit_failures_total",
			Help:      "Participant failures after the commit decision.",
		}, []string{"participant"}),
		WALAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "appends_total",
			Help:      "WAL appends by entry type and result.",
		}, []string{"type", "result"}),
		SyncTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "tasks_total",
			Help:      "Replication tasks by terminal status.",
		}, []string{"target", "status"}),
		SyncRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "retries_total",
			Help:      "Replication retries scheduled.",
		}),
		SyncQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "queue_depth",
			Help:      "Tasks waiting in the replication queue.",
		}),
		PoolAcquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "acquires_total",
			Help:      "Successful connection acquisitions.",
		}, []string{"pool"}),
		PoolExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "exhausted_total",
			Help:      "Acquisitions that timed out waiting for a free connection.",
		}, []string{"pool"}),
		DualWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dualwrite",
			Name:      "operations_total",
			Help:      "Dual-write mutations by operation, mode and result.",
		}, []string{"operation", "mode", "result"}),
		DualWriteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dualwrite",
			Name:      "duration_ms",
			Help:      "Dual-write mutation latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"mode"}),
	}

	collectors := []prometheus.Collector{
		m.Transactions, m.CommitFailures, m.WALAppends, m.SyncTasks,
		m.SyncRetries, m.SyncQueueDepth, m.PoolAcquires, m.PoolExhausted,
		m.DualWrites, m.DualWriteDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) TransactionFinished(outcome string) {
	if m == nil {
		return
	}
	m.Transactions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CommitFailed(participant string) {
	if m == nil {
		return
	}
	m.CommitFailures.WithLabelValues(participant).Inc()
}

func (m *Metrics) WALAppended(entryType string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.WALAppends.WithLabelValues(entryType, result).Inc()
}

func (m *Metrics) SyncFinished(target, status string) {
	if m == nil {
		return
	}
	m.SyncTasks.WithLabelValues(target, status).Inc()
}

func (m *Metrics) SyncRetried() {
	if m == nil {
		return
	}
	m.SyncRetries.Inc()
}

func (m *Metrics) SetSyncQueueDepth(n int) {
	if m == nil {
		return
	}
	m.SyncQueueDepth.Set(float64(n))
}

func (m *Metrics) PoolAcquired(pool string) {
	if m == nil {
		return
	}
	m.PoolAcquires.WithLabelValues(pool).Inc()
}

func (m *Metrics) PoolWasExhausted(pool string) {
	if m == nil {
		return
	}
	m.PoolExhausted.WithLabelValues(pool).Inc()
}

func (m *Metrics) DualWrite(operation, mode string, err error, ms float64) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.DualWrites.WithLabelValues(operation, mode, result).Inc()
	m.DualWriteDuration.WithLabelValues(mode).Observe(ms)
}
