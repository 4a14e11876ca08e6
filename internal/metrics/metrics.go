// Package metrics wires the scheduler and lifecycle controller's
// observability into Prometheus, generalizing the teacher's single
// workerRestartsCounter into the small set this dispatcher's pool needs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the dispatcher publishes.
type Metrics struct {
	WorkerRestarts     prometheus.Counter
	WorkerSpawns       prometheus.Counter
	SpawnFailures      prometheus.Counter
	PoolSize           prometheus.Gauge
	AcquireWaitSeconds prometheus.Histogram
}

// New registers and returns the dispatcher's metrics under the given app
// name prefix, matching the teacher's *_hss_worker_restarts naming
// convention.
func New(appName string) *Metrics {
	prefix := appName
	if prefix == "" {
		prefix = "compute_geometry"
	}

	return &Metrics{
		WorkerRestarts: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_worker_restarts_total",
			Help: "The total number of worker processes killed to enforce the spawn cap or due to unresponsiveness.",
		}),
		WorkerSpawns: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_worker_spawns_total",
			Help: "The total number of worker subprocesses successfully launched.",
		}),
		SpawnFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_worker_spawn_failures_total",
			Help: "The total number of spawn attempts that failed to become ready in time.",
		}),
		PoolSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_pool_size",
			Help: "The current count of non-Dead workers.",
		}),
		AcquireWaitSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "_acquire_wait_seconds",
			Help:    "Time spent in AcquireWorker before a worker was returned.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// SetPoolSize records the current non-Dead worker count.
func (m *Metrics) SetPoolSize(n int) {
	if m == nil {
		return
	}
	m.PoolSize.Set(float64(n))
}

// ObserveAcquireWait records how long a successful AcquireWorker call
// waited before returning.
func (m *Metrics) ObserveAcquireWait(d time.Duration) {
	if m == nil {
		return
	}
	m.AcquireWaitSeconds.Observe(d.Seconds())
}
