// ============================================================================
// ppm Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose pool manager instrumentation for Prometheus
//
// Metric Categories:
//
//   1. Counters - cumulative, monotonically increasing:
//      - ppm_workers_spawned_total
//      - ppm_workers_terminated_total
//      - ppm_envelopes_dispatched_total{channel}
//      - ppm_control_tokens_broadcast_total{token}
//      - ppm_worker_exceptions_total
//
//   2. Gauges - instantaneous values:
//      - ppm_workers_running
//
//   3. Histograms - distribution stats:
//      - ppm_wait_duration_seconds
//
// Use Cases:
//
//   Alerting:
//   - ppm_worker_exceptions_total rate increase -> worker logic is failing
//   - ppm_workers_running flatlining below max_workers -> spawn starvation
//   - ppm_wait_duration_seconds p99 growth -> shutdown is slowing down
//
//   Capacity Planning:
//   - ppm_envelopes_dispatched_total{channel="input"} / time -> throughput
//   - ppm_workers_running / configured max_workers -> utilization
//
// Prometheus Query Examples:
//
//   # Dispatch rate by channel
//   rate(ppm_envelopes_dispatched_total[1m])
//
//   # 95th percentile wait duration
//   histogram_quantile(0.95, ppm_wait_duration_seconds_bucket)
//
// HTTP Endpoint:
//   Exposed via /metrics, scraped by Prometheus in OpenMetrics/text format.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for one pool manager instance.
type Collector struct {
	workersSpawned     prometheus.Counter
	workersTerminated  prometheus.Counter
	workersRunning     prometheus.Gauge
	envelopesDispatched *prometheus.CounterVec
	controlsBroadcast  *prometheus.CounterVec
	exceptionsObserved prometheus.Counter
	waitDuration       prometheus.Histogram
}

// NewCollector builds and registers a fresh Collector against the
// default Prometheus registry.
//
// Returns:
//   - *Collector: a collector with every metric already registered.
func NewCollector() *Collector {
	c := &Collector{
		workersSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ppm_workers_spawned_total",
			Help: "Total number of workers spawned by the pool manager",
		}),
		workersTerminated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ppm_workers_terminated_total",
			Help: "Total number of workers terminated by the pool manager",
		}),
		workersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ppm_workers_running",
			Help: "Current number of running workers",
		}),
		envelopesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ppm_envelopes_dispatched_total",
			Help: "Total number of envelopes dispatched, labeled by destination channel",
		}, []string{"channel"}),
		controlsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ppm_control_tokens_broadcast_total",
			Help: "Total number of control tokens broadcast, labeled by token",
		}, []string{"token"}),
		exceptionsObserved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ppm_worker_exceptions_total",
			Help: "Total number of worker exceptions observed by Wait",
		}),
		waitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ppm_wait_duration_seconds",
			Help:    "Time spent draining workers in Wait",
			Buckets: prometheus.DefBuckets,
		}),
	}

	prometheus.MustRegister(
		c.workersSpawned,
		c.workersTerminated,
		c.workersRunning,
		c.envelopesDispatched,
		c.controlsBroadcast,
		c.exceptionsObserved,
		c.waitDuration,
	)

	return c
}

// RecordWorkerSpawned increments the spawn counter and the running gauge.
func (c *Collector) RecordWorkerSpawned() {
	c.workersSpawned.Inc()
	c.workersRunning.Inc()
}

// RecordWorkerTerminated increments the termination counter and
// decrements the running gauge.
func (c *Collector) RecordWorkerTerminated() {
	c.workersTerminated.Inc()
	c.workersRunning.Dec()
}

// RecordEnvelopeDispatched counts one envelope delivered onto channel
// ("input", "output" or "configuration").
func (c *Collector) RecordEnvelopeDispatched(channel string) {
	c.envelopesDispatched.WithLabelValues(channel).Inc()
}

// RecordControlBroadcast counts one control token ("stop" or "wait")
// pushed out by the manager.
func (c *Collector) RecordControlBroadcast(token string) {
	c.controlsBroadcast.WithLabelValues(token).Inc()
}

// RecordException counts a worker exception observed while draining
// the pool in Wait.
func (c *Collector) RecordException() {
	c.exceptionsObserved.Inc()
}

// ObserveWaitDuration records how long one Wait call took, in seconds.
func (c *Collector) ObserveWaitDuration(seconds float64) {
	c.waitDuration.Observe(seconds)
}

// StartServer serves the registered metrics on /metrics at the given
// port, blocking until the HTTP server exits.
//
// Parameters:
//   - port: the TCP port to listen on.
//
// Returns:
//   - error: the result of http.ListenAndServe; never returns nil
//     while the server is healthy.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
