// Package metrics exposes the pool's Prometheus collectors: VM lifecycle
// counters, per-operation latency, lock-wait time, and error-kind counts
// (spec §10.5), refocused from the teacher's per-function invocation
// metrics onto the VM pool orchestrator's operations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the prometheus collectors for the pool.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	vmsCreated prometheus.Counter
	vmsStopped prometheus.Counter
	vmsCrashed prometheus.Counter

	errorsTotal *prometheus.CounterVec

	operationDuration *prometheus.HistogramVec
	lockWaitDuration  prometheus.Histogram

	activeVMs prometheus.Gauge
	vmPool    *prometheus.GaugeVec

	uptime prometheus.GaugeFunc
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics
var startTime = time.Now()

// StartTime reports when the process's metrics subsystem came up.
func StartTime() time.Time { return startTime }

// InitPrometheus registers every collector under namespace.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		vmsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "vms_created_total", Help: "Total VMs created",
		}),
		vmsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "vms_stopped_total", Help: "Total VMs stopped",
		}),
		vmsCrashed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "vms_crashed_total", Help: "Total VMs that crashed unexpectedly",
		}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total", Help: "Total orchestrator errors by kind",
		}, []string{"kind"}),

		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "operation_duration_milliseconds",
			Help: "Duration of orchestrator operations in milliseconds", Buckets: buckets,
		}, []string{"operation"}),

		lockWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "lock_wait_milliseconds",
			Help: "Time spent waiting to acquire the per-VM lock", Buckets: buckets,
		}),

		activeVMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_vms", Help: "Total number of non-deleted VMs in the pool",
		}),

		vmPool: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "vm_pool_size", Help: "Current VM count by lifecycle status",
		}, []string{"status"}),
	}

	pm.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "uptime_seconds", Help: "Time since the pool started",
	}, func() float64 {
		return time.Since(StartTime()).Seconds()
	})

	registry.MustRegister(
		pm.vmsCreated,
		pm.vmsStopped,
		pm.vmsCrashed,
		pm.errorsTotal,
		pm.operationDuration,
		pm.lockWaitDuration,
		pm.activeVMs,
		pm.vmPool,
		pm.uptime,
	)

	promMetrics = pm
}

// RecordVMCreated increments the VM-creation counter.
func RecordVMCreated() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsCreated.Inc()
}

// RecordVMStopped increments the VM-stop counter.
func RecordVMStopped() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsStopped.Inc()
}

// RecordVMCrashed increments the unexpected-crash counter.
func RecordVMCrashed() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsCrashed.Inc()
}

// RecordError increments the error counter for the given vmerr.Kind string.
func RecordError(kind string) {
	if promMetrics == nil || kind == "" {
		return
	}
	promMetrics.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordOperationDuration observes how long one orchestrator operation
// (create/start/pause/resume/stop/delete/...) took, in milliseconds.
func RecordOperationDuration(operation string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.operationDuration.WithLabelValues(operation).Observe(float64(durationMs))
}

// RecordLockWait observes how long a caller waited to acquire the per-VM
// lock before executing its operation.
func RecordLockWait(durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.lockWaitDuration.Observe(float64(durationMs))
}

// SetActiveVMs sets the total number of non-deleted VMs.
func SetActiveVMs(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeVMs.Set(float64(count))
}

// SetVMPoolSize sets the gauge of VM count by lifecycle status string
// (CREATED/RUNNING/PAUSED/STOPPED/DELETED).
func SetVMPoolSize(status string, count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.vmPool.WithLabelValues(status).Set(float64(count))
}

// PrometheusHandler serves the metrics registry over HTTP.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the registry, for tests or custom collectors.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
