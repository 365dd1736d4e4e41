// Package metrics wraps the Prometheus collectors for the injector and the
// hook engine. Everything is a no-op until Init runs, so library users who
// never opt in pay nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	injectionsTotal  *prometheus.CounterVec
	remoteThreadMs   *prometheus.HistogramVec
	hookOpsTotal     *prometheus.CounterVec
	activeHooks      prometheus.Gauge
	logRecordsTotal  prometheus.Counter
	arenaAllocBytes  prometheus.Gauge
	pluginLoadsTotal *prometheus.CounterVec
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

var m *Metrics

// Init initializes the metrics subsystem.
func Init(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	mm := &Metrics{
		registry: registry,

		injectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "injections_total",
				Help:      "Remote bootstrap invocations by entry point and status",
			},
			[]string{"entry", "status"},
		),

		remoteThreadMs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_thread_duration_ms",
				Help:      "Wall time of remote thread executions in milliseconds",
				Buckets:   defaultBuckets,
			},
			[]string{"entry"},
		),

		hookOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hook_operations_total",
				Help:      "Hook set/remove operations by kind and status",
			},
			[]string{"op", "kind", "status"},
		),

		activeHooks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_hooks",
				Help:      "Detours currently installed across all sites",
			},
		),

		logRecordsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_records_total",
				Help:      "Records drained from the shared log stash",
			},
		),

		arenaAllocBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "arena_allocated_bytes",
				Help:      "Bytes currently allocated in the shared arena",
			},
		),

		pluginLoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_loads_total",
				Help:      "Plugin load/unload operations by status",
			},
			[]string{"op", "status"},
		),
	}

	registry.MustRegister(
		mm.injectionsTotal,
		mm.remoteThreadMs,
		mm.hookOpsTotal,
		mm.activeHooks,
		mm.logRecordsTotal,
		mm.arenaAllocBytes,
		mm.pluginLoadsTotal,
	)
	m = mm
}

// Enabled reports whether Init has run.
func Enabled() bool { return m != nil }

// Handler returns the /metrics handler.
func Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr in a background goroutine.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go srv.ListenAndServe()
	return srv
}

// Injection records one remote bootstrap invocation.
func Injection(entry, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.injectionsTotal.WithLabelValues(entry, status).Inc()
	m.remoteThreadMs.WithLabelValues(entry).Observe(float64(duration.Milliseconds()))
}

// HookOp records one hook set/remove.
func HookOp(op, kind, status string) {
	if m == nil {
		return
	}
	m.hookOpsTotal.WithLabelValues(op, kind, status).Inc()
}

// SetActiveHooks publishes the installed-detour count.
func SetActiveHooks(n int) {
	if m == nil {
		return
	}
	m.activeHooks.Set(float64(n))
}

// LogRecord counts one drained stash record.
func LogRecord() {
	if m == nil {
		return
	}
	m.logRecordsTotal.Inc()
}

// SetArenaAllocated publishes the allocated-byte gauge.
func SetArenaAllocated(n uint64) {
	if m == nil {
		return
	}
	m.arenaAllocBytes.Set(float64(n))
}

// PluginLoad records one plugin load/unload outcome.
func PluginLoad(op, status string) {
	if m == nil {
		return
	}
	m.pluginLoadsTotal.WithLabelValues(op, status).Inc()
}
