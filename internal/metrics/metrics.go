// Package metrics collects and exposes Prometheus metrics for masqctl.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all masqctl-specific Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	// Daemon metrics, refreshed by the status aggregator.
	DaemonUp          *prometheus.GaugeVec
	DaemonState       prometheus.Gauge
	DaemonCPUPercent  prometheus.Gauge
	DaemonMemoryBytes prometheus.Gauge
	DaemonUptime      prometheus.Gauge
	StatusTickErrors  prometheus.Counter

	// Apply workflow metrics.
	ApplyTotal    *prometheus.CounterVec
	ApplyDuration prometheus.Histogram
	RestartTotal  *prometheus.CounterVec

	// Query log metrics.
	QueryRecords   *prometheus.CounterVec
	QueryMalformed prometheus.Counter
	QueryDropped   prometheus.Counter

	BuildInfo *prometheus.GaugeVec
}

// New creates and registers all masqctl metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,

		DaemonUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "masqctl_daemon_up",
				Help: "1 if the daemon is running, 0 otherwise.",
			},
			[]string{"mode"},
		),

		DaemonState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "masqctl_daemon_state",
				Help: "Current lifecycle state of the daemon (numeric state code).",
			},
		),

		DaemonCPUPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "masqctl_daemon_cpu_percent",
				Help: "CPU usage of the daemon in percent of one core.",
			},
		),

		DaemonMemoryBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "masqctl_daemon_memory_bytes",
				Help: "Resident memory of the daemon in bytes.",
			},
		),

		DaemonUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "masqctl_daemon_uptime_seconds",
				Help: "Uptime of the daemon in seconds.",
			},
		),

		StatusTickErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "masqctl_status_tick_errors_total",
				Help: "Total number of status ticks that could not reach the daemon.",
			},
		),

		ApplyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "masqctl_apply_total",
				Help: "Total number of apply workflows by outcome.",
			},
			[]string{"outcome"},
		),

		ApplyDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "masqctl_apply_duration_seconds",
				Help:    "Duration of apply workflows that reached the daemon.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),

		RestartTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "masqctl_daemon_restart_total",
				Help: "Total number of daemon restarts.",
			},
			[]string{"result"},
		),

		QueryRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "masqctl_query_records_total",
				Help: "Total number of query log records by status.",
			},
			[]string{"status"},
		),

		QueryMalformed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "masqctl_query_malformed_lines_total",
				Help: "Total number of query log lines that could not be parsed.",
			},
		),

		QueryDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "masqctl_query_subscriber_dropped_total",
				Help: "Total number of records dropped for slow log subscribers.",
			},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "masqctl_info",
				Help: "Build information about masqctl.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		c.DaemonUp,
		c.DaemonState,
		c.DaemonCPUPercent,
		c.DaemonMemoryBytes,
		c.DaemonUptime,
		c.StatusTickErrors,
		c.ApplyTotal,
		c.ApplyDuration,
		c.RestartTotal,
		c.QueryRecords,
		c.QueryMalformed,
		c.QueryDropped,
		c.BuildInfo,
	)

	return c
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetBuildInfo sets the constant build info gauge.
func (c *Collector) SetBuildInfo(version, goVersion string) {
	c.BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// SetDaemon updates the daemon gauges from one status tick.
func (c *Collector) SetDaemon(mode string, up bool, stateCode int, cpuPercent float64, memoryBytes uint64, uptimeSeconds float64) {
	v := 0.0
	if up {
		v = 1
	}
	c.DaemonUp.WithLabelValues(mode).Set(v)
	c.DaemonState.Set(float64(stateCode))
	c.DaemonCPUPercent.Set(cpuPercent)
	c.DaemonMemoryBytes.Set(float64(memoryBytes))
	c.DaemonUptime.Set(uptimeSeconds)
}

// IncStatusTickError counts a status tick that failed to reach the daemon.
func (c *Collector) IncStatusTickError() {
	c.StatusTickErrors.Inc()
}

// ObserveApply records the outcome of one apply workflow. A zero duration
// (rejected before touching the daemon) is not observed.
func (c *Collector) ObserveApply(outcome string, seconds float64) {
	c.ApplyTotal.WithLabelValues(outcome).Inc()
	if seconds > 0 {
		c.ApplyDuration.Observe(seconds)
	}
}

// IncRestart counts a daemon restart.
func (c *Collector) IncRestart(ok bool) {
	label := "failed"
	if ok {
		label = "ok"
	}
	c.RestartTotal.WithLabelValues(label).Inc()
}

// IncQueryRecord counts one parsed query log record.
func (c *Collector) IncQueryRecord(status string) {
	c.QueryRecords.WithLabelValues(status).Inc()
}

// IncQueryMalformed counts an unparseable query log line.
func (c *Collector) IncQueryMalformed() {
	c.QueryMalformed.Inc()
}

// AddQueryDropped counts records dropped for slow subscribers.
func (c *Collector) AddQueryDropped(n int) {
	c.QueryDropped.Add(float64(n))
}
