// Package obs holds the gateway's Prometheus metrics. A Metrics value is
// handed to the supervisor, the proxy and the HTTP layer as their observer.
package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sandbox-hypervisor/internal/sandbox"
)

type Metrics struct {
	registry *prometheus.Registry

	httpInFlight        prometheus.Gauge
	httpRequestDuration *prometheus.HistogramVec
	spawns              *prometheus.CounterVec
	spawnDuration       *prometheus.HistogramVec
	crashes             *prometheus.CounterVec
	reaped              *prometheus.CounterVec
	proxied             *prometheus.CounterVec
	ceremonies          *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hypervisor_http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hypervisor_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hypervisor_sandbox_spawns_total",
			Help: "Sandbox spawn attempts by result.",
		}, []string{"role", "result"}),
		spawnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hypervisor_sandbox_spawn_duration_seconds",
			Help:    "Time from launch to readiness or failure.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"role"}),
		crashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hypervisor_sandbox_crashes_total",
			Help: "Unexpected sandbox exits.",
		}, []string{"role", "poisoned"}),
		reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hypervisor_sandbox_reaped_total",
			Help: "Sandboxes stopped for being idle.",
		}, []string{"role"}),
		proxied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hypervisor_proxy_requests_total",
			Help: "Forwarded requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ceremonies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hypervisor_auth_ceremonies_total",
			Help: "Finished authentication ceremonies by kind and result.",
		}, []string{"kind", "result"}),
	}
	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequestDuration,
		m.spawns,
		m.spawnDuration,
		m.crashes,
		m.reaped,
		m.proxied,
		m.ceremonies,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WatchSandboxes exports a gauge of tracked sandboxes by role and status,
// computed from list at scrape time.
func (m *Metrics) WatchSandboxes(list func() []sandbox.Snapshot) {
	m.registry.MustRegister(&sandboxCollector{list: list})
}

func (m *Metrics) SpawnFinished(role sandbox.Role, result string, took time.Duration) {
	m.spawns.WithLabelValues(string(role), result).Inc()
	m.spawnDuration.WithLabelValues(string(role)).Observe(took.Seconds())
}

func (m *Metrics) Crashed(role sandbox.Role, poisoned bool) {
	m.crashes.WithLabelValues(string(role), strconv.FormatBool(poisoned)).Inc()
}

func (m *Metrics) Reaped(role sandbox.Role) {
	m.reaped.WithLabelValues(string(role)).Inc()
}

func (m *Metrics) Proxied(kind, outcome string) {
	m.proxied.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Ceremony(kind, result string) {
	m.ceremonies.WithLabelValues(kind, result).Inc()
}

// Instrument measures every request. Proxied traffic has no gin route and
// is reported under "proxy" so sandbox paths do not explode cardinality.
func (m *Metrics) Instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "proxy"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.httpRequestDuration.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
	}
}

var sandboxesDesc = prometheus.NewDesc(
	"hypervisor_sandboxes",
	"Tracked sandboxes by role and status.",
	[]string{"role", "status"}, nil,
)

type sandboxCollector struct {
	list func() []sandbox.Snapshot
}

func (c *sandboxCollector) Describe(ch chan<- *prometheus.Desc) { ch <- sandboxesDesc }

func (c *sandboxCollector) Collect(ch chan<- prometheus.Metric) {
	type key struct {
		role   sandbox.Role
		status sandbox.Status
	}
	counts := make(map[key]int)
	for _, s := range c.list() {
		counts[key{s.Role, s.Status}]++
	}
	for k, n := range counts {
		ch <- prometheus.MustNewConstMetric(sandboxesDesc, prometheus.GaugeValue, float64(n), string(k.role), string(k.status))
	}
}
