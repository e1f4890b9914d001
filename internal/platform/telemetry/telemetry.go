// Package telemetry exposes the service's Prometheus metrics: HTTP traffic,
// submission lifecycle transitions, report generation, blob cleanup and
// access auditing. A nil *Metrics is valid and records nothing, so
// components can be built without metrics in tests and tools.
package telemetry

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oralvis/oralvis/internal/platform/apperr"
)

const namespace = "oralvis"

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Metrics owns a private registry so tests and multiple servers in one
// process never collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	inFlight     prometheus.Gauge
	requestSize  prometheus.Histogram
	responseSize prometheus.Histogram

	transitions    *prometheus.CounterVec
	uploads        *prometheus.CounterVec
	reports        *prometheus.CounterVec
	reportDuration prometheus.Histogram
	blobCleanup    *prometheus.CounterVec
	phiAccess      *prometheus.CounterVec
}

// New registers every collector, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	sizeBuckets := prometheus.ExponentialBuckets(256, 4, 9)

	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   durationBuckets,
		}, []string{"method", "route"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Requests currently being served.",
		}),
		requestSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_size_bytes",
			Help:      "Declared request body sizes.",
			Buckets:   sizeBuckets,
		}),
		responseSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "Response body sizes.",
			Buckets:   sizeBuckets,
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "transitions_total",
			Help:      "Submission status changes by previous and new status.",
		}, []string{"from", "to"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "uploads_total",
			Help:      "Accepted image uploads by content type.",
		}, []string{"content_type"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "report",
			Name:      "generated_total",
			Help:      "Report generation attempts by outcome.",
		}, []string{"outcome"}),
		reportDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "report",
			Name:      "render_duration_seconds",
			Help:      "Time spent rendering report PDFs.",
			Buckets:   durationBuckets,
		}),
		blobCleanup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blob",
			Name:      "cleanup_failures_total",
			Help:      "Blobs that could not be deleted and await the gc sweep.",
		}, []string{"kind"}),
		phiAccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "phi_access_total",
			Help:      "Audited accesses to patient data by resource and action.",
		}, []string{"resource", "action"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.duration, m.inFlight, m.requestSize, m.responseSize,
		m.transitions, m.uploads, m.reports, m.reportDuration,
		m.blobCleanup, m.phiAccess,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		Registry: m.registry,
	}))
}

// Middleware records request counts, latency and sizes labelled by the
// matched route pattern rather than the raw path.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil || c.Path() == "/metrics" {
				return next(c)
			}

			m.inFlight.Inc()
			start := time.Now()
			err := next(c)
			elapsed := time.Since(start).Seconds()
			m.inFlight.Dec()

			req := c.Request()
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				status = statusOf(err)
			}

			m.requests.WithLabelValues(req.Method, route, strconv.Itoa(status)).Inc()
			m.duration.WithLabelValues(req.Method, route).Observe(elapsed)
			if req.ContentLength > 0 {
				m.requestSize.Observe(float64(req.ContentLength))
			}
			if size := c.Response().Size; size > 0 {
				m.responseSize.Observe(float64(size))
			}
			return err
		}
	}
}

func statusOf(err error) int {
	if e, ok := apperr.As(err); ok {
		return e.Kind.HTTPStatus()
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// Transition counts a submission status change.
func (m *Metrics) Transition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// Upload counts an accepted image upload.
func (m *Metrics) Upload(contentType string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(contentType).Inc()
}

// ReportRendered records a render attempt and how long it took.
func (m *Metrics) ReportRendered(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.reportDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.reports.WithLabelValues("render_error").Inc()
	}
}

// ReportStored records a report that was rendered, stored and attached, or
// one that failed after rendering.
func (m *Metrics) ReportStored(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "storage_error"
	}
	m.reports.WithLabelValues(outcome).Inc()
}

// BlobCleanupFailed counts a blob left behind after its submission went
// away.
func (m *Metrics) BlobCleanupFailed(kind string) {
	if m == nil {
		return
	}
	m.blobCleanup.WithLabelValues(kind).Inc()
}

// PHIAccess counts an audited access.
func (m *Metrics) PHIAccess(resource, action string) {
	if m == nil {
		return
	}
	m.phiAccess.WithLabelValues(resource, action).Inc()
}

// PoolStatsFunc reports total, idle and acquired connections.
type PoolStatsFunc func() (total, idle, acquired int32)

// WatchPool exports database pool occupancy, read at scrape time.
func (m *Metrics) WatchPool(driver string, stats PoolStatsFunc) error {
	labels := prometheus.Labels{"driver": driver}
	gauge := func(name, help string, pick func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "db_pool",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, pick)
	}
	for _, c := range []prometheus.Collector{
		gauge("connections", "Open connections.", func() float64 { t, _, _ := stats(); return float64(t) }),
		gauge("idle_connections", "Idle connections.", func() float64 { _, i, _ := stats(); return float64(i) }),
		gauge("acquired_connections", "Connections in use.", func() float64 { _, _, a := stats(); return float64(a) }),
	} {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}
