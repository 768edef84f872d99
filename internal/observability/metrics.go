package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by the control surface and
// the dispatch pipeline.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	digestsSentTotal    prometheus.Counter
	digestsSkippedTotal *prometheus.CounterVec
	digestsFailedTotal  *prometheus.CounterVec

	dispatchRunsTotal   *prometheus.CounterVec
	dispatchRunDuration prometheus.Histogram
	sendDuration        prometheus.Histogram

	ledgerDegradedTotal    *prometheus.CounterVec
	ratelimitFailOpenTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "digest_dispatch",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "digest_dispatch",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		digestsSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "digest_dispatch",
				Name:      "digests_sent_total",
				Help:      "Total number of digests delivered successfully.",
			},
		),
		digestsSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "digest_dispatch",
				Name:      "digests_skipped_total",
				Help:      "Total number of digests skipped, by reason.",
			},
			[]string{"reason"},
		),
		digestsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "digest_dispatch",
				Name:      "digests_failed_total",
				Help:      "Total number of digests that ended in a failure result, by reason.",
			},
			[]string{"reason"},
		),
		dispatchRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "digest_dispatch",
				Name:      "dispatch_runs_total",
				Help:      "Total number of dispatch runs, by outcome.",
			},
			[]string{"outcome"},
		),
		dispatchRunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "digest_dispatch",
				Name:      "dispatch_run_duration_seconds",
				Help:      "Full dispatch run duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		sendDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "digest_dispatch",
				Name:      "send_duration_seconds",
				Help:      "Outbound provider send duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		ledgerDegradedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "digest_dispatch",
				Name:      "ledger_degraded_total",
				Help:      "Total number of degraded ledger operations, by operation.",
			},
			[]string{"operation"},
		),
		ratelimitFailOpenTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "digest_dispatch",
				Name:      "ratelimit_fail_open_total",
				Help:      "Total number of rate limit decisions granted because storage was unavailable.",
			},
			[]string{"endpoint"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.digestsSentTotal,
		m.digestsSkippedTotal,
		m.digestsFailedTotal,
		m.dispatchRunsTotal,
		m.dispatchRunDuration,
		m.sendDuration,
		m.ledgerDegradedTotal,
		m.ratelimitFailOpenTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncDigestSent() {
	if m == nil {
		return
	}
	m.digestsSentTotal.Inc()
}

func (m *Metrics) IncDigestSkipped(reason string) {
	if m == nil {
		return
	}
	m.digestsSkippedTotal.WithLabelValues(normalizeReason(reason)).Inc()
}

func (m *Metrics) IncDigestFailed(reason string) {
	if m == nil {
		return
	}
	m.digestsFailedTotal.WithLabelValues(normalizeReason(reason)).Inc()
}

func (m *Metrics) IncDispatchRun(outcome string) {
	if m == nil {
		return
	}
	m.dispatchRunsTotal.WithLabelValues(normalizeReason(outcome)).Inc()
}

func (m *Metrics) ObserveRunDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.dispatchRunDuration.Observe(nonNegativeSeconds(duration))
}

func (m *Metrics) ObserveSendDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.sendDuration.Observe(nonNegativeSeconds(duration))
}

func (m *Metrics) IncLedgerDegraded(operation string) {
	if m == nil {
		return
	}
	m.ledgerDegradedTotal.WithLabelValues(normalizeReason(operation)).Inc()
}

func (m *Metrics) IncRateLimitFailOpen(endpoint string) {
	if m == nil {
		return
	}
	m.ratelimitFailOpenTotal.WithLabelValues(normalizeReason(endpoint)).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func nonNegativeSeconds(duration time.Duration) float64 {
	seconds := duration.Seconds()
	if seconds < 0 {
		return 0
	}
	return seconds
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeReason(reason string) string {
	normalized := strings.ToLower(strings.TrimSpace(reason))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
