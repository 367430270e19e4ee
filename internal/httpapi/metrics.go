package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests and multiple handlers never share
// counters. A nil *Metrics records nothing.
type Metrics struct {
	reg *prometheus.Registry

	requests        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	appErrors       *prometheus.CounterVec
	upstream        *prometheus.CounterVec
	sessionsCreated prometheus.Counter
	rateLimited     prometheus.Counter
	poolRefreshes   prometheus.Counter
	poolRefreshedAt prometheus.Gauge
}

// NewMetrics registers the service metrics. poolSize and sessions feed the
// gauges and may be nil.
func NewMetrics(poolSize, sessions func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_proxy_http_requests_total",
			Help: "HTTP requests by ServeMux pattern and status.",
		}, []string{"pattern", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rewrite_proxy_http_request_duration_seconds",
			Help:    "HTTP request latency by ServeMux pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"pattern"}),
		appErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_proxy_app_errors_total",
			Help: "Application errors returned to clients.",
		}, []string{"stage", "code"}),
		upstream: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_proxy_upstream_attempts_total",
			Help: "Upstream fetch attempts by tunnel strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		sessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "rewrite_proxy_sessions_created_total",
			Help: "Sessions created through /api/create-link.",
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "rewrite_proxy_create_link_rate_limited_total",
			Help: "create-link requests rejected by the rate limiter.",
		}),
		poolRefreshes: f.NewCounter(prometheus.CounterOpts{
			Name: "rewrite_proxy_pool_refreshes_total",
			Help: "Successful proxy pool refreshes.",
		}),
		poolRefreshedAt: f.NewGauge(prometheus.GaugeOpts{
			Name: "rewrite_proxy_pool_last_refresh_timestamp_seconds",
			Help: "Unix time of the last successful proxy pool refresh.",
		}),
	}
	if poolSize != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "rewrite_proxy_pool_size",
			Help: "Upstream proxies in the current pool snapshot.",
		}, func() float64 { return float64(poolSize()) })
	}
	if sessions != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "rewrite_proxy_sessions",
			Help: "Stored sessions, expired tombstones included.",
		}, func() float64 { return float64(sessions()) })
	}
	return m
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveUpstream matches fetch.Options.Observe.
func (m *Metrics) ObserveUpstream(strategy, outcome string) {
	if m == nil {
		return
	}
	m.upstream.WithLabelValues(strategy, outcome).Inc()
}

// PoolRefreshed matches pool.Refresher.OnRefresh. The size itself is exported
// by the pool_size gauge.
func (m *Metrics) PoolRefreshed(int) {
	if m == nil {
		return
	}
	m.poolRefreshes.Inc()
	m.poolRefreshedAt.SetToCurrentTime()
}

func (m *Metrics) incRequest(pattern string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	if status == 0 {
		status = http.StatusOK
	}
	if pattern == "" {
		pattern = "(unknown)"
	}
	m.requests.WithLabelValues(pattern, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(pattern).Observe(dur.Seconds())
}

func (m *Metrics) incAppError(stage, code string) {
	if m == nil {
		return
	}
	stage = strings.TrimSpace(stage)
	code = strings.TrimSpace(code)
	if stage == "" {
		stage = "(unknown)"
	}
	if code == "" {
		code = "(unknown)"
	}
	m.appErrors.WithLabelValues(stage, code).Inc()
}

func (m *Metrics) incSessionCreated() {
	if m != nil {
		m.sessionsCreated.Inc()
	}
}

func (m *Metrics) incRateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}
