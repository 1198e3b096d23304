// Package metrics provides a Prometheus metrics registry for the relay.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// relay_inflight_requests
	inFlight prometheus.Gauge

	// relay_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// relay_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// relay_requests_total{provider,status}
	requestsTotal *prometheus.CounterVec

	// relay_latency_ms_total{provider} — sum of latency in ms (derive avg externally)
	latencyTotal *prometheus.CounterVec

	// relay_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// relay_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// relay_failover_events_total{provider,reason}
	failoverEvents *prometheus.CounterVec

	// relay_no_upstream_total{provider}
	noUpstream *prometheus.CounterVec

	// relay_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// relay_account_health{provider,account}
	accountHealth *prometheus.GaugeVec

	// relay_probe_duration_seconds{provider,outcome}
	probeDuration *prometheus.HistogramVec

	// relay_oauth_refresh_total{provider,outcome}
	oauthRefresh *prometheus.CounterVec

	// relay_worker_pool_rejections_total
	poolRejections prometheus.Counter

	// relay_usage_dropped_total
	usageDropped prometheus.CounterFunc

	// relay_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// Options wires external gauges into the registry.
type Options struct {
	// UsageDropped reports the usage recorder's drop counter.
	UsageDropped func() int64
}

func New(opts Options) *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	droppedFn := opts.UsageDropped
	if droppedFn == nil {
		droppedFn = func() int64 { return 0 }
	}

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_inflight_requests",
			Help: "Current number of in-flight proxy requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests handled by the relay",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_requests_total",
				Help: "Total number of proxy requests by provider and status",
			},
			[]string{"provider", "status"},
		),

		latencyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_latency_ms_total",
				Help: "Sum of latency in ms (compute avg externally)",
			},
			[]string{"provider"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_upstream_attempts_total",
				Help: "Total upstream attempts (includes failover retries)",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "outcome"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_failover_events_total",
				Help: "Retries on a different account after a failed attempt",
			},
			[]string{"provider", "reason"},
		),

		noUpstream: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_no_upstream_total",
				Help: "Requests rejected because no usable account existed",
			},
			[]string{"provider"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "direction"},
		),

		accountHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_account_health",
				Help: "Account health from the last probe (1=ok, 0=failing)",
			},
			[]string{"provider", "account"},
		),

		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_probe_duration_seconds",
				Help:    "Health probe duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"provider", "outcome"},
		),

		oauthRefresh: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_oauth_refresh_total",
				Help: "OAuth token refresh attempts by outcome",
			},
			[]string{"provider", "outcome"},
		),

		poolRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_worker_pool_rejections_total",
			Help: "Requests rejected because the worker pool was saturated",
		}),

		usageDropped: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "relay_usage_dropped_total",
			Help: "Usage records dropped due to a full recorder buffer",
		}, func() float64 { return float64(droppedFn()) }),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.latencyTotal,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.failoverEvents,
		r.noUpstream,
		r.tokensTotal,
		r.accountHealth,
		r.probeDuration,
		r.oauthRefresh,
		r.poolRejections,
		r.usageDropped,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics per route pattern.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordRequest records one completed proxy request.
func (r *Registry) RecordRequest(provider string, statusCode int, latencyMs int64) {
	r.requestsTotal.WithLabelValues(provider, strconv.Itoa(statusCode)).Inc()
	r.latencyTotal.WithLabelValues(provider).Add(float64(latencyMs))
}

// ObserveUpstreamAttempt records one upstream attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFailover(provider, reason string) {
	r.failoverEvents.WithLabelValues(provider, reason).Inc()
}

func (r *Registry) RecordNoUpstream(provider string) {
	r.noUpstream.WithLabelValues(provider).Inc()
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int64) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetAccountHealth(provider, account string, ok bool) {
	if ok {
		r.accountHealth.WithLabelValues(provider, account).Set(1)
		return
	}
	r.accountHealth.WithLabelValues(provider, account).Set(0)
}

func (r *Registry) ObserveProbe(provider, outcome string, dur time.Duration) {
	r.probeDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordOAuthRefresh(provider, outcome string) {
	r.oauthRefresh.WithLabelValues(provider, outcome).Inc()
}

func (r *Registry) RecordPoolRejection() { r.poolRejections.Inc() }

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
