// Package metrics provides a Prometheus metrics registry for the gateway.
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

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// gateway_requests_total{dialect,status}
	requestsTotal *prometheus.CounterVec

	// gateway_request_duration_seconds{route,stream}
	requestDuration *prometheus.HistogramVec

	// gateway_ttft_seconds{model} — time to first streamed fragment
	ttft *prometheus.HistogramVec

	// gateway_upstream_attempts_total{route,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{route,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_upstream_keys{state} — pool size by active/inactive
	poolKeys *prometheus.GaugeVec

	// gateway_key_deactivations_total
	keyDeactivations prometheus.Counter

	// gateway_preset_expansions_total{result}
	presetExpansions *prometheus.CounterVec

	// gateway_rewrite_rules_total{phase,result}
	rewriteRules *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_tokens_total{model,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_errors_total{stage,error_type}
	errorsTotal *prometheus.CounterVec

	// gateway_upstream_health
	upstreamHealth prometheus.Gauge

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of proxied completion requests",
			},
			[]string{"dialect", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end completion request duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route", "stream"},
		),

		ttft: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_ttft_seconds",
				Help:    "Time from dispatch to the first streamed fragment",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
			},
			[]string{"model"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream attempts",
			},
			[]string{"route", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route", "outcome"},
		),

		poolKeys: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_upstream_keys",
				Help: "Upstream key pool size by state",
			},
			[]string{"state"},
		),

		keyDeactivations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_key_deactivations_total",
			Help: "Upstream keys retired from rotation after 401/403",
		}),

		presetExpansions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_preset_expansions_total",
				Help: "Preset expansion outcomes",
			},
			[]string{"result"},
		),

		rewriteRules: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rewrite_rules_total",
				Help: "Rewrite rule applications by phase and result",
			},
			[]string{"phase", "result"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"model", "direction"},
		),

		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_errors_total",
				Help: "Errors by pipeline stage and type",
			},
			[]string{"stage", "error_type"},
		),

		upstreamHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_upstream_health",
			Help: "Upstream reachability (1=ok, 0=degraded)",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.requestsTotal,
		r.requestDuration,
		r.ttft,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.poolKeys,
		r.keyDeactivations,
		r.presetExpansions,
		r.rewriteRules,
		r.rateLimitTotal,
		r.tokensTotal,
		r.errorsTotal,
		r.upstreamHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// RecordRequest records one completion request by client dialect.
func (r *Registry) RecordRequest(dialect string, statusCode int) {
	r.requestsTotal.WithLabelValues(dialect, strconv.Itoa(statusCode)).Inc()
}

// ObserveGatewayRequest records completion latency split by streaming mode.
func (r *Registry) ObserveGatewayRequest(route string, stream bool, dur time.Duration) {
	r.requestDuration.WithLabelValues(route, strconv.FormatBool(stream)).Observe(dur.Seconds())
}

// ObserveTTFT records the dispatch-to-first-fragment latency of a stream.
func (r *Registry) ObserveTTFT(model string, dur time.Duration) {
	r.ttft.WithLabelValues(model).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one upstream attempt.
func (r *Registry) ObserveUpstreamAttempt(route, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(route, outcome).Inc()
	r.upstreamDuration.WithLabelValues(route, outcome).Observe(dur.Seconds())
}

// SetKeyPool publishes the pool size gauges.
func (r *Registry) SetKeyPool(active, total int) {
	r.poolKeys.WithLabelValues("active").Set(float64(active))
	r.poolKeys.WithLabelValues("inactive").Set(float64(total - active))
}

func (r *Registry) RecordKeyDeactivation() {
	r.keyDeactivations.Inc()
}

// RecordPresetExpansion counts expansion outcomes ("applied", "empty",
// "none").
func (r *Registry) RecordPresetExpansion(result string) {
	r.presetExpansions.WithLabelValues(result).Inc()
}

// RecordRewrite counts rule applications; result is "applied" or "skipped",
// phase is "pre" or "post".
func (r *Registry) RecordRewrite(phase, result string) {
	r.rewriteRules.WithLabelValues(phase, result).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AddTokens(model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
	if inputTokens+outputTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "total").Add(float64(inputTokens + outputTokens))
	}
}

func (r *Registry) RecordError(stage, errType string) {
	r.errorsTotal.WithLabelValues(stage, errType).Inc()
}

func (r *Registry) SetUpstreamHealth(ok bool) {
	if ok {
		r.upstreamHealth.Set(1)
		return
	}
	r.upstreamHealth.Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
