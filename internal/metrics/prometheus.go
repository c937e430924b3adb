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

	// gateway_provider_requests_total{provider,outcome}
	providerRequests *prometheus.CounterVec

	// gateway_provider_failovers_total{model}
	failovers *prometheus.CounterVec

	// gateway_policy_hits_total{policy,action}
	policyHits *prometheus.CounterVec

	// gateway_rejections_total{reason}
	rejections *prometheus.CounterVec

	// gateway_usage_queue_depth
	usageQueueDepth prometheus.Gauge

	// gateway_usage_cost_total{llm}
	usageCost *prometheus.CounterVec

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
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		providerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provider_requests_total",
				Help: "Upstream provider attempts by outcome",
			},
			[]string{"provider", "outcome"},
		),

		failovers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provider_failovers_total",
				Help: "Requests retried on the next pool candidate after a provider failure",
			},
			[]string{"model"},
		),

		policyHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_policy_hits_total",
				Help: "Policy controls that matched request or response content",
			},
			[]string{"policy", "action"},
		),

		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rejections_total",
				Help: "Requests rejected before reaching a provider",
			},
			[]string{"reason"},
		),

		usageQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_usage_queue_depth",
			Help: "Usage records awaiting delivery to the analytics sink",
		}),

		usageCost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_usage_cost_total",
				Help: "Accumulated request cost in dollars",
			},
			[]string{"llm"},
		),

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
		r.providerRequests,
		r.failovers,
		r.policyHits,
		r.rejections,
		r.usageQueueDepth,
		r.usageCost,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordProvider records one upstream attempt.
func (r *Registry) RecordProvider(provider, outcome string) {
	r.providerRequests.WithLabelValues(provider, outcome).Inc()
}

func (r *Registry) RecordFailover(model string) {
	r.failovers.WithLabelValues(model).Inc()
}

func (r *Registry) RecordPolicyHit(policy, action string) {
	r.policyHits.WithLabelValues(policy, action).Inc()
}

func (r *Registry) RecordRejection(reason string) {
	r.rejections.WithLabelValues(reason).Inc()
}

func (r *Registry) SetUsageQueueDepth(n int) {
	r.usageQueueDepth.Set(float64(n))
}

func (r *Registry) AddUsageCost(llm string, dollars float64) {
	if dollars > 0 {
		r.usageCost.WithLabelValues(llm).Add(dollars)
	}
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
