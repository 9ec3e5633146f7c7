package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	upstreamRequestsTotal *prometheus.CounterVec
	upstreamDuration      *prometheus.HistogramVec
	accountRequestsTotal  *prometheus.CounterVec
	jobEventsTotal        *prometheus.CounterVec
	jobsPending           prometheus.Gauge
	jobsStored            prometheus.Gauge
	chunksProduced        prometheus.Counter
	chunkFallbacks        prometheus.Counter
	validationChecks      *prometheus.CounterVec
	modelSubstitutions    prometheus.Counter
	usageWrites           *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audiorelay_http_requests_total",
				Help: "Total number of HTTP requests handled.",
			},
			[]string{"route", "method", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "audiorelay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
		upstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audiorelay_upstream_requests_total",
				Help: "Total upstream OpenAI-compatible API requests.",
			},
			[]string{"endpoint", "status"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "audiorelay_upstream_request_duration_seconds",
				Help:    "Upstream request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "status"},
		),
		accountRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audiorelay_account_requests_total",
				Help: "Total requests to the account/usage service.",
			},
			[]string{"endpoint", "status"},
		),
		jobEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audiorelay_job_events_total",
				Help: "Job lifecycle events by type.",
			},
			[]string{"event"},
		),
		jobsPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "audiorelay_jobs_pending",
				Help: "Jobs waiting for a worker.",
			},
		),
		jobsStored: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "audiorelay_jobs_stored",
				Help: "Jobs currently held in the status store.",
			},
		),
		chunksProduced: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audiorelay_chunks_produced_total",
				Help: "Audio chunks written by the chunker.",
			},
		),
		chunkFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audiorelay_chunk_fallback_total",
				Help: "Chunking runs that used byte-partition fallback mode.",
			},
		),
		validationChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audiorelay_validation_checks_total",
				Help: "Bounded validation checks by kind and outcome.",
			},
			[]string{"check", "outcome"},
		),
		modelSubstitutions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audiorelay_model_substitutions_total",
				Help: "Requests redirected to a more capable model for size.",
			},
		),
		usageWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audiorelay_usage_writes_total",
				Help: "Usage recorder outcomes.",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.upstreamRequestsTotal,
		m.upstreamDuration,
		m.accountRequestsTotal,
		m.jobEventsTotal,
		m.jobsPending,
		m.jobsStored,
		m.chunksProduced,
		m.chunkFallbacks,
		m.validationChecks,
		m.modelSubstitutions,
		m.usageWrites,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "UNKNOWN"
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(route, method, statusLabel).Inc()
	m.httpRequestDuration.WithLabelValues(route, method, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) ObserveUpstream(endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	statusLabel := strconv.Itoa(status)
	m.upstreamRequestsTotal.WithLabelValues(endpoint, statusLabel).Inc()
	m.upstreamDuration.WithLabelValues(endpoint, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) ObserveAccount(endpoint string, status int, _ time.Duration) {
	if m == nil {
		return
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	m.accountRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

func (m *Metrics) ObserveJob(event string, pending, stored int) {
	if m == nil {
		return
	}
	m.jobEventsTotal.WithLabelValues(event).Inc()
	m.jobsPending.Set(float64(pending))
	m.jobsStored.Set(float64(stored))
}

func (m *Metrics) ObserveChunking(chunkCount int, ffmpegAvailable bool) {
	if m == nil {
		return
	}
	m.chunksProduced.Add(float64(chunkCount))
	if !ffmpegAvailable {
		m.chunkFallbacks.Inc()
	}
}

func (m *Metrics) ObserveValidation(check string, timedOut bool) {
	if m == nil {
		return
	}
	outcome := "completed"
	if timedOut {
		outcome = "timeout_fallback"
	}
	m.validationChecks.WithLabelValues(check, outcome).Inc()
}

func (m *Metrics) IncModelSubstitution() {
	if m == nil {
		return
	}
	m.modelSubstitutions.Inc()
}

func (m *Metrics) ObserveUsageWrite(outcome string) {
	if m == nil {
		return
	}
	m.usageWrites.WithLabelValues(outcome).Inc()
}
