package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "blast_classifier"

type Metrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	inference   prometheus.Histogram
	predictions *prometheus.CounterVec
	cacheLookup *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			}, []string{"path", "method", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			}, []string{"path"},
		),
		inference: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "inference_duration_seconds",
				Help:      "Duration of model forward passes in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		),
		predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "predictions_total",
				Help:      "Successful predictions by class",
			}, []string{"class"},
		),
		cacheLookup: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "cache_lookups_total",
				Help:      "Result cache lookups by outcome",
			}, []string{"result"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.duration,
		m.inference,
		m.predictions,
		m.cacheLookup,
	)

	return m
}

// RegisterPool exposes the session pool counters.
func (m *Metrics) RegisterPool(pool *SessionPool) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pool_sessions_in_use",
			Help:      "Inference sessions currently running a request",
		}, func() float64 { return float64(pool.Stats().InUse) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pool_sessions_live",
			Help:      "Inference sessions currently alive",
		}, func() float64 { return float64(pool.Stats().Live) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pool_acquire_failures_total",
			Help:      "Requests that timed out waiting for a session",
		}, func() float64 { return float64(pool.Stats().AcquireFailures) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pool_wait_seconds_total",
			Help:      "Time spent waiting for sessions",
		}, func() float64 { return pool.Stats().WaitTime.Seconds() }),
	)
}

func (m *Metrics) ObserveRequest(path, method string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(path).Observe(elapsed.Seconds())
}

func (m *Metrics) ObservePrediction(class string, inference time.Duration) {
	m.predictions.WithLabelValues(class).Inc()
	if inference > 0 {
		m.inference.Observe(inference.Seconds())
	}
}

func (m *Metrics) ObserveCache(hit bool) {
	if hit {
		m.cacheLookup.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookup.WithLabelValues("miss").Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
