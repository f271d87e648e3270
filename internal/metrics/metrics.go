package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nlpkit/internal/pipeline"
)

// Metrics holds the Prometheus collectors for the cache and the dispatcher.
// It implements pipeline.Observer.
type Metrics struct {
	registry *prometheus.Registry

	cacheHits    *prometheus.CounterVec
	cacheMisses  *prometheus.CounterVec
	engineLoads  *prometheus.CounterVec
	loadDuration *prometheus.HistogramVec
	dispatches   *prometheus.CounterVec
	dispatchTime *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nlpkit",
			Subsystem: "pipeline_cache",
			Name:      "hits_total",
			Help:      "Engine lookups served from the cache.",
		}, []string{"pipeline"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nlpkit",
			Subsystem: "pipeline_cache",
			Name:      "misses_total",
			Help:      "Engine lookups that required or joined a construction.",
		}, []string{"pipeline"}),
		engineLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nlpkit",
			Subsystem: "pipeline_cache",
			Name:      "constructions_total",
			Help:      "Engine constructions by outcome.",
		}, []string{"pipeline", "model", "outcome"}),
		loadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nlpkit",
			Subsystem: "pipeline_cache",
			Name:      "construction_seconds",
			Help:      "Time spent constructing engines.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 180},
		}, []string{"pipeline"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nlpkit",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Dispatched requests by task and status.",
		}, []string{"task", "status"}),
		dispatchTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nlpkit",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "End-to-end dispatch latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
	}
	reg.MustRegister(
		m.cacheHits, m.cacheMisses, m.engineLoads, m.loadDuration, m.dispatches, m.dispatchTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) CacheHit(key pipeline.Key) {
	m.cacheHits.WithLabelValues(key.Pipeline).Inc()
}

func (m *Metrics) CacheMiss(key pipeline.Key) {
	m.cacheMisses.WithLabelValues(key.Pipeline).Inc()
}

func (m *Metrics) EngineLoaded(key pipeline.Key, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.engineLoads.WithLabelValues(key.Pipeline, key.Model, outcome).Inc()
	m.loadDuration.WithLabelValues(key.Pipeline).Observe(d.Seconds())
}

func (m *Metrics) Dispatched(task, status string, d time.Duration) {
	m.dispatches.WithLabelValues(task, status).Inc()
	m.dispatchTime.WithLabelValues(task).Observe(d.Seconds())
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
