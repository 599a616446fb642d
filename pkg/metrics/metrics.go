// Package metrics exposes the engine's Prometheus collectors. A nil
// *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds configuration for the collector.
type Config struct {
	Namespace string
	// Registry defaults to a fresh registry with Go and process collectors.
	Registry *prometheus.Registry
}

// Collector records cache, provider, breaker, extraction and refresh metrics.
type Collector struct {
	registry *prometheus.Registry

	cacheLookups      *prometheus.CounterVec
	providerFetches   *prometheus.CounterVec
	providerLatency   *prometheus.HistogramVec
	breakerState      *prometheus.GaugeVec
	aiExtractions     *prometheus.CounterVec
	aiLatency         *prometheus.HistogramVec
	facetResults      *prometheus.CounterVec
	facetLatency      *prometheus.HistogramVec
	dedupedRequests   *prometheus.CounterVec
	rejectedWrites    prometheus.Counter
	refreshJobs       *prometheus.CounterVec
	refreshQueueDepth prometheus.Gauge
}

// New creates a collector registered on cfg.Registry.
func New(cfg Config) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = "intelcache"
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	f := promauto.With(reg)
	ns := cfg.Namespace
	latency := []float64{.01, .05, .1, .25, .5, 1, 2, 4, 7, 10}

	return &Collector{
		registry: reg,
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "cache_lookups_total",
			Help: "Record lookups by the tier that answered (mirror, durable, miss).",
		}, []string{"tier"}),
		providerFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "provider_fetches_total",
			Help: "Provider fetch attempts by outcome.",
		}, []string{"provider", "facet", "outcome"}),
		providerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "provider_fetch_duration_seconds",
			Help: "Provider fetch latency.", Buckets: latency,
		}, []string{"provider"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"facet", "provider"}),
		aiExtractions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "ai_extractions_total",
			Help: "AI extraction calls by outcome.",
		}, []string{"facet", "outcome"}),
		aiLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "ai_extraction_duration_seconds",
			Help: "AI extraction latency.", Buckets: latency,
		}, []string{"facet"}),
		facetResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "facet_results_total",
			Help: "Facet results served by status.",
		}, []string{"facet", "status"}),
		facetLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "facet_request_duration_seconds",
			Help: "End-to-end facet request latency.", Buckets: latency,
		}, []string{"facet"}),
		dedupedRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "deduplicated_requests_total",
			Help: "Requests served by attaching to an in-flight computation.",
		}, []string{"facet"}),
		rejectedWrites: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "rejected_cache_writes_total",
			Help: "Cache writes rejected because a newer request already wrote the slot.",
		}),
		refreshJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "refresh_jobs_total",
			Help: "Background refresh jobs by outcome.",
		}, []string{"outcome"}),
		refreshQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "refresh_queue_depth",
			Help: "Jobs waiting in the refresh queue.",
		}),
	}
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) CacheLookup(tier string) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(tier).Inc()
}

func (c *Collector) ProviderFetch(provider, facet, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.providerFetches.WithLabelValues(provider, facet, outcome).Inc()
	if d > 0 {
		c.providerLatency.WithLabelValues(provider).Observe(d.Seconds())
	}
}

// BreakerState records a breaker transition; state is 0 closed, 1 half-open, 2 open.
func (c *Collector) BreakerState(facet, provider string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(facet, provider).Set(float64(state))
}

func (c *Collector) AIExtraction(facet, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.aiExtractions.WithLabelValues(facet, outcome).Inc()
	c.aiLatency.WithLabelValues(facet).Observe(d.Seconds())
}

func (c *Collector) FacetResult(facet, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.facetResults.WithLabelValues(facet, status).Inc()
	c.facetLatency.WithLabelValues(facet).Observe(d.Seconds())
}

func (c *Collector) Deduplicated(facet string) {
	if c == nil {
		return
	}
	c.dedupedRequests.WithLabelValues(facet).Inc()
}

func (c *Collector) RejectedWrite() {
	if c == nil {
		return
	}
	c.rejectedWrites.Inc()
}

func (c *Collector) RefreshJob(outcome string) {
	if c == nil {
		return
	}
	c.refreshJobs.WithLabelValues(outcome).Inc()
}

func (c *Collector) RefreshQueueDepth(n int) {
	if c == nil {
		return
	}
	c.refreshQueueDepth.Set(float64(n))
}
