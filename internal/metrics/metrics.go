// Package metrics exposes Prometheus metrics for executions and the resource cache.
package metrics

import (
	"net/http"

	"github.com/kiranshivaraju/probehub/internal/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so tests and multiple servers never collide on the
// global one. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	submitted    *prometheus.CounterVec
	finished     *prometheus.CounterVec
	items        *prometheus.CounterVec
	itemDuration prometheus.Histogram
	running      prometheus.Gauge
}

// NewCollector creates a Collector with execution metrics and Go runtime collectors registered.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "probehub_executions_submitted_total",
			Help: "Total number of executions accepted, by execution kind",
		}, []string{"kind"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "probehub_executions_finished_total",
			Help: "Total number of executions finalized, by terminal status",
		}, []string{"status"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "probehub_execution_items_total",
			Help: "Total number of processed work items, by outcome",
		}, []string{"outcome"}),
		itemDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "probehub_item_duration_seconds",
			Help:    "Wall time spent on one work item including its retry",
			Buckets: prometheus.DefBuckets,
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "probehub_executions_running",
			Help: "Current number of executions being processed by this instance",
		}),
	}

	c.registry.MustRegister(
		c.submitted,
		c.finished,
		c.items,
		c.itemDuration,
		c.running,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// ExecutionStarted records an accepted execution that is now running.
func (c *Collector) ExecutionStarted(kind string) {
	if c == nil {
		return
	}
	c.submitted.WithLabelValues(kind).Inc()
	c.running.Inc()
}

// ExecutionFinished records a finalized execution that was previously started.
func (c *Collector) ExecutionFinished(status string) {
	if c == nil {
		return
	}
	c.finished.WithLabelValues(status).Inc()
	c.running.Dec()
}

// ItemProcessed records one work item. outcome is "succeeded" or "failed".
func (c *Collector) ItemProcessed(outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.items.WithLabelValues(outcome).Inc()
	c.itemDuration.Observe(seconds)
}

// WatchResourceCache exports the cache's counters, read at scrape time.
func (c *Collector) WatchResourceCache(stats func() cache.Stats) {
	if c == nil {
		return
	}
	c.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "probehub_resource_cache_hits_total",
			Help: "Resource cache hits",
		}, func() float64 { return float64(stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "probehub_resource_cache_misses_total",
			Help: "Resource cache misses",
		}, func() float64 { return float64(stats().Misses) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "probehub_resource_cache_evictions_total",
			Help: "Resource cache LRU evictions",
		}, func() float64 { return float64(stats().Evictions) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "probehub_resource_cache_entries",
			Help: "Current number of resource cache entries",
		}, func() float64 { return float64(stats().Size) }),
	)
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
