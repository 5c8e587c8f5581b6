// Package metrics exposes the service's prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all metrics for one process. Every method is safe on a nil Collector.
type Collector struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	EventsHandled     *prometheus.CounterVec
	EventsDropped     *prometheus.CounterVec
	Broadcasts        *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	StorageFallbacks  *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		EventsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_events_total",
				Help:      "Sync events accepted, by event type",
			},
			[]string{"type"},
		),
		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_events_dropped_total",
				Help:      "Sync events dropped, by event type and reason",
			},
			[]string{"type", "reason"},
		),
		Broadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_broadcasts_total",
				Help:      "Room broadcasts, by fan-out scope",
			},
			[]string{"scope"},
		),
		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_connections",
				Help:      "Currently open websocket connections",
			},
		),
		StorageFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_fallbacks_total",
				Help:      "Durable store operations that fell back to memory, by operation",
			},
			[]string{"operation"},
		),
	}

	registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.EventsHandled,
		c.EventsDropped,
		c.Broadcasts,
		c.ActiveConnections,
		c.StorageFallbacks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's metrics in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (c *Collector) EventHandled(eventType string) {
	if c == nil {
		return
	}
	c.EventsHandled.WithLabelValues(eventType).Inc()
}

func (c *Collector) EventDropped(eventType, reason string) {
	if c == nil {
		return
	}
	c.EventsDropped.WithLabelValues(eventType, reason).Inc()
}

func (c *Collector) Broadcast(scope string) {
	if c == nil {
		return
	}
	c.Broadcasts.WithLabelValues(scope).Inc()
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.ActiveConnections.Inc()
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.ActiveConnections.Dec()
}

// StorageFallback is suitable as a store.WithFallbackHook callback.
func (c *Collector) StorageFallback(op string) {
	if c == nil {
		return
	}
	c.StorageFallbacks.WithLabelValues(op).Inc()
}
