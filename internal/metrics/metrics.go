// Package metrics collects and exposes Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the interface the HTTP and service layers record through.
type Recorder interface {
	RecordHTTPRequest(method, route string, statusCode int, duration time.Duration)
	RecordCompletion(outcome string, duration time.Duration)
	RecordBookmarkToggle(outcome string)
}

// Collector implements Recorder backed by Prometheus.
type Collector struct {
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	completions       *prometheus.CounterVec
	completionLatency prometheus.Histogram
	bookmarkToggles   *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eigochat_http_requests_total",
			Help: "HTTP requests by method, route, and status code",
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eigochat_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eigochat_completions_total",
			Help: "Assistant completion calls by outcome",
		}, []string{"outcome"}),
		completionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "eigochat_completion_latency_seconds",
			Help:    "Assistant completion latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 30},
		}),
		bookmarkToggles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eigochat_bookmark_toggles_total",
			Help: "Bookmark toggle calls by outcome",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.httpRequests,
		c.httpDuration,
		c.completions,
		c.completionLatency,
		c.bookmarkToggles,
	)

	return c
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordCompletion records one assistant call. Outcome is "ok" or "error".
func (c *Collector) RecordCompletion(outcome string, duration time.Duration) {
	c.completions.WithLabelValues(outcome).Inc()
	c.completionLatency.Observe(duration.Seconds())
}

// RecordBookmarkToggle records one toggle. Outcome is "added", "removed",
// or "duplicate" for an insert that lost the uniqueness race.
func (c *Collector) RecordBookmarkToggle(outcome string) {
	c.bookmarkToggles.WithLabelValues(outcome).Inc()
}

// Handler returns the HTTP handler for Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
