// Package metrics exposes Prometheus collectors for the lead scraping service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	stepsTotal                 *prometheus.CounterVec
	stepDurationSeconds        prometheus.Histogram
	unitsTotal                 *prometheus.CounterVec
	unitDurationSeconds        *prometheus.HistogramVec
	lookupsTotal               *prometheus.CounterVec
	lookupBatchesInFlight      prometheus.Gauge
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120, 300},
			},
			[]string{"method", "route"},
		)

		stepsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadscraper_steps_total",
				Help: "Total orchestrator steps, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		stepDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "leadscraper_step_duration_seconds",
				Help:    "Wall-clock duration of orchestrator steps.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
			},
		)

		unitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadscraper_units_total",
				Help: "Total (town, industry) units scraped, labeled by result.",
			},
			[]string{"result"},
		)

		unitDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leadscraper_unit_duration_seconds",
				Help:    "Duration of single unit scrapes, labeled by result.",
				Buckets: []float64{1, 5, 10, 20, 45, 90},
			},
			[]string{"result"},
		)

		lookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadscraper_provider_lookups_total",
				Help: "Total phone provider lookups, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		lookupBatchesInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "leadscraper_lookup_batches_in_flight",
				Help: "Number of provider lookup batches currently running.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "leadscraper_active_workers",
				Help: "Number of background workers currently stepping a session.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leadscraper_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"key"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveStep records one orchestrator step.
func ObserveStep(outcome string, duration time.Duration) {
	if stepsTotal == nil {
		return
	}
	stepsTotal.WithLabelValues(outcome).Inc()
	stepDurationSeconds.Observe(duration.Seconds())
}

// ObserveUnit records one unit scrape.
func ObserveUnit(result string, duration time.Duration) {
	if unitsTotal == nil {
		return
	}
	unitsTotal.WithLabelValues(result).Inc()
	unitDurationSeconds.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveLookup counts one resolved or unresolved phone.
func ObserveLookup(outcome string) {
	if lookupsTotal == nil {
		return
	}
	lookupsTotal.WithLabelValues(outcome).Inc()
}

// IncLookupBatches increments the in-flight batch gauge.
func IncLookupBatches() {
	if lookupBatchesInFlight != nil {
		lookupBatchesInFlight.Inc()
	}
}

// DecLookupBatches decrements the in-flight batch gauge.
func DecLookupBatches() {
	if lookupBatchesInFlight != nil {
		lookupBatchesInFlight.Dec()
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Inc()
	}
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Dec()
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	if rateLimitDelaysSeconds == nil {
		return
	}
	rateLimitDelaysSeconds.WithLabelValues(key).Observe(duration.Seconds())
}
