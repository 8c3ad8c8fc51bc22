package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the feed engine. All methods are
// safe on a nil *Metrics, which disables recording (e.g. in tests).
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal prometheus.Counter
	errorsTotal   prometheus.Counter
	commandsTotal *prometheus.CounterVec

	transitionsTotal *prometheus.CounterVec
	sessionsByState  *prometheus.GaugeVec
	stallsTotal      prometheus.Counter
	itemFailures     *prometheus.CounterVec
	timeToReady      prometheus.Histogram

	prefetchTasks    *prometheus.CounterVec
	prefetchInflight prometheus.Gauge
	bandwidth        prometheus.Gauge

	cacheBytes     prometheus.Gauge
	cacheEntries   prometheus.Gauge
	cacheHits      prometheus.Gauge
	cacheMisses    prometheus.Gauge
	cacheEvictions prometheus.Gauge
}

// New creates and registers Prometheus metrics for the engine.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_commands_total",
			Help: "Feed commands accepted by the engine, by command",
		}, []string{"command"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_session_transitions_total",
			Help: "Stream session state transitions by target state",
		}, []string{"state"}),
		sessionsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "feed_sessions",
			Help: "Pooled stream sessions by current state",
		}, []string{"state"}),
		stallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_stalls_total",
			Help: "Playback stalls (buffer drained while playing)",
		}),
		itemFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_item_failures_total",
			Help: "Items marked not playable, by error kind",
		}, []string{"kind"}),
		timeToReady: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feed_time_to_ready_seconds",
			Help:    "Time from session bind to Ready",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		prefetchTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_prefetch_tasks_total",
			Help: "Finished prefetch tasks by resource kind and outcome",
		}, []string{"kind", "outcome"}),
		prefetchInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_prefetch_inflight",
			Help: "Prefetch tasks currently running",
		}),
		bandwidth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_bandwidth_estimate_bps",
			Help: "Current bandwidth estimate in bits per second",
		}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_cache_bytes",
			Help: "Bytes resident in the memory cache",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_cache_entries",
			Help: "Entries resident in the memory cache",
		}),
		cacheHits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_cache_hits",
			Help: "Cache hits since start",
		}),
		cacheMisses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_cache_misses",
			Help: "Cache misses since start",
		}),
		cacheEvictions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_cache_evictions",
			Help: "Cache evictions since start",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.commandsTotal,
		m.transitionsTotal,
		m.sessionsByState,
		m.stallsTotal,
		m.itemFailures,
		m.timeToReady,
		m.prefetchTasks,
		m.prefetchInflight,
		m.bandwidth,
		m.cacheBytes,
		m.cacheEntries,
		m.cacheHits,
		m.cacheMisses,
		m.cacheEvictions,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncCommands counts a command the engine accepted.
func (m *Metrics) IncCommands(command string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(command).Inc()
}

// ObserveTransition counts a session entering state.
func (m *Metrics) ObserveTransition(state string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(state).Inc()
}

// SetSessionStates replaces the sessions-by-state gauge.
func (m *Metrics) SetSessionStates(counts map[string]int) {
	if m == nil {
		return
	}
	m.sessionsByState.Reset()
	for state, n := range counts {
		m.sessionsByState.WithLabelValues(state).Set(float64(n))
	}
}

// IncStalls increments the stall counter.
func (m *Metrics) IncStalls() {
	if m == nil {
		return
	}
	m.stallsTotal.Inc()
}

// IncItemFailures counts an item marked not playable.
func (m *Metrics) IncItemFailures(kind string) {
	if m == nil {
		return
	}
	m.itemFailures.WithLabelValues(kind).Inc()
}

// ObserveTimeToReady records how long a binding took to become Ready.
func (m *Metrics) ObserveTimeToReady(d time.Duration) {
	if m == nil {
		return
	}
	m.timeToReady.Observe(d.Seconds())
}

// IncPrefetchTasks counts a finished prefetch task.
func (m *Metrics) IncPrefetchTasks(kind, outcome string) {
	if m == nil {
		return
	}
	m.prefetchTasks.WithLabelValues(kind, outcome).Inc()
}

// SetPrefetchInflight sets the running prefetch task gauge.
func (m *Metrics) SetPrefetchInflight(n int) {
	if m == nil {
		return
	}
	m.prefetchInflight.Set(float64(n))
}

// SetBandwidthEstimate sets the bandwidth gauge.
func (m *Metrics) SetBandwidthEstimate(bps float64) {
	if m == nil {
		return
	}
	m.bandwidth.Set(bps)
}

// SetCacheStats publishes a cache counter snapshot.
func (m *Metrics) SetCacheStats(bytes int64, entries int, hits, misses, evictions uint64) {
	if m == nil {
		return
	}
	m.cacheBytes.Set(float64(bytes))
	m.cacheEntries.Set(float64(entries))
	m.cacheHits.Set(float64(hits))
	m.cacheMisses.Set(float64(misses))
	m.cacheEvictions.Set(float64(evictions))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
