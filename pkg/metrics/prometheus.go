// Package metrics provides Prometheus metrics for the race probability service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every Prometheus collector the service registers.
type Manager struct {
	namespace        string
	histogramBuckets []float64
	registry         prometheus.Registerer

	// Feed and normalizer
	eventsNormalized prometheus.Counter
	eventsMalformed  *prometheus.CounterVec
	eventsDuplicate  prometheus.Counter
	eventsDropped    *prometheus.CounterVec
	feedGaps         prometheus.Counter

	// Session state store
	snapshotsProduced  prometheus.Counter
	lateEventsApplied  prometheus.Counter
	reorderBufferDepth *prometheus.GaugeVec
	applyLatency       prometheus.Histogram

	// Probability engine
	scoringLatency     prometheus.Histogram
	scoringTimeouts    prometheus.Counter
	snapshotsCoalesced prometheus.Counter
	resultsComputed    prometheus.Counter
	forcedRecomputes   prometheus.Counter

	// Broadcaster
	resultsPublished prometheus.Counter
	subscriberCount  *prometheus.GaugeVec
	subscriberDrops  prometheus.Counter

	// Session manager
	sessionsByState  *prometheus.GaugeVec
	graceQueueDepth  prometheus.Gauge
	eventQueueSize   prometheus.Gauge
	queueEnqueueErrs prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPause        prometheus.Histogram
}

// Global manager on a custom registry so the default Go collectors stay out.
var (
	globalManager  *Manager                  //nolint:gochecknoglobals // singleton metrics manager
	customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // singleton registry
)

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithRegistry(customRegistry))
}

// NewManager creates a metrics manager with the given options applied.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "racepulse",
		histogramBuckets: []float64{1, 5, 10, 25, 50, 100, 200, 500, 1000},
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initialize()
	return m
}

func (m *Manager) initialize() {
	factory := promauto.With(m.registry)

	m.eventsNormalized = factory.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "events_normalized_total",
		Help:      "Raw feed payloads successfully normalized into race events.",
	})
	m.eventsMalformed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "events_malformed_total",
		Help:      "Raw feed payloads rejected by the normalizer.",
	}, []string{"dialect"})
	m.eventsDuplicate = factory.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "events_duplicate_total",
		Help:      "Feed events skipped as already-seen by the ingest deduper.",
	})
	m.eventsDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "events_dropped_total",
		Help:      "Normalized events dropped before state application.",
	}, []string{"reason"})
	m.feedGaps = factory.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "feed_gaps_total",
		Help:      "Sequence gaps detected in per-session feed ordering.",
	})

	m.snapshotsProduced = factory.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "snapshots_produced_total",
		Help:      "Session snapshots produced by event application.",
	})
	m.lateEventsApplied = factory.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "late_events_applied_total",
		Help:      "Events applied past the reorder window with the uncertainty marker.",
	})
	m.reorderBufferDepth = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "reorder_buffer_depth",
		Help:      "Out-of-order events currently held per session.",
	}, []string{"session"})
	m.applyLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      "apply_latency_ms",
		Help:      "Event application latency in milliseconds.",
		Buckets:   m.histogramBuckets,
	})

	m.scoringLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      "scoring_latency_ms",
		Help:      "Scoring model latency in milliseconds.",
		Buckets:   m.histogramBuckets,
	})
	m.scoringTimeouts = factory.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "scoring_timeouts_total",
		Help:      "Scoring calls that exceeded the budget and fell back to a stale result.",
	})
	m.snapshotsCoalesced = factory.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "snapshots_coalesced_total",
		Help:      "Snapshots superseded before scoring under load.",
	})
	m.resultsComputed = factory.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "results_computed_total",
		Help:      "Probability results produced by the engine.",
	})
	m.forcedRecomputes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "forced_recomputes_total",
		Help:      "Non-coalesced recomputations forced by track-status changes.",
	})

	m.resultsPublished = factory.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "results_published_total",
		Help:      "Result deliveries handed to subscriber mailboxes.",
	})
	m.subscriberCount = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "subscribers",
		Help:      "Connected subscribers per session.",
	}, []string{"session"})
	m.subscriberDrops = factory.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "subscriber_drops_total",
		Help:      "Results dropped from slow subscriber mailboxes (latest-value-wins).",
	})

	m.sessionsByState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "sessions",
		Help:      "Sessions currently in each lifecycle state.",
	}, []string{"state"})
	m.graceQueueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "grace_queue_depth",
		Help:      "Events parked while waiting for their session record.",
	})
	m.eventQueueSize = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "event_queue_size",
		Help:      "Normalized events waiting in the ingest queue.",
	})
	m.queueEnqueueErrs = factory.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "queue_enqueue_errors_total",
		Help:      "Ingest queue enqueue failures (backpressure or closed).",
	})

	m.httpRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by endpoint, method and status.",
	}, []string{"endpoint", "method", "status"})
	m.httpRequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   m.histogramBuckets,
	}, []string{"endpoint", "method", "status"})

	m.systemMemoryUsage = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "system_memory_bytes",
		Help:      "Current heap allocation in bytes.",
	})
	m.systemGoroutineCount = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "system_goroutines",
		Help:      "Current number of goroutines.",
	})
	m.systemGCPause = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      "system_gc_pause_ms",
		Help:      "Average GC pause time in milliseconds.",
		Buckets:   m.histogramBuckets,
	})
}

// Package-level helpers against the global manager.

func RecordEventNormalized() { globalManager.eventsNormalized.Inc() }
func RecordEventMalformed(dialect string) {
	globalManager.eventsMalformed.WithLabelValues(dialect).Inc()
}
func RecordEventDuplicate() { globalManager.eventsDuplicate.Inc() }
func RecordEventDropped(reason string) { globalManager.eventsDropped.WithLabelValues(reason).Inc() }
func RecordFeedGap() { globalManager.feedGaps.Inc() }

func RecordSnapshotProduced() { globalManager.snapshotsProduced.Inc() }
func RecordLateEventApplied() { globalManager.lateEventsApplied.Inc() }
func UpdateReorderBufferDepth(session string, depth int) {
	globalManager.reorderBufferDepth.WithLabelValues(session).Set(float64(depth))
}
func RecordApplyLatency(ms float64) { globalManager.applyLatency.Observe(ms) }

func RecordScoringLatency(ms float64) { globalManager.scoringLatency.Observe(ms) }
func RecordScoringTimeout() { globalManager.scoringTimeouts.Inc() }
func RecordSnapshotCoalesced() { globalManager.snapshotsCoalesced.Inc() }
func RecordResultComputed() { globalManager.resultsComputed.Inc() }
func RecordForcedRecompute() { globalManager.forcedRecomputes.Inc() }

func RecordResultPublished() { globalManager.resultsPublished.Inc() }
func UpdateSubscriberCount(session string, n int) {
	globalManager.subscriberCount.WithLabelValues(session).Set(float64(n))
}
func RemoveSubscriberCount(session string) {
	globalManager.subscriberCount.DeleteLabelValues(session)
}
func RecordSubscriberDrop() { globalManager.subscriberDrops.Inc() }

func UpdateSessionsByState(state string, n int) {
	globalManager.sessionsByState.WithLabelValues(state).Set(float64(n))
}
func UpdateGraceQueueDepth(n int) { globalManager.graceQueueDepth.Set(float64(n)) }
func UpdateEventQueueSize(n int) { globalManager.eventQueueSize.Set(float64(n)) }
func RecordQueueEnqueueError() { globalManager.queueEnqueueErrs.Inc() }

func RecordHTTPRequest(endpoint, method, status string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, status).Inc()
}
func RecordHTTPRequestDuration(endpoint, method, status string, ms float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, status).Observe(ms)
}

func UpdateSystemMemoryUsage(bytes uint64) { globalManager.systemMemoryUsage.Set(float64(bytes)) }
func UpdateSystemGoroutineCount(n int) { globalManager.systemGoroutineCount.Set(float64(n)) }
func RecordSystemGCPauseTime(ms float64) { globalManager.systemGCPause.Observe(ms) }

// GetRegistry exposes the custom registry for the /metrics handler.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
