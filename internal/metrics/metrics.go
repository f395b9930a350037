// Package metrics provides Prometheus metrics for the crawler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace is the namespace for all crawler metrics.
const Namespace = "rover"

// Outcome label values for frontier add operations.
const (
	OutcomeAccepted      = "accepted"
	OutcomeSeen          = "seen"
	OutcomePoliteness    = "politeness"
	OutcomeNormalization = "normalization"
)

// Result label values for frontier claim operations.
const (
	ClaimClaimed   = "claimed"
	ClaimEmpty     = "empty"
	ClaimDelayed   = "delayed"
	ClaimExhausted = "exhausted"
)

// Result label values for robots.txt retrieval.
const (
	RobotsFetched     = "fetched"
	RobotsUnavailable = "unavailable"
	RobotsUnparsable  = "unparsable"
)

// Tier label values for robots cache hits.
const (
	CacheTierMemory = "memory"
	CacheTierRedis  = "redis"
)

// FetchStatusError is the status label recorded for fetches that fail
// before an HTTP status is available.
const FetchStatusError = "error"

// Status label values for parse worker items.
const (
	ParseOK         = "ok"
	ParseUnparsable = "unparsable"
	ParseError      = "error"
)

// Metrics holds all Prometheus metrics for the crawler.
type Metrics struct {
	// Frontier metrics
	URLsAddedTotal       *prometheus.CounterVec
	ClaimsTotal          *prometheus.CounterVec
	UnreadableLinesTotal prometheus.Counter
	QueuedDomains        prometheus.Gauge
	PendingURLs          prometheus.Gauge

	// Fetch metrics
	FetchesTotal         *prometheus.CounterVec
	FetchDurationSeconds prometheus.Histogram
	FetchBytesTotal      prometheus.Counter
	FetchesInFlight      prometheus.Gauge
	PagesFetchedTotal    prometheus.Counter

	// Robots metrics
	RobotsFetchesTotal *prometheus.CounterVec
	RobotsCacheHits    *prometheus.CounterVec
	RobotsCacheMisses  prometheus.Counter

	// Handoff queue metrics
	ItemsEnqueuedTotal prometheus.Counter
	ItemsDequeuedTotal prometheus.Counter
	FetchQueueDepth    prometheus.Gauge

	// Parse metrics
	ItemsParsedTotal    *prometheus.CounterVec
	LinksExtractedTotal prometheus.Counter
}

// NewMetrics creates and registers all crawler metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	m := &Metrics{}

	m.initFrontierMetrics(factory)
	m.initFetchMetrics(factory)
	m.initRobotsMetrics(factory)
	m.initQueueMetrics(factory)
	m.initParseMetrics(factory)

	return m
}

// initFrontierMetrics initializes frontier metrics.
func (m *Metrics) initFrontierMetrics(factory promauto.Factory) {
	m.URLsAddedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "frontier",
			Name:      "urls_added_total",
			Help:      "Total number of URLs submitted to the frontier by outcome",
		},
		[]string{"outcome"},
	)

	m.ClaimsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "frontier",
			Name:      "claims_total",
			Help:      "Total number of claim attempts by result",
		},
		[]string{"result"},
	)

	m.UnreadableLinesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "frontier",
			Name:      "unreadable_lines_total",
			Help:      "Total number of frontier file lines skipped as unreadable",
		},
	)

	m.QueuedDomains = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "frontier",
			Name:      "queued_domains",
			Help:      "Number of domains currently in the ready queue",
		},
	)

	m.PendingURLs = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "frontier",
			Name:      "pending_urls",
			Help:      "Number of frontier URLs not yet consumed",
		},
	)
}

// initFetchMetrics initializes fetch metrics.
func (m *Metrics) initFetchMetrics(factory promauto.Factory) {
	m.FetchesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "fetch",
			Name:      "requests_total",
			Help:      "Total number of fetch attempts by status class",
		},
		[]string{"status"},
	)

	m.FetchDurationSeconds = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Duration of page fetches in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 11), // 50ms to ~51s
		},
	)

	m.FetchBytesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "fetch",
			Name:      "bytes_total",
			Help:      "Total number of response body bytes read",
		},
	)

	m.FetchesInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "fetch",
			Name:      "in_flight",
			Help:      "Number of fetches currently in flight",
		},
	)

	m.PagesFetchedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "fetch",
			Name:      "pages_total",
			Help:      "Total number of pages counted against the crawl page limit",
		},
	)
}

// initRobotsMetrics initializes robots.txt metrics.
func (m *Metrics) initRobotsMetrics(factory promauto.Factory) {
	m.RobotsFetchesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "robots",
			Name:      "fetches_total",
			Help:      "Total number of robots.txt retrievals by result",
		},
		[]string{"result"},
	)

	m.RobotsCacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "robots",
			Name:      "cache_hits_total",
			Help:      "Total number of robots.txt cache hits by tier",
		},
		[]string{"tier"},
	)

	m.RobotsCacheMisses = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "robots",
			Name:      "cache_misses_total",
			Help:      "Total number of robots.txt cache misses",
		},
	)
}

// initQueueMetrics initializes handoff queue metrics.
func (m *Metrics) initQueueMetrics(factory promauto.Factory) {
	m.ItemsEnqueuedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "items_enqueued_total",
			Help:      "Total number of items pushed to the fetch queue",
		},
	)

	m.ItemsDequeuedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "items_dequeued_total",
			Help:      "Total number of items popped from the fetch queue",
		},
	)

	m.FetchQueueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "fetch_queue_depth",
			Help:      "Current depth of the fetch queue",
		},
	)
}

// initParseMetrics initializes parse metrics.
func (m *Metrics) initParseMetrics(factory promauto.Factory) {
	m.ItemsParsedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "parse",
			Name:      "items_total",
			Help:      "Total number of items processed by the parse worker",
		},
		[]string{"status"},
	)

	m.LinksExtractedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "parse",
			Name:      "links_extracted_total",
			Help:      "Total number of links extracted from fetched pages",
		},
	)
}

// RecordAdded records frontier add outcomes.
func (m *Metrics) RecordAdded(outcome string, n int) {
	if n <= 0 {
		return
	}
	m.URLsAddedTotal.WithLabelValues(outcome).Add(float64(n))
}

// RecordClaim records the result of a frontier claim attempt.
func (m *Metrics) RecordClaim(result string) {
	m.ClaimsTotal.WithLabelValues(result).Inc()
}

// RecordUnreadableLine records a skipped frontier file line.
func (m *Metrics) RecordUnreadableLine() {
	m.UnreadableLinesTotal.Inc()
}

// SetFrontierDepth sets the queued domain and pending URL gauges.
func (m *Metrics) SetFrontierDepth(queuedDomains, pendingURLs int64) {
	m.QueuedDomains.Set(float64(queuedDomains))
	m.PendingURLs.Set(float64(pendingURLs))
}

// RecordFetch records a completed fetch attempt.
func (m *Metrics) RecordFetch(status string, seconds float64, bytes int64) {
	m.FetchesTotal.WithLabelValues(status).Inc()
	m.FetchDurationSeconds.Observe(seconds)
	if bytes > 0 {
		m.FetchBytesTotal.Add(float64(bytes))
	}
}

// RecordFetchStarted increments the in-flight fetch count.
func (m *Metrics) RecordFetchStarted() {
	m.FetchesInFlight.Inc()
}

// RecordFetchFinished decrements the in-flight fetch count.
func (m *Metrics) RecordFetchFinished() {
	m.FetchesInFlight.Dec()
}

// RecordPageFetched counts a page against the crawl page limit.
func (m *Metrics) RecordPageFetched() {
	m.PagesFetchedTotal.Inc()
}

// RecordRobotsFetch records a robots.txt retrieval result.
func (m *Metrics) RecordRobotsFetch(result string) {
	m.RobotsFetchesTotal.WithLabelValues(result).Inc()
}

// RecordRobotsCacheHit records a robots.txt cache hit for a tier.
func (m *Metrics) RecordRobotsCacheHit(tier string) {
	m.RobotsCacheHits.WithLabelValues(tier).Inc()
}

// RecordRobotsCacheMiss records a robots.txt cache miss.
func (m *Metrics) RecordRobotsCacheMiss() {
	m.RobotsCacheMisses.Inc()
}

// RecordEnqueue records an item pushed to the fetch queue.
func (m *Metrics) RecordEnqueue() {
	m.ItemsEnqueuedTotal.Inc()
}

// RecordDequeue records an item popped from the fetch queue.
func (m *Metrics) RecordDequeue() {
	m.ItemsDequeuedTotal.Inc()
}

// SetFetchQueueDepth sets the fetch queue depth gauge.
func (m *Metrics) SetFetchQueueDepth(depth int64) {
	m.FetchQueueDepth.Set(float64(depth))
}

// RecordParsed records a parse worker item result.
func (m *Metrics) RecordParsed(status string) {
	m.ItemsParsedTotal.WithLabelValues(status).Inc()
}

// RecordLinksExtracted records extracted link counts.
func (m *Metrics) RecordLinksExtracted(n int) {
	if n <= 0 {
		return
	}
	m.LinksExtractedTotal.Add(float64(n))
}
