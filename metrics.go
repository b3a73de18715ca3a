package azauth

import (
	"sync/atomic"
	"time"
)

// MetricID indexes one engine counter or histogram.
type MetricID uint16

const (
	// MetricLoginSuccess counts completed interactive logins.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure counts interactive logins that ended in an error.
	MetricLoginFailure
	// MetricTokenCacheHit counts token requests served from cache without a
	// network call.
	MetricTokenCacheHit
	// MetricTokenRefreshSuccess counts silent refresh grants that succeeded.
	MetricTokenRefreshSuccess
	// MetricTokenRefreshFailure counts silent refresh grants that failed.
	MetricTokenRefreshFailure
	// MetricBaseTokenFallback counts refreshes that fell back to the bootstrap
	// refresh token.
	MetricBaseTokenFallback
	// MetricBaseTokenMissing counts fallbacks that found no bootstrap token.
	MetricBaseTokenMissing
	// MetricInteractionRequired counts grants answered with
	// interaction_required.
	MetricInteractionRequired
	// MetricAccountStale counts accounts flagged stale by a refresh pass.
	MetricAccountStale
	// MetricAccountVersionRejected counts accounts rejected by the schema
	// version gate.
	MetricAccountVersionRejected
	// MetricTenantDiscoverySuccess counts successful tenant listings.
	MetricTenantDiscoverySuccess
	// MetricTenantDiscoveryFailure counts failed tenant listings.
	MetricTenantDiscoveryFailure
	// MetricCacheDeleted counts cache deletions (single account or full).
	MetricCacheDeleted
	// MetricTokenGrantLatency is the token-grant round-trip histogram.
	MetricTokenGrantLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is the engine's lock-free counter registry. A nil or disabled
// Metrics is safe to use and records nothing.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of all counters and histograms.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics builds a registry from config.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counters are being recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// LatencyEnabled reports whether the latency histogram is being recorded.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to a counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records a token-grant round trip into the latency histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricTokenGrantLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value reads one counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies all counters and histograms.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricTokenGrantLatency].buckets[i])
		}
		s.Histograms[MetricTokenGrantLatency] = buckets
	}

	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
