package authcore

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one in-process counter.
type MetricID uint16

const (
	// MetricLoginSuccess counts completed logins.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure counts failed logins, any cause.
	MetricLoginFailure
	// MetricLoginRetried counts login attempts beyond the first.
	MetricLoginRetried
	// MetricLogout counts logouts.
	MetricLogout
	// MetricRefreshSuccess counts completed token refreshes.
	MetricRefreshSuccess
	// MetricRefreshFailure counts failed token refreshes.
	MetricRefreshFailure
	// MetricRefreshCoalesced counts requests that waited on an in-flight
	// refresh instead of starting their own.
	MetricRefreshCoalesced
	// MetricTokenDecryptFailure counts tokens that failed to decode or
	// verify.
	MetricTokenDecryptFailure
	// MetricTokenExpired counts tokens rejected for expiry.
	MetricTokenExpired
	// MetricSessionRestored counts sessions hydrated from storage.
	MetricSessionRestored
	// MetricSessionCorruption counts storage corruption incidents.
	MetricSessionCorruption
	// MetricSessionRecovered counts shadow-copy recoveries.
	MetricSessionRecovered
	// MetricInterceptorUnauthorized counts 401 responses seen by the
	// interceptor.
	MetricInterceptorUnauthorized
	// MetricInterceptorForbidden counts 403 responses seen by the
	// interceptor.
	MetricInterceptorForbidden
	// MetricAutoLogout counts automatic logouts triggered by the
	// interceptor.
	MetricAutoLogout
	// MetricOfflineAuthPreserved counts 401/403 responses ignored because
	// the device was offline.
	MetricOfflineAuthPreserved
	// MetricSecurityEvents counts detected suspicious-activity events.
	MetricSecurityEvents
	// MetricHeaderLatency observes header assembly latency.
	MetricHeaderLatency
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

// Metrics is a fixed-size set of atomic counters plus one latency
// histogram. All methods are safe on a nil receiver.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics returns a Metrics set honoring cfg.
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

// Inc adds one to the counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records a latency sample. Only MetricHeaderLatency has a
// histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enableLatency || id != MetricHeaderLatency {
		return
	}
	atomic.AddUint64(&m.histograms[id].buckets[bucketIndex(d)], 1)
}

// Value reads one counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies all counters and histogram buckets.
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
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricHeaderLatency].buckets[i])
		}
		s.Histograms[MetricHeaderLatency] = buckets
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
