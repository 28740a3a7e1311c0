package utils

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector collects and manages trace performance metrics
type MetricsCollector struct {
	mu sync.RWMutex

	// Operation counters
	tracesStarted    int64
	tracesCompleted  int64
	tracesFailed     int64
	accountsLabeled  int64
	slotsObserved    int64
	slotsUnexplored  int64
	layoutCacheHits  int64
	layoutCacheMiss  int64
	layoutFetches    int64
	layoutFetchFails int64
	preimagesPooled  int64
	explorerStates   int64
	budgetExhausted  int64

	// Timing metrics
	avgTraceTime       time.Duration
	totalTraceDuration time.Duration

	// System metrics
	startTime     time.Time
	lastResetTime time.Time
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	now := time.Now()
	return &MetricsCollector{
		startTime:     now,
		lastResetTime: now,
	}
}

func (m *MetricsCollector) RecordTraceStart() {
	atomic.AddInt64(&m.tracesStarted, 1)
}

func (m *MetricsCollector) RecordTraceComplete(duration time.Duration) {
	completed := atomic.AddInt64(&m.tracesCompleted, 1)

	m.mu.Lock()
	m.totalTraceDuration += duration
	m.avgTraceTime = m.totalTraceDuration / time.Duration(completed)
	m.mu.Unlock()
}

func (m *MetricsCollector) RecordTraceFailure() {
	atomic.AddInt64(&m.tracesFailed, 1)
}

func (m *MetricsCollector) RecordAccountsLabeled(n int) {
	atomic.AddInt64(&m.accountsLabeled, int64(n))
}

func (m *MetricsCollector) RecordSlotsObserved(n int) {
	atomic.AddInt64(&m.slotsObserved, int64(n))
}

func (m *MetricsCollector) RecordSlotsUnexplored(n int) {
	atomic.AddInt64(&m.slotsUnexplored, int64(n))
}

func (m *MetricsCollector) RecordLayoutCacheHit() {
	atomic.AddInt64(&m.layoutCacheHits, 1)
}

func (m *MetricsCollector) RecordLayoutCacheMiss() {
	atomic.AddInt64(&m.layoutCacheMiss, 1)
}

func (m *MetricsCollector) RecordLayoutFetch(success bool) {
	atomic.AddInt64(&m.layoutFetches, 1)
	if !success {
		atomic.AddInt64(&m.layoutFetchFails, 1)
	}
}

func (m *MetricsCollector) RecordPreimages(n int) {
	atomic.AddInt64(&m.preimagesPooled, int64(n))
}

func (m *MetricsCollector) RecordExplorerStates(n int) {
	atomic.AddInt64(&m.explorerStates, int64(n))
}

func (m *MetricsCollector) RecordBudgetExhausted() {
	atomic.AddInt64(&m.budgetExhausted, 1)
}

// Snapshot returns the current metric values
func (m *MetricsCollector) Snapshot() map[string]interface{} {
	m.mu.RLock()
	avgTrace := m.avgTraceTime
	m.mu.RUnlock()

	return map[string]interface{}{
		"traces_started":      atomic.LoadInt64(&m.tracesStarted),
		"traces_completed":    atomic.LoadInt64(&m.tracesCompleted),
		"traces_failed":       atomic.LoadInt64(&m.tracesFailed),
		"accounts_labeled":    atomic.LoadInt64(&m.accountsLabeled),
		"slots_observed":      atomic.LoadInt64(&m.slotsObserved),
		"slots_unexplored":    atomic.LoadInt64(&m.slotsUnexplored),
		"layout_cache_hits":   atomic.LoadInt64(&m.layoutCacheHits),
		"layout_cache_misses": atomic.LoadInt64(&m.layoutCacheMiss),
		"layout_fetches":      atomic.LoadInt64(&m.layoutFetches),
		"layout_fetch_fails":  atomic.LoadInt64(&m.layoutFetchFails),
		"preimages_pooled":    atomic.LoadInt64(&m.preimagesPooled),
		"explorer_states":     atomic.LoadInt64(&m.explorerStates),
		"budget_exhausted":    atomic.LoadInt64(&m.budgetExhausted),
		"avg_trace_time_ms":   avgTrace.Milliseconds(),
		"uptime_seconds":      int64(time.Since(m.startTime).Seconds()),
	}
}

// Reset clears the counters
func (m *MetricsCollector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	atomic.StoreInt64(&m.tracesStarted, 0)
	atomic.StoreInt64(&m.tracesCompleted, 0)
	atomic.StoreInt64(&m.tracesFailed, 0)
	atomic.StoreInt64(&m.accountsLabeled, 0)
	atomic.StoreInt64(&m.slotsObserved, 0)
	atomic.StoreInt64(&m.slotsUnexplored, 0)
	atomic.StoreInt64(&m.layoutCacheHits, 0)
	atomic.StoreInt64(&m.layoutCacheMiss, 0)
	atomic.StoreInt64(&m.layoutFetches, 0)
	atomic.StoreInt64(&m.layoutFetchFails, 0)
	atomic.StoreInt64(&m.preimagesPooled, 0)
	atomic.StoreInt64(&m.explorerStates, 0)
	atomic.StoreInt64(&m.budgetExhausted, 0)

	m.totalTraceDuration = 0
	m.avgTraceTime = 0
	m.lastResetTime = time.Now()
}
