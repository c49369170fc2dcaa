package lookup

import (
	"sort"
	"sync"
	"time"
)

// Metrics accumulates counters for one coordinator batch. The coordinator
// is the only writer while a run is in progress; callers read the summary
// after Run returns.
type Metrics struct {
	mu                sync.Mutex
	cacheHits         int64
	cacheMisses       int64
	retries           int64
	failures          int64
	circuitRejections int64
	queueWaits        []time.Duration
}

// Summary is a read-only snapshot of a completed batch.
type Summary struct {
	CacheHits         int64
	CacheMisses       int64
	Retries           int64
	Failures          int64
	CircuitRejections int64
	QueueWaitSamples  int
	AvgQueueWait      time.Duration
	P95QueueWait      time.Duration
	MaxQueueWait      time.Duration
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) AddCacheHit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheHits++
}

func (m *Metrics) AddCacheMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheMisses++
}

func (m *Metrics) AddRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

func (m *Metrics) AddFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
}

func (m *Metrics) AddCircuitRejection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circuitRejections++
}

func (m *Metrics) AddQueueWait(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueWaits = append(m.queueWaits, d)
}

func (m *Metrics) Retries() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.retries
}

func (m *Metrics) CircuitRejections() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.circuitRejections
}

func (m *Metrics) Summarize() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{
		CacheHits:         m.cacheHits,
		CacheMisses:       m.cacheMisses,
		Retries:           m.retries,
		Failures:          m.failures,
		CircuitRejections: m.circuitRejections,
		QueueWaitSamples:  len(m.queueWaits),
	}
	if len(m.queueWaits) == 0 {
		return s
	}

	sorted := make([]time.Duration, len(m.queueWaits))
	copy(sorted, m.queueWaits)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	s.AvgQueueWait = total / time.Duration(len(sorted))
	s.MaxQueueWait = sorted[len(sorted)-1]
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	s.P95QueueWait = sorted[idx]

	return s
}
