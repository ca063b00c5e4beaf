package reactor

import (
	"sync/atomic"
	"time"
)

// BatchBuckets defines the drain batch-size histogram buckets.
var BatchBuckets = []uint64{1, 4, 16, 64, 256, 512, 1024, 2048}

const (
	numBatchBuckets = 8
	numKinds        = int(KindSocket) + 1
)

// Metrics tracks operational statistics for a reactor. Counters are atomic
// so a snapshot may be taken from another goroutine.
type Metrics struct {
	// Per-kind operation counters, indexed by Kind
	Submitted [numKinds]atomic.Uint64 // Operations queued
	Completed [numKinds]atomic.Uint64 // Completions processed
	Failed    [numKinds]atomic.Uint64 // Completions that carried a typed error
	Ignored   [numKinds]atomic.Uint64 // Kernel failures classified as expected

	// Byte counters
	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	// Ring interaction
	Flushes            atomic.Uint64 // Submit calls that reached the kernel
	FlushErrors        atomic.Uint64 // Submit calls that failed
	EntriesFlushed     atomic.Uint64 // Entries the kernel accepted
	EagerFlushes       atomic.Uint64 // Flushes forced by an error on kernels without submit-all
	Rearms             atomic.Uint64 // Accepts armed again by the reactor
	UnknownCompletions atomic.Uint64 // Completions whose token matched no borrowed record

	// Drain batch sizes
	BatchTotal   atomic.Uint64
	BatchCount   atomic.Uint64
	MaxBatchSize atomic.Uint32

	// Batch size histogram buckets (cumulative counts)
	// Each bucket[i] counts drains that returned <= BatchBuckets[i] records
	BatchBuckets [numBatchBuckets]atomic.Uint64

	StartTime atomic.Int64 // Reactor start timestamp (UnixNano)
	StopTime  atomic.Int64 // Reactor close timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit records a queued operation
func (m *Metrics) RecordSubmit(kind Kind) {
	if validKind(kind) {
		m.Submitted[kind].Add(1)
	}
}

// RecordCompletion records a processed completion. res is the raw kernel
// result; failed and ignored describe how a negative result was classified.
func (m *Metrics) RecordCompletion(kind Kind, res int32, failed, ignored bool) {
	if !validKind(kind) {
		return
	}
	m.Completed[kind].Add(1)
	switch {
	case failed:
		m.Failed[kind].Add(1)
	case ignored:
		m.Ignored[kind].Add(1)
	case res > 0 && kind == KindRead:
		m.ReadBytes.Add(uint64(res))
	case res > 0 && kind == KindWrite:
		m.WriteBytes.Add(uint64(res))
	}
}

// RecordFlush records a submit call
func (m *Metrics) RecordFlush(entries uint, success bool) {
	if !success {
		m.FlushErrors.Add(1)
		return
	}
	m.Flushes.Add(1)
	m.EntriesFlushed.Add(uint64(entries))
}

// RecordBatch records how many records one drain call returned
func (m *Metrics) RecordBatch(size int) {
	n := uint64(size)
	m.BatchTotal.Add(n)
	m.BatchCount.Add(1)

	for {
		current := m.MaxBatchSize.Load()
		if uint32(size) <= current {
			break
		}
		if m.MaxBatchSize.CompareAndSwap(current, uint32(size)) {
			break
		}
	}

	for i, bucket := range BatchBuckets {
		if n <= bucket {
			m.BatchBuckets[i].Add(1)
		}
	}
}

// Stop marks the reactor as closed
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	Submitted [numKinds]uint64
	Completed [numKinds]uint64
	Failed    [numKinds]uint64
	Ignored   [numKinds]uint64

	ReadBytes  uint64
	WriteBytes uint64

	Flushes            uint64
	FlushErrors        uint64
	EntriesFlushed     uint64
	EagerFlushes       uint64
	Rearms             uint64
	UnknownCompletions uint64

	AvgBatchSize   float64
	MaxBatchSize   uint32
	BatchP50       uint64
	BatchP99       uint64
	BatchHistogram [numBatchBuckets]uint64

	UptimeNs       uint64
	TotalSubmitted uint64
	TotalCompleted uint64
	TotalFailed    uint64
	InFlight       uint64  // Submitted minus completed, multishot accepts excluded
	CompletionRate float64 // Completions per second
	ErrorRate      float64 // Percentage of completions with a typed error
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadBytes:          m.ReadBytes.Load(),
		WriteBytes:         m.WriteBytes.Load(),
		Flushes:            m.Flushes.Load(),
		FlushErrors:        m.FlushErrors.Load(),
		EntriesFlushed:     m.EntriesFlushed.Load(),
		EagerFlushes:       m.EagerFlushes.Load(),
		Rearms:             m.Rearms.Load(),
		UnknownCompletions: m.UnknownCompletions.Load(),
		MaxBatchSize:       m.MaxBatchSize.Load(),
	}

	var acceptSubmitted, acceptCompleted uint64
	for k := 0; k < numKinds; k++ {
		snap.Submitted[k] = m.Submitted[k].Load()
		snap.Completed[k] = m.Completed[k].Load()
		snap.Failed[k] = m.Failed[k].Load()
		snap.Ignored[k] = m.Ignored[k].Load()
		snap.TotalSubmitted += snap.Submitted[k]
		snap.TotalCompleted += snap.Completed[k]
		snap.TotalFailed += snap.Failed[k]
	}
	acceptSubmitted = snap.Submitted[KindAccept]
	acceptCompleted = snap.Completed[KindAccept]

	// One multishot accept yields many completions, so accepts are left
	// out of the in-flight estimate.
	sub := snap.TotalSubmitted - acceptSubmitted
	done := snap.TotalCompleted - acceptCompleted
	if sub > done {
		snap.InFlight = sub - done
	}

	if count := m.BatchCount.Load(); count > 0 {
		snap.AvgBatchSize = float64(m.BatchTotal.Load()) / float64(count)
		snap.BatchP50 = m.batchPercentile(0.50)
		snap.BatchP99 = m.batchPercentile(0.99)
	}
	for i := 0; i < numBatchBuckets; i++ {
		snap.BatchHistogram[i] = m.BatchBuckets[i].Load()
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}
	if snap.UptimeNs > 0 {
		snap.CompletionRate = float64(snap.TotalCompleted) / (float64(snap.UptimeNs) / 1e9)
	}
	if snap.TotalCompleted > 0 {
		snap.ErrorRate = float64(snap.TotalFailed) / float64(snap.TotalCompleted) * 100.0
	}

	return snap
}

// batchPercentile estimates the batch size at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) batchPercentile(percentile float64) uint64 {
	total := m.BatchCount.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range BatchBuckets {
		count := m.BatchBuckets[i].Load()
		if count >= target {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.BatchBuckets[i-1].Load()
			}
			if count == prevCount {
				return bucket
			}
			fraction := float64(target-prevCount) / float64(count-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return BatchBuckets[numBatchBuckets-1]
}

func validKind(k Kind) bool {
	return k >= KindAccept && k <= KindSocket
}

// Observer receives reactor events, for example to export metrics.
// Calls are made from the goroutine driving the reactor.
type Observer interface {
	// ObserveSubmit is called for each queued operation
	ObserveSubmit(kind Kind)

	// ObserveCompletion is called for each processed completion
	ObserveCompletion(kind Kind, res int32, failed, ignored bool)

	// ObserveFlush is called for each submit call
	ObserveFlush(entries uint, success bool)

	// ObserveEagerFlush is called when an error forces a flush
	ObserveEagerFlush()

	// ObserveRearm is called when an accept is armed again
	ObserveRearm(listener int)

	// ObserveUnknown is called for a completion that matched no record
	ObserveUnknown(token uint64)

	// ObserveBatch is called with the size of every drain result
	ObserveBatch(size int)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit(Kind)                        {}
func (NoOpObserver) ObserveCompletion(Kind, int32, bool, bool) {}
func (NoOpObserver) ObserveFlush(uint, bool)                   {}
func (NoOpObserver) ObserveEagerFlush()                        {}
func (NoOpObserver) ObserveRearm(int)                          {}
func (NoOpObserver) ObserveUnknown(uint64)                     {}
func (NoOpObserver) ObserveBatch(int)                          {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit(kind Kind) {
	o.metrics.RecordSubmit(kind)
}

func (o *MetricsObserver) ObserveCompletion(kind Kind, res int32, failed, ignored bool) {
	o.metrics.RecordCompletion(kind, res, failed, ignored)
}

func (o *MetricsObserver) ObserveFlush(entries uint, success bool) {
	o.metrics.RecordFlush(entries, success)
}

func (o *MetricsObserver) ObserveEagerFlush() {
	o.metrics.EagerFlushes.Add(1)
}

func (o *MetricsObserver) ObserveRearm(int) {
	o.metrics.Rearms.Add(1)
}

func (o *MetricsObserver) ObserveUnknown(uint64) {
	o.metrics.UnknownCompletions.Add(1)
}

func (o *MetricsObserver) ObserveBatch(size int) {
	o.metrics.RecordBatch(size)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
