package blksnap

import (
	"sync/atomic"
	"time"

	"github.com/blksnap-go/blksnap/internal/events"
)

// LatencyBuckets defines the chunk-copy latency histogram buckets in
// nanoseconds, spanning 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8
const numEventCodes = 4

// Metrics tracks performance and operational statistics for an Engine
// and the snapshots it manages.
type Metrics struct {
	ChunksCopied atomic.Uint64
	ChunksFailed atomic.Uint64
	BytesCopied  atomic.Uint64

	ImageReadOps    atomic.Uint64
	ImageReadBytes  atomic.Uint64
	ImageWriteOps   atomic.Uint64
	ImageWriteBytes atomic.Uint64
	ImageErrors     atomic.Uint64

	TakeOps      atomic.Uint64
	TakeErrors   atomic.Uint64
	ReleaseOps   atomic.Uint64
	ReleaseErrors atomic.Uint64

	EventCounts [numEventCodes]atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// LatencyBuckets[i] is the count of chunk copies with latency <=
	// LatencyBuckets[i] (cumulative).
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordCopy records one chunk copy from the diff area into diff
// storage.
func (m *Metrics) RecordCopy(bytes uint64, latencyNs uint64, success bool) {
	if success {
		m.ChunksCopied.Add(1)
		m.BytesCopied.Add(bytes)
	} else {
		m.ChunksFailed.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordImageRead records a read against a published snapshot image.
func (m *Metrics) RecordImageRead(bytes uint64, success bool) {
	m.ImageReadOps.Add(1)
	if success {
		m.ImageReadBytes.Add(bytes)
	} else {
		m.ImageErrors.Add(1)
	}
}

// RecordImageWrite records a write intercepted for an original
// device, independent of the snapshot image it protects.
func (m *Metrics) RecordImageWrite(bytes uint64, success bool) {
	m.ImageWriteOps.Add(1)
	if success {
		m.ImageWriteBytes.Add(bytes)
	} else {
		m.ImageErrors.Add(1)
	}
}

// RecordTake records a SnapshotTake call's outcome.
func (m *Metrics) RecordTake(success bool) {
	m.TakeOps.Add(1)
	if !success {
		m.TakeErrors.Add(1)
	}
}

// RecordRelease records a SnapshotRelease call's outcome.
func (m *Metrics) RecordRelease(success bool) {
	m.ReleaseOps.Add(1)
	if !success {
		m.ReleaseErrors.Add(1)
	}
}

// RecordEvent tallies one emitted event by code.
func (m *Metrics) RecordEvent(code events.Code) {
	if int(code) >= 0 && int(code) < numEventCodes {
		m.EventCounts[code].Add(1)
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the engine as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics with
// derived statistics filled in.
type MetricsSnapshot struct {
	ChunksCopied uint64
	ChunksFailed uint64
	BytesCopied  uint64

	ImageReadOps    uint64
	ImageReadBytes  uint64
	ImageWriteOps   uint64
	ImageWriteBytes uint64
	ImageErrors     uint64

	TakeOps       uint64
	TakeErrors    uint64
	ReleaseOps    uint64
	ReleaseErrors uint64

	EventCounts [numEventCodes]uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	CopyThroughputBytesPerSec float64
	ErrorRate                 float64
}

// Snapshot computes a point-in-time MetricsSnapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ChunksCopied:    m.ChunksCopied.Load(),
		ChunksFailed:    m.ChunksFailed.Load(),
		BytesCopied:     m.BytesCopied.Load(),
		ImageReadOps:    m.ImageReadOps.Load(),
		ImageReadBytes:  m.ImageReadBytes.Load(),
		ImageWriteOps:   m.ImageWriteOps.Load(),
		ImageWriteBytes: m.ImageWriteBytes.Load(),
		ImageErrors:     m.ImageErrors.Load(),
		TakeOps:         m.TakeOps.Load(),
		TakeErrors:      m.TakeErrors.Load(),
		ReleaseOps:      m.ReleaseOps.Load(),
		ReleaseErrors:   m.ReleaseErrors.Load(),
	}
	for i := range snap.EventCounts {
		snap.EventCounts[i] = m.EventCounts[i].Load()
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.CopyThroughputBytesPerSec = float64(snap.BytesCopied) / uptimeSeconds
	}

	totalOps := snap.ChunksCopied + snap.ChunksFailed
	if totalOps > 0 {
		snap.ErrorRate = float64(snap.ChunksFailed) / float64(totalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the copy latency at the given
// percentile (0.0-1.0) by linear interpolation between histogram
// buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes all counters and restarts the uptime clock. Useful for
// tests.
func (m *Metrics) Reset() {
	m.ChunksCopied.Store(0)
	m.ChunksFailed.Store(0)
	m.BytesCopied.Store(0)
	m.ImageReadOps.Store(0)
	m.ImageReadBytes.Store(0)
	m.ImageWriteOps.Store(0)
	m.ImageWriteBytes.Store(0)
	m.ImageErrors.Store(0)
	m.TakeOps.Store(0)
	m.TakeErrors.Store(0)
	m.ReleaseOps.Store(0)
	m.ReleaseErrors.Store(0)
	for i := range m.EventCounts {
		m.EventCounts[i].Store(0)
	}
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection, so an Engine can fan
// observations out to both the built-in Metrics and e.g. a Prometheus
// exporter.
type Observer interface {
	ObserveCopy(bytes uint64, latencyNs uint64, success bool)
	ObserveImageRead(bytes uint64, success bool)
	ObserveImageWrite(bytes uint64, success bool)
	ObserveTake(success bool)
	ObserveRelease(success bool)
	ObserveEvent(code events.Code)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCopy(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveImageRead(uint64, bool)     {}
func (NoOpObserver) ObserveImageWrite(uint64, bool)    {}
func (NoOpObserver) ObserveTake(bool)                  {}
func (NoOpObserver) ObserveRelease(bool)                {}
func (NoOpObserver) ObserveEvent(events.Code)          {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCopy(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordCopy(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveImageRead(bytes uint64, success bool) {
	o.metrics.RecordImageRead(bytes, success)
}

func (o *MetricsObserver) ObserveImageWrite(bytes uint64, success bool) {
	o.metrics.RecordImageWrite(bytes, success)
}

func (o *MetricsObserver) ObserveTake(success bool) {
	o.metrics.RecordTake(success)
}

func (o *MetricsObserver) ObserveRelease(success bool) {
	o.metrics.RecordRelease(success)
}

func (o *MetricsObserver) ObserveEvent(code events.Code) {
	o.metrics.RecordEvent(code)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
