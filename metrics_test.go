package blksnap

import (
	"testing"
	"time"

	"github.com/blksnap-go/blksnap/internal/events"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.ChunksCopied != 0 {
		t.Errorf("expected 0 initial chunks copied, got %d", snap.ChunksCopied)
	}

	m.RecordCopy(262144, 1_000_000, true)
	m.RecordCopy(262144, 2_000_000, true)
	m.RecordCopy(262144, 500_000, false)

	snap = m.Snapshot()

	if snap.ChunksCopied != 2 {
		t.Errorf("expected 2 chunks copied, got %d", snap.ChunksCopied)
	}
	if snap.ChunksFailed != 1 {
		t.Errorf("expected 1 chunk failed, got %d", snap.ChunksFailed)
	}
	if snap.BytesCopied != 524288 {
		t.Errorf("expected 524288 bytes copied, got %d", snap.BytesCopied)
	}

	expectedErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsImageAndLifecycleOps(t *testing.T) {
	m := NewMetrics()

	m.RecordImageRead(4096, true)
	m.RecordImageRead(4096, false)
	m.RecordImageWrite(4096, true)
	m.RecordTake(true)
	m.RecordTake(false)
	m.RecordRelease(true)

	snap := m.Snapshot()
	if snap.ImageReadOps != 2 || snap.ImageReadBytes != 4096 {
		t.Errorf("unexpected image read stats: %+v", snap)
	}
	if snap.ImageErrors != 1 {
		t.Errorf("expected 1 image error, got %d", snap.ImageErrors)
	}
	if snap.ImageWriteOps != 1 || snap.ImageWriteBytes != 4096 {
		t.Errorf("unexpected image write stats: %+v", snap)
	}
	if snap.TakeOps != 2 || snap.TakeErrors != 1 {
		t.Errorf("unexpected take stats: %+v", snap)
	}
	if snap.ReleaseOps != 1 || snap.ReleaseErrors != 0 {
		t.Errorf("unexpected release stats: %+v", snap)
	}
}

func TestMetricsEventCounts(t *testing.T) {
	m := NewMetrics()

	m.RecordEvent(events.LowFreeSpace)
	m.RecordEvent(events.LowFreeSpace)
	m.RecordEvent(events.OutOfSpace)

	snap := m.Snapshot()
	if snap.EventCounts[events.LowFreeSpace] != 2 {
		t.Errorf("expected 2 low-free-space events, got %d", snap.EventCounts[events.LowFreeSpace])
	}
	if snap.EventCounts[events.OutOfSpace] != 1 {
		t.Errorf("expected 1 out-of-space event, got %d", snap.EventCounts[events.OutOfSpace])
	}
	if snap.EventCounts[events.Corrupted] != 0 {
		t.Errorf("expected 0 corrupted events, got %d", snap.EventCounts[events.Corrupted])
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordCopy(262144, 1_000_000, true)
	m.RecordCopy(262144, 2_000_000, true)

	snap := m.Snapshot()

	expectedAvgNs := uint64(1_500_000)
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*1000000 {
		t.Errorf("expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1000000 {
		t.Errorf("uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordCopy(262144, 1_000_000, true)
	m.RecordEvent(events.LowFreeSpace)

	snap := m.Snapshot()
	if snap.ChunksCopied == 0 {
		t.Error("expected some chunks copied before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.ChunksCopied != 0 {
		t.Errorf("expected 0 chunks copied after reset, got %d", snap.ChunksCopied)
	}
	if snap.BytesCopied != 0 {
		t.Errorf("expected 0 bytes copied after reset, got %d", snap.BytesCopied)
	}
	if snap.EventCounts[events.LowFreeSpace] != 0 {
		t.Errorf("expected 0 low-free-space events after reset, got %d", snap.EventCounts[events.LowFreeSpace])
	}
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveCopy(262144, 1_000_000, true)
	observer.ObserveImageRead(4096, true)
	observer.ObserveImageWrite(4096, true)
	observer.ObserveTake(true)
	observer.ObserveRelease(true)
	observer.ObserveEvent(events.LowFreeSpace)

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveCopy(262144, 1_000_000, true)
	metricsObserver.ObserveImageRead(4096, true)

	snap := m.Snapshot()
	if snap.ChunksCopied != 1 {
		t.Errorf("expected 1 chunk copied from observer, got %d", snap.ChunksCopied)
	}
	if snap.ImageReadOps != 1 || snap.ImageReadBytes != 4096 {
		t.Errorf("unexpected image read stats from observer: %+v", snap)
	}
}

func TestMetricsThroughput(t *testing.T) {
	m := NewMetrics()

	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	m.RecordCopy(262144, 1_000_000, true)

	stopTime := startTime.Add(1 * time.Second)
	m.StopTime.Store(stopTime.UnixNano())

	snap := m.Snapshot()
	if snap.CopyThroughputBytesPerSec < 260000 || snap.CopyThroughputBytesPerSec > 264000 {
		t.Errorf("expected throughput ~262144 B/s, got %.2f", snap.CopyThroughputBytesPerSec)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordCopy(262144, 500_000, true) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordCopy(262144, 5_000_000, true) // 5ms
	}
	m.RecordCopy(262144, 50_000_000, true) // 50ms, the slowest copy

	snap := m.Snapshot()

	if snap.ChunksCopied != 100 {
		t.Errorf("expected 100 chunks copied, got %d", snap.ChunksCopied)
	}

	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}
	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	if totalInBuckets == 0 {
		t.Error("expected histogram buckets to be populated")
	}
}
