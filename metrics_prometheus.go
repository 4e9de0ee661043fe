package blksnap

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/blksnap-go/blksnap/internal/events"
)

// PrometheusObserver implements Observer by exporting counters and a
// latency histogram to a prometheus.Registerer, following the
// package-level-collector-plus-registration idiom used elsewhere in
// this ecosystem for block-device-backed components.
type PrometheusObserver struct {
	chunksCopied *prometheus.CounterVec
	chunksFailed prometheus.Counter
	bytesCopied  prometheus.Counter

	imageReadOps    *prometheus.CounterVec
	imageReadBytes  prometheus.Counter
	imageWriteOps   *prometheus.CounterVec
	imageWriteBytes prometheus.Counter

	takeOps    *prometheus.CounterVec
	releaseOps *prometheus.CounterVec

	eventsEmitted *prometheus.CounterVec

	copyLatency prometheus.Histogram
}

// NewPrometheusObserver creates an Observer and registers its
// collectors against reg. Calling code typically registers one
// instance per Engine using a dedicated prometheus.Registry so that
// metrics from multiple engines in the same process don't collide on
// the default global registry.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	o := &PrometheusObserver{
		chunksCopied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blksnap",
			Subsystem: "diffarea",
			Name:      "chunks_copied_total",
			Help:      "Number of chunks copied from the original device into diff storage, by outcome.",
		}, []string{"result"}),
		chunksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blksnap",
			Subsystem: "diffarea",
			Name:      "chunks_failed_total",
			Help:      "Number of chunk copies that failed and latched the owning diff area as corrupted.",
		}),
		bytesCopied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blksnap",
			Subsystem: "diffarea",
			Name:      "bytes_copied_total",
			Help:      "Bytes successfully copied into diff storage.",
		}),
		imageReadOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blksnap",
			Subsystem: "snapimage",
			Name:      "read_ops_total",
			Help:      "Reads served from a published snapshot image, by outcome.",
		}, []string{"result"}),
		imageReadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blksnap",
			Subsystem: "snapimage",
			Name:      "read_bytes_total",
			Help:      "Bytes successfully read from a published snapshot image.",
		}),
		imageWriteOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blksnap",
			Subsystem: "tracker",
			Name:      "write_ops_total",
			Help:      "Writes intercepted for an original device, by outcome.",
		}, []string{"result"}),
		imageWriteBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blksnap",
			Subsystem: "tracker",
			Name:      "write_bytes_total",
			Help:      "Bytes successfully written to an original device.",
		}),
		takeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blksnap",
			Subsystem: "snapshot",
			Name:      "take_ops_total",
			Help:      "SnapshotTake calls, by outcome.",
		}, []string{"result"}),
		releaseOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blksnap",
			Subsystem: "snapshot",
			Name:      "release_ops_total",
			Help:      "SnapshotRelease calls, by outcome.",
		}, []string{"result"}),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blksnap",
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Events emitted onto a snapshot's event queue, by code.",
		}, []string{"code"}),
		copyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "blksnap",
			Subsystem: "diffarea",
			Name:      "copy_latency_seconds",
			Help:      "Latency of copying one chunk from the original device into diff storage.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 10, 8),
		}),
	}

	reg.MustRegister(
		o.chunksCopied, o.chunksFailed, o.bytesCopied,
		o.imageReadOps, o.imageReadBytes,
		o.imageWriteOps, o.imageWriteBytes,
		o.takeOps, o.releaseOps,
		o.eventsEmitted, o.copyLatency,
	)
	return o
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func (o *PrometheusObserver) ObserveCopy(bytes uint64, latencyNs uint64, success bool) {
	o.chunksCopied.WithLabelValues(resultLabel(success)).Inc()
	if success {
		o.bytesCopied.Add(float64(bytes))
	} else {
		o.chunksFailed.Inc()
	}
	o.copyLatency.Observe(float64(latencyNs) / 1e9)
}

func (o *PrometheusObserver) ObserveImageRead(bytes uint64, success bool) {
	o.imageReadOps.WithLabelValues(resultLabel(success)).Inc()
	if success {
		o.imageReadBytes.Add(float64(bytes))
	}
}

func (o *PrometheusObserver) ObserveImageWrite(bytes uint64, success bool) {
	o.imageWriteOps.WithLabelValues(resultLabel(success)).Inc()
	if success {
		o.imageWriteBytes.Add(float64(bytes))
	}
}

func (o *PrometheusObserver) ObserveTake(success bool) {
	o.takeOps.WithLabelValues(resultLabel(success)).Inc()
}

func (o *PrometheusObserver) ObserveRelease(success bool) {
	o.releaseOps.WithLabelValues(resultLabel(success)).Inc()
}

func (o *PrometheusObserver) ObserveEvent(code events.Code) {
	o.eventsEmitted.WithLabelValues(code.String()).Inc()
}

var _ Observer = (*PrometheusObserver)(nil)
