// Package blksnap provides the public control API for the point-in-time
// block-device snapshot engine: tracker lifecycle, multi-device
// snapshot transactions, CBT queries, and event delivery, backed by
// internal/snapshot's Registry.
package blksnap

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/blksnap-go/blksnap/internal/diffarea"
	"github.com/blksnap-go/blksnap/internal/diffstorage"
	"github.com/blksnap-go/blksnap/internal/logging"
	"github.com/blksnap-go/blksnap/internal/snapimage"
	"github.com/blksnap-go/blksnap/internal/snapshot"
	"github.com/blksnap-go/blksnap/internal/tracker"
	"github.com/blksnap-go/blksnap/internal/wire"
)

// DeviceID identifies a tracked original device by its block-device
// major/minor numbers.
type DeviceID = tracker.DeviceID

// ImageInfo pairs an original device with its snapshot image's chunk
// count, returned by SnapshotCollectImages.
type ImageInfo = snapshot.ImageInfo

// CBTInfo summarizes one tracker's CBT state, returned by
// TrackerCollect.
type CBTInfo = snapshot.CBTInfo

// DeviceSpec describes one device joining a snapshot via
// SnapshotCreate.
type DeviceSpec = snapshot.DeviceSpec

// Options configures an Engine.
type Options struct {
	// Logger receives structured log output; defaults to
	// logging.Default() if nil.
	Logger *logging.Logger

	// Observer receives metrics observations for every operation;
	// defaults to a MetricsObserver wrapping a fresh Metrics if nil.
	Observer Observer

	// DiffStorageLowWaterMark is the default low-water threshold, in
	// sectors, used by SnapshotCreate when the caller doesn't specify
	// one explicitly; defaults to DiffStorageMinimum.
	DiffStorageLowWaterMark uint64
}

// Engine is the top-level handle on the snapshot system: one registry
// of trackers and snapshots, plus the logging and metrics wired around
// every operation.
type Engine struct {
	registry *snapshot.Registry
	logger   *logging.Logger
	observer Observer
	metrics  *Metrics
	lowWater uint64
}

// New creates an Engine. A nil *Options is equivalent to &Options{}.
func New(options *Options) *Engine {
	if options == nil {
		options = &Options{}
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	metrics := NewMetrics()
	observer := options.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	lowWater := options.DiffStorageLowWaterMark
	if lowWater == 0 {
		lowWater = DiffStorageMinimum
	}

	return &Engine{
		registry: snapshot.NewRegistry(),
		logger:   logger,
		observer: observer,
		metrics:  metrics,
		lowWater: lowWater,
	}
}

// Metrics returns the engine's built-in metrics, populated whenever no
// custom Observer was supplied (or always, if the caller wraps its own
// Observer around the same Metrics).
func (e *Engine) Metrics() *Metrics { return e.metrics }

// MetricsSnapshot returns a point-in-time snapshot of the engine's
// built-in metrics.
func (e *Engine) MetricsSnapshot() MetricsSnapshot { return e.metrics.Snapshot() }

// TrackerAdd attaches the bio-interception filter to a device: freeze,
// attach, thaw, retried with exponential backoff on transient freeze
// failure (spec.md §4.E).
func (e *Engine) TrackerAdd(ctx context.Context, devID DeviceID, capacitySectors uint64, ft tracker.FreezeThaw) error {
	err := e.registry.TrackerAdd(ctx, devID, capacitySectors, ft)
	if err != nil {
		return WrapError("tracker_add", devID, err)
	}
	e.logger.Infof("tracker added for device %+v (%d sectors)", devID, capacitySectors)
	return nil
}

// TrackerRemove detaches a device's filter. Fails with CodeBusy if a
// taken snapshot still holds the tracker.
func (e *Engine) TrackerRemove(ctx context.Context, devID DeviceID) error {
	if err := e.registry.TrackerRemove(ctx, devID); err != nil {
		return WrapError("tracker_remove", devID, err)
	}
	e.logger.Infof("tracker removed for device %+v", devID)
	return nil
}

// TrackerReadCBT copies a window of a device's CBT read-map into dst,
// returning it alongside the generation UUID and snap_number_previous
// a caller needs to validate and interpret the bitmap.
func (e *Engine) TrackerReadCBT(devID DeviceID, offset uint64, dst []byte) (*wire.CBTDump, error) {
	dump, err := e.registry.TrackerReadCBT(devID, offset, dst)
	if err != nil {
		return nil, WrapError("tracker_read_cbt", devID, err)
	}
	return dump, nil
}

// TrackerCollect summarizes every tracker currently registered.
func (e *Engine) TrackerCollect() []CBTInfo {
	return e.registry.TrackerCollect()
}

// MarkDirtyBlocks marks a sector range dirty in a device's CBT map,
// for callers restoring from a backup who need downstream incremental
// backups to re-copy the restored range.
func (e *Engine) MarkDirtyBlocks(devID DeviceID, startSector, countSectors uint64) error {
	if err := e.registry.MarkDirtyBlocks(devID, startSector, countSectors); err != nil {
		return WrapError("mark_dirty_blocks", devID, err)
	}
	return nil
}

// SnapshotCreate allocates a snapshot transaction over a fixed set of
// already-tracked devices, using a dedicated diff storage pool fed
// through SnapshotAppendStorage and backed by storageBackend.
func (e *Engine) SnapshotCreate(devices []DeviceSpec, storageBackend diffarea.StorageBackend) (uuid.UUID, error) {
	id, err := e.registry.SnapshotCreate(devices, storageBackend, e.lowWater)
	if err != nil {
		return uuid.UUID{}, WrapError("snapshot_create", DeviceID{}, err)
	}
	e.logger.Infof("snapshot %s created over %d devices", id, len(devices))
	return id, nil
}

// SnapshotAppendStorage contributes a backing extent to a snapshot's
// shared diff storage pool.
func (e *Engine) SnapshotAppendStorage(id uuid.UUID, device diffstorage.DeviceID, startSector, sectorCount uint64) error {
	if err := e.registry.SnapshotAppendStorage(id, device, startSector, sectorCount); err != nil {
		return WrapError("snapshot_append_storage", DeviceID{}, err)
	}
	return nil
}

// SnapshotTake executes the take sequence across every device in the
// snapshot: best-effort freeze, CBT switch and diff-area allocation,
// thaw, then publish of a read/write image per device (spec.md §4.G).
func (e *Engine) SnapshotTake(ctx context.Context, id uuid.UUID) error {
	err := e.registry.SnapshotTake(ctx, id)
	e.observer.ObserveTake(err == nil)
	if err != nil {
		return WrapError("snapshot_take", DeviceID{}, err)
	}
	e.logger.Infof("snapshot %s taken", id)
	return nil
}

// SnapshotRelease tears a taken snapshot back down, retaining CBT for
// future incremental tracking.
func (e *Engine) SnapshotRelease(ctx context.Context, id uuid.UUID) error {
	err := e.registry.SnapshotRelease(ctx, id)
	e.observer.ObserveRelease(err == nil)
	if err != nil {
		return WrapError("snapshot_release", DeviceID{}, err)
	}
	e.logger.Infof("snapshot %s released", id)
	return nil
}

// SnapshotDestroy releases (if taken) and removes a snapshot from the
// engine entirely.
func (e *Engine) SnapshotDestroy(ctx context.Context, id uuid.UUID) error {
	if err := e.registry.SnapshotDestroy(ctx, id); err != nil {
		return WrapError("snapshot_destroy", DeviceID{}, err)
	}
	e.logger.Infof("snapshot %s destroyed", id)
	return nil
}

// SnapshotWaitEvent blocks until a snapshot's event queue has an event,
// the context is done, or timeout elapses. A zero timeout waits
// indefinitely, bounded only by ctx.
func (e *Engine) SnapshotWaitEvent(ctx context.Context, id uuid.UUID, timeout time.Duration) (Event, error) {
	ev, err := e.registry.SnapshotWaitEvent(ctx, id, timeout)
	if err != nil {
		return Event{}, WrapError("snapshot_wait_event", DeviceID{}, err)
	}
	e.observer.ObserveEvent(ev.Code)
	return ev, nil
}

// SnapshotCollect lists every snapshot UUID currently registered.
func (e *Engine) SnapshotCollect() []uuid.UUID {
	return e.registry.SnapshotCollect()
}

// SnapshotCollectImages lists the images published by a taken
// snapshot.
func (e *Engine) SnapshotCollectImages(id uuid.UUID) ([]ImageInfo, error) {
	infos, err := e.registry.SnapshotCollectImages(id)
	if err != nil {
		return nil, WrapError("snapshot_collect_images", DeviceID{}, err)
	}
	return infos, nil
}

// SnapshotImageRead reads segments from a taken snapshot's image for
// one device, reconstructing pre-snapshot content from diff storage
// where chunks have since been overwritten.
func (e *Engine) SnapshotImageRead(ctx context.Context, id uuid.UUID, devID DeviceID, segments []snapimage.Segment) (snapimage.Status, error) {
	img, err := e.registry.SnapshotImage(id, devID)
	if err != nil {
		return snapimage.StatusIOErr, WrapError("snapshot_image_read", devID, err)
	}

	var bytes uint64
	for _, seg := range segments {
		bytes += uint64(len(seg.Data))
	}

	status, err := img.Do(ctx, segments)
	e.observer.ObserveImageRead(bytes, err == nil && status == snapimage.StatusOK)
	if err != nil {
		return status, WrapError("snapshot_image_read", devID, err)
	}
	return status, nil
}
