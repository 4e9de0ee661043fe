// Package tracker implements the bio-interception filter for one
// original device (spec.md §4.E): it serializes writes against
// snapshot take/release with a reader/writer submit-lock, routes
// writes through copy-on-write, and keeps the CBT map current. It is
// grounded on original_source/module/tracker.h's
// submit_lock/snapshot_is_taken pairing, realized with sync.RWMutex in
// place of the kernel's percpu_rw_semaphore.
package tracker

import (
	"context"
	"errors"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/blksnap-go/blksnap/internal/cbtmap"
	"github.com/blksnap-go/blksnap/internal/constants"
	"github.com/blksnap-go/blksnap/internal/diffarea"
	"github.com/blksnap-go/blksnap/internal/logging"
)

// ErrWouldBlock is returned from Submit when the bio is NOWAIT and the
// submit-lock, or a downstream copy-on-write step, is contended.
var ErrWouldBlock = errors.New("tracker: operation would block")

// ErrBusy is returned from Remove when a snapshot is currently taken
// on this tracker.
var ErrBusy = errors.New("tracker: snapshot is taken")

// DeviceID identifies the tracked original device.
type DeviceID struct {
	Major uint32
	Minor uint32
}

// Bio is one intercepted I/O request against the original device.
type Bio struct {
	Sector uint64
	Count  uint64 // sectors
	Write  bool
	NoWait bool
}

// FreezeThaw quiesces and resumes filesystem I/O on the original
// device around a filter attach/detach or a snapshot take/release.
type FreezeThaw interface {
	Freeze(ctx context.Context) error
	Thaw(ctx context.Context) error
}

// Tracker filters bios for one original device.
type Tracker struct {
	submitLock sync.RWMutex

	devID    DeviceID
	capacity uint64
	ft       FreezeThaw

	cbt      *cbtmap.Map
	diffArea *diffarea.Area
	taken    bool
	attached bool
}

// New creates a Tracker for a device of the given capacity in
// sectors.
func New(devID DeviceID, capacitySectors uint64, ft FreezeThaw) *Tracker {
	return &Tracker{
		devID:    devID,
		capacity: capacitySectors,
		ft:       ft,
		cbt:      cbtmap.New(capacitySectors),
	}
}

// CBT returns the tracker's CBT map.
func (t *Tracker) CBT() *cbtmap.Map { return t.cbt }

// Capacity returns the tracked device's capacity in sectors.
func (t *Tracker) Capacity() uint64 { return t.capacity }

// IsTaken reports whether a snapshot currently owns this tracker.
func (t *Tracker) IsTaken() bool {
	t.submitLock.RLock()
	defer t.submitLock.RUnlock()
	return t.taken
}

// Submit runs one bio through the filter pipeline: CBT update, then
// (if a snapshot is taken and the diff area is healthy) copy-on-write.
func (t *Tracker) Submit(bio Bio) error {
	if bio.NoWait {
		if !t.submitLock.TryRLock() {
			return ErrWouldBlock
		}
	} else {
		t.submitLock.RLock()
	}
	defer t.submitLock.RUnlock()

	if !bio.Write || bio.Count == 0 {
		return nil
	}

	if err := t.cbt.Set(bio.Sector, bio.Count); err != nil {
		logging.Errorf("tracker: cbt set failed for device %+v: %v", t.devID, err)
	}

	if !t.taken {
		return nil
	}

	area := t.diffArea
	if area == nil || area.IsCorrupted() {
		return nil
	}

	if err := area.Copy(bio.Sector, bio.Count, bio.NoWait); err != nil {
		if errors.Is(err, diffarea.ErrWouldBlock) {
			return ErrWouldBlock
		}
		logging.Errorf("tracker: copy failed for device %+v: %v", t.devID, err)
	}
	return nil
}

// Take binds a diff area to the tracker and switches the CBT epoch.
// CBT is reset first if it is corrupted or the device capacity has
// changed since the last reset.
func (t *Tracker) Take(area *diffarea.Area, currentCapacity uint64) {
	t.submitLock.Lock()
	defer t.submitLock.Unlock()

	if t.cbt.IsCorrupted() || currentCapacity != t.capacity {
		t.cbt.Reset(currentCapacity)
		t.capacity = currentCapacity
	}
	t.cbt.Switch()
	t.diffArea = area
	t.taken = true
}

// Release detaches the snapshot from the tracker. The diff area
// itself is torn down by the owning Snapshot afterward.
func (t *Tracker) Release() {
	t.submitLock.Lock()
	defer t.submitLock.Unlock()
	t.taken = false
	t.diffArea = nil
}

func (t *Tracker) freezeWithRetry(ctx context.Context, op func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = constants.FreezeRetryInitialInterval
	b.MaxElapsedTime = constants.FreezeRetryMaxElapsed
	return backoff.Retry(func() error {
		return op(ctx)
	}, backoff.WithContext(b, ctx))
}

// Add opens the device for filtering: freeze, attach, thaw.
func (t *Tracker) Add(ctx context.Context) error {
	if err := t.freezeWithRetry(ctx, t.ft.Freeze); err != nil {
		return err
	}
	t.submitLock.Lock()
	t.attached = true
	t.submitLock.Unlock()
	return t.ft.Thaw(ctx)
}

// FreezeBestEffort attempts to freeze the device's filesystem ahead of
// a multi-device snapshot take, logging and continuing on failure
// rather than aborting the whole transaction.
func (t *Tracker) FreezeBestEffort(ctx context.Context) {
	if err := t.ft.Freeze(ctx); err != nil {
		logging.Warnf("tracker: freeze failed for device %+v: %v", t.devID, err)
	}
}

// Thaw resumes the device's filesystem after a snapshot take/release.
func (t *Tracker) Thaw(ctx context.Context) error {
	return t.ft.Thaw(ctx)
}

// Remove detaches the filter: refuses while a snapshot is taken,
// otherwise freeze, detach, thaw.
func (t *Tracker) Remove(ctx context.Context) error {
	if t.IsTaken() {
		return ErrBusy
	}
	if err := t.freezeWithRetry(ctx, t.ft.Freeze); err != nil {
		return err
	}
	t.submitLock.Lock()
	t.attached = false
	t.submitLock.Unlock()
	return t.ft.Thaw(ctx)
}
