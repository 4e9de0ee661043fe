package snapshot

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/blksnap-go/blksnap/internal/constants"
	"github.com/blksnap-go/blksnap/internal/diffarea"
	"github.com/blksnap-go/blksnap/internal/diffbuffer"
	"github.com/blksnap-go/blksnap/internal/diffstorage"
	"github.com/blksnap-go/blksnap/internal/events"
	"github.com/blksnap-go/blksnap/internal/logging"
	"github.com/blksnap-go/blksnap/internal/snapimage"
	"github.com/blksnap-go/blksnap/internal/tracker"
)

// Snapshot is a multi-device transaction that atomically takes,
// holds, and releases a consistent capture across a fixed set of
// devices.
type Snapshot struct {
	id uuid.UUID

	mu          sync.Mutex
	trackers    map[DeviceID]*tracker.Tracker
	specs       map[DeviceID]DeviceSpec
	deviceOrder []DeviceID // fixed sort order: the lock-acquisition order for take/release

	diffAreas      map[DeviceID]*diffarea.Area
	images         map[DeviceID]*snapimage.Image
	storage        *diffstorage.Storage
	storageBackend diffarea.StorageBackend

	events *events.Queue
	taken  bool
}

// ID returns the snapshot's UUID.
func (s *Snapshot) ID() uuid.UUID { return s.id }

func (s *Snapshot) isTaken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taken
}

// take runs the eight-step sequence from spec.md §4.G: best-effort
// freeze, allocate the diff area, tracker.Take (which itself acquires that
// tracker's submit-lock exclusively and switches its CBT), thaw,
// verify no diff area corrupted, then publish one image per tracker.
// Every step operates on devices in the snapshot's fixed sort order,
// satisfying the engine-wide deadlock-avoidance order from spec.md §5
// without needing to hold every tracker's lock simultaneously: no
// code path ever holds two trackers' submit-locks at once, so a fixed
// global visitation order is sufficient to avoid inversion (see
// SPEC_FULL.md §5).
func (s *Snapshot) take(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.taken {
		return ErrAlreadyTaken
	}

	for _, devID := range s.deviceOrder {
		spec := s.specs[devID]
		tr := s.trackers[devID]

		tr.FreezeBestEffort(ctx)

		_, chunkSectors := diffarea.CalculateChunkShift(spec.CapacitySectors)
		pool := diffbuffer.New(
			diffbuffer.ChunkSizeBytes(chunkSectors, spec.SectorSize),
			constants.FreeDiffBufferPoolSize,
		)

		area := diffarea.New(diffarea.Config{
			ChunkSizeSectors: chunkSectors,
			SectorSize:       spec.SectorSize,
			DeviceSectors:    spec.CapacitySectors,
			Storage:          s.storage,
			StorageBackend:   s.storageBackend,
			Pool:             pool,
			Original:         spec.Original,
			CacheCapacity:    constants.ChunkMaximumInCache,
			MaxInflight:      32,
		})
		s.diffAreas[devID] = area

		tr.Take(area, spec.CapacitySectors)

		if err := tr.Thaw(ctx); err != nil {
			logging.Warnf("snapshot %s: thaw failed for device %+v: %v", s.id, devID, err)
		}
	}

	for _, devID := range s.deviceOrder {
		area := s.diffAreas[devID]
		if area.IsCorrupted() {
			s.rollbackTakeLocked()
			return fmt.Errorf("snapshot: diff area for device %+v corrupted during take: %w", devID, area.CorruptedError())
		}
	}

	for _, devID := range s.deviceOrder {
		area := s.diffAreas[devID]
		cbt := s.trackers[devID].CBT()
		s.images[devID] = snapimage.New(s.specs[devID].SectorSize, area, cbt)
	}

	s.taken = true
	return nil
}

// rollbackTakeLocked reverses partially applied take state. CBT
// switches already performed are not reversed (DESIGN.md's Open
// Question #3 resolution): only trackers and diff areas are undone.
func (s *Snapshot) rollbackTakeLocked() {
	for _, devID := range s.deviceOrder {
		if tr, ok := s.trackers[devID]; ok {
			tr.Release()
		}
	}
	for devID := range s.diffAreas {
		delete(s.diffAreas, devID)
	}
}

// release destroys images, clears taken on every tracker, and detaches
// diff areas, retaining CBT for future incremental tracking.
func (s *Snapshot) release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.taken {
		return ErrNotTaken
	}

	for _, devID := range s.deviceOrder {
		if img, ok := s.images[devID]; ok {
			img.Close()
			delete(s.images, devID)
		}
	}

	for _, devID := range s.deviceOrder {
		tr := s.trackers[devID]
		tr.FreezeBestEffort(ctx)
		tr.Release()
		if err := tr.Thaw(ctx); err != nil {
			logging.Warnf("snapshot %s: thaw failed for device %+v: %v", s.id, devID, err)
		}
		delete(s.diffAreas, devID)
	}

	s.events.Emit(events.Terminate, nil)
	s.taken = false
	return nil
}

func (s *Snapshot) collectImages() []ImageInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ImageInfo, 0, len(s.images))
	for _, devID := range s.deviceOrder {
		area, ok := s.diffAreas[devID]
		if !ok {
			continue
		}
		out = append(out, ImageInfo{Original: devID, Chunks: area.ChunkCount()})
	}
	return out
}

func (s *Snapshot) image(devID DeviceID) (*snapimage.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[devID]
	if !ok {
		return nil, ErrNotFound
	}
	return img, nil
}
