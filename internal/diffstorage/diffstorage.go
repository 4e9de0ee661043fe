// Package diffstorage implements the pool of preallocated backing
// extents a snapshot's diff area draws from (spec.md §4.C), grounded
// on original_source/tests/cpp/diff_storage.cpp's extent-cursor model
// and wired to internal/events for low-space/out-of-space notification.
package diffstorage

import (
	"errors"
	"sync"

	"github.com/blksnap-go/blksnap/internal/events"
)

// ErrNoSpace is returned by GetStore once the storage is exhausted.
var ErrNoSpace = errors.New("diffstorage: out of space")

// DeviceID identifies a backing block device by major/minor pair, the
// same identity the original ioctl surface used.
type DeviceID struct {
	Major uint32
	Minor uint32
}

// Extent is a contiguous sector range on a single backing device.
type Extent struct {
	Device DeviceID
	Start  uint64
	Count  uint64
}

// Storage is a mutex-protected queue of extents with a monotonic
// allocation cursor. It never splits an allocation across two
// extents: if the current head extent cannot satisfy a request in
// full, its remaining tail is discarded and allocation resumes at the
// next extent.
type Storage struct {
	mu sync.Mutex

	extents    []Extent
	headOffset uint64

	totalCapacity uint64
	totalFree     uint64

	lowWaterMark uint64
	lowEmitted   bool
	exhausted    bool

	events *events.Queue
}

// New creates an empty diff storage. lowWaterMark is the free-sector
// threshold below which LOW_FREE_SPACE fires once; eventQueue receives
// LOW_FREE_SPACE/OUT_OF_SPACE notifications.
func New(lowWaterMark uint64, eventQueue *events.Queue) *Storage {
	return &Storage{lowWaterMark: lowWaterMark, events: eventQueue}
}

// Append contributes a user-supplied range on a backing device to the
// free pool.
func (s *Storage) Append(device DeviceID, start, count uint64) {
	if count == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.extents = append(s.extents, Extent{Device: device, Start: start, Count: count})
	s.totalCapacity += count
	s.totalFree += count

	if s.exhausted && s.totalFree > 0 {
		s.exhausted = false
	}
}

// GetStore allocates a contiguous sub-extent of size sectors.
func (s *Storage) GetStore(size uint64) (Extent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exhausted {
		return Extent{}, ErrNoSpace
	}

	for {
		if len(s.extents) == 0 {
			s.latchExhausted()
			return Extent{}, ErrNoSpace
		}

		head := s.extents[0]
		avail := head.Count - s.headOffset
		if avail < size {
			s.totalFree -= avail
			s.extents = s.extents[1:]
			s.headOffset = 0
			continue
		}

		extent := Extent{Device: head.Device, Start: head.Start + s.headOffset, Count: size}
		s.headOffset += size
		s.totalFree -= size
		if s.headOffset == head.Count {
			s.extents = s.extents[1:]
			s.headOffset = 0
		}

		s.checkWatermarks()
		return extent, nil
	}
}

func (s *Storage) latchExhausted() {
	if s.exhausted {
		return
	}
	s.exhausted = true
	if s.events != nil {
		s.events.Emit(events.OutOfSpace, nil)
	}
}

func (s *Storage) checkWatermarks() {
	if s.totalFree == 0 {
		s.latchExhausted()
		return
	}
	if !s.lowEmitted && s.totalFree < s.lowWaterMark {
		s.lowEmitted = true
		if s.events != nil {
			s.events.Emit(events.LowFreeSpace, events.LowFreeSpaceData{Free: s.totalFree})
		}
	}
}

// CapacityHint returns the total sector count ever appended.
func (s *Storage) CapacityHint() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalCapacity
}

// Free returns the currently unallocated sector count.
func (s *Storage) Free() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalFree
}

// IsExhausted reports whether the storage has latched OUT_OF_SPACE.
func (s *Storage) IsExhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}
