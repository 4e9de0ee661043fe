// Package cbtmap implements the Change Block Tracking map (spec.md
// §4.A): a per-device, double-buffered table of snap-numbers used to
// report which blocks changed between two snapshots. It is grounded on
// original_source/module/cbt_map.c, reworked as a single-mutex Go type
// in place of the original's kmalloc'd big_buffer and spinlock.
package cbtmap

import (
	"sync"

	"github.com/google/uuid"

	"github.com/blksnap-go/blksnap/internal/constants"
)

// ErrCorrupted is returned by every operation once the map has latched
// an out-of-range access.
var ErrCorrupted = &mapError{"cbt map corrupted"}

type mapError struct{ msg string }

func (e *mapError) Error() string { return e.msg }

// Map is a per-device CBT table: a read-map consulted by backup
// readers and a write-map mutated by the current snapshot epoch.
type Map struct {
	mu sync.Mutex

	blockShift uint
	blockSize  uint64 // sectors per block
	blockCount uint32

	readMap  []byte
	writeMap []byte

	active     uint8
	previous   uint8
	generation uuid.UUID

	corrupted bool
}

// New allocates a CBT map sized for a device of capacitySectors,
// deriving the block size per spec.md's doubling-shift search.
func New(capacitySectors uint64) *Map {
	m := &Map{generation: uuid.New()}
	m.allocate(capacitySectors)
	return m
}

// calculateBlockShift doubles the block-size shift, starting from
// constants.TrackingBlockMinimumShift, until the resulting block count
// is within constants.TrackingBlockMaximumCount. Mirrors
// cbt_map_calculate_block_size in original_source/module/cbt_map.c.
func calculateBlockShift(capacitySectors uint64) (shift uint, blockCount uint32) {
	shift = constants.TrackingBlockMinimumShift
	for {
		blockSizeSectors := uint64(1) << (shift - constants.SectorShift)
		count := (capacitySectors + blockSizeSectors - 1) / blockSizeSectors
		if count <= constants.TrackingBlockMaximumCount {
			return shift, uint32(count)
		}
		shift++
	}
}

func (m *Map) allocate(capacitySectors uint64) {
	shift, count := calculateBlockShift(capacitySectors)
	m.blockShift = shift
	m.blockSize = uint64(1) << (shift - constants.SectorShift)
	m.blockCount = count
	m.readMap = make([]byte, count)
	m.writeMap = make([]byte, count)
	m.active = 1
	m.previous = 0
	m.corrupted = false
}

// Reset reallocates both maps for a new device capacity and
// re-initializes the snap-numbers, per spec.md's reset(capacity).
func (m *Map) Reset(capacitySectors uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocate(capacitySectors)
}

// BlockSize returns the block size in sectors.
func (m *Map) BlockSize() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blockSize
}

// BlockCount returns the number of blocks in the map.
func (m *Map) BlockCount() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blockCount
}

// Generation returns the map's current generation UUID.
func (m *Map) Generation() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// Active returns the current active snap-number.
func (m *Map) Active() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Previous returns the snap-number active immediately before the last
// Switch call (0 if Switch has never been called).
func (m *Map) Previous() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previous
}

// IsCorrupted reports whether the map has latched a fault.
func (m *Map) IsCorrupted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.corrupted
}

// blockRange converts a sector range to a half-open block index range,
// returning false if the range falls outside the map.
func (m *Map) blockRange(startSector, countSectors uint64) (from, to uint32, ok bool) {
	if countSectors == 0 {
		return 0, 0, true
	}
	from64 := startSector / m.blockSize
	to64 := (startSector + countSectors - 1) / m.blockSize
	if to64 >= uint64(m.blockCount) {
		return 0, 0, false
	}
	return uint32(from64), uint32(to64) + 1, true
}

// Set marks every block overlapping [startSector, startSector+countSectors)
// with the active snap-number, as a monotonic upgrade of the write-map.
func (m *Map) Set(startSector, countSectors uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(startSector, countSectors)
}

func (m *Map) setLocked(startSector, countSectors uint64) error {
	if m.corrupted {
		return ErrCorrupted
	}
	from, to, ok := m.blockRange(startSector, countSectors)
	if !ok {
		m.corrupted = true
		return ErrCorrupted
	}
	for i := from; i < to; i++ {
		if m.writeMap[i] < m.active {
			m.writeMap[i] = m.active
		}
	}
	return nil
}

// SetBoth performs Set and additionally writes the previous snap-number
// into the read-map's cells, monotonically. Used when a consumer has
// independently learned a block is dirty (e.g. a filesystem-level
// dirty-block report) and both epochs must reflect it.
func (m *Map) SetBoth(startSector, countSectors uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.corrupted {
		return ErrCorrupted
	}
	if err := m.setLocked(startSector, countSectors); err != nil {
		return err
	}
	from, to, ok := m.blockRange(startSector, countSectors)
	if !ok {
		m.corrupted = true
		return ErrCorrupted
	}
	for i := from; i < to; i++ {
		if m.readMap[i] < m.previous {
			m.readMap[i] = m.previous
		}
	}
	return nil
}

// SwitchResult reports the outcome of a Switch call.
type SwitchResult struct {
	Previous      uint8
	Active        uint8
	Generation    uuid.UUID
	GenerationNew bool
}

// Switch copies the write-map into the read-map, advances the active
// snap-number, and handles the 1..255 overflow by zeroing the
// write-map and drawing a new generation UUID; previous stays 255 and
// the read-map keeps the copy just made (original_source's
// cbt_map_switch).
func (m *Map) Switch() SwitchResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	copy(m.readMap, m.writeMap)
	m.previous = m.active

	generationNew := false
	if m.active == 255 {
		m.active = 1
		for i := range m.writeMap {
			m.writeMap[i] = 0
		}
		m.generation = uuid.New()
		generationNew = true
	} else {
		m.active++
	}

	return SwitchResult{
		Previous:      m.previous,
		Active:        m.active,
		Generation:    m.generation,
		GenerationNew: generationNew,
	}
}

// ReadToUser copies a window of the read-map starting at offset, up to
// len(dst) bytes, returning the number of bytes copied. It fails once
// the map is corrupted; a short final window is not an error, matching
// cbt_map_read_to_user's partial-copy accounting.
func (m *Map) ReadToUser(offset uint64, dst []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.corrupted {
		return 0, ErrCorrupted
	}
	if offset >= uint64(len(m.readMap)) {
		return 0, nil
	}
	n := copy(dst, m.readMap[offset:])
	return n, nil
}

// MarkDirtyBlocks marks the given sector range as dirty in both maps,
// equivalent to cbt_map_mark_dirty_blocks which delegates to
// cbt_map_set_both so the range is visible to both snap-number epochs.
func (m *Map) MarkDirtyBlocks(startSector, countSectors uint64) error {
	return m.SetBoth(startSector, countSectors)
}
