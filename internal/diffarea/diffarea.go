// Package diffarea implements the Diff Area (spec.md §4.D): the
// per-device collection of chunks that backs copy-on-write, its
// bounded LRU of cached buffers, and the read/write paths used by the
// Tracker and the Snap Image. It is grounded on the teacher's
// internal/queue.Runner (per-tag mutex plus state enum driving a
// completion pipeline) and on original_source/module/chunk.c for the
// exact state-transition semantics.
package diffarea

import (
	"errors"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/blksnap-go/blksnap/internal/constants"
	"github.com/blksnap-go/blksnap/internal/diffbuffer"
	"github.com/blksnap-go/blksnap/internal/diffstorage"
)

// CalculateChunkShift derives the chunk size for a device of
// capacitySectors using the same doubling-shift search the CBT map
// uses for its block size (spec.md §4.A's derivation, reused for
// chunks per §3's "power-of-two sector span" requirement).
func CalculateChunkShift(capacitySectors uint64) (shift uint, chunkSectors uint64) {
	shift = constants.ChunkMinimumShift
	for {
		size := uint64(1) << (shift - constants.SectorShift)
		count := (capacitySectors + size - 1) / size
		if count <= constants.ChunkMaximumCount {
			return shift, size
		}
		shift++
	}
}

// ErrWouldBlock is returned by Copy/ImageIO when noWait is set and an
// operation would otherwise have to block.
var ErrWouldBlock = errors.New("diffarea: operation would block")

// Backend is how a diff area reads the original device's content.
// Diff-storage extents are read and written through StorageBackend.
type Backend interface {
	io.ReaderAt
}

// StorageBackend writes/reads a diff-storage extent on one backing
// device, keyed by DeviceID.
type StorageBackend interface {
	WriteExtentAt(e diffstorage.Extent, p []byte) error
	ReadExtentAt(e diffstorage.Extent, p []byte) error
}

// Area owns every chunk for one original device.
type Area struct {
	chunkSizeSectors uint64
	sectorSize       uint64
	chunks           []*chunk

	storage        *diffstorage.Storage
	storageBackend StorageBackend
	pool           *diffbuffer.Pool
	original       Backend

	cache *lru.Cache[uint32, *chunk]

	inflight chan struct{}

	mu           sync.Mutex
	corrupted    bool
	corruptedErr error
	inMemory     bool
}

// Config bundles Area's construction parameters.
type Config struct {
	ChunkSizeSectors uint64
	SectorSize       uint64
	DeviceSectors    uint64
	Storage          *diffstorage.Storage
	StorageBackend   StorageBackend
	Pool             *diffbuffer.Pool
	Original         Backend
	CacheCapacity    int
	MaxInflight      int
	InMemory         bool
}

// New allocates a diff area with one chunk entry per chunk-sized span
// of the device.
func New(cfg Config) *Area {
	count := (cfg.DeviceSectors + cfg.ChunkSizeSectors - 1) / cfg.ChunkSizeSectors
	chunks := make([]*chunk, count)
	for i := range chunks {
		chunks[i] = newChunk(uint32(i))
	}

	a := &Area{
		chunkSizeSectors: cfg.ChunkSizeSectors,
		sectorSize:       cfg.SectorSize,
		chunks:           chunks,
		storage:          cfg.Storage,
		storageBackend:   cfg.StorageBackend,
		pool:             cfg.Pool,
		original:         cfg.Original,
		inflight:         make(chan struct{}, maxInt(cfg.MaxInflight, 1)),
		inMemory:         cfg.InMemory,
	}

	cache, err := lru.NewWithEvict[uint32, *chunk](maxInt(cfg.CacheCapacity, 1), a.onEvict)
	if err != nil {
		// CacheCapacity is always >= 1 via maxInt above, so
		// lru.NewWithEvict cannot fail; guard defensively anyway.
		panic(err)
	}
	a.cache = cache

	return a
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ChunkCount returns the number of chunks covering the device.
func (a *Area) ChunkCount() uint32 {
	return uint32(len(a.chunks))
}

// onEvict is the LRU's eviction callback. Only STORE_READY chunks are
// ever inserted into the cache (see storeChunk and ImageIO), so
// eviction always targets an already-persisted chunk: releasing its
// buffer back to the pool is safe and loses no data, matching
// original_source's chunk_schedule_caching/cleanup pairing. An
// in-memory area has no diff storage behind its chunks, so there the
// buffer is the only copy and stays attached.
func (a *Area) onEvict(_ uint32, c *chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a.inMemory {
		c.state &^= StateInCache
		return
	}
	if c.buffer != nil {
		a.pool.Release(c.buffer)
		c.buffer = nil
	}
	c.state &^= StateInCache | StateBufferReady
}

func (a *Area) setCorrupted(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.corrupted {
		a.corrupted = true
		a.corruptedErr = err
	}
}

// IsCorrupted reports whether the diff area has latched a fault.
func (a *Area) IsCorrupted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.corrupted
}

// CorruptedError returns the first error that latched corruption, or
// nil if the area is healthy.
func (a *Area) CorruptedError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.corruptedErr
}

func (a *Area) chunkRange(startSector, countSectors uint64) (from, to uint32) {
	f := startSector / a.chunkSizeSectors
	t := (startSector + countSectors - 1) / a.chunkSizeSectors
	return uint32(f), uint32(t) + 1
}

func (a *Area) chunkByteOffset(index uint32) int64 {
	return int64(uint64(index) * a.chunkSizeSectors * a.sectorSize)
}

func (a *Area) failChunk(c *chunk, err error) {
	c.mu.Lock()
	c.state = StateFailed
	c.mu.Unlock()
	a.setCorrupted(err)
}

// Copy preserves every chunk overlapping [startSector, startSector+countSectors)
// that has not already been copied: it reads the chunk from the
// original device into a pooled buffer, writes that buffer to a
// freshly reserved diff-storage extent, and marks the chunk
// STORE_READY. Chunks already STORE_READY or STORING are left alone.
// noWait requests non-blocking allocation, returning ErrWouldBlock if
// any step would otherwise sleep.
func (a *Area) Copy(startSector, countSectors uint64, noWait bool) error {
	if a.IsCorrupted() {
		return a.CorruptedError()
	}
	from, to := a.chunkRange(startSector, countSectors)
	for i := from; i < to && int(i) < len(a.chunks); i++ {
		if err := a.copyChunk(a.chunks[i], noWait); err != nil {
			return err
		}
	}
	return nil
}

func (a *Area) copyChunk(c *chunk, noWait bool) error {
	c.mu.Lock()
	if c.has(StateStoreReady | StateStoring) {
		c.mu.Unlock()
		return nil
	}
	c.state = StateLoading
	c.mu.Unlock()

	if noWait {
		select {
		case a.inflight <- struct{}{}:
		default:
			c.mu.Lock()
			c.state = StateNew
			c.mu.Unlock()
			return ErrWouldBlock
		}
	} else {
		a.inflight <- struct{}{}
	}
	defer func() { <-a.inflight }()

	buf, err := a.pool.Take()
	if err != nil {
		a.failChunk(c, err)
		return err
	}

	if _, err := a.original.ReadAt(buf, a.chunkByteOffset(c.index)); err != nil && err != io.EOF {
		a.pool.Release(buf)
		a.failChunk(c, err)
		return err
	}

	c.mu.Lock()
	c.buffer = buf
	c.state = StateBufferReady
	c.mu.Unlock()

	if err := a.storeChunk(c, buf); err != nil {
		return err
	}
	return nil
}

// storeChunk reserves a diff-storage extent for buf, persists it, and
// marks the chunk STORE_READY, enqueuing it into the LRU cache.
func (a *Area) storeChunk(c *chunk, buf []byte) error {
	c.mu.Lock()
	c.state = StateStoring
	c.mu.Unlock()

	if a.inMemory {
		c.mu.Lock()
		c.state = StateStoreReady | StateBufferReady | StateInCache
		c.mu.Unlock()
		a.cache.Add(c.index, c)
		return nil
	}

	extent, err := a.storage.GetStore(a.chunkSizeSectors)
	if err != nil {
		a.failChunk(c, err)
		return err
	}
	if err := a.storageBackend.WriteExtentAt(extent, buf); err != nil {
		a.failChunk(c, err)
		return err
	}

	c.mu.Lock()
	c.extent = &extent
	c.state = StateStoreReady | StateBufferReady | StateInCache
	c.mu.Unlock()

	a.cache.Add(c.index, c)
	return nil
}

// ImageCtx records the last chunk touched by a sequence of ImageIO
// calls for the same bio (spec.md §4.D's image_ctx). ImageIO updates
// it on every call but does not consult it: each segment looks up and
// locks its chunk afresh.
type ImageCtx struct {
	valid bool
	index uint32
}

// ImageIO services one segment of a snapshot-image bio: a read fetches
// the chunk's content (from cache, diff storage, or the original
// device, in that preference order); a write mutates the cached
// buffer, marks it DIRTY, and ensures a diff-storage reservation
// exists so the write survives eviction.
func (a *Area) ImageIO(ictx *ImageCtx, write bool, data []byte, posSector uint64) error {
	if a.IsCorrupted() {
		return a.CorruptedError()
	}

	index := uint32(posSector / a.chunkSizeSectors)
	if int(index) >= len(a.chunks) {
		return errors.New("diffarea: position out of range")
	}
	offset := (posSector % a.chunkSizeSectors) * a.sectorSize
	c := a.chunks[index]
	ictx.valid = true
	ictx.index = index

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.buffer == nil {
		if c.has(StateStoreReady) {
			buf, err := a.pool.Take()
			if err != nil {
				a.setCorrupted(err)
				return err
			}
			if !a.inMemory && c.extent != nil {
				if err := a.storageBackend.ReadExtentAt(*c.extent, buf); err != nil {
					a.pool.Release(buf)
					a.setCorrupted(err)
					return err
				}
			}
			c.buffer = buf
			c.state |= StateBufferReady
			if !c.has(StateInCache) {
				c.state |= StateInCache
				a.cache.Add(index, c)
			}
		} else {
			buf, err := a.pool.Take()
			if err != nil {
				a.setCorrupted(err)
				return err
			}
			if _, err := a.original.ReadAt(buf, a.chunkByteOffset(index)); err != nil && err != io.EOF {
				a.pool.Release(buf)
				a.setCorrupted(err)
				return err
			}
			c.buffer = buf
			c.state |= StateBufferReady
		}
	}

	if write {
		copy(c.buffer[offset:], data)
		c.state |= StateDirty

		if !a.inMemory {
			if !c.has(StateStoreReady) {
				extent, err := a.storage.GetStore(a.chunkSizeSectors)
				if err != nil {
					c.state = StateFailed
					a.setCorrupted(err)
					return err
				}
				c.extent = &extent
				if err := a.storageBackend.WriteExtentAt(extent, c.buffer); err != nil {
					c.state = StateFailed
					a.setCorrupted(err)
					return err
				}
				c.state |= StateStoreReady
			} else if c.extent != nil {
				if err := a.storageBackend.WriteExtentAt(*c.extent, c.buffer); err != nil {
					c.state = StateFailed
					a.setCorrupted(err)
					return err
				}
			}
		} else {
			c.state |= StateStoreReady
		}

		if !c.has(StateInCache) {
			c.state |= StateInCache
			a.cache.Add(index, c)
		}
	} else {
		copy(data, c.buffer[offset:])
	}
	return nil
}

// ThrottlingIO blocks the caller while the number of outstanding COW
// operations is at the configured inflight budget, providing
// backpressure against the original device's queue.
func (a *Area) ThrottlingIO() {
	a.inflight <- struct{}{}
	<-a.inflight
}

// chunkState exposes a chunk's state for tests and diagnostics.
func (a *Area) chunkState(index uint32) State {
	c := a.chunks[index]
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CachedChunkCount reports how many chunks currently hold a buffer in
// the LRU cache, for diagnostics and tests exercising eviction.
func (a *Area) CachedChunkCount() int {
	return a.cache.Len()
}
