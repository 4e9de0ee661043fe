package diffarea

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/blksnap-go/blksnap/internal/diffbuffer"
	"github.com/blksnap-go/blksnap/internal/diffstorage"
	"github.com/blksnap-go/blksnap/internal/events"
)

const testSectorSize = 512
const testChunkSectors = 8 // 4096-byte chunks

type memOriginal struct {
	data []byte
}

func (m *memOriginal) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.data[off:])
	return n, nil
}

type memStorageBackend struct {
	mu   sync.Mutex
	data map[diffstorage.DeviceID]map[uint64][]byte
}

func newMemStorageBackend() *memStorageBackend {
	return &memStorageBackend{data: make(map[diffstorage.DeviceID]map[uint64][]byte)}
}

func (b *memStorageBackend) WriteExtentAt(e diffstorage.Extent, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev, ok := b.data[e.Device]
	if !ok {
		dev = make(map[uint64][]byte)
		b.data[e.Device] = dev
	}
	stored := make([]byte, len(p))
	copy(stored, p)
	dev[e.Start] = stored
	return nil
}

func (b *memStorageBackend) ReadExtentAt(e diffstorage.Extent, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	stored := b.data[e.Device][e.Start]
	copy(p, stored)
	return nil
}

func newTestArea(t *testing.T, deviceSectors uint64, cacheCap int) (*Area, *memOriginal, *memStorageBackend) {
	t.Helper()
	original := &memOriginal{data: bytes.Repeat([]byte{0xAA}, int(deviceSectors*testSectorSize))}
	backend := newMemStorageBackend()
	storage := diffstorage.New(0, events.New())
	storage.Append(diffstorage.DeviceID{Major: 8, Minor: 1}, 0, deviceSectors*4)
	pool := diffbuffer.New(int(testChunkSectors*testSectorSize), 16)

	area := New(Config{
		ChunkSizeSectors: testChunkSectors,
		SectorSize:       testSectorSize,
		DeviceSectors:    deviceSectors,
		Storage:          storage,
		StorageBackend:   backend,
		Pool:             pool,
		Original:         original,
		CacheCapacity:    cacheCap,
		MaxInflight:      4,
	})
	return area, original, backend
}

func TestCopyPreservesChunkOnce(t *testing.T) {
	area, original, backend := newTestArea(t, 64, 8)

	if err := area.Copy(0, testChunkSectors, false); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if state := area.chunkState(0); state&StateStoreReady == 0 {
		t.Fatalf("expected chunk 0 STORE_READY, got %v", state)
	}

	// Mutate the original after the first copy; a second Copy of the
	// same range must be a no-op (already preserved) and must not
	// re-read the (now different) original content.
	for i := range original.data[:testChunkSectors*testSectorSize] {
		original.data[i] = 0xFF
	}
	if err := area.Copy(0, testChunkSectors, false); err != nil {
		t.Fatalf("second Copy: %v", err)
	}

	stored := backend.data[diffstorage.DeviceID{Major: 8, Minor: 1}]
	if len(stored) != 1 {
		t.Fatalf("expected exactly one stored extent, got %d", len(stored))
	}
	for _, buf := range stored {
		if bytes.Contains(buf, []byte{0xFF}) {
			t.Error("expected preserved chunk to retain pre-mutation content")
		}
	}
}

func TestCopyNoWaitReturnsWouldBlockWhenSaturated(t *testing.T) {
	area, _, _ := newTestArea(t, 64, 8)
	area.inflight = make(chan struct{}, 1)
	area.inflight <- struct{}{} // saturate the budget

	err := area.Copy(0, testChunkSectors, true)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}
	if state := area.chunkState(0); state != StateNew {
		t.Errorf("expected chunk reset to NEW after WouldBlock, got %v", state)
	}
}

func TestEvictionReleasesBufferUnderCap(t *testing.T) {
	area, _, _ := newTestArea(t, 64, 2)

	for i := 0; i < 3; i++ {
		if err := area.Copy(uint64(i)*testChunkSectors, testChunkSectors, false); err != nil {
			t.Fatalf("Copy chunk %d: %v", i, err)
		}
	}

	// Cache capacity is 2; the least-recently-used chunk (index 0)
	// must have been evicted, releasing its buffer while remaining
	// STORE_READY (content recoverable from diff storage).
	state := area.chunkState(0)
	if state&StateInCache != 0 {
		t.Errorf("expected chunk 0 evicted from cache, got %v", state)
	}
	if state&StateStoreReady == 0 {
		t.Errorf("expected chunk 0 to remain STORE_READY after eviction, got %v", state)
	}
	if area.chunks[0].buffer != nil {
		t.Error("expected evicted chunk's buffer to be released")
	}
}

func TestImageIOWriteThenReadReflectsWrite(t *testing.T) {
	area, _, backend := newTestArea(t, 64, 8)
	ictx := &ImageCtx{}

	payload := bytes.Repeat([]byte{0x42}, testSectorSize)
	if err := area.ImageIO(ictx, true, payload, 0); err != nil {
		t.Fatalf("ImageIO write: %v", err)
	}

	readBack := make([]byte, testSectorSize)
	if err := area.ImageIO(ictx, false, readBack, 0); err != nil {
		t.Fatalf("ImageIO read: %v", err)
	}
	if !bytes.Equal(readBack, payload) {
		t.Error("expected read-back to reflect prior write")
	}

	if state := area.chunkState(0); state&StateStoreReady == 0 {
		t.Errorf("expected write to force STORE_READY, got %v", state)
	}
	if len(backend.data[diffstorage.DeviceID{Major: 8, Minor: 1}]) == 0 {
		t.Error("expected write to persist to storage backend")
	}
}

func TestCorruptionLatchesAndRejectsFurtherOps(t *testing.T) {
	area, _, _ := newTestArea(t, 64, 8)
	area.setCorrupted(errors.New("injected failure"))

	if !area.IsCorrupted() {
		t.Fatal("expected area to be corrupted")
	}
	if err := area.Copy(0, testChunkSectors, false); err == nil {
		t.Error("expected Copy to fail once corrupted")
	}
	if err := area.ImageIO(&ImageCtx{}, false, make([]byte, testSectorSize), 0); err == nil {
		t.Error("expected ImageIO to fail once corrupted")
	}
}
