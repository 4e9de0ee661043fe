// Package backend provides device implementations the engine can run
// against: a RAM-backed device for tests and demos, and a real file or
// block device for production use.
package backend

import (
	"fmt"
	"sync"

	"github.com/blksnap-go/blksnap/internal/diffstorage"
)

// ShardSize is the size of each memory shard (64KB). This provides good
// parallelism for 4K random I/O while keeping lock overhead reasonable.
const ShardSize = 64 * 1024

// Memory is a RAM-backed device. It uses sharded locking so concurrent
// bios across different regions don't contend on a single mutex, and
// serves equally well as an original device (diffarea.Backend) or as
// one extent source behind MemoryStorage (diffarea.StorageBackend).
type Memory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
}

// NewMemory creates a new memory device of the given size in bytes.
func NewMemory(size int64) *Memory {
	numShards := (size + ShardSize - 1) / ShardSize
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

// ReadAt implements diffarea.Backend and io.ReaderAt.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, nil
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	startShard, endShard := m.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RLock()
	}

	n := copy(p, m.data[off:off+int64(len(p))])

	for i := startShard; i <= endShard; i++ {
		m.shards[i].RUnlock()
	}

	return n, nil
}

// WriteAt simulates a host write landing on the original device: it is
// not part of diffarea.Backend (copy-on-write never writes the
// original), but lets cmd/blksnapctl and tests drive writes through a
// device the engine is tracking.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, fmt.Errorf("backend: write beyond end of device")
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	startShard, endShard := m.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}

	n := copy(m.data[off:off+int64(len(p))], p)

	for i := startShard; i <= endShard; i++ {
		m.shards[i].Unlock()
	}

	return n, nil
}

// Size returns the device size in bytes.
func (m *Memory) Size() int64 { return m.size }

// Close releases the backing memory.
func (m *Memory) Close() error {
	m.data = nil
	return nil
}

// memoryStorageDevice pairs a backing Memory device with the sector
// size SnapshotAppendStorage's extents are expressed in, so byte
// offsets can be recovered from a diffstorage.Extent's sector numbers.
type memoryStorageDevice struct {
	mem        *Memory
	sectorSize uint64
}

// MemoryStorage implements diffarea.StorageBackend over a set of named
// in-memory devices, keyed the same way diffstorage identifies its
// backing extents.
type MemoryStorage struct {
	mu      sync.RWMutex
	devices map[diffstorage.DeviceID]memoryStorageDevice
}

// NewMemoryStorage creates an empty in-memory extent-backend registry.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{devices: make(map[diffstorage.DeviceID]memoryStorageDevice)}
}

// AddDevice registers a backing device of the given size in sectors
// under id, for use by snapshot.Registry.SnapshotAppendStorage.
func (s *MemoryStorage) AddDevice(id diffstorage.DeviceID, sizeSectors uint64, sectorSize uint64) *Memory {
	mem := NewMemory(int64(sizeSectors * sectorSize))
	s.mu.Lock()
	s.devices[id] = memoryStorageDevice{mem: mem, sectorSize: sectorSize}
	s.mu.Unlock()
	return mem
}

func (s *MemoryStorage) device(id diffstorage.DeviceID) (memoryStorageDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dev, ok := s.devices[id]
	if !ok {
		return memoryStorageDevice{}, fmt.Errorf("backend: no storage device registered for %+v", id)
	}
	return dev, nil
}

// WriteExtentAt implements diffarea.StorageBackend.
func (s *MemoryStorage) WriteExtentAt(e diffstorage.Extent, p []byte) error {
	dev, err := s.device(e.Device)
	if err != nil {
		return err
	}
	_, err = dev.mem.WriteAt(p, int64(e.Start*dev.sectorSize))
	return err
}

// ReadExtentAt implements diffarea.StorageBackend.
func (s *MemoryStorage) ReadExtentAt(e diffstorage.Extent, p []byte) error {
	dev, err := s.device(e.Device)
	if err != nil {
		return err
	}
	_, err = dev.mem.ReadAt(p, int64(e.Start*dev.sectorSize))
	return err
}
