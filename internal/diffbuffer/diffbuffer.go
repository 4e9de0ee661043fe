// Package diffbuffer implements the bounded pool of chunk-sized
// buffers used to stage copy-on-write data (spec.md §4.B). Unlike the
// teacher's internal/queue/pool.go, this is deliberately NOT built on
// sync.Pool: the contract requires a hard high-water mark with
// immediate release past it, and an allocation failure that is
// reported to the caller rather than silently absorbed by the
// garbage collector (see DESIGN.md).
package diffbuffer

import (
	"fmt"
	"sync"
)

// PageSize is the unit diff buffers are rounded up to, matching the
// original kernel module's page-granular allocation.
const PageSize = 4096

// ChunkSizeBytes rounds a sector count up to a whole number of pages,
// given the sector size in bytes.
func ChunkSizeBytes(sectorCount uint64, sectorSize uint64) int {
	bytes := sectorCount * sectorSize
	if rem := bytes % PageSize; rem != 0 {
		bytes += PageSize - rem
	}
	return int(bytes)
}

// Pool is a bounded free list of chunk-sized byte buffers.
type Pool struct {
	mu            sync.Mutex
	chunkSize     int
	highWaterMark int
	free          [][]byte
}

// New creates a pool of buffers sized chunkSize bytes, keeping at most
// highWaterMark idle buffers before freeing the rest on Release.
func New(chunkSize, highWaterMark int) *Pool {
	return &Pool{chunkSize: chunkSize, highWaterMark: highWaterMark}
}

// ChunkSize returns the fixed size of buffers handed out by this pool.
func (p *Pool) ChunkSize() int {
	return p.chunkSize
}

// Take returns a chunk-sized buffer: reused from the free list if one
// is available, otherwise freshly allocated. Allocation failure (an
// out-of-memory condition) is reported as an error rather than a
// process-ending panic.
func (p *Pool) Take() ([]byte, error) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		buf := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return buf, nil
	}
	p.mu.Unlock()
	return p.allocate()
}

func (p *Pool) allocate() (buf []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf = nil
			err = fmt.Errorf("diffbuffer: allocation of %d bytes failed: %v", p.chunkSize, r)
		}
	}()
	return make([]byte, p.chunkSize), nil
}

// Release returns buf to the pool if it is below the high-water mark,
// otherwise the buffer is dropped and left to the garbage collector.
func (p *Pool) Release(buf []byte) {
	if len(buf) != p.chunkSize {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) < p.highWaterMark {
		p.free = append(p.free, buf)
	}
}

// Len reports the number of buffers currently idle in the free list.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
