package diffarea

import (
	"sync"

	"github.com/blksnap-go/blksnap/internal/diffstorage"
)

// State is the non-exclusive bitset describing a chunk's progress
// through the copy-on-write pipeline (spec.md §3/§4.D).
type State uint32

const (
	StateNew State = 1 << iota
	StateInCache
	StateLoading
	StateBufferReady
	StateStoring
	StateStoreReady
	StateDirty
	StateFailed
)

func (s State) String() string {
	names := []struct {
		bit  State
		name string
	}{
		{StateNew, "NEW"},
		{StateInCache, "IN_CACHE"},
		{StateLoading, "LOADING"},
		{StateBufferReady, "BUFFER_READY"},
		{StateStoring, "STORING"},
		{StateStoreReady, "STORE_READY"},
		{StateDirty, "DIRTY"},
		{StateFailed, "FAILED"},
	}
	out := ""
	for _, n := range names {
		if s&n.bit != 0 {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "NONE"
	}
	return out
}

// chunk is one fixed-size, power-of-two sector span of an original
// device. Its mutex guards every field. ImageIO holds it while taking
// the diff storage, buffer pool and diff-area latch locks, so it is
// acquired before any of those.
type chunk struct {
	mu sync.Mutex

	index  uint32
	state  State
	buffer []byte
	extent *diffstorage.Extent
}

func newChunk(index uint32) *chunk {
	return &chunk{index: index, state: StateNew}
}

func (c *chunk) has(mask State) bool {
	return c.state&mask != 0
}
