package blksnap

import (
	"context"
	"fmt"
	"sync"

	"github.com/blksnap-go/blksnap/internal/diffarea"
	"github.com/blksnap-go/blksnap/internal/tracker"
)

// MockOriginal is an in-memory diffarea.Backend with call-count
// tracking, for unit tests that exercise an Engine without a real
// block device.
type MockOriginal struct {
	mu   sync.RWMutex
	data []byte
	size int64

	readCalls  int
	writeCalls int
}

// NewMockOriginal creates a mock original device of the given size in
// bytes.
func NewMockOriginal(size int64) *MockOriginal {
	return &MockOriginal{data: make([]byte, size), size: size}
}

// ReadAt implements diffarea.Backend.
func (m *MockOriginal) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls++

	if off >= m.size {
		return 0, nil
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	return copy(p, m.data[off:off+int64(len(p))]), nil
}

// WriteAt simulates a host write landing on the original device.
func (m *MockOriginal) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeCalls++

	if off >= m.size {
		return 0, fmt.Errorf("blksnap: write beyond end of device")
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	return copy(m.data[off:off+int64(len(p))], p), nil
}

// Size returns the device size in bytes.
func (m *MockOriginal) Size() int64 { return m.size }

// CallCounts returns how many times ReadAt and WriteAt have been
// called.
func (m *MockOriginal) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{"read": m.readCalls, "write": m.writeCalls}
}

// Reset zeroes the call counters.
func (m *MockOriginal) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls = 0
	m.writeCalls = 0
}

// MockFreezeThaw is a no-op tracker.FreezeThaw that counts calls and
// can be told to fail the next N attempts, for exercising the engine's
// freeze-retry backoff without a real filesystem.
type MockFreezeThaw struct {
	mu          sync.Mutex
	freezeCalls int
	thawCalls   int
	failFreezes int
}

// NewMockFreezeThaw creates a freeze/thaw stub.
func NewMockFreezeThaw() *MockFreezeThaw { return &MockFreezeThaw{} }

// FailNextFreezes makes the next n Freeze calls return an error before
// succeeding.
func (f *MockFreezeThaw) FailNextFreezes(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFreezes = n
}

// Freeze implements tracker.FreezeThaw.
func (f *MockFreezeThaw) Freeze(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freezeCalls++
	if f.failFreezes > 0 {
		f.failFreezes--
		return fmt.Errorf("blksnap: mock freeze failure")
	}
	return nil
}

// Thaw implements tracker.FreezeThaw.
func (f *MockFreezeThaw) Thaw(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thawCalls++
	return nil
}

// CallCounts returns how many times Freeze and Thaw have been called.
func (f *MockFreezeThaw) CallCounts() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]int{"freeze": f.freezeCalls, "thaw": f.thawCalls}
}

var (
	_ diffarea.Backend   = (*MockOriginal)(nil)
	_ tracker.FreezeThaw = (*MockFreezeThaw)(nil)
)
