// Package snapimage implements the Snap Image (spec.md §4.F): a
// virtual block device publishing the snapshot view of one original
// device, served by a single worker goroutine that iterates each
// request's segments through the diff area. The single-worker,
// completion-channel shape is grounded on the teacher's
// internal/queue.Runner ioLoop/processRequests pairing.
package snapimage

import (
	"context"
	"errors"
	"sync"

	"github.com/blksnap-go/blksnap/internal/cbtmap"
	"github.com/blksnap-go/blksnap/internal/diffarea"
)

// ErrNotReady is returned for any request submitted while the image's
// ready flag is cleared (during teardown).
var ErrNotReady = errors.New("snapimage: image is not ready")

// Status is the outcome of one request.
type Status int

const (
	StatusOK Status = iota
	StatusIOErr
	StatusNoData
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusIOErr:
		return "IOERR"
	case StatusNoData:
		return "NO_DATA"
	default:
		return "UNKNOWN"
	}
}

// Segment is one contiguous read or write against the image, at a
// sector offset within its logical capacity.
type Segment struct {
	Sector uint64
	Data   []byte
	Write  bool
}

type request struct {
	segments []Segment
	result   chan requestResult
}

type requestResult struct {
	status Status
	err    error
}

// Image is a virtual block device backed by a Diff Area and a CBT map
// borrowed from its Tracker.
type Image struct {
	sectorSize uint64

	area *diffarea.Area
	cbt  *cbtmap.Map

	queue chan *request
	stop  chan struct{}
	done  chan struct{}

	readyMu sync.RWMutex
	ready   bool
}

// New creates and starts an Image worker.
func New(sectorSize uint64, area *diffarea.Area, cbt *cbtmap.Map) *Image {
	img := &Image{
		sectorSize: sectorSize,
		area:       area,
		cbt:        cbt,
		queue:      make(chan *request, 64),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		ready:      true,
	}
	go img.run()
	return img
}

func (img *Image) run() {
	defer close(img.done)
	for {
		select {
		case req := <-img.queue:
			img.serve(req)
		case <-img.stop:
			img.drain()
			return
		}
	}
}

func (img *Image) drain() {
	for {
		select {
		case req := <-img.queue:
			req.result <- requestResult{status: StatusIOErr, err: ErrNotReady}
		default:
			return
		}
	}
}

func (img *Image) isReady() bool {
	img.readyMu.RLock()
	defer img.readyMu.RUnlock()
	return img.ready
}

// SetReady clears or restores the image's ready flag. Cleared during
// teardown, it causes every subsequent request to fail with IOERR
// before any diff-area work is attempted.
func (img *Image) SetReady(ready bool) {
	img.readyMu.Lock()
	defer img.readyMu.Unlock()
	img.ready = ready
}

func (img *Image) serve(req *request) {
	if !img.isReady() {
		req.result <- requestResult{status: StatusIOErr, err: ErrNotReady}
		return
	}
	if img.area.IsCorrupted() {
		req.result <- requestResult{status: StatusNoData, err: img.area.CorruptedError()}
		return
	}

	ictx := &diffarea.ImageCtx{}
	for _, seg := range req.segments {
		if err := img.area.ImageIO(ictx, seg.Write, seg.Data, seg.Sector); err != nil {
			req.result <- requestResult{status: StatusIOErr, err: err}
			return
		}
		if seg.Write {
			count := (uint64(len(seg.Data)) + img.sectorSize - 1) / img.sectorSize
			if err := img.cbt.SetBoth(seg.Sector, count); err != nil {
				req.result <- requestResult{status: StatusIOErr, err: err}
				return
			}
		}
	}
	req.result <- requestResult{status: StatusOK}
}

// Do submits a request and blocks for its completion, or until ctx is
// done.
func (img *Image) Do(ctx context.Context, segments []Segment) (Status, error) {
	req := &request{segments: segments, result: make(chan requestResult, 1)}

	select {
	case img.queue <- req:
	case <-ctx.Done():
		return StatusIOErr, ctx.Err()
	case <-img.done:
		return StatusIOErr, ErrNotReady
	}

	select {
	case res := <-req.result:
		return res.status, res.err
	case <-img.done:
		// The worker has exited: a result it produced before exiting is
		// already buffered; otherwise the request was never served.
		select {
		case res := <-req.result:
			return res.status, res.err
		default:
			return StatusIOErr, ErrNotReady
		}
	case <-ctx.Done():
		return StatusIOErr, ctx.Err()
	}
}

// Close stops accepting new work, fails everything still queued with
// IOERR, and waits for the worker to exit.
func (img *Image) Close() {
	img.SetReady(false)
	close(img.stop)
	<-img.done
}
