package blksnap

import "github.com/blksnap-go/blksnap/internal/events"

// Event codes and payloads delivered through Engine.SnapshotWaitEvent,
// re-exported so callers of the public API don't need to reach into
// internal/events directly.
const (
	LowFreeSpace = events.LowFreeSpace
	OutOfSpace   = events.OutOfSpace
	Corrupted    = events.Corrupted
	Terminate    = events.Terminate
)

type (
	// EventCode identifies the kind of event delivered to a waiter.
	EventCode = events.Code
	// Event is a single queued notification from a snapshot's event
	// queue.
	Event = events.Event
	// LowFreeSpaceData is the payload of a LowFreeSpace event. Free is
	// expressed in sectors.
	LowFreeSpaceData = events.LowFreeSpaceData
	// CorruptedData is the payload of a Corrupted event.
	CorruptedData = events.CorruptedData
)
