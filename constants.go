package blksnap

import "github.com/blksnap-go/blksnap/internal/constants"

// Re-exported tunables, so callers of the public API don't need to
// import internal/constants directly.
const (
	SectorSize = constants.SectorSize

	TrackingBlockMinimumShift = constants.TrackingBlockMinimumShift
	TrackingBlockMaximumCount = constants.TrackingBlockMaximumCount

	ChunkMinimumShift   = constants.ChunkMinimumShift
	ChunkMaximumCount   = constants.ChunkMaximumCount
	ChunkMaximumInCache = constants.ChunkMaximumInCache

	FreeDiffBufferPoolSize = constants.FreeDiffBufferPoolSize
	DiffStorageMinimum     = constants.DiffStorageMinimum

	FreezeRetryInitialInterval = constants.FreezeRetryInitialInterval
	FreezeRetryMaxElapsed      = constants.FreezeRetryMaxElapsed
)
