package blksnap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blksnap-go/blksnap/backend"
	"github.com/blksnap-go/blksnap/internal/diffstorage"
)

func TestMockOriginal(t *testing.T) {
	orig := NewMockOriginal(1024)

	assert.Equal(t, int64(1024), orig.Size())

	testData := []byte("hello blksnap")
	n, err := orig.WriteAt(testData, 0)
	require.NoError(t, err)
	assert.Equal(t, len(testData), n)

	readBuf := make([]byte, len(testData))
	n, err = orig.ReadAt(readBuf, 0)
	require.NoError(t, err)
	assert.Equal(t, testData, readBuf[:n])

	counts := orig.CallCounts()
	assert.Equal(t, 1, counts["read"])
	assert.Equal(t, 1, counts["write"])
}

func TestEngineFullLifecycle(t *testing.T) {
	const capacitySectors = 2048

	orig := NewMockOriginal(int64(capacitySectors) * SectorSize)
	devID := DeviceID{Major: 8, Minor: 0}
	storageID := diffstorage.DeviceID{Major: 8, Minor: 16}

	engine := New(nil)

	ft := NewMockFreezeThaw()
	require.NoError(t, engine.TrackerAdd(context.Background(), devID, capacitySectors, ft))

	storageBackend := backend.NewMemoryStorage()
	storageBackend.AddDevice(storageID, 256, SectorSize)

	id, err := engine.SnapshotCreate([]DeviceSpec{
		{ID: devID, CapacitySectors: capacitySectors, SectorSize: SectorSize, Original: orig},
	}, storageBackend)
	require.NoError(t, err)

	require.NoError(t, engine.SnapshotAppendStorage(id, storageID, 0, 256))
	require.NoError(t, engine.SnapshotTake(context.Background(), id))

	counts := ft.CallCounts()
	assert.NotZero(t, counts["freeze"], "expected freeze to have been called during take")
	assert.NotZero(t, counts["thaw"], "expected thaw to have been called during take")

	images, err := engine.SnapshotCollectImages(id)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, devID, images[0].Original)

	require.NoError(t, engine.SnapshotRelease(context.Background(), id))
	require.NoError(t, engine.SnapshotDestroy(context.Background(), id))
	require.NoError(t, engine.TrackerRemove(context.Background(), devID))

	snap := engine.MetricsSnapshot()
	assert.EqualValues(t, 1, snap.TakeOps)
	assert.EqualValues(t, 1, snap.ReleaseOps)
}

func TestEngineSnapshotTakeTwiceFails(t *testing.T) {
	const capacitySectors = 1024

	orig := NewMockOriginal(int64(capacitySectors) * SectorSize)
	devID := DeviceID{Major: 8, Minor: 1}
	storageID := diffstorage.DeviceID{Major: 8, Minor: 17}

	engine := New(nil)
	ft := NewMockFreezeThaw()
	require.NoError(t, engine.TrackerAdd(context.Background(), devID, capacitySectors, ft))

	storageBackend := backend.NewMemoryStorage()
	storageBackend.AddDevice(storageID, 128, SectorSize)

	id, err := engine.SnapshotCreate([]DeviceSpec{
		{ID: devID, CapacitySectors: capacitySectors, SectorSize: SectorSize, Original: orig},
	}, storageBackend)
	require.NoError(t, err)
	require.NoError(t, engine.SnapshotAppendStorage(id, storageID, 0, 128))
	require.NoError(t, engine.SnapshotTake(context.Background(), id))

	err = engine.SnapshotTake(context.Background(), id)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeAlreadyTaken), "expected CodeAlreadyTaken, got %v", err)
}

func TestEngineTrackerAddDuplicateIsBusy(t *testing.T) {
	devID := DeviceID{Major: 8, Minor: 2}
	engine := New(nil)
	ft := NewMockFreezeThaw()

	require.NoError(t, engine.TrackerAdd(context.Background(), devID, 1024, ft))
	err := engine.TrackerAdd(context.Background(), devID, 1024, ft)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeBusy), "expected CodeBusy, got %v", err)
}

func TestEngineTrackerReadCBTUnknownDevice(t *testing.T) {
	engine := New(nil)
	_, err := engine.TrackerReadCBT(DeviceID{Major: 99, Minor: 0}, 0, make([]byte, 4))
	assert.True(t, IsCode(err, CodeNotFound), "expected CodeNotFound, got %v", err)
}

func TestEngineTrackerReadCBTDump(t *testing.T) {
	devID := DeviceID{Major: 8, Minor: 3}
	engine := New(nil)
	ft := NewMockFreezeThaw()
	require.NoError(t, engine.TrackerAdd(context.Background(), devID, 1024, ft))

	infos := engine.TrackerCollect()
	require.Len(t, infos, 1)
	assert.EqualValues(t, 1, infos[0].SnapNumber)
	assert.Zero(t, infos[0].Previous)

	dump, err := engine.TrackerReadCBT(devID, 0, make([]byte, 4))
	require.NoError(t, err)
	assert.NotZero(t, dump.Generation)
	assert.Equal(t, infos[0].SnapNumber, dump.SnapNumber)
	assert.Equal(t, infos[0].Previous, dump.SnapNumberPrevious)
}
