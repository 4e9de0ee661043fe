// Command blksnapctl drives the snapshot engine end to end against an
// in-memory or file-backed device, for manual testing and as a
// runnable example of the public API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	blksnap "github.com/blksnap-go/blksnap"
	"github.com/blksnap-go/blksnap/backend"
	"github.com/blksnap-go/blksnap/internal/diffarea"
	"github.com/blksnap-go/blksnap/internal/diffstorage"
	"github.com/blksnap-go/blksnap/internal/logging"
)

func main() {
	var (
		sourceSizeStr  = flag.String("size", "64M", "size of the in-memory original device (e.g., 64M, 1G)")
		storageSizeStr = flag.String("diff-storage", "16M", "size of the in-memory diff storage device")
		sourcePath     = flag.String("source", "", "path to a file or block device to track instead of an in-memory one")
		verbose        = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logrus.DebugLevel
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	size, err := parseSize(*sourceSizeStr)
	if err != nil {
		log.Fatalf("invalid -size %q: %v", *sourceSizeStr, err)
	}
	storageSize, err := parseSize(*storageSizeStr)
	if err != nil {
		log.Fatalf("invalid -diff-storage %q: %v", *storageSizeStr, err)
	}

	var (
		original   diffarea.Backend
		sectorSize uint64 = blksnap.SectorSize
	)
	if *sourcePath != "" {
		f, err := backend.OpenFile(*sourcePath)
		if err != nil {
			log.Fatalf("open %s: %v", *sourcePath, err)
		}
		defer f.Close()
		original = f
		sectorSize = f.SectorSize()
		size = f.Size()
	} else {
		mem := backend.NewMemory(size)
		defer mem.Close()
		original = mem
	}

	devID := blksnap.DeviceID{Major: 240, Minor: 0}
	storageID := diffstorage.DeviceID{Major: 241, Minor: 0}

	engine := blksnap.New(&blksnap.Options{Logger: logger})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ft := blksnap.NewMockFreezeThaw()
	if err := engine.TrackerAdd(ctx, devID, uint64(size)/sectorSize, ft); err != nil {
		log.Fatalf("tracker_add: %v", err)
	}
	logger.Infof("tracker added for device %+v, %d sectors", devID, uint64(size)/sectorSize)

	storageBackend := backend.NewMemoryStorage()
	storageBackend.AddDevice(storageID, uint64(storageSize)/sectorSize, sectorSize)

	id, err := engine.SnapshotCreate([]blksnap.DeviceSpec{
		{ID: devID, CapacitySectors: uint64(size) / sectorSize, SectorSize: sectorSize, Original: original},
	}, storageBackend)
	if err != nil {
		log.Fatalf("snapshot_create: %v", err)
	}
	logger.Infof("snapshot %s created", id)

	if err := engine.SnapshotAppendStorage(id, storageID, 0, uint64(storageSize)/sectorSize); err != nil {
		log.Fatalf("snapshot_append_storage: %v", err)
	}

	if err := engine.SnapshotTake(ctx, id); err != nil {
		log.Fatalf("snapshot_take: %v", err)
	}
	logger.Infof("snapshot %s taken", id)

	images, err := engine.SnapshotCollectImages(id)
	if err != nil {
		log.Fatalf("snapshot_collect_images: %v", err)
	}
	for _, img := range images {
		logger.Infof("image for device %+v: %d chunks", img.Original, img.Chunks)
	}

	fmt.Printf("Snapshot %s is taken over device %+v (%d bytes)\n", id, devID, size)
	fmt.Printf("Diff storage: device %+v, %d bytes\n", storageID, storageSize)
	fmt.Println("Press Ctrl+C to release and destroy the snapshot...")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("received shutdown signal")
	if err := engine.SnapshotRelease(ctx, id); err != nil {
		logger.Errorf("snapshot_release: %v", err)
	}
	if err := engine.SnapshotDestroy(ctx, id); err != nil {
		logger.Errorf("snapshot_destroy: %v", err)
	}
	if err := engine.TrackerRemove(ctx, devID); err != nil {
		logger.Errorf("tracker_remove: %v", err)
	}

	snap := engine.MetricsSnapshot()
	fmt.Printf("chunks copied: %d, bytes copied: %d, events: low_space=%d out_of_space=%d corrupted=%d\n",
		snap.ChunksCopied, snap.BytesCopied,
		snap.EventCounts[blksnap.LowFreeSpace], snap.EventCounts[blksnap.OutOfSpace], snap.EventCounts[blksnap.Corrupted])
}

// parseSize parses a human size string like "64M" or "1G" into bytes.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "K")
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}
