package backend

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/blksnap-go/blksnap/internal/diffstorage"
)

// File is a device backed by a regular file or a real block device. It
// is the production counterpart to Memory: the original device the
// engine intercepts writes for, or one backing extent source behind
// MemoryStorage's real-device analogue.
type File struct {
	f          *os.File
	size       int64
	sectorSize uint64
}

// OpenFile opens path for read/write and discovers its size and sector
// size. For a block special file the size comes from the BLKGETSIZE64
// ioctl and the sector size from BLKSSZGET; for a regular file the size
// comes from stat and the sector size defaults to 512.
func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("backend: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("backend: stat %s: %w", path, err)
	}

	if info.Mode()&os.ModeDevice == 0 {
		return &File{f: f, size: info.Size(), sectorSize: 512}, nil
	}

	size, err := blockDeviceSize(f.Fd())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("backend: BLKGETSIZE64 %s: %w", path, err)
	}
	sectorSize, err := blockDeviceSectorSize(f.Fd())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("backend: BLKSSZGET %s: %w", path, err)
	}

	return &File{f: f, size: int64(size), sectorSize: sectorSize}, nil
}

// blockDeviceSize issues BLKGETSIZE64 via a raw ioctl syscall: the
// x/sys/unix package exposes IoctlGetInt for 32-bit results only, which
// cannot carry a real device's 64-bit byte size.
func blockDeviceSize(fd uintptr) (uint64, error) {
	var size uint64
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, errno
	}
	return size, nil
}

// blockDeviceSectorSize issues BLKSSZGET, the logical sector size.
func blockDeviceSectorSize(fd uintptr) (uint64, error) {
	var sectorSize int32
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, unix.BLKSSZGET, uintptr(unsafe.Pointer(&sectorSize)))
	if errno != 0 {
		return 0, errno
	}
	return uint64(sectorSize), nil
}

// ReadAt implements diffarea.Backend and io.ReaderAt.
func (d *File) ReadAt(p []byte, off int64) (int, error) {
	return d.f.ReadAt(p, off)
}

// WriteAt writes to the underlying file or device directly; used by
// MemoryStorage's real-device analogue and by callers simulating host
// writes in tests against a file-backed original device.
func (d *File) WriteAt(p []byte, off int64) (int, error) {
	return d.f.WriteAt(p, off)
}

// Size returns the discovered device size in bytes.
func (d *File) Size() int64 { return d.size }

// SectorSize returns the discovered logical sector size in bytes.
func (d *File) SectorSize() uint64 { return d.sectorSize }

// Sync flushes pending writes to stable storage.
func (d *File) Sync() error { return d.f.Sync() }

// Close closes the underlying file descriptor.
func (d *File) Close() error { return d.f.Close() }

// FileStorage implements diffarea.StorageBackend over File devices
// registered by diffstorage.DeviceID, mirroring MemoryStorage's shape
// for a real-disk deployment.
type FileStorage struct {
	devices map[fileStorageKey]*File
}

type fileStorageKey struct {
	Major uint32
	Minor uint32
}

// NewFileStorage creates an empty file-backed extent registry.
func NewFileStorage() *FileStorage {
	return &FileStorage{devices: make(map[fileStorageKey]*File)}
}

// AddDevice registers an already-opened File under (major, minor) for
// use by snapshot.Registry.SnapshotAppendStorage.
func (s *FileStorage) AddDevice(major, minor uint32, f *File) {
	s.devices[fileStorageKey{major, minor}] = f
}

func (s *FileStorage) device(id diffstorage.DeviceID) (*File, error) {
	f, ok := s.devices[fileStorageKey{id.Major, id.Minor}]
	if !ok {
		return nil, fmt.Errorf("backend: no storage device registered for %+v", id)
	}
	return f, nil
}

// WriteExtentAt implements diffarea.StorageBackend.
func (s *FileStorage) WriteExtentAt(e diffstorage.Extent, p []byte) error {
	f, err := s.device(e.Device)
	if err != nil {
		return err
	}
	_, err = f.WriteAt(p, int64(e.Start*f.sectorSize))
	return err
}

// ReadExtentAt implements diffarea.StorageBackend.
func (s *FileStorage) ReadExtentAt(e diffstorage.Extent, p []byte) error {
	f, err := s.device(e.Device)
	if err != nil {
		return err
	}
	_, err = f.ReadAt(p, int64(e.Start*f.sectorSize))
	return err
}
