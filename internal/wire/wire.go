// Package wire implements the binary encodings used to move CBT dumps
// and diff-storage descriptors across a process boundary (spec.md §6).
// It follows the teacher's internal/uapi/marshal.go idiom: fixed-size
// fields packed with encoding/binary rather than unsafe struct casts.
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/google/uuid"
)

// ErrShortBuffer is returned when a Decode call is given fewer bytes
// than the encoding requires.
var ErrShortBuffer = errors.New("wire: short buffer")

// cbtDumpHeaderSize is the fixed-size prefix of an encoded CBTDump,
// before the variable-length map bytes: 16 (generation UUID) + 8
// (device size) + 4 (block size) + 4 (block count) + 1 (snap number) +
// 1 (previous snap number).
const cbtDumpHeaderSize = 16 + 8 + 4 + 4 + 1 + 1

// CBTDump is the wire form of a CBT map snapshot, as returned by
// TrackerReadCBT: the bitmap window plus the generation_uuid and
// snap_number_previous readers need to validate and interpret it
// (spec.md §6).
type CBTDump struct {
	Generation         uuid.UUID
	DeviceSize         uint64
	BlockSize          uint32
	BlockCount         uint32
	SnapNumber         uint8
	SnapNumberPrevious uint8
	Map                []byte
}

// Encode packs d into its big-endian wire form.
func (d *CBTDump) Encode() []byte {
	buf := make([]byte, cbtDumpHeaderSize+len(d.Map))
	copy(buf[0:16], d.Generation[:])
	binary.BigEndian.PutUint64(buf[16:24], d.DeviceSize)
	binary.BigEndian.PutUint32(buf[24:28], d.BlockSize)
	binary.BigEndian.PutUint32(buf[28:32], d.BlockCount)
	buf[32] = d.SnapNumber
	buf[33] = d.SnapNumberPrevious
	copy(buf[cbtDumpHeaderSize:], d.Map)
	return buf
}

// DecodeCBTDump unpacks a CBTDump previously produced by Encode. The
// encoded map must hold at least BlockCount bytes: a dump whose Map is
// a shorter window (as TrackerReadCBT returns for a partial read) fails
// with ErrShortBuffer, and bytes past BlockCount are dropped.
func DecodeCBTDump(data []byte) (*CBTDump, error) {
	if len(data) < cbtDumpHeaderSize {
		return nil, ErrShortBuffer
	}
	d := &CBTDump{}
	copy(d.Generation[:], data[0:16])
	d.DeviceSize = binary.BigEndian.Uint64(data[16:24])
	d.BlockSize = binary.BigEndian.Uint32(data[24:28])
	d.BlockCount = binary.BigEndian.Uint32(data[28:32])
	d.SnapNumber = data[32]
	d.SnapNumberPrevious = data[33]

	if uint32(len(data)-cbtDumpHeaderSize) < d.BlockCount {
		return nil, ErrShortBuffer
	}
	d.Map = make([]byte, d.BlockCount)
	copy(d.Map, data[cbtDumpHeaderSize:cbtDumpHeaderSize+int(d.BlockCount)])
	return d, nil
}

// diffStorageDescriptorSize is the fixed size of an encoded
// DiffStorageDescriptor: 4 (major) + 4 (minor) + 8 (start sector) + 8
// (sector count).
const diffStorageDescriptorSize = 4 + 4 + 8 + 8

// DiffStorageDescriptor describes one extent appended to a snapshot's
// diff storage (spec.md §4.C), identifying the backing device by the
// same (major, minor) pair the original ioctl surface used.
type DiffStorageDescriptor struct {
	DeviceMajor uint32
	DeviceMinor uint32
	StartSector uint64
	SectorCount uint64
}

// Encode packs the descriptor into its big-endian wire form.
func (d *DiffStorageDescriptor) Encode() []byte {
	buf := make([]byte, diffStorageDescriptorSize)
	binary.BigEndian.PutUint32(buf[0:4], d.DeviceMajor)
	binary.BigEndian.PutUint32(buf[4:8], d.DeviceMinor)
	binary.BigEndian.PutUint64(buf[8:16], d.StartSector)
	binary.BigEndian.PutUint64(buf[16:24], d.SectorCount)
	return buf
}

// DecodeDiffStorageDescriptor unpacks a descriptor previously produced
// by Encode.
func DecodeDiffStorageDescriptor(data []byte) (*DiffStorageDescriptor, error) {
	if len(data) < diffStorageDescriptorSize {
		return nil, ErrShortBuffer
	}
	return &DiffStorageDescriptor{
		DeviceMajor: binary.BigEndian.Uint32(data[0:4]),
		DeviceMinor: binary.BigEndian.Uint32(data[4:8]),
		StartSector: binary.BigEndian.Uint64(data[8:16]),
		SectorCount: binary.BigEndian.Uint64(data[16:24]),
	}, nil
}

// EncodeDiffStorageDescriptors packs a list of descriptors, prefixed
// with a uint32 count, for bulk transfer (e.g. SnapshotAppendStorage's
// full extent list).
func EncodeDiffStorageDescriptors(descriptors []DiffStorageDescriptor) []byte {
	buf := make([]byte, 4+len(descriptors)*diffStorageDescriptorSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(descriptors)))
	off := 4
	for _, d := range descriptors {
		copy(buf[off:off+diffStorageDescriptorSize], d.Encode())
		off += diffStorageDescriptorSize
	}
	return buf
}

// DecodeDiffStorageDescriptors unpacks a list produced by
// EncodeDiffStorageDescriptors.
func DecodeDiffStorageDescriptors(data []byte) ([]DiffStorageDescriptor, error) {
	if len(data) < 4 {
		return nil, ErrShortBuffer
	}
	count := binary.BigEndian.Uint32(data[0:4])
	off := 4
	out := make([]DiffStorageDescriptor, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data)-off < diffStorageDescriptorSize {
			return nil, ErrShortBuffer
		}
		d, err := DecodeDiffStorageDescriptor(data[off : off+diffStorageDescriptorSize])
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
		off += diffStorageDescriptorSize
	}
	return out, nil
}
