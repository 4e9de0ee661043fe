package wire

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestCBTDumpRoundTrip(t *testing.T) {
	d := &CBTDump{
		Generation:         uuid.New(),
		DeviceSize:         1 << 30,
		BlockSize:          1 << 16,
		BlockCount:         4,
		SnapNumber:         7,
		SnapNumberPrevious: 6,
		Map:                []byte{0, 1, 2, 3},
	}

	encoded := d.Encode()
	decoded, err := DecodeCBTDump(encoded)
	if err != nil {
		t.Fatalf("DecodeCBTDump: %v", err)
	}

	if decoded.Generation != d.Generation {
		t.Errorf("generation mismatch: got %v want %v", decoded.Generation, d.Generation)
	}
	if decoded.DeviceSize != d.DeviceSize || decoded.BlockSize != d.BlockSize || decoded.BlockCount != d.BlockCount {
		t.Errorf("header mismatch: %+v vs %+v", decoded, d)
	}
	if decoded.SnapNumber != d.SnapNumber {
		t.Errorf("snap number mismatch: got %d want %d", decoded.SnapNumber, d.SnapNumber)
	}
	if decoded.SnapNumberPrevious != d.SnapNumberPrevious {
		t.Errorf("snap number previous mismatch: got %d want %d", decoded.SnapNumberPrevious, d.SnapNumberPrevious)
	}
	if !bytes.Equal(decoded.Map, d.Map) {
		t.Errorf("map mismatch: got %v want %v", decoded.Map, d.Map)
	}
}

func TestCBTDumpShortBuffer(t *testing.T) {
	if _, err := DecodeCBTDump([]byte{1, 2, 3}); err != ErrShortBuffer {
		t.Errorf("expected ErrShortBuffer, got %v", err)
	}

	d := &CBTDump{BlockCount: 10, Map: make([]byte, 10)}
	encoded := d.Encode()
	if _, err := DecodeCBTDump(encoded[:len(encoded)-5]); err != ErrShortBuffer {
		t.Errorf("expected ErrShortBuffer for truncated map, got %v", err)
	}
}

func TestDiffStorageDescriptorRoundTrip(t *testing.T) {
	d := &DiffStorageDescriptor{
		DeviceMajor: 8,
		DeviceMinor: 1,
		StartSector: 2048,
		SectorCount: 65536,
	}

	decoded, err := DecodeDiffStorageDescriptor(d.Encode())
	if err != nil {
		t.Fatalf("DecodeDiffStorageDescriptor: %v", err)
	}
	if *decoded != *d {
		t.Errorf("got %+v want %+v", decoded, d)
	}
}

func TestDiffStorageDescriptorListRoundTrip(t *testing.T) {
	descriptors := []DiffStorageDescriptor{
		{DeviceMajor: 8, DeviceMinor: 1, StartSector: 0, SectorCount: 1024},
		{DeviceMajor: 8, DeviceMinor: 2, StartSector: 1024, SectorCount: 2048},
	}

	decoded, err := DecodeDiffStorageDescriptors(EncodeDiffStorageDescriptors(descriptors))
	if err != nil {
		t.Fatalf("DecodeDiffStorageDescriptors: %v", err)
	}
	if len(decoded) != len(descriptors) {
		t.Fatalf("got %d descriptors, want %d", len(decoded), len(descriptors))
	}
	for i := range descriptors {
		if decoded[i] != descriptors[i] {
			t.Errorf("descriptor %d: got %+v want %+v", i, decoded[i], descriptors[i])
		}
	}
}

func TestDiffStorageDescriptorsEmpty(t *testing.T) {
	decoded, err := DecodeDiffStorageDescriptors(EncodeDiffStorageDescriptors(nil))
	if err != nil {
		t.Fatalf("DecodeDiffStorageDescriptors: %v", err)
	}
	if len(decoded) != 0 {
		t.Errorf("expected empty list, got %v", decoded)
	}
}
