package disk

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestRawRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	if err := os.WriteFile(path, make([]byte, 4*SectorSize), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	img, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	want := bytes.Repeat([]byte{0xAB}, SectorSize*2)

	if err := img.WriteSectors(1, want); err != nil {
		t.Fatalf("WriteSectors: %v", err)
	}

	if err := img.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := make([]byte, SectorSize*2)
	if err := img.ReadSectors(1, got); err != nil {
		t.Fatalf("ReadSectors: %v", err)
	}

	if !bytes.Equal(got, want) {
		t.Fatalf("ReadSectors returned %x, want %x", got, want)
	}

	// Sectors outside the written range are untouched (still zero).
	zero := make([]byte, SectorSize)
	if err := img.ReadSectors(0, zero); err != nil {
		t.Fatalf("ReadSectors: %v", err)
	}

	for i, b := range zero {
		if b != 0 {
			t.Fatalf("sector 0 byte %d = %#x, want 0", i, b)
		}
	}
}

func TestRawWriteSectorsRejectsOnReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	if err := os.WriteFile(path, make([]byte, SectorSize), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	img, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	if err := img.WriteSectors(0, make([]byte, SectorSize)); err == nil {
		t.Fatalf("WriteSectors on a read-only image: want an error, got nil")
	}
}

// writeQCOW1 builds a minimal valid QCOW1 image with an all-zero L1 table,
// so every cluster reads as unallocated (all-zero) without needing any L2
// table or data area on disk, per spec.md §8 property 3 ("an unallocated
// cluster reads back as zero").
func writeQCOW1(t *testing.T, size uint64, clusterBits, l2Bits uint8) string {
	t.Helper()

	const l1TableOff = qcow1HeaderSize

	hdr := make([]byte, qcow1HeaderSize)
	copy(hdr[0:4], []byte{'Q', 'F', 'I', 0xFB})
	binary.BigEndian.PutUint32(hdr[4:8], 1) // version
	binary.BigEndian.PutUint64(hdr[24:32], size)
	hdr[32] = clusterBits
	hdr[33] = l2Bits
	binary.BigEndian.PutUint64(hdr[40:48], l1TableOff)

	l1Entries := (size + (uint64(1)<<(uint64(l2Bits)+uint64(clusterBits)) - 1)) >> (uint64(l2Bits) + uint64(clusterBits))
	l1 := make([]byte, l1Entries*8) // all-zero: every cluster unallocated

	path := filepath.Join(t.TempDir(), "disk.qcow")
	if err := os.WriteFile(path, append(hdr, l1...), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	return path
}

func TestQCOW1ZeroClusterReadsZero(t *testing.T) {
	path := writeQCOW1(t, 1<<20, 16, 9)

	img, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	if img.Size() != 1<<20 {
		t.Fatalf("Size() = %d, want %d", img.Size(), 1<<20)
	}

	got := bytes.Repeat([]byte{0xFF}, SectorSize)
	if err := img.ReadSectors(0, got); err != nil {
		t.Fatalf("ReadSectors: %v", err)
	}

	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0 for an unallocated QCOW1 cluster", i, b)
		}
	}
}
