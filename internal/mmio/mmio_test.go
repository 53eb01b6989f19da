package mmio

import (
	"errors"
	"testing"
)

func TestDispatchFindsCoveringRegion(t *testing.T) {
	tree := New(0)

	var gotAddr uint64

	h := func(addr uint64, data []byte, isWrite bool) error {
		gotAddr = addr

		return nil
	}

	if err := tree.Register(0xd0000000, 0x1000, "pci-bar0", false, h); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := tree.Register(0xd0001000, 0x1000, "pci-bar1", false, h); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := tree.Dispatch(0xd0000010, make([]byte, 4), false); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if gotAddr != 0xd0000010 {
		t.Fatalf("handler saw addr %#x, want 0xd0000010", gotAddr)
	}

	if err := tree.Dispatch(0xd0001010, make([]byte, 4), false); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if gotAddr != 0xd0001010 {
		t.Fatalf("handler saw addr %#x, want 0xd0001010", gotAddr)
	}
}

func TestDispatchMissIsZeroFilledRead(t *testing.T) {
	tree := New(0)

	data := []byte{0xAA, 0xAA, 0xAA, 0xAA}
	if err := tree.Dispatch(0xffffffff, data, false); err != nil {
		t.Fatalf("Dispatch miss: %v", err)
	}

	for i, b := range data {
		if b != 0 {
			t.Fatalf("data[%d] = %#x, want 0 for an unregistered MMIO region", i, b)
		}
	}
}

func TestDeregisterRemovesRegion(t *testing.T) {
	tree := New(0)

	h := func(addr uint64, data []byte, isWrite bool) error { return nil }

	if err := tree.Register(0x1000, 0x100, "dev", false, h); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tree.Deregister(0x1000)

	data := make([]byte, 1)
	if err := tree.Dispatch(0x1000, data, false); err != nil {
		t.Fatalf("Dispatch after Deregister: %v", err)
	}

	if data[0] != 0 {
		t.Fatalf("Dispatch after Deregister did not fall back to the miss path")
	}
}

func TestRegisterRejectsOverlap(t *testing.T) {
	tree := New(0)

	h := func(addr uint64, data []byte, isWrite bool) error { return nil }

	if err := tree.Register(0xd0000000, 0x2000, "pci-bar0", false, h); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// [0xd0001000, 0xd0003000) overlaps the tail of the region just
	// registered above.
	if err := tree.Register(0xd0001000, 0x2000, "pci-bar1", false, h); !errors.Is(err, ErrOverlap) {
		t.Fatalf("Register overlap: err = %v, want ErrOverlap", err)
	}

	// A disjoint, adjacent region is still fine.
	if err := tree.Register(0xd0002000, 0x1000, "pci-bar1", false, h); err != nil {
		t.Fatalf("Register adjacent: %v", err)
	}
}

func TestSearchRejectsAccessSpanningTwoRegions(t *testing.T) {
	tree := New(0)

	h := func(addr uint64, data []byte, isWrite bool) error { return nil }

	if err := tree.Register(0x1000, 0x10, "a", false, h); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := tree.Register(0x1010, 0x10, "b", false, h); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// An 8-byte access starting 8 bytes before the boundary spans both
	// regions and must not resolve to either one.
	data := []byte{1, 1, 1, 1, 1, 1, 1, 1}
	if err := tree.Dispatch(0x1008, data, false); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	for i, b := range data {
		if b != 0 {
			t.Fatalf("data[%d] = %#x, want 0: a spanning access must miss, not alias one region", i, b)
		}
	}
}
