package ioport

import (
	"errors"
	"testing"
)

func TestRegisterRejectsOverlap(t *testing.T) {
	tab := New()

	if err := tab.Register(0x3f8, 0x400, "uart", nil, nil); err != nil {
		t.Fatalf("first Register: %v", err)
	}

	if err := tab.Register(0x3fa, 0x3fc, "intruder", nil, nil); !errors.Is(err, ErrOverlap) {
		t.Fatalf("overlapping Register: got %v, want ErrOverlap", err)
	}

	// Adjacent, non-overlapping range is fine.
	if err := tab.Register(0x400, 0x401, "neighbor", nil, nil); err != nil {
		t.Fatalf("adjacent Register: %v", err)
	}
}

func TestDispatchRoutesToHandler(t *testing.T) {
	tab := New()

	var gotPort uint16

	var gotData byte

	out := func(port uint16, data []byte) error {
		gotPort = port
		gotData = data[0]

		return nil
	}

	if err := tab.Register(0x60, 0x61, "kbd", nil, out); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := tab.Dispatch(0x60, true, []byte{0x42}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if gotPort != 0x60 || gotData != 0x42 {
		t.Fatalf("handler saw (port=%#x, data=%#x), want (0x60, 0x42)", gotPort, gotData)
	}
}

func TestDispatchMissReadsZeroAndNeverErrors(t *testing.T) {
	tab := New()

	data := []byte{0xFF, 0xFF}
	if err := tab.Dispatch(0x1234, false, data); err != nil {
		t.Fatalf("Dispatch miss: %v", err)
	}

	for i, b := range data {
		if b != 0 {
			t.Fatalf("data[%d] = %#x, want 0 on an unregistered-port read", i, b)
		}
	}

	// A write miss is also silently dropped, not an error.
	if err := tab.Dispatch(0x1234, true, []byte{0x01}); err != nil {
		t.Fatalf("Dispatch write miss: %v", err)
	}
}

func TestDeregisterFreesRange(t *testing.T) {
	tab := New()

	if err := tab.Register(0x80, 0x81, "debug", nil, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tab.Deregister(0x80, 0x81)

	if err := tab.Register(0x80, 0x81, "debug-again", nil, nil); err != nil {
		t.Fatalf("Register after Deregister: %v", err)
	}
}
