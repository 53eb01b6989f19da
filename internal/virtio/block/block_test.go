package block

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/gokvm/hypervisor/internal/virtqueue"
)

// fakeMem is a flat byte buffer satisfying virtqueue.Mem.
type fakeMem struct {
	buf []byte
}

func (m *fakeMem) Slice(gpa, length uint64) ([]byte, error) {
	return m.buf[gpa : gpa+length], nil
}

func (m *fakeMem) putDesc(off uint64, addr uint64, length uint32, flags, next uint16) {
	binary.LittleEndian.PutUint64(m.buf[off:], addr)
	binary.LittleEndian.PutUint32(m.buf[off+8:], length)
	binary.LittleEndian.PutUint16(m.buf[off+12:], flags)
	binary.LittleEndian.PutUint16(m.buf[off+14:], next)
}

// fakeImage is an in-memory disk.Image backend.
type fakeImage struct {
	data     []byte
	readOnly bool
}

func (f *fakeImage) Size() int64 { return int64(len(f.data)) }

func (f *fakeImage) ReadSectors(sector uint64, dst []byte) error {
	copy(dst, f.data[sector*sectorSize:])

	return nil
}

func (f *fakeImage) WriteSectors(sector uint64, src []byte) error {
	if f.readOnly {
		return errReadOnly
	}

	copy(f.data[sector*sectorSize:], src)

	return nil
}

func (f *fakeImage) Flush() error { return nil }
func (f *fakeImage) Close() error { return nil }

var errReadOnly = fakeErr("read-only")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const (
	descSize = 16
	qsize    = 4
)

func newTestQueue(mem *fakeMem) *virtqueue.Queue {
	descBase := uint64(0)
	availBase := descBase + qsize*descSize
	usedBase := availBase + 4 + qsize*2 + 2

	return virtqueue.New(mem, qsize, descBase, availBase, usedBase, false)
}

func publishAvail(mem *fakeMem, idx uint16, ring ...uint16) {
	const availBase = qsize * descSize

	binary.LittleEndian.PutUint16(mem.buf[availBase+2:], idx)

	for i, head := range ring {
		off := uint64(availBase) + 4 + uint64(i)*2
		binary.LittleEndian.PutUint16(mem.buf[off:], head)
	}
}

func TestKickServicesMultiSegmentRead(t *testing.T) {
	mem := &fakeMem{buf: make([]byte, 0x10000)}

	const (
		hdrAddr    = 0x1000
		seg0Addr   = 0x2000
		seg1Addr   = 0x3000
		statusAddr = 0x4000
		segLen     = sectorSize
	)

	// header -> seg0 -> seg1 -> status
	mem.putDesc(0*descSize, hdrAddr, 16, virtqueue.DescFNext, 1)
	mem.putDesc(1*descSize, seg0Addr, segLen, virtqueue.DescFNext|virtqueue.DescFWrite, 2)
	mem.putDesc(2*descSize, seg1Addr, segLen, virtqueue.DescFNext|virtqueue.DescFWrite, 3)
	mem.putDesc(3*descSize, statusAddr, 1, virtqueue.DescFWrite, 0)

	binary.LittleEndian.PutUint32(mem.buf[hdrAddr:], reqTypeIn)
	binary.LittleEndian.PutUint64(mem.buf[hdrAddr+8:], 0) // starting sector

	publishAvail(mem, 1, 0)

	img := &fakeImage{data: make([]byte, 4*sectorSize)}
	copy(img.data[0:sectorSize], bytes.Repeat([]byte{0xAA}, sectorSize))
	copy(img.data[sectorSize:2*sectorSize], bytes.Repeat([]byte{0xBB}, sectorSize))

	e := New(img, false)
	e.SetQueue(0, newTestQueue(mem))

	if err := e.Kick(0); err != nil {
		t.Fatalf("Kick: %v", err)
	}

	if !bytes.Equal(mem.buf[seg0Addr:seg0Addr+segLen], img.data[0:sectorSize]) {
		t.Fatalf("segment 0 not filled with sector 0's content")
	}

	if !bytes.Equal(mem.buf[seg1Addr:seg1Addr+segLen], img.data[sectorSize:2*sectorSize]) {
		t.Fatalf("segment 1 not filled with sector 1's content")
	}

	if got := mem.buf[statusAddr]; got != statusOK {
		t.Fatalf("status = %d, want statusOK", got)
	}
}

func TestKickRejectsWriteOnReadOnlyImage(t *testing.T) {
	mem := &fakeMem{buf: make([]byte, 0x10000)}

	const (
		hdrAddr    = 0x1000
		segAddr    = 0x2000
		statusAddr = 0x3000
		segLen     = sectorSize
	)

	mem.putDesc(0*descSize, hdrAddr, 16, virtqueue.DescFNext, 1)
	mem.putDesc(1*descSize, segAddr, segLen, virtqueue.DescFNext, 2)
	mem.putDesc(2*descSize, statusAddr, 1, virtqueue.DescFWrite, 0)

	binary.LittleEndian.PutUint32(mem.buf[hdrAddr:], reqTypeOut)
	binary.LittleEndian.PutUint64(mem.buf[hdrAddr+8:], 0)

	publishAvail(mem, 1, 0)

	img := &fakeImage{data: make([]byte, sectorSize), readOnly: true}

	e := New(img, true)
	e.SetQueue(0, newTestQueue(mem))

	if err := e.Kick(0); err != nil {
		t.Fatalf("Kick: %v", err)
	}

	if got := mem.buf[statusAddr]; got != statusIOErr {
		t.Fatalf("status = %d, want statusIOErr for a write on a read-only image", got)
	}
}
