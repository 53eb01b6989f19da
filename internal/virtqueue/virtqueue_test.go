package virtqueue

import (
	"encoding/binary"
	"testing"
)

// fakeMem is a flat byte buffer satisfying Mem, standing in for guest
// memory in these ring-walk tests.
type fakeMem struct {
	buf []byte
}

func newFakeMem(size int) *fakeMem {
	return &fakeMem{buf: make([]byte, size)}
}

func (m *fakeMem) Slice(gpa, length uint64) ([]byte, error) {
	return m.buf[gpa : gpa+length], nil
}

func (m *fakeMem) putDesc(i uint16, addr uint64, length uint32, flags, next uint16) {
	m.putDescAt(descBase+uint64(i)*descSize, addr, length, flags, next)
}

func (m *fakeMem) putDescAt(off, addr uint64, length uint32, flags, next uint16) {
	binary.LittleEndian.PutUint64(m.buf[off:], addr)
	binary.LittleEndian.PutUint32(m.buf[off+8:], length)
	binary.LittleEndian.PutUint16(m.buf[off+12:], flags)
	binary.LittleEndian.PutUint16(m.buf[off+14:], next)
}

const (
	qsize     = 4
	descBase  = 0
	availBase = descBase + qsize*descSize
	usedBase  = availBase + 4 + qsize*2 + 2
)

func newTestQueue(eventIdx bool) (*Queue, *fakeMem) {
	mem := newFakeMem(4096)
	q := New(mem, qsize, descBase, availBase, usedBase, eventIdx)

	return q, mem
}

func (m *fakeMem) publishAvail(idx uint16, ring ...uint16) {
	binary.LittleEndian.PutUint16(m.buf[availBase+2:], idx)

	for i, head := range ring {
		off := availBase + 4 + uint64(i)*2
		binary.LittleEndian.PutUint16(m.buf[off:], head)
	}
}

func TestQueuePopWalksChain(t *testing.T) {
	q, mem := newTestQueue(false)

	// Two-descriptor chain: head=0 -> next=1.
	mem.putDesc(0, 0x1000, 64, DescFNext, 1)
	mem.putDesc(1, 0x2000, 128, 0, 0)
	mem.publishAvail(1, 0)

	chain, ok, err := q.Pop()
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}

	if !ok {
		t.Fatalf("Pop: want a pending chain, got none")
	}

	if chain.HeadIdx != 0 {
		t.Fatalf("HeadIdx = %d, want 0", chain.HeadIdx)
	}

	if len(chain.Descs) != 2 {
		t.Fatalf("len(Descs) = %d, want 2", len(chain.Descs))
	}

	if chain.Descs[0].Addr != 0x1000 || chain.Descs[1].Addr != 0x2000 {
		t.Fatalf("unexpected descriptor chain: %+v", chain.Descs)
	}

	if _, ok, err := q.Pop(); err != nil || ok {
		t.Fatalf("second Pop: ok=%v err=%v, want nothing pending", ok, err)
	}
}

func TestQueuePopWalksIndirectChain(t *testing.T) {
	q, mem := newTestQueue(false)

	const indirectBase = 1024

	// Indirect table of two chained descriptors.
	mem.putDescAt(indirectBase, 0x3000, 64, DescFNext, 1)
	mem.putDescAt(indirectBase+descSize, 0x4000, 128, 0, 0)

	// The head descriptor in the real table just points at the indirect
	// table; it carries no data of its own.
	mem.putDesc(0, indirectBase, 2*descSize, DescFIndirect, 0)
	mem.publishAvail(1, 0)

	chain, ok, err := q.Pop()
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}

	if !ok {
		t.Fatalf("Pop: want a pending chain, got none")
	}

	if len(chain.Descs) != 2 {
		t.Fatalf("len(Descs) = %d, want 2", len(chain.Descs))
	}

	if chain.Descs[0].Addr != 0x3000 || chain.Descs[1].Addr != 0x4000 {
		t.Fatalf("unexpected indirect descriptor chain: %+v", chain.Descs)
	}
}

func TestQueuePopRejectsCyclicChain(t *testing.T) {
	q, mem := newTestQueue(false)

	// A chain that loops back on itself must not hang the caller.
	mem.putDesc(0, 0x1000, 64, DescFNext, 1)
	mem.putDesc(1, 0x2000, 64, DescFNext, 0)
	mem.publishAvail(1, 0)

	if _, _, err := q.Pop(); err == nil {
		t.Fatalf("Pop on cyclic chain: want ErrChainTooLong, got nil")
	}
}

func TestQueuePushAdvancesUsedIdx(t *testing.T) {
	q, mem := newTestQueue(false)

	if err := q.Push(2, 128); err != nil {
		t.Fatalf("Push: %v", err)
	}

	gotIdx := binary.LittleEndian.Uint16(mem.buf[usedBase+2:])
	if gotIdx != 1 {
		t.Fatalf("used idx = %d, want 1", gotIdx)
	}

	gotHead := binary.LittleEndian.Uint32(mem.buf[usedBase+4:])
	gotLen := binary.LittleEndian.Uint32(mem.buf[usedBase+8:])

	if gotHead != 2 || gotLen != 128 {
		t.Fatalf("used entry = (head=%d, len=%d), want (2, 128)", gotHead, gotLen)
	}
}

func TestNeedsNotifyNoEventIdx(t *testing.T) {
	q, mem := newTestQueue(false)

	// RingFNoInterrupt clear: notify is wanted.
	binary.LittleEndian.PutUint16(mem.buf[availBase:], 0)

	if need, err := q.NeedsNotify(0, 1); err != nil || !need {
		t.Fatalf("NeedsNotify = %v, %v; want true, nil", need, err)
	}

	// RingFNoInterrupt set: no notify.
	binary.LittleEndian.PutUint16(mem.buf[availBase:], RingFNoInterrupt)

	if need, err := q.NeedsNotify(0, 1); err != nil || need {
		t.Fatalf("NeedsNotify with NO_INTERRUPT = %v, %v; want false, nil", need, err)
	}
}

func TestNeedsNotifyEventIdx(t *testing.T) {
	q, mem := newTestQueue(true)

	// used_event lives right after the avail ring.
	usedEventOff := availBase + 4 + uint64(qsize)*2
	binary.LittleEndian.PutUint16(mem.buf[usedEventOff:], 5)

	// new_idx - used_event - 1 = 10 - 5 - 1 = 4 < new_idx - old_idx = 10 - 0 = 10: notify.
	if need, err := q.NeedsNotify(0, 10); err != nil || !need {
		t.Fatalf("NeedsNotify = %v, %v; want true, nil", need, err)
	}

	// Nothing has been pushed since used_event: 5 - 5 - 1 wraps large, not < 0: no notify.
	if need, err := q.NeedsNotify(5, 5); err != nil || need {
		t.Fatalf("NeedsNotify stale = %v, %v; want false, nil", need, err)
	}
}
