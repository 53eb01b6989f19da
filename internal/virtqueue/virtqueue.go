// Package virtqueue implements the virtio ring protocol core: descriptor
// table, avail/used rings, and event-idx suppression, shared by every
// transport (legacy PCI, modern PCI, MMIO) and every device engine, per
// spec.md §2.8.
package virtqueue

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Descriptor flags, per the virtio 1.1 spec.
const (
	DescFNext     = 1 << 0
	DescFWrite    = 1 << 1
	DescFIndirect = 1 << 2
)

// Ring-wide feature flags affecting notification suppression.
const (
	RingFNoInterrupt = 1 << 0
	RingFNoNotify    = 1 << 0 // same bit position, used-ring side
)

const descSize = 16 // le64 addr, le32 len, le16 flags, le16 next

// ErrChainTooLong guards against a guest-corrupted descriptor chain that
// loops back on itself, per spec.md §4.5 edge case "a cyclic NEXT chain
// must not hang the VCPU thread."
var ErrChainTooLong = errors.New("virtqueue: descriptor chain exceeds queue size")

// Mem is the minimal guest-memory accessor a Queue needs: byte-addressable
// read/write by guest-physical address. internal/guestmem.Space satisfies
// this directly.
type Mem interface {
	Slice(gpa, length uint64) ([]byte, error)
}

// Desc is one decoded descriptor-table entry.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Queue is one virtqueue's negotiated layout plus cursor state. Callers
// create one per (device, queue index) pair once QUEUE_PFN/QUEUE_DESC are
// written by the guest driver.
type Queue struct {
	mem Mem

	size uint16

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	lastAvailIdx uint16
	lastUsedIdx  uint16

	// eventIdxNegotiated is true when VIRTIO_F_EVENT_IDX was accepted, per
	// spec.md §4.5: enables the used_event/avail_event suppression fields
	// instead of the coarser NO_INTERRUPT/NO_NOTIFY flag bits.
	eventIdxNegotiated bool
}

// New builds a Queue over guest memory already laid out by the driver at
// the given addresses. size must be a power of two, per the virtio spec's
// ring-size invariant (spec.md §3).
func New(mem Mem, size uint16, descAddr, availAddr, usedAddr uint64, eventIdx bool) *Queue {
	return &Queue{
		mem:                mem,
		size:               size,
		descAddr:           descAddr,
		availAddr:          availAddr,
		usedAddr:           usedAddr,
		eventIdxNegotiated: eventIdx,
	}
}

func (q *Queue) descAt(tableAddr uint64, idx uint16) (Desc, error) {
	b, err := q.mem.Slice(tableAddr+uint64(idx)*descSize, descSize)
	if err != nil {
		return Desc{}, err
	}

	return Desc{
		Addr:  binary.LittleEndian.Uint64(b[0:8]),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}, nil
}

func (q *Queue) availFlags() (uint16, error) {
	b, err := q.mem.Slice(q.availAddr, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

func (q *Queue) availIdx() (uint16, error) {
	b, err := q.mem.Slice(q.availAddr+2, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

func (q *Queue) availRing(i uint16) (uint16, error) {
	off := q.availAddr + 4 + uint64(i%q.size)*2
	b, err := q.mem.Slice(off, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

// availEventAddr is the used_event field the driver writes for the device
// to read, living right after the avail ring's `ring` array.
func (q *Queue) usedEventOffset() uint64 {
	return q.availAddr + 4 + uint64(q.size)*2
}

func (q *Queue) usedEvent() (uint16, error) {
	if !q.eventIdxNegotiated {
		return 0, nil
	}

	b, err := q.mem.Slice(q.usedEventOffset(), 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

// Pending reports whether the driver has published new avail entries.
func (q *Queue) Pending() (bool, error) {
	idx, err := q.availIdx()
	if err != nil {
		return false, err
	}

	return idx != q.lastAvailIdx, nil
}

// Chain is a fully-walked descriptor chain ready for device processing.
type Chain struct {
	HeadIdx uint16
	Descs   []Desc
}

// Pop walks the next available descriptor chain and advances the avail
// cursor. Returns ok=false if nothing is pending.
func (q *Queue) Pop() (Chain, bool, error) {
	pending, err := q.Pending()
	if err != nil || !pending {
		return Chain{}, false, err
	}

	headPos := q.lastAvailIdx
	head, err := q.availRing(headPos)
	if err != nil {
		return Chain{}, false, err
	}

	q.lastAvailIdx++

	descs := make([]Desc, 0, q.size)

	tableAddr := q.descAddr
	limit := int(q.size)
	idx := head
	steps := 0

	for {
		if steps > limit {
			return Chain{}, false, fmt.Errorf("%w: head %d", ErrChainTooLong, head)
		}
		steps++

		d, err := q.descAt(tableAddr, idx)
		if err != nil {
			return Chain{}, false, err
		}

		if d.Flags&DescFIndirect != 0 {
			// d's buffer is itself a descriptor table of Len/16 entries;
			// walk that table in place of the outer one, per spec.md §4.5.
			// The indirect descriptor carries no data of its own and is
			// never itself chained further in the outer table.
			tableAddr = d.Addr
			limit = int(d.Len / descSize)
			idx = 0
			steps = 0

			continue
		}

		descs = append(descs, d)

		if d.Flags&DescFNext == 0 {
			break
		}

		idx = d.Next
	}

	return Chain{HeadIdx: head, Descs: descs}, true, nil
}

// Push writes one used-ring entry (head descriptor index, total bytes
// written) and advances the used index, per spec.md §4.5.
func (q *Queue) Push(head uint16, writtenLen uint32) error {
	off := q.usedAddr + 4 + uint64(q.lastUsedIdx%q.size)*8

	entry := make([]byte, 8)
	binary.LittleEndian.PutUint32(entry[0:4], uint32(head))
	binary.LittleEndian.PutUint32(entry[4:8], writtenLen)

	b, err := q.mem.Slice(off, 8)
	if err != nil {
		return err
	}

	copy(b, entry)

	q.lastUsedIdx++

	idxBuf, err := q.mem.Slice(q.usedAddr+2, 2)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint16(idxBuf, q.lastUsedIdx)

	return nil
}

// NeedsNotify decides whether the device must kick the guest's IRQ/MSI
// after pushing used entries, implementing the VIRTIO_F_EVENT_IDX
// inequality from spec.md §4.5/§9 rather than the blunter NO_INTERRUPT
// flag check, when negotiated:
//
//	(u16)(new_idx - used_event - 1) < (u16)(new_idx - old_idx)
func (q *Queue) NeedsNotify(oldIdx, newIdx uint16) (bool, error) {
	if !q.eventIdxNegotiated {
		flags, err := q.availFlags()
		if err != nil {
			return false, err
		}

		return flags&RingFNoInterrupt == 0, nil
	}

	event, err := q.usedEvent()
	if err != nil {
		return false, err
	}

	return uint16(newIdx-event-1) < uint16(newIdx-oldIdx), nil
}

// DriverWantsNotify is the symmetric check a driver-side (or loopback
// test) caller uses before writing to the avail ring's notify doorbell,
// using the device-published avail_event field instead of used_event.
// Present for completeness and for the console/vsock loopback tests;
// device engines only ever call NeedsNotify.
func (q *Queue) DriverWantsNotify(oldUsedIdx, newUsedIdx uint16) (bool, error) {
	return q.NeedsNotify(oldUsedIdx, newUsedIdx)
}

// Size returns the negotiated ring size.
func (q *Queue) Size() uint16 { return q.size }

// MemSlice exposes the backing guest-memory accessor to device engines
// that need to read/write a descriptor's data buffer directly.
func (q *Queue) MemSlice(gpa, length uint64) ([]byte, error) {
	return q.mem.Slice(gpa, length)
}
