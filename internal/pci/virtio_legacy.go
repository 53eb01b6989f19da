package pci

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gokvm/hypervisor/internal/guestmem"
	"github.com/gokvm/hypervisor/internal/hlog"
	"github.com/gokvm/hypervisor/internal/ioport"
	"github.com/gokvm/hypervisor/internal/irq"
	"github.com/gokvm/hypervisor/internal/virtqueue"
)

// legacy virtio-pci I/O-BAR register offsets, per the virtio 0.9.5 spec
// and matching the teacher's commonHeader layout.
const (
	regHostFeatures  = 0x00
	regGuestFeatures = 0x04
	regQueueAddr     = 0x08
	regQueueSize     = 0x0C
	regQueueSelect   = 0x0E
	regQueueNotify   = 0x10
	regStatus        = 0x12
	regISR           = 0x13
	regConfigStart   = 0x14

	legacyQueueAlign = 4096
)

// Engine is a virtio device's data-plane: it is handed a populated Queue
// once the driver finishes negotiation and is expected to service it
// whenever Kick is called, pushing used entries and returning whether the
// device wants to raise its interrupt, per spec.md §4.7/§4.8.
type Engine interface {
	// DeviceID/SubsystemID/HostFeatures/ConfigSize describe the device for
	// header construction.
	DeviceID() uint16
	SubsystemID() uint16
	HostFeatures() uint32
	NumQueues() int
	ConfigSpace() []byte // device-specific config region (e.g. virtio-blk capacity)

	// SetQueue is called once per queue after the guest driver finishes
	// PFN/alignment negotiation.
	SetQueue(idx int, q *virtqueue.Queue)

	// Kick processes newly-available buffers on queue idx.
	Kick(idx int) error
}

// LegacyTransport implements the legacy (pre-1.0) virtio-pci I/O-BAR
// transport: feature/status/queue negotiation registers plus a notify
// doorbell, on top of an Engine, per spec.md §2.9.
type LegacyTransport struct {
	mu sync.Mutex

	mem  *guestmem.Space
	eng  Engine
	hdr  DeviceHeader
	gsi  uint32
	ring *irq.Router

	ioBase uint16

	guestFeatures uint32
	status        uint8
	isr           uint8

	queueSelect uint16
	queuePFN    [8]uint32
	queueSize   [8]uint16
	queues      [8]*virtqueue.Queue

	cfg []byte
}

// NewLegacyTransport registers eng on bus at ioBase, sized to fit the
// common header plus eng's device-specific config region.
func NewLegacyTransport(bus *Bus, pio *ioport.Table, mem *guestmem.Space, ring *irq.Router, gsi uint32, ioBase uint16, eng Engine) (*LegacyTransport, error) {
	t := &LegacyTransport{mem: mem, eng: eng, ring: ring, gsi: gsi, ioBase: ioBase}

	t.cfg = make([]byte, configSpaceSize)

	size := regConfigStart + len(eng.ConfigSpace())

	t.hdr = DeviceHeader{
		VendorID:      0x1AF4,
		DeviceID:      eng.DeviceID(),
		HeaderType:    0,
		SubsystemVID:  0x1AF4,
		SubsystemID:   eng.SubsystemID(),
		Command:       1,
		BAR:           [6]uint32{uint32(ioBase) | 0x1},
		InterruptPin:  1,
		InterruptLine: uint8(gsi),
	}
	copy(t.cfg, t.hdr.Bytes())

	if err := pio.Register(ioBase, ioBase+uint16(size), fmt.Sprintf("virtio-legacy-%04x", eng.DeviceID()), t.in, t.out); err != nil {
		return nil, fmt.Errorf("pci: legacy virtio IO BAR: %w", err)
	}

	bus.Add(t)

	return t, nil
}

// ConfigSpace implements Device.
func (t *LegacyTransport) ConfigSpace() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cfg
}

func (t *LegacyTransport) in(port uint16, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	off := port - t.ioBase

	switch {
	case off == regHostFeatures:
		binary.LittleEndian.PutUint32(pad4(data), t.eng.HostFeatures())
	case off == regQueueAddr:
		binary.LittleEndian.PutUint32(pad4(data), t.queuePFN[t.queueSelect])
	case off == regQueueSize:
		binary.LittleEndian.PutUint16(data[:2], defaultQueueSize)
	case off == regQueueSelect:
		binary.LittleEndian.PutUint16(data[:2], t.queueSelect)
	case off == regStatus:
		data[0] = t.status
	case off == regISR:
		data[0] = t.isr
		t.isr = 0 // read clears, per the virtio legacy ISR status spec
	case int(off) >= regConfigStart:
		cfg := t.eng.ConfigSpace()
		i := int(off) - regConfigStart

		if i+len(data) <= len(cfg) {
			copy(data, cfg[i:i+len(data)])
		}
	default:
		zero(data)
	}

	return nil
}

const defaultQueueSize = 256

func (t *LegacyTransport) out(port uint16, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	off := port - t.ioBase

	switch {
	case off == regGuestFeatures:
		t.guestFeatures = binary.LittleEndian.Uint32(pad4Read(data))
	case off == regQueueAddr:
		pfn := binary.LittleEndian.Uint32(pad4Read(data))
		t.queuePFN[t.queueSelect] = pfn
		t.setupQueue(int(t.queueSelect), pfn)
	case off == regQueueSelect:
		t.queueSelect = binary.LittleEndian.Uint16(data)
	case off == regQueueNotify:
		idx := int(binary.LittleEndian.Uint16(data))
		t.notify(idx)
	case off == regStatus:
		t.status = data[0]
		if t.status == 0 {
			t.reset()
		}
	case int(off) >= regConfigStart:
		cfg := t.eng.ConfigSpace()
		i := int(off) - regConfigStart

		if i+len(data) <= len(cfg) {
			copy(cfg[i:i+len(data)], data)
		}
	}

	return nil
}

func (t *LegacyTransport) setupQueue(idx int, pfn uint32) {
	if pfn == 0 || idx >= len(t.queues) {
		return
	}

	base := uint64(pfn) * legacyQueueAlign
	size := uint16(defaultQueueSize)

	descAddr := base
	availAddr := descAddr + uint64(size)*16
	usedAddr := alignUp(availAddr+4+uint64(size)*2, legacyQueueAlign)

	eventIdx := t.guestFeatures&virtioFRingEventIdx != 0

	q := virtqueue.New(t.mem, size, descAddr, availAddr, usedAddr, eventIdx)
	t.queues[idx] = q
	t.eng.SetQueue(idx, q)
}

func alignUp(v uint64, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

const virtioFRingEventIdx = 1 << 29

func (t *LegacyTransport) notify(idx int) {
	if idx < 0 || idx >= len(t.queues) || t.queues[idx] == nil {
		hlog.Warnf("pci: notify on unconfigured queue %d", idx)

		return
	}

	// Kick runs with t.mu released: engines call back into Queue methods
	// that touch guest memory, not this transport, but Kick must never run
	// under our lock in case a future engine needs ConfigSpace() mid-kick.
	eng := t.eng
	t.mu.Unlock()
	err := eng.Kick(idx)
	t.mu.Lock()

	if err != nil {
		hlog.Warnf("pci: virtio engine kick queue %d: %v", idx, err)

		return
	}

	t.isr |= 0x1

	if t.ring != nil {
		if err := t.ring.Raise(t.gsi); err != nil {
			hlog.Warnf("pci: raise gsi %d: %v", t.gsi, err)
		}
	}
}

func (t *LegacyTransport) reset() {
	t.guestFeatures = 0
	t.isr = 0

	for i := range t.queuePFN {
		t.queuePFN[i] = 0
		t.queues[i] = nil
	}
}
