// Package virtiommio implements the virtio-mmio transport: a single
// contiguous register block per device instead of PCI capabilities,
// the usual choice for ARM guests without a PCI bus, per spec.md §2.11.
package virtiommio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gokvm/hypervisor/internal/guestmem"
	"github.com/gokvm/hypervisor/internal/hlog"
	"github.com/gokvm/hypervisor/internal/irq"
	"github.com/gokvm/hypervisor/internal/mmio"
	"github.com/gokvm/hypervisor/internal/pci"
	"github.com/gokvm/hypervisor/internal/virtqueue"
)

const (
	magicValue   = 0x74726976 // "virt"
	version      = 2
	regionSize   = 0x200
	configOffset = 0x100
)

// register offsets, per the virtio-mmio spec.
const (
	offMagic        = 0x000
	offVersion      = 0x004
	offDeviceID     = 0x008
	offVendorID     = 0x00C
	offHostFeatures = 0x010
	offHostFeatSel  = 0x014
	offGuestFeat    = 0x020
	offGuestFeatSel = 0x024
	offQueueSel     = 0x030
	offQueueNumMax  = 0x034
	offQueueNum     = 0x038
	offQueueReady   = 0x044
	offQueueNotify  = 0x050
	offInterruptSt  = 0x060
	offInterruptAck = 0x064
	offStatus       = 0x070
	offQueueDescLo  = 0x080
	offQueueDescHi  = 0x084
	offQueueAvailLo = 0x090
	offQueueAvailHi = 0x094
	offQueueUsedLo  = 0x0A0
	offQueueUsedHi  = 0x0A4
	offConfigGen    = 0x0FC
)

// Transport is one virtio-mmio device's register block.
type Transport struct {
	mu sync.Mutex

	mem  *guestmem.Space
	eng  pci.Engine
	ring *irq.Router
	gsi  uint32
	base uint64

	hostFeatSel  uint32
	guestFeatSel uint32
	guestFeat    uint32

	status uint8
	isr    uint8

	queueSel     uint32
	queueNum     [8]uint32
	queueReady   [8]uint32
	queueDesc    [8]uint64
	queueAvail   [8]uint64
	queueUsed    [8]uint64
	queues       [8]*virtqueue.Queue
}

// New registers eng's register block on tree at base, sized regionSize
// plus eng's device-config trailer.
func New(tree *mmio.Tree, mem *guestmem.Space, ring *irq.Router, gsi uint32, base uint64, eng pci.Engine) (*Transport, error) {
	t := &Transport{mem: mem, eng: eng, ring: ring, gsi: gsi, base: base}

	size := uint64(configOffset + len(eng.ConfigSpace()))

	if err := tree.Register(base, size, fmt.Sprintf("virtio-mmio-%04x", eng.DeviceID()), false, t.dispatch); err != nil {
		return nil, fmt.Errorf("virtiommio: register region at %#x: %w", base, err)
	}

	return t, nil
}

func (t *Transport) dispatch(addr uint64, data []byte, isWrite bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	off := addr - t.base

	if off >= configOffset {
		cfg := t.eng.ConfigSpace()
		i := int(off - configOffset)

		if i+len(data) > len(cfg) {
			zero(data)

			return nil
		}

		if isWrite {
			copy(cfg[i:], data)
		} else {
			copy(data, cfg[i:])
		}

		return nil
	}

	if isWrite {
		t.write(off, data)
	} else {
		t.read(off, data)
	}

	return nil
}

func (t *Transport) read(off uint64, data []byte) {
	switch off {
	case offMagic:
		binary.LittleEndian.PutUint32(data, magicValue)
	case offVersion:
		binary.LittleEndian.PutUint32(data, version)
	case offDeviceID:
		binary.LittleEndian.PutUint32(data, uint32(t.eng.DeviceID()))
	case offVendorID:
		binary.LittleEndian.PutUint32(data, 0x1AF4)
	case offHostFeatures:
		feat := uint64(t.eng.HostFeatures())
		if t.hostFeatSel == 1 {
			binary.LittleEndian.PutUint32(data, uint32(feat>>32))
		} else {
			binary.LittleEndian.PutUint32(data, uint32(feat))
		}
	case offQueueNumMax:
		binary.LittleEndian.PutUint32(data, 256)
	case offQueueReady:
		binary.LittleEndian.PutUint32(data, t.queueReady[t.queueSel])
	case offInterruptSt:
		binary.LittleEndian.PutUint32(data, uint32(t.isr))
	case offStatus:
		binary.LittleEndian.PutUint32(data, uint32(t.status))
	case offConfigGen:
		binary.LittleEndian.PutUint32(data, 0)
	default:
		zero(data)
	}
}

func (t *Transport) write(off uint64, data []byte) {
	v := binary.LittleEndian.Uint32(data)

	switch off {
	case offHostFeatSel:
		t.hostFeatSel = v
	case offGuestFeatSel:
		t.guestFeatSel = v
	case offGuestFeat:
		if t.guestFeatSel == 0 {
			t.guestFeat = (t.guestFeat &^ 0xFFFFFFFF) | uint64(v)
		} else {
			t.guestFeat = (t.guestFeat & 0xFFFFFFFF) | (uint64(v) << 32)
		}
	case offQueueSel:
		t.queueSel = v
	case offQueueNum:
		t.queueNum[t.queueSel] = v
	case offQueueReady:
		t.queueReady[t.queueSel] = v
		if v != 0 {
			t.setupQueue(int(t.queueSel))
		}
	case offQueueNotify:
		t.notify(int(v))
	case offInterruptAck:
		t.isr &^= uint8(v)
	case offStatus:
		t.status = uint8(v)
		if v == 0 {
			t.reset()
		}
	case offQueueDescLo:
		t.queueDesc[t.queueSel] = setLo(t.queueDesc[t.queueSel], v)
	case offQueueDescHi:
		t.queueDesc[t.queueSel] = setHi(t.queueDesc[t.queueSel], v)
	case offQueueAvailLo:
		t.queueAvail[t.queueSel] = setLo(t.queueAvail[t.queueSel], v)
	case offQueueAvailHi:
		t.queueAvail[t.queueSel] = setHi(t.queueAvail[t.queueSel], v)
	case offQueueUsedLo:
		t.queueUsed[t.queueSel] = setLo(t.queueUsed[t.queueSel], v)
	case offQueueUsedHi:
		t.queueUsed[t.queueSel] = setHi(t.queueUsed[t.queueSel], v)
	}
}

func setLo(cur uint64, v uint32) uint64 { return (cur &^ 0xFFFFFFFF) | uint64(v) }
func setHi(cur uint64, v uint32) uint64 { return (cur & 0xFFFFFFFF) | (uint64(v) << 32) }

func (t *Transport) setupQueue(idx int) {
	if idx >= len(t.queues) {
		return
	}

	size := uint16(t.queueNum[idx])
	if size == 0 {
		size = 256
	}

	eventIdx := t.guestFeat&virtioFRingEventIdx != 0

	q := virtqueue.New(t.mem, size, t.queueDesc[idx], t.queueAvail[idx], t.queueUsed[idx], eventIdx)
	t.queues[idx] = q
	t.eng.SetQueue(idx, q)
}

const virtioFRingEventIdx = 1 << 29

func (t *Transport) notify(idx int) {
	if idx < 0 || idx >= len(t.queues) || t.queues[idx] == nil {
		hlog.Warnf("virtiommio: notify on unconfigured queue %d", idx)

		return
	}

	eng := t.eng
	t.mu.Unlock()
	err := eng.Kick(idx)
	t.mu.Lock()

	if err != nil {
		hlog.Warnf("virtiommio: kick queue %d: %v", idx, err)

		return
	}

	t.isr |= 0x1

	if t.ring != nil {
		if err := t.ring.Raise(t.gsi); err != nil {
			hlog.Warnf("virtiommio: raise gsi %d: %v", t.gsi, err)
		}
	}
}

func (t *Transport) reset() {
	t.guestFeat = 0
	t.isr = 0

	for i := range t.queues {
		t.queues[i] = nil
		t.queueReady[i] = 0
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
