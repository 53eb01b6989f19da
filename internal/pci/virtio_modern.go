package pci

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gokvm/hypervisor/internal/guestmem"
	"github.com/gokvm/hypervisor/internal/hlog"
	"github.com/gokvm/hypervisor/internal/irq"
	"github.com/gokvm/hypervisor/internal/mmio"
	"github.com/gokvm/hypervisor/internal/virtqueue"
)

// Modern (virtio 1.0, VIRTIO_F_VERSION_1) transport: config space carries a
// vendor capability list pointing at four MMIO regions instead of packing
// everything into one IO BAR, per spec.md §2.10.
const (
	capVendor = 0x09

	capCommonCfg = 1
	capNotify    = 2
	capISR       = 3
	capDeviceCfg = 4

	modernBarSize = 0x1000

	notifyOffMultiplier = 4
)

// commonCfg mirrors struct virtio_pci_common_cfg, the control register
// block at the common-cfg capability's BAR offset.
type commonCfg struct {
	deviceFeatureSelect uint32
	deviceFeature       uint32
	guestFeatureSelect  uint32
	guestFeature        uint32
	msixConfig          uint16
	numQueues           uint16
	deviceStatus        uint8
	configGeneration    uint8

	queueSelect      uint16
	queueSize        uint16
	queueMSIXVector  uint16
	queueEnable      uint16
	queueNotifyOff   uint16
	queueDescLo      uint32
	queueDescHi      uint32
	queueAvailLo     uint32
	queueAvailHi     uint32
	queueUsedLo      uint32
	queueUsedHi      uint32
}

// ModernTransport implements the virtio 1.0 MMIO-BAR transport on top of
// an Engine, mirroring LegacyTransport's register semantics but split
// across the common-cfg/notify/isr/device-cfg regions the modern spec
// defines.
type ModernTransport struct {
	mu sync.Mutex

	mem  *guestmem.Space
	eng  Engine
	ring *irq.Router
	gsi  uint32

	hdr DeviceHeader
	cfg []byte

	common commonCfg
	isr    uint8

	queueDesc  [8]uint64
	queueAvail [8]uint64
	queueUsed  [8]uint64
	queueSize  [8]uint16
	queues     [8]*virtqueue.Queue
}

// NewModernTransport registers eng's four capability-list BARs at barBase
// (common, notify, isr, device-cfg, each modernBarSize apart) on the MMIO
// tree.
func NewModernTransport(bus *Bus, tree *mmio.Tree, mem *guestmem.Space, ring *irq.Router, gsi uint32, barBase uint64, eng Engine) (*ModernTransport, error) {
	t := &ModernTransport{mem: mem, eng: eng, ring: ring, gsi: gsi}
	t.common.numQueues = uint16(eng.NumQueues())

	t.hdr = DeviceHeader{
		VendorID:      0x1AF4,
		DeviceID:      eng.DeviceID() + 0x1040, // virtio 1.0 device IDs are offset by 0x1040
		HeaderType:    0,
		SubsystemVID:  0x1AF4,
		SubsystemID:   eng.SubsystemID(),
		Command:       2, // memory space enable
		InterruptPin:  1,
		InterruptLine: uint8(gsi),
		CapPtr:        0x40,
	}

	t.cfg = make([]byte, configSpaceSize)
	copy(t.cfg, t.hdr.Bytes())
	t.writeCapList()

	regions := []struct {
		off  uint64
		size uint64
		h    mmio.Handler
	}{
		{0, modernBarSize, t.dispatchCommon},
		{modernBarSize, modernBarSize, t.dispatchNotify},
		{2 * modernBarSize, modernBarSize, t.dispatchISR},
		{3 * modernBarSize, modernBarSize, t.dispatchDeviceCfg},
	}

	for _, r := range regions {
		if err := tree.Register(barBase+r.off, r.size, fmt.Sprintf("virtio-modern-%04x", eng.DeviceID()), false, r.h); err != nil {
			return nil, fmt.Errorf("pci: modern virtio BAR at %#x: %w", barBase+r.off, err)
		}
	}

	bus.Add(t)

	return t, nil
}

// writeCapList lays out four vendor-specific PCI capabilities past offset
// 0x40, each naming which of the four BAR regions it describes, per the
// virtio 1.0 "PCI capability" structure.
func (t *ModernTransport) writeCapList() {
	type capDesc struct {
		cfgType uint8
		barOff  uint32
		length  uint32
	}

	caps := []capDesc{
		{capCommonCfg, 0, modernBarSize},
		{capNotify, modernBarSize, modernBarSize},
		{capISR, 2 * modernBarSize, modernBarSize},
		{capDeviceCfg, 3 * modernBarSize, modernBarSize},
	}

	off := 0x40
	for i, c := range caps {
		next := 0
		if i < len(caps)-1 {
			next = off + 16
		}

		t.cfg[off+0] = capVendor
		t.cfg[off+1] = uint8(next)
		t.cfg[off+2] = 16 // cap_len
		t.cfg[off+3] = c.cfgType
		t.cfg[off+4] = 0 // BAR index (we use a single synthetic BAR)
		binary.LittleEndian.PutUint32(t.cfg[off+8:off+12], c.barOff)
		binary.LittleEndian.PutUint32(t.cfg[off+12:off+16], c.length)

		off += 16
	}
}

// ConfigSpace implements Device.
func (t *ModernTransport) ConfigSpace() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cfg
}

func (t *ModernTransport) dispatchCommon(addr uint64, data []byte, isWrite bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	off := addr & (modernBarSize - 1)

	if isWrite {
		t.writeCommon(off, data)
	} else {
		t.readCommon(off, data)
	}

	return nil
}

func (t *ModernTransport) readCommon(off uint64, data []byte) {
	c := &t.common

	switch off {
	case 0x00:
		binary.LittleEndian.PutUint32(data, c.deviceFeatureSelect)
	case 0x04:
		binary.LittleEndian.PutUint32(data, t.eng.HostFeatures())
	case 0x0C:
		binary.LittleEndian.PutUint32(data, c.guestFeature)
	case 0x10:
		binary.LittleEndian.PutUint16(data, c.msixConfig)
	case 0x12:
		binary.LittleEndian.PutUint16(data, c.numQueues)
	case 0x14:
		data[0] = c.deviceStatus
	case 0x15:
		data[0] = c.configGeneration
	case 0x16:
		binary.LittleEndian.PutUint16(data, c.queueSelect)
	case 0x18:
		binary.LittleEndian.PutUint16(data, defaultQueueSize)
	case 0x1A:
		binary.LittleEndian.PutUint16(data, c.queueMSIXVector)
	case 0x1C:
		binary.LittleEndian.PutUint16(data, c.queueEnable)
	case 0x1E:
		binary.LittleEndian.PutUint16(data, c.queueSelect*notifyOffMultiplier)
	case 0x20:
		binary.LittleEndian.PutUint32(data, uint32(t.queueDesc[c.queueSelect]))
	case 0x24:
		binary.LittleEndian.PutUint32(data, uint32(t.queueDesc[c.queueSelect]>>32))
	case 0x28:
		binary.LittleEndian.PutUint32(data, uint32(t.queueAvail[c.queueSelect]))
	case 0x2C:
		binary.LittleEndian.PutUint32(data, uint32(t.queueAvail[c.queueSelect]>>32))
	case 0x30:
		binary.LittleEndian.PutUint32(data, uint32(t.queueUsed[c.queueSelect]))
	case 0x34:
		binary.LittleEndian.PutUint32(data, uint32(t.queueUsed[c.queueSelect]>>32))
	default:
		zero(data)
	}
}

func (t *ModernTransport) writeCommon(off uint64, data []byte) {
	c := &t.common
	sel := c.queueSelect

	switch off {
	case 0x00:
		c.deviceFeatureSelect = binary.LittleEndian.Uint32(data)
	case 0x08:
		c.guestFeatureSelect = binary.LittleEndian.Uint32(data)
	case 0x0C:
		c.guestFeature = binary.LittleEndian.Uint32(data)
	case 0x14:
		c.deviceStatus = data[0]
		if data[0] == 0 {
			t.resetLocked()
		}
	case 0x16:
		c.queueSelect = binary.LittleEndian.Uint16(data)
	case 0x1C:
		c.queueEnable = binary.LittleEndian.Uint16(data)
		if c.queueEnable != 0 {
			t.setupQueueLocked(int(sel))
		}
	case 0x20:
		t.queueDesc[sel] = setLo32(t.queueDesc[sel], data)
	case 0x24:
		t.queueDesc[sel] = setHi32(t.queueDesc[sel], data)
	case 0x28:
		t.queueAvail[sel] = setLo32(t.queueAvail[sel], data)
	case 0x2C:
		t.queueAvail[sel] = setHi32(t.queueAvail[sel], data)
	case 0x30:
		t.queueUsed[sel] = setLo32(t.queueUsed[sel], data)
	case 0x34:
		t.queueUsed[sel] = setHi32(t.queueUsed[sel], data)
	}
}

func setLo32(v uint64, data []byte) uint64 {
	return (v &^ 0xFFFFFFFF) | uint64(binary.LittleEndian.Uint32(data))
}

func setHi32(v uint64, data []byte) uint64 {
	return (v & 0xFFFFFFFF) | (uint64(binary.LittleEndian.Uint32(data)) << 32)
}

func (t *ModernTransport) setupQueueLocked(idx int) {
	if idx >= len(t.queues) {
		return
	}

	eventIdx := t.common.guestFeature&virtioFRingEventIdx != 0
	q := virtqueue.New(t.mem, defaultQueueSize, t.queueDesc[idx], t.queueAvail[idx], t.queueUsed[idx], eventIdx)
	t.queues[idx] = q
	t.eng.SetQueue(idx, q)
}

func (t *ModernTransport) resetLocked() {
	t.common = commonCfg{numQueues: uint16(t.eng.NumQueues())}
	t.isr = 0

	for i := range t.queues {
		t.queues[i] = nil
	}
}

func (t *ModernTransport) dispatchNotify(addr uint64, data []byte, isWrite bool) error {
	if !isWrite {
		zero(data)

		return nil
	}

	off := addr & (modernBarSize - 1)
	idx := int(off / notifyOffMultiplier)

	t.mu.Lock()
	if idx < 0 || idx >= len(t.queues) || t.queues[idx] == nil {
		t.mu.Unlock()
		hlog.Warnf("pci: modern notify on unconfigured queue %d", idx)

		return nil
	}
	t.mu.Unlock()

	if err := t.eng.Kick(idx); err != nil {
		hlog.Warnf("pci: modern virtio kick queue %d: %v", idx, err)

		return nil
	}

	t.mu.Lock()
	t.isr |= 0x1
	t.mu.Unlock()

	if t.ring != nil {
		if err := t.ring.Raise(t.gsi); err != nil {
			hlog.Warnf("pci: raise gsi %d: %v", t.gsi, err)
		}
	}

	return nil
}

func (t *ModernTransport) dispatchISR(addr uint64, data []byte, isWrite bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if isWrite {
		return nil
	}

	data[0] = t.isr
	t.isr = 0

	return nil
}

func (t *ModernTransport) dispatchDeviceCfg(addr uint64, data []byte, isWrite bool) error {
	off := addr & (modernBarSize - 1)
	cfg := t.eng.ConfigSpace()

	if int(off)+len(data) > len(cfg) {
		zero(data)

		return nil
	}

	if isWrite {
		copy(cfg[off:], data)
	} else {
		copy(data, cfg[off:])
	}

	return nil
}
