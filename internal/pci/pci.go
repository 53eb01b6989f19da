// Package pci implements the minimal PCI config-space bus (CF8/CFC
// mechanism #1) and device-header model this hypervisor exposes to the
// guest, per spec.md §2.9/§4.6. It also hosts the legacy and modern
// virtio-pci transports built on top of it.
package pci

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gokvm/hypervisor/internal/hlog"
	"github.com/gokvm/hypervisor/internal/ioport"
)

const (
	configAddrPort = 0xCF8
	configDataPort = 0xCFC

	configSpaceSize = 256
)

// DeviceHeader is the type-0 PCI config-space header, per the PCI spec and
// matching the teacher's gokvm/pci.DeviceHeader layout field-for-field.
type DeviceHeader struct {
	VendorID      uint16
	DeviceID      uint16
	Command       uint16
	Status        uint16
	RevisionID    uint8
	ProgIF        uint8
	Subclass      uint8
	ClassCode     uint8
	CacheLineSize uint8
	LatencyTimer  uint8
	HeaderType    uint8
	BIST          uint8
	BAR           [6]uint32
	CardbusCIS    uint32
	SubsystemVID  uint16
	SubsystemID   uint16
	ExpROMBase    uint32
	CapPtr        uint8
	_             [7]uint8
	InterruptLine uint8
	InterruptPin  uint8
	MinGnt        uint8
	MaxLat        uint8
}

// Bytes serializes the header into its 64-byte on-wire config-space form.
func (h DeviceHeader) Bytes() []byte {
	b := make([]byte, 64)
	binary.LittleEndian.PutUint16(b[0:2], h.VendorID)
	binary.LittleEndian.PutUint16(b[2:4], h.DeviceID)
	binary.LittleEndian.PutUint16(b[4:6], h.Command)
	binary.LittleEndian.PutUint16(b[6:8], h.Status)
	b[8] = h.RevisionID
	b[9] = h.ProgIF
	b[10] = h.Subclass
	b[11] = h.ClassCode
	b[12] = h.CacheLineSize
	b[13] = h.LatencyTimer
	b[14] = h.HeaderType
	b[15] = h.BIST

	for i, bar := range h.BAR {
		binary.LittleEndian.PutUint32(b[16+i*4:20+i*4], bar)
	}

	binary.LittleEndian.PutUint32(b[40:44], h.CardbusCIS)
	binary.LittleEndian.PutUint16(b[44:46], h.SubsystemVID)
	binary.LittleEndian.PutUint16(b[46:48], h.SubsystemID)
	binary.LittleEndian.PutUint32(b[48:52], h.ExpROMBase)
	b[52] = h.CapPtr
	b[60] = h.InterruptLine
	b[61] = h.InterruptPin
	b[62] = h.MinGnt
	b[63] = h.MaxLat

	return b
}

// Device is anything that can sit on the bus: it owns a config-space
// header plus the actual config-space bytes the header was serialized
// into (capability lists live past byte 63 and are device-specific, so
// devices with capabilities keep their own buffer seeded from Bytes()).
type Device interface {
	ConfigSpace() []byte
	// IOInHandler/IOOutHandler service accesses to the device's IO BAR, if
	// it has one; Transport implementations forward to these.
}

// Bus owns config-space address decoding (CF8/CFC) and the device slots.
type Bus struct {
	mu      sync.Mutex
	devices []Device
	addr    uint32
}

// New creates a Bus and registers its CF8/CFC handlers on pio.
func New(pio *ioport.Table) (*Bus, error) {
	b := &Bus{}

	if err := pio.Register(configAddrPort, configAddrPort+4, "pci-config-addr", b.inAddr, b.outAddr); err != nil {
		return nil, fmt.Errorf("pci: register CF8: %w", err)
	}

	if err := pio.Register(configDataPort, configDataPort+4, "pci-config-data", b.inData, b.outData); err != nil {
		return nil, fmt.Errorf("pci: register CFC: %w", err)
	}

	return b, nil
}

// Add appends dev as the next function on the bus, at slot len(devices).
// Returns the assigned device/function number for the caller to use when
// computing the device's config-space BDF-relative addresses.
func (b *Bus) Add(dev Device) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.devices = append(b.devices, dev)

	return len(b.devices) - 1
}

func (b *Bus) inAddr(port uint16, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	binary.LittleEndian.PutUint32(pad4(data), b.addr)

	return nil
}

func (b *Bus) outAddr(port uint16, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.addr = binary.LittleEndian.Uint32(pad4Read(data))

	return nil
}

// decode splits the CF8 address register into (enabled, device, offset),
// per the PCI mechanism #1 layout: bit31 enable, bits 15:11 device,
// bits 7:0 register offset (function/bus ignored: single bus, one
// function per slot, matching the teacher's flat device array).
func (b *Bus) decode() (enabled bool, dev int, offset uint32) {
	enabled = b.addr&(1<<31) != 0
	dev = int((b.addr >> 11) & 0x1F)
	offset = b.addr & 0xFF

	return enabled, dev, offset
}

func (b *Bus) inData(port uint16, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	offset := port - configDataPort

	enabled, devIdx, reg := b.decode()
	if !enabled || devIdx >= len(b.devices) {
		zero(data)

		return nil
	}

	cfg := b.devices[devIdx].ConfigSpace()
	start := int(reg + uint32(offset))

	if start+len(data) > len(cfg) {
		zero(data)

		return nil
	}

	copy(data, cfg[start:start+len(data)])

	return nil
}

func (b *Bus) outData(port uint16, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	offset := port - configDataPort

	enabled, devIdx, reg := b.decode()
	if !enabled || devIdx >= len(b.devices) {
		return nil
	}

	cfg := b.devices[devIdx].ConfigSpace()
	start := int(reg + uint32(offset))

	if start+len(data) > len(cfg) {
		hlog.Warnf("pci: config write past device %d config space (offset %#x)", devIdx, start)

		return nil
	}

	copy(cfg[start:start+len(data)], data)

	return nil
}

func pad4(b []byte) []byte {
	if len(b) >= 4 {
		return b[:4]
	}

	return append(b, make([]byte, 4-len(b))...)
}

func pad4Read(b []byte) []byte {
	if len(b) >= 4 {
		return b
	}

	out := make([]byte, 4)
	copy(out, b)

	return out
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
