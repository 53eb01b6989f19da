// Package bootparam builds the Linux/x86 zero-page (struct boot_params)
// handed to a 64-bit bzImage kernel at boot, per the kernel's documented
// boot protocol and kvmtool's bios/e820.c memory-map layout.
package bootparam

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Legacy x86 memory regions, per kvmtool's x86/bios.c e820 setup
// (RealModeIvtBegin..EBDAStart is usable RAM, the rest below 1MiB is
// reserved for BIOS/VGA/MMIO).
const (
	RealModeIvtBegin = 0x00000000
	EBDAStart        = 0x0009fc00
	VGARAMBegin      = 0x000a0000
	MBBIOSBegin      = 0x000f0000
	MBBIOSEnd        = 0x00100000
)

// e820 region types, matching kvmtool's E820_MEM_USABLE/E820_MEM_RESERVED.
const (
	E820Ram      = 1
	E820Reserved = 2
)

// setup_header load-flag bits, per Documentation/x86/boot.rst.
const (
	LoadedHigh   = 1 << 0
	KeepSegments = 1 << 6
	CanUseHeap   = 1 << 7
)

const (
	zeroPageSize = 0x4000

	setupHeaderOff = 0x1F1
	bootFlagOff    = 0x1FE
	headerMagicOff = 0x202

	e820EntriesCountOff = 0x1E8
	e820TableOff        = 0x2D0
	maxE820Entries      = 128

	bootFlagValue    = 0xAA55
	headerMagicValue = 0x53726448 // "HdrS"

	setupSectsOff    = setupHeaderOff + 0x00
	vidModeOff       = setupHeaderOff + 0x09
	typeOfLoaderOff  = setupHeaderOff + 0x1F
	loadFlagsOff     = setupHeaderOff + 0x20
	ramdiskImageOff  = setupHeaderOff + 0x27
	ramdiskSizeOff   = setupHeaderOff + 0x2B
	heapEndPtrOff    = setupHeaderOff + 0x33
	extLoaderVerOff  = setupHeaderOff + 0x35
	cmdlinePtrOff    = setupHeaderOff + 0x37
	cmdlineSizeOff   = setupHeaderOff + 0x47
)

// Hdr is the subset of struct setup_header a loader populates, named to
// match the fields a boot loader sets per the kernel's boot protocol.
type Hdr struct {
	SetupSects   uint8
	VidMode      uint16
	TypeOfLoader uint8
	LoadFlags    uint8
	RamdiskImage uint32
	RamdiskSize  uint32
	HeapEndPtr   uint16
	ExtLoaderVer uint8
	CmdlinePtr   uint32
	CmdlineSize  uint32
}

type e820Entry struct {
	addr uint64
	size uint64
	typ  uint32
}

// BootParam is the in-core representation of the zero page, built from a
// bzImage's existing boot sector/setup header and then amended with the
// loader-supplied fields and the E820 memory map before being serialized
// back out with Bytes.
type BootParam struct {
	Hdr Hdr

	e820 []e820Entry
}

// New reads the boot sector and setup header out of kernel (a bzImage
// file), validating the boot-sector signature and "HdrS" magic, per the
// kernel's documented boot protocol.
func New(kernel io.ReaderAt) (*BootParam, error) {
	raw := make([]byte, zeroPageSize)
	if _, err := kernel.ReadAt(raw, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("bootparam: read kernel header: %w", err)
	}

	if binary.LittleEndian.Uint16(raw[bootFlagOff:]) != bootFlagValue {
		return nil, fmt.Errorf("bootparam: missing boot sector signature")
	}

	if binary.LittleEndian.Uint32(raw[headerMagicOff:]) != headerMagicValue {
		return nil, fmt.Errorf("bootparam: missing HdrS setup header magic")
	}

	setupSects := raw[setupSectsOff]
	if setupSects == 0 {
		setupSects = 4 // a setup_sects of 0 means 4, per the boot protocol
	}

	return &BootParam{Hdr: Hdr{SetupSects: setupSects}}, nil
}

// AddE820Entry appends a memory-map region, silently dropping entries past
// the zero page's fixed-size e820_table capacity.
func (b *BootParam) AddE820Entry(addr, size uint64, typ uint32) {
	if len(b.e820) >= maxE820Entries {
		return
	}

	b.e820 = append(b.e820, e820Entry{addr: addr, size: size, typ: typ})
}

// Bytes serializes the zero page: the setup header fields set on Hdr, plus
// the accumulated E820 table, ready to be copied into guest memory at
// bootParamAddr.
func (b *BootParam) Bytes() ([]byte, error) {
	out := make([]byte, zeroPageSize)

	binary.LittleEndian.PutUint16(out[bootFlagOff:], bootFlagValue)
	binary.LittleEndian.PutUint32(out[headerMagicOff:], headerMagicValue)

	out[setupSectsOff] = b.Hdr.SetupSects
	binary.LittleEndian.PutUint16(out[vidModeOff:], b.Hdr.VidMode)
	out[typeOfLoaderOff] = b.Hdr.TypeOfLoader
	out[loadFlagsOff] = b.Hdr.LoadFlags
	binary.LittleEndian.PutUint32(out[ramdiskImageOff:], b.Hdr.RamdiskImage)
	binary.LittleEndian.PutUint32(out[ramdiskSizeOff:], b.Hdr.RamdiskSize)
	binary.LittleEndian.PutUint16(out[heapEndPtrOff:], b.Hdr.HeapEndPtr)
	out[extLoaderVerOff] = b.Hdr.ExtLoaderVer
	binary.LittleEndian.PutUint32(out[cmdlinePtrOff:], b.Hdr.CmdlinePtr)
	binary.LittleEndian.PutUint32(out[cmdlineSizeOff:], b.Hdr.CmdlineSize)

	if len(b.e820) > maxE820Entries {
		return nil, fmt.Errorf("bootparam: too many e820 entries (%d)", len(b.e820))
	}

	out[e820EntriesCountOff] = byte(len(b.e820))

	for i, e := range b.e820 {
		off := e820TableOff + i*20
		binary.LittleEndian.PutUint64(out[off:], e.addr)
		binary.LittleEndian.PutUint64(out[off+8:], e.size)
		binary.LittleEndian.PutUint32(out[off+16:], e.typ)
	}

	return out, nil
}
