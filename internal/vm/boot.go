package vm

import (
	"errors"
	"fmt"
	"io"

	"github.com/gokvm/hypervisor/internal/bootparam"
)

// Guest-physical load addresses, per the Linux/x86 boot protocol and
// matching the teacher's machine.go memory map (spec.md §6 "Boot image
// formats").
const (
	bootParamAddr = 0x10000
	cmdlineAddr   = 0x20000
	kernelAddr    = 0x100000
	initrdAddr    = 0xf000000
)

// LoadLinux loads a bzImage kernel and optional initrd per the documented
// boot protocol, builds the zero page (boot_params) and E820 table, and
// resets every VCPU to boot at kernelAddr with RSI pointing at the zero
// page, per spec.md §6/§4.1.
func (v *VM) LoadLinux(kernel, initrd io.ReaderAt, cmdline string) error {
	var initrdSize int

	if initrd != nil {
		buf, err := v.mem.Slice(initrdAddr, v.mem.Size()-initrdAddr)
		if err != nil {
			return fmt.Errorf("vm: initrd: %w", err)
		}

		initrdSize, err = initrd.ReadAt(buf, 0)
		if err != nil && initrdSize == 0 && !errors.Is(err, io.EOF) {
			return fmt.Errorf("vm: initrd: %w", err)
		}
	}

	if _, err := v.mem.WriteAt(append([]byte(cmdline), 0), cmdlineAddr); err != nil {
		return fmt.Errorf("vm: cmdline: %w", err)
	}

	bp, err := bootparam.New(kernel)
	if err != nil {
		return fmt.Errorf("vm: %w", err)
	}

	// Memory map, per kvmtool's x86/bios.c e820 setup (same four regions
	// the teacher's LoadLinux wires).
	bp.AddE820Entry(bootparam.RealModeIvtBegin, bootparam.EBDAStart-bootparam.RealModeIvtBegin, bootparam.E820Ram)
	bp.AddE820Entry(bootparam.EBDAStart, bootparam.VGARAMBegin-bootparam.EBDAStart, bootparam.E820Reserved)
	bp.AddE820Entry(bootparam.MBBIOSBegin, bootparam.MBBIOSEnd-bootparam.MBBIOSBegin, bootparam.E820Reserved)
	bp.AddE820Entry(kernelAddr, v.mem.Size()-kernelAddr, bootparam.E820Ram)

	bp.Hdr.VidMode = v.cfg.VidMode
	if bp.Hdr.VidMode == 0 {
		bp.Hdr.VidMode = 0xFFFF // "normal"
	}

	bp.Hdr.TypeOfLoader = 0xFF
	bp.Hdr.RamdiskImage = initrdAddr
	bp.Hdr.RamdiskSize = uint32(initrdSize)
	bp.Hdr.LoadFlags |= bootparam.CanUseHeap | bootparam.LoadedHigh | bootparam.KeepSegments
	bp.Hdr.HeapEndPtr = 0xFE00
	bp.Hdr.ExtLoaderVer = 0
	bp.Hdr.CmdlinePtr = cmdlineAddr
	bp.Hdr.CmdlineSize = uint32(len(cmdline) + 1)

	bytes, err := bp.Bytes()
	if err != nil {
		return fmt.Errorf("vm: %w", err)
	}

	if _, err := v.mem.WriteAt(bytes, bootParamAddr); err != nil {
		return fmt.Errorf("vm: zero page: %w", err)
	}

	// The 32-bit kernel image starts at offset (setup_sects+1)*512 in the
	// bzImage file, per Documentation/x86/boot.rst.
	offset := int64(bp.Hdr.SetupSects+1) * 512

	kernBuf, err := v.mem.Slice(kernelAddr, v.mem.Size()-kernelAddr)
	if err != nil {
		return fmt.Errorf("vm: kernel: %w", err)
	}

	if n, err := kernel.ReadAt(kernBuf, offset); err != nil && n == 0 && !errors.Is(err, io.EOF) {
		return fmt.Errorf("vm: kernel: %w", err)
	}

	for _, c := range v.vcpus {
		if err := c.Reset(kernelAddr, bootParamAddr); err != nil {
			return fmt.Errorf("vm: vcpu %d reset: %w", c.ID(), err)
		}
	}

	return nil
}
