// Package kvm is the thin wrapper over the host's /dev/kvm control device
// and the per-VM/per-VCPU file descriptors it hands out. It owns nothing
// but ioctl numbers, the structures KVM expects at the other end of them,
// and the raw syscalls; everything stateful (memory, devices, routing)
// lives one layer up in the vcpu/guestmem/irq packages.
package kvm

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ExitReason enumerates KVM_EXIT_* values surfaced in RunData.ExitReason.
type ExitReason uint32

const (
	ExitUnknown       ExitReason = 0
	ExitException     ExitReason = 1
	ExitIO            ExitReason = 2
	ExitHypercall     ExitReason = 3
	ExitDebug         ExitReason = 4
	ExitHlt           ExitReason = 5
	ExitMMIO          ExitReason = 6
	ExitIRQWindowOpen ExitReason = 7
	ExitShutdown      ExitReason = 8
	ExitFailEntry     ExitReason = 9
	ExitIntr          ExitReason = 10
	ExitSetTPR        ExitReason = 11
	ExitTPRAccess     ExitReason = 12
	ExitS390SieIC     ExitReason = 13
	ExitS390Reset     ExitReason = 14
	ExitDCR           ExitReason = 15
	ExitNMI           ExitReason = 16
	ExitInternalError ExitReason = 17
)

func (e ExitReason) String() string {
	switch e {
	case ExitUnknown:
		return "EXIT_UNKNOWN"
	case ExitException:
		return "EXIT_EXCEPTION"
	case ExitIO:
		return "EXIT_IO"
	case ExitHypercall:
		return "EXIT_HYPERCALL"
	case ExitDebug:
		return "EXIT_DEBUG"
	case ExitHlt:
		return "EXIT_HLT"
	case ExitMMIO:
		return "EXIT_MMIO"
	case ExitIRQWindowOpen:
		return "EXIT_IRQ_WINDOW_OPEN"
	case ExitShutdown:
		return "EXIT_SHUTDOWN"
	case ExitFailEntry:
		return "EXIT_FAIL_ENTRY"
	case ExitIntr:
		return "EXIT_INTR"
	case ExitSetTPR:
		return "EXIT_SET_TPR"
	case ExitTPRAccess:
		return "EXIT_TPR_ACCESS"
	case ExitS390SieIC:
		return "EXIT_S390_SIEIC"
	case ExitS390Reset:
		return "EXIT_S390_RESET"
	case ExitDCR:
		return "EXIT_DCR"
	case ExitNMI:
		return "EXIT_NMI"
	case ExitInternalError:
		return "EXIT_INTERNAL_ERROR"
	default:
		return fmt.Sprintf("EXIT_UNDOCUMENTED(%d)", uint32(e))
	}
}

// IO directions within RunData.IO().
const (
	ExitIOIn  = 0
	ExitIOOut = 1
)

const (
	numInterrupts = 0x100

	CPUIDSignature  = 0x40000000
	CPUIDFeatures   = 0x40000001
	CPUIDFuncPerMon = 0x0A
)

// ioctl numbers. Unlike the teacher, which hard-codes the encoded values,
// we compute them with the standard _IO/_IOR/_IOW/_IOWR macros so that
// adding a new ioctl does not require cross-checking a magic number by hand.
const kvmIOC = 0xAE

func _IO(nr uintptr) uintptr { return ioEncode(0, kvmIOC, nr, 0) }
func _IOR(nr, size uintptr) uintptr {
	return ioEncode(2, kvmIOC, nr, size)
}
func _IOW(nr, size uintptr) uintptr {
	return ioEncode(1, kvmIOC, nr, size)
}
func _IOWR(nr, size uintptr) uintptr {
	return ioEncode(3, kvmIOC, nr, size)
}

const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioEncode(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

var (
	kvmGetAPIVersion       = _IO(0x00)
	kvmCreateVM            = _IO(0x01)
	kvmGetVCPUMMapSize     = _IO(0x04)
	kvmCreateVCPU          = _IO(0x41)
	kvmRun                 = _IO(0x80)
	kvmSetTSSAddr          = _IO(0x47)
	kvmSetIdentityMapAddr  = _IOW(0x48, 8)
	kvmCreateIRQChip       = _IO(0x60)
	kvmCreatePIT2          = _IOW(0x77, unsafe.Sizeof(PitConfig{}))
	kvmIRQLine             = _IOWR(0x67, unsafe.Sizeof(IRQLevel{})) // KVM_IRQ_LINE_STATUS
	kvmGetSupportedCPUID   = _IOWR(0x05, unsafe.Sizeof(CPUID{}))
	kvmSetCPUID2           = _IOW(0x90, unsafe.Sizeof(CPUID{}))
	kvmGetRegs             = _IOR(0x81, unsafe.Sizeof(Regs{}))
	kvmSetRegs             = _IOW(0x82, unsafe.Sizeof(Regs{}))
	kvmGetSregs            = _IOR(0x83, unsafe.Sizeof(Sregs{}))
	kvmSetSregs            = _IOW(0x84, unsafe.Sizeof(Sregs{}))
	kvmTranslate           = _IOWR(0x85, unsafe.Sizeof(Translation{}))
	kvmSetUserMemoryRegion = _IOW(0x46, unsafe.Sizeof(UserspaceMemoryRegion{}))
	kvmSetGuestDebug       = _IOW(0x9b, unsafe.Sizeof(GuestDebug{}))
	kvmSetGSIRouting       = _IOW(0x6a, unsafe.Sizeof(IRQRouting{}))
	kvmIRQFD               = _IOW(0x76, unsafe.Sizeof(IRQFD{}))
	kvmIOEventFD           = _IOW(0x79, unsafe.Sizeof(IOEventFD{}))
	kvmCheckExtension      = _IO(0x03)
	kvmRegisterCoalescedMMIO   = _IOW(0x67, unsafe.Sizeof(CoalescedMMIOZone{}))
	kvmUnregisterCoalescedMMIO = _IOW(0x68, unsafe.Sizeof(CoalescedMMIOZone{}))
)

// Capability numbers probed with KVM_CHECK_EXTENSION, per spec.md §6.
const (
	CapCoalescedMMIO  = 8
	CapSetTSSAddr     = 4
	CapPIT2           = 35
	CapUserMemory     = 3
	CapIRQRouting     = 25
	CapIRQChip        = 0
	CapHLT            = 7 //nolint:revive
	CapIRQInjectStatus = 26
	CapExtCPUID       = 9
	CapSignalMSI      = 77
)

// ErrUnexpectedExitReason is returned from the vcpu run loop when KVM stops
// the VCPU for a reason this hypervisor does not (yet) decode.
var ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")

// ErrDebug is returned by the run loop when a debug (single-step) exit fires.
var ErrDebug = errors.New("kvm debug exit")

func ioctl(fd uintptr, op uintptr, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

// Ioctl is exported so higher layers (device engines issuing VHOST_* or
// architecture-specific ioctls) can reuse the same syscall wrapper rather
// than re-implementing errno translation.
func Ioctl(fd, op, arg uintptr) (uintptr, error) { return ioctl(fd, op, arg) }

// GetAPIVersion returns the KVM API version; callers should reject anything
// other than 12 (the only stable ABI version KVM has ever shipped).
func GetAPIVersion(kvmFd uintptr) (int, error) {
	r, err := ioctl(kvmFd, kvmGetAPIVersion, 0)

	return int(r), err
}

// CheckExtension probes whether the host kernel advertises capability cap.
func CheckExtension(kvmFd uintptr, cap uintptr) (int, error) {
	r, err := ioctl(kvmFd, kvmCheckExtension, cap)

	return int(r), err
}

// CreateVM asks the host to create a new VM and returns its fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, kvmCreateVM, 0)
}

// CreateVCPU creates VCPU number cpuID within the VM referred to by vmFd.
func CreateVCPU(vmFd uintptr, cpuID int) (uintptr, error) {
	return ioctl(vmFd, kvmCreateVCPU, uintptr(cpuID))
}

// Run enters KVM_RUN. EINTR/EAGAIN are swallowed: per spec.md §4.1 they are
// the expected result of an external stop/pause signal and the caller
// re-checks RunData.ExitReason and its own control channel instead.
func Run(vcpuFd uintptr) error {
	_, err := ioctl(vcpuFd, kvmRun, 0)
	if err != nil {
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			return nil
		}

		return err
	}

	return nil
}

// GetVCPUMMapSize returns the size of the shared kvm_run structure.
func GetVCPUMMapSize(kvmFd uintptr) (int, error) {
	r, err := ioctl(kvmFd, kvmGetVCPUMMapSize, 0)

	return int(r), err
}

// GetRegs reads the VCPU's general-purpose registers.
func GetRegs(vcpuFd uintptr) (*Regs, error) {
	regs := &Regs{}
	_, err := ioctl(vcpuFd, kvmGetRegs, uintptr(unsafe.Pointer(regs)))

	return regs, err
}

// SetRegs writes the VCPU's general-purpose registers.
func SetRegs(vcpuFd uintptr, regs *Regs) error {
	_, err := ioctl(vcpuFd, kvmSetRegs, uintptr(unsafe.Pointer(regs)))

	return err
}

// GetSregs reads the VCPU's special registers (segments, control registers).
func GetSregs(vcpuFd uintptr) (*Sregs, error) {
	sregs := &Sregs{}
	_, err := ioctl(vcpuFd, kvmGetSregs, uintptr(unsafe.Pointer(sregs)))

	return sregs, err
}

// SetSregs writes the VCPU's special registers.
func SetSregs(vcpuFd uintptr, sregs *Sregs) error {
	_, err := ioctl(vcpuFd, kvmSetSregs, uintptr(unsafe.Pointer(sregs)))

	return err
}

// Translate asks KVM to walk the VCPU's current page tables for vaddr.
func Translate(vcpuFd uintptr, vaddr uint64) (*Translation, error) {
	t := &Translation{LinearAddress: vaddr}
	_, err := ioctl(vcpuFd, kvmTranslate, uintptr(unsafe.Pointer(t)))

	return t, err
}

// SetUserMemoryRegion installs or updates a guest-physical memory slot.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := ioctl(vmFd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))

	return err
}

// SetTSSAddr reserves the three-page TSS area Intel hosts require below 4GiB.
func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := ioctl(vmFd, kvmSetTSSAddr, uintptr(addr))

	return err
}

// SetIdentityMapAddr reserves the one-page EPT identity map Intel hosts need.
func SetIdentityMapAddr(vmFd uintptr, addr uint32) error {
	_, err := ioctl(vmFd, kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&addr)))

	return err
}

// CreateIRQChip installs the in-kernel PIC/IOAPIC (x86) model.
func CreateIRQChip(vmFd uintptr) error {
	_, err := ioctl(vmFd, kvmCreateIRQChip, 0)

	return err
}

// CreatePIT2 installs the in-kernel i8254 PIT model.
func CreatePIT2(vmFd uintptr, cfg *PitConfig) error {
	_, err := ioctl(vmFd, kvmCreatePIT2, uintptr(unsafe.Pointer(cfg)))

	return err
}

// IRQLine raises (level=1) or lowers (level=0) GSI irq.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	l := IRQLevel{IRQ: irq, Level: level}
	_, err := ioctl(vmFd, kvmIRQLine, uintptr(unsafe.Pointer(&l)))

	return err
}

// GetSupportedCPUID fetches the host+KVM CPUID leaves.
func GetSupportedCPUID(kvmFd uintptr, c *CPUID) error {
	_, err := ioctl(kvmFd, kvmGetSupportedCPUID, uintptr(unsafe.Pointer(c)))

	return err
}

// SetCPUID2 programs a VCPU's CPUID leaves.
func SetCPUID2(vcpuFd uintptr, c *CPUID) error {
	_, err := ioctl(vcpuFd, kvmSetCPUID2, uintptr(unsafe.Pointer(c)))

	return err
}

// SingleStep arms or disarms guest-debug single-stepping on the VCPU.
func SingleStep(vcpuFd uintptr, onoff bool) error {
	dbg := GuestDebug{}
	if onoff {
		dbg.Control = GuestDebugEnable | GuestDebugSingleStep
	}

	_, err := ioctl(vcpuFd, kvmSetGuestDebug, uintptr(unsafe.Pointer(&dbg)))

	return err
}

// SetGSIRouting replaces the VM's entire GSI routing table in one call, per
// spec.md §3 ("every mutation is followed by a single set_routing syscall").
func SetGSIRouting(vmFd uintptr, entries []RoutingEntry) error {
	routing := newIRQRouting(entries)
	_, err := ioctl(vmFd, kvmSetGSIRouting, uintptr(unsafe.Pointer(&routing[0])))

	return err
}

// IRQFDAdd wires trigger/resample eventfds to GSI gsi.
func IRQFDAdd(vmFd uintptr, gsi uint32, triggerFd, resampleFd int32) error {
	f := IRQFD{FD: uint32(triggerFd), GSI: gsi, ResampleFD: uint32(resampleFd)}
	if resampleFd >= 0 {
		f.Flags |= IRQFDFlagResample
	}

	_, err := ioctl(vmFd, kvmIRQFD, uintptr(unsafe.Pointer(&f)))

	return err
}

// IRQFDRemove tears down a previously-added irqfd.
func IRQFDRemove(vmFd uintptr, gsi uint32, triggerFd int32) error {
	f := IRQFD{FD: uint32(triggerFd), GSI: gsi, Flags: IRQFDFlagDeassign}
	_, err := ioctl(vmFd, kvmIRQFD, uintptr(unsafe.Pointer(&f)))

	return err
}

// IOEventFDAdd asks the host kernel to signal fd whenever the guest writes
// datamatch (or anything, if !matchData) to the given PIO/MMIO address.
func IOEventFDAdd(vmFd uintptr, addr uint64, length uint32, fd int32, datamatch uint64, matchData, isPio bool) error {
	e := IOEventFD{Addr: addr, Len: length, FD: int32(fd), Datamatch: datamatch}
	if matchData {
		e.Flags |= IOEventFDFlagDatamatch
	}

	if isPio {
		e.Flags |= IOEventFDFlagPIO
	}

	_, err := ioctl(vmFd, kvmIOEventFD, uintptr(unsafe.Pointer(&e)))

	return err
}

// IOEventFDRemove undoes IOEventFDAdd.
func IOEventFDRemove(vmFd uintptr, addr uint64, length uint32, fd int32, datamatch uint64, matchData, isPio bool) error {
	e := IOEventFD{Addr: addr, Len: length, FD: int32(fd), Datamatch: datamatch, Flags: IOEventFDFlagDeassign}
	if matchData {
		e.Flags |= IOEventFDFlagDatamatch
	}

	if isPio {
		e.Flags |= IOEventFDFlagPIO
	}

	_, err := ioctl(vmFd, kvmIOEventFD, uintptr(unsafe.Pointer(&e)))

	return err
}

// RegisterCoalescedMMIO installs a coalesced-MMIO zone so repeated writes to
// addr..addr+size are batched by the host kernel instead of causing one
// VM exit each, per spec.md §2.12/GLOSSARY.
func RegisterCoalescedMMIO(vmFd uintptr, addr uint64, size uint32) error {
	z := CoalescedMMIOZone{Addr: addr, Size: size}
	_, err := ioctl(vmFd, kvmRegisterCoalescedMMIO, uintptr(unsafe.Pointer(&z)))

	return err
}

// UnregisterCoalescedMMIO removes a zone installed by RegisterCoalescedMMIO.
func UnregisterCoalescedMMIO(vmFd uintptr, addr uint64, size uint32) error {
	z := CoalescedMMIOZone{Addr: addr, Size: size}
	_, err := ioctl(vmFd, kvmUnregisterCoalescedMMIO, uintptr(unsafe.Pointer(&z)))

	return err
}
