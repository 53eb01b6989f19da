package kvm

import "unsafe"

// Regs mirrors struct kvm_regs: the VCPU's general-purpose registers.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor mirrors struct kvm_dtable (GDT/IDT).
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs: segment/control/MSR-adjacent state.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               Descriptor
	CR0                    uint64
	CR2                    uint64
	CR3                    uint64
	CR4                    uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(numInterrupts + 63) / 64]uint64
}

// RunData mirrors struct kvm_run, the shared-memory control block mapped
// once per VCPU. Only the fields this hypervisor reads/writes are named.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the KVM_EXIT_IO union out of RunData.Data, per spec.md §4.1.
func (r *RunData) IO() (direction, size, port, count, dataOffset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	dataOffset = r.Data[1]

	return direction, size, port, count, dataOffset
}

// MMIO decodes the KVM_EXIT_MMIO union out of RunData.Data.
func (r *RunData) MMIO() (phys uint64, data []byte, length uint32, isWrite bool) {
	phys = r.Data[0]
	length = uint32(r.Data[1])
	isWrite = r.Data[2] != 0
	base := unsafe.Pointer(&r.Data[0])
	// The kernel lays out kvm_run.mmio as {phys_addr u64, data[8]u8, len u32, is_write u8},
	// which in the flattened Data[32]uint64 view starts 16 bytes into the union.
	mmioData := (*[8]byte)(unsafe.Add(base, 16))

	return phys, mmioData[:length], length, isWrite
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

const (
	memFlagLogDirtyPages = 1 << 0
	memFlagReadonly      = 1 << 1
)

// SetMemLogDirtyPages marks a slot for dirty-page logging (migration support;
// unused by this hypervisor's Non-goals but kept because KVM exposes it for
// free on every region).
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() { r.Flags |= memFlagLogDirtyPages }

// SetMemReadonly marks a slot read-only from the guest's perspective.
func (r *UserspaceMemoryRegion) SetMemReadonly() { r.Flags |= memFlagReadonly }

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// MaxCPUIDEntries bounds the fixed-size CPUID array; 100 comfortably covers
// every leaf a modern host advertises.
const MaxCPUIDEntries = 100

// CPUID mirrors struct kvm_cpuid2.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [MaxCPUIDEntries]CPUIDEntry2
}

// PitConfig mirrors struct kvm_pit_config.
type PitConfig struct {
	Flags uint32
	_     [15]uint32
}

// IRQLevel mirrors struct kvm_irq_level.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// Translation mirrors struct kvm_translation (KVM_TRANSLATE).
type Translation struct {
	LinearAddress   uint64
	PhysicalAddress uint64
	Valid           uint8
	Writeable       uint8
	Usermode        uint8
	_               [5]uint8
}

// Guest-debug control bits for KVM_SET_GUEST_DEBUG.
const (
	GuestDebugEnable     = 1 << 0
	GuestDebugSingleStep = 1 << 4
)

// GuestDebug mirrors struct kvm_guest_debug (x86 arch part omitted/zeroed).
type GuestDebug struct {
	Control  uint32
	_        uint32
	archArea [264]byte // struct kvm_guest_debug_arch, opaque to us
}

// RoutingEntry is either a {gsi -> irqchip pin} or {gsi -> MSI} route, per
// spec.md §3's IRQ routing entry variant. It mirrors struct
// kvm_irq_routing_entry, whose trailing union of irqchip/msi/hv_sint/
// adapter variants is padded by the kernel's own __u32 pad[8] to a fixed
// 32 bytes; Go has no union, so u is that same 8-word backing array and
// SetIRQChip/SetMSI place each variant's fields at the offsets the kernel
// expects.
type RoutingEntry struct {
	GSI   uint32
	Type  uint32
	Flags uint32
	_     uint32
	u     [8]uint32
}

const (
	RoutingTypeIRQChip = 1
	RoutingTypeMSI     = 2
)

// SetIRQChip makes e a legacy {irqchip, pin} route.
func (e *RoutingEntry) SetIRQChip(irqchip, pin uint32) {
	e.Type = RoutingTypeIRQChip
	e.u[0] = irqchip
	e.u[1] = pin
}

// SetMSI makes e an MSI/MSI-X route, the message programmed verbatim.
func (e *RoutingEntry) SetMSI(addrLo, addrHi, data, devID uint32) {
	e.Type = RoutingTypeMSI
	e.u[0] = addrLo
	e.u[1] = addrHi
	e.u[2] = data
	e.u[3] = devID
}

// IRQRouting mirrors the fixed header of struct kvm_irq_routing; its
// trailing entries[] is a C flexible array member, so the struct itself
// carries none and newIRQRouting lays the entries out in a contiguous byte
// slice by hand before handing the pointer to ioctl.
type IRQRouting struct {
	Nr    uint32
	Flags uint32
}

func newIRQRouting(entries []RoutingEntry) []byte {
	hdrSize := int(unsafe.Sizeof(IRQRouting{}))
	entrySize := int(unsafe.Sizeof(RoutingEntry{}))
	buf := make([]byte, hdrSize+entrySize*len(entries))

	hdr := (*IRQRouting)(unsafe.Pointer(&buf[0]))
	hdr.Nr = uint32(len(entries))

	for i, e := range entries {
		dst := (*RoutingEntry)(unsafe.Pointer(&buf[hdrSize+i*entrySize]))
		*dst = e
	}

	return buf
}

const (
	IRQFDFlagDeassign = 1 << 0
	IRQFDFlagResample = 1 << 1
)

// IRQFD mirrors struct kvm_irqfd.
type IRQFD struct {
	FD         uint32
	GSI        uint32
	Flags      uint32
	ResampleFD uint32
	_          [16]uint8
}

const (
	IOEventFDFlagDatamatch = 1 << 0
	IOEventFDFlagPIO       = 1 << 1
	IOEventFDFlagDeassign  = 1 << 2
)

// IOEventFD mirrors struct kvm_ioeventfd.
type IOEventFD struct {
	Datamatch uint64
	Addr      uint64
	Len       uint32
	FD        int32
	Flags     uint32
	_         [36]uint8
}

// CoalescedMMIOZone mirrors struct kvm_coalesced_mmio_zone.
type CoalescedMMIOZone struct {
	Addr   uint64
	Size   uint32
	PadPio uint32
}
