// Package guestmem lays out and translates the guest-physical address space
// backing a VM, per spec.md §4.2 ("Memory").
package guestmem

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/gokvm/hypervisor/internal/kvm"
)

// ErrOutOfRange is returned when a translation falls outside every bank,
// per spec.md §4.2's "out-of-range yields a runtime error, not a silent wrap".
var ErrOutOfRange = errors.New("guestmem: address out of range")

// Region is one memory bank, per spec.md §3.
type Region struct {
	GuestPhysAddr uint64
	HostAddr      uintptr
	Size          uint64
	Slot          uint32
	Flags         uint32
}

// The x86 PCI hole: a 768 MiB gap carved below the 4 GiB boundary whenever
// the requested RAM size would otherwise straddle it, per spec.md §4.2.
const (
	ThirtyTwoBitGapStart = 0xC0000000 // 3 GiB
	ThirtyTwoBitGapSize  = 768 << 20
	ThirtyTwoBitGapEnd   = ThirtyTwoBitGapStart + ThirtyTwoBitGapSize // 4 GiB
	gapThreshold         = ThirtyTwoBitGapStart
)

// Space owns every memory bank registered with a VM and the raw host
// mmap(2) allocations backing them. Banks are append-only for the VM's
// lifetime, matching spec.md §3's ownership note.
type Space struct {
	vmFd    uintptr
	regions []Region
	hostMem [][]byte // one slice per region, keeps the mmap alive and GC-safe
	nextSlot uint32
}

// New allocates `size` bytes of guest-physical memory for vmFd and registers
// it as one or two banks (splitting around the 32-bit PCI gap when needed).
func New(vmFd uintptr, size uint64, hugetlbfsPath string) (*Space, error) {
	s := &Space{vmFd: vmFd}

	if size <= gapThreshold {
		if err := s.addBank(0, size, hugetlbfsPath); err != nil {
			return nil, err
		}

		return s, nil
	}

	// Split into a low bank up to the gap and a high bank starting at 4GiB.
	if err := s.addBank(0, gapThreshold, hugetlbfsPath); err != nil {
		return nil, err
	}

	highSize := size - gapThreshold
	if err := s.addBank(ThirtyTwoBitGapEnd, highSize, hugetlbfsPath); err != nil {
		return nil, err
	}

	if err := protectGap(); err != nil {
		return nil, err
	}

	return s, nil
}

// protectGap is a placeholder hook: in production this would mprotect(2)
// the host address range backing [3GiB, 4GiB) PROT_NONE so accidental
// host-side writes fault loudly instead of corrupting guest MMIO space.
// Because the gap is never mmap'd in the first place here (we only
// register the two surrounding banks), there is nothing to protect; this
// function exists so future code that does map a placeholder page for the
// gap has a single call site to harden.
func protectGap() error { return nil }

func (s *Space) addBank(gpa, size uint64, hugetlbfsPath string) error {
	mem, err := allocate(size, hugetlbfsPath)
	if err != nil {
		return fmt.Errorf("guestmem: allocate %d bytes: %w", size, err)
	}

	hostAddr := uintptr(unsafe.Pointer(&mem[0]))

	region := kvm.UserspaceMemoryRegion{
		Slot:          s.nextSlot,
		GuestPhysAddr: gpa,
		MemorySize:    size,
		UserspaceAddr: uint64(hostAddr),
	}
	if err := kvm.SetUserMemoryRegion(s.vmFd, &region); err != nil {
		return fmt.Errorf("guestmem: KVM_SET_USER_MEMORY_REGION: %w", err)
	}

	s.regions = append(s.regions, Region{
		GuestPhysAddr: gpa,
		HostAddr:      hostAddr,
		Size:          size,
		Slot:          s.nextSlot,
	})
	s.hostMem = append(s.hostMem, mem)
	s.nextSlot++

	return nil
}

func allocate(size uint64, hugetlbfsPath string) ([]byte, error) {
	if hugetlbfsPath != "" {
		return nil, fmt.Errorf("guestmem: hugetlbfs-backed allocation not supported on this host (%s)", hugetlbfsPath)
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}

	_ = unix.Madvise(mem, unix.MADV_MERGEABLE) //nolint:errcheck // best effort, absence is not fatal

	return mem, nil
}

// Regions returns the bank list, for callers (e.g. bootparam's E820 builder)
// that need to describe the layout to the guest.
func (s *Space) Regions() []Region { return append([]Region(nil), s.regions...) }

// Size is the sum of every bank's size.
func (s *Space) Size() uint64 {
	var total uint64
	for _, r := range s.regions {
		total += r.Size
	}

	return total
}

// bankFor returns the host-backing slice and offset-within-slice for gpa,
// or ok=false if gpa is not covered by any registered bank.
func (s *Space) bankFor(gpa uint64, length uint64) (mem []byte, offset uint64, ok bool) {
	for i, r := range s.regions {
		if gpa >= r.GuestPhysAddr && gpa+length <= r.GuestPhysAddr+r.Size {
			return s.hostMem[i], gpa - r.GuestPhysAddr, true
		}
	}

	return nil, 0, false
}

// Slice returns a read/write view of `length` bytes at guest-physical gpa.
// The returned slice aliases host memory directly; callers must not retain
// it past the Space's lifetime.
func (s *Space) Slice(gpa, length uint64) ([]byte, error) {
	mem, off, ok := s.bankFor(gpa, length)
	if !ok {
		return nil, fmt.Errorf("%w: [%#x, %#x)", ErrOutOfRange, gpa, gpa+length)
	}

	return mem[off : off+length], nil
}

// HostPtr translates a guest-physical address to a host pointer.
func (s *Space) HostPtr(gpa uint64) (unsafe.Pointer, error) {
	mem, off, ok := s.bankFor(gpa, 1)
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrOutOfRange, gpa)
	}

	return unsafe.Pointer(&mem[off]), nil
}

// GPA translates a host pointer, previously obtained from HostPtr or a bank's
// backing slice, back to its guest-physical address.
func (s *Space) GPA(hostPtr unsafe.Pointer) (uint64, error) {
	addr := uintptr(hostPtr)

	for _, r := range s.regions {
		if addr >= r.HostAddr && addr < r.HostAddr+uintptr(r.Size) {
			return r.GuestPhysAddr + uint64(addr-r.HostAddr), nil
		}
	}

	return 0, fmt.Errorf("%w: host pointer not in any bank", ErrOutOfRange)
}

// ReadAt implements io.ReaderAt over the guest-physical address space,
// matching the teacher's Machine.ReadAt.
func (s *Space) ReadAt(p []byte, off int64) (int, error) {
	b, err := s.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}

	return copy(p, b), nil
}

// WriteAt implements io.WriterAt over the guest-physical address space.
func (s *Space) WriteAt(p []byte, off int64) (int, error) {
	b, err := s.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}

	return copy(b, p), nil
}
