// Package vhost wraps the VHOST_* ioctl surface used by the vhost-scsi and
// vhost-vsock kernel offload devices, per spec.md §2.12/§4.13: "the
// userspace part only sets up memory tables, feature negotiation, and
// per-queue kickfd/callfd via VHOST_SET_VRING_*." The datapath itself runs
// entirely in the host kernel once this setup completes.
package vhost

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/gokvm/hypervisor/internal/guestmem"
	"github.com/gokvm/hypervisor/internal/kvm"
)

const vhostIOC = 0xAF

func _IO(nr uintptr) uintptr        { return ioEncode(0, nr, 0) }
func _IOW(nr, size uintptr) uintptr { return ioEncode(1, nr, size) }
func _IOR(nr, size uintptr) uintptr { return ioEncode(2, nr, size) }

func ioEncode(dir, nr, size uintptr) uintptr {
	const (
		nrShift   = 0
		typeShift = 8
		sizeShift = 16
		dirShift  = 30
	)

	return (dir << dirShift) | (vhostIOC << typeShift) | (nr << nrShift) | (size << sizeShift)
}

var (
	vhostSetOwner   = _IO(0x01)
	vhostGetFeatures = _IOR(0x00, 8)
	vhostSetFeatures = _IOW(0x00, 8)
	vhostSetMemTable = _IOW(0x03, unsafe.Sizeof(memory{}))
	vhostSetVringNum = _IOW(0x10, unsafe.Sizeof(vringState{}))
	vhostSetVringAddr = _IOW(0x11, unsafe.Sizeof(vringAddr{}))
	vhostSetVringBase = _IOW(0x12, unsafe.Sizeof(vringState{}))
	vhostSetVringKick = _IOW(0x20, 8)
	vhostSetVringCall = _IOW(0x21, 8)
	vhostVsockSetGuestCID  = _IOW(0x60, 8)
	vhostVsockSetRunning   = _IOW(0x61, 4)
	vhostSCSISetEndpoint   = _IOW(0x40, unsafe.Sizeof(scsiTarget{}))
	vhostSCSIClearEndpoint = _IOW(0x41, unsafe.Sizeof(scsiTarget{}))
)

type memRegion struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
	_             uint64 // flags_padding
}

// memory is VHOST_SET_MEM_TABLE's payload; this wrapper only ever
// describes one contiguous region (one guestmem.Region), matching the
// single-bank VMs this hypervisor boots.
type memory struct {
	NRegions uint32
	_        uint32
	Regions  [1]memRegion
}

type vringState struct {
	Index uint32
	Num   uint32
}

type vringAddr struct {
	Index         uint32
	Flags         uint32
	DescUserAddr  uint64
	UsedUserAddr  uint64
	AvailUserAddr uint64
	LogGuestAddr  uint64
}

type scsiTarget struct {
	ABIVersion uint32
	VHost      [256]byte
}

// Dev is an open vhost character device (/dev/vhost-scsi or
// /dev/vhost-vsock) bound to one guest memory space.
type Dev struct {
	fd int
}

// Open opens path (the vhost device node) and calls VHOST_SET_OWNER, per
// kvmtool's vhost_init.
func Open(path string) (*Dev, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("vhost: open %s: %w", path, err)
	}

	if _, err := kvm.Ioctl(uintptr(fd), vhostSetOwner, 0); err != nil {
		unix.Close(fd) //nolint:errcheck

		return nil, fmt.Errorf("vhost: VHOST_SET_OWNER: %w", err)
	}

	return &Dev{fd: fd}, nil
}

// FD returns the raw vhost device fd, for ioctls this package doesn't wrap.
func (d *Dev) FD() int { return d.fd }

// SetMemTable programs the single memory region backing mem, per
// VHOST_SET_MEM_TABLE.
func (d *Dev) SetMemTable(mem *guestmem.Space) error {
	regions := mem.Regions()
	if len(regions) == 0 {
		return fmt.Errorf("vhost: no memory regions to program")
	}

	r := regions[0]

	hostAddr, err := mem.HostPtr(r.GuestPhysAddr)
	if err != nil {
		return err
	}

	mt := memory{
		NRegions: 1,
		Regions: [1]memRegion{{
			GuestPhysAddr: r.GuestPhysAddr,
			MemorySize:    r.Size,
			UserspaceAddr: uint64(uintptr(hostAddr)),
		}},
	}

	_, err = kvm.Ioctl(uintptr(d.fd), vhostSetMemTable, uintptr(unsafe.Pointer(&mt)))

	return err
}

// NegotiateFeatures ANDs the host-offered features with wanted and applies
// the result, per the standard vhost feature-negotiation sequence.
func (d *Dev) NegotiateFeatures(wanted uint64) (uint64, error) {
	var have uint64

	if _, err := kvm.Ioctl(uintptr(d.fd), vhostGetFeatures, uintptr(unsafe.Pointer(&have))); err != nil {
		return 0, fmt.Errorf("vhost: VHOST_GET_FEATURES: %w", err)
	}

	negotiated := have & wanted

	if _, err := kvm.Ioctl(uintptr(d.fd), vhostSetFeatures, uintptr(unsafe.Pointer(&negotiated))); err != nil {
		return 0, fmt.Errorf("vhost: VHOST_SET_FEATURES: %w", err)
	}

	return negotiated, nil
}

// SetVringNum/SetVringAddr/SetVringBase/SetVringKick/SetVringCall program
// one queue's layout and its kickfd/callfd, per spec.md §4.13.
func (d *Dev) SetVringNum(idx int, num uint16) error {
	s := vringState{Index: uint32(idx), Num: uint32(num)}
	_, err := kvm.Ioctl(uintptr(d.fd), vhostSetVringNum, uintptr(unsafe.Pointer(&s)))

	return err
}

func (d *Dev) SetVringAddr(idx int, descAddr, availAddr, usedAddr uint64) error {
	a := vringAddr{Index: uint32(idx), DescUserAddr: descAddr, AvailUserAddr: availAddr, UsedUserAddr: usedAddr}
	_, err := kvm.Ioctl(uintptr(d.fd), vhostSetVringAddr, uintptr(unsafe.Pointer(&a)))

	return err
}

func (d *Dev) SetVringBase(idx int, base uint16) error {
	s := vringState{Index: uint32(idx), Num: uint32(base)}
	_, err := kvm.Ioctl(uintptr(d.fd), vhostSetVringBase, uintptr(unsafe.Pointer(&s)))

	return err
}

// fdIndex is VHOST_SET_VRING_KICK/CALL's payload: an index/fd pair packed
// as the kernel expects (struct vhost_vring_file).
type fdIndex struct {
	Index uint32
	FD    int32
}

func (d *Dev) SetVringKick(idx int, fd int32) error {
	s := fdIndex{Index: uint32(idx), FD: fd}
	_, err := kvm.Ioctl(uintptr(d.fd), vhostSetVringKick, uintptr(unsafe.Pointer(&s)))

	return err
}

func (d *Dev) SetVringCall(idx int, fd int32) error {
	s := fdIndex{Index: uint32(idx), FD: fd}
	_, err := kvm.Ioctl(uintptr(d.fd), vhostSetVringCall, uintptr(unsafe.Pointer(&s)))

	return err
}

// SetVsockGuestCID and SetVsockRunning are vhost-vsock-specific.
func (d *Dev) SetVsockGuestCID(cid uint64) error {
	_, err := kvm.Ioctl(uintptr(d.fd), vhostVsockSetGuestCID, uintptr(unsafe.Pointer(&cid)))

	return err
}

func (d *Dev) SetVsockRunning(on bool) error {
	v := uint32(0)
	if on {
		v = 1
	}

	_, err := kvm.Ioctl(uintptr(d.fd), vhostVsockSetRunning, uintptr(unsafe.Pointer(&v)))

	return err
}

// SetSCSIEndpoint and ClearSCSIEndpoint are vhost-scsi-specific.
func (d *Dev) SetSCSIEndpoint(vhostWWPN string) error {
	t := scsiTarget{ABIVersion: 1}
	copy(t.VHost[:], vhostWWPN)

	_, err := kvm.Ioctl(uintptr(d.fd), vhostSCSISetEndpoint, uintptr(unsafe.Pointer(&t)))

	return err
}

func (d *Dev) ClearSCSIEndpoint(vhostWWPN string) error {
	t := scsiTarget{ABIVersion: 1}
	copy(t.VHost[:], vhostWWPN)

	_, err := kvm.Ioctl(uintptr(d.fd), vhostSCSIClearEndpoint, uintptr(unsafe.Pointer(&t)))

	return err
}

// Close releases the vhost device fd.
func (d *Dev) Close() error {
	return unix.Close(d.fd)
}
