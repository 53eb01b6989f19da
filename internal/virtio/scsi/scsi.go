// Package scsi implements the virtio-scsi device engine by proxying the
// datapath to the host kernel's vhost-scsi driver, per spec.md §2.12/
// §4.13. As with vsock, this engine only performs setup (memory table,
// feature negotiation, per-queue kickfd/callfd); the kernel's vhost-scsi
// target owns every subsequent descriptor.
package scsi

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/gokvm/hypervisor/internal/guestmem"
	"github.com/gokvm/hypervisor/internal/hlog"
	"github.com/gokvm/hypervisor/internal/kvm"
	"github.com/gokvm/hypervisor/internal/vhost"
	"github.com/gokvm/hypervisor/internal/virtqueue"
)

const (
	deviceID    = 8
	subsystemID = 8

	queueControl = 0
	queueEvent   = 1
	numRequestQueues = 1 // request queues start at index 2; one is wired here

	devicePath = "/dev/vhost-scsi"
)

type boundQueue struct {
	kickFd, callFd int
}

// Engine is the virtio-scsi device front-end, bound to one vhost-scsi
// target (wwpn) exported by the host's target_core_mod configfs tree.
type Engine struct {
	mu sync.Mutex

	vmFd uintptr
	wwpn string
	mem  *guestmem.Space
	dev  *vhost.Dev
	gsi  uint32

	bound map[int]boundQueue

	cfg [8]byte // num_queues(4) + sense_size/cdb_size, minimal subset
}

// New opens /dev/vhost-scsi and exports wwpn, the host-side SCSI target
// identifier vhost-scsi's configfs endpoint was already configured with
// (target setup itself is out of this hypervisor's scope, per spec.md §1's
// "collaborator interfaces" boundary).
func New(vmFd uintptr, mem *guestmem.Space, wwpn string) (*Engine, error) {
	dev, err := vhost.Open(devicePath)
	if err != nil {
		return nil, fmt.Errorf("scsi: %w", err)
	}

	if err := dev.SetMemTable(mem); err != nil {
		dev.Close() //nolint:errcheck

		return nil, fmt.Errorf("scsi: set mem table: %w", err)
	}

	if err := dev.SetSCSIEndpoint(wwpn); err != nil {
		dev.Close() //nolint:errcheck

		return nil, fmt.Errorf("scsi: set endpoint %s: %w", wwpn, err)
	}

	e := &Engine{vmFd: vmFd, wwpn: wwpn, mem: mem, dev: dev, bound: make(map[int]boundQueue)}

	e.cfg[0] = byte(numRequestQueues + 2) // control + event + request queue(s)

	return e, nil
}

func (e *Engine) DeviceID() uint16     { return deviceID }
func (e *Engine) SubsystemID() uint16  { return subsystemID }
func (e *Engine) NumQueues() int       { return numRequestQueues + 2 }
func (e *Engine) HostFeatures() uint32 { return 0 }
func (e *Engine) ConfigSpace() []byte  { return e.cfg[:] }

// SetGSI records the GSI this device's interrupt is routed to.
func (e *Engine) SetGSI(gsi uint32) { e.gsi = gsi }

// SetQueue binds every queue (control, event, and request) to vhost-scsi;
// unlike vsock there's no queue the kernel ignores.
func (e *Engine) SetQueue(idx int, q *virtqueue.Queue) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.bindQueue(idx, q); err != nil {
		hlog.Warnf("scsi: bind queue %d: %v", idx, err)
	}
}

func (e *Engine) bindQueue(idx int, q *virtqueue.Queue) error {
	if err := e.dev.SetVringNum(idx, q.Size()); err != nil {
		return err
	}

	kickFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return err
	}

	callFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return err
	}

	if err := e.dev.SetVringKick(idx, int32(kickFd)); err != nil {
		return err
	}

	if err := e.dev.SetVringCall(idx, int32(callFd)); err != nil {
		return err
	}

	if err := kvm.IRQFDAdd(e.vmFd, e.gsi, int32(callFd), -1); err != nil {
		return fmt.Errorf("scsi: bind queue %d call fd to gsi %d: %w", idx, e.gsi, err)
	}

	e.bound[idx] = boundQueue{kickFd: kickFd, callFd: callFd}

	return nil
}

// Kick is a no-op: vhost-scsi owns the datapath once bound.
func (e *Engine) Kick(idx int) error { return nil }

// Close tears down irqfds, eventfds, and the endpoint/device.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for idx, b := range e.bound {
		if err := kvm.IRQFDRemove(e.vmFd, e.gsi, int32(b.callFd)); err != nil {
			hlog.Warnf("scsi: unbind queue %d irqfd: %v", idx, err)
		}

		unix.Close(b.kickFd) //nolint:errcheck
		unix.Close(b.callFd) //nolint:errcheck
	}

	if err := e.dev.ClearSCSIEndpoint(e.wwpn); err != nil {
		hlog.Warnf("scsi: clear endpoint: %v", err)
	}

	return e.dev.Close()
}
