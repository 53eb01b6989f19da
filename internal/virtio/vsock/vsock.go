// Package vsock implements the virtio-vsock device engine by proxying the
// datapath to the host kernel's vhost-vsock driver, per spec.md §2.12/
// §4.13: "the userspace part only sets up memory tables, feature
// negotiation, and per-queue kickfd/callfd via VHOST_SET_VRING_*." There
// is no in-process protocol translation — once setup completes, the
// kernel owns the rings directly.
package vsock

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
	deviceID    = 19
	subsystemID = 19

	queueRX = 0
	queueTX = 1

	devicePath = "/dev/vhost-vsock"
)

// boundQueue is one queue's kernel-side kick/call eventfds, kept so Close
// can tear them down in the kernel's own terms (KVM_IRQFD remove wants the
// same fd it was added with).
type boundQueue struct {
	kickFd, callFd int
}

// Engine is the virtio-vsock device front-end: it negotiates features and
// config space with the guest like any virtio device, but the moment a
// queue is set up it binds that queue to the kernel's vhost-vsock offload
// and never sees another descriptor.
type Engine struct {
	mu sync.Mutex

	vmFd uintptr
	cid  uint64
	mem  *guestmem.Space
	dev  *vhost.Dev
	gsi  uint32

	bound map[int]boundQueue

	cfg [8]byte
}

// New opens /dev/vhost-vsock and assigns cid as the guest's context ID.
// vmFd is the owning VM's handle, needed to wire each queue's call fd
// through KVM_IRQFD once gsi is known (see SetGSI).
func New(vmFd uintptr, mem *guestmem.Space, cid uint64) (*Engine, error) {
	dev, err := vhost.Open(devicePath)
	if err != nil {
		return nil, fmt.Errorf("vsock: %w", err)
	}

	if err := dev.SetMemTable(mem); err != nil {
		dev.Close() //nolint:errcheck

		return nil, fmt.Errorf("vsock: set mem table: %w", err)
	}

	if err := dev.SetVsockGuestCID(cid); err != nil {
		dev.Close() //nolint:errcheck

		return nil, fmt.Errorf("vsock: set guest cid: %w", err)
	}

	e := &Engine{vmFd: vmFd, cid: cid, mem: mem, dev: dev, bound: make(map[int]boundQueue)}

	for i := 0; i < 8; i++ {
		e.cfg[i] = byte(cid >> (8 * i))
	}

	return e, nil
}

func (e *Engine) DeviceID() uint16     { return deviceID }
func (e *Engine) SubsystemID() uint16  { return subsystemID }
func (e *Engine) NumQueues() int       { return 3 } // rx, tx, event
func (e *Engine) HostFeatures() uint32 { return 0 }
func (e *Engine) ConfigSpace() []byte  { return e.cfg[:] }

// SetGSI records the GSI this device's interrupt is routed to; queues
// bound before this is called fall back to polling (not wired here, since
// the transport always assigns a GSI before enabling the device).
func (e *Engine) SetGSI(gsi uint32) { e.gsi = gsi }

// SetQueue hands queue idx's negotiated ring addresses straight to the
// kernel: vhost-vsock, not this engine, walks the ring from here on.
func (e *Engine) SetQueue(idx int, q *virtqueue.Queue) {
	if idx != queueRX && idx != queueTX {
		return // the event queue has no kernel-side consumer in this build
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.bindQueue(idx, q); err != nil {
		hlog.Warnf("vsock: bind queue %d: %v", idx, err)
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

	// Bind callFd directly to this device's GSI: vhost-vsock writes callFd
	// on a completion, and KVM_IRQFD turns that write into an interrupt
	// injection without this process waking up, per spec.md §4.9.
	if err := kvm.IRQFDAdd(e.vmFd, e.gsi, int32(callFd), -1); err != nil {
		return fmt.Errorf("vsock: bind queue %d call fd to gsi %d: %w", idx, e.gsi, err)
	}

	e.bound[idx] = boundQueue{kickFd: kickFd, callFd: callFd}

	return nil
}

// Kick is a no-op: the kick fd is wired directly into the kernel via
// ioeventfd at the transport layer, so this engine never walks the ring
// itself, only present to satisfy the Engine interface.
func (e *Engine) Kick(idx int) error { return nil }

// Start arms the vhost-vsock backend.
func (e *Engine) Start() error { return e.dev.SetVsockRunning(true) }

// Close tears down irqfds, eventfds, and the vhost device.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for idx, b := range e.bound {
		if err := kvm.IRQFDRemove(e.vmFd, e.gsi, int32(b.callFd)); err != nil {
			hlog.Warnf("vsock: unbind queue %d irqfd: %v", idx, err)
		}

		unix.Close(b.kickFd) //nolint:errcheck
		unix.Close(b.callFd) //nolint:errcheck
	}

	return e.dev.Close()
}
