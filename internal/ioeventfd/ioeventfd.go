// Package ioeventfd runs the epoll loop that lets virtio queue notification
// bypass the VCPU exit path entirely: the kernel signals an eventfd
// directly on a matching PIO/MMIO write, per kvmtool's ioeventfd.c.
package ioeventfd

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/gokvm/hypervisor/internal/hlog"
	"github.com/gokvm/hypervisor/internal/kvm"
)

// Event is one registered doorbell: a guest write matching (addr, len,
// datamatch) on vmFd signals fd, which this package's poller turns into a
// call to Fn.
type Event struct {
	Addr      uint64
	Len       uint32
	Datamatch uint64
	MatchData bool
	PIO       bool

	Fn func()

	fd int
}

// Set owns the epoll fd and the collection of registered ioeventfds for one
// VM, per ioeventfd__init/ioeventfd__add_event/ioeventfd__start.
type Set struct {
	mu     sync.Mutex
	vmFd   uintptr
	epfd   int
	events map[int]*Event

	stop chan struct{}
}

// New creates an epoll instance for vmFd and starts its poller goroutine.
func New(vmFd uintptr) (*Set, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("ioeventfd: epoll_create1: %w", err)
	}

	s := &Set{vmFd: vmFd, epfd: epfd, events: make(map[int]*Event), stop: make(chan struct{})}

	go s.loop()

	return s, nil
}

// Add creates an eventfd for ev, wires it to the kernel via KVM_IOEVENTFD,
// and adds it to the epoll set, per ioeventfd__add_event.
func (s *Set) Add(ev *Event) error {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return fmt.Errorf("ioeventfd: eventfd: %w", err)
	}

	ev.fd = fd

	if err := kvm.IOEventFDAdd(s.vmFd, ev.Addr, ev.Len, int32(fd), ev.Datamatch, ev.MatchData, ev.PIO); err != nil {
		unix.Close(fd)

		return fmt.Errorf("ioeventfd: KVM_IOEVENTFD add: %w", err)
	}

	epEvent := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &epEvent); err != nil {
		kvm.IOEventFDRemove(s.vmFd, ev.Addr, ev.Len, int32(fd), ev.Datamatch, ev.MatchData, ev.PIO) //nolint:errcheck
		unix.Close(fd)

		return fmt.Errorf("ioeventfd: epoll_ctl add: %w", err)
	}

	s.mu.Lock()
	s.events[fd] = ev
	s.mu.Unlock()

	return nil
}

// Remove tears down a previously-added Event, per ioeventfd__del_event.
func (s *Set) Remove(ev *Event) error {
	s.mu.Lock()
	delete(s.events, ev.fd)
	s.mu.Unlock()

	unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, ev.fd, nil) //nolint:errcheck

	err := kvm.IOEventFDRemove(s.vmFd, ev.Addr, ev.Len, int32(ev.fd), ev.Datamatch, ev.MatchData, ev.PIO)

	unix.Close(ev.fd)

	return err
}

const maxEvents = 20

// loop is ioeventfd__thread: epoll_wait forever, drain the eventfd counter,
// and invoke the matching Fn.
func (s *Set) loop() {
	epollEvents := make([]unix.EpollEvent, maxEvents)

	for {
		n, err := unix.EpollWait(s.epfd, epollEvents, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			select {
			case <-s.stop:
				return
			default:
			}

			hlog.Warnf("ioeventfd: epoll_wait: %v", err)

			return
		}

		for i := 0; i < n; i++ {
			fd := int(epollEvents[i].Fd)

			s.mu.Lock()
			ev := s.events[fd]
			s.mu.Unlock()

			if ev == nil {
				continue
			}

			var buf [8]byte
			unix.Read(fd, buf[:]) //nolint:errcheck

			ev.Fn()
		}
	}
}

// Close stops the poller and closes the epoll fd. Registered eventfds
// should be torn down with Remove before calling Close.
func (s *Set) Close() error {
	close(s.stop)

	return unix.Close(s.epfd)
}
