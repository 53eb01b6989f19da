// Package ioport is the flat port-I/O address space (x86 only), per
// spec.md §2.5/§4.3: a 64K-slot table of port -> handler, with overlap
// rejection on registration and a debug-print fallback on miss.
package ioport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gokvm/hypervisor/internal/hlog"
)

// Handler services one direction (in or out) of an access to a port range.
// data is sized to the access width (1/2/4/8 bytes), matching spec.md §4.3.
type Handler func(port uint16, data []byte) error

// ErrOverlap is returned by Register when the requested range intersects an
// already-registered slot, per spec.md §3's PIO invariant.
var ErrOverlap = errors.New("ioport: overlapping registration")

const numPorts = 0x10000

type slot struct {
	in, out   Handler
	owner     string
	registered bool
}

// Table is the 64K-slot flat PIO map. The zero value is usable.
type Table struct {
	mu    sync.RWMutex
	slots [numPorts]slot
}

// New returns a Table with every port set to a logging fallback, matching
// the teacher's default "unexpected io port" handler.
func New() *Table {
	return &Table{}
}

// Register installs handlers for every port in [start, end). Either handler
// may be nil, in which case that direction falls through to the debug
// fallback (spec.md §4.3: "register {port, size, op_in, op_out, opaque}").
func (t *Table) Register(start, end uint16, owner string, in, out Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for p := int(start); p < int(end); p++ {
		if t.slots[p].registered {
			return fmt.Errorf("%w: port %#x already owned by %q (registering %q)", ErrOverlap, p, t.slots[p].owner, owner)
		}
	}

	for p := int(start); p < int(end); p++ {
		t.slots[p] = slot{in: in, out: out, owner: owner, registered: true}
	}

	return nil
}

// Deregister removes handlers for [start, end), freeing the range for reuse.
func (t *Table) Deregister(start, end uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for p := int(start); p < int(end); p++ {
		t.slots[p] = slot{}
	}
}

// Dispatch routes one access to its registered handler. A miss is not an
// error: it is logged and treated as a no-op read-as-zero/write-dropped,
// per spec.md §4.3, so that a probing guest never faults the VM.
func (t *Table) Dispatch(port uint16, isWrite bool, data []byte) error {
	t.mu.RLock()
	s := t.slots[port]
	t.mu.RUnlock()

	var h Handler
	if isWrite {
		h = s.out
	} else {
		h = s.in
	}

	if h == nil {
		hlog.Debugf("ioport: unregistered %s on port %#x (%d bytes)", dir(isWrite), port, len(data))

		if !isWrite {
			for i := range data {
				data[i] = 0
			}
		}

		return nil
	}

	return h(port, data)
}

func dir(isWrite bool) string {
	if isWrite {
		return "OUT"
	}

	return "IN"
}
