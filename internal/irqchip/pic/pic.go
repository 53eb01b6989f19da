// Package pic wraps the in-kernel i8259 PIC / IOAPIC pair that KVM_CREATE_IRQCHIP
// installs, and the i8254 PIT that KVM_CREATE_PIT2 installs alongside it, per
// spec.md §2.7.
//
// The actual PIC/PIT state machines live in the host kernel once created;
// this package only owns the userspace-visible sliver: level tracking so
// repeated Raise calls on an already-asserted level-triggered line are
// idempotent, and the KVM_IRQ_LINE plumbing, matching the in-kernel-irqchip
// half of the teacher's machine setup.
package pic

import (
	"fmt"
	"sync"

	"github.com/gokvm/hypervisor/internal/kvm"
)

// Chip owns the in-kernel PIC/IOAPIC/PIT for one VM.
type Chip struct {
	vmFd uintptr

	mu     sync.Mutex
	levels map[uint32]bool
}

// New creates the in-kernel irqchip and PIT2, per spec.md §4.4's
// "interrupt controller setup precedes VCPU creation."
func New(vmFd uintptr) (*Chip, error) {
	if err := kvm.CreateIRQChip(vmFd); err != nil {
		return nil, fmt.Errorf("pic: KVM_CREATE_IRQCHIP: %w", err)
	}

	if err := kvm.CreatePIT2(vmFd, &kvm.PitConfig{}); err != nil {
		return nil, fmt.Errorf("pic: KVM_CREATE_PIT2: %w", err)
	}

	return &Chip{vmFd: vmFd, levels: make(map[uint32]bool)}, nil
}

// SetLevel asserts or deasserts pin. Redundant calls (level unchanged) are
// dropped before reaching the ioctl: the kernel's own KVM_IRQ_LINE
// semantics are edge-on-change for level lines, and re-sending the same
// level is harmless but wasteful, matching how the original's PIC
// pic_set_irq avoids re-raising an already-pending line (see DESIGN.md for
// the pic_unlock wakeup-needed note this simplifies away).
func (c *Chip) SetLevel(pin uint32, level bool) error {
	c.mu.Lock()
	cur, ok := c.levels[pin]
	c.levels[pin] = level
	c.mu.Unlock()

	if ok && cur == level {
		return nil
	}

	val := uint32(0)
	if level {
		val = 1
	}

	return kvm.IRQLine(c.vmFd, pin, val)
}

// Pulse raises then immediately lowers pin, for edge-triggered legacy
// devices (e.g. the RTC) that have no persistent level state.
func (c *Chip) Pulse(pin uint32) error {
	if err := kvm.IRQLine(c.vmFd, pin, 1); err != nil {
		return err
	}

	return kvm.IRQLine(c.vmFd, pin, 0)
}
