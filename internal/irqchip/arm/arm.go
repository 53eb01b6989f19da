// Package arm is a minimal stand-in for the GICv2 in-kernel irqchip on the
// arm64 target SPEC_FULL.md flags as an unwired extension point: it
// satisfies irq.ChipBackend so callers can build against one interrupt
// controller interface, but it does not create a real in-kernel GIC and
// is never exercised by cmd/kvmrun on this host architecture.
package arm

import "errors"

// ErrUnsupported is returned by every operation: no x86-64 Linux host can
// create a GICv2, so this backend only exists to keep the irq.ChipBackend
// contract satisfiable while arm64 support is unimplemented.
var ErrUnsupported = errors.New("arm: GICv2 irqchip not implemented on this build")

// Chip is an unimplemented GICv2 stand-in.
type Chip struct{}

// New returns a Chip that always fails on use; present so callers can wire
// an ARM code path without a nil-interface special case.
func New() *Chip { return &Chip{} }

// SetLevel always fails. See ErrUnsupported.
func (c *Chip) SetLevel(pin uint32, level bool) error {
	return ErrUnsupported
}
