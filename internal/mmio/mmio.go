// Package mmio is the interval-keyed MMIO address space: an augmented
// red-black tree mapping (low,high]->handler so that a guest-physical
// access resolves to at most one registered handler in O(log n), per
// spec.md §2.4/§4.3/§9.
//
// None of the retrieval-pack examples vendor an augmented-interval-tree
// library shaped for this (closed-low/open-high ranges keyed by a u64 pair
// with a cached subtree maximum); DESIGN.md records that as the
// stdlib-only justification for this package.
package mmio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gokvm/hypervisor/internal/hlog"
	"github.com/gokvm/hypervisor/internal/kvm"
)

// ErrOverlap is returned by Register when the requested range intersects an
// already-registered region, per spec.md §8 property 5.
var ErrOverlap = errors.New("mmio: overlapping registration")

// Handler services one MMIO access. data is the read/write buffer: on a
// read the callback fills it; on a write it has already been filled from
// guest memory.
type Handler func(addr uint64, data []byte, isWrite bool) error

type color bool

const (
	red   color = true
	black color = false
)

type node struct {
	low, high uint64 // half-open range [low, high)
	maxHigh   uint64 // max `high` over this node's subtree, including itself

	coalesce bool
	bus      string
	handler  Handler

	color               color
	left, right, parent *node
}

// Tree is the augmented interval tree. The zero value is usable.
type Tree struct {
	mu   sync.RWMutex
	root *node

	// vmFd, when set, lets Register/Deregister also program the host
	// kernel's coalesced-MMIO fast path (spec.md §4.3/GLOSSARY).
	vmFd uintptr
}

// New returns an empty Tree. vmFd may be 0 in tests that never set
// coalesce=true.
func New(vmFd uintptr) *Tree {
	return &Tree{vmFd: vmFd}
}

// Register inserts a handler for [addr, addr+size). bus names the owning
// bus ("pci", "mmio", "fdt") for diagnostics. If coalesce is true, the
// host-kernel coalesced-MMIO ring is also installed for this range.
func (t *Tree) Register(addr, size uint64, bus string, coalesce bool, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing := t.findOverlap(addr, addr+size); existing != nil {
		return fmt.Errorf("%w: [%#x,%#x) already owned by %q bus (registering %q)",
			ErrOverlap, existing.low, existing.high, existing.bus, bus)
	}

	n := &node{low: addr, high: addr + size, maxHigh: addr + size, bus: bus, coalesce: coalesce, handler: h}
	t.insert(n)

	if coalesce && t.vmFd != 0 {
		if err := kvm.RegisterCoalescedMMIO(t.vmFd, addr, uint32(size)); err != nil {
			hlog.Warnf("mmio: coalesced registration for [%#x,%#x) failed: %v", addr, addr+size, err)
		}
	}

	return nil
}

// Deregister removes the node whose range begins at addr.
func (t *Tree) Deregister(addr uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.search(addr, 1)
	if n == nil || n.low != addr {
		return
	}

	if n.coalesce && t.vmFd != 0 {
		if err := kvm.UnregisterCoalescedMMIO(t.vmFd, n.low, uint32(n.high-n.low)); err != nil {
			hlog.Warnf("mmio: coalesced deregistration for [%#x,%#x) failed: %v", n.low, n.high, err)
		}
	}

	t.delete(n)
}

// Dispatch finds the unique region covering [addr, addr+len(data)) and
// invokes its handler. A miss is logged and treated as "Ignoring MMIO":
// writes are dropped, reads return zero, so a probing guest never faults,
// per spec.md §4.3/§8 scenario E5.
func (t *Tree) Dispatch(addr uint64, data []byte, isWrite bool) error {
	t.mu.RLock()
	n := t.search(addr, uint64(len(data)))
	t.mu.RUnlock()

	if n == nil {
		hlog.Warnf("Ignoring MMIO at %#x (%d bytes, write=%v): no registered region", addr, len(data), isWrite)

		if !isWrite {
			for i := range data {
				data[i] = 0
			}
		}

		return nil
	}

	return n.handler(addr, data, isWrite)
}

// search returns the unique region whose [low,high) covers addr and whose
// high >= addr+len, or nil, per spec.md §8 property 5.
func (t *Tree) search(addr, length uint64) *node {
	end := addr + length
	cur := t.root

	for cur != nil {
		if addr >= cur.low && end <= cur.high {
			return cur
		}

		if cur.left != nil && cur.left.maxHigh >= end && addr >= lowerBound(cur.left) {
			cur = cur.left

			continue
		}

		cur = cur.right
	}

	return nil
}

// findOverlap returns any one registered node whose [low,high) intersects
// [low,high), or nil if the range is free, per spec.md §8 property 5 ("no
// two registered ranges may overlap").
func (t *Tree) findOverlap(low, high uint64) *node {
	return findOverlapNode(t.root, low, high)
}

func findOverlapNode(n *node, low, high uint64) *node {
	if n == nil {
		return nil
	}

	if n.low < high && low < n.high {
		return n
	}

	if n.left != nil && n.left.maxHigh > low {
		if found := findOverlapNode(n.left, low, high); found != nil {
			return found
		}
	}

	return findOverlapNode(n.right, low, high)
}

// lowerBound finds the minimum low in n's subtree; used by search's descent
// heuristic to decide whether the left subtree can possibly contain addr.
// Because ranges are disjoint and the tree is ordered by low, leftmost
// gives a cheap lower bound without a dedicated augmentation field.
func lowerBound(n *node) uint64 {
	for n.left != nil {
		n = n.left
	}

	return n.low
}

// --- classic augmented red-black tree plumbing: insert/delete/rotate,
// each followed by a max_high fixup walk back to the root, per spec.md §9
// ("The max_high field ... must be maintained on insert, erase, and rotate").

func (t *Tree) insert(n *node) {
	var parent *node

	cur := t.root
	for cur != nil {
		parent = cur
		if n.low < cur.low {
			cur = cur.left
		} else {
			cur = cur.right
		}
	}

	n.parent = parent
	n.color = red

	switch {
	case parent == nil:
		t.root = n
	case n.low < parent.low:
		parent.left = n
	default:
		parent.right = n
	}

	t.updateMaxHighUp(n)
	t.insertFixup(n)
}

func (t *Tree) updateMaxHigh(n *node) {
	maxHigh := n.high
	if n.left != nil && n.left.maxHigh > maxHigh {
		maxHigh = n.left.maxHigh
	}

	if n.right != nil && n.right.maxHigh > maxHigh {
		maxHigh = n.right.maxHigh
	}

	n.maxHigh = maxHigh
}

func (t *Tree) updateMaxHighUp(n *node) {
	for cur := n; cur != nil; cur = cur.parent {
		t.updateMaxHigh(cur)
	}
}

func (t *Tree) rotateLeft(x *node) {
	y := x.right
	x.right = y.left

	if y.left != nil {
		y.left.parent = x
	}

	y.parent = x.parent

	switch {
	case x.parent == nil:
		t.root = y
	case x == x.parent.left:
		x.parent.left = y
	default:
		x.parent.right = y
	}

	y.left = x
	x.parent = y

	t.updateMaxHigh(x)
	t.updateMaxHigh(y)
}

func (t *Tree) rotateRight(x *node) {
	y := x.left
	x.left = y.right

	if y.right != nil {
		y.right.parent = x
	}

	y.parent = x.parent

	switch {
	case x.parent == nil:
		t.root = y
	case x == x.parent.right:
		x.parent.right = y
	default:
		x.parent.left = y
	}

	y.right = x
	x.parent = y

	t.updateMaxHigh(x)
	t.updateMaxHigh(y)
}

func (t *Tree) insertFixup(z *node) {
	for z.parent != nil && z.parent.color == red {
		grandparent := z.parent.parent
		if grandparent == nil {
			break
		}

		if z.parent == grandparent.left {
			uncle := grandparent.right
			if isRed(uncle) {
				z.parent.color = black
				uncle.color = black
				grandparent.color = red
				z = grandparent

				continue
			}

			if z == z.parent.right {
				z = z.parent
				t.rotateLeft(z)
			}

			z.parent.color = black
			grandparent.color = red
			t.rotateRight(grandparent)
		} else {
			uncle := grandparent.left
			if isRed(uncle) {
				z.parent.color = black
				uncle.color = black
				grandparent.color = red
				z = grandparent

				continue
			}

			if z == z.parent.left {
				z = z.parent
				t.rotateRight(z)
			}

			z.parent.color = black
			grandparent.color = red
			t.rotateLeft(grandparent)
		}
	}

	t.root.color = black
}

func isRed(n *node) bool { return n != nil && n.color == red }

func (t *Tree) delete(z *node) {
	y := z
	yOriginalColor := y.color

	var x, xParent *node

	switch {
	case z.left == nil:
		x, xParent = z.right, z.parent
		t.transplant(z, z.right)
	case z.right == nil:
		x, xParent = z.left, z.parent
		t.transplant(z, z.left)
	default:
		y = minimum(z.right)
		yOriginalColor = y.color
		x = y.right

		if y.parent == z {
			xParent = y
		} else {
			xParent = y.parent
			t.transplant(y, y.right)
			y.right = z.right
			y.right.parent = y
		}

		t.transplant(z, y)
		y.left = z.left
		y.left.parent = y
		y.color = z.color
	}

	if xParent != nil {
		t.updateMaxHighUp(xParent)
	}

	if yOriginalColor == black {
		t.deleteFixup(x, xParent)
	}
}

func minimum(n *node) *node {
	for n.left != nil {
		n = n.left
	}

	return n
}

func (t *Tree) transplant(u, v *node) {
	switch {
	case u.parent == nil:
		t.root = v
	case u == u.parent.left:
		u.parent.left = v
	default:
		u.parent.right = v
	}

	if v != nil {
		v.parent = u.parent
	}
}

func (t *Tree) deleteFixup(x, parent *node) {
	for x != t.root && !isRed(x) && parent != nil {
		if x == parent.left {
			w := parent.right
			if isRed(w) {
				w.color = black
				parent.color = red
				t.rotateLeft(parent)
				w = parent.right
			}

			if w == nil {
				break
			}

			if !isRed(w.left) && !isRed(w.right) {
				w.color = red
				x = parent
				parent = x.parent

				continue
			}

			if !isRed(w.right) {
				if w.left != nil {
					w.left.color = black
				}

				w.color = red
				t.rotateRight(w)
				w = parent.right
			}

			w.color = parent.color
			parent.color = black

			if w.right != nil {
				w.right.color = black
			}

			t.rotateLeft(parent)
			x = t.root
		} else {
			w := parent.left
			if isRed(w) {
				w.color = black
				parent.color = red
				t.rotateRight(parent)
				w = parent.left
			}

			if w == nil {
				break
			}

			if !isRed(w.right) && !isRed(w.left) {
				w.color = red
				x = parent
				parent = x.parent

				continue
			}

			if !isRed(w.left) {
				if w.right != nil {
					w.right.color = black
				}

				w.color = red
				t.rotateLeft(w)
				w = parent.left
			}

			w.color = parent.color
			parent.color = black

			if w.left != nil {
				w.left.color = black
			}

			t.rotateRight(parent)
			x = t.root
		}
	}

	if x != nil {
		x.color = black
	}
}
