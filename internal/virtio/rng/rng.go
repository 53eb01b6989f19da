// Package rng implements the virtio-rng device engine: a single queue
// serviced by reading host entropy into each descriptor's write buffer,
// per spec.md §2.12/§4.13, grounded in kvmtool's virtio-rng.c.
package rng

import (
	"io"
	"sync"

	"github.com/gokvm/hypervisor/internal/hlog"
	"github.com/gokvm/hypervisor/internal/virtqueue"
)

const (
	deviceID    = 4
	subsystemID = 4
)

// Engine is the virtio-rng device. Source is normally os.Open("/dev/urandom"),
// injected so tests can supply a deterministic reader.
type Engine struct {
	mu     sync.Mutex
	source io.Reader
	queue  *virtqueue.Queue
}

// New builds an rng engine reading from source.
func New(source io.Reader) *Engine {
	return &Engine{source: source}
}

func (e *Engine) DeviceID() uint16     { return deviceID }
func (e *Engine) SubsystemID() uint16  { return subsystemID }
func (e *Engine) NumQueues() int       { return 1 }
func (e *Engine) HostFeatures() uint32 { return 0 }
func (e *Engine) ConfigSpace() []byte  { return nil }

func (e *Engine) SetQueue(idx int, q *virtqueue.Queue) {
	if idx == 0 {
		e.mu.Lock()
		e.queue = q
		e.mu.Unlock()
	}
}

// Kick services every available chain by filling its (single) write buffer
// with bytes from the entropy source, per spec.md §4.13.
func (e *Engine) Kick(idx int) error {
	if idx != 0 {
		return nil
	}

	e.mu.Lock()
	q := e.queue
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

		if err := e.service(q, chain); err != nil {
			hlog.Warnf("virtio-rng: %v", err)
		}
	}
}

func (e *Engine) service(q *virtqueue.Queue, chain virtqueue.Chain) error {
	total := uint32(0)

	for _, d := range chain.Descs {
		if d.Flags&virtqueue.DescFWrite == 0 {
			continue
		}

		buf, err := q.MemSlice(d.Addr, uint64(d.Len))
		if err != nil {
			return err
		}

		n, err := io.ReadFull(e.source, buf)
		if err != nil {
			hlog.Warnf("virtio-rng: short read from entropy source: %v", err)
		}

		total += uint32(n)
	}

	return q.Push(chain.HeadIdx, total)
}
