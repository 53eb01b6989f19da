// Package console implements the virtio-console device engine: an RX queue
// fed from host terminal input and a TX queue drained to host terminal
// output, per spec.md §2.12/§4.12, grounded in kvmtool's virtio-console.c.
package console

import (
	"sync"

	"github.com/gokvm/hypervisor/internal/hlog"
	"github.com/gokvm/hypervisor/internal/virtqueue"
)

const (
	deviceID    = 3
	subsystemID = 3

	queueRX = 0
	queueTX = 1
)

// Sink is the out-of-scope terminal facade this engine drives, per spec.md
// §1's `{readable(n), getc(n), putc(buf,n)}` collaborator.
type Sink interface {
	// Readable reports whether a host keystroke is waiting.
	Readable() bool
	// Getc returns the next host keystroke.
	Getc() (byte, bool)
	// Putc writes guest console output to the host terminal.
	Putc(b []byte)
}

// Engine is the virtio-console device: two queues, no negotiable features
// beyond VIRTIO_CONSOLE_F_SIZE (left unset: this hypervisor runs a single
// port at a fixed geometry).
type Engine struct {
	mu   sync.Mutex
	sink Sink

	rx, tx *virtqueue.Queue

	cfg [8]byte // cols, rows (le16 each), max_nr_ports (le32)
}

// New builds a console engine at the fixed 80x24 geometry spec.md §4.12
// names, with a single port.
func New(sink Sink) *Engine {
	e := &Engine{sink: sink}

	e.cfg[0], e.cfg[1] = 80, 0 // cols = 80
	e.cfg[2], e.cfg[3] = 24, 0 // rows = 24
	e.cfg[4] = 1               // max_nr_ports = 1

	return e
}

func (e *Engine) DeviceID() uint16    { return deviceID }
func (e *Engine) SubsystemID() uint16 { return subsystemID }
func (e *Engine) NumQueues() int      { return 2 }
func (e *Engine) HostFeatures() uint32 { return 0 }
func (e *Engine) ConfigSpace() []byte  { return e.cfg[:] }

func (e *Engine) SetQueue(idx int, q *virtqueue.Queue) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch idx {
	case queueRX:
		e.rx = q
	case queueTX:
		e.tx = q
	}
}

// Kick drains the TX queue; the RX queue is instead serviced by Pump,
// driven by the terminal-poll timer, per spec.md §4.12 ("RX is driven by a
// timer-triggered inject-interrupt path").
func (e *Engine) Kick(idx int) error {
	if idx != queueTX {
		return nil
	}

	e.mu.Lock()
	q := e.tx
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

		if err := e.serviceTX(q, chain); err != nil {
			hlog.Warnf("virtio-console: tx: %v", err)
		}
	}
}

func (e *Engine) serviceTX(q *virtqueue.Queue, chain virtqueue.Chain) error {
	total := uint32(0)

	for _, d := range chain.Descs {
		if d.Flags&virtqueue.DescFWrite != 0 {
			continue
		}

		buf, err := q.MemSlice(d.Addr, uint64(d.Len))
		if err != nil {
			return err
		}

		e.sink.Putc(buf)
		total += d.Len
	}

	return q.Push(chain.HeadIdx, total)
}

// Pump services one poll tick: if the host terminal has a keystroke and
// the RX queue has an available chain, pop one, write the keystroke, and
// report whether the device wants its interrupt raised (spec.md §4.12).
func (e *Engine) Pump() (signal bool, err error) {
	e.mu.Lock()
	q := e.rx
	sink := e.sink
	e.mu.Unlock()

	if q == nil || sink == nil || !sink.Readable() {
		return false, nil
	}

	chain, ok, err := q.Pop()
	if err != nil || !ok {
		return false, err
	}

	if len(chain.Descs) == 0 {
		return false, nil
	}

	d := chain.Descs[0]

	buf, err := q.MemSlice(d.Addr, uint64(d.Len))
	if err != nil {
		return false, err
	}

	n := 0

	for n < len(buf) {
		b, ok := sink.Getc()
		if !ok {
			break
		}

		buf[n] = b
		n++
	}

	if err := q.Push(chain.HeadIdx, uint32(n)); err != nil {
		return false, err
	}

	return true, nil
}
