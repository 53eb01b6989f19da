// Package serial emulates a 16550-compatible UART, per kvmtool's
// 8250-serial.c. Only ttyS0 is wired to an interrupt, matching the
// original's "interrupts are injected for ttyS0 only" comment.
package serial

import (
	"fmt"
	"sync"

	"github.com/gokvm/hypervisor/internal/hlog"
	"github.com/gokvm/hypervisor/internal/ioport"
	"github.com/gokvm/hypervisor/internal/irq"
)

// UART register bits, per linux/serial_reg.h.
const (
	lsrDR   = 1 << 0 // data ready
	lsrTHRE = 1 << 5 // transmit holding register empty
	lsrTEMT = 1 << 6 // transmitter empty

	msrDCD = 1 << 7
	msrDSR = 1 << 5
	msrCTS = 1 << 4

	mcrLoop = 1 << 4
	mcrOut2 = 1 << 3

	lcrDLAB = 1 << 7

	iirNoInt = 1
	iirRDI   = 4 // received data available
	iirTHRI  = 2 // transmitter holding register empty

	ierRDI  = 1 << 0
	ierTHRI = 1 << 1

	fcrFIFOEnable = 1 << 0
)

// port offsets relative to iobase.
const (
	regRX  = 0
	regTX  = 0
	regDLL = 0
	regIER = 1
	regDLM = 1
	regIIR = 2
	regFCR = 2
	regLCR = 3
	regMCR = 4
	regLSR = 5
	regMSR = 6
	regSCR = 7
)

// Port is one 8-byte UART I/O range: ttyS0 is 0x3f8/IRQ4, ttyS1 0x2f8/IRQ3,
// ttyS2 0x3e8/IRQ4, matching the original's static devices[] table.
type Port struct {
	mu sync.Mutex

	iobase uint16
	gsi    uint32

	rbr, dll, dlm, iir, ier, fcr, lcr, mcr, lsr, msr, scr uint8

	ring *irq.Router

	out func(b byte) // guest TX byte sink, e.g. os.Stdout
	in  chan byte     // host keystrokes destined for the guest
}

// New registers a UART at iobase/gsi on pio, with the PIC/IOAPIC route
// provided by ring (nil disables interrupt injection, e.g. for ttyS1/ttyS2
// which this hypervisor exposes but never drives from a terminal).
func New(pio *ioport.Table, ring *irq.Router, iobase uint16, gsi uint32, out func(byte)) (*Port, error) {
	p := &Port{
		iobase: iobase,
		gsi:    gsi,
		ring:   ring,
		out:    out,
		in:     make(chan byte, 4096),

		iir: iirNoInt,
		lsr: lsrTEMT | lsrTHRE,
		msr: msrDCD | msrDSR | msrCTS,
		mcr: mcrOut2,
	}

	if err := pio.Register(iobase, iobase+8, fmt.Sprintf("serial-%#x", iobase), p.ioIn, p.ioOut); err != nil {
		return nil, fmt.Errorf("serial: register iobase %#x: %w", iobase, err)
	}

	return p, nil
}

// InputChan is the channel callers push host keystrokes onto; Pump drains
// it into the emulated receive buffer.
func (p *Port) InputChan() chan<- byte { return p.in }

func (p *Port) ioIn(port uint16, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	off := port - p.iobase

	if p.lcr&lcrDLAB != 0 {
		switch off {
		case regDLL:
			data[0] = p.dll

			return nil
		case regDLM:
			data[0] = p.dlm

			return nil
		}
	} else if off == regRX {
		data[0] = p.rbr
		p.lsr &^= lsrDR
		p.iir = iirNoInt

		return nil
	} else if off == regIER {
		data[0] = p.ier

		return nil
	}

	switch off {
	case regIIR:
		v := p.iir
		if p.fcr&fcrFIFOEnable != 0 {
			v |= 0xc0
		}

		data[0] = v
	case regLCR:
		data[0] = p.lcr
	case regMCR:
		data[0] = p.mcr
	case regLSR:
		data[0] = p.lsr
	case regMSR:
		data[0] = p.msr
	case regSCR:
		data[0] = p.scr
	default:
		data[0] = 0
	}

	return nil
}

func (p *Port) ioOut(port uint16, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	off := port - p.iobase
	v := data[0]

	if p.lcr&lcrDLAB != 0 {
		switch off {
		case regDLL:
			p.dll = v

			return nil
		case regDLM:
			p.dlm = v

			return nil
		}
	}

	switch off {
	case regTX:
		if p.mcr&mcrLoop == 0 && p.out != nil {
			p.out(v)
		}

		p.iir = iirNoInt
	case regFCR:
		p.fcr = v
	case regIER:
		p.ier = v & 0x3f
	case regLCR:
		p.lcr = v
	case regMCR:
		p.mcr = v
	case regSCR:
		p.scr = v
	}

	return nil
}

// Pump services one poll tick: moves a pending host keystroke into rbr and
// raises the UART's GSI if the guest has RX interrupts enabled, mirroring
// serial8250__inject_interrupt's receive+edge-pulse sequence. Callers run
// this from a timer goroutine (there is no natural "data arrived" event on
// a channel read alone that also has to coexist with guest-driven LSR polls).
func (p *Port) Pump() {
	p.mu.Lock()

	if p.lsr&lsrDR == 0 {
		select {
		case c := <-p.in:
			p.rbr = c
			p.lsr |= lsrDR
		default:
		}
	}

	var fire bool

	switch {
	case p.ier&ierRDI != 0 && p.lsr&lsrDR != 0:
		p.iir = iirRDI
		fire = true
	case p.ier&ierTHRI != 0:
		p.iir = iirTHRI
		fire = true
	default:
		p.iir = iirNoInt
	}

	p.mu.Unlock()

	if !fire || p.ring == nil {
		return
	}

	if err := p.ring.Lower(p.gsi); err != nil {
		hlog.Warnf("serial: lower gsi %d: %v", p.gsi, err)
	}

	if err := p.ring.Raise(p.gsi); err != nil {
		hlog.Warnf("serial: raise gsi %d: %v", p.gsi, err)
	}
}
