// Package vcpu is the VCPU engine: per-CPU thread, run/reset/single-step,
// exit-reason decode, and signal-driven stop/pause/resume, per spec.md §4.1.
package vcpu

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"

	"github.com/gokvm/hypervisor/internal/hlog"
	"github.com/gokvm/hypervisor/internal/kvm"
)

// PortIO is the PIO half of the I/O dispatch fabric (spec.md §2.5/§4.3).
// ioport.Table satisfies it.
type PortIO interface {
	Dispatch(port uint16, isWrite bool, data []byte) error
}

// MMIOBus is the MMIO half of the I/O dispatch fabric (spec.md §2.4/§4.3).
// mmio.Tree satisfies it.
type MMIOBus interface {
	Dispatch(addr uint64, data []byte, isWrite bool) error
}

// ErrBadCPU indicates a CPU index outside the VM's configured VCPU count.
var ErrBadCPU = errors.New("vcpu: bad cpu number")

// VCPU is a single virtual CPU: the kvm-side fd, its shared run structure,
// and the control channel that substitutes for the teacher's SIGKVM* signals
// per spec.md §9 ("replace with an explicit control channel").
type VCPU struct {
	id      int
	fd      uintptr
	tid     int32 // native thread id, set once Run() starts; used to interrupt a blocked ioctl
	run     *kvm.RunData
	running int32 // atomic bool

	control chan controlRequest

	// codeReader, when set, lets dumpFatal disassemble the faulting
	// instruction by reading guest memory at RIP. The engine layer sets
	// this once guestmem.Space is available; vcpu itself has no memory
	// handle.
	codeReader func(gpa uint64, n int) []byte
}

// SetCodeReader installs the guest-memory reader used for fatal-exit
// disassembly dumps (spec.md §4.1 "panic dump").
func (v *VCPU) SetCodeReader(f func(gpa uint64, n int) []byte) { v.codeReader = f }

type controlKind int

const (
	controlPause controlKind = iota
	controlResume
	controlStop
)

type controlRequest struct {
	kind controlKind
	done chan struct{}
}

// Create opens VCPU cpuID within the VM referred to by vmFd, maps its shared
// run structure, and applies the baseline x86 register/CPUID state from
// spec.md §4.1. mmapSize is KVM_GET_VCPU_MMAP_SIZE, fetched once per VM.
func Create(kvmFd, vmFd uintptr, cpuID int, mmapSize int) (*VCPU, error) {
	fd, err := kvm.CreateVCPU(vmFd, cpuID)
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: CreateVCPU: %w", cpuID, err)
	}

	v := &VCPU{id: cpuID, fd: fd, control: make(chan controlRequest, 4)}

	if err := v.initCPUID(kvmFd); err != nil {
		return nil, fmt.Errorf("vcpu %d: %w", cpuID, err)
	}

	mem, err := unix.Mmap(int(fd), 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: mmap run struct: %w", cpuID, err)
	}

	v.run = (*kvm.RunData)(unsafe.Pointer(&mem[0]))

	return v, nil
}

// ID returns the VCPU's zero-based index.
func (v *VCPU) ID() int { return v.id }

// FD returns the raw vcpu fd, for callers that need a second ioctl surface
// (e.g. vhost devices binding an irqfd to "this CPU's" notifications).
func (v *VCPU) FD() uintptr { return v.fd }

func (v *VCPU) initCPUID(kvmFd uintptr) error {
	c := &kvm.CPUID{Nent: kvm.MaxCPUIDEntries}
	if err := kvm.GetSupportedCPUID(kvmFd, c); err != nil {
		return fmt.Errorf("GetSupportedCPUID: %w", err)
	}

	for i := 0; i < int(c.Nent); i++ {
		switch c.Entries[i].Function {
		case kvm.CPUIDFuncPerMon:
			c.Entries[i].Eax = 0 // zero the architectural-PMU leaf when unsupported
		case kvm.CPUIDSignature:
			c.Entries[i].Eax = kvm.CPUIDFeatures
			c.Entries[i].Ebx = 0x4b4d564b // "KVMK"
			c.Entries[i].Ecx = 0x564b4d56 // "VMKV"
			c.Entries[i].Edx = 0x4d       // "M"
		}
	}

	return kvm.SetCPUID2(v.fd, c)
}

// Reset reapplies the baseline register state: RIP/RSP at the configured
// boot address, flat segments, protected mode enabled. Matches spec.md
// §4.1's create/reset symmetry.
func (v *VCPU) Reset(rip, rsi uint64) error {
	regs, err := kvm.GetRegs(v.fd)
	if err != nil {
		return err
	}

	regs.RFLAGS = 2 // bit 1 is always set; everything else cleared
	regs.RIP = rip
	regs.RSI = rsi

	if err := kvm.SetRegs(v.fd, regs); err != nil {
		return err
	}

	sregs, err := kvm.GetSregs(v.fd)
	if err != nil {
		return err
	}

	sregs.CS.Base, sregs.CS.Limit, sregs.CS.G = 0, 0xFFFFFFFF, 1
	sregs.DS.Base, sregs.DS.Limit, sregs.DS.G = 0, 0xFFFFFFFF, 1
	sregs.ES.Base, sregs.ES.Limit, sregs.ES.G = 0, 0xFFFFFFFF, 1
	sregs.FS.Base, sregs.FS.Limit, sregs.FS.G = 0, 0xFFFFFFFF, 1
	sregs.GS.Base, sregs.GS.Limit, sregs.GS.G = 0, 0xFFFFFFFF, 1
	sregs.SS.Base, sregs.SS.Limit, sregs.SS.G = 0, 0xFFFFFFFF, 1
	sregs.CS.DB, sregs.SS.DB = 1, 1
	sregs.CR0 |= 1 // protected mode

	return kvm.SetSregs(v.fd, sregs)
}

// GetRegs/SetRegs/GetSregs/SetSregs expose per-VCPU register access, per
// SPEC_FULL.md §4.1 (so tests can drive VCPU state without a full boot).
func (v *VCPU) GetRegs() (*kvm.Regs, error)   { return kvm.GetRegs(v.fd) }
func (v *VCPU) SetRegs(r *kvm.Regs) error     { return kvm.SetRegs(v.fd, r) }
func (v *VCPU) GetSregs() (*kvm.Sregs, error) { return kvm.GetSregs(v.fd) }
func (v *VCPU) SetSregs(s *kvm.Sregs) error   { return kvm.SetSregs(v.fd, s) }

// Translate wraps KVM_TRANSLATE for debug dumps and address-space tests.
func (v *VCPU) Translate(vaddr uint64) (*kvm.Translation, error) {
	return kvm.Translate(v.fd, vaddr)
}

// EnableSingleStep arms guest-debug single-stepping on this VCPU.
func (v *VCPU) EnableSingleStep(on bool) error {
	return kvm.SingleStep(v.fd, on)
}

// Pause blocks the VCPU's run loop at its next exit boundary.
func (v *VCPU) Pause() { v.send(controlPause) }

// Resume unblocks a paused VCPU.
func (v *VCPU) Resume() { v.send(controlResume) }

// Stop asks the VCPU's run loop to return, interrupting a blocked KVM_RUN
// if necessary by signalling its OS thread (spec.md §9: the host run call
// still needs a signal to return EINTR; everything above that is a channel).
func (v *VCPU) Stop() {
	v.send(controlStop)

	if tid := atomic.LoadInt32(&v.tid); tid != 0 {
		_ = unix.Tgkill(unix.Getpid(), int(tid), stopSignal) //nolint:errcheck
	}
}

func (v *VCPU) send(kind controlKind) {
	req := controlRequest{kind: kind, done: make(chan struct{})}
	select {
	case v.control <- req:
		<-req.done
	default:
		// Control channel is full (rapid-fire pause/resume); drop rather
		// than block the caller, the next iteration will still observe
		// `running==0` from Stop() if that's what is pending.
	}
}

// stopSignal is delivered to the VCPU's OS thread to force KVM_RUN to
// return EINTR. SIGURG is chosen because the Go runtime already reserves
// it for internal preemption and installs a handler that ignores it by
// default for non-runtime purposes, so it is safe to repurpose here as
// long as we do not rely on its default disposition (we don't: KVM_RUN
// returning EINTR is all we need).
const stopSignal = unix.SIGURG

// Run enters the host-virt run ioctl in a loop, classifying each exit and
// dispatching to pio/mmio as spec.md §4.1 describes. It returns when the
// VCPU observes EXIT_SHUTDOWN, a fatal unknown exit, or Stop().
func (v *VCPU) Run(pio PortIO, mmio MMIOBus) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	atomic.StoreInt32(&v.tid, int32(unix.Gettid()))
	atomic.StoreInt32(&v.running, 1)

	defer atomic.StoreInt32(&v.running, 0)

	for {
		select {
		case req := <-v.control:
			switch req.kind {
			case controlStop:
				close(req.done)

				return nil
			case controlPause:
				close(req.done)
				v.waitForResume()
			case controlResume:
				close(req.done) // already running; no-op
			}
		default:
		}

		cont, err := v.runOnce(pio, mmio)
		if err != nil {
			return err
		}

		if !cont {
			return nil
		}
	}
}

func (v *VCPU) waitForResume() {
	for req := range v.control {
		switch req.kind {
		case controlResume, controlStop:
			close(req.done)

			return
		case controlPause:
			close(req.done) // already paused; no-op
		}
	}
}

// runOnce issues one KVM_RUN and classifies the result, per spec.md §4.1.
func (v *VCPU) runOnce(pio PortIO, mmio MMIOBus) (bool, error) {
	err := kvm.Run(v.fd)

	switch kvm.ExitReason(v.run.ExitReason) {
	case kvm.ExitDebug:
		v.dumpDebug()

		return true, nil

	case kvm.ExitIO:
		direction, size, port, count, offset := v.run.IO()
		data := v.ioData(offset, size)

		for i := uint64(0); i < count; i++ {
			if ioErr := pio.Dispatch(uint16(port), direction == kvm.ExitIOOut, data); ioErr != nil {
				v.dumpFatal()

				return false, ioErr
			}
		}

		return true, nil

	case kvm.ExitMMIO:
		phys, data, _, isWrite := v.run.MMIO()
		if mmioErr := mmio.Dispatch(phys, data, isWrite); mmioErr != nil {
			v.dumpFatal()

			return false, mmioErr
		}

		return true, nil

	case kvm.ExitIntr:
		return true, nil

	case kvm.ExitHlt:
		return false, nil

	case kvm.ExitShutdown:
		return false, nil

	default:
		if err != nil {
			return false, err
		}

		v.dumpFatal()

		return false, fmt.Errorf("%w: %s", kvm.ErrUnexpectedExitReason, kvm.ExitReason(v.run.ExitReason))
	}
}

func (v *VCPU) ioData(offset, size uint64) []byte {
	base := unsafe.Add(unsafe.Pointer(v.run), uintptr(offset))

	return unsafe.Slice((*byte)(base), int(size))
}

func (v *VCPU) dumpDebug() {
	regs, _ := kvm.GetRegs(v.fd)
	hlog.Debugf("vcpu %d: debug exit, RIP=%#x", v.id, regs.RIP)
}

// dumpFatal prints registers and, where the RIP is readable, the faulting
// instruction's disassembly, per spec.md §4.1's "panic dump" behavior.
func (v *VCPU) dumpFatal() {
	regs, err := kvm.GetRegs(v.fd)
	if err != nil {
		hlog.Errorf("vcpu %d: fatal exit, and GetRegs also failed: %v", v.id, err)

		return
	}

	sregs, _ := kvm.GetSregs(v.fd)

	hlog.Errorf("vcpu %d: fatal exit reason=%s RIP=%#x RSP=%#x RFLAGS=%#x",
		v.id, kvm.ExitReason(v.run.ExitReason), regs.RIP, regs.RSP, regs.RFLAGS)

	if sregs != nil {
		hlog.Errorf("vcpu %d: CR0=%#x CR3=%#x CR4=%#x EFER=%#x", v.id, sregs.CR0, sregs.CR3, sregs.CR4, sregs.EFER)
	}

	v.disasm(regs.RIP)
}

func (v *VCPU) disasm(rip uint64) {
	if v.codeReader == nil {
		return
	}

	code := v.codeReader(rip, 16)
	if len(code) == 0 {
		return
	}

	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		hlog.Debugf("vcpu %d: %#x: <undecodable: %v>", v.id, rip, err)

		return
	}

	hlog.Debugf("vcpu %d: %#x: %s", v.id, rip, inst.String())
}
