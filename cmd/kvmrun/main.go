// Command kvmrun is a thin CLI front end over internal/vm: it parses flags
// into a config.Config, boots a kernel, and forwards the host terminal to
// the guest console, the same shape as the teacher's main.go with
// machine.New/LoadLinux/RunInfiniteLoop replaced by vm.New/LoadLinux/Run.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/gokvm/hypervisor/internal/config"
	"github.com/gokvm/hypervisor/internal/hlog"
	"github.com/gokvm/hypervisor/internal/term"
	"github.com/gokvm/hypervisor/internal/vm"
)

const defaultRAMBytes = 1 << 30 // 1GiB, matching the teacher's default

func main() {
	if err := run(); err != nil {
		hlog.Errorf("%v", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		kernelPath = pflag.StringP("kernel", "k", "", "path to a bzImage kernel (required)")
		initrdPath = pflag.StringP("initrd", "i", "", "path to an initrd/initramfs image")
		cmdline    = pflag.StringP("append", "a", "console=ttyS0", "kernel command line")
		nCPUs      = pflag.IntP("cpus", "c", 1, "number of vcpus")
		ramMiB     = pflag.Uint64P("mem", "m", defaultRAMBytes>>20, "guest RAM size in MiB")
		diskPaths  = pflag.StringArray("disk", nil, "path to a raw or qcow2 disk image (repeatable)")
		diskRO     = pflag.Bool("readonly", false, "mount all --disk images read-only")
		tapName    = pflag.StringP("tap", "t", "", "host tap interface name for virtio-net")
		p9Tag      = pflag.StringArray("9p", nil, "tag:path virtio-9p share (repeatable)")
		virtioCons = pflag.Bool("virtio-console", false, "use virtio-console instead of the UART")
		hugetlbfs  = pflag.String("hugetlbfs", "", "mount point of a hugetlbfs to back guest RAM")
		vsockCID   = pflag.Uint64("vsock-cid", 0, "guest context id for a vhost-vsock device (0 disables)")
		scsiWWPN   = pflag.String("scsi-wwpn", "", "host vhost-scsi target World Wide Port Name")
		devPath    = pflag.String("kvm-device", "/dev/kvm", "path to the KVM device node")
		debugIO    = pflag.Bool("debug-ioport", false, "log writes to the 0x80 debug port")
		logLevel   = pflag.String("log-level", "info", "debug, info, warn, or error")
	)

	pflag.Parse()

	if lvl, ok := hlog.ParseLevel(*logLevel); ok {
		hlog.SetLevel(lvl)
	}

	if *kernelPath == "" {
		return fmt.Errorf("kvmrun: -kernel is required")
	}

	cfg := &config.Config{
		DevPath:        *devPath,
		RAMSizeBytes:   *ramMiB << 20,
		NRCPUs:         *nCPUs,
		KernelPath:     *kernelPath,
		InitrdPath:     *initrdPath,
		Cmdline:        *cmdline,
		TapName:        *tapName,
		DebugIOPort:    *debugIO,
		HugetlbfsPath:  *hugetlbfs,
		VsockCID:       *vsockCID,
		SCSIWWPN:       *scsiWWPN,
	}

	if *tapName != "" {
		cfg.NetworkMode = config.NetworkTap
	}

	if *virtioCons {
		cfg.ConsoleMode = config.ConsoleVirtio
	}

	for _, p := range *diskPaths {
		cfg.Disks = append(cfg.Disks, config.Disk{Path: p, ReadOnly: *diskRO})
	}

	for _, spec := range *p9Tag {
		tag, path, ok := splitTagPath(spec)
		if !ok {
			return fmt.Errorf("kvmrun: --9p %q must be tag:path", spec)
		}

		cfg.P9Shares = append(cfg.P9Shares, config.P9Share{Tag: tag, Path: path})
	}

	machine, err := vm.New(cfg)
	if err != nil {
		return fmt.Errorf("kvmrun: %w", err)
	}
	defer machine.Close() //nolint:errcheck // best-effort on the shutdown path

	kern, err := os.Open(*kernelPath)
	if err != nil {
		return fmt.Errorf("kvmrun: %w", err)
	}
	defer kern.Close()

	var initrd *os.File

	if *initrdPath != "" {
		initrd, err = os.Open(*initrdPath)
		if err != nil {
			return fmt.Errorf("kvmrun: %w", err)
		}
		defer initrd.Close()
	}

	if err := machine.LoadLinux(kern, initrd, *cmdline); err != nil {
		return fmt.Errorf("kvmrun: %w", err)
	}

	if *virtioCons {
		go forwardStdinTo(machine.ConsoleSink().InputChan())
	} else {
		go forwardStdinSerial(machine)
	}

	return machine.Run()
}

func splitTagPath(spec string) (tag, path string, ok bool) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == ':' {
			return spec[:i], spec[i+1:], true
		}
	}

	return "", "", false
}

// forwardStdinSerial copies raw host keystrokes into the VM's serial input
// channel, watching for the ctrl-a x detach sequence, matching the
// teacher's inline stdin-reading goroutine in main.go.
func forwardStdinSerial(machine *vm.VM) {
	forwardStdin(machine.InputChan(), machine.Stop)
}

func forwardStdinTo(ch chan<- byte) {
	forwardStdin(ch, nil)
}

func forwardStdin(ch chan<- byte, onDetach func()) {
	if !term.IsTerminal() {
		fmt.Fprintln(os.Stderr, "kvmrun: stdin is not a terminal, input is not forwarded")

		return
	}

	restore, err := term.SetRawMode()
	if err != nil {
		hlog.Warnf("kvmrun: raw mode: %v", err)

		return
	}

	defer restore()

	var esc term.Escaper

	buf := make([]byte, 1)

	for {
		n, err := os.Stdin.Read(buf)
		if err != nil || n == 0 {
			return
		}

		b, detach := esc.Feed(buf[0])
		if detach {
			restore()

			if onDetach != nil {
				onDetach()
			}

			os.Exit(0)
		}

		if ch != nil {
			ch <- b
		}
	}
}
