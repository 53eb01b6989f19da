// Package term puts the host's stdin/stdout into raw mode for the
// duration of a guest console session, and implements the escape-key
// sequence (ctrl-a x) kvmtool's term.c uses to detach from the VM.
package term

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const stdinFd = int(os.Stdin.Fd())

// IsTerminal reports whether stdin is an interactive terminal; callers
// should not attempt raw mode or an input-forwarding goroutine otherwise,
// matching the teacher's "this is not terminal" guard in main.go.
func IsTerminal() bool {
	_, err := unix.IoctlGetTermios(stdinFd, unix.TCGETS)

	return err == nil
}

// SetRawMode disables canonical mode, echo, and signal generation on
// stdin (ICANON|ECHO|ISIG, per kvmtool's term_init), returning a function
// that restores the original settings.
func SetRawMode() (func(), error) {
	orig, err := unix.IoctlGetTermios(stdinFd, unix.TCGETS)
	if err != nil {
		return nil, fmt.Errorf("term: get termios: %w", err)
	}

	raw := *orig
	raw.Lflag &^= unix.ICANON | unix.ECHO | unix.ISIG

	if err := unix.IoctlSetTermios(stdinFd, unix.TCSETS, &raw); err != nil {
		return nil, fmt.Errorf("term: set termios: %w", err)
	}

	restore := func() {
		unix.IoctlSetTermios(stdinFd, unix.TCSETS, orig) //nolint:errcheck
	}

	return restore, nil
}

// EscapeChar is ctrl-a, kvmtool's detach-sequence prefix.
const EscapeChar = 0x01

// Escaper recognizes the ctrl-a x detach sequence across successive bytes
// read from stdin, mirroring term_getc's one-byte escape state machine.
type Escaper struct {
	armed bool
}

// Feed processes one input byte. It returns (b, false) for a byte that
// should be forwarded to the guest, or (0, true) when the byte completed
// a detach sequence (ctrl-a x) and the caller should exit.
func (e *Escaper) Feed(b byte) (byte, bool) {
	if e.armed {
		e.armed = false

		if b == 'x' {
			return 0, true
		}

		if b == EscapeChar {
			return b, false
		}
	}

	if b == EscapeChar {
		e.armed = true

		return 0, false
	}

	return b, false
}
