package vm

import "os"

// consoleSink implements internal/virtio/console.Sink by draining a
// buffered keystroke channel for Readable/Getc and writing guest output
// straight to the host's stdout for Putc, the virtio-console equivalent of
// serial.Port's InputChan/out pairing.
type consoleSink struct {
	in chan byte
}

func newConsoleSink() *consoleSink {
	return &consoleSink{in: make(chan byte, 4096)}
}

// InputChan is the channel a cmd front end pushes host keystrokes onto.
func (s *consoleSink) InputChan() chan<- byte { return s.in }

func (s *consoleSink) Readable() bool {
	return len(s.in) > 0
}

func (s *consoleSink) Getc() (byte, bool) {
	select {
	case b := <-s.in:
		return b, true
	default:
		return 0, false
	}
}

func (s *consoleSink) Putc(b []byte) {
	os.Stdout.Write(b) //nolint:errcheck // guest console output, best effort
}
