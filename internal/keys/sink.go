package keys

import (
	"errors"
	"fmt"
	"io"

	"github.com/cochaviz/tunnelbed/internal/errdefs"
)

// Sink is a destination for binary key material. Interactive reports whether
// a person is reading the output, in which case nothing is written.
type Sink interface {
	io.Writer
	Interactive() bool
}

type sink struct {
	io.Writer
	interactive bool
}

func (s sink) Interactive() bool { return s.interactive }

// NewSink wraps w. The caller decides whether w is interactive; the CLI does
// so with a terminal check on the file descriptor.
func NewSink(w io.Writer, interactive bool) Sink {
	return sink{Writer: w, interactive: interactive}
}

var errInteractiveSink = errors.New("refusing to write binary key material to a terminal; redirect output to a file or pipe")

func requireNonInteractive(s Sink) error {
	if s == nil {
		return fmt.Errorf("%w: no output sink", errdefs.ErrIO)
	}
	if s.Interactive() {
		return fmt.Errorf("%w: %v", errdefs.ErrIO, errInteractiveSink)
	}
	return nil
}

func write(s Sink, b []byte) error {
	n, err := s.Write(b)
	if err != nil {
		return fmt.Errorf("%w: write key material: %v", errdefs.ErrIO, err)
	}
	if n != len(b) {
		return fmt.Errorf("%w: short write (%d of %d bytes)", errdefs.ErrIO, n, len(b))
	}
	return nil
}
