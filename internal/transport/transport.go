// Package transport moves raw instrumentation records from a producer to the
// consumer.
//
// Two producers exist. Local reads the kernel perf buffers in this process
// and needs elevated privilege. Subprocess runs a privileged helper (normally
// "fdscope _probe") and decodes its stdout, one JSON WireEvent per line. Both
// follow the same startup order: register the target PID, attach
// instrumentation, release the target from its wrapper, then read.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/majorcontext/fdscope/internal/gate"
	"github.com/majorcontext/fdscope/internal/probe"
)

// Stream names an instrumentation output stream.
type Stream string

// Streams defined by the instrumentation object.
const (
	FileEvents    Stream = "file_events"
	ProcessEvents Stream = "process_events"
)

var (
	// ErrClosed is returned by Instrumentation.Read after Close.
	ErrClosed = errors.New("instrumentation closed")

	// ErrHelperFailed is returned when the probe helper exits unsuccessfully.
	ErrHelperFailed = errors.New("probe helper failed")
)

// Sample is one raw record read from an instrumentation stream. A sample with
// Lost > 0 carries no data and reports how many records the kernel dropped.
type Sample struct {
	Stream Stream
	Raw    []byte
	Lost   uint64
}

// Instrumentation is the kernel side seen from user space.
type Instrumentation interface {
	// SetRoot writes the root PID into the control cell.
	SetRoot(pid uint64) error
	// Attach attaches every instrumentation point.
	Attach() error
	// Read blocks for the next sample. It returns ErrClosed after Close.
	Read() (Sample, error)
	// Close detaches and releases all resources. It is safe to call more
	// than once and unblocks a pending Read.
	Close() error
}

// Record is one item on the producer channel: exactly one of File, Process
// or Err is set. A record with Err is the last one on the channel.
type Record struct {
	File    *probe.FileEvent
	Process *probe.ProcessEvent
	Err     error
}

// Target identifies the suspended process to instrument and how to let it
// continue.
type Target struct {
	PID  uint64
	Gate gate.Releaser
}

// Producer emits records for a target. Run blocks until ctx is cancelled, the
// event source ends, or a fatal error occurs. Run does not close out.
type Producer interface {
	Run(ctx context.Context, target Target, out chan<- Record) error
}

// Drive runs p and closes out when it returns. A failure that is not caused
// by cancellation is delivered as a final error record before the close.
func Drive(ctx context.Context, p Producer, target Target, out chan<- Record) error {
	defer close(out)

	err := p.Run(ctx, target, out)
	if err != nil && ctx.Err() == nil {
		out <- Record{Err: err}
	}
	return err
}

// Decode converts a sample into a record. Short or malformed samples are
// fatal to the trace.
func Decode(s Sample) (Record, error) {
	switch s.Stream {
	case FileEvents:
		ev, err := probe.DecodeFileEvent(s.Raw)
		if err != nil {
			return Record{}, fmt.Errorf("decoding %s sample: %w", s.Stream, err)
		}
		return Record{File: &ev}, nil
	case ProcessEvents:
		ev, err := probe.DecodeProcessEvent(s.Raw)
		if err != nil {
			return Record{}, fmt.Errorf("decoding %s sample: %w", s.Stream, err)
		}
		return Record{Process: &ev}, nil
	default:
		return Record{}, fmt.Errorf("sample from unknown stream %q", s.Stream)
	}
}
