//go:build !linux

package kernel

import "github.com/majorcontext/fdscope/internal/transport"

// Instrumentation is unavailable on this platform.
type Instrumentation struct{}

// Open always fails with ErrUnsupported.
func Open(Config) (*Instrumentation, error) {
	return nil, ErrUnsupported
}

func (*Instrumentation) SetRoot(uint64) error { return ErrUnsupported }

func (*Instrumentation) Attach() error { return ErrUnsupported }

func (*Instrumentation) Read() (transport.Sample, error) {
	return transport.Sample{}, transport.ErrClosed
}

func (*Instrumentation) Close() error { return nil }
