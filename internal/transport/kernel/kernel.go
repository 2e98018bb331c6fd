// Package kernel loads the pre-compiled BPF object and exposes it as a
// transport.Instrumentation.
//
// The object must define:
//
//   - pid_to_trace: array map, key 0 holds the root PID (u64)
//   - file_events, process_events: perf event arrays
//   - do_sys_openat2, kernel_clone: kretprobe programs
//   - sys_enter_close: syscalls tracepoint program
//   - sched_process_exit: sched tracepoint program
//
// The object keeps its own children table: kernel_clone adds the new child of
// a traced process and emits an Open process event carrying the child PID,
// sched_process_exit removes a traced process and emits a Close process
// event.
package kernel

import "errors"

const (
	// DefaultPerfPages is the per-CPU perf buffer size in pages.
	DefaultPerfPages = 64

	controlMap = "pid_to_trace"
)

// ErrUnsupported is returned by Open on platforms without BPF.
var ErrUnsupported = errors.New("kernel instrumentation requires linux")

// Config locates the BPF object and sizes its buffers.
type Config struct {
	ObjectPath string
	// PerfPages is the per-CPU buffer size in pages. Zero means
	// DefaultPerfPages.
	PerfPages int
}

func (c Config) perfPages() int {
	if c.PerfPages <= 0 {
		return DefaultPerfPages
	}
	return c.PerfPages
}
