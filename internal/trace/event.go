package trace

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/majorcontext/fdscope/internal/probe"
	"github.com/majorcontext/fdscope/internal/transport"
)

// ErrInvalidPath is returned for a path that is not valid UTF-8.
var ErrInvalidPath = errors.New("path is not valid UTF-8")

// Kind names an event variant.
type Kind string

const (
	KindFileOpen      Kind = "file_open"
	KindFileOpenFail  Kind = "file_open_fail"
	KindFileClose     Kind = "file_close"
	KindProcessStart  Kind = "process_start"
	KindProcessExit   Kind = "process_exit"
	KindProcessFailed Kind = "process_failed"
)

// Event is one of FileOpen, FileOpenFail, FileClose, ProcessStart,
// ProcessExit or ProcessFailed.
type Event interface {
	Kind() Kind
	isEvent()
}

// FileOpen reports a successful open.
type FileOpen struct {
	PID       uint64
	FD        uint64
	Path      string
	Truncated bool
}

// FileOpenFail reports a failed open. Errno is positive.
type FileOpenFail struct {
	PID       uint64
	Errno     int64
	Path      string
	Truncated bool
}

// FileClose reports a close call.
type FileClose struct {
	PID uint64
	FD  uint64
}

// ProcessStart reports a new child of a traced process.
type ProcessStart struct {
	PID uint64
}

// ProcessExit reports the exit of a traced process.
type ProcessExit struct {
	PID uint64
}

// ProcessFailed reports a fatal transport failure. It is always the last
// event of a trace.
type ProcessFailed struct {
	Err error
}

func (FileOpen) Kind() Kind      { return KindFileOpen }
func (FileOpenFail) Kind() Kind  { return KindFileOpenFail }
func (FileClose) Kind() Kind     { return KindFileClose }
func (ProcessStart) Kind() Kind  { return KindProcessStart }
func (ProcessExit) Kind() Kind   { return KindProcessExit }
func (ProcessFailed) Kind() Kind { return KindProcessFailed }

func (FileOpen) isEvent()      {}
func (FileOpenFail) isEvent()  {}
func (FileClose) isEvent()     {}
func (ProcessStart) isEvent()  {}
func (ProcessExit) isEvent()   {}
func (ProcessFailed) isEvent() {}

// PID returns the process an event belongs to, or 0 for ProcessFailed.
func PID(ev Event) uint64 {
	switch e := ev.(type) {
	case FileOpen:
		return e.PID
	case FileOpenFail:
		return e.PID
	case FileClose:
		return e.PID
	case ProcessStart:
		return e.PID
	case ProcessExit:
		return e.PID
	}
	return 0
}

// FromRecord converts a transport record. Error records and records that
// fail validation become ProcessFailed.
func FromRecord(rec transport.Record) Event {
	switch {
	case rec.Err != nil:
		return ProcessFailed{Err: rec.Err}
	case rec.File != nil:
		ev, err := fromFileEvent(rec.File)
		if err != nil {
			return ProcessFailed{Err: err}
		}
		return ev
	case rec.Process != nil:
		if rec.Process.Kind == probe.KindOpen {
			return ProcessStart{PID: rec.Process.PID}
		}
		return ProcessExit{PID: rec.Process.PID}
	}
	return ProcessFailed{Err: errors.New("empty transport record")}
}

func fromFileEvent(e *probe.FileEvent) (Event, error) {
	if e.Kind == probe.KindClose {
		return FileClose{PID: e.PID, FD: uint64(e.FD)}, nil
	}

	raw := e.PathBytes()
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: pid %d fd %d: %q", ErrInvalidPath, e.PID, e.FD, raw)
	}
	if e.FD < 0 {
		return FileOpenFail{PID: e.PID, Errno: -e.FD, Path: string(raw), Truncated: e.Truncated()}, nil
	}
	return FileOpen{PID: e.PID, FD: uint64(e.FD), Path: string(raw), Truncated: e.Truncated()}, nil
}
