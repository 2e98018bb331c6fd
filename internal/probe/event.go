package probe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// PathMax is the size of the path buffer in a FileEvent. The kernel limit is
// 4096 but the instrumentation keeps the record small enough for the BPF stack.
const PathMax = 256

const (
	// FileEventSize is the byte length of an encoded FileEvent.
	FileEventSize = 8 + 8 + 8 + PathMax

	// ProcessEventSize is the byte length of an encoded ProcessEvent.
	ProcessEventSize = 8 + 8
)

var (
	// ErrShortRecord is returned when a sample is smaller than the layout it
	// is decoded into.
	ErrShortRecord = errors.New("short record")

	// ErrUnknownKind is returned for a kind value other than Open or Close.
	ErrUnknownKind = errors.New("unknown event kind")
)

// Kind tells whether a record describes an open or a close. For process
// events Open means the process started and Close means it exited.
type Kind uint64

const (
	KindOpen  Kind = 0
	KindClose Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "Open"
	case KindClose:
		return "Close"
	default:
		return fmt.Sprintf("Kind(%d)", uint64(k))
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindOpen || k == KindClose
}

// FileEvent is emitted on the file_events stream for every traced openat
// return and close entry. FD is the syscall result for opens, negative on
// failure (the negated errno).
type FileEvent struct {
	PID  uint64
	Kind Kind
	FD   int64
	Path [PathMax]byte
}

// ProcessEvent is emitted on the process_events stream when a traced process
// spawns a child (Open, PID of the child) or exits (Close).
type ProcessEvent struct {
	PID  uint64
	Kind Kind
}

// NewFileEvent builds a FileEvent, truncating path the same way the
// instrumentation does: at most PathMax-1 bytes followed by a NUL.
func NewFileEvent(pid uint64, kind Kind, fd int64, path string) FileEvent {
	e := FileEvent{PID: pid, Kind: kind, FD: fd}
	copy(e.Path[:PathMax-1], path)
	return e
}

// PathBytes returns the path up to the first NUL.
func (e *FileEvent) PathBytes() []byte {
	if i := bytes.IndexByte(e.Path[:], 0); i >= 0 {
		return e.Path[:i]
	}
	return e.Path[:]
}

// Truncated reports whether the path may have been cut at PathMax. The
// kernel copy always reserves a byte for the terminator, so a path that fills
// the buffer is indistinguishable from a truncated one.
func (e *FileEvent) Truncated() bool {
	return len(e.PathBytes()) >= PathMax-1
}

// DecodeFileEvent parses a raw file_events sample.
func DecodeFileEvent(raw []byte) (FileEvent, error) {
	if len(raw) < FileEventSize {
		return FileEvent{}, fmt.Errorf("file event: %w: got=%d want>=%d", ErrShortRecord, len(raw), FileEventSize)
	}
	var e FileEvent
	e.PID = binary.NativeEndian.Uint64(raw[0:8])
	e.Kind = Kind(binary.NativeEndian.Uint64(raw[8:16]))
	e.FD = int64(binary.NativeEndian.Uint64(raw[16:24]))
	copy(e.Path[:], raw[24:FileEventSize])
	if !e.Kind.Valid() {
		return FileEvent{}, fmt.Errorf("file event: %w: %d", ErrUnknownKind, uint64(e.Kind))
	}
	return e, nil
}

// MarshalBinary encodes e in the instrumentation layout.
func (e FileEvent) MarshalBinary() ([]byte, error) {
	buf := make([]byte, FileEventSize)
	binary.NativeEndian.PutUint64(buf[0:8], e.PID)
	binary.NativeEndian.PutUint64(buf[8:16], uint64(e.Kind))
	binary.NativeEndian.PutUint64(buf[16:24], uint64(e.FD))
	copy(buf[24:], e.Path[:])
	return buf, nil
}

// DecodeProcessEvent parses a raw process_events sample.
func DecodeProcessEvent(raw []byte) (ProcessEvent, error) {
	if len(raw) < ProcessEventSize {
		return ProcessEvent{}, fmt.Errorf("process event: %w: got=%d want>=%d", ErrShortRecord, len(raw), ProcessEventSize)
	}
	e := ProcessEvent{
		PID:  binary.NativeEndian.Uint64(raw[0:8]),
		Kind: Kind(binary.NativeEndian.Uint64(raw[8:16])),
	}
	if !e.Kind.Valid() {
		return ProcessEvent{}, fmt.Errorf("process event: %w: %d", ErrUnknownKind, uint64(e.Kind))
	}
	return e, nil
}

// MarshalBinary encodes e in the instrumentation layout.
func (e ProcessEvent) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ProcessEventSize)
	binary.NativeEndian.PutUint64(buf[0:8], e.PID)
	binary.NativeEndian.PutUint64(buf[8:16], uint64(e.Kind))
	return buf, nil
}
