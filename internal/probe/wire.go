package probe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrSchema is returned for a wire line that does not describe a file or a
// process event.
var ErrSchema = errors.New("unexpected wire schema")

// MarshalJSON encodes k as "Open" or "Close".
func (k Kind) MarshalJSON() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint64(k))
	}
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes "Open" or "Close".
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("kind: %w", err)
	}
	switch s {
	case "Open":
		*k = KindOpen
	case "Close":
		*k = KindClose
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return nil
}

// WireEvent is the JSON projection of a FileEvent or ProcessEvent. FD and
// Path are set only for file events.
type WireEvent struct {
	PID  uint64         `json:"pid"`
	Kind Kind           `json:"kind"`
	FD   *int64         `json:"fd,omitempty"`
	Path *[PathMax]byte `json:"path,omitempty"`
}

// FromFileEvent projects e onto the wire, keeping the full path buffer.
func FromFileEvent(e FileEvent) WireEvent {
	fd := e.FD
	path := e.Path
	return WireEvent{PID: e.PID, Kind: e.Kind, FD: &fd, Path: &path}
}

// FromProcessEvent projects e onto the wire.
func FromProcessEvent(e ProcessEvent) WireEvent {
	return WireEvent{PID: e.PID, Kind: e.Kind}
}

// IsFile reports whether w carries a file event.
func (w WireEvent) IsFile() bool {
	return w.FD != nil
}

// FileEvent converts w back to its binary form.
func (w WireEvent) FileEvent() (FileEvent, error) {
	if w.FD == nil || w.Path == nil {
		return FileEvent{}, fmt.Errorf("%w: file event needs fd and path", ErrSchema)
	}
	return FileEvent{PID: w.PID, Kind: w.Kind, FD: *w.FD, Path: *w.Path}, nil
}

// ProcessEvent converts w back to its binary form.
func (w WireEvent) ProcessEvent() (ProcessEvent, error) {
	if w.FD != nil || w.Path != nil {
		return ProcessEvent{}, fmt.Errorf("%w: process event carries file fields", ErrSchema)
	}
	return ProcessEvent{PID: w.PID, Kind: w.Kind}, nil
}

// wireLine mirrors WireEvent with every field optional so presence can be
// checked before trusting zero values.
type wireLine struct {
	PID  *uint64        `json:"pid"`
	Kind *Kind          `json:"kind"`
	FD   *int64         `json:"fd"`
	Path *[PathMax]byte `json:"path"`
}

// ParseLine decodes one line of helper output. Unknown fields, a missing pid
// or kind, and a file event missing either fd or path are schema errors.
func ParseLine(line []byte) (WireEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()

	var l wireLine
	if err := dec.Decode(&l); err != nil {
		return WireEvent{}, fmt.Errorf("decoding wire event: %w", err)
	}
	if dec.More() {
		return WireEvent{}, fmt.Errorf("%w: trailing data after object", ErrSchema)
	}
	if l.PID == nil || l.Kind == nil {
		return WireEvent{}, fmt.Errorf("%w: pid and kind are required", ErrSchema)
	}
	if (l.FD == nil) != (l.Path == nil) {
		return WireEvent{}, fmt.Errorf("%w: fd and path must appear together", ErrSchema)
	}
	return WireEvent{PID: *l.PID, Kind: *l.Kind, FD: l.FD, Path: l.Path}, nil
}
