package probe

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFileEvent(t *testing.T) {
	want := NewFileEvent(4242, KindOpen, 7, "/etc/hosts")
	raw, err := want.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, raw, FileEventSize)

	got, err := DecodeFileEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, "/etc/hosts", string(got.PathBytes()))
	assert.False(t, got.Truncated())
}

func TestDecodeShortRecords(t *testing.T) {
	tests := []struct {
		name   string
		decode func([]byte) error
		size   int
	}{
		{
			name:   "file event",
			decode: func(b []byte) error { _, err := DecodeFileEvent(b); return err },
			size:   FileEventSize,
		},
		{
			name:   "process event",
			decode: func(b []byte) error { _, err := DecodeProcessEvent(b); return err },
			size:   ProcessEventSize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, n := range []int{0, 1, tt.size - 1} {
				err := tt.decode(make([]byte, n))
				if !errors.Is(err, ErrShortRecord) {
					t.Errorf("decode(%d bytes) error = %v, want ErrShortRecord", n, err)
				}
			}
			assert.NoError(t, tt.decode(make([]byte, tt.size)))
		})
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	raw, _ := ProcessEvent{PID: 1, Kind: 9}.MarshalBinary()
	_, err := DecodeProcessEvent(raw)
	assert.ErrorIs(t, err, ErrUnknownKind)

	raw, _ = FileEvent{PID: 1, Kind: 2}.MarshalBinary()
	_, err = DecodeFileEvent(raw)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestFileEventTruncation(t *testing.T) {
	long := strings.Repeat("a", 400)
	e := NewFileEvent(1, KindOpen, 3, long)

	assert.Len(t, e.PathBytes(), PathMax-1)
	assert.True(t, e.Truncated())
	assert.Equal(t, byte(0), e.Path[PathMax-1], "terminator must be kept")

	// A buffer without any NUL is returned whole.
	var full FileEvent
	for i := range full.Path {
		full.Path[i] = 'b'
	}
	assert.Len(t, full.PathBytes(), PathMax)
	assert.True(t, full.Truncated())
}

func TestWireRoundTrip(t *testing.T) {
	var noisy FileEvent
	noisy.PID = 1<<63 + 5
	noisy.Kind = KindOpen
	noisy.FD = -13
	// Bytes after the terminator must survive, since the wire keeps the raw buffer.
	copy(noisy.Path[:], "/denied\x00garbage\xff")

	tests := []FileEvent{
		NewFileEvent(1, KindOpen, 3, "/a"),
		NewFileEvent(99, KindClose, 12, ""),
		NewFileEvent(7, KindOpen, 4, strings.Repeat("x", 300)),
		noisy,
	}

	for _, want := range tests {
		line, err := json.Marshal(FromFileEvent(want))
		require.NoError(t, err)

		w, err := ParseLine(line)
		require.NoError(t, err)
		require.True(t, w.IsFile())

		got, err := w.FileEvent()
		require.NoError(t, err)
		assert.Equal(t, want.PID, got.PID)
		assert.Equal(t, want.Kind, got.Kind)
		assert.Equal(t, want.FD, got.FD)
		assert.Equal(t, want.Path, got.Path)
	}
}

func TestWireProcessEvent(t *testing.T) {
	line, err := json.Marshal(FromProcessEvent(ProcessEvent{PID: 31, Kind: KindClose}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"pid":31,"kind":"Close"}`, string(line))

	w, err := ParseLine(line)
	require.NoError(t, err)
	assert.False(t, w.IsFile())

	got, err := w.ProcessEvent()
	require.NoError(t, err)
	assert.Equal(t, ProcessEvent{PID: 31, Kind: KindClose}, got)
}

func TestParseLineErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"not json", `{"pid":`},
		{"unknown kind", `{"pid":1,"kind":"Reopen"}`},
		{"missing kind", `{"pid":1}`},
		{"missing pid", `{"kind":"Open"}`},
		{"fd without path", `{"pid":1,"kind":"Open","fd":3}`},
		{"unknown field", `{"pid":1,"kind":"Open","extra":true}`},
		{"byte overflow", `{"pid":1,"kind":"Open","fd":3,"path":[300]}`},
		{"trailing object", `{"pid":1,"kind":"Open"} {"pid":2,"kind":"Open"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLine([]byte(tt.line))
			assert.Error(t, err)
		})
	}
}
