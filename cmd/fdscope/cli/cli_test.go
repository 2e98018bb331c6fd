package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/fdscope/internal/config"
	"github.com/majorcontext/fdscope/internal/process"
	"github.com/majorcontext/fdscope/internal/storage"
	"github.com/majorcontext/fdscope/internal/trace"
	"github.com/majorcontext/fdscope/internal/transport"
	"github.com/majorcontext/fdscope/internal/ui"
)

func TestFormatEvent(t *testing.T) {
	ui.SetColorEnabled(false)

	tests := []struct {
		name string
		ev   trace.Event
		want string
	}{
		{"open", trace.FileOpen{PID: 42, FD: 3, Path: "/etc/hosts"}, "     42  open   fd=3        /etc/hosts"},
		{"open truncated", trace.FileOpen{PID: 42, FD: 3, Path: "/x", Truncated: true}, "     42  open   fd=3        /x [truncated]"},
		{"fail", trace.FileOpenFail{PID: 42, Errno: 2, Path: "/nope"}, "     42  fail   ENOENT      /nope"},
		{"close", trace.FileClose{PID: 42, FD: 3}, "     42  close  fd=3"},
		{"start", trace.ProcessStart{PID: 43}, "     43  start"},
		{"failed", trace.ProcessFailed{Err: errors.New("helper exited")}, "      -  error  helper exited"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatEvent(tt.ev, 0))
		})
	}
}

func TestFormatEventElidesToWidth(t *testing.T) {
	ui.SetColorEnabled(false)

	path := "/usr/share/zoneinfo/America/Argentina/Buenos_Aires"
	line := formatEvent(trace.FileOpen{PID: 1, FD: 4, Path: path}, eventWidth+20)
	assert.Contains(t, line, "…")
	assert.True(t, strings.HasSuffix(line, "Buenos_Aires"), "file name stays visible: %q", line)
}

func TestErrnoName(t *testing.T) {
	assert.Equal(t, "EACCES", errnoName(13))
	assert.Equal(t, "errno=9999", errnoName(9999))
}

func TestEventPrinterJSON(t *testing.T) {
	var buf bytes.Buffer
	p := newEventPrinter(&buf, true, 0)
	require.NoError(t, p.Print(trace.FileOpen{PID: 7, FD: 0, Path: "/dev/null"}))
	require.NoError(t, p.Print(trace.FileOpenFail{PID: 7, Errno: 13, Path: "/root"}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var open map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &open))
	assert.Equal(t, "file_open", open["kind"])
	assert.Equal(t, float64(0), open["fd"], "fd 0 must be present")
	assert.Equal(t, "/dev/null", open["path"])

	var fail map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &fail))
	assert.Equal(t, "file_open_fail", fail["kind"])
	assert.NotContains(t, fail, "fd")
	assert.Equal(t, float64(13), fail["errno"])
}

func TestEntryEvent(t *testing.T) {
	tests := []struct {
		entry storage.Entry
		want  trace.Event
	}{
		{storage.Entry{Kind: trace.KindFileOpen, PID: 1, FD: 3, Path: "/a", Truncated: true}, trace.FileOpen{PID: 1, FD: 3, Path: "/a", Truncated: true}},
		{storage.Entry{Kind: trace.KindFileOpenFail, PID: 1, Errno: 2, Path: "/b"}, trace.FileOpenFail{PID: 1, Errno: 2, Path: "/b"}},
		{storage.Entry{Kind: trace.KindFileClose, PID: 1, FD: 3}, trace.FileClose{PID: 1, FD: 3}},
		{storage.Entry{Kind: trace.KindProcessStart, PID: 2}, trace.ProcessStart{PID: 2}},
		{storage.Entry{Kind: trace.KindProcessExit, PID: 2}, trace.ProcessExit{PID: 2}},
	}
	for _, tt := range tests {
		t.Run(string(tt.entry.Kind), func(t *testing.T) {
			assert.Equal(t, tt.want, entryEvent(tt.entry))
		})
	}

	failed, ok := entryEvent(storage.Entry{Kind: trace.KindProcessFailed, Error: "boom"}).(trace.ProcessFailed)
	require.True(t, ok)
	assert.EqualError(t, failed.Err, "boom")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 3, exitCode(process.ExitStatus{Code: 3}))
	assert.Equal(t, 128+9, exitCode(process.ExitStatus{Code: -1, Signal: "SIGKILL"}))
	assert.Equal(t, 1, exitCode(process.ExitStatus{Code: -1, Signal: "SIGBOGUS"}))
}

func TestSessionStatus(t *testing.T) {
	assert.Equal(t, "exit status 0", sessionStatus(process.ExitStatus{}, true, nil))
	assert.Equal(t, "interrupted", sessionStatus(process.ExitStatus{}, false, nil))
	assert.Equal(t, "trace failed: malformed line", sessionStatus(process.ExitStatus{}, true, errors.New("malformed line")))
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Flags().StringVar(&runFlags.transport, "transport", "", "")
	cmd.Flags().StringVar(&runFlags.listen, "listen", "", "")
	cmd.Flags().StringVar(&runFlags.object, "object", "", "")
	cmd.Flags().StringVar(&runFlags.helper, "helper", "", "")
	cmd.Flags().BoolVar(&runFlags.serverFilter, "server-filter", false, "")
	return cmd
}

func TestApplyRunFlags(t *testing.T) {
	cmd := newRunCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--transport", "local", "--object", "/tmp/x.o"}))

	c := config.Default()
	c.Listen = "127.0.0.1:9000"
	require.NoError(t, applyRunFlags(cmd, c))
	assert.Equal(t, config.TransportLocal, c.Transport)
	assert.Equal(t, "/tmp/x.o", c.BPFObject)
	assert.Equal(t, "127.0.0.1:9000", c.Listen, "unset flags keep config values")

	cmd = newRunCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--transport", "smoke-signals"}))
	assert.Error(t, applyRunFlags(cmd, config.Default()))
}

func TestNewProducer(t *testing.T) {
	c := config.Default()
	c.Probe.Path = "/usr/libexec/fdscope-probe"
	c.Probe.Elevate = []string{"doas"}

	sub, ok := newProducer(c, "/usr/bin/fdscope").(*transport.Subprocess)
	require.True(t, ok)
	assert.Equal(t, "/usr/libexec/fdscope-probe", sub.Path)
	assert.Empty(t, sub.Args)

	c.Transport = config.TransportLocal
	_, ok = newProducer(c, "/usr/bin/fdscope").(*transport.Local)
	assert.True(t, ok)
}

func TestExitError(t *testing.T) {
	var err error = &ExitError{Code: 4}
	var exit *ExitError
	require.True(t, errors.As(err, &exit))
	assert.Equal(t, 4, exit.Code)
	assert.Equal(t, "exit status 4", err.Error())
}
