package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"syscall"
	"unicode/utf8"

	"golang.org/x/sys/unix"

	"github.com/majorcontext/fdscope/internal/trace"
	"github.com/majorcontext/fdscope/internal/ui"
)

// eventWidth is the width of the columns before the path: "%7d  %-5s  %-10s  ".
const eventWidth = 7 + 2 + 5 + 2 + 10 + 2

// formatEvent renders ev as one line. Paths are elided to fit width when
// width is positive.
func formatEvent(ev trace.Event, width int) string {
	switch e := ev.(type) {
	case trace.FileOpen:
		return eventLine(e.PID, ui.Green("open "), fmt.Sprintf("fd=%d", e.FD), e.Path, e.Truncated, width)
	case trace.FileOpenFail:
		return eventLine(e.PID, ui.Red("fail "), errnoName(e.Errno), e.Path, e.Truncated, width)
	case trace.FileClose:
		return eventLine(e.PID, ui.Dim("close"), fmt.Sprintf("fd=%d", e.FD), "", false, width)
	case trace.ProcessStart:
		return eventLine(e.PID, ui.Cyan("start"), "", "", false, width)
	case trace.ProcessExit:
		return eventLine(e.PID, ui.Cyan("exit "), "", "", false, width)
	case trace.ProcessFailed:
		return fmt.Sprintf("%7s  %s  %v", "-", ui.Red("error"), e.Err)
	}
	return ""
}

func eventLine(pid uint64, verb, detail, path string, truncated bool, width int) string {
	line := fmt.Sprintf("%7d  %s  %-10s", pid, verb, detail)
	if path == "" {
		return strings.TrimRight(line, " ")
	}
	suffix := ""
	if truncated {
		suffix = " " + ui.Yellow("[truncated]")
	}
	if width > 0 {
		avail := width - eventWidth
		if truncated {
			avail -= utf8.RuneCountInString(" [truncated]")
		}
		path = ui.ElidePath(path, avail)
	}
	return line + "  " + path + suffix
}

func errnoName(errno int64) string {
	if name := unix.ErrnoName(syscall.Errno(errno)); name != "" {
		return name
	}
	return fmt.Sprintf("errno=%d", errno)
}

// jsonEvent is the --json rendering of an event.
type jsonEvent struct {
	Kind      trace.Kind `json:"kind"`
	PID       uint64     `json:"pid,omitempty"`
	FD        *uint64    `json:"fd,omitempty"`
	Errno     int64      `json:"errno,omitempty"`
	Path      string     `json:"path,omitempty"`
	Truncated bool       `json:"truncated,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func toJSONEvent(ev trace.Event) jsonEvent {
	je := jsonEvent{Kind: ev.Kind(), PID: trace.PID(ev)}
	switch e := ev.(type) {
	case trace.FileOpen:
		je.FD, je.Path, je.Truncated = &e.FD, e.Path, e.Truncated
	case trace.FileOpenFail:
		je.Errno, je.Path, je.Truncated = e.Errno, e.Path, e.Truncated
	case trace.FileClose:
		je.FD = &e.FD
	case trace.ProcessFailed:
		if e.Err != nil {
			je.Error = e.Err.Error()
		}
	}
	return je
}

// eventPrinter writes events as text or JSON lines.
type eventPrinter struct {
	w     io.Writer
	json  *json.Encoder
	width int
}

func newEventPrinter(w io.Writer, asJSON bool, width int) *eventPrinter {
	p := &eventPrinter{w: w, width: width}
	if asJSON {
		p.json = json.NewEncoder(w)
	}
	return p
}

func (p *eventPrinter) Print(ev trace.Event) error {
	if p.json != nil {
		return p.json.Encode(toJSONEvent(ev))
	}
	_, err := fmt.Fprintln(p.w, formatEvent(ev, p.width))
	return err
}
