package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/majorcontext/fdscope/internal/gate"
	"github.com/majorcontext/fdscope/internal/log"
	"github.com/majorcontext/fdscope/internal/probe"
)

// rootExitGrace is how long Serve keeps reading after the root's exit record.
// The two streams are read independently, so file records the root emitted
// before exiting can arrive after its exit record.
var rootExitGrace = 250 * time.Millisecond

// Serve is the probe helper's loop. It runs the in-process startup sequence
// on inst and writes every record to w as one JSON line, flushed per event.
// It returns nil when ctx is cancelled or rootExitGrace after the root
// process exits. Serve closes inst before returning.
func Serve(ctx context.Context, inst Instrumentation, pid uint64, release gate.Releaser, w io.Writer) error {
	defer inst.Close()

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	var stop *time.Timer
	defer func() {
		if stop != nil {
			stop.Stop()
		}
	}()

	return pump(ctx, inst, Target{PID: pid, Gate: release}, func(rec Record) error {
		var ev probe.WireEvent
		switch {
		case rec.File != nil:
			ev = probe.FromFileEvent(*rec.File)
		case rec.Process != nil:
			ev = probe.FromProcessEvent(*rec.Process)
		default:
			return nil
		}
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("writing event: %w", err)
		}
		if err := bw.Flush(); err != nil {
			return fmt.Errorf("flushing event: %w", err)
		}
		if stop == nil && rec.Process != nil && rec.Process.Kind == probe.KindClose && rec.Process.PID == pid {
			log.Debug("root process exited, draining", "target_pid", pid, "grace", rootExitGrace)
			stop = time.AfterFunc(rootExitGrace, func() { inst.Close() })
		}
		return nil
	})
}
