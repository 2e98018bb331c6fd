package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/majorcontext/fdscope/internal/log"
	"github.com/majorcontext/fdscope/internal/metrics"
)

// dropWarnEvery limits the drop warning to the first drop and every Nth one
// after it.
const dropWarnEvery = 1000

// Local reads instrumentation in this process.
type Local struct {
	// Open creates the instrumentation. It is called once per Run.
	Open func() (Instrumentation, error)
}

// Run registers the target, attaches, releases the target and forwards
// samples until ctx is cancelled or the instrumentation closes. Delivery never
// blocks: when out is full the record is dropped and counted.
func (l *Local) Run(ctx context.Context, target Target, out chan<- Record) error {
	inst, err := l.Open()
	if err != nil {
		return fmt.Errorf("opening instrumentation: %w", err)
	}
	defer inst.Close()

	var dropped uint64
	err = pump(ctx, inst, target, func(rec Record) error {
		select {
		case out <- rec:
		default:
			dropped++
			metrics.EventsDropped.Inc()
			if dropped%dropWarnEvery == 1 {
				log.Warn("consumer channel full, dropping records",
					"target_pid", target.PID,
					"dropped", dropped)
			}
		}
		return nil
	})
	if dropped > 0 {
		log.Debug("local producer stopped", "dropped_records", dropped)
	}
	return err
}

// pump performs the startup sequence on inst and then feeds every decoded
// sample to emit. It returns nil when ctx is cancelled or the instrumentation
// is closed, and the first decode, read or emit error otherwise.
func pump(ctx context.Context, inst Instrumentation, target Target, emit func(Record) error) error {
	if err := inst.SetRoot(target.PID); err != nil {
		return fmt.Errorf("registering pid %d: %w", target.PID, err)
	}
	if err := inst.Attach(); err != nil {
		return fmt.Errorf("attaching instrumentation: %w", err)
	}
	if target.Gate != nil {
		if err := target.Gate.Release(); err != nil {
			return fmt.Errorf("releasing target: %w", err)
		}
	}
	log.Debug("instrumentation attached, target released", "target_pid", target.PID)

	stop := context.AfterFunc(ctx, func() { inst.Close() })
	defer stop()

	for {
		s, err := inst.Read()
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading instrumentation: %w", err)
		}
		if s.Lost > 0 {
			metrics.LostSamples.Add(float64(s.Lost))
			log.Warn("instrumentation lost samples", "stream", s.Stream, "lost", s.Lost)
			continue
		}

		rec, err := Decode(s)
		if err != nil {
			return err
		}
		if err := emit(rec); err != nil {
			return err
		}
	}
}
