// Package process supervises a traced target: it launches the target under
// the suspension wrapper, wires the producer to the correlation engine and
// watches for the target's exit.
package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/majorcontext/fdscope/internal/gate"
	"github.com/majorcontext/fdscope/internal/log"
	"github.com/majorcontext/fdscope/internal/metrics"
	"github.com/majorcontext/fdscope/internal/registry"
	"github.com/majorcontext/fdscope/internal/trace"
	"github.com/majorcontext/fdscope/internal/transport"
)

// Defaults for Options.
const (
	DefaultChannelSize         = 4096
	DefaultPollInterval        = 100 * time.Millisecond
	DefaultDrainTimeout        = 250 * time.Millisecond
	DefaultRendezvousWarnAfter = 10 * time.Second
)

// Options configures a Supervisor.
type Options struct {
	Command  []string
	Launcher Launcher
	Producer transport.Producer
	// ProducerName describes the producer in the Running state.
	ProducerName string

	// Filter enables filtering in the engine against the registry rooted at
	// the target.
	Filter bool
	// NoStream disables event forwarding. Events are still applied.
	NoStream bool

	ChannelSize         int
	PollInterval        time.Duration
	DrainTimeout        time.Duration
	RendezvousWarnAfter time.Duration
}

func (o *Options) applyDefaults() {
	if o.ChannelSize <= 0 {
		o.ChannelSize = DefaultChannelSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	if o.RendezvousWarnAfter <= 0 {
		o.RendezvousWarnAfter = DefaultRendezvousWarnAfter
	}
}

// Supervisor coordinates the target, the producer and the consumer.
type Supervisor struct {
	opts   Options
	engine *trace.Engine
	// traced mirrors the kernel's traced set so that overflow is seen even
	// when the engine does not filter.
	traced *registry.Set

	state   atomic.Pointer[holder]
	spawned atomic.Bool

	cancel    context.CancelFunc
	events    chan trace.Event
	stream    *trace.Stream
	firstRec  chan struct{}
	firstOnce sync.Once
	ended     chan struct{}
	done      chan struct{}
}

// New creates a supervisor in the NotStarted state.
func New(opts Options) *Supervisor {
	opts.applyDefaults()

	s := &Supervisor{
		opts:     opts,
		firstRec: make(chan struct{}),
		ended:    make(chan struct{}),
		done:     make(chan struct{}),
	}

	s.traced = registry.New()
	s.traced.OnOverflow(func(pid uint64) {
		metrics.RegistryOverflow.Inc()
		log.Warn("traced process registry full, child not traced", "pid", pid)
	})
	engineOpts := trace.EngineOptions{}
	if opts.Filter {
		engineOpts.Filter = s.traced
	}
	s.engine = trace.NewEngine(engineOpts)

	if !opts.NoStream {
		s.events = make(chan trace.Event, opts.ChannelSize)
		s.stream = trace.NewStream(s.events)
	}

	s.state.Store(&holder{detail: NotStarted{Command: opts.Command}})
	return s
}

// Spawn launches the target and starts tracing it. It may be called once;
// a second call panics. A launch failure is returned and leaves the
// supervisor NotStarted. Cancelling ctx stops the producer.
func (s *Supervisor) Spawn(ctx context.Context) error {
	if !s.spawned.CompareAndSwap(false, true) {
		panic("process: Spawn called more than once")
	}

	cmd, pipes, err := s.launch()
	if err != nil {
		s.spawned.Store(false)
		return err
	}
	pid := cmd.Process.Pid
	log.Info("target started", "pid", pid, "command", s.opts.Command, "producer", s.opts.ProducerName)

	s.traced.SetRoot(uint64(pid))

	pctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	records := make(chan transport.Record, s.opts.ChannelSize)
	target := transport.Target{PID: uint64(pid), Gate: pipes}

	s.state.Store(&holder{detail: Running{PID: pid, Producer: s.opts.ProducerName}})

	go func() {
		err := transport.Drive(pctx, s.opts.Producer, target, records)
		if err != nil && pctx.Err() == nil {
			log.Error("producer failed", "pid", pid, "error", err)
		}
		// Nobody can release the target any more; a suspended wrapper sees
		// EOF and exits.
		pipes.Close()
	}()
	go s.consume(records)
	go s.watchRendezvous(pid, pipes)
	go s.watch(cmd)

	return nil
}

func (s *Supervisor) launch() (*exec.Cmd, *gate.Pipes, error) {
	if len(s.opts.Command) == 0 {
		return nil, nil, errors.New("launching wrapper: empty command")
	}

	pipes, err := gate.NewPipes()
	if err != nil {
		return nil, nil, fmt.Errorf("launching wrapper: %w", err)
	}

	cmd := s.opts.Launcher(s.opts.Command)
	cmd.ExtraFiles = pipes.ChildFiles()
	if err := cmd.Start(); err != nil {
		pipes.AfterStart()
		pipes.Close()
		return nil, nil, fmt.Errorf("launching wrapper: %w", err)
	}
	pipes.AfterStart()

	if err := pipes.WaitReady(); err != nil {
		pipes.Close()
		reap(cmd)
		return nil, nil, fmt.Errorf("launching wrapper: %w", err)
	}
	return cmd, pipes, nil
}

func reap(cmd *exec.Cmd) {
	if err := cmd.Wait(); err != nil {
		log.Debug("wrapper exited before becoming ready", "error", err)
	}
}

// consume converts records, applies them and forwards them to the stream.
// After a ProcessFailed it stops the producer and drains what is left.
func (s *Supervisor) consume(records <-chan transport.Record) {
	defer close(s.done)
	if s.events != nil {
		defer close(s.events)
	}

	failed := false
	for rec := range records {
		s.firstOnce.Do(func() { close(s.firstRec) })
		if failed {
			continue
		}

		ev := trace.FromRecord(rec)
		if !s.opts.Filter {
			s.mirror(ev)
		}
		s.engine.Apply(ev)
		if s.events != nil {
			s.events <- ev
		}

		if pf, ok := ev.(trace.ProcessFailed); ok {
			failed = true
			log.Error("trace failed", "error", pf.Err)
			s.cancel()
		}
	}
}

// mirror keeps the traced set current when the engine is not doing it.
func (s *Supervisor) mirror(ev trace.Event) {
	switch ev := ev.(type) {
	case trace.ProcessStart:
		s.traced.AddChild(ev.PID)
	case trace.ProcessExit:
		s.traced.Remove(ev.PID)
	}
}

// watch polls for the target's exit without reaping anything else.
func (s *Supervisor) watch(cmd *exec.Cmd) {
	pid := cmd.Process.Pid
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	var status ExitStatus
	for {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			log.Error("waiting for target", "pid", pid, "error", err)
			status = ExitStatus{Code: -1}
			break
		}
		if wpid == pid {
			status = exitStatus(ws)
			break
		}
		<-ticker.C
	}

	cmd.Process.Release()

	s.state.Store(&holder{detail: Ended{Status: status}})
	close(s.ended)
	log.Info("target exited", "pid", pid, "status", status.String())

	timer := time.NewTimer(s.opts.DrainTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.done:
	}
	s.cancel()
}

// watchRendezvous reports a target that stays suspended. The wait itself is
// never abandoned.
func (s *Supervisor) watchRendezvous(pid int, pipes *gate.Pipes) {
	timer := time.NewTimer(s.opts.RendezvousWarnAfter)
	defer timer.Stop()

	select {
	case <-pipes.Released():
	case <-s.firstRec:
	case <-s.ended:
	case <-timer.C:
		log.Error("target still suspended: producer has not released it",
			"pid", pid,
			"waited", s.opts.RendezvousWarnAfter)
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return s.state.Load().detail.State()
}

// Detail returns the current lifecycle state with its data.
func (s *Supervisor) Detail() Detail {
	return s.state.Load().detail
}

// Files returns a snapshot of the open files of every traced process.
func (s *Supervisor) Files() map[uint64][]trace.File {
	return s.engine.SnapshotAll()
}

// Stats returns the correlation engine counters.
func (s *Supervisor) Stats() trace.Stats {
	return s.engine.Stats()
}

// Err returns the transport failure that ended the trace, if any.
func (s *Supervisor) Err() error {
	return s.engine.Err()
}

// Events returns the event stream, or nil when Options.NoStream is set. The
// stream must be read: the consumer blocks while it is full.
func (s *Supervisor) Events() *trace.Stream {
	return s.stream
}

// Done is closed once the producer has stopped and every record has been
// applied.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Ended is closed once the target has exited.
func (s *Supervisor) Ended() <-chan struct{} {
	return s.ended
}
