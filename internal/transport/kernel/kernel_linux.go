//go:build linux

package kernel

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/multierr"

	"github.com/majorcontext/fdscope/internal/log"
	"github.com/majorcontext/fdscope/internal/transport"
)

type attachPoint struct {
	program string
	// group is empty for kretprobes.
	group string
	name  string
}

func (a attachPoint) String() string {
	if a.group == "" {
		return "kretprobe/" + a.name
	}
	return "tracepoint/" + a.group + "/" + a.name
}

func (a attachPoint) attach(prog *ebpf.Program) (link.Link, error) {
	if a.group == "" {
		return link.Kretprobe(a.name, prog, nil)
	}
	return link.Tracepoint(a.group, a.name, prog, nil)
}

var attachPoints = []attachPoint{
	{program: "do_sys_openat2", name: "do_sys_openat2"},
	{program: "kernel_clone", name: "kernel_clone"},
	{program: "sys_enter_close", group: "syscalls", name: "sys_enter_close"},
	{program: "sched_process_exit", group: "sched", name: "sched_process_exit"},
}

var streams = []transport.Stream{transport.FileEvents, transport.ProcessEvents}

// Instrumentation is a loaded BPF collection with its links and perf readers.
type Instrumentation struct {
	cfg  Config
	coll *ebpf.Collection

	mu      sync.Mutex
	links   []link.Link
	readers []*perf.Reader

	samples chan transport.Sample
	errs    chan error
	done    chan struct{}
	wg      sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// Open loads the object at cfg.ObjectPath into the kernel. Nothing is
// attached until Attach.
func Open(cfg Config) (*Instrumentation, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock limit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(cfg.ObjectPath)
	if err != nil {
		return nil, fmt.Errorf("loading bpf object %s: %w", cfg.ObjectPath, err)
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{})
	if err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			log.Debug("bpf verifier rejected program", "log", fmt.Sprintf("%+v", ve))
		}
		return nil, fmt.Errorf("loading bpf collection: %w", err)
	}

	required := []string{controlMap}
	for _, s := range streams {
		required = append(required, string(s))
	}
	for _, name := range required {
		if coll.Maps[name] == nil {
			coll.Close()
			return nil, fmt.Errorf("bpf object %s has no map %q", cfg.ObjectPath, name)
		}
	}

	return &Instrumentation{
		cfg:     cfg,
		coll:    coll,
		samples: make(chan transport.Sample),
		errs:    make(chan error, len(streams)),
		done:    make(chan struct{}),
	}, nil
}

// SetRoot writes pid into the control cell.
func (k *Instrumentation) SetRoot(pid uint64) error {
	if err := k.coll.Maps[controlMap].Update(uint32(0), pid, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("updating %s: %w", controlMap, err)
	}
	return nil
}

// Attach opens the perf readers and then attaches every program, so no
// sample emitted after attachment is missed.
func (k *Instrumentation) Attach() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, s := range streams {
		rd, err := perf.NewReader(k.coll.Maps[string(s)], k.cfg.perfPages()*os.Getpagesize())
		if err != nil {
			return fmt.Errorf("opening perf reader for %s: %w", s, err)
		}
		k.readers = append(k.readers, rd)
		k.wg.Add(1)
		go k.read(s, rd)
	}

	for _, ap := range attachPoints {
		prog := k.coll.Programs[ap.program]
		if prog == nil {
			return fmt.Errorf("bpf object %s has no program %q", k.cfg.ObjectPath, ap.program)
		}
		l, err := ap.attach(prog)
		if err != nil {
			return fmt.Errorf("attaching %s: %w", ap, err)
		}
		k.links = append(k.links, l)
		log.Debug("attached bpf program", "program", ap.program, "attach_point", ap.String())
	}
	return nil
}

func (k *Instrumentation) read(s transport.Stream, rd *perf.Reader) {
	defer k.wg.Done()

	for {
		rec, err := rd.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				return
			}
			select {
			case k.errs <- fmt.Errorf("reading %s: %w", s, err):
			case <-k.done:
			}
			return
		}

		sample := transport.Sample{Stream: s, Raw: rec.RawSample, Lost: rec.LostSamples}
		select {
		case k.samples <- sample:
		case <-k.done:
			return
		}
	}
}

// Read returns the next sample from either stream. Samples of one stream are
// returned in the order the kernel produced them.
func (k *Instrumentation) Read() (transport.Sample, error) {
	select {
	case s := <-k.samples:
		return s, nil
	case err := <-k.errs:
		return transport.Sample{}, err
	case <-k.done:
		return transport.Sample{}, transport.ErrClosed
	}
}

// Close detaches all programs, stops the readers and unloads the collection.
func (k *Instrumentation) Close() error {
	k.closeOnce.Do(func() {
		close(k.done)

		k.mu.Lock()
		var err error
		for _, rd := range k.readers {
			err = multierr.Append(err, rd.Close())
		}
		for _, l := range k.links {
			err = multierr.Append(err, l.Close())
		}
		k.mu.Unlock()

		k.wg.Wait()
		k.coll.Close()
		k.closeErr = err
	})
	return k.closeErr
}
