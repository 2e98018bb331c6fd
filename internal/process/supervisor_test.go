package process

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/fdscope/internal/gate"
	"github.com/majorcontext/fdscope/internal/metrics"
	"github.com/majorcontext/fdscope/internal/probe"
	"github.com/majorcontext/fdscope/internal/registry"
	"github.com/majorcontext/fdscope/internal/trace"
	"github.com/majorcontext/fdscope/internal/transport"
)

// wrapperScript behaves like the wrapper: report ready, wait for the release
// byte, then run the "target", which exits 3. EOF without a release exits 9.
const wrapperScript = `printf r >&4; exec 4>&-; [ -n "$(head -c 1 <&3)" ] || exit 9; exit 3`

func shLauncher(script string) Launcher {
	return func([]string) *exec.Cmd {
		return exec.Command("/bin/sh", "-c", script)
	}
}

// scriptedProducer optionally releases the target, sends its records and
// then either fails or waits for cancellation.
type scriptedProducer struct {
	release bool
	records func(pid uint64) []transport.Record
	err     error
}

func (p *scriptedProducer) Run(ctx context.Context, target transport.Target, out chan<- transport.Record) error {
	if p.release {
		if err := target.Gate.Release(); err != nil {
			return err
		}
	}
	if p.records != nil {
		for _, rec := range p.records(target.PID) {
			select {
			case out <- rec:
			case <-ctx.Done():
				return nil
			}
		}
	}
	if p.err != nil {
		return p.err
	}
	<-ctx.Done()
	return nil
}

func fileRec(pid uint64, kind probe.Kind, fd int64, path string) transport.Record {
	ev := probe.NewFileEvent(pid, kind, fd, path)
	return transport.Record{File: &ev}
}

func testOptions(script string, p transport.Producer) Options {
	return Options{
		Command:      []string{"target"},
		Launcher:     shLauncher(script),
		Producer:     p,
		ProducerName: "scripted",
		PollInterval: 10 * time.Millisecond,
		DrainTimeout: 50 * time.Millisecond,
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestSupervisorLifecycle(t *testing.T) {
	p := &scriptedProducer{
		release: true,
		records: func(pid uint64) []transport.Record {
			return []transport.Record{
				fileRec(pid, probe.KindOpen, 3, "/etc/hosts"),
				fileRec(pid, probe.KindOpen, 4, "/tmp/scratch"),
				fileRec(pid, probe.KindClose, 4, ""),
			}
		},
	}
	s := New(testOptions(wrapperScript, p))

	require.Equal(t, StateNotStarted, s.State())
	assert.Equal(t, NotStarted{Command: []string{"target"}}, s.Detail())

	require.NoError(t, s.Spawn(context.Background()))
	running, ok := s.Detail().(Running)
	require.True(t, ok, "got %T", s.Detail())
	assert.Positive(t, running.PID)
	assert.Equal(t, "scripted", running.Producer)

	var kinds []trace.Kind
	for ev := range s.Events().All() {
		kinds = append(kinds, ev.Kind())
	}
	assert.Equal(t, []trace.Kind{trace.KindFileOpen, trace.KindFileOpen, trace.KindFileClose}, kinds)

	waitClosed(t, s.Done(), "consumer")
	require.Equal(t, StateEnded, s.State())
	assert.Equal(t, Ended{Status: ExitStatus{Code: 3}}, s.Detail())

	pid := uint64(running.PID)
	assert.Equal(t, map[uint64][]trace.File{
		pid: {{FD: 3, Path: "/etc/hosts"}},
	}, s.Files())
	assert.NoError(t, s.Err())
	assert.Equal(t, uint64(3), s.Stats().Applied)
}

func TestSupervisorProducerFailure(t *testing.T) {
	failure := errors.New("probe helper failed: permission denied")
	s := New(testOptions(wrapperScript, &scriptedProducer{err: failure}))
	require.NoError(t, s.Spawn(context.Background()))

	var last trace.Event
	for ev := range s.Events().All() {
		last = ev
	}
	require.IsType(t, trace.ProcessFailed{}, last)
	assert.ErrorIs(t, s.Events().Err(), failure)
	assert.ErrorIs(t, s.Err(), failure)

	// The target was never released: closing the pipes abandons it.
	waitClosed(t, s.Ended(), "target exit")
	assert.Equal(t, Ended{Status: ExitStatus{Code: 9}}, s.Detail())
}

func TestSupervisorStopsApplyingAfterFailure(t *testing.T) {
	p := &scriptedProducer{
		release: true,
		records: func(pid uint64) []transport.Record {
			return []transport.Record{
				fileRec(pid, probe.KindOpen, 3, "/kept"),
				{Err: errors.New("malformed helper line")},
				fileRec(pid, probe.KindOpen, 4, "/dropped"),
			}
		},
	}
	s := New(testOptions(wrapperScript, p))
	require.NoError(t, s.Spawn(context.Background()))

	var kinds []trace.Kind
	for ev := range s.Events().All() {
		kinds = append(kinds, ev.Kind())
	}
	assert.Equal(t, []trace.Kind{trace.KindFileOpen, trace.KindProcessFailed}, kinds)

	waitClosed(t, s.Done(), "consumer")
	for _, files := range s.Files() {
		assert.Equal(t, []trace.File{{FD: 3, Path: "/kept"}}, files)
	}
}

func TestSupervisorKilledBySignal(t *testing.T) {
	script := `printf r >&4; exec 4>&-; head -c 1 <&3 >/dev/null; kill -9 $$`
	opts := testOptions(script, &scriptedProducer{release: true})
	opts.NoStream = true
	s := New(opts)
	require.NoError(t, s.Spawn(context.Background()))

	waitClosed(t, s.Done(), "consumer")
	ended, ok := s.Detail().(Ended)
	require.True(t, ok)
	assert.Equal(t, "SIGKILL", ended.Status.Signal)
	assert.False(t, ended.Status.Success())
	assert.Equal(t, "killed by SIGKILL", ended.Status.String())
}

func TestSupervisorLaunchFailure(t *testing.T) {
	opts := testOptions("", &scriptedProducer{})
	opts.Launcher = func([]string) *exec.Cmd {
		return exec.Command("/nonexistent/fdscope")
	}
	s := New(opts)

	err := s.Spawn(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "launching wrapper")
	assert.Equal(t, StateNotStarted, s.State())

	// A failed launch does not consume the single Spawn.
	assert.NotPanics(t, func() { _ = s.Spawn(context.Background()) })
}

func TestSupervisorWrapperNeverReady(t *testing.T) {
	s := New(testOptions("exit 1", &scriptedProducer{}))

	err := s.Spawn(context.Background())
	require.ErrorIs(t, err, gate.ErrNotReady)
	assert.Equal(t, StateNotStarted, s.State())
}

func TestSupervisorSpawnTwicePanics(t *testing.T) {
	opts := testOptions(wrapperScript, &scriptedProducer{release: true})
	opts.NoStream = true
	s := New(opts)
	require.NoError(t, s.Spawn(context.Background()))

	assert.Panics(t, func() { _ = s.Spawn(context.Background()) })
	waitClosed(t, s.Done(), "consumer")
}

func TestSupervisorNoStream(t *testing.T) {
	opts := testOptions(wrapperScript, &scriptedProducer{
		release: true,
		records: func(pid uint64) []transport.Record {
			return []transport.Record{fileRec(pid, probe.KindOpen, 5, "/x")}
		},
	})
	opts.NoStream = true
	s := New(opts)
	assert.Nil(t, s.Events())

	require.NoError(t, s.Spawn(context.Background()))
	waitClosed(t, s.Done(), "consumer")
	assert.Len(t, s.Files(), 1)
}

func TestSupervisorFilter(t *testing.T) {
	opts := testOptions(wrapperScript, &scriptedProducer{
		release: true,
		records: func(pid uint64) []transport.Record {
			return []transport.Record{
				fileRec(pid, probe.KindOpen, 3, "/mine"),
				fileRec(pid+100000, probe.KindOpen, 3, "/stranger"),
			}
		},
	})
	opts.Filter = true
	opts.NoStream = true
	s := New(opts)

	require.NoError(t, s.Spawn(context.Background()))
	waitClosed(t, s.Done(), "consumer")

	files := s.Files()
	require.Len(t, files, 1)
	for _, f := range files {
		assert.Equal(t, []trace.File{{FD: 3, Path: "/mine"}}, f)
	}
	assert.Equal(t, uint64(1), s.Stats().Discarded)
}

func TestSupervisorCountsRegistryOverflowWithoutFilter(t *testing.T) {
	before := testutil.ToFloat64(metrics.RegistryOverflow)
	opts := testOptions(wrapperScript, &scriptedProducer{
		release: true,
		records: func(pid uint64) []transport.Record {
			recs := make([]transport.Record, 0, registry.MaxChildren+1)
			for i := uint64(1); i <= registry.MaxChildren+1; i++ {
				recs = append(recs, transport.Record{Process: &probe.ProcessEvent{PID: pid + i, Kind: probe.KindOpen}})
			}
			return recs
		},
	})
	opts.NoStream = true
	s := New(opts)

	require.NoError(t, s.Spawn(context.Background()))
	waitClosed(t, s.Done(), "consumer")

	assert.Equal(t, uint64(1), s.traced.Overflows())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RegistryOverflow))
	assert.Zero(t, s.Stats().Discarded, "without filtering nothing is discarded")
}

func TestSupervisorCancel(t *testing.T) {
	// The target never exits on its own; cancelling stops the producer.
	script := `printf r >&4; exec 4>&-; head -c 1 <&3 >/dev/null; sleep 2`
	ctx, cancel := context.WithCancel(context.Background())
	opts := testOptions(script, &scriptedProducer{release: true})
	opts.NoStream = true
	s := New(opts)

	require.NoError(t, s.Spawn(ctx))
	cancel()
	waitClosed(t, s.Done(), "consumer")
	waitClosed(t, s.Ended(), "target exit")
}
