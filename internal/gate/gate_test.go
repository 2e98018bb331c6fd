package gate

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// armChild arms a waiter on the child ends of p as the wrapper would after
// inheriting them.
func armChild(t *testing.T, p *Pipes) *Waiter {
	t.Helper()
	files := p.ChildFiles()
	w, err := Arm(files[0], files[1])
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w
}

func waitAsync(w *Waiter) <-chan error {
	done := make(chan error, 1)
	go func() { done <- w.Wait(context.Background()) }()
	return done
}

func TestPipesHandshake(t *testing.T) {
	p, err := NewPipes()
	require.NoError(t, err)
	defer p.Close()

	w := armChild(t, p)
	require.NoError(t, p.WaitReady())

	done := waitAsync(w)
	select {
	case err := <-done:
		t.Fatalf("waiter returned before release: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, p.Release())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not released")
	}

	select {
	case <-p.Released():
	default:
		t.Error("Released channel should be closed")
	}
}

func TestPipesReleaseIsOneShot(t *testing.T) {
	p, err := NewPipes()
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Release())
	require.NoError(t, p.Release())

	// Only one byte may reach the wrapper.
	p.releaseW.Close()
	files := p.ChildFiles()
	buf := make([]byte, 4)
	n, _ := files[0].Read(buf)
	assert.Equal(t, 1, n)
}

func TestPipesAbandoned(t *testing.T) {
	p, err := NewPipes()
	require.NoError(t, err)

	w := armChild(t, p)
	require.NoError(t, p.WaitReady())

	done := waitAsync(w)
	require.NoError(t, p.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrAbandoned)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not woken by closed pipe")
	}
}

func TestWaitReadyWrapperGone(t *testing.T) {
	p, err := NewPipes()
	require.NoError(t, err)
	defer p.Close()

	// The wrapper dies without writing: only the ready write end closes.
	p.AfterStart()
	assert.ErrorIs(t, p.WaitReady(), ErrNotReady)
}

func TestSignalRelease(t *testing.T) {
	w, err := Arm(nil, nil)
	require.NoError(t, err)
	defer w.Close()

	done := waitAsync(w)

	s := &Signal{PID: os.Getpid()}
	require.NoError(t, s.Release())
	require.NoError(t, s.Release())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not released by SIGUSR1")
	}
}

func TestSignalReleaseUnknownPID(t *testing.T) {
	// PID max on Linux is 2^22; this one cannot exist.
	s := &Signal{PID: 1 << 30}
	assert.ErrorIs(t, s.Release(), unix.ESRCH)
}

func TestWaitContextCancel(t *testing.T) {
	w, err := Arm(nil, nil)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Wait(ctx), context.Canceled)
}

func TestExecEmpty(t *testing.T) {
	assert.Error(t, Exec(nil))
	assert.Error(t, Exec([]string{"/nonexistent/fdscope-target"}))
}
