package gate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"

	"golang.org/x/sys/unix"
)

// Waiter is the wrapper's end of the handshake.
type Waiter struct {
	release *os.File
	sig     chan os.Signal
}

// Arm installs the SIGUSR1 handler and then reports readiness on ready.
// Either file may be nil: without a release pipe only the signal releases the
// waiter, without a ready pipe nobody is told.
func Arm(release, ready *os.File) (*Waiter, error) {
	w := &Waiter{
		release: release,
		sig:     make(chan os.Signal, 1),
	}
	signal.Notify(w.sig, unix.SIGUSR1)

	if ready != nil {
		_, err := ready.Write([]byte{1})
		ready.Close()
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("reporting readiness: %w", err)
		}
	}
	return w, nil
}

// ArmInherited arms a waiter on descriptors inherited from the supervisor.
// A negative descriptor means the pipe was not provided. Both descriptors are
// marked close-on-exec so the target never inherits them.
func ArmInherited(releaseFD, readyFD int) (*Waiter, error) {
	var release, ready *os.File
	if releaseFD >= 0 {
		unix.CloseOnExec(releaseFD)
		release = os.NewFile(uintptr(releaseFD), "gate-release")
	}
	if readyFD >= 0 {
		unix.CloseOnExec(readyFD)
		ready = os.NewFile(uintptr(readyFD), "gate-ready")
	}
	return Arm(release, ready)
}

// Wait blocks until the waiter is released by signal or by the release
// pipe. EOF on the pipe without a release byte returns ErrAbandoned.
func (w *Waiter) Wait(ctx context.Context) error {
	pipe := make(chan error, 1)
	if w.release != nil {
		go func() {
			var b [1]byte
			if n, _ := w.release.Read(b[:]); n == 1 {
				pipe <- nil
				return
			}
			pipe <- ErrAbandoned
		}()
	}

	select {
	case <-w.sig:
		return nil
	case err := <-pipe:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops signal delivery and closes the release pipe.
func (w *Waiter) Close() {
	signal.Stop(w.sig)
	if w.release != nil {
		w.release.Close()
	}
}

// Exec replaces the current process image with argv, keeping the PID. It
// only returns on failure.
func Exec(argv []string) error {
	if len(argv) == 0 {
		return errors.New("no command to execute")
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("resolving %s: %w", argv[0], err)
	}
	if err := unix.Exec(path, argv, os.Environ()); err != nil {
		return fmt.Errorf("executing %s: %w", path, err)
	}
	return nil
}
