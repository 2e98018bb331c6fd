// Package gate implements the startup rendezvous between the supervisor, the
// event producer and the suspension wrapper.
//
// The wrapper is a tiny launcher that must not let the target run until the
// target's PID is registered and every instrumentation point is attached;
// otherwise the first opens of the target would go unobserved. The handshake
// has two states, WAITING and RELEASED:
//
//  1. The supervisor starts the wrapper with two inherited pipes: a release
//     pipe (ReleaseFD) and a ready pipe (ReadyFD).
//  2. The wrapper installs its SIGUSR1 handler, then writes one byte to the
//     ready pipe. Only after that may anyone signal it.
//  3. The producer registers the wrapper PID and attaches instrumentation.
//  4. The producer releases the wrapper, either by writing one byte to the
//     release pipe (in-process producer) or by sending SIGUSR1 (privileged
//     helper, which has no access to the pipe).
//  5. The wrapper replaces itself with the target, keeping its PID.
//
// The wrapper blocks in the kernel while WAITING and performs no file
// operations. A late release only adds latency; a missing release hangs the
// wrapper forever, which the supervisor reports as a bug.
package gate

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	// ReleaseFD is the descriptor number of the release pipe in the wrapper.
	ReleaseFD = 3
	// ReadyFD is the descriptor number of the ready pipe in the wrapper.
	ReadyFD = 4
)

var (
	// ErrAbandoned is returned by the wrapper when the release pipe closes
	// without a release byte, meaning the supervisor went away.
	ErrAbandoned = errors.New("gate abandoned before release")

	// ErrNotReady is returned by WaitReady when the wrapper exits before
	// reporting readiness.
	ErrNotReady = errors.New("wrapper exited before becoming ready")
)

// Releaser lets a waiting wrapper continue. Release is one-shot: calls after
// the first are no-ops.
type Releaser interface {
	Release() error
}

// Signal releases a wrapper by sending it SIGUSR1. The privileged helper uses
// it since it shares no pipe with the wrapper.
type Signal struct {
	PID int

	once sync.Once
	err  error
}

// Release sends SIGUSR1 to the wrapper.
func (s *Signal) Release() error {
	s.once.Do(func() {
		if err := unix.Kill(s.PID, unix.SIGUSR1); err != nil {
			s.err = fmt.Errorf("signaling wrapper %d: %w", s.PID, err)
		}
	})
	return s.err
}

// Pipes is the supervisor's end of the handshake.
type Pipes struct {
	releaseR, releaseW *os.File
	readyR, readyW     *os.File

	once     sync.Once
	err      error
	released chan struct{}
}

// NewPipes creates the release and ready pipes.
func NewPipes() (*Pipes, error) {
	releaseR, releaseW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating release pipe: %w", err)
	}
	readyR, readyW, err := os.Pipe()
	if err != nil {
		releaseR.Close()
		releaseW.Close()
		return nil, fmt.Errorf("creating ready pipe: %w", err)
	}
	return &Pipes{
		releaseR: releaseR,
		releaseW: releaseW,
		readyR:   readyR,
		readyW:   readyW,
		released: make(chan struct{}),
	}, nil
}

// ChildFiles returns the wrapper's ends, ordered so that they land on
// ReleaseFD and ReadyFD when passed as exec.Cmd.ExtraFiles.
func (p *Pipes) ChildFiles() []*os.File {
	return []*os.File{p.releaseR, p.readyW}
}

// AfterStart closes the wrapper's ends in this process. It must be called
// once the wrapper has started so that EOF on the ready pipe means the
// wrapper is gone.
func (p *Pipes) AfterStart() {
	p.releaseR.Close()
	p.readyW.Close()
}

// WaitReady blocks until the wrapper reports that its signal handler is
// installed.
func (p *Pipes) WaitReady() error {
	var b [1]byte
	n, err := p.readyR.Read(b[:])
	p.readyR.Close()
	if n == 1 {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	return ErrNotReady
}

// Release writes the release byte.
func (p *Pipes) Release() error {
	p.once.Do(func() {
		if _, err := p.releaseW.Write([]byte{1}); err != nil {
			p.err = fmt.Errorf("writing release byte: %w", err)
		}
		close(p.released)
	})
	return p.err
}

// Released is closed once Release has been called.
func (p *Pipes) Released() <-chan struct{} {
	return p.released
}

// Close closes the supervisor's ends. A wrapper still waiting sees
// ErrAbandoned unless it was released by signal.
func (p *Pipes) Close() error {
	p.readyR.Close()
	return p.releaseW.Close()
}
