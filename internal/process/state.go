package process

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// State is the lifecycle state of a supervised target.
type State string

const (
	StateNotStarted State = "not_started"
	StateRunning    State = "running"
	StateEnded      State = "ended"
)

// Detail is one of NotStarted, Running or Ended.
type Detail interface {
	State() State
	isDetail()
}

// NotStarted holds the command that Spawn will launch.
type NotStarted struct {
	Command []string
}

// Running holds the PID of the target and the producer feeding the engine.
type Running struct {
	PID      int
	Producer string
}

// Ended holds how the target terminated.
type Ended struct {
	Status ExitStatus
}

func (NotStarted) State() State { return StateNotStarted }
func (Running) State() State    { return StateRunning }
func (Ended) State() State      { return StateEnded }

func (NotStarted) isDetail() {}
func (Running) isDetail()    {}
func (Ended) isDetail()      {}

// ExitStatus describes a terminated process. Signal is set when the process
// was killed by a signal, in which case Code is -1.
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return "killed by " + s.Signal
	}
	return fmt.Sprintf("exit status %d", s.Code)
}

// Success reports whether the process exited with code 0.
func (s ExitStatus) Success() bool {
	return s.Signal == "" && s.Code == 0
}

func exitStatus(ws unix.WaitStatus) ExitStatus {
	if ws.Signaled() {
		return ExitStatus{Code: -1, Signal: unix.SignalName(ws.Signal())}
	}
	return ExitStatus{Code: ws.ExitStatus()}
}

// holder lets differently typed details share one atomic pointer.
type holder struct {
	detail Detail
}
