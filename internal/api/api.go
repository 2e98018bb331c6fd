package api

import (
	"github.com/majorcontext/fdscope/internal/process"
	"github.com/majorcontext/fdscope/internal/trace"
)

// ProcessFiles is the open-file table of one process.
type ProcessFiles struct {
	PID   uint64       `json:"pid"`
	Files []trace.File `json:"files"`
}

// FilesResponse is returned from GET /v1/files.
type FilesResponse struct {
	Processes []ProcessFiles `json:"processes"`
}

// StateResponse is returned from GET /v1/state.
type StateResponse struct {
	State     process.State       `json:"state"`
	Command   []string            `json:"command,omitempty"`
	PID       int                 `json:"pid,omitempty"`
	Producer  string              `json:"producer,omitempty"`
	Exit      *process.ExitStatus `json:"exit,omitempty"`
	Stats     trace.Stats         `json:"stats"`
	Error     string              `json:"error,omitempty"`
	StartedAt string              `json:"started_at"`
}

// ErrorResponse is returned with any non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}
