// Package api serves the live state of a trace over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/majorcontext/fdscope/internal/metrics"
	"github.com/majorcontext/fdscope/internal/process"
	"github.com/majorcontext/fdscope/internal/trace"
)

// Source is what the server reports on. *process.Supervisor implements it.
type Source interface {
	Files() map[uint64][]trace.File
	Detail() process.Detail
	Stats() trace.Stats
	Err() error
}

// Server is the HTTP status server.
type Server struct {
	addr      string
	src       Source
	server    *http.Server
	listener  net.Listener
	startedAt time.Time
}

// NewServer creates a server that will listen on addr.
func NewServer(addr string, src Source) *Server {
	s := &Server{
		addr:      addr,
		src:       src,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/files", s.handleFiles)
	mux.HandleFunc("GET /v1/state", s.handleState)
	mux.Handle("GET /metrics", metrics.Handler())

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start begins listening.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	go func() { _ = s.server.Serve(listener) }()
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleFiles responds with the open files of every traced process, or of
// the one named by ?pid=.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	all := s.src.Files()

	if raw := r.URL.Query().Get("pid"); raw != "" {
		pid, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid pid"})
			return
		}
		files := all[pid]
		if files == nil {
			files = []trace.File{}
		}
		writeJSON(w, http.StatusOK, FilesResponse{Processes: []ProcessFiles{{PID: pid, Files: files}}})
		return
	}

	resp := FilesResponse{Processes: make([]ProcessFiles, 0, len(all))}
	for pid, files := range all {
		resp.Processes = append(resp.Processes, ProcessFiles{PID: pid, Files: files})
	}
	sort.Slice(resp.Processes, func(i, j int) bool {
		return resp.Processes[i].PID < resp.Processes[j].PID
	})
	writeJSON(w, http.StatusOK, resp)
}

// handleState responds with the lifecycle state and engine counters.
func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	detail := s.src.Detail()
	resp := StateResponse{
		State:     detail.State(),
		Stats:     s.src.Stats(),
		StartedAt: s.startedAt.Format(time.RFC3339),
	}
	switch d := detail.(type) {
	case process.NotStarted:
		resp.Command = d.Command
	case process.Running:
		resp.PID = d.PID
		resp.Producer = d.Producer
	case process.Ended:
		status := d.Status
		resp.Exit = &status
	}
	if err := s.src.Err(); err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
