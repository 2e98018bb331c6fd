package trace

import (
	"os"
	"sort"
	"sync"

	"github.com/majorcontext/fdscope/internal/log"
	"github.com/majorcontext/fdscope/internal/metrics"
	"github.com/majorcontext/fdscope/internal/registry"
)

// maxExited bounds the set of exited PIDs remembered to reject late records.
const maxExited = 4096

// File is one entry of an open-file table.
type File struct {
	FD        uint64 `json:"fd"`
	Path      string `json:"path"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Stats counts what the engine applied and what it tolerated.
type Stats struct {
	Applied       uint64 `json:"applied"`
	Discarded     uint64 `json:"discarded"`
	Overwrites    uint64 `json:"overwrites"`
	UnknownCloses uint64 `json:"unknown_closes"`
	OpenFailures  uint64 `json:"open_failures"`
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	// SelfPID is discarded from every table. Zero means this process.
	SelfPID uint64
	// Filter, when set, restricts the tables to its members. ProcessStart
	// adds a child and ProcessExit removes it.
	Filter *registry.Set
}

// Engine maintains an open-file table per traced process.
type Engine struct {
	self   uint64
	filter *registry.Set

	mu     sync.RWMutex
	tables map[uint64]map[uint64]File
	stats  Stats
	err    error

	// exited holds PIDs whose exit was applied, oldest first in exitOrder.
	exited    map[uint64]struct{}
	exitOrder []uint64
}

// NewEngine creates an empty engine.
func NewEngine(opts EngineOptions) *Engine {
	self := opts.SelfPID
	if self == 0 {
		self = uint64(os.Getpid())
	}
	return &Engine{
		self:   self,
		filter: opts.Filter,
		tables: make(map[uint64]map[uint64]File),
		exited: make(map[uint64]struct{}),
	}
}

// Apply applies one event. It never fails: anomalies are counted, and
// ProcessFailed is stored as the engine's terminal error.
func (e *Engine) Apply(ev Event) {
	pid := PID(ev)
	if pid != 0 && pid == e.self {
		e.discard(ev)
		return
	}
	if e.filter != nil && !e.admit(ev) {
		e.discard(ev)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isLateLocked(ev) {
		e.stats.Discarded++
		log.Trace("discarding record for exited process", "kind", ev.Kind(), "pid", pid)
		return
	}

	e.stats.Applied++
	metrics.Events.WithLabelValues(string(ev.Kind())).Inc()

	switch ev := ev.(type) {
	case FileOpen:
		table := e.tables[ev.PID]
		if table == nil {
			table = make(map[uint64]File)
			e.tables[ev.PID] = table
		}
		if prev, ok := table[ev.FD]; ok {
			e.stats.Overwrites++
			metrics.FDOverwrites.Inc()
			log.Trace("open returned a live descriptor",
				"pid", ev.PID,
				"fd", ev.FD,
				"previous_path", prev.Path,
				"path", ev.Path)
		}
		table[ev.FD] = File{FD: ev.FD, Path: ev.Path, Truncated: ev.Truncated}

	case FileOpenFail:
		e.stats.OpenFailures++
		metrics.OpenFailures.Inc()
		log.Trace("open failed", "pid", ev.PID, "errno", ev.Errno, "path", ev.Path)

	case FileClose:
		table := e.tables[ev.PID]
		if _, ok := table[ev.FD]; !ok {
			e.stats.UnknownCloses++
			metrics.UnknownCloses.Inc()
			log.Trace("close of unknown descriptor", "pid", ev.PID, "fd", ev.FD)
			return
		}
		delete(table, ev.FD)

	case ProcessStart:
		// A reused PID is a new process.
		delete(e.exited, ev.PID)
		log.Trace("traced process started", "pid", ev.PID)

	case ProcessExit:
		delete(e.tables, ev.PID)
		e.markExitedLocked(ev.PID)
		log.Trace("traced process exited", "pid", ev.PID)

	case ProcessFailed:
		if e.err == nil {
			e.err = ev.Err
		}
	}
}

// isLateLocked reports whether ev is a file record for a process whose exit
// was already applied. The streams are read independently, so such records
// can arrive after the exit.
func (e *Engine) isLateLocked(ev Event) bool {
	switch ev.(type) {
	case FileOpen, FileOpenFail, FileClose:
		_, ok := e.exited[PID(ev)]
		return ok
	}
	return false
}

func (e *Engine) markExitedLocked(pid uint64) {
	if _, ok := e.exited[pid]; ok {
		return
	}
	e.exited[pid] = struct{}{}
	e.exitOrder = append(e.exitOrder, pid)
	for len(e.exitOrder) > maxExited {
		oldest := e.exitOrder[0]
		e.exitOrder = e.exitOrder[1:]
		delete(e.exited, oldest)
	}
}

// admit updates the filter for lifecycle events and reports whether ev
// belongs to a traced process.
func (e *Engine) admit(ev Event) bool {
	switch ev := ev.(type) {
	case ProcessFailed:
		return true
	case ProcessStart:
		e.filter.AddChild(ev.PID)
		return e.filter.IsTraced(ev.PID)
	case ProcessExit:
		return e.filter.Remove(ev.PID)
	}
	return e.filter.IsTraced(PID(ev))
}

func (e *Engine) discard(ev Event) {
	e.mu.Lock()
	e.stats.Discarded++
	e.mu.Unlock()
	log.Trace("discarding event from untraced process", "kind", ev.Kind(), "pid", PID(ev))
}

// Snapshot returns the open files of pid sorted by descriptor.
func (e *Engine) Snapshot(pid uint64) []File {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sortedFiles(e.tables[pid])
}

// SnapshotAll returns the open files of every process with a non-empty
// table.
func (e *Engine) SnapshotAll() map[uint64][]File {
	e.mu.RLock()
	defer e.mu.RUnlock()

	all := make(map[uint64][]File, len(e.tables))
	for pid, table := range e.tables {
		if len(table) > 0 {
			all[pid] = sortedFiles(table)
		}
	}
	return all
}

func sortedFiles(table map[uint64]File) []File {
	files := make([]File, 0, len(table))
	for _, f := range table {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].FD < files[j].FD })
	return files
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// Err returns the error of the first ProcessFailed applied.
func (e *Engine) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}
