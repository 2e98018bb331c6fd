// Package registry models the set of process IDs that the kernel
// instrumentation traces.
//
// The kernel copy of this structure cannot allocate or loop without bound, so
// it is a fixed array of MaxChildren slots scanned linearly, with 0 marking an
// empty slot, plus one root cell. Set mirrors that shape exactly so that the
// user-space filter and the test instrumentation behave like the kernel does,
// including what happens when the slots run out.
package registry

import (
	"sync"
	"sync/atomic"
)

// MaxChildren is the number of child slots. It matches children_to_trace in
// the BPF object and is a hard limit.
const MaxChildren = 1024

// Set is a bounded PID membership set. The zero value is ready to use.
type Set struct {
	mu       sync.Mutex
	root     uint64
	children [MaxChildren]uint64

	overflows  atomic.Uint64
	onOverflow func(pid uint64)
}

// New returns an empty Set.
func New() *Set {
	return &Set{}
}

// OnOverflow registers fn to be called, outside the lock, whenever AddChild
// finds no empty slot.
func (s *Set) OnOverflow(fn func(pid uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOverflow = fn
}

// SetRoot writes the root PID. The host writes it once, before the
// instrumentation is attached.
func (s *Set) SetRoot(pid uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root = pid
}

// Root returns the root PID, or 0 if none is set.
func (s *Set) Root() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

// IsTraced reports whether pid is the root or occupies a child slot.
func (s *Set) IsTraced(pid uint64) bool {
	if pid == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isTracedLocked(pid)
}

func (s *Set) isTracedLocked(pid uint64) bool {
	if s.root == pid {
		return true
	}
	for _, c := range s.children {
		if c == pid {
			return true
		}
	}
	return false
}

// AddChild stores pid in the first empty child slot. It reports false when
// pid was not stored: pid is 0, already traced, or every slot is taken. The
// last case is counted as an overflow.
func (s *Set) AddChild(pid uint64) bool {
	if pid == 0 {
		return false
	}

	s.mu.Lock()
	if s.isTracedLocked(pid) {
		s.mu.Unlock()
		return false
	}
	for i := range s.children {
		if s.children[i] == 0 {
			s.children[i] = pid
			s.mu.Unlock()
			return true
		}
	}
	hook := s.onOverflow
	s.mu.Unlock()

	s.overflows.Add(1)
	if hook != nil {
		hook(pid)
	}
	return false
}

// Remove clears the root if it matches, otherwise the first child slot
// holding pid. It reports whether anything was removed, which decides whether
// an exit is reported downstream.
func (s *Set) Remove(pid uint64) bool {
	if pid == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.root == pid {
		s.root = 0
		return true
	}
	for i := range s.children {
		if s.children[i] == pid {
			s.children[i] = 0
			return true
		}
	}
	return false
}

// Children returns the occupied child slots in slot order.
func (s *Set) Children() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []uint64
	for _, c := range s.children {
		if c != 0 {
			out = append(out, c)
		}
	}
	return out
}

// Overflows returns how many AddChild calls found the set full.
func (s *Set) Overflows() uint64 {
	return s.overflows.Load()
}
