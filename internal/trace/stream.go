package trace

import (
	"iter"
	"sync"
)

// Stream is a blocking sequence of events read from a channel. It is meant
// for a single reader.
type Stream struct {
	ch <-chan Event

	mu   sync.Mutex
	done bool
	err  error
}

// NewStream returns a stream over ch.
func NewStream(ch <-chan Event) *Stream {
	return &Stream{ch: ch}
}

// Next blocks for the next event. It returns false once the channel is
// closed or after a ProcessFailed event has been returned.
func (s *Stream) Next() (Event, bool) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done {
		return nil, false
	}

	ev, ok := <-s.ch
	if !ok {
		s.mu.Lock()
		s.done = true
		s.mu.Unlock()
		return nil, false
	}
	if failed, ok := ev.(ProcessFailed); ok {
		s.mu.Lock()
		s.done = true
		s.err = failed.Err
		s.mu.Unlock()
	}
	return ev, true
}

// All iterates over the remaining events.
func (s *Stream) All() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			ev, ok := s.Next()
			if !ok || !yield(ev) {
				return
			}
		}
	}
}

// Err returns the error carried by the terminal ProcessFailed, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
