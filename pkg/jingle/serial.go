package jingle

import "sync"

// serial runs a session's events one at a time in submission order.
//
// post never blocks waiting for another goroutine: if no event is running,
// the caller drains the queue itself; otherwise the event is queued and the
// goroutine already draining picks it up. Events posted from inside an
// event therefore run after it, never nested.
type serial struct {
	queue   []func()
	running bool

	mu sync.Mutex
}

// post submits fn. It reports whether the calling goroutine ran fn.
func (s *serial) post(fn func()) bool {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	if s.running {
		s.mu.Unlock()
		return false
	}
	s.running = true

	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()
		next()
		s.mu.Lock()
	}
	s.running = false
	s.mu.Unlock()
	return true
}

// idle reports whether no event is running or queued.
func (s *serial) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.running && len(s.queue) == 0
}
