package scheduler

import (
	"sync"
)

// Signals is the pause/resume/wake state shared by all workers of a
// manager. It is owned by the manager and handed to each worker when it is
// registered.
type Signals struct {
	mtx     sync.Mutex
	paused  bool
	wakeups uint64
	// changed is closed and replaced on every state change.
	changed chan struct{}
}

func NewSignals() *Signals {
	return &Signals{changed: make(chan struct{})}
}

func (s *Signals) Pause() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !s.paused {
		s.paused = true
		s.broadcast()
	}
}

func (s *Signals) Resume() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.paused {
		s.paused = false
		s.broadcast()
	}
}

// Wake ends the current idle sleep of every worker.
func (s *Signals) Wake() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.wakeups++
	s.broadcast()
}

func (s *Signals) Paused() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.paused
}

func (s *Signals) snapshot() (paused bool, wakeups uint64, changed <-chan struct{}) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.paused, s.wakeups, s.changed
}

func (s *Signals) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}
