package service

import "sync"

// Locks linearizes all mutating work on a single session. Different
// sessions never contend with each other.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	sync.Mutex
	refs int
}

func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*sessionLock)}
}

// Lock acquires the session's lock and returns the matching unlock func.
func (s *Locks) Lock(sessID string) func() {
	s.mu.Lock()
	l := s.locks[sessID]
	if l == nil {
		l = &sessionLock{}
		s.locks[sessID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Mutex.Lock()

	return func() {
		l.Mutex.Unlock()

		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, sessID)
		}
		s.mu.Unlock()
	}
}
