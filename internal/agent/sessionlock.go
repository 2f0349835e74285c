package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/nugget/mnemo/internal/memory"
)

// sessionLocks hands out one lock per session. Entries are removed when
// nobody holds or waits on them.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[memory.Key]*sessionLock
}

type sessionLock struct {
	sem  chan struct{}
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[memory.Key]*sessionLock)}
}

// acquire blocks until the session's lock is free or ctx ends.
func (s *sessionLocks) acquire(ctx context.Context, key memory.Key) (func(), error) {
	s.mu.Lock()
	lk, ok := s.locks[key]
	if !ok {
		lk = &sessionLock{sem: make(chan struct{}, 1)}
		s.locks[key] = lk
	}
	lk.refs++
	s.mu.Unlock()

	select {
	case lk.sem <- struct{}{}:
	case <-ctx.Done():
		s.unref(key, lk)
		return nil, fmt.Errorf("%w: %w", ErrSessionBusy, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.sem
			s.unref(key, lk)
		})
	}, nil
}

func (s *sessionLocks) unref(key memory.Key, lk *sessionLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(s.locks, key)
	}
}

func (s *sessionLocks) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
