package workspace

import (
	"path/filepath"
	"sync"
)

// LockSet hands out one reader/writer lock per repository.
//
// Mutating git operations take the exclusive lock so two loops never race on
// the repository's index or ref lock files. Read-only operations share it.
type LockSet struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewLockSet creates an empty lock set.
func NewLockSet() *LockSet {
	return &LockSet{locks: make(map[string]*sync.RWMutex)}
}

func (s *LockSet) get(repo string) *sync.RWMutex {
	key := repo
	if abs, err := filepath.Abs(repo); err == nil {
		key = filepath.Clean(abs)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[key] = l
	}
	return l
}

// Lock acquires the exclusive lock for repo and returns its release func.
func (s *LockSet) Lock(repo string) func() {
	l := s.get(repo)
	l.Lock()
	return l.Unlock
}

// RLock acquires the shared lock for repo and returns its release func.
func (s *LockSet) RLock(repo string) func() {
	l := s.get(repo)
	l.RLock()
	return l.RUnlock
}
