package git

import (
	"path/filepath"
	"sync"
)

// Locks serializes git operations per repository. At most one job touches
// a given repo path at a time; keys are absolute paths so relative and
// absolute spellings of the same repo collide.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocks builds an empty lock set.
func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for repoPath and returns its unlock func.
func (l *Locks) Lock(repoPath string) func() {
	key := repoPath
	if abs, err := filepath.Abs(repoPath); err == nil {
		key = abs
	}

	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
