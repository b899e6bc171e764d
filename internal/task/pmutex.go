// Package task provides the small concurrency primitives the collector core
// needs beyond the standard library: a recursive lock for signal-handler
// reentrancy, and a cooperative thread registry used by the default
// software shield backend to simulate OS-level thread suspension.
package task

import "sync"

// PMutex is a recursive (reentrant) mutex keyed by a caller-supplied token
// identifying "who is asking", since the standard sync.Mutex is not
// reentrant and the arena lock must tolerate the read-barrier fault handler
// re-entering the arena on the thread that already holds it.
//
// The token is normally a thread or goroutine identifier the platform layer
// hands the collector; the collector never interprets it beyond equality.
type PMutex struct {
	mu     sync.Mutex
	cond   sync.Cond
	holder uintptr
	depth  int
	held   bool
}

func (m *PMutex) init() {
	if m.cond.L == nil {
		m.cond.L = &m.mu
	}
}

// Lock acquires the mutex for self, blocking if another token currently
// holds it. Calling Lock again with the same self value nests without
// blocking; each nested Lock must be matched by an Unlock.
func (m *PMutex) Lock(self uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	for m.held && m.holder != self {
		m.cond.Wait()
	}
	m.held = true
	m.holder = self
	m.depth++
}

// Unlock releases one level of nesting. Once depth reaches zero the mutex
// is released and a blocked waiter, if any, is woken.
func (m *PMutex) Unlock(self uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held || m.holder != self {
		panic("task: PMutex unlocked by non-holder")
	}
	m.depth--
	if m.depth == 0 {
		m.held = false
		m.cond.Signal()
	}
}

// HeldBy reports whether self currently holds the mutex, at any nesting
// depth. Used by assertions that a function is only ever called with the
// arena lock already held.
func (m *PMutex) HeldBy(self uintptr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held && m.holder == self
}
