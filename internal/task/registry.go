package task

import "sync"

// Handle identifies one registered mutator thread and carries the gate it
// waits on while the world is stopped.
type Handle struct {
	ID   uintptr
	gate chan struct{}
}

// Registry tracks the mutator threads currently registered with an arena
// and implements a cooperative stand-in for OS thread suspension: instead of
// signalling real threads, registered threads call CheckPoint at safe points
// and block there while SuspendAll is in effect. A platform-backed shield
// with real OS suspension does not need this type; it exists for the
// software default used outside of, or in tests of, a hosting runtime.
type Registry struct {
	mu        sync.Mutex
	threads   map[uintptr]*Handle
	suspended bool
}

// NewRegistry creates an empty thread registry.
func NewRegistry() *Registry {
	return &Registry{threads: make(map[uintptr]*Handle)}
}

// Register adds id as a mutator thread and returns its handle.
func (r *Registry) Register(id uintptr) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := &Handle{ID: id, gate: make(chan struct{})}
	r.threads[id] = h
	if !r.suspended {
		close(h.gate)
	}
	return h
}

// Deregister removes id from the registry.
func (r *Registry) Deregister(id uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.threads, id)
}

// SuspendAll closes a fresh gate for every registered thread; any thread
// that reaches CheckPoint after this call blocks until ResumeAll.
func (r *Registry) SuspendAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suspended = true
	for _, h := range r.threads {
		h.gate = make(chan struct{})
	}
}

// ResumeAll releases every thread currently blocked in CheckPoint.
func (r *Registry) ResumeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suspended = false
	for _, h := range r.threads {
		close(h.gate)
	}
}

// Len reports how many threads are currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.threads)
}

// CheckPoint blocks the caller while the registry is suspended. Mutator code
// must call this at safe points (allocation slow paths, barrier faults) for
// the software shield backend to provide stop-the-world semantics.
func (h *Handle) CheckPoint() {
	<-h.gate
}
