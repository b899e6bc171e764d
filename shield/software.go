package shield

import (
	"sync"

	"github.com/ravenmem/mps/internal/task"
)

// Software is a Platform backend with no real page protection: Protect only
// records the requested mode so FaultOn can be used to simulate an access
// trap in tests, and thread suspension is the cooperative CheckPoint dance
// in internal/task rather than true OS suspension. It is the default
// backend when no platform-specific one is configured, matching a
// hosted/embedded runtime that has not wired up real barriers yet.
type Software struct {
	mu      sync.Mutex
	regions map[uintptr]region
	handler FaultHandler
	reg     *task.Registry
}

type region struct {
	limit uintptr
	mode  Mode
}

// NewSoftware creates a Software backend. handler, if non-nil, is called by
// FaultOn to simulate a barrier trap.
func NewSoftware(handler FaultHandler) *Software {
	return &Software{
		regions: make(map[uintptr]region),
		handler: handler,
		reg:     task.NewRegistry(),
	}
}

func (s *Software) Protect(base, limit uintptr, mode Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mode == ModeNone {
		delete(s.regions, base)
		return nil
	}
	s.regions[base] = region{limit: limit, mode: mode}
	return nil
}

// ModeAt reports the protection mode currently recorded for addr, for tests
// and for FaultOn below.
func (s *Software) ModeAt(addr uintptr) Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	for base, r := range s.regions {
		if addr >= base && addr < r.limit {
			return r.mode
		}
	}
	return ModeNone
}

// FaultOn simulates a mutator access to addr. If the recorded mode includes
// access, it invokes the registered FaultHandler and returns its error;
// otherwise it returns nil, as a real unshielded access would.
func (s *Software) FaultOn(addr uintptr, access Mode) error {
	if !s.ModeAt(addr).Has(access) {
		return nil
	}
	if s.handler == nil {
		return nil
	}
	return s.handler(Fault{Addr: addr, Mode: access})
}

func (s *Software) SuspendAll() error {
	s.reg.SuspendAll()
	return nil
}

func (s *Software) ResumeAll() error {
	s.reg.ResumeAll()
	return nil
}

func (s *Software) RegisterThread(id uintptr) error {
	s.reg.Register(id)
	return nil
}

func (s *Software) DeregisterThread(id uintptr) error {
	s.reg.Deregister(id)
	return nil
}

var _ Platform = (*Software)(nil)
