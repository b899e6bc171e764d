//go:build linux || darwin

package shield

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ravenmem/mps/internal/task"
)

// POSIX is a Platform backend that raises real page protection with
// mprotect, for hosts that have mapped their segments with mmap (reserving
// and committing the underlying pages is the OS virtual-memory layer's job,
// out of scope for the collector core — see the package doc). Thread
// suspension still uses the cooperative registry in internal/task rather
// than signal-based suspension, since stopping arbitrary OS threads from
// Go without cgo has no portable implementation; a host that needs true
// asynchronous suspension supplies its own Platform.
type POSIX struct {
	mu      sync.Mutex
	pageLog uintptr
	handler FaultHandler
	reg     *task.Registry
}

// NewPOSIX creates a POSIX shield backend. handler, if non-nil, is the
// collector's fault handler; a real deployment would deliver it SIGSEGV
// from a registered signal handler, which is left to the host since it must
// coordinate with any other signal handlers the process installs.
func NewPOSIX(handler FaultHandler) *POSIX {
	return &POSIX{
		pageLog: pageSizeLog(),
		handler: handler,
		reg:     task.NewRegistry(),
	}
}

func pageSizeLog() uintptr {
	sz := unix.Getpagesize()
	shift := uintptr(0)
	for (1 << shift) < sz {
		shift++
	}
	return shift
}

func (p *POSIX) Protect(base, limit uintptr, mode Mode) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pageSize := uintptr(1) << p.pageLog
	if base%pageSize != 0 || limit%pageSize != 0 {
		return errUnaligned
	}

	prot := unix.PROT_READ | unix.PROT_WRITE
	if mode.Has(ModeWrite) {
		prot = unix.PROT_READ
	}
	if mode.Has(ModeRead) {
		prot = unix.PROT_NONE
	}

	length := int(limit - base)
	b := unsafe.Slice((*byte)(unsafe.Pointer(base)), length)
	return unix.Mprotect(b, prot)
}

func (p *POSIX) SuspendAll() error {
	p.reg.SuspendAll()
	return nil
}

func (p *POSIX) ResumeAll() error {
	p.reg.ResumeAll()
	return nil
}

func (p *POSIX) RegisterThread(id uintptr) error {
	p.reg.Register(id)
	return nil
}

func (p *POSIX) DeregisterThread(id uintptr) error {
	p.reg.Deregister(id)
	return nil
}

type protectError string

func (e protectError) Error() string { return string(e) }

const errUnaligned = protectError("shield: protect range not page-aligned")

var _ Platform = (*POSIX)(nil)
