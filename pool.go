package mps

import "github.com/ravenmem/mps/format"

// Pool is the allocation-strategy-and-policy interface the trace and
// buffer machinery drives. AMC (and its leaf variant AMCZ) is the only pool
// class this package implements; non-moving pool classes (manual pools,
// leaf-only pools that never move objects) are out of scope and are
// represented only by this interface, which a consumer could implement
// itself (§1, §6).
type Pool interface {
	// Whiten condemns seg for trace tr, if the pool agrees it can be
	// condemned (e.g. refuses when a live mutator buffer still covers the
	// whole segment).
	Whiten(tr *Trace, seg *Segment) error

	// Scan scans seg on behalf of the traces and rank recorded in ss,
	// fixing every reference found. It returns true if the segment is now
	// fully black for every trace in ss (no more grey), false if more scan
	// work remains (e.g. a nailed segment whose nailed-scan loop needs
	// another pass).
	Scan(ss *ScanState, seg *Segment) (bool, error)

	// Reclaim frees seg's contribution to trace tr: the whole segment if
	// nothing pinned it, or just its dead objects (coalesced into padding)
	// if something did.
	Reclaim(tr *Trace, seg *Segment) error

	// TotalSize and FreeSize report the pool's current accounting, for the
	// arena-level size queries in the client surface.
	TotalSize() Size
	FreeSize() Size
}

// Root describes one scan root: a range of memory, or a caller-provided
// scanner, that the collector must treat as always live and must scan at
// every flip. The client surface names several flavors (table, tagged
// table, area with caller scanner, thread, format-scanned region); Root
// here is the common representation all of them reduce to once installed.
type Root struct {
	rank    format.Rank
	scanner RootScanner
}

// RootScanner is called once per flip to report every reference the root
// currently holds.
type RootScanner func(fix func(ref *Address) error) error

// NewRoot creates a root that will be scanned at the given rank by calling
// scan.
func NewRoot(rank format.Rank, scan RootScanner) *Root {
	return &Root{rank: rank, scanner: scan}
}
