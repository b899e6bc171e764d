package mps

import "github.com/ravenmem/mps/format"

// NewTableRoot creates a root over a flat table of words at base, treating
// every word as a candidate reference.
func NewTableRoot(rank format.Rank, table []Address) *Root {
	return NewRoot(rank, func(fix func(ref *Address) error) error {
		for i := range table {
			if err := fix(&table[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// NewTaggedTableRoot is like NewTableRoot, but only treats a word as a
// candidate reference if word&mask == pattern; other words are left
// untouched. This is the representation a client whose word-sized slots
// mix tagged immediates with pointers uses to describe its table.
func NewTaggedTableRoot(rank format.Rank, table []Address, mask, pattern Address) *Root {
	return NewRoot(rank, func(fix func(ref *Address) error) error {
		for i := range table {
			if table[i]&mask != pattern {
				continue
			}
			if err := fix(&table[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// NewAreaRoot creates a root from a caller-provided scanner. This is the
// Root primitive itself (NewRoot), exposed under the name used by the
// client surface's root-variant list; callers that only need a plain
// scanner should call NewRoot directly.
func NewAreaRoot(rank format.Rank, scan RootScanner) *Root {
	return NewRoot(rank, scan)
}

// NewThreadRoot creates an ambiguous root whose words are supplied by the
// caller's scan function (typically a walk of a mutator thread's stack and
// registers), restricted to words matching mask/pattern the way
// NewTaggedTableRoot restricts a table. A zero mask matches every word (the
// common case: conservative stack scanning with no tagging scheme).
// threadToken is not consulted; the root reads no thread state itself.
func NewThreadRoot(threadToken uintptr, scan func(fix func(ref *Address) error) error, mask, pattern Address) *Root {
	return NewRoot(format.RankAmbig, func(fix func(ref *Address) error) error {
		return scan(func(ref *Address) error {
			if mask != 0 && *ref&mask != pattern {
				return nil
			}
			return fix(ref)
		})
	})
}

// NewFormatRoot creates a root over a region that is itself a formatted
// object (for example, a stack-allocated frame descriptor the client's own
// format knows how to scan).
func NewFormatRoot(rank format.Rank, fmt format.Format, base, limit Address) *Root {
	return NewRoot(rank, func(fix func(ref *Address) error) error {
		fixer := formatFixerFunc(fix)
		return fmt.Scan(fixer, base, limit)
	})
}

// formatFixerFunc adapts a plain fix callback to format.Fixer.
type formatFixerFunc func(ref *Address) error

func (f formatFixerFunc) Fix(ref *uintptr) error { return f(ref) }
