package mps

import "github.com/ravenmem/mps/format"

// RankSet is a bitset over format.Rank, recording which kinds of reference a
// segment contains. A leaf segment (no outgoing references at all, as in
// AMCZ) has an empty RankSet.
type RankSet uint8

// RankSetEmpty contains no ranks.
const RankSetEmpty RankSet = 0

// RankSetOf builds a RankSet from the given ranks.
func RankSetOf(ranks ...format.Rank) RankSet {
	var s RankSet
	for _, r := range ranks {
		s = s.With(r)
	}
	return s
}

func (s RankSet) With(r format.Rank) RankSet { return s | (1 << r) }
func (s RankSet) Has(r format.Rank) bool     { return s&(1<<r) != 0 }
func (s RankSet) IsEmpty() bool              { return s == RankSetEmpty }
