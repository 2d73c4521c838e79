// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

// rangeTombstoneAccumulator merges incoming range tombstones into a sorted,
// overlap-free interval set keyed by clustering position. Where intervals
// overlap, the newer tombstone wins the overlap; equal tombstones coalesce.
// The writer drains intervals up to each row's position before writing the
// row, so markers interleave with rows in clustering order.
type rangeTombstoneAccumulator struct {
	schema *Schema
	rts    []RangeTombstone
	// frontier is the highest position drained so far. A tombstone
	// arriving later but starting before it only matters from the
	// frontier on; its start is trimmed so it merges against what is
	// still pending, not against what was already written.
	frontier *Position
}

func newRangeTombstoneAccumulator(s *Schema) rangeTombstoneAccumulator {
	return rangeTombstoneAccumulator{schema: s}
}

// supersedes reports whether a wins over b in an overlap.
func supersedes(a, b Tombstone) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.LocalDeletionTime > b.LocalDeletionTime
}

// boundsFromPositions converts a (start, end) position pair back into bound
// prefixes and kinds.
func boundsFromPositions(start, end Position) (ClusteringPrefix, BoundKind, ClusteringPrefix, BoundKind) {
	startKind := BoundInclStart
	if start.Weight > 0 {
		startKind = BoundExclStart
	}
	endKind := BoundExclEnd
	if end.Weight > 0 {
		endKind = BoundInclEnd
	}
	return start.Prefix, startKind, end.Prefix, endKind
}

// apply merges a new range tombstone into the set.
func (a *rangeTombstoneAccumulator) apply(rt RangeTombstone) {
	rt.Start = rt.Start.Clone()
	rt.End = rt.End.Clone()
	if a.frontier != nil && a.schema.ComparePositions(rt.StartPosition(), *a.frontier) < 0 {
		if a.schema.ComparePositions(*a.frontier, rt.EndPosition()) >= 0 {
			return
		}
		rt.Start = a.frontier.Prefix.Clone()
		rt.StartKind = BoundInclStart
		if a.frontier.Weight > 0 {
			rt.StartKind = BoundExclStart
		}
	}
	if len(a.rts) == 0 {
		a.rts = []RangeTombstone{rt}
		return
	}
	type segment struct {
		start, end Position
		tomb       Tombstone
	}
	// Slice the union of the existing set and the new interval at every
	// bound, then give each elementary segment to the newest tombstone
	// covering it.
	var cuts []Position
	addCut := func(p Position) {
		for _, c := range cuts {
			if a.schema.ComparePositions(c, p) == 0 {
				return
			}
		}
		cuts = append(cuts, p)
	}
	for i := range a.rts {
		addCut(a.rts[i].StartPosition())
		addCut(a.rts[i].EndPosition())
	}
	addCut(rt.StartPosition())
	addCut(rt.EndPosition())
	for i := 1; i < len(cuts); i++ {
		for j := i; j > 0 && a.schema.ComparePositions(cuts[j-1], cuts[j]) > 0; j-- {
			cuts[j-1], cuts[j] = cuts[j], cuts[j-1]
		}
	}

	covering := func(start, end Position) (Tombstone, bool) {
		var winner Tombstone
		found := false
		consider := func(c *RangeTombstone) {
			if a.schema.ComparePositions(c.StartPosition(), start) <= 0 &&
				a.schema.ComparePositions(end, c.EndPosition()) <= 0 {
				if !found || supersedes(c.Tombstone, winner) {
					winner = c.Tombstone
					found = true
				}
			}
		}
		for i := range a.rts {
			consider(&a.rts[i])
		}
		consider(&rt)
		return winner, found
	}

	var segments []segment
	for i := 0; i+1 < len(cuts); i++ {
		tomb, ok := covering(cuts[i], cuts[i+1])
		if !ok {
			continue
		}
		if n := len(segments); n > 0 && segments[n-1].tomb == tomb &&
			a.schema.ComparePositions(segments[n-1].end, cuts[i]) == 0 {
			segments[n-1].end = cuts[i+1]
			continue
		}
		segments = append(segments, segment{start: cuts[i], end: cuts[i+1], tomb: tomb})
	}

	a.rts = a.rts[:0]
	for _, seg := range segments {
		sp, sk, ep, ek := boundsFromPositions(seg.start, seg.end)
		a.rts = append(a.rts, RangeTombstone{
			Start: sp, StartKind: sk, End: ep, EndKind: ek, Tombstone: seg.tomb,
		})
	}
}

// next pops the first interval whose start position precedes pos. A nil pos
// drains unconditionally.
func (a *rangeTombstoneAccumulator) next(pos *Position) (RangeTombstone, bool) {
	if pos != nil {
		if a.frontier == nil || a.schema.ComparePositions(*a.frontier, *pos) < 0 {
			p := Position{Prefix: pos.Prefix.Clone(), Weight: pos.Weight}
			a.frontier = &p
		}
	}
	if len(a.rts) == 0 {
		return RangeTombstone{}, false
	}
	rt := a.rts[0]
	if pos != nil && a.schema.ComparePositions(rt.StartPosition(), *pos) >= 0 {
		return RangeTombstone{}, false
	}
	a.rts = a.rts[1:]
	return rt, true
}
