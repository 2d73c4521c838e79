// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import "math"

// NoTimestamp marks a missing timestamp (absent row marker, live cell
// defaults).
const NoTimestamp = math.MinInt64

// NoDeletionTime is the local deletion time of live data.
const NoDeletionTime = math.MaxInt32

// NoTTL marks a cell or marker without expiration.
const NoTTL = 0

// ExpiredLivenessTTL marks a row marker that is dead but still shadows
// older live markers, as written by materialized view updates.
const ExpiredLivenessTTL int32 = math.MaxInt32

// Tombstone is a deletion: the write timestamp that it covers and the local
// time the deletion happened (for purge decisions).
type Tombstone struct {
	Timestamp         int64
	LocalDeletionTime int32
}

// NoTombstone is the absence of a deletion; it is what live partitions and
// rows carry on disk (minimal timestamp, maximal deletion time).
var NoTombstone = Tombstone{Timestamp: math.MinInt64, LocalDeletionTime: math.MaxInt32}

// IsSet reports whether the tombstone deletes anything.
func (t Tombstone) IsSet() bool { return t != NoTombstone }

// LivenessInfo is the row marker: the existence of a row independent of its
// cells, optionally expiring.
type LivenessInfo struct {
	Timestamp         int64
	TTL               int32
	LocalDeletionTime int32
}

// IsMissing reports whether the row has no marker.
func (l LivenessInfo) IsMissing() bool { return l.Timestamp == NoTimestamp }

// IsExpiring reports whether the marker carries a TTL.
func (l LivenessInfo) IsExpiring() bool { return l.TTL != NoTTL }

// Cell is one atomic value, tombstone, counter or collection sub-cell.
type Cell struct {
	// Column is the column name; ignored for sub-cells of a ComplexColumn.
	Column []byte
	// Path keys a sub-cell within a collection; nil for atomic cells.
	Path []byte
	// Value carries the serialized value; counter cells carry the
	// serialized shard set.
	Value     []byte
	Timestamp int64
	// TTL and Expiry are set together for expiring cells. Tombstone cells
	// put their local deletion time in Expiry.
	TTL       int32
	Expiry    int32
	Tombstone bool
	Counter   bool
}

// Live reports whether the cell is not a tombstone.
func (c Cell) Live() bool { return !c.Tombstone }

// Expiring reports whether the cell carries a TTL.
func (c Cell) Expiring() bool { return !c.Tombstone && c.TTL != NoTTL }

// ComplexColumn is a collection column: an optional complex deletion that
// shadows older sub-cells, plus the live sub-cells sorted by path.
type ComplexColumn struct {
	Column    []byte
	Tombstone Tombstone
	Cells     []Cell
}

// Row is a clustering row.
type Row struct {
	Clustering ClusteringPrefix
	Marker     LivenessInfo
	Tombstone  Tombstone
	// Shadowable is the materialized-view row tombstone overridden by any
	// newer live marker.
	Shadowable Tombstone
	Cells      []Cell
	Complex    []ComplexColumn
}

// StaticRow is the at-most-one per-partition row of static cells.
type StaticRow struct {
	Cells   []Cell
	Complex []ComplexColumn
}

// BoundKind classifies a range-tombstone bound or boundary, or a plain
// clustering row position. The numeric values are the mc on-disk encoding.
type BoundKind uint8

const (
	// BoundExclEnd ends a range tombstone, excluding its prefix.
	BoundExclEnd BoundKind = 0
	// BoundInclStart starts a range tombstone, including its prefix.
	BoundInclStart BoundKind = 1
	// BoundExclEndInclStart is a boundary: one tombstone ends exclusive,
	// another starts inclusive at the same prefix.
	BoundExclEndInclStart BoundKind = 2
	// BoundStaticClustering is the synthetic clustering of the static row.
	BoundStaticClustering BoundKind = 3
	// BoundClustering marks a plain clustering row.
	BoundClustering BoundKind = 4
	// BoundInclEndExclStart is a boundary: one tombstone ends inclusive,
	// another starts exclusive at the same prefix.
	BoundInclEndExclStart BoundKind = 5
	// BoundInclEnd ends a range tombstone, including its prefix.
	BoundInclEnd BoundKind = 6
	// BoundExclStart starts a range tombstone, excluding its prefix.
	BoundExclStart BoundKind = 7
)

// IsBoundary reports whether the kind carries two tombstones.
func (k BoundKind) IsBoundary() bool {
	return k == BoundExclEndInclStart || k == BoundInclEndExclStart
}

// IsStart reports whether the kind opens a range tombstone.
func (k BoundKind) IsStart() bool {
	return k == BoundInclStart || k == BoundExclStart || k.IsBoundary()
}

// IsEnd reports whether the kind closes a range tombstone.
func (k BoundKind) IsEnd() bool {
	return k == BoundInclEnd || k == BoundExclEnd || k.IsBoundary()
}

// weight places a bound kind relative to the rows matching its prefix.
func (k BoundKind) weight() int8 {
	switch k {
	case BoundExclEnd, BoundInclStart, BoundExclEndInclStart:
		return -1
	case BoundInclEndExclStart, BoundInclEnd, BoundExclStart:
		return 1
	default:
		return 0
	}
}

// Position returns the position of a bound of this kind at prefix p.
func (k BoundKind) Position(p ClusteringPrefix) Position {
	return Position{Prefix: p, Weight: k.weight()}
}

// RangeTombstone deletes a clustering interval.
type RangeTombstone struct {
	Start     ClusteringPrefix
	StartKind BoundKind // BoundInclStart or BoundExclStart
	End       ClusteringPrefix
	EndKind   BoundKind // BoundInclEnd or BoundExclEnd
	Tombstone Tombstone
}

// StartPosition returns the position of the start bound.
func (rt *RangeTombstone) StartPosition() Position {
	return rt.StartKind.Position(rt.Start)
}

// EndPosition returns the position of the end bound.
func (rt *RangeTombstone) EndPosition() Position {
	return rt.EndKind.Position(rt.End)
}

// Event is one element of the mutation stream produced by the reader:
// *PartitionStart, *StaticRow, *Row, *RangeTombstone, *PartitionEnd.
type Event interface {
	event()
}

// PartitionStart opens a partition, carrying its key and the partition
// tombstone (NoTombstone when the partition is live).
type PartitionStart struct {
	Key       DecoratedKey
	Tombstone Tombstone
}

// PartitionEnd closes a partition.
type PartitionEnd struct{}

func (*PartitionStart) event() {}
func (*StaticRow) event()      {}
func (*Row) event()            {}
func (*RangeTombstone) event() {}
func (*PartitionEnd) event()   {}
