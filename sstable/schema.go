// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"bytes"
	"encoding/binary"

	"github.com/spaolacci/murmur3"
)

// ColumnType carries the slice of type information the engine needs: the
// marshal-class name written into the serialization header, the fixed value
// length for types that have one, and a comparator. Full type (de)serialization
// lives outside the engine.
type ColumnType struct {
	Name        string
	FixedLength int // -1 when variable-length
	Compare     func(a, b []byte) int
}

// VariableLengthType returns a variable-length ColumnType with bytewise
// comparison.
func VariableLengthType(name string) ColumnType {
	return ColumnType{Name: name, FixedLength: -1, Compare: bytes.Compare}
}

// FixedLengthType returns a fixed-length ColumnType with bytewise comparison.
func FixedLengthType(name string, length int) ColumnType {
	return ColumnType{Name: name, FixedLength: length, Compare: bytes.Compare}
}

// ColumnDef describes one static or regular column.
type ColumnDef struct {
	Name      []byte
	Type      ColumnType
	IsComplex bool // collection column carrying sub-cells keyed by a path
	IsCounter bool
}

// Schema supplies the engine with everything it needs to interpret keys,
// clusterings and cells. Columns must be sorted by name, the order they are
// listed in the serialization header and written in each row.
type Schema struct {
	Keyspace string
	Table    string

	PartitionKeyType ColumnType
	ClusteringTypes  []ColumnType
	StaticColumns    []ColumnDef
	RegularColumns   []ColumnDef

	// Compound is whether clustering prefixes use the compound (composite)
	// encoding in the legacy formats. Single-component clustering keys of
	// old tables may be non-compound.
	Compound bool

	BloomFilterFPChance float64
	MinIndexInterval    uint32
	Compression         *CompressionParams // nil disables compression
}

// ColumnIndex returns the position of a column among the schema's static or
// regular columns, or -1.
func (s *Schema) ColumnIndex(static bool, name []byte) int {
	cols := s.RegularColumns
	if static {
		cols = s.StaticColumns
	}
	for i := range cols {
		if bytes.Equal(cols[i].Name, name) {
			return i
		}
	}
	return -1
}

// IndexedColumns returns the columns of one kind in serialization order:
// atomic columns first, then complex ones, schema order preserved within
// each group. Rows write their cells and their missing-columns bitmap in
// this order.
func (s *Schema) IndexedColumns(static bool) []ColumnDef {
	cols := s.RegularColumns
	if static {
		cols = s.StaticColumns
	}
	out := make([]ColumnDef, 0, len(cols))
	for _, c := range cols {
		if !c.IsComplex {
			out = append(out, c)
		}
	}
	for _, c := range cols {
		if c.IsComplex {
			out = append(out, c)
		}
	}
	return out
}

// ClusteringPrefix is a clustering key truncated to a leading subset of its
// components. A nil component is a null; an empty non-nil component is an
// empty value.
type ClusteringPrefix [][]byte

// Equal reports component-wise equality.
func (p ClusteringPrefix) Equal(o ClusteringPrefix) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if !bytes.Equal(p[i], o[i]) {
			return false
		}
	}
	return true
}

// Clone deep-copies the prefix. Writers retain prefixes across consume
// calls, so aliasing caller memory is not safe.
func (p ClusteringPrefix) Clone() ClusteringPrefix {
	if p == nil {
		return nil
	}
	out := make(ClusteringPrefix, len(p))
	for i, c := range p {
		if c != nil {
			out[i] = append([]byte(nil), c...)
		}
	}
	return out
}

// CompareClustering compares two prefixes component-wise using the schema's
// clustering comparators. A shorter prefix that matches the longer one's
// leading components compares equal here; bound weights break the tie.
func (s *Schema) CompareClustering(a, b ClusteringPrefix) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		cmp := bytes.Compare
		if i < len(s.ClusteringTypes) && s.ClusteringTypes[i].Compare != nil {
			cmp = s.ClusteringTypes[i].Compare
		}
		if c := cmp(a[i], b[i]); c != 0 {
			return c
		}
	}
	return 0
}

// Position is a point in the clustering order of a partition: a prefix plus
// a weight placing it before (-1), at (0) or after (+1) the rows matching
// that prefix.
type Position struct {
	Prefix ClusteringPrefix
	Weight int8
}

// PositionOf returns the position of a clustering row.
func PositionOf(p ClusteringPrefix) Position { return Position{Prefix: p} }

// PositionBefore returns the position immediately before rows matching p.
func PositionBefore(p ClusteringPrefix) Position { return Position{Prefix: p, Weight: -1} }

// PositionAfter returns the position immediately after rows matching p.
func PositionAfter(p ClusteringPrefix) Position { return Position{Prefix: p, Weight: 1} }

// ComparePositions orders positions within a partition.
func (s *Schema) ComparePositions(a, b Position) int {
	if c := s.CompareClustering(a.Prefix, b.Prefix); c != 0 {
		return c
	}
	// The shared components are equal. A shorter prefix with weight w
	// sorts before (w <= 0) or after (w > 0) every key extending it.
	if len(a.Prefix) != len(b.Prefix) {
		if len(a.Prefix) < len(b.Prefix) {
			if a.Weight <= 0 {
				return -1
			}
			return 1
		}
		if b.Weight <= 0 {
			return 1
		}
		return -1
	}
	return int(a.Weight) - int(b.Weight)
}

// Token is the partitioner-assigned sort key of a partition key. Tokens
// compare bytewise.
type Token []byte

// Compare orders tokens.
func (t Token) Compare(o Token) int { return bytes.Compare(t, o) }

// Partitioner maps partition keys to tokens. The production partitioner
// lives outside the engine; Murmur3Partitioner is provided for tests and
// tooling.
type Partitioner interface {
	Name() string
	Token(key []byte) Token
}

// Murmur3Partitioner tokens are the murmur3-128 upper half offset to sort
// as unsigned bytes.
type Murmur3Partitioner struct{}

// Name implements Partitioner.
func (Murmur3Partitioner) Name() string {
	return "org.apache.cassandra.dht.Murmur3Partitioner"
}

// Token implements Partitioner.
func (Murmur3Partitioner) Token(key []byte) Token {
	h1, _ := murmur3.Sum128(key)
	var t [8]byte
	binary.BigEndian.PutUint64(t[:], h1^(1<<63))
	return t[:]
}

// DecoratedKey is a partition key with its token.
type DecoratedKey struct {
	Token Token
	Key   []byte
}

// Compare orders decorated keys by (token, key bytes).
func (k DecoratedKey) Compare(o DecoratedKey) int {
	if c := k.Token.Compare(o.Token); c != 0 {
		return c
	}
	return bytes.Compare(k.Key, o.Key)
}
