// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"bytes"
	"math"
	"sort"

	"github.com/xingdl2007/scylla/internal/base"
	"github.com/xingdl2007/scylla/internal/encoding"
)

// MetadataType tags one entry of the Statistics component.
type MetadataType uint32

// The metadata kinds, in tag order.
const (
	MetadataValidation MetadataType = iota
	MetadataCompaction
	MetadataStats
	MetadataSerialization
)

// ValidationMetadata records what is needed to validate reads against the
// sstable: the partitioner that ordered it and the bloom filter chance.
type ValidationMetadata struct {
	Partitioner  []byte
	FilterChance float64
}

// CompactionMetadata carries the generations this sstable was compacted
// from and an opaque cardinality sketch.
type CompactionMetadata struct {
	AncestorGenerations []uint32
	CardinalitySketch   []byte
}

// ReplayPosition is the commit-log watermark covered by this sstable.
type ReplayPosition struct {
	SegmentID uint64
	Position  uint32
}

// StatsMetadata aggregates the per-sstable statistics collected while
// writing.
type StatsMetadata struct {
	EstimatedPartitionSize EstimatedHistogram
	EstimatedCellCount     EstimatedHistogram
	Position               ReplayPosition
	MinTimestamp           int64
	MaxTimestamp           int64
	MinTTL                 int32
	MaxTTL                 int32
	MaxLocalDeletionTime   int32
	CompressionRatio       float64
	TombstoneDropTime      StreamingHistogram
	SSTableLevel           uint32
	RepairedAt             uint64
	MinClusteringValues    [][]byte
	MaxClusteringValues    [][]byte
	HasLegacyCounterShards bool
	// RowsCount and ColumnsCount only exist on disk in the mc layout.
	ColumnsCount int64
	RowsCount    int64
}

// ColumnDesc is one column of the serialization header.
type ColumnDesc struct {
	Name     []byte
	TypeName []byte
}

// SerializationHeader is the mc-only statistics entry carrying the schema
// snapshot and the delta-encoding bases of the data file.
type SerializationHeader struct {
	MinTimestampBase         uint64
	MinLocalDeletionTimeBase uint64
	MinTTLBase               uint64
	PKTypeName               []byte
	ClusteringTypeNames      [][]byte
	StaticColumns            []ColumnDesc
	RegularColumns           []ColumnDesc
}

// The fixed epochs the mc delta encodings are measured against.
const (
	timestampEpoch    int64 = 1442880000000000
	deletionTimeEpoch int32 = 1442880000
	ttlEpoch          int32 = 0
)

// EncodingStats is the snapshot of minimal times the serialization header
// bases delta encodings on.
type EncodingStats struct {
	MinTimestamp         int64
	MinLocalDeletionTime int32
	MinTTL               int32
}

// DefaultEncodingStats returns the epochs themselves, yielding zero deltas
// for data written exactly at the epoch.
func DefaultEncodingStats() EncodingStats {
	return EncodingStats{
		MinTimestamp:         timestampEpoch,
		MinLocalDeletionTime: deletionTimeEpoch,
		MinTTL:               ttlEpoch,
	}
}

func makeSerializationHeader(s *Schema, enc EncodingStats) *SerializationHeader {
	h := &SerializationHeader{
		MinTimestampBase:         uint64(enc.MinTimestamp - timestampEpoch),
		MinLocalDeletionTimeBase: uint64(int64(enc.MinLocalDeletionTime) - int64(deletionTimeEpoch)),
		MinTTLBase:               uint64(int64(enc.MinTTL) - int64(ttlEpoch)),
		PKTypeName:               []byte(s.PartitionKeyType.Name),
	}
	for _, ct := range s.ClusteringTypes {
		h.ClusteringTypeNames = append(h.ClusteringTypeNames, []byte(ct.Name))
	}
	for _, c := range s.StaticColumns {
		h.StaticColumns = append(h.StaticColumns, ColumnDesc{Name: c.Name, TypeName: []byte(c.Type.Name)})
	}
	for _, c := range s.RegularColumns {
		h.RegularColumns = append(h.RegularColumns, ColumnDesc{Name: c.Name, TypeName: []byte(c.Type.Name)})
	}
	return h
}

// Statistics is the Statistics component: a tag-to-offset table followed by
// the concatenated metadata bodies.
type Statistics struct {
	Validation    *ValidationMetadata
	Compaction    *CompactionMetadata
	Stats         *StatsMetadata
	Serialization *SerializationHeader
}

func writeValidationMetadata(w *encoding.Writer, m *ValidationMetadata) error {
	if err := w.WriteString16(m.Partitioner); err != nil {
		return err
	}
	return w.WriteDouble(m.FilterChance)
}

func readValidationMetadata(r *encoding.Reader) (*ValidationMetadata, error) {
	m := &ValidationMetadata{}
	var err error
	if m.Partitioner, err = r.ReadString16(); err != nil {
		return nil, err
	}
	if m.FilterChance, err = r.ReadDouble(); err != nil {
		return nil, err
	}
	return m, nil
}

func writeCompactionMetadata(w *encoding.Writer, m *CompactionMetadata) error {
	n, err := encoding.CheckedCast[uint32](len(m.AncestorGenerations))
	if err != nil {
		return err
	}
	if err := w.WriteUint32(n); err != nil {
		return err
	}
	for _, g := range m.AncestorGenerations {
		if err := w.WriteUint32(g); err != nil {
			return err
		}
	}
	return w.WriteString32(m.CardinalitySketch)
}

func readCompactionMetadata(r *encoding.Reader) (*CompactionMetadata, error) {
	m := &CompactionMetadata{}
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		g, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		m.AncestorGenerations = append(m.AncestorGenerations, g)
	}
	if m.CardinalitySketch, err = r.ReadString32(); err != nil {
		return nil, err
	}
	return m, nil
}

func writeColumnNames(w *encoding.Writer, names [][]byte) error {
	n, err := encoding.CheckedCast[uint32](len(names))
	if err != nil {
		return err
	}
	if err := w.WriteUint32(n); err != nil {
		return err
	}
	for _, name := range names {
		if err := w.WriteString16(name); err != nil {
			return err
		}
	}
	return nil
}

func readColumnNames(r *encoding.Reader) ([][]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	names := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		name, err := r.ReadString16()
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func writeStatsMetadata(w *encoding.Writer, v Version, m *StatsMetadata) error {
	if err := writeEstimatedHistogram(w, &m.EstimatedPartitionSize); err != nil {
		return err
	}
	if err := writeEstimatedHistogram(w, &m.EstimatedCellCount); err != nil {
		return err
	}
	if err := w.WriteUint64(m.Position.SegmentID); err != nil {
		return err
	}
	if err := w.WriteUint32(m.Position.Position); err != nil {
		return err
	}
	if err := w.WriteInt64(m.MinTimestamp); err != nil {
		return err
	}
	if err := w.WriteInt64(m.MaxTimestamp); err != nil {
		return err
	}
	if err := w.WriteInt32(m.MinTTL); err != nil {
		return err
	}
	if err := w.WriteInt32(m.MaxTTL); err != nil {
		return err
	}
	if err := w.WriteInt32(m.MaxLocalDeletionTime); err != nil {
		return err
	}
	if err := w.WriteDouble(m.CompressionRatio); err != nil {
		return err
	}
	if err := writeStreamingHistogram(w, &m.TombstoneDropTime); err != nil {
		return err
	}
	if err := w.WriteUint32(m.SSTableLevel); err != nil {
		return err
	}
	if err := w.WriteUint64(m.RepairedAt); err != nil {
		return err
	}
	if err := writeColumnNames(w, m.MinClusteringValues); err != nil {
		return err
	}
	if err := writeColumnNames(w, m.MaxClusteringValues); err != nil {
		return err
	}
	if err := w.WriteBool(m.HasLegacyCounterShards); err != nil {
		return err
	}
	if v == VersionMC {
		if err := w.WriteInt64(m.ColumnsCount); err != nil {
			return err
		}
		if err := w.WriteInt64(m.RowsCount); err != nil {
			return err
		}
	}
	return nil
}

func readStatsMetadata(r *encoding.Reader, v Version) (*StatsMetadata, error) {
	m := &StatsMetadata{}
	var err error
	if err = readEstimatedHistogram(r, &m.EstimatedPartitionSize); err != nil {
		return nil, err
	}
	if err = readEstimatedHistogram(r, &m.EstimatedCellCount); err != nil {
		return nil, err
	}
	if m.Position.SegmentID, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if m.Position.Position, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if m.MinTimestamp, err = r.ReadInt64(); err != nil {
		return nil, err
	}
	if m.MaxTimestamp, err = r.ReadInt64(); err != nil {
		return nil, err
	}
	if m.MinTTL, err = r.ReadInt32(); err != nil {
		return nil, err
	}
	if m.MaxTTL, err = r.ReadInt32(); err != nil {
		return nil, err
	}
	if m.MaxLocalDeletionTime, err = r.ReadInt32(); err != nil {
		return nil, err
	}
	if m.CompressionRatio, err = r.ReadDouble(); err != nil {
		return nil, err
	}
	if err = readStreamingHistogram(r, &m.TombstoneDropTime); err != nil {
		return nil, err
	}
	if m.SSTableLevel, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if m.RepairedAt, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if m.MinClusteringValues, err = readColumnNames(r); err != nil {
		return nil, err
	}
	if m.MaxClusteringValues, err = readColumnNames(r); err != nil {
		return nil, err
	}
	if m.HasLegacyCounterShards, err = r.ReadBool(); err != nil {
		return nil, err
	}
	if v == VersionMC {
		if m.ColumnsCount, err = r.ReadInt64(); err != nil {
			return nil, err
		}
		if m.RowsCount, err = r.ReadInt64(); err != nil {
			return nil, err
		}
	}
	// Writers that predate the deletion-time fix emitted bogus epochs;
	// clamp rather than let an invalid time drive purge decisions.
	if m.MaxLocalDeletionTime < 0 {
		m.MaxLocalDeletionTime = math.MaxInt32
	}
	return m, nil
}

func writeSerializationHeader(w *encoding.Writer, h *SerializationHeader) error {
	if err := w.WriteUvint(h.MinTimestampBase); err != nil {
		return err
	}
	if err := w.WriteUvint(h.MinLocalDeletionTimeBase); err != nil {
		return err
	}
	if err := w.WriteUvint(h.MinTTLBase); err != nil {
		return err
	}
	if err := w.WriteStringUvint(h.PKTypeName); err != nil {
		return err
	}
	if err := w.WriteUvint(uint64(len(h.ClusteringTypeNames))); err != nil {
		return err
	}
	for _, name := range h.ClusteringTypeNames {
		if err := w.WriteStringUvint(name); err != nil {
			return err
		}
	}
	for _, cols := range [][]ColumnDesc{h.StaticColumns, h.RegularColumns} {
		if err := w.WriteUvint(uint64(len(cols))); err != nil {
			return err
		}
		for _, c := range cols {
			if err := w.WriteStringUvint(c.Name); err != nil {
				return err
			}
			if err := w.WriteStringUvint(c.TypeName); err != nil {
				return err
			}
		}
	}
	return nil
}

func readSerializationHeader(r *encoding.Reader) (*SerializationHeader, error) {
	h := &SerializationHeader{}
	var err error
	if h.MinTimestampBase, err = r.ReadUvint(); err != nil {
		return nil, err
	}
	if h.MinLocalDeletionTimeBase, err = r.ReadUvint(); err != nil {
		return nil, err
	}
	if h.MinTTLBase, err = r.ReadUvint(); err != nil {
		return nil, err
	}
	if h.PKTypeName, err = r.ReadStringUvint(); err != nil {
		return nil, err
	}
	n, err := r.ReadUvint()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		name, err := r.ReadStringUvint()
		if err != nil {
			return nil, err
		}
		h.ClusteringTypeNames = append(h.ClusteringTypeNames, name)
	}
	for _, cols := range []*[]ColumnDesc{&h.StaticColumns, &h.RegularColumns} {
		n, err := r.ReadUvint()
		if err != nil {
			return nil, err
		}
		for i := uint64(0); i < n; i++ {
			name, err := r.ReadStringUvint()
			if err != nil {
				return nil, err
			}
			typeName, err := r.ReadStringUvint()
			if err != nil {
				return nil, err
			}
			*cols = append(*cols, ColumnDesc{Name: name, TypeName: typeName})
		}
	}
	return h, nil
}

// EncodingStats returns the delta bases of the data file.
func (h *SerializationHeader) EncodingStats() EncodingStats {
	return EncodingStats{
		MinTimestamp:         int64(h.MinTimestampBase) + timestampEpoch,
		MinLocalDeletionTime: int32(int64(h.MinLocalDeletionTimeBase) + int64(deletionTimeEpoch)),
		MinTTL:               int32(int64(h.MinTTLBase) + int64(ttlEpoch)),
	}
}

// writeStatistics serializes the component: a count-prefixed (tag, offset)
// table sorted by tag, then the bodies at those offsets.
func writeStatistics(w *encoding.Writer, v Version, s *Statistics) error {
	type entry struct {
		tag  MetadataType
		body []byte
	}
	var entries []entry
	marshal := func(tag MetadataType, f func(*encoding.Writer) error) error {
		var buf bytes.Buffer
		bw := encoding.NewWriter(&buf)
		if err := f(bw); err != nil {
			return err
		}
		entries = append(entries, entry{tag, buf.Bytes()})
		return nil
	}
	if s.Validation != nil {
		if err := marshal(MetadataValidation, func(bw *encoding.Writer) error {
			return writeValidationMetadata(bw, s.Validation)
		}); err != nil {
			return err
		}
	}
	if s.Compaction != nil {
		if err := marshal(MetadataCompaction, func(bw *encoding.Writer) error {
			return writeCompactionMetadata(bw, s.Compaction)
		}); err != nil {
			return err
		}
	}
	if s.Stats != nil {
		if err := marshal(MetadataStats, func(bw *encoding.Writer) error {
			return writeStatsMetadata(bw, v, s.Stats)
		}); err != nil {
			return err
		}
	}
	if s.Serialization != nil {
		if err := marshal(MetadataSerialization, func(bw *encoding.Writer) error {
			return writeSerializationHeader(bw, s.Serialization)
		}); err != nil {
			return err
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })
	count, err := encoding.CheckedCast[uint32](len(entries))
	if err != nil {
		return err
	}
	if err := w.WriteUint32(count); err != nil {
		return err
	}
	offset := uint32(4 + 8*len(entries))
	for _, e := range entries {
		if err := w.WriteUint32(uint32(e.tag)); err != nil {
			return err
		}
		if err := w.WriteUint32(offset); err != nil {
			return err
		}
		offset += uint32(len(e.body))
	}
	for _, e := range entries {
		if err := w.WriteBytes(e.body); err != nil {
			return err
		}
	}
	return nil
}

// parseStatistics parses the component from its full contents. Old writers
// did not always emit the offset table sorted; the offsets are sorted before
// being trusted. A serialization header outside mc is a corruption. Unknown
// tags are skipped.
func parseStatistics(data []byte, v Version, s *Schema, logger base.Logger) (*Statistics, error) {
	r := encoding.NewReader(bytes.NewReader(data))
	count, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	type tagOffset struct {
		tag    MetadataType
		offset uint32
	}
	offsets := make([]tagOffset, 0, count)
	for i := uint32(0); i < count; i++ {
		tag, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		off, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		offsets = append(offsets, tagOffset{MetadataType(tag), off})
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i].tag < offsets[j].tag })

	st := &Statistics{}
	for _, to := range offsets {
		if uint64(to.offset) > uint64(len(data)) {
			return nil, base.CorruptionErrorf("sstable: statistics offset %d beyond component size %d", to.offset, len(data))
		}
		er := encoding.NewReader(bytes.NewReader(data[to.offset:]))
		switch to.tag {
		case MetadataValidation:
			if st.Validation, err = readValidationMetadata(er); err != nil {
				return nil, err
			}
		case MetadataCompaction:
			if st.Compaction, err = readCompactionMetadata(er); err != nil {
				return nil, err
			}
		case MetadataStats:
			if st.Stats, err = readStatsMetadata(er, v); err != nil {
				return nil, err
			}
		case MetadataSerialization:
			if v != VersionMC {
				return nil, base.CorruptionErrorf(
					"sstable: statistics is malformed: sstable is in 2.x format but contains serialization header")
			}
			if st.Serialization, err = readSerializationHeader(er); err != nil {
				return nil, err
			}
		default:
			logger.Infof("invalid metadata type at Statistics file: %d", to.tag)
		}
	}
	if st.Stats != nil {
		validateClusteringValues(st.Stats, s)
	}
	return st, nil
}

// validateClusteringValues self-checks the min/max clustering components.
// Legacy writers produced shapes a reader cannot interpret safely: composite
// encodings of single-component clusterings (indistinguishable from the raw
// value) and column names leaked into the arrays. On any failed check both
// arrays are cleared rather than propagated.
func validateClusteringValues(m *StatsMetadata, s *Schema) {
	clear := func() {
		m.MinClusteringValues = nil
		m.MaxClusteringValues = nil
	}
	if len(m.MinClusteringValues) == 0 && len(m.MaxClusteringValues) == 0 {
		return
	}
	if len(m.MinClusteringValues) != len(m.MaxClusteringValues) {
		clear()
		return
	}
	if len(s.ClusteringTypes) == 0 {
		clear()
		return
	}
	for _, vals := range [][][]byte{m.MinClusteringValues, m.MaxClusteringValues} {
		for _, v := range vals {
			if len(s.ClusteringTypes) == 1 && looksLikeComposite(v) {
				clear()
				return
			}
			if columnNameInSchema(s, v) {
				clear()
				return
			}
		}
	}
}

// looksLikeComposite reports whether v parses as a one-component composite
// encoding (u16 length, bytes, end-of-component byte).
func looksLikeComposite(v []byte) bool {
	if len(v) < 3 {
		return false
	}
	n := int(v[0])<<8 | int(v[1])
	return len(v) == n+3 && v[len(v)-1] == 0
}

func columnNameInSchema(s *Schema, v []byte) bool {
	for _, cols := range [][]ColumnDef{s.StaticColumns, s.RegularColumns} {
		for _, c := range cols {
			if bytes.Equal(c.Name, v) {
				return true
			}
		}
	}
	return false
}
