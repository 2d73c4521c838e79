// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"github.com/xingdl2007/scylla/internal/base"
	"github.com/xingdl2007/scylla/internal/encoding"
)

// Row flags of the mc data file.
const (
	// Signals the end of the partition. Nothing follows a flags byte with
	// this flag.
	flagEndOfPartition uint8 = 0x01
	// Whether the encoded unfiltered is a marker or a row. All following
	// flags apply only to rows.
	flagIsMarker uint8 = 0x02
	// Whether the encoded row has a timestamp.
	flagHasTimestamp uint8 = 0x04
	// Whether the encoded row has TTL and local deletion time.
	flagHasTTL uint8 = 0x08
	// Whether the encoded row has some deletion info.
	flagHasDeletion uint8 = 0x10
	// Whether the encoded row has all of the columns from the header.
	flagHasAllColumns uint8 = 0x20
	// Whether the row has a complex deletion for at least one complex
	// column.
	flagHasComplexDeletion uint8 = 0x40
	// If present, another byte of extended flags follows.
	flagExtension uint8 = 0x80
)

// Extended row flags.
const (
	// Whether the encoded row is static.
	extFlagIsStatic uint8 = 0x01
	// The deprecated foreign shadowable-deletion convention. Never
	// written; files carrying it are rejected on read.
	extFlagShadowableCassandra uint8 = 0x02
	// Whether a shadowable tombstone follows the row deletion.
	extFlagShadowableScylla uint8 = 0x80
)

// Cell flags.
const (
	cellFlagIsDeleted       uint8 = 0x01
	cellFlagIsExpiring      uint8 = 0x02
	cellFlagHasEmptyValue   uint8 = 0x04
	cellFlagUseRowTimestamp uint8 = 0x08
	cellFlagUseRowTTL       uint8 = 0x10
)

// writeDeletionTime writes the plain (not delta) deletion-time struct: the
// local deletion time then the covered-write timestamp.
func writeDeletionTime(w *encoding.Writer, t Tombstone) error {
	if err := w.WriteInt32(t.LocalDeletionTime); err != nil {
		return err
	}
	return w.WriteInt64(t.Timestamp)
}

func readDeletionTime(r *encoding.Reader) (Tombstone, error) {
	ldt, err := r.ReadInt32()
	if err != nil {
		return Tombstone{}, err
	}
	ts, err := r.ReadInt64()
	if err != nil {
		return Tombstone{}, err
	}
	return Tombstone{Timestamp: ts, LocalDeletionTime: ldt}, nil
}

// Delta encodings: every time field of the mc layout is written as the
// zig-zagged difference from the serialization-header base.

func writeDeltaTimestamp(w *encoding.Writer, ts int64, enc EncodingStats) error {
	return w.WriteVint(ts - enc.MinTimestamp)
}

func readDeltaTimestamp(r *encoding.Reader, enc EncodingStats) (int64, error) {
	d, err := r.ReadVint()
	return enc.MinTimestamp + d, err
}

func writeDeltaTTL(w *encoding.Writer, ttl int32, enc EncodingStats) error {
	return w.WriteVint(int64(ttl) - int64(enc.MinTTL))
}

func readDeltaTTL(r *encoding.Reader, enc EncodingStats) (int32, error) {
	d, err := r.ReadVint()
	return int32(int64(enc.MinTTL) + d), err
}

func writeDeltaLocalDeletionTime(w *encoding.Writer, ldt int32, enc EncodingStats) error {
	return w.WriteVint(int64(ldt) - int64(enc.MinLocalDeletionTime))
}

func readDeltaLocalDeletionTime(r *encoding.Reader, enc EncodingStats) (int32, error) {
	d, err := r.ReadVint()
	return int32(int64(enc.MinLocalDeletionTime) + d), err
}

func writeDeltaDeletionTime(w *encoding.Writer, t Tombstone, enc EncodingStats) error {
	if err := writeDeltaTimestamp(w, t.Timestamp, enc); err != nil {
		return err
	}
	return writeDeltaLocalDeletionTime(w, t.LocalDeletionTime, enc)
}

func readDeltaDeletionTime(r *encoding.Reader, enc EncodingStats) (Tombstone, error) {
	ts, err := readDeltaTimestamp(r, enc)
	if err != nil {
		return Tombstone{}, err
	}
	ldt, err := readDeltaLocalDeletionTime(r, enc)
	if err != nil {
		return Tombstone{}, err
	}
	return Tombstone{Timestamp: ts, LocalDeletionTime: ldt}, nil
}

// Clustering components are preceded by one header word per 32 components,
// holding two bits each: null and empty. A component is materialized on the
// wire only when it is neither.
const (
	clusteringNullBit  = 0
	clusteringEmptyBit = 1
)

// writeClusteringElements writes the components of a prefix: header words
// interleaved every 32 components, fixed-length components raw, variable
// ones vint-length-prefixed.
func writeClusteringElements(w *encoding.Writer, s *Schema, p ClusteringPrefix) error {
	for base32 := 0; base32 < len(p); base32 += 32 {
		limit := len(p) - base32
		if limit > 32 {
			limit = 32
		}
		var header uint64
		for i := 0; i < limit; i++ {
			c := p[base32+i]
			if c == nil {
				header |= 1 << uint(2*i+clusteringNullBit)
			} else if len(c) == 0 {
				header |= 1 << uint(2*i+clusteringEmptyBit)
			}
		}
		if err := w.WriteUvint(header); err != nil {
			return err
		}
		for i := 0; i < limit; i++ {
			c := p[base32+i]
			if len(c) == 0 {
				continue
			}
			if err := writeCellValue(w, s.clusteringType(base32+i), c); err != nil {
				return err
			}
		}
	}
	return nil
}

// readClusteringElements reads size components.
func readClusteringElements(r *encoding.Reader, s *Schema, size int) (ClusteringPrefix, error) {
	p := make(ClusteringPrefix, 0, size)
	for base32 := 0; base32 < size; base32 += 32 {
		limit := size - base32
		if limit > 32 {
			limit = 32
		}
		header, err := r.ReadUvint()
		if err != nil {
			return nil, err
		}
		for i := 0; i < limit; i++ {
			switch {
			case header&(1<<uint(2*i+clusteringNullBit)) != 0:
				p = append(p, nil)
			case header&(1<<uint(2*i+clusteringEmptyBit)) != 0:
				p = append(p, []byte{})
			default:
				v, err := readCellValue(r, s.clusteringType(base32+i))
				if err != nil {
					return nil, err
				}
				p = append(p, v)
			}
		}
	}
	return p, nil
}

// clusteringType returns the type of clustering position i, defaulting to a
// variable-length type when the schema runs short (range-tombstone bounds
// can be longer than the declared clustering in corrupt inputs; the
// variable encoding at least keeps framing consistent).
func (s *Schema) clusteringType(i int) ColumnType {
	if i < len(s.ClusteringTypes) {
		return s.ClusteringTypes[i]
	}
	return VariableLengthType("")
}

// writeClusteringPrefixWithKind writes the bound kind, the prefix size for
// non-full prefixes, and the components. Plain clustering rows are always
// full and carry no explicit size.
func writeClusteringPrefixWithKind(w *encoding.Writer, s *Schema, kind BoundKind, p ClusteringPrefix) error {
	if kind == BoundStaticClustering {
		return base.CorruptionErrorf("sstable: static clustering cannot be written explicitly")
	}
	if err := w.WriteUint8(uint8(kind)); err != nil {
		return err
	}
	if kind != BoundClustering {
		size, err := encoding.CheckedCast[uint16](len(p))
		if err != nil {
			return err
		}
		if err := w.WriteUint16(size); err != nil {
			return err
		}
	}
	return writeClusteringElements(w, s, p)
}

// readClusteringPrefixWithKind mirrors writeClusteringPrefixWithKind.
func readClusteringPrefixWithKind(r *encoding.Reader, s *Schema) (ClusteringPrefix, BoundKind, error) {
	k, err := r.ReadUint8()
	if err != nil {
		return nil, 0, err
	}
	kind := BoundKind(k)
	if kind > BoundExclStart {
		return nil, 0, base.CorruptionErrorf("sstable: unknown bound kind %d", k)
	}
	size := len(s.ClusteringTypes)
	if kind != BoundClustering {
		sz, err := r.ReadUint16()
		if err != nil {
			return nil, 0, err
		}
		size = int(sz)
	}
	p, err := readClusteringElements(r, s, size)
	if err != nil {
		return nil, 0, err
	}
	return p, kind, nil
}

// writeMissingColumns encodes which of the n header columns are present in
// a row. Small column sets use a bitmask of the missing columns; larger
// ones list indices of whichever side is smaller.
func writeMissingColumns(w *encoding.Writer, n int, present []bool) error {
	missing := 0
	for _, p := range present {
		if !p {
			missing++
		}
	}
	if n <= 64 {
		var mask uint64
		for i := 0; i < n; i++ {
			if !present[i] {
				mask |= 1 << uint(i)
			}
		}
		return w.WriteUvint(mask)
	}
	if err := w.WriteUvint(uint64(missing)); err != nil {
		return err
	}
	listMissing := missing < n/2
	for i := 0; i < n; i++ {
		if present[i] == listMissing {
			continue
		}
		if err := w.WriteUvint(uint64(i)); err != nil {
			return err
		}
	}
	return nil
}

// readMissingColumns decodes the bitmap written by writeMissingColumns.
func readMissingColumns(r *encoding.Reader, n int) ([]bool, error) {
	present := make([]bool, n)
	if n <= 64 {
		mask, err := r.ReadUvint()
		if err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			present[i] = mask&(1<<uint(i)) == 0
		}
		return present, nil
	}
	missing, err := r.ReadUvint()
	if err != nil {
		return nil, err
	}
	listMissing := missing < uint64(n)/2
	count := missing
	if !listMissing {
		count = uint64(n) - missing
	}
	listed := make(map[uint64]bool, count)
	for i := uint64(0); i < count; i++ {
		idx, err := r.ReadUvint()
		if err != nil {
			return nil, err
		}
		if idx >= uint64(n) {
			return nil, base.CorruptionErrorf("sstable: column index %d out of range %d", idx, n)
		}
		listed[idx] = true
	}
	for i := 0; i < n; i++ {
		if listMissing {
			present[i] = !listed[uint64(i)]
		} else {
			present[i] = listed[uint64(i)]
		}
	}
	return present, nil
}

// writeCellValue writes a value: raw for fixed-length types, vint length
// prefixed otherwise.
func writeCellValue(w *encoding.Writer, typ ColumnType, value []byte) error {
	if typ.FixedLength >= 0 {
		if len(value) != typ.FixedLength {
			return base.CorruptionErrorf("sstable: fixed-length value of %d bytes for type %s expecting %d",
				len(value), typ.Name, typ.FixedLength)
		}
		return w.WriteBytes(value)
	}
	return w.WriteStringUvint(value)
}

func readCellValue(r *encoding.Reader, typ ColumnType) ([]byte, error) {
	if typ.FixedLength >= 0 {
		v := make([]byte, typ.FixedLength)
		if err := r.ReadBytes(v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return r.ReadStringUvint()
}
