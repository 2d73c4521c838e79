// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"bytes"
	"math"

	"github.com/xingdl2007/scylla/internal/encoding"
)

// Legacy (ka/la) cell masks.
const (
	legacyMaskDeletion       uint8 = 0x01
	legacyMaskExpiration     uint8 = 0x02
	legacyMaskCounter        uint8 = 0x04
	legacyMaskCounterUpdate  uint8 = 0x08
	legacyMaskRangeTombstone uint8 = 0x10
	legacyMaskShadowable     uint8 = 0x40
)

// legacyStaticMarker prefixes composite names of static cells.
const legacyStaticMarker uint16 = 0xFFFF

// End-of-component bytes of composite bounds.
const (
	eocNone  int8 = 0
	eocStart int8 = -1
	eocEnd   int8 = 1
)

// writerLegacy writes the row-oriented ka/la data framing: one record per
// cell, clustering-prefixed composite column names, and an end-of-row
// sentinel per partition.
type writerLegacy struct {
	*writerShared
	schema *Schema

	rts rangeTombstoneAccumulator

	partitionDeletion Tombstone
	staticWritten     bool

	pi struct {
		blocks               []legacyPromotedBlock
		deletion             Tombstone
		blockStartOffset     uint64
		blockNextStartOffset uint64
		blockFirstName       []byte
		blockLastName        []byte
		headerEnd            uint64
	}
}

func newWriterLegacy(shared *writerShared) *writerLegacy {
	return &writerLegacy{
		writerShared: shared,
		schema:       shared.t.schema,
		rts:          newRangeTombstoneAccumulator(shared.t.schema),
	}
}

// compositeName builds a legacy column name from a clustering prefix, a
// column name component and an optional collection path. Static cells get
// the static marker prefix. The end-of-component byte of the last component
// encodes bound inclusivity for range-tombstone names.
func (w *writerLegacy) compositeName(clustering ClusteringPrefix, column, path []byte, static bool, eoc int8) ([]byte, error) {
	var buf bytes.Buffer
	bw := encoding.NewWriter(&buf)
	if !w.schema.Compound && !static {
		// Non-compound names are the single component raw.
		if len(clustering) > 0 {
			return append([]byte(nil), clustering[0]...), nil
		}
		return append([]byte(nil), column...), nil
	}
	if static {
		if err := bw.WriteUint16(legacyStaticMarker); err != nil {
			return nil, err
		}
	}
	components := make([][]byte, 0, len(clustering)+2)
	for _, c := range clustering {
		components = append(components, c)
	}
	if column != nil || path != nil {
		components = append(components, column)
	}
	if path != nil {
		components = append(components, path)
	}
	for i, c := range components {
		if err := bw.WriteString16(c); err != nil {
			return nil, err
		}
		e := eocNone
		if i == len(components)-1 {
			e = eoc
		}
		if err := bw.WriteInt8(e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// boundName builds the composite name of a range-tombstone bound. The
// broken non-compound encoding wraps the single component in a composite,
// which peers predating the fix expect.
func (w *writerLegacy) boundName(p ClusteringPrefix, kind BoundKind) ([]byte, error) {
	var eoc int8
	switch kind {
	case BoundInclStart:
		eoc = eocStart
	case BoundExclStart:
		eoc = eocEnd
	case BoundInclEnd:
		eoc = eocEnd
	case BoundExclEnd:
		eoc = eocStart
	}
	if !w.schema.Compound && w.opts.CorrectlySerializeNonCompoundRangeTombstones {
		if len(p) > 0 {
			return append([]byte(nil), p[0]...), nil
		}
		return nil, nil
	}
	var buf bytes.Buffer
	bw := encoding.NewWriter(&buf)
	for i, c := range p {
		if err := bw.WriteString16(c); err != nil {
			return nil, err
		}
		e := eocNone
		if i == len(p)-1 {
			e = eoc
		}
		if err := bw.WriteInt8(e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (w *writerLegacy) ConsumeNewPartition(dk DecoratedKey) error {
	if err := w.startPartition(dk); err != nil {
		return err
	}
	w.pi.blocks = nil
	w.pi.deletion = NoTombstone
	w.pi.blockFirstName = nil
	w.pi.blockLastName = nil
	w.rts = newRangeTombstoneAccumulator(w.schema)
	w.staticWritten = false
	w.partitionDeletion = NoTombstone
	return w.dw.WriteString16(dk.Key)
}

func (w *writerLegacy) ConsumePartitionTombstone(t Tombstone) error {
	if err := writeDeletionTime(w.dw, t); err != nil {
		return err
	}
	if t.IsSet() {
		w.stats.updateTombstone(t)
	}
	w.partitionDeletion = t
	w.pi.deletion = t
	w.pi.headerEnd = w.dataPosition()
	w.tombstoneWritten = true
	return nil
}

func (w *writerLegacy) ensureTombstoneIsWritten() error {
	if w.tombstoneWritten {
		return nil
	}
	return w.ConsumePartitionTombstone(NoTombstone)
}

func (w *writerLegacy) ConsumeStaticRow(sr *StaticRow) error {
	if err := w.ensureTombstoneIsWritten(); err != nil {
		return err
	}
	for i := range sr.Cells {
		c := &sr.Cells[i]
		name, err := w.compositeName(nil, c.Column, c.Path, true, eocNone)
		if err != nil {
			return err
		}
		if err := w.writeCellRecord(name, c); err != nil {
			return err
		}
	}
	for i := range sr.Complex {
		cc := &sr.Complex[i]
		for j := range cc.Cells {
			c := &cc.Cells[j]
			name, err := w.compositeName(nil, cc.Column, c.Path, true, eocNone)
			if err != nil {
				return err
			}
			if err := w.writeCellRecord(name, c); err != nil {
				return err
			}
		}
	}
	w.staticWritten = true
	return nil
}

func (w *writerLegacy) ConsumeRow(r *Row) error {
	pos := PositionOf(r.Clustering)
	if err := w.drainTombstones(&pos); err != nil {
		return err
	}
	metricRowsWritten.Inc()
	w.stats.rowsCount++
	w.stats.updateClusteringValues(w.schema, r.Clustering)

	// The row marker is a cell with an empty column name.
	if !r.Marker.IsMissing() {
		name, err := w.compositeName(r.Clustering, []byte{}, nil, false, eocNone)
		if err != nil {
			return err
		}
		marker := Cell{Timestamp: r.Marker.Timestamp, TTL: r.Marker.TTL, Expiry: r.Marker.LocalDeletionTime}
		if err := w.writeCellRecord(name, &marker); err != nil {
			return err
		}
	}
	if r.Tombstone.IsSet() || r.Shadowable.IsSet() {
		if err := w.writeRowTombstone(r); err != nil {
			return err
		}
	}
	for i := range r.Cells {
		c := &r.Cells[i]
		name, err := w.compositeName(r.Clustering, c.Column, c.Path, false, eocNone)
		if err != nil {
			return err
		}
		if err := w.writeCellRecord(name, c); err != nil {
			return err
		}
	}
	for i := range r.Complex {
		cc := &r.Complex[i]
		if cc.Tombstone.IsSet() {
			start, err := w.compositeName(r.Clustering, cc.Column, nil, false, eocStart)
			if err != nil {
				return err
			}
			end, err := w.compositeName(r.Clustering, cc.Column, nil, false, eocEnd)
			if err != nil {
				return err
			}
			if err := w.writeRangeTombstoneRecord(start, end, cc.Tombstone, false); err != nil {
				return err
			}
		}
		for j := range cc.Cells {
			c := &cc.Cells[j]
			name, err := w.compositeName(r.Clustering, cc.Column, c.Path, false, eocNone)
			if err != nil {
				return err
			}
			if err := w.writeCellRecord(name, c); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeRowTombstone encodes a legacy row deletion: a range tombstone
// covering exactly the row's clustering.
func (w *writerLegacy) writeRowTombstone(r *Row) error {
	start, err := w.compositeName(r.Clustering, nil, nil, false, eocStart)
	if err != nil {
		return err
	}
	end, err := w.compositeName(r.Clustering, nil, nil, false, eocEnd)
	if err != nil {
		return err
	}
	if r.Shadowable.IsSet() {
		return w.writeRangeTombstoneRecord(start, end, r.Shadowable, true)
	}
	return w.writeRangeTombstoneRecord(start, end, r.Tombstone, false)
}

func (w *writerLegacy) ConsumeRangeTombstone(rt *RangeTombstone) error {
	pos := rt.StartPosition()
	if err := w.drainTombstones(&pos); err != nil {
		return err
	}
	w.rts.apply(*rt)
	return nil
}

func (w *writerLegacy) drainTombstones(pos *Position) error {
	if err := w.ensureTombstoneIsWritten(); err != nil {
		return err
	}
	for {
		rt, ok := w.rts.next(pos)
		if !ok {
			return nil
		}
		start, err := w.boundName(rt.Start, rt.StartKind)
		if err != nil {
			return err
		}
		end, err := w.boundName(rt.End, rt.EndKind)
		if err != nil {
			return err
		}
		w.stats.updateTombstone(rt.Tombstone)
		if err := w.writeRangeTombstoneRecord(start, end, rt.Tombstone, false); err != nil {
			return err
		}
	}
}

// writeRangeTombstoneRecord writes a start name, the range-tombstone mask,
// the end name and the deletion body.
func (w *writerLegacy) writeRangeTombstoneRecord(start, end []byte, t Tombstone, shadowable bool) error {
	w.maybeTrackPIName(start)
	if err := w.dw.WriteString16(start); err != nil {
		return err
	}
	mask := legacyMaskRangeTombstone
	if shadowable {
		mask |= legacyMaskShadowable
	}
	if err := w.dw.WriteUint8(mask); err != nil {
		return err
	}
	if err := w.dw.WriteString16(end); err != nil {
		return err
	}
	if err := w.dw.WriteInt32(t.LocalDeletionTime); err != nil {
		return err
	}
	if err := w.dw.WriteInt64(t.Timestamp); err != nil {
		return err
	}
	w.trackPILast(start)
	return nil
}

// writeCellRecord writes one column record: name, mask and mask-dependent
// body.
func (w *writerLegacy) writeCellRecord(name []byte, c *Cell) error {
	w.maybeTrackPIName(name)
	if err := w.dw.WriteString16(name); err != nil {
		return err
	}
	w.partitionCells++
	w.stats.updateCell(c)
	switch {
	case c.Tombstone:
		if err := w.dw.WriteUint8(legacyMaskDeletion); err != nil {
			return err
		}
		if err := w.dw.WriteInt64(c.Timestamp); err != nil {
			return err
		}
		if err := w.dw.WriteUint32(4); err != nil {
			return err
		}
		if err := w.dw.WriteInt32(c.Expiry); err != nil {
			return err
		}
	case c.Counter:
		if err := w.dw.WriteUint8(legacyMaskCounter); err != nil {
			return err
		}
		// Timestamp of last delete is not tracked; the minimal value
		// means "never".
		if err := w.dw.WriteInt64(math.MinInt64); err != nil {
			return err
		}
		if err := w.dw.WriteInt64(c.Timestamp); err != nil {
			return err
		}
		if err := w.dw.WriteString32(c.Value); err != nil {
			return err
		}
	case c.Expiring():
		if err := w.dw.WriteUint8(legacyMaskExpiration); err != nil {
			return err
		}
		if err := w.dw.WriteUint32(uint32(c.TTL)); err != nil {
			return err
		}
		if err := w.dw.WriteUint32(uint32(c.Expiry)); err != nil {
			return err
		}
		if err := w.dw.WriteInt64(c.Timestamp); err != nil {
			return err
		}
		if err := w.dw.WriteString32(c.Value); err != nil {
			return err
		}
	default:
		if err := w.dw.WriteUint8(0); err != nil {
			return err
		}
		if err := w.dw.WriteInt64(c.Timestamp); err != nil {
			return err
		}
		if err := w.dw.WriteString32(c.Value); err != nil {
			return err
		}
	}
	w.trackPILast(name)
	return nil
}

// maybeTrackPIName opens a promoted-index block at the current position if
// none is open.
func (w *writerLegacy) maybeTrackPIName(name []byte) {
	if w.pi.blockFirstName != nil {
		return
	}
	pos := w.dataPosition()
	w.pi.blockFirstName = append([]byte(nil), name...)
	w.pi.blockStartOffset = pos
	w.pi.blockNextStartOffset = pos + w.opts.PromotedIndexBlockSize
}

func (w *writerLegacy) trackPILast(name []byte) {
	w.pi.blockLastName = append(w.pi.blockLastName[:0], name...)
	pos := w.dataPosition()
	if pos < w.pi.blockNextStartOffset {
		return
	}
	w.pi.blocks = append(w.pi.blocks, legacyPromotedBlock{
		FirstName: w.pi.blockFirstName,
		LastName:  append([]byte(nil), w.pi.blockLastName...),
		Offset:    w.pi.blockStartOffset - w.pi.headerEnd,
		Width:     pos - w.pi.blockStartOffset,
	})
	w.pi.blockFirstName = nil
	w.pi.blockNextStartOffset = pos + w.opts.PromotedIndexBlockSize
}

func (w *writerLegacy) ConsumeEndOfPartition() (bool, error) {
	if err := w.drainTombstones(nil); err != nil {
		return false, err
	}
	// Close a trailing partial block, unless no block was ever cut; a
	// single-chunk promoted index is not worth its bytes.
	if len(w.pi.blocks) > 0 && w.pi.blockFirstName != nil {
		w.pi.blocks = append(w.pi.blocks, legacyPromotedBlock{
			FirstName: w.pi.blockFirstName,
			LastName:  append([]byte(nil), w.pi.blockLastName...),
			Offset:    w.pi.blockStartOffset - w.pi.headerEnd,
			Width:     w.dataPosition() - w.pi.blockStartOffset,
		})
	}
	if err := writePromotedIndexLegacy(w.iw, w.pi.deletion, w.pi.blocks); err != nil {
		return false, err
	}
	// End-of-row sentinel.
	if err := w.dw.WriteInt16(0); err != nil {
		return false, err
	}
	return w.endPartition(), nil
}

func (w *writerLegacy) ConsumeEndOfStream() error {
	return w.finish()
}

func (w *writerLegacy) Close() error {
	w.abort()
	return nil
}
