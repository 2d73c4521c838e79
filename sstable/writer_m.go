// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"bytes"

	"github.com/xingdl2007/scylla/internal/encoding"
)

// rtMarker is one range-tombstone marker of the mc data file: a bound or a
// boundary. A boundary carries the tombstone of the closing run in Tomb and
// the opening run in BoundaryTomb.
type rtMarker struct {
	clustering   ClusteringPrefix
	kind         BoundKind
	tomb         Tombstone
	boundaryTomb *Tombstone
}

func (m *rtMarker) position() Position {
	return m.kind.Position(m.clustering)
}

type clusteringInfo struct {
	clustering ClusteringPrefix
	kind       BoundKind
}

// writerM writes the mc (row-grouped) data framing.
type writerM struct {
	*writerShared
	schema *Schema

	rts           rangeTombstoneAccumulator
	endOpenMarker *rtMarker

	staticRowWritten      bool
	partitionHeaderLength uint64
	prevRowStart          uint64

	staticColumns  []ColumnDef
	regularColumns []ColumnDef

	pi struct {
		blocks               []PromotedIndexBlock
		tomb                 Tombstone
		blockStartOffset     uint64
		blockNextStartOffset uint64
		firstClustering      *clusteringInfo
		lastClustering       *clusteringInfo
	}

	// Row bodies are staged here so the body size can prefix them.
	tmp bytes.Buffer
}

func newWriterM(shared *writerShared) *writerM {
	w := &writerM{
		writerShared:   shared,
		schema:         shared.t.schema,
		rts:            newRangeTombstoneAccumulator(shared.t.schema),
		staticColumns:  shared.t.schema.IndexedColumns(true),
		regularColumns: shared.t.schema.IndexedColumns(false),
	}
	return w
}

func (w *writerM) ConsumeNewPartition(dk DecoratedKey) error {
	w.prevRowStart = w.dataPosition()
	if err := w.startPartition(dk); err != nil {
		return err
	}
	w.pi.blocks = nil
	w.pi.tomb = NoTombstone
	w.pi.firstClustering = nil
	w.pi.lastClustering = nil
	w.rts = newRangeTombstoneAccumulator(w.schema)
	w.endOpenMarker = nil
	w.staticRowWritten = false

	if err := w.dw.WriteString16(dk.Key); err != nil {
		return err
	}
	w.partitionHeaderLength = w.dataPosition() - w.partitionStartOffset
	return nil
}

func (w *writerM) ConsumePartitionTombstone(t Tombstone) error {
	pos := w.dataPosition()
	if err := writeDeletionTime(w.dw, t); err != nil {
		return err
	}
	w.partitionHeaderLength += w.dataPosition() - pos
	if t.IsSet() {
		w.stats.updateTombstone(t)
	}
	w.pi.tomb = t
	w.tombstoneWritten = true
	return nil
}

func (w *writerM) ensureTombstoneIsWritten() error {
	if w.tombstoneWritten {
		return nil
	}
	return w.ConsumePartitionTombstone(NoTombstone)
}

func (w *writerM) ensureStaticRowIsWrittenIfNeeded() error {
	if w.staticRowWritten || len(w.staticColumns) == 0 {
		return nil
	}
	// Static-only readers expect the static row bytes even when the
	// partition carries no static cells.
	return w.ConsumeStaticRow(&StaticRow{})
}

func (w *writerM) ConsumeStaticRow(sr *StaticRow) error {
	if err := w.ensureTombstoneIsWritten(); err != nil {
		return err
	}
	pos := w.dataPosition()

	flags := flagExtension
	if len(sr.Cells)+len(sr.Complex) == len(w.staticColumns) {
		flags |= flagHasAllColumns
	}
	hasComplexDeletion := false
	for i := range sr.Complex {
		if sr.Complex[i].Tombstone.IsSet() {
			hasComplexDeletion = true
		}
	}
	if hasComplexDeletion {
		flags |= flagHasComplexDeletion
	}
	if err := w.dw.WriteUint8(flags); err != nil {
		return err
	}
	if err := w.dw.WriteUint8(extFlagIsStatic); err != nil {
		return err
	}

	w.tmp.Reset()
	tw := encoding.NewWriter(&w.tmp)
	if err := w.writeCells(tw, true, sr.Cells, sr.Complex, rowTimeProperties{}, hasComplexDeletion); err != nil {
		return err
	}
	// The static row always comes first, so the previous row size is
	// always zero.
	bodySize := uint64(w.tmp.Len()) + uint64(encoding.UvintSize(0))
	if err := w.dw.WriteUvint(bodySize); err != nil {
		return err
	}
	if err := w.dw.WriteUvint(0); err != nil {
		return err
	}
	if err := w.dw.WriteBytes(w.tmp.Bytes()); err != nil {
		return err
	}

	w.partitionHeaderLength += w.dataPosition() - pos
	w.stats.rowsCount++
	w.staticRowWritten = true
	return nil
}

func (w *writerM) ConsumeRow(r *Row) error {
	pos := PositionAfter(r.Clustering)
	if err := w.drainTombstones(&pos); err != nil {
		return err
	}
	metricRowsWritten.Inc()
	return w.writeClusteredRow(r)
}

func (w *writerM) ConsumeRangeTombstone(rt *RangeTombstone) error {
	pos := rt.StartPosition()
	if err := w.drainTombstones(&pos); err != nil {
		return err
	}
	w.rts.apply(*rt)
	return nil
}

func (w *writerM) ConsumeEndOfPartition() (bool, error) {
	if err := w.drainTombstones(nil); err != nil {
		return false, err
	}
	if err := w.dw.WriteUint8(flagEndOfPartition); err != nil {
		return false, err
	}

	if len(w.pi.blocks) > 0 && w.pi.firstClustering != nil {
		w.addPIBlock()
	}
	if len(w.pi.blocks) < 2 {
		if err := w.iw.WriteUvint(0); err != nil {
			return false, err
		}
	} else {
		pi := &PromotedIndex{
			PartitionHeaderLength: w.partitionHeaderLength,
			PartitionTombstone:    w.pi.tomb,
			Blocks:                w.pi.blocks,
		}
		var buf bytes.Buffer
		bw := encoding.NewWriter(&buf)
		if err := writePromotedIndexM(bw, w.schema, pi); err != nil {
			return false, err
		}
		if err := w.iw.WriteUvint(uint64(buf.Len())); err != nil {
			return false, err
		}
		if err := w.iw.WriteBytes(buf.Bytes()); err != nil {
			return false, err
		}
	}
	return w.endPartition(), nil
}

func (w *writerM) ConsumeEndOfStream() error {
	return w.finish()
}

func (w *writerM) Close() error {
	w.abort()
	return nil
}

// maybeSetPIFirstClustering opens a new promoted-index block at the current
// data position if none is open.
func (w *writerM) maybeSetPIFirstClustering(info clusteringInfo) {
	if w.pi.firstClustering != nil {
		return
	}
	pos := w.dataPosition()
	w.pi.firstClustering = &info
	w.pi.blockStartOffset = pos
	w.pi.blockNextStartOffset = pos + w.opts.PromotedIndexBlockSize
}

func (w *writerM) addPIBlock() {
	var openMarker *Tombstone
	if w.endOpenMarker != nil {
		t := w.endOpenMarker.tomb
		openMarker = &t
	}
	headerEnd := w.partitionStartOffset + w.partitionHeaderLength
	w.pi.blocks = append(w.pi.blocks, PromotedIndexBlock{
		FirstPrefix: w.pi.firstClustering.clustering,
		FirstKind:   w.pi.firstClustering.kind,
		LastPrefix:  w.pi.lastClustering.clustering,
		LastKind:    w.pi.lastClustering.kind,
		Offset:      w.pi.blockStartOffset - headerEnd,
		Width:       w.dataPosition() - w.pi.blockStartOffset,
		OpenMarker:  openMarker,
	})
}

func (w *writerM) maybeAddPIBlock() {
	pos := w.dataPosition()
	if pos < w.pi.blockNextStartOffset {
		return
	}
	w.addPIBlock()
	w.pi.firstClustering = nil
	w.pi.blockNextStartOffset = pos + w.opts.PromotedIndexBlockSize
}

// drainTombstones writes the accumulated range tombstones up to pos (all of
// them when pos is nil), maintaining the open-marker state machine:
// adjacent or superseding runs become boundaries, continuations extend the
// open end silently, disjoint runs close and reopen.
func (w *writerM) drainTombstones(pos *Position) error {
	if err := w.ensureTombstoneIsWritten(); err != nil {
		return err
	}
	if err := w.ensureStaticRowIsWrittenIfNeeded(); err != nil {
		return err
	}
	for {
		rt, ok := w.rts.next(pos)
		if !ok {
			break
		}
		needWriteStart := true
		if w.endOpenMarker != nil {
			openPos := w.endOpenMarker.position()
			rtPos := rt.StartPosition()
			switch c := w.schema.ComparePositions(rtPos, openPos); {
			case c == 0:
				if err := w.writeRTBoundary(&rt); err != nil {
					return err
				}
				needWriteStart = false
			case c < 0:
				if w.endOpenMarker.tomb != rt.Tombstone {
					// The open end has been superseded by a tombstone
					// added later: end the current run and start the new
					// one at once.
					if err := w.writeRTBoundary(&rt); err != nil {
						return err
					}
				} else {
					// Continuation of the open run; just move the end.
					w.endOpenMarker = rtEndMarker(&rt)
				}
				needWriteStart = false
			default:
				// The new run lies entirely after the open one.
				if err := w.flushEndOpenMarker(); err != nil {
					return err
				}
			}
		}
		if needWriteStart {
			w.endOpenMarker = rtEndMarker(&rt)
			if err := w.writeMarker(rtStartMarker(&rt)); err != nil {
				return err
			}
		}
		// Re-apply the remainder past pos so later tombstones merge
		// against it in the accumulator.
		if pos != nil {
			endPos := rt.EndPosition()
			if w.schema.ComparePositions(*pos, endPos) < 0 {
				startKind := BoundInclStart
				if pos.Weight > 0 {
					startKind = BoundExclStart
				}
				w.rts.apply(RangeTombstone{
					Start:     pos.Prefix.Clone(),
					StartKind: startKind,
					End:       rt.End,
					EndKind:   rt.EndKind,
					Tombstone: rt.Tombstone,
				})
			}
		}
	}
	if w.endOpenMarker != nil {
		openPos := w.endOpenMarker.position()
		if pos == nil || w.schema.ComparePositions(openPos, *pos) < 0 {
			if err := w.flushEndOpenMarker(); err != nil {
				return err
			}
		}
	}
	return nil
}

func rtStartMarker(rt *RangeTombstone) *rtMarker {
	return &rtMarker{clustering: rt.Start, kind: rt.StartKind, tomb: rt.Tombstone}
}

func rtEndMarker(rt *RangeTombstone) *rtMarker {
	return &rtMarker{clustering: rt.End, kind: rt.EndKind, tomb: rt.Tombstone}
}

func (w *writerM) flushEndOpenMarker() error {
	m := w.endOpenMarker
	w.endOpenMarker = nil
	return w.writeMarker(m)
}

// writeRTBoundary closes the open run and opens rt at rt's start with a
// boundary marker carrying both tombstones.
func (w *writerM) writeRTBoundary(rt *RangeTombstone) error {
	boundaryKind := BoundInclEndExclStart
	if rt.StartKind == BoundInclStart {
		boundaryKind = BoundExclEndInclStart
	}
	endTomb := w.endOpenMarker.tomb
	w.endOpenMarker = rtEndMarker(rt)
	boundary := rt.Tombstone
	return w.writeMarker(&rtMarker{
		clustering:   rt.Start,
		kind:         boundaryKind,
		tomb:         endTomb,
		boundaryTomb: &boundary,
	})
}

// writeMarker writes one rt marker through the clustered-write path so the
// promoted index sees it.
func (w *writerM) writeMarker(m *rtMarker) error {
	info := clusteringInfo{clustering: m.clustering, kind: m.kind}
	w.maybeSetPIFirstClustering(info)
	pos := w.dataPosition()
	prevRowSize := pos - w.prevRowStart

	if err := w.dw.WriteUint8(flagIsMarker); err != nil {
		return err
	}
	if err := writeClusteringPrefixWithKind(w.dw, w.schema, m.kind, m.clustering); err != nil {
		return err
	}
	w.tmp.Reset()
	tw := encoding.NewWriter(&w.tmp)
	if err := writeDeltaDeletionTime(tw, m.tomb, w.enc); err != nil {
		return err
	}
	if m.boundaryTomb != nil {
		if err := writeDeltaDeletionTime(tw, *m.boundaryTomb, w.enc); err != nil {
			return err
		}
	}
	bodySize := uint64(w.tmp.Len()) + uint64(encoding.UvintSize(prevRowSize))
	if err := w.dw.WriteUvint(bodySize); err != nil {
		return err
	}
	if err := w.dw.WriteUvint(prevRowSize); err != nil {
		return err
	}
	if err := w.dw.WriteBytes(w.tmp.Bytes()); err != nil {
		return err
	}

	w.stats.updateTombstone(m.tomb)
	if m.boundaryTomb != nil {
		w.stats.updateTombstone(*m.boundaryTomb)
	}
	w.stats.updateClusteringValues(w.schema, m.clustering)

	w.pi.lastClustering = &info
	w.prevRowStart = pos
	w.maybeAddPIBlock()
	return nil
}

// rowTimeProperties carries the row-level times cells can reference instead
// of repeating their own.
type rowTimeProperties struct {
	hasTimestamp bool
	timestamp    int64
	hasTTL       bool
	ttl          int32
	ldt          int32
}

func (w *writerM) writeClusteredRow(r *Row) error {
	info := clusteringInfo{clustering: r.Clustering.Clone(), kind: BoundClustering}
	w.maybeSetPIFirstClustering(info)
	pos := w.dataPosition()
	prevRowSize := pos - w.prevRowStart

	var flags uint8
	var extFlags uint8
	if !r.Marker.IsMissing() {
		flags |= flagHasTimestamp
		if r.Marker.IsExpiring() {
			flags |= flagHasTTL
		}
	}
	if r.Tombstone.IsSet() {
		flags |= flagHasDeletion
	}
	if r.Shadowable.IsSet() {
		flags |= flagExtension
		extFlags = extFlagShadowableScylla
	}
	if len(r.Cells)+len(r.Complex) == len(w.regularColumns) {
		flags |= flagHasAllColumns
	}
	hasComplexDeletion := false
	for i := range r.Complex {
		if r.Complex[i].Tombstone.IsSet() {
			hasComplexDeletion = true
		}
	}
	if hasComplexDeletion {
		flags |= flagHasComplexDeletion
	}

	if err := w.dw.WriteUint8(flags); err != nil {
		return err
	}
	if extFlags != 0 {
		if err := w.dw.WriteUint8(extFlags); err != nil {
			return err
		}
	}
	if err := writeClusteringElements(w.dw, w.schema, r.Clustering); err != nil {
		return err
	}

	w.tmp.Reset()
	tw := encoding.NewWriter(&w.tmp)
	if err := w.writeRowBody(tw, r, hasComplexDeletion); err != nil {
		return err
	}
	bodySize := uint64(w.tmp.Len()) + uint64(encoding.UvintSize(prevRowSize))
	if err := w.dw.WriteUvint(bodySize); err != nil {
		return err
	}
	if err := w.dw.WriteUvint(prevRowSize); err != nil {
		return err
	}
	if err := w.dw.WriteBytes(w.tmp.Bytes()); err != nil {
		return err
	}

	w.stats.updateClusteringValues(w.schema, r.Clustering)
	w.stats.rowsCount++

	w.pi.lastClustering = &info
	w.prevRowStart = pos
	w.maybeAddPIBlock()
	return nil
}

func (w *writerM) writeRowBody(tw *encoding.Writer, r *Row, hasComplexDeletion bool) error {
	props := rowTimeProperties{}
	if !r.Marker.IsMissing() {
		props.hasTimestamp = true
		props.timestamp = r.Marker.Timestamp
		w.stats.updateTimestamp(r.Marker.Timestamp)
		if err := writeDeltaTimestamp(tw, r.Marker.Timestamp, w.enc); err != nil {
			return err
		}
		if r.Marker.IsExpiring() {
			props.hasTTL = true
			props.ttl = r.Marker.TTL
			props.ldt = r.Marker.LocalDeletionTime
			w.stats.updateTTL(r.Marker.TTL)
			w.stats.updateLocalDeletionTime(r.Marker.LocalDeletionTime)
			if err := writeDeltaTTL(tw, r.Marker.TTL, w.enc); err != nil {
				return err
			}
			if err := writeDeltaLocalDeletionTime(tw, r.Marker.LocalDeletionTime, w.enc); err != nil {
				return err
			}
		}
	}
	if r.Tombstone.IsSet() {
		w.stats.updateTombstone(r.Tombstone)
		if err := writeDeltaDeletionTime(tw, r.Tombstone, w.enc); err != nil {
			return err
		}
	}
	if r.Shadowable.IsSet() {
		w.stats.updateTombstone(r.Shadowable)
		if err := writeDeltaDeletionTime(tw, r.Shadowable, w.enc); err != nil {
			return err
		}
	}
	return w.writeCells(tw, false, r.Cells, r.Complex, props, hasComplexDeletion)
}

// writeCells writes the missing-columns bitmap, the atomic cells and the
// complex columns in serialization order.
func (w *writerM) writeCells(tw *encoding.Writer, static bool, cells []Cell, complexCols []ComplexColumn, props rowTimeProperties, hasComplexDeletion bool) error {
	cols := w.regularColumns
	if static {
		cols = w.staticColumns
	}
	findCell := func(name []byte) *Cell {
		for i := range cells {
			if bytes.Equal(cells[i].Column, name) {
				return &cells[i]
			}
		}
		return nil
	}
	findComplex := func(name []byte) *ComplexColumn {
		for i := range complexCols {
			if bytes.Equal(complexCols[i].Column, name) {
				return &complexCols[i]
			}
		}
		return nil
	}
	present := make([]bool, len(cols))
	for i := range cols {
		if cols[i].IsComplex {
			present[i] = findComplex(cols[i].Name) != nil
		} else {
			present[i] = findCell(cols[i].Name) != nil
		}
	}
	// The bitmap exists only when the has-all-columns flag is clear.
	if len(cells)+len(complexCols) != len(cols) {
		if err := writeMissingColumns(tw, len(cols), present); err != nil {
			return err
		}
	}
	for i := range cols {
		if !present[i] {
			continue
		}
		if cols[i].IsComplex {
			cc := findComplex(cols[i].Name)
			if hasComplexDeletion {
				if cc.Tombstone.IsSet() {
					w.stats.updateTombstone(cc.Tombstone)
				}
				if err := writeDeltaDeletionTime(tw, cc.Tombstone, w.enc); err != nil {
					return err
				}
			}
			if err := tw.WriteUvint(uint64(len(cc.Cells))); err != nil {
				return err
			}
			for j := range cc.Cells {
				if err := w.writeCell(tw, &cc.Cells[j], &cols[i], props, true); err != nil {
					return err
				}
			}
			continue
		}
		if err := w.writeCell(tw, findCell(cols[i].Name), &cols[i], props, false); err != nil {
			return err
		}
	}
	return nil
}

func (w *writerM) writeCell(tw *encoding.Writer, c *Cell, cdef *ColumnDef, props rowTimeProperties, isComplex bool) error {
	isDeleted := c.Tombstone
	hasValue := !isDeleted && len(c.Value) > 0
	useRowTimestamp := props.hasTimestamp && props.timestamp == c.Timestamp
	useRowTTL := props.hasTTL && c.Expiring() && props.ttl == c.TTL && props.ldt == c.Expiry

	var flags uint8
	if !hasValue {
		flags |= cellFlagHasEmptyValue
	}
	if isDeleted {
		flags |= cellFlagIsDeleted
	} else if c.Expiring() {
		flags |= cellFlagIsExpiring
	}
	if useRowTimestamp {
		flags |= cellFlagUseRowTimestamp
	}
	if useRowTTL {
		flags |= cellFlagUseRowTTL
	}
	if err := tw.WriteUint8(flags); err != nil {
		return err
	}
	if !useRowTimestamp {
		if err := writeDeltaTimestamp(tw, c.Timestamp, w.enc); err != nil {
			return err
		}
	}
	if !useRowTTL {
		if isDeleted {
			if err := writeDeltaLocalDeletionTime(tw, c.Expiry, w.enc); err != nil {
				return err
			}
		} else if c.Expiring() {
			if err := writeDeltaLocalDeletionTime(tw, c.Expiry, w.enc); err != nil {
				return err
			}
			if err := writeDeltaTTL(tw, c.TTL, w.enc); err != nil {
				return err
			}
		}
	}
	if isComplex {
		if err := tw.WriteStringUvint(c.Path); err != nil {
			return err
		}
	}
	if hasValue {
		typ := cdef.Type
		if cdef.IsCounter {
			// Counter shard sets are variable-length payloads.
			typ = VariableLengthType(typ.Name)
		}
		if err := writeCellValue(tw, typ, c.Value); err != nil {
			return err
		}
	}
	w.partitionCells++
	w.stats.updateCell(c)
	return nil
}
