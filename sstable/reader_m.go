// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"github.com/xingdl2007/scylla/internal/base"
	"github.com/xingdl2007/scylla/internal/encoding"
)

// mPartitionParser reconstructs events from one mc partition record. The
// range-tombstone stream is rebuilt from markers: an open marker is held
// until its matching close, boundaries close the old run and open the new
// one, and after a fast-forward the open tombstone is recovered from the
// target block's open-marker hint.
type mPartitionParser struct {
	t      *SSTable
	schema *Schema
	enc    EncodingStats
	r      *encoding.Reader

	dataOffset uint64
	pi         *PromotedIndex

	key       []byte
	partTomb  Tombstone
	headerLen uint64

	// rowTimes is the liveness info of the row currently being parsed;
	// cells with use-row flags read their times from it.
	rowTimes parsedRowTimes

	open *rtMarker
	// A range tombstone is positioned at its start bound, but its end is
	// only known at the matching close marker. Rows read while a run is
	// open buffer here and are released after the assembled tombstone, so
	// events leave in position order.
	buffered []Event
	queue    []Event
	done     bool
}

func (p *mPartitionParser) readHeader() error {
	var err error
	if p.key, err = p.r.ReadString16(); err != nil {
		return err
	}
	if p.partTomb, err = readDeletionTime(p.r); err != nil {
		return err
	}
	p.headerLen = p.r.Offset()
	return nil
}

func (p *mPartitionParser) next() (Event, error) {
	for {
		if len(p.queue) > 0 {
			ev := p.queue[0]
			p.queue = p.queue[1:]
			return ev, nil
		}
		if p.done {
			if len(p.buffered) > 0 {
				p.queue = p.buffered
				p.buffered = nil
				continue
			}
			return nil, nil
		}
		flags, err := p.r.ReadUint8()
		if err != nil {
			return nil, err
		}
		if flags&flagEndOfPartition != 0 {
			p.done = true
			continue
		}
		if flags&flagIsMarker != 0 {
			ev, err := p.readMarker()
			if err != nil {
				return nil, err
			}
			if ev != nil {
				// A run closed: release the assembled tombstone, then
				// the rows read while it was open.
				p.queue = append(p.queue, ev)
				p.queue = append(p.queue, p.buffered...)
				p.buffered = nil
			}
			continue
		}
		ev, err := p.readRow(flags)
		if err != nil {
			return nil, err
		}
		if p.open != nil {
			p.buffered = append(p.buffered, ev)
			continue
		}
		return ev, nil
	}
}

// readMarker parses one rt marker and folds it into the open-run state,
// returning a RangeTombstone event when a run closes.
func (p *mPartitionParser) readMarker() (Event, error) {
	prefix, kind, err := readClusteringPrefixWithKind(p.r, p.schema)
	if err != nil {
		return nil, err
	}
	if _, err := p.r.ReadUvint(); err != nil { // marker body size
		return nil, err
	}
	if _, err := p.r.ReadUvint(); err != nil { // prev row size
		return nil, err
	}
	tomb, err := readDeltaDeletionTime(p.r, p.enc)
	if err != nil {
		return nil, err
	}
	var boundary *Tombstone
	if kind.IsBoundary() {
		bt, err := readDeltaDeletionTime(p.r, p.enc)
		if err != nil {
			return nil, err
		}
		boundary = &bt
	}

	switch {
	case kind == BoundInclStart || kind == BoundExclStart:
		p.open = &rtMarker{clustering: prefix, kind: kind, tomb: tomb}
		return nil, nil
	case kind.IsBoundary():
		ev := p.closeRun(prefix, kind, tomb)
		openKind := BoundInclStart
		if kind == BoundInclEndExclStart {
			openKind = BoundExclStart
		}
		p.open = &rtMarker{clustering: prefix, kind: openKind, tomb: *boundary}
		if ev == nil {
			return nil, nil
		}
		return ev, nil
	default: // plain end
		ev := p.closeRun(prefix, kind, tomb)
		if ev == nil {
			// An end marker with no open run: the reader fast-forwarded
			// into this block without carrying an open tombstone, so the
			// close is suppressed.
			return nil, nil
		}
		return ev, nil
	}
}

// closeRun emits the range tombstone from the held open marker to this
// close position.
func (p *mPartitionParser) closeRun(prefix ClusteringPrefix, kind BoundKind, tomb Tombstone) Event {
	if p.open == nil {
		return nil
	}
	startKind := p.open.kind
	if startKind.IsBoundary() {
		startKind = BoundInclStart
	}
	endKind := BoundInclEnd
	switch kind {
	case BoundExclEnd, BoundExclEndInclStart:
		endKind = BoundExclEnd
	}
	rt := &RangeTombstone{
		Start:     p.open.clustering,
		StartKind: startKind,
		End:       prefix,
		EndKind:   endKind,
		Tombstone: p.open.tomb,
	}
	p.open = nil
	return rt
}

func (p *mPartitionParser) readRow(flags uint8) (Event, error) {
	var extFlags uint8
	if flags&flagExtension != 0 {
		var err error
		if extFlags, err = p.r.ReadUint8(); err != nil {
			return nil, err
		}
		if extFlags&extFlagShadowableCassandra != 0 {
			return nil, base.CorruptionErrorf(
				"sstable: deprecated shadowable-deletion flag 0x02 in %s",
				p.t.desc.FilenameFor(ComponentData))
		}
	}
	static := extFlags&extFlagIsStatic != 0

	var clustering ClusteringPrefix
	if !static {
		var err error
		if clustering, err = readClusteringElements(p.r, p.schema, len(p.schema.ClusteringTypes)); err != nil {
			return nil, err
		}
	}
	if _, err := p.r.ReadUvint(); err != nil { // row body size
		return nil, err
	}
	if _, err := p.r.ReadUvint(); err != nil { // prev row size
		return nil, err
	}

	row := &Row{Clustering: clustering, Marker: LivenessInfo{Timestamp: NoTimestamp}}
	p.rowTimes = parsedRowTimes{}
	var err error
	if flags&flagHasTimestamp != 0 {
		if row.Marker.Timestamp, err = readDeltaTimestamp(p.r, p.enc); err != nil {
			return nil, err
		}
		row.Marker.LocalDeletionTime = NoDeletionTime
		if flags&flagHasTTL != 0 {
			if row.Marker.TTL, err = readDeltaTTL(p.r, p.enc); err != nil {
				return nil, err
			}
			if row.Marker.LocalDeletionTime, err = readDeltaLocalDeletionTime(p.r, p.enc); err != nil {
				return nil, err
			}
			p.rowTimes.hasTTL = true
			p.rowTimes.ttl = row.Marker.TTL
			p.rowTimes.ldt = row.Marker.LocalDeletionTime
		}
		p.rowTimes.hasTimestamp = true
		p.rowTimes.timestamp = row.Marker.Timestamp
	}
	row.Tombstone = NoTombstone
	row.Shadowable = NoTombstone
	if flags&flagHasDeletion != 0 {
		if row.Tombstone, err = readDeltaDeletionTime(p.r, p.enc); err != nil {
			return nil, err
		}
	}
	if extFlags&extFlagShadowableScylla != 0 {
		if row.Shadowable, err = readDeltaDeletionTime(p.r, p.enc); err != nil {
			return nil, err
		}
	}

	cells, complex, err := p.readCells(static, flags)
	if err != nil {
		return nil, err
	}
	if static {
		return &StaticRow{Cells: cells, Complex: complex}, nil
	}
	row.Cells = cells
	row.Complex = complex
	return row, nil
}

// parsedRowTimes holds the row-level reference times of a row being
// parsed; cells with use-row flags read from here.
type parsedRowTimes struct {
	hasTimestamp bool
	timestamp    int64
	hasTTL       bool
	ttl          int32
	ldt          int32
}

func (p *mPartitionParser) readCells(static bool, flags uint8) ([]Cell, []ComplexColumn, error) {
	cols := p.schema.IndexedColumns(static)
	present := make([]bool, len(cols))
	if flags&flagHasAllColumns != 0 {
		for i := range present {
			present[i] = true
		}
	} else {
		var err error
		if present, err = readMissingColumns(p.r, len(cols)); err != nil {
			return nil, nil, err
		}
	}
	hasComplexDeletion := flags&flagHasComplexDeletion != 0
	props := p.rowTimes

	var cells []Cell
	var complexCols []ComplexColumn
	for i := range cols {
		if !present[i] {
			continue
		}
		if cols[i].IsComplex {
			cc := ComplexColumn{Column: cols[i].Name, Tombstone: NoTombstone}
			if hasComplexDeletion {
				var err error
				if cc.Tombstone, err = readDeltaDeletionTime(p.r, p.enc); err != nil {
					return nil, nil, err
				}
			}
			n, err := p.r.ReadUvint()
			if err != nil {
				return nil, nil, err
			}
			for j := uint64(0); j < n; j++ {
				c, err := p.readCell(&cols[i], props, true)
				if err != nil {
					return nil, nil, err
				}
				cc.Cells = append(cc.Cells, c)
			}
			complexCols = append(complexCols, cc)
			continue
		}
		c, err := p.readCell(&cols[i], props, false)
		if err != nil {
			return nil, nil, err
		}
		cells = append(cells, c)
	}
	return cells, complexCols, nil
}

func (p *mPartitionParser) readCell(cdef *ColumnDef, props parsedRowTimes, isComplex bool) (Cell, error) {
	c := Cell{Column: cdef.Name, Counter: cdef.IsCounter}
	flags, err := p.r.ReadUint8()
	if err != nil {
		return c, err
	}
	hasValue := flags&cellFlagHasEmptyValue == 0
	c.Tombstone = flags&cellFlagIsDeleted != 0
	expiring := flags&cellFlagIsExpiring != 0

	if flags&cellFlagUseRowTimestamp != 0 {
		c.Timestamp = props.timestamp
	} else if c.Timestamp, err = readDeltaTimestamp(p.r, p.enc); err != nil {
		return c, err
	}
	if flags&cellFlagUseRowTTL != 0 {
		c.TTL = props.ttl
		c.Expiry = props.ldt
	} else if c.Tombstone {
		if c.Expiry, err = readDeltaLocalDeletionTime(p.r, p.enc); err != nil {
			return c, err
		}
	} else if expiring {
		if c.Expiry, err = readDeltaLocalDeletionTime(p.r, p.enc); err != nil {
			return c, err
		}
		if c.TTL, err = readDeltaTTL(p.r, p.enc); err != nil {
			return c, err
		}
	}
	if isComplex {
		if c.Path, err = p.r.ReadStringUvint(); err != nil {
			return c, err
		}
	}
	if hasValue {
		typ := cdef.Type
		if cdef.IsCounter {
			typ = VariableLengthType(typ.Name)
		}
		if c.Value, err = readCellValue(p.r, typ); err != nil {
			return c, err
		}
	}
	return c, nil
}

// fastForwardTo repositions the parser at the first promoted-index block
// whose last clustering is >= from, recovering the open range tombstone
// from the block's hint. Without a promoted index the parser keeps its
// sequential position; filtering alone narrows the output.
func (p *mPartitionParser) fastForwardTo(from Position) error {
	if p.pi == nil || len(p.pi.Blocks) == 0 {
		return nil
	}
	i := p.pi.blockFor(p.schema, from)
	if i >= len(p.pi.Blocks) {
		p.done = true
		return nil
	}
	metricPromotedIndexBlockReads.Inc()
	block := &p.pi.Blocks[i]
	offset := p.dataOffset + p.pi.PartitionHeaderLength + block.Offset
	r, err := p.t.openDataAt(offset)
	if err != nil {
		return err
	}
	p.r = encoding.NewReader(r)
	p.done = false
	p.open = nil
	p.buffered = nil
	p.queue = nil
	if block.OpenMarker != nil {
		// A range tombstone is open across the block start; the close
		// marker inside the block pairs with this synthetic open.
		p.open = &rtMarker{
			clustering: block.FirstPrefix,
			kind:       BoundInclStart,
			tomb:       *block.OpenMarker,
		}
	}
	return nil
}
