// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"bytes"

	"github.com/xingdl2007/scylla/internal/encoding"
)

// legacyPartitionParser reconstructs events from one ka/la partition
// record. The column-per-record framing is grouped back into rows: cells
// sharing a clustering prefix form one row, the empty-column-name cell is
// the row marker, and range-tombstone records covering exactly one row
// become row tombstones.
type legacyPartitionParser struct {
	t      *SSTable
	schema *Schema
	r      *encoding.Reader

	dataOffset uint64
	pi         *PromotedIndex

	key      []byte
	partTomb Tombstone

	pendingRow    *Row
	pendingStatic *StaticRow
	staticDone    bool
	queue         []Event
	done          bool
}

func (p *legacyPartitionParser) readHeader() error {
	var err error
	if p.key, err = p.r.ReadString16(); err != nil {
		return err
	}
	if p.partTomb, err = readDeletionTime(p.r); err != nil {
		return err
	}
	return nil
}

// parsedName is a decoded legacy column name.
type parsedName struct {
	clustering ClusteringPrefix
	column     []byte
	path       []byte
	static     bool
	eoc        int8
}

func (p *legacyPartitionParser) parseName(name []byte) (parsedName, error) {
	var pn parsedName
	if len(name) >= 2 && name[0] == 0xff && name[1] == 0xff {
		pn.static = true
		name = name[2:]
	}
	if !p.schema.Compound && !pn.static {
		pn.clustering = ClusteringPrefix{name}
		pn.column = []byte{}
		return pn, nil
	}
	comps, eoc, err := parseCompositePrefix(name)
	if err != nil {
		return pn, err
	}
	pn.eoc = eoc
	n := len(p.schema.ClusteringTypes)
	if pn.static {
		n = 0
	}
	switch {
	case len(comps) <= n:
		pn.clustering = comps
	case len(comps) == n+1:
		pn.clustering = comps[:n]
		pn.column = comps[n]
	default:
		pn.clustering = comps[:n]
		pn.column = comps[n]
		pn.path = comps[n+1]
	}
	return pn, nil
}

func (p *legacyPartitionParser) next() (Event, error) {
	for {
		if len(p.queue) > 0 {
			ev := p.queue[0]
			p.queue = p.queue[1:]
			return ev, nil
		}
		if p.done {
			return nil, nil
		}
		if err := p.step(); err != nil {
			return nil, err
		}
	}
}

// step consumes one record, growing the event queue as groups complete.
func (p *legacyPartitionParser) step() error {
	name, err := p.r.ReadString16()
	if err != nil {
		return err
	}
	if len(name) == 0 {
		// The zero-length name is the end-of-row sentinel.
		p.flushStatic()
		p.flushRow()
		p.done = true
		return nil
	}
	mask, err := p.r.ReadUint8()
	if err != nil {
		return err
	}
	pn, err := p.parseName(name)
	if err != nil {
		return err
	}
	if mask&legacyMaskRangeTombstone != 0 {
		return p.readRangeTombstone(pn, mask)
	}
	cell := Cell{Column: pn.column, Path: pn.path}
	switch {
	case mask&legacyMaskDeletion != 0:
		cell.Tombstone = true
		if cell.Timestamp, err = p.r.ReadInt64(); err != nil {
			return err
		}
		if _, err = p.r.ReadUint32(); err != nil { // deletion-time size, always 4
			return err
		}
		if cell.Expiry, err = p.r.ReadInt32(); err != nil {
			return err
		}
	case mask&legacyMaskExpiration != 0:
		var ttl, expiry uint32
		if ttl, err = p.r.ReadUint32(); err != nil {
			return err
		}
		if expiry, err = p.r.ReadUint32(); err != nil {
			return err
		}
		if cell.Timestamp, err = p.r.ReadInt64(); err != nil {
			return err
		}
		if cell.Value, err = p.r.ReadString32(); err != nil {
			return err
		}
		cell.TTL = int32(ttl)
		cell.Expiry = int32(expiry)
	case mask&legacyMaskCounter != 0:
		cell.Counter = true
		if _, err = p.r.ReadInt64(); err != nil { // timestamp of last delete
			return err
		}
		if cell.Timestamp, err = p.r.ReadInt64(); err != nil {
			return err
		}
		if cell.Value, err = p.r.ReadString32(); err != nil {
			return err
		}
	default:
		if cell.Timestamp, err = p.r.ReadInt64(); err != nil {
			return err
		}
		if cell.Value, err = p.r.ReadString32(); err != nil {
			return err
		}
	}
	p.addCell(pn, cell)
	return nil
}

func (p *legacyPartitionParser) readRangeTombstone(start parsedName, mask uint8) error {
	endName, err := p.r.ReadString16()
	if err != nil {
		return err
	}
	ldt, err := p.r.ReadInt32()
	if err != nil {
		return err
	}
	ts, err := p.r.ReadInt64()
	if err != nil {
		return err
	}
	tomb := Tombstone{Timestamp: ts, LocalDeletionTime: ldt}

	var end parsedName
	if !p.schema.Compound {
		end.clustering = ClusteringPrefix{endName}
	} else if end, err = p.parseName(endName); err != nil {
		return err
	}

	// A tombstone covering exactly one full row is a legacy row deletion;
	// a tombstone scoped to one column is a collection deletion.
	fullRow := len(start.clustering) == len(p.schema.ClusteringTypes) &&
		start.clustering.Equal(end.clustering) && start.column == nil && end.column == nil
	if fullRow {
		row := p.rowFor(start.clustering)
		if mask&legacyMaskShadowable != 0 {
			row.Shadowable = tomb
		} else {
			row.Tombstone = tomb
		}
		return nil
	}
	if start.column != nil && bytes.Equal(start.column, end.column) &&
		start.clustering.Equal(end.clustering) {
		row := p.rowFor(start.clustering)
		for i := range row.Complex {
			if bytes.Equal(row.Complex[i].Column, start.column) {
				row.Complex[i].Tombstone = tomb
				return nil
			}
		}
		row.Complex = append(row.Complex, ComplexColumn{Column: start.column, Tombstone: tomb})
		return nil
	}

	p.flushStatic()
	p.flushRow()
	startKind := BoundInclStart
	if start.eoc == eocEnd {
		startKind = BoundExclStart
	}
	endKind := BoundInclEnd
	if end.eoc == eocStart {
		endKind = BoundExclEnd
	}
	p.queue = append(p.queue, &RangeTombstone{
		Start:     start.clustering,
		StartKind: startKind,
		End:       end.clustering,
		EndKind:   endKind,
		Tombstone: tomb,
	})
	return nil
}

// rowFor returns the pending row for a clustering, flushing the previous
// one if the clustering moved on.
func (p *legacyPartitionParser) rowFor(clustering ClusteringPrefix) *Row {
	if p.pendingRow != nil && p.pendingRow.Clustering.Equal(clustering) {
		return p.pendingRow
	}
	p.flushStatic()
	p.flushRow()
	p.pendingRow = &Row{
		Clustering: clustering,
		Marker:     LivenessInfo{Timestamp: NoTimestamp},
		Tombstone:  NoTombstone,
		Shadowable: NoTombstone,
	}
	return p.pendingRow
}

func (p *legacyPartitionParser) addCell(pn parsedName, cell Cell) {
	if pn.static {
		if p.pendingStatic == nil {
			p.pendingStatic = &StaticRow{}
		}
		addCellTo(&p.pendingStatic.Cells, &p.pendingStatic.Complex, pn, cell)
		return
	}
	row := p.rowFor(pn.clustering)
	if len(pn.column) == 0 && pn.path == nil {
		// The row marker cell.
		row.Marker = LivenessInfo{Timestamp: cell.Timestamp, TTL: cell.TTL, LocalDeletionTime: cell.Expiry}
		if row.Marker.TTL == NoTTL {
			row.Marker.LocalDeletionTime = NoDeletionTime
		}
		return
	}
	addCellTo(&row.Cells, &row.Complex, pn, cell)
}

func addCellTo(cells *[]Cell, complexCols *[]ComplexColumn, pn parsedName, cell Cell) {
	if pn.path == nil {
		*cells = append(*cells, cell)
		return
	}
	for i := range *complexCols {
		if bytes.Equal((*complexCols)[i].Column, pn.column) {
			(*complexCols)[i].Cells = append((*complexCols)[i].Cells, cell)
			return
		}
	}
	*complexCols = append(*complexCols, ComplexColumn{
		Column:    pn.column,
		Tombstone: NoTombstone,
		Cells:     []Cell{cell},
	})
}

func (p *legacyPartitionParser) flushRow() {
	if p.pendingRow == nil {
		return
	}
	p.queue = append(p.queue, p.pendingRow)
	p.pendingRow = nil
}

func (p *legacyPartitionParser) flushStatic() {
	if p.pendingStatic == nil || p.staticDone {
		p.pendingStatic = nil
		return
	}
	p.queue = append(p.queue, p.pendingStatic)
	p.pendingStatic = nil
	p.staticDone = true
}

// fastForwardTo seeks to the first promoted-index block that may contain
// from. Legacy blocks are self-contained; no open-tombstone hint exists or
// is needed.
func (p *legacyPartitionParser) fastForwardTo(from Position) error {
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
	offset := p.dataOffset + p.headerLength() + block.Offset
	r, err := p.t.openDataAt(offset)
	if err != nil {
		return err
	}
	p.r = encoding.NewReader(r)
	p.pendingRow = nil
	p.done = false
	return nil
}

// headerLength is the partition header size: the u16-prefixed key plus the
// deletion time.
func (p *legacyPartitionParser) headerLength() uint64 {
	return uint64(2+len(p.key)) + 12
}
