// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"bufio"
	"context"
	"io"

	"github.com/xingdl2007/scylla/internal/base"
	"github.com/xingdl2007/scylla/internal/checksum"
	"github.com/xingdl2007/scylla/internal/encoding"
)

// ClusteringBound restricts one side of a clustering range.
type ClusteringBound struct {
	Prefix    ClusteringPrefix
	Inclusive bool
}

// ClusteringRange is one clustering interval; nil bounds are unbounded.
type ClusteringRange struct {
	Start *ClusteringBound
	End   *ClusteringBound
}

// ClusteringSlice restricts a partition read to a set of disjoint ranges in
// clustering order. An empty slice reads the whole partition.
type ClusteringSlice struct {
	Ranges []ClusteringRange
}

func (r *ClusteringRange) startPosition() Position {
	if r.Start == nil {
		return Position{Weight: -1}
	}
	if r.Start.Inclusive {
		return PositionBefore(r.Start.Prefix)
	}
	return PositionAfter(r.Start.Prefix)
}

func (r *ClusteringRange) endPosition() Position {
	if r.End == nil {
		return Position{Weight: 1}
	}
	if r.End.Inclusive {
		return PositionAfter(r.End.Prefix)
	}
	return PositionBefore(r.End.Prefix)
}

// positionInRange reports whether pos falls inside the range. An empty unbounded
// start position (nil prefix, weight -1) precedes everything.
func (s *Schema) positionInRange(r *ClusteringRange, pos Position) bool {
	start, end := r.startPosition(), r.endPosition()
	if len(start.Prefix) > 0 || start.Weight > 0 {
		if s.ComparePositions(pos, start) < 0 {
			return false
		}
	}
	if len(end.Prefix) > 0 || end.Weight < 0 {
		if s.ComparePositions(end, pos) < 0 {
			return false
		}
	}
	return true
}

// PartitionRange restricts a scan to an interval of decorated keys; nil
// bounds are unbounded.
type PartitionRange struct {
	Start          *DecoratedKey
	StartInclusive bool
	End            *DecoratedKey
	EndInclusive   bool
}

// partitionParser turns one partition's bytes back into events.
type partitionParser interface {
	// next returns the next event of the partition, or nil at its end.
	next() (Event, error)
	// fastForwardTo repositions the parser at the first block that may
	// contain from, recovering any range tombstone open at the block
	// start.
	fastForwardTo(from Position) error
}

// Iterator streams mutation events out of an sstable. Use Next until it
// returns a nil event; with ForwardingYes, FastForwardTo then continues the
// current partition from a later clustering window.
type Iterator struct {
	t     *SSTable
	ctx   context.Context
	slice ClusteringSlice
	fwd   Forwarding

	// Scan state.
	single    bool
	target    DecoratedKey
	prange    *PartitionRange
	ir        *indexReader
	parser    partitionParser
	pi        *PromotedIndex
	started   bool
	inPart    bool
	exhausted bool

	// Forwarding window; nil means the configured slice applies.
	window *ClusteringRange

	err error
}

// ReadRows returns a full-scan mutation stream.
func (t *SSTable) ReadRows(ctx context.Context) *Iterator {
	return &Iterator{t: t, ctx: ctx, ir: newIndexReader(t)}
}

// ReadRangeRows returns a stream over a partition range restricted to a
// clustering slice.
func (t *SSTable) ReadRangeRows(ctx context.Context, pr PartitionRange, slice ClusteringSlice, fwd Forwarding) *Iterator {
	return &Iterator{t: t, ctx: ctx, ir: newIndexReader(t), prange: &pr, slice: slice, fwd: fwd}
}

// ReadSinglePartition returns a stream over one partition.
func (t *SSTable) ReadSinglePartition(ctx context.Context, dk DecoratedKey, slice ClusteringSlice, fwd Forwarding) *Iterator {
	return &Iterator{t: t, ctx: ctx, ir: newIndexReader(t), single: true, target: dk, slice: slice, fwd: fwd}
}

func (it *Iterator) checkDeadline() error {
	select {
	case <-it.ctx.Done():
		return base.ErrTimeout
	default:
		return nil
	}
}

// Next returns the next event, or (nil, nil) at end of stream. In
// forwarding mode the end of the current window is also reported as end of
// stream; FastForwardTo re-arms the iterator.
func (it *Iterator) Next() (Event, error) {
	if it.err != nil {
		return nil, it.err
	}
	for {
		if err := it.checkDeadline(); err != nil {
			it.err = err
			return nil, err
		}
		if !it.inPart {
			ev, err := it.nextPartition()
			if ev != nil || err != nil {
				if err != nil {
					it.err = err
				}
				return ev, err
			}
			if it.exhausted {
				return nil, nil
			}
			continue
		}
		ev, err := it.parser.next()
		if err != nil {
			it.err = err
			return nil, err
		}
		if ev == nil {
			it.inPart = false
			if it.single {
				it.exhausted = true
			}
			return &PartitionEnd{}, nil
		}
		if keep, done := it.filter(ev); keep {
			return ev, nil
		} else if done && it.fwd == ForwardingYes {
			// Past the window; report end of stream but keep the
			// partition open for FastForwardTo.
			return nil, nil
		} else if done {
			// Skip the rest of the partition.
			for {
				ev, err := it.parser.next()
				if err != nil {
					it.err = err
					return nil, err
				}
				if ev == nil {
					break
				}
			}
			it.inPart = false
			if it.single {
				it.exhausted = true
			}
			return &PartitionEnd{}, nil
		}
	}
}

// filter applies the current clustering window. done=true means no further
// event of this partition can match.
func (it *Iterator) filter(ev Event) (keep, done bool) {
	ranges := it.slice.Ranges
	if it.window != nil {
		ranges = []ClusteringRange{*it.window}
	}
	if len(ranges) == 0 {
		return true, false
	}
	var pos Position
	switch e := ev.(type) {
	case *StaticRow:
		return true, false
	case *Row:
		pos = PositionOf(e.Clustering)
	case *RangeTombstone:
		// A range tombstone is kept when it intersects any range.
		for i := range ranges {
			r := &ranges[i]
			if it.t.schema.ComparePositions(e.StartPosition(), r.endPosition()) <= 0 &&
				it.t.schema.ComparePositions(r.startPosition(), e.EndPosition()) <= 0 {
				return true, false
			}
		}
		last := &ranges[len(ranges)-1]
		return false, it.t.schema.ComparePositions(last.endPosition(), e.StartPosition()) < 0
	default:
		return true, false
	}
	for i := range ranges {
		if it.t.schema.positionInRange(&ranges[i], pos) {
			return true, false
		}
	}
	last := &ranges[len(ranges)-1]
	return false, it.t.schema.ComparePositions(last.endPosition(), pos) < 0
}

// nextPartition advances to the next partition and returns its
// PartitionStart, or nil with exhausted set.
func (it *Iterator) nextPartition() (Event, error) {
	var e *indexEntry
	var err error
	switch {
	case it.single:
		if it.started {
			it.exhausted = true
			return nil, nil
		}
		it.started = true
		if !it.t.Filter().MayContain(it.target.Key) {
			it.exhausted = true
			return nil, nil
		}
		if e, err = it.ir.seekToPartition(it.target); err != nil {
			return nil, err
		}
	case !it.started && it.prange != nil && it.prange.Start != nil:
		it.started = true
		if e, err = it.ir.seekToFirstGE(*it.prange.Start); err != nil {
			return nil, err
		}
		if e != nil && !it.prange.StartInclusive {
			ek := DecoratedKey{Token: it.t.partitioner.Token(e.Key), Key: e.Key}
			if ek.Compare(*it.prange.Start) == 0 {
				if e, err = it.ir.next(); err != nil {
					return nil, err
				}
			}
		}
	default:
		it.started = true
		if e, err = it.ir.next(); err != nil {
			return nil, err
		}
	}
	if e == nil {
		it.exhausted = true
		return nil, nil
	}
	dk := DecoratedKey{Token: it.t.partitioner.Token(e.Key), Key: e.Key}
	if it.prange != nil && it.prange.End != nil {
		c := dk.Compare(*it.prange.End)
		if c > 0 || (c == 0 && !it.prange.EndInclusive) {
			it.exhausted = true
			return nil, nil
		}
	}
	if it.pi, err = it.ir.promotedIndex(e); err != nil {
		return nil, err
	}
	parser, err := it.t.newPartitionParser(e, it.pi)
	if err != nil {
		return nil, err
	}
	it.parser = parser
	it.inPart = true
	it.window = nil
	metricPartitionsRead.Inc()

	// When the slice is restrictive and a promoted index exists, skip
	// ahead to the first block containing the slice start.
	if len(it.slice.Ranges) > 0 && it.pi != nil && len(it.pi.Blocks) > 0 {
		from := it.slice.Ranges[0].startPosition()
		if len(from.Prefix) > 0 {
			if err := it.parser.fastForwardTo(from); err != nil {
				return nil, err
			}
		}
	}
	return &PartitionStart{Key: dk, Tombstone: partitionTombstoneOf(parser)}, nil
}

// FastForwardTo continues the open partition from a later clustering
// window. Only valid on forwarding iterators after Next returned a nil
// event with the partition still open.
func (it *Iterator) FastForwardTo(from, to Position) error {
	if it.fwd != ForwardingYes {
		return base.CorruptionErrorf("sstable: FastForwardTo on a non-forwarding read")
	}
	if it.parser == nil || !it.inPart {
		return base.ErrNotFound
	}
	start := &ClusteringBound{Prefix: from.Prefix, Inclusive: from.Weight <= 0}
	end := &ClusteringBound{Prefix: to.Prefix, Inclusive: to.Weight > 0}
	it.window = &ClusteringRange{Start: start, End: end}
	return it.parser.fastForwardTo(from)
}

// Close releases the iterator.
func (it *Iterator) Close() error {
	it.parser = nil
	it.exhausted = true
	return nil
}

// newPartitionParser opens the right parser for the version at the entry's
// data offset.
func (t *SSTable) newPartitionParser(e *indexEntry, pi *PromotedIndex) (partitionParser, error) {
	r, err := t.openDataAt(e.DataOffset)
	if err != nil {
		return nil, err
	}
	if t.desc.Version == VersionMC {
		p := &mPartitionParser{t: t, schema: t.schema, r: encoding.NewReader(r), dataOffset: e.DataOffset, pi: pi}
		if h := t.SerializationHeader(); h != nil {
			p.enc = h.EncodingStats()
		} else {
			p.enc = DefaultEncodingStats()
		}
		if err := p.readHeader(); err != nil {
			return nil, err
		}
		return p, nil
	}
	p := &legacyPartitionParser{t: t, schema: t.schema, r: encoding.NewReader(r), dataOffset: e.DataOffset, pi: pi}
	if err := p.readHeader(); err != nil {
		return nil, err
	}
	return p, nil
}

func partitionTombstoneOf(p partitionParser) Tombstone {
	switch pp := p.(type) {
	case *mPartitionParser:
		return pp.partTomb
	case *legacyPartitionParser:
		return pp.partTomb
	}
	return NoTombstone
}

// openDataAt returns a sequential reader of the uncompressed data stream
// starting at a logical offset, decompressing and verifying chunk
// checksums as needed.
func (t *SSTable) openDataAt(offset uint64) (io.Reader, error) {
	if t.compression != nil {
		return newCompressedReader(t.dataFile, t.compression, offset)
	}
	if t.recognized[ComponentCRC] {
		chunkSize, table, err := t.readCRC()
		if err == nil && chunkSize > 0 {
			return newVerifyingReader(t.dataFile, t.dataFileSize, t.checksumKind(), chunkSize, table, offset)
		}
	}
	return bufio.NewReader(io.NewSectionReader(t.dataFile, int64(offset), int64(t.dataFileSize-offset))), nil
}

// verifyingReader reads an uncompressed data file chunk by chunk, checking
// each chunk against the CRC component before serving its bytes. A corrupt
// chunk must never be silently returned.
type verifyingReader struct {
	f         io.ReaderAt
	size      uint64
	kind      checksum.Kind
	chunkSize uint32
	table     []uint32
	next      int
	pending   []byte
}

func newVerifyingReader(f io.ReaderAt, size uint64, kind checksum.Kind, chunkSize uint32, table []uint32, offset uint64) (*verifyingReader, error) {
	vr := &verifyingReader{f: f, size: size, kind: kind, chunkSize: chunkSize, table: table}
	vr.next = int(offset / uint64(chunkSize))
	skip := offset % uint64(chunkSize)
	if skip > 0 {
		if err := vr.fill(); err != nil {
			return nil, err
		}
		if uint64(len(vr.pending)) < skip {
			return nil, base.ErrShortRead
		}
		vr.pending = vr.pending[skip:]
	}
	return vr, nil
}

func (vr *verifyingReader) fill() error {
	start := uint64(vr.next) * uint64(vr.chunkSize)
	if start >= vr.size {
		return io.EOF
	}
	end := start + uint64(vr.chunkSize)
	if end > vr.size {
		end = vr.size
	}
	buf := make([]byte, end-start)
	if _, err := vr.f.ReadAt(buf, int64(start)); err != nil && err != io.EOF {
		return err
	}
	if vr.next < len(vr.table) {
		if got := checksum.Of(vr.kind, buf); got != vr.table[vr.next] {
			return base.MarkIntegrityError(base.CorruptionErrorf(
				"sstable: data chunk %d checksum mismatch: got %08x, want %08x", vr.next, got, vr.table[vr.next]))
		}
	}
	vr.pending = buf
	vr.next++
	return nil
}

func (vr *verifyingReader) Read(p []byte) (int, error) {
	if len(vr.pending) == 0 {
		if err := vr.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, vr.pending)
	vr.pending = vr.pending[n:]
	return n, nil
}
