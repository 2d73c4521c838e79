// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"bufio"
	"bytes"
	"io"

	"github.com/xingdl2007/scylla/internal/base"
	"github.com/xingdl2007/scylla/internal/encoding"
)

// indexEntry is one entry of the Index component: the partition key, the
// data-file offset of the partition, and the raw promoted index bytes
// (empty when absent).
type indexEntry struct {
	Key        []byte
	DataOffset uint64
	Promoted   []byte
	// indexOffset is the offset of this entry in the index file.
	indexOffset uint64
}

// writeIndexHeader writes the fixed part of an index entry: the key and the
// data offset. The promoted index follows once the partition has been fully
// consumed.
func writeIndexHeader(w *encoding.Writer, v Version, key []byte, dataOffset uint64) error {
	if err := w.WriteString16(key); err != nil {
		return err
	}
	if v == VersionMC {
		return w.WriteUvint(dataOffset)
	}
	return w.WriteUint64(dataOffset)
}

// indexReader streams index entries from an offset, and implements the
// partition lookup protocol over the summary.
type indexReader struct {
	t *SSTable
	r *encoding.Reader
	// base is the file offset the current encoding.Reader started at.
	base uint64
}

// newIndexReader positions a reader at the start of the index.
func newIndexReader(t *SSTable) *indexReader {
	ir := &indexReader{t: t}
	ir.seek(0)
	return ir
}

func (ir *indexReader) seek(offset uint64) {
	section := io.NewSectionReader(ir.t.indexFile, int64(offset), int64(ir.t.indexFileSize-offset))
	ir.r = encoding.NewReader(bufio.NewReader(section))
	ir.base = offset
}

func (ir *indexReader) offset() uint64 {
	return ir.base + ir.r.Offset()
}

// next reads one entry, returning nil at the end of the index.
func (ir *indexReader) next() (*indexEntry, error) {
	if ir.offset() >= ir.t.indexFileSize {
		return nil, nil
	}
	e := &indexEntry{indexOffset: ir.offset()}
	var err error
	if e.Key, err = ir.r.ReadString16(); err != nil {
		return nil, err
	}
	if ir.t.desc.Version == VersionMC {
		if e.DataOffset, err = ir.r.ReadUvint(); err != nil {
			return nil, err
		}
		size, err := ir.r.ReadUvint()
		if err != nil {
			return nil, err
		}
		if size > 0 {
			e.Promoted = make([]byte, size)
			if err := ir.r.ReadBytes(e.Promoted); err != nil {
				return nil, err
			}
		}
		return e, nil
	}
	if e.DataOffset, err = ir.r.ReadUint64(); err != nil {
		return nil, err
	}
	size, err := ir.r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if size > 0 {
		e.Promoted = make([]byte, size)
		if err := ir.r.ReadBytes(e.Promoted); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// seekToPartition locates the partition with the given decorated key: the
// summary binary search narrows the scan to the byte range between two
// consecutive summary entries, then entries are compared in order. Returns
// nil when the partition is not in the index.
func (ir *indexReader) seekToPartition(dk DecoratedKey) (*indexEntry, error) {
	s := ir.t.summary
	if len(s.Entries) == 0 {
		return nil, base.CorruptionErrorf("sstable: summary of %s has no entries",
			ir.t.desc.FilenameFor(ComponentSummary))
	}
	i := s.binarySearch(dk)
	if i < 0 {
		// Target precedes the first sampled entry; it can still live
		// before the first sample only if it equals the first key, which
		// the scan below resolves from offset 0.
		i = 0
	}
	ir.seek(s.Entries[i].Position)
	end := ir.t.indexFileSize
	if i+1 < len(s.Entries) {
		end = s.Entries[i+1].Position
	}
	for ir.offset() < end {
		e, err := ir.next()
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, nil
		}
		ek := DecoratedKey{Token: ir.t.partitioner.Token(e.Key), Key: e.Key}
		switch c := ek.Compare(dk); {
		case c == 0:
			return e, nil
		case c > 0:
			return nil, nil
		}
	}
	return nil, nil
}

// seekToFirstGE positions the reader at the first entry whose decorated key
// is >= the target, for range scans. Returns the first matching entry (or
// nil past the end).
func (ir *indexReader) seekToFirstGE(dk DecoratedKey) (*indexEntry, error) {
	s := ir.t.summary
	if len(s.Entries) == 0 {
		return nil, base.CorruptionErrorf("sstable: summary of %s has no entries",
			ir.t.desc.FilenameFor(ComponentSummary))
	}
	i := s.binarySearch(dk)
	if i < 0 {
		i = 0
	}
	ir.seek(s.Entries[i].Position)
	for {
		e, err := ir.next()
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, nil
		}
		ek := DecoratedKey{Token: ir.t.partitioner.Token(e.Key), Key: e.Key}
		if ek.Compare(dk) >= 0 {
			return e, nil
		}
	}
}

// promotedIndex materializes an entry's promoted index, or nil when the
// entry has none.
func (ir *indexReader) promotedIndex(e *indexEntry) (*PromotedIndex, error) {
	return materializePromotedIndex(ir.t.desc.Version, ir.t.schema, e.Promoted)
}

// parseCompositePrefix decodes a legacy composite column name into its
// components and the end-of-component byte of the last component.
func parseCompositePrefix(name []byte) (ClusteringPrefix, int8, error) {
	var p ClusteringPrefix
	var eoc int8
	r := encoding.NewReader(bytes.NewReader(name))
	remaining := len(name)
	for remaining > 0 {
		c, err := r.ReadString16()
		if err != nil {
			return nil, 0, err
		}
		e, err := r.ReadInt8()
		if err != nil {
			return nil, 0, err
		}
		p = append(p, c)
		eoc = e
		remaining = len(name) - int(r.Offset())
	}
	return p, eoc, nil
}
