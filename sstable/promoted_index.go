// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"bytes"

	"github.com/xingdl2007/scylla/internal/encoding"
)

// PromotedIndexBlock samples one run of clusterings within a partition:
// the first and last clustering written into the block, the block's offset
// from the first byte after the partition header, its width, and the range
// tombstone still open at the block end (mc only), which initializes the RT
// stream when a reader fast-forwards into the block.
type PromotedIndexBlock struct {
	FirstPrefix ClusteringPrefix
	FirstKind   BoundKind
	LastPrefix  ClusteringPrefix
	LastKind    BoundKind
	Offset      uint64
	Width       uint64
	OpenMarker  *Tombstone
}

// PromotedIndex is the per-partition clustering sample stored with the
// partition's index entry.
type PromotedIndex struct {
	PartitionHeaderLength uint64
	PartitionTombstone    Tombstone
	Blocks                []PromotedIndexBlock
}

// mcPromotedWidthBase offsets block widths so typical widths near the
// desired block size encode in few bytes.
const mcPromotedWidthBase = 65536

// writePromotedIndexM serializes the mc promoted index body (without the
// leading size vint, which the index writer derives from the buffer).
func writePromotedIndexM(w *encoding.Writer, s *Schema, pi *PromotedIndex) error {
	if err := w.WriteUvint(pi.PartitionHeaderLength); err != nil {
		return err
	}
	if err := writeDeletionTime(w, pi.PartitionTombstone); err != nil {
		return err
	}
	if err := w.WriteUvint(uint64(len(pi.Blocks))); err != nil {
		return err
	}
	offsets := make([]uint32, 0, len(pi.Blocks))
	start := w.Offset()
	for i := range pi.Blocks {
		b := &pi.Blocks[i]
		off, err := encoding.CheckedCast[uint32](w.Offset() - start)
		if err != nil {
			return err
		}
		offsets = append(offsets, off)
		if err := writeClusteringPrefixWithKind(w, s, b.FirstKind, b.FirstPrefix); err != nil {
			return err
		}
		if err := writeClusteringPrefixWithKind(w, s, b.LastKind, b.LastPrefix); err != nil {
			return err
		}
		if err := w.WriteUvint(b.Offset); err != nil {
			return err
		}
		if err := w.WriteVint(int64(b.Width) - mcPromotedWidthBase); err != nil {
			return err
		}
		if b.OpenMarker != nil {
			if err := w.WriteUint8(1); err != nil {
				return err
			}
			if err := writeDeletionTime(w, *b.OpenMarker); err != nil {
				return err
			}
		} else if err := w.WriteUint8(0); err != nil {
			return err
		}
	}
	for _, off := range offsets {
		if err := w.WriteUint32(off); err != nil {
			return err
		}
	}
	return nil
}

// readPromotedIndexM parses a full mc promoted index blob.
func readPromotedIndexM(data []byte, s *Schema) (*PromotedIndex, error) {
	r := encoding.NewReader(bytes.NewReader(data))
	pi := &PromotedIndex{}
	var err error
	if pi.PartitionHeaderLength, err = r.ReadUvint(); err != nil {
		return nil, err
	}
	if pi.PartitionTombstone, err = readDeletionTime(r); err != nil {
		return nil, err
	}
	count, err := r.ReadUvint()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < count; i++ {
		var b PromotedIndexBlock
		if b.FirstPrefix, b.FirstKind, err = readClusteringPrefixWithKind(r, s); err != nil {
			return nil, err
		}
		if b.LastPrefix, b.LastKind, err = readClusteringPrefixWithKind(r, s); err != nil {
			return nil, err
		}
		if b.Offset, err = r.ReadUvint(); err != nil {
			return nil, err
		}
		dw, err := r.ReadVint()
		if err != nil {
			return nil, err
		}
		b.Width = uint64(dw + mcPromotedWidthBase)
		flag, err := r.ReadUint8()
		if err != nil {
			return nil, err
		}
		if flag != 0 {
			t, err := readDeletionTime(r)
			if err != nil {
				return nil, err
			}
			b.OpenMarker = &t
		}
		pi.Blocks = append(pi.Blocks, b)
	}
	// The trailing u32 offsets table exists to seek into the block array
	// without parsing it; having parsed it, the table is only validated
	// for length.
	for i := uint64(0); i < count; i++ {
		if _, err := r.ReadUint32(); err != nil {
			return nil, err
		}
	}
	return pi, nil
}

// The legacy promoted index stores (first, last, offset, width) per block
// in composite column-name form, preceded by the partition deletion time
// and a u32 block count.
type legacyPromotedBlock struct {
	FirstName []byte
	LastName  []byte
	Offset    uint64
	Width     uint64
}

func writePromotedIndexLegacy(w *encoding.Writer, deletion Tombstone, blocks []legacyPromotedBlock) error {
	if len(blocks) == 0 {
		return w.WriteUint32(0)
	}
	size := 12 + 4
	for i := range blocks {
		size += 2 + len(blocks[i].FirstName) + 2 + len(blocks[i].LastName) + 16
	}
	sz, err := encoding.CheckedCast[uint32](size)
	if err != nil {
		return err
	}
	if err := w.WriteUint32(sz); err != nil {
		return err
	}
	if err := writeDeletionTime(w, deletion); err != nil {
		return err
	}
	n, err := encoding.CheckedCast[uint32](len(blocks))
	if err != nil {
		return err
	}
	if err := w.WriteUint32(n); err != nil {
		return err
	}
	for i := range blocks {
		b := &blocks[i]
		if err := w.WriteString16(b.FirstName); err != nil {
			return err
		}
		if err := w.WriteString16(b.LastName); err != nil {
			return err
		}
		if err := w.WriteUint64(b.Offset); err != nil {
			return err
		}
		if err := w.WriteUint64(b.Width); err != nil {
			return err
		}
	}
	return nil
}

func readPromotedIndexLegacy(data []byte) (Tombstone, []legacyPromotedBlock, error) {
	r := encoding.NewReader(bytes.NewReader(data))
	deletion, err := readDeletionTime(r)
	if err != nil {
		return Tombstone{}, nil, err
	}
	count, err := r.ReadUint32()
	if err != nil {
		return Tombstone{}, nil, err
	}
	blocks := make([]legacyPromotedBlock, 0, count)
	for i := uint32(0); i < count; i++ {
		var b legacyPromotedBlock
		if b.FirstName, err = r.ReadString16(); err != nil {
			return Tombstone{}, nil, err
		}
		if b.LastName, err = r.ReadString16(); err != nil {
			return Tombstone{}, nil, err
		}
		if b.Offset, err = r.ReadUint64(); err != nil {
			return Tombstone{}, nil, err
		}
		if b.Width, err = r.ReadUint64(); err != nil {
			return Tombstone{}, nil, err
		}
		blocks = append(blocks, b)
	}
	return deletion, blocks, nil
}

// materializePromotedIndex parses the promoted bytes of an index entry
// under the entry's version. Legacy blocks carry composite names; they are
// parsed into inclusive first/last clustering prefixes next to the block
// offsets and widths.
func materializePromotedIndex(v Version, s *Schema, promoted []byte) (*PromotedIndex, error) {
	if len(promoted) == 0 {
		return nil, nil
	}
	if v == VersionMC {
		return readPromotedIndexM(promoted, s)
	}
	deletion, blocks, err := readPromotedIndexLegacy(promoted)
	if err != nil {
		return nil, err
	}
	pi := &PromotedIndex{PartitionTombstone: deletion}
	for i := range blocks {
		first, _, err := parseCompositePrefix(blocks[i].FirstName)
		if err != nil {
			return nil, err
		}
		last, _, err := parseCompositePrefix(blocks[i].LastName)
		if err != nil {
			return nil, err
		}
		pi.Blocks = append(pi.Blocks, PromotedIndexBlock{
			FirstPrefix: first,
			FirstKind:   BoundInclStart,
			LastPrefix:  last,
			LastKind:    BoundInclEnd,
			Offset:      blocks[i].Offset,
			Width:       blocks[i].Width,
		})
	}
	return pi, nil
}

// blockFor returns the index of the first block that may contain pos, or
// len(Blocks) when pos is past the last block.
func (pi *PromotedIndex) blockFor(s *Schema, pos Position) int {
	lo, hi := 0, len(pi.Blocks)
	for lo < hi {
		mid := (lo + hi) / 2
		b := &pi.Blocks[mid]
		last := b.LastKind.Position(b.LastPrefix)
		if s.ComparePositions(last, pos) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
