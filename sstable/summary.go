// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"bytes"
	"math"

	"github.com/xingdl2007/scylla/internal/base"
	"github.com/xingdl2007/scylla/internal/encoding"
)

// defaultSummaryByteCost is the cost of one summary byte in data bytes: by
// seal time the summary is at most 1/2000th of the data size. Matches a
// summary ratio of 0.0005.
const defaultSummaryByteCost = 2000

// baseSamplingLevel is the sampling level of a freshly written summary.
// Downsampling of hot summaries happens above this layer.
const baseSamplingLevel = 128

// SummaryEntry samples one index entry: the token and key of a partition
// and the index-file offset of its entry.
type SummaryEntry struct {
	Token    Token
	Key      []byte
	Position uint64
}

// Summary is the sparse in-memory index of the Index component. The on-disk
// layout is a fixed header, a little-endian positions array, the
// concatenated entries, and the first and last partition keys.
type Summary struct {
	MinIndexInterval   uint32
	SamplingLevel      uint32
	SizeAtFullSampling uint32
	// MemorySize is the byte size of the positions array plus entries.
	MemorySize uint64
	Entries    []SummaryEntry
	// Positions[i] is the offset of entry i, measured from the start of
	// the positions array. A transient boundary equal to MemorySize is
	// used during load to size the last entry and popped before exposing
	// the structure.
	Positions []uint32
	FirstKey  []byte
	LastKey   []byte
}

// SamplingState drives summary entry sampling while streaming the index.
type SamplingState struct {
	PartitionCount  uint64
	NextDataOffset  uint64
	SummaryByteCost uint64
}

// prepareSummary sets the header fields for an expected partition count,
// rejecting counts the u32 entry counter cannot hold.
func prepareSummary(s *Summary, expectedPartitions uint64, minIndexInterval uint32) error {
	if expectedPartitions < 1 {
		expectedPartitions = 1
	}
	if minIndexInterval == 0 {
		minIndexInterval = 128
	}
	maxExpectedEntries := expectedPartitions/uint64(minIndexInterval) +
		boolToUint64(expectedPartitions%uint64(minIndexInterval) != 0)
	if maxExpectedEntries > math.MaxUint32 {
		return base.CorruptionErrorf(
			"sstable: current sampling level (%d) not enough to generate summary", baseSamplingLevel)
	}
	s.MinIndexInterval = minIndexInterval
	s.SamplingLevel = baseSamplingLevel
	s.MemorySize = 0
	return nil
}

func boolToUint64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// maybeAddSummaryEntry appends an entry if the data offset crossed the next
// sampling threshold. The threshold advances by the entry's memory cost
// (8-byte position + 2-byte length + key) times the byte cost, keeping the
// summary-to-data ratio bounded.
func maybeAddSummaryEntry(s *Summary, state *SamplingState, token Token, key []byte, dataOffset, indexOffset uint64) {
	state.PartitionCount++
	if dataOffset < state.NextDataOffset {
		return
	}
	entrySize := uint64(8 + 2 + len(key))
	state.NextDataOffset += state.SummaryByteCost * entrySize
	s.Entries = append(s.Entries, SummaryEntry{
		Token:    append(Token(nil), token...),
		Key:      append([]byte(nil), key...),
		Position: indexOffset,
	})
}

// sealSummary finalizes the header, builds the positions array and sets the
// first and last keys. An absent last key means the sstable has a single
// partition.
func sealSummary(s *Summary, firstKey, lastKey []byte, state *SamplingState) error {
	size, err := encoding.CheckedCast[uint32](len(s.Entries))
	if err != nil {
		return err
	}
	s.SizeAtFullSampling = uint32(state.PartitionCount / uint64(s.MinIndexInterval))
	s.MemorySize = uint64(size) * 4
	s.Positions = s.Positions[:0]
	for i := range s.Entries {
		pos, err := encoding.CheckedCast[uint32](s.MemorySize)
		if err != nil {
			return err
		}
		s.Positions = append(s.Positions, pos)
		s.MemorySize += uint64(len(s.Entries[i].Key)) + 8
	}
	if firstKey == nil {
		return base.CorruptionErrorf("sstable: sealing summary of an empty sstable")
	}
	s.FirstKey = firstKey
	if lastKey != nil {
		s.LastKey = lastKey
	} else {
		s.LastKey = firstKey
	}
	return nil
}

// writeSummary writes the on-disk representation. Positions and per-entry
// positions are little-endian for portability; all other fields big-endian.
func writeSummary(w *encoding.Writer, s *Summary) error {
	size, err := encoding.CheckedCast[uint32](len(s.Entries))
	if err != nil {
		return err
	}
	if err := w.WriteUint32(s.MinIndexInterval); err != nil {
		return err
	}
	if err := w.WriteUint32(size); err != nil {
		return err
	}
	if err := w.WriteUint64(s.MemorySize); err != nil {
		return err
	}
	if err := w.WriteUint32(s.SamplingLevel); err != nil {
		return err
	}
	if err := w.WriteUint32(s.SizeAtFullSampling); err != nil {
		return err
	}
	for _, p := range s.Positions {
		if err := w.WriteUint32LE(p); err != nil {
			return err
		}
	}
	for i := range s.Entries {
		if err := w.WriteBytes(s.Entries[i].Key); err != nil {
			return err
		}
		if err := w.WriteUint64LE(s.Entries[i].Position); err != nil {
			return err
		}
	}
	if err := w.WriteString32(s.FirstKey); err != nil {
		return err
	}
	return w.WriteString32(s.LastKey)
}

// readSummary parses a summary. Entry keys are not length-prefixed on disk;
// the positions array sizes them, with MemorySize as the transient boundary
// position of the one-past-the-last entry.
func readSummary(r *encoding.Reader, part Partitioner) (*Summary, error) {
	s := &Summary{}
	var err error
	if s.MinIndexInterval, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	size, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if s.MemorySize, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if s.SamplingLevel, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if s.SizeAtFullSampling, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	s.Positions = make([]uint32, 0, size+1)
	for i := uint32(0); i < size; i++ {
		p, err := r.ReadUint32LE()
		if err != nil {
			return nil, err
		}
		s.Positions = append(s.Positions, p)
	}
	s.Positions = append(s.Positions, uint32(s.MemorySize))
	s.Entries = make([]SummaryEntry, 0, size)
	for i := uint32(0); i < size; i++ {
		entrySize := int64(s.Positions[i+1]) - int64(s.Positions[i])
		if entrySize < 8 {
			return nil, base.CorruptionErrorf("sstable: summary entry %d has size %d", i, entrySize)
		}
		key := make([]byte, entrySize-8)
		if err := r.ReadBytes(key); err != nil {
			return nil, err
		}
		pos, err := r.ReadUint64LE()
		if err != nil {
			return nil, err
		}
		s.Entries = append(s.Entries, SummaryEntry{
			Token:    part.Token(key),
			Key:      key,
			Position: pos,
		})
	}
	// Pop the transient boundary.
	s.Positions = s.Positions[:size]
	if s.FirstKey, err = r.ReadString32(); err != nil {
		return nil, err
	}
	if s.LastKey, err = r.ReadString32(); err != nil {
		return nil, err
	}
	return s, nil
}

// binarySearch returns the index of the last summary entry whose (token,
// key) is <= the target, or -1 when the target precedes the first entry.
func (s *Summary) binarySearch(dk DecoratedKey) int {
	lo, hi := 0, len(s.Entries)
	for lo < hi {
		mid := (lo + hi) / 2
		e := &s.Entries[mid]
		c := e.Token.Compare(dk.Token)
		if c == 0 {
			c = bytes.Compare(e.Key, dk.Key)
		}
		if c <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}
