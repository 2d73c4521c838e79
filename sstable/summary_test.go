// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xingdl2007/scylla/internal/encoding"
)

func TestSummarySampling(t *testing.T) {
	var s Summary
	require.NoError(t, prepareSummary(&s, 1000, 128))
	require.Equal(t, uint32(128), s.MinIndexInterval)
	require.Equal(t, uint32(baseSamplingLevel), s.SamplingLevel)

	state := &SamplingState{SummaryByteCost: 10}
	part := Murmur3Partitioner{}
	key0 := []byte("key-0")
	// The first entry is always sampled: the threshold starts at zero.
	maybeAddSummaryEntry(&s, state, part.Token(key0), key0, 0, 0)
	require.Len(t, s.Entries, 1)

	// Below the advanced threshold nothing is added.
	key1 := []byte("key-1")
	maybeAddSummaryEntry(&s, state, part.Token(key1), key1, 10, 100)
	require.Len(t, s.Entries, 1)

	// The threshold advanced by cost*(8+2+len(key)).
	want := uint64(10 * (8 + 2 + len(key0)))
	require.Equal(t, want, state.NextDataOffset)
	key2 := []byte("key-2")
	maybeAddSummaryEntry(&s, state, part.Token(key2), key2, want, 200)
	require.Len(t, s.Entries, 2)
	require.Equal(t, uint64(3), state.PartitionCount)

	require.NoError(t, sealSummary(&s, key0, key2, state))
	require.Equal(t, []byte("key-0"), s.FirstKey)
	require.Equal(t, []byte("key-2"), s.LastKey)
	require.Len(t, s.Positions, 2)
	// positions[0] covers the positions array itself.
	require.Equal(t, uint32(8), s.Positions[0])
	require.Equal(t, uint64(8+(5+8)*2), s.MemorySize)
}

func TestSummaryLoadSaveByteIdentical(t *testing.T) {
	var s Summary
	require.NoError(t, prepareSummary(&s, 100, 128))
	state := &SamplingState{SummaryByteCost: 1}
	part := Murmur3Partitioner{}
	keys := [][]byte{[]byte("aa"), []byte("bbb"), []byte("cccc")}
	var offset uint64
	for i, k := range keys {
		maybeAddSummaryEntry(&s, state, part.Token(k), k, offset, uint64(i*100))
		offset += 1 << 20
	}
	require.NoError(t, sealSummary(&s, keys[0], keys[2], state))

	var buf bytes.Buffer
	require.NoError(t, writeSummary(encoding.NewWriter(&buf), &s))
	first := append([]byte(nil), buf.Bytes()...)

	loaded, err := readSummary(encoding.NewReader(bytes.NewReader(first)), part)
	require.NoError(t, err)
	require.Equal(t, s.MinIndexInterval, loaded.MinIndexInterval)
	require.Equal(t, s.MemorySize, loaded.MemorySize)
	require.Equal(t, len(s.Entries), len(loaded.Entries))
	for i := range s.Entries {
		require.Equal(t, s.Entries[i].Key, loaded.Entries[i].Key)
		require.Equal(t, s.Entries[i].Position, loaded.Entries[i].Position)
	}
	// The transient boundary position is not retained after load.
	require.Len(t, loaded.Positions, len(loaded.Entries))

	var buf2 bytes.Buffer
	require.NoError(t, writeSummary(encoding.NewWriter(&buf2), loaded))
	require.Equal(t, first, buf2.Bytes())
}

func TestSummaryBinarySearch(t *testing.T) {
	part := Murmur3Partitioner{}
	s := &Summary{}
	keys := [][]byte{[]byte("k1"), []byte("k2"), []byte("k3"), []byte("k4")}
	entries := make([]SummaryEntry, 0, len(keys))
	for i, k := range keys {
		entries = append(entries, SummaryEntry{Token: part.Token(k), Key: k, Position: uint64(i)})
	}
	// Summaries are ordered by token.
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].Token.Compare(entries[i].Token) < 0 {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	s.Entries = entries

	for i := range entries {
		dk := DecoratedKey{Token: entries[i].Token, Key: entries[i].Key}
		require.Equal(t, i, s.binarySearch(dk))
	}
}
