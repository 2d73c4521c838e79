// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xingdl2007/scylla/internal/base"
	"github.com/xingdl2007/scylla/internal/encoding"
)

func testStatistics(v Version) *Statistics {
	stats := &Statistics{
		Validation: &ValidationMetadata{
			Partitioner:  []byte("org.apache.cassandra.dht.Murmur3Partitioner"),
			FilterChance: 0.01,
		},
		Compaction: &CompactionMetadata{AncestorGenerations: []uint32{1, 2}},
		Stats: &StatsMetadata{
			EstimatedPartitionSize: NewEstimatedHistogram(10),
			EstimatedCellCount:     NewEstimatedHistogram(10),
			MinTimestamp:           100,
			MaxTimestamp:           200,
			MaxLocalDeletionTime:   math.MaxInt32,
			CompressionRatio:       -1,
			TombstoneDropTime:      NewStreamingHistogram(),
			SSTableLevel:           1,
			RepairedAt:             7,
		},
	}
	if v == VersionMC {
		stats.Serialization = &SerializationHeader{
			PKTypeName:          []byte("org.apache.cassandra.db.marshal.Int32Type"),
			ClusteringTypeNames: [][]byte{[]byte("org.apache.cassandra.db.marshal.Int32Type")},
			RegularColumns: []ColumnDesc{
				{Name: []byte("val"), TypeName: []byte("org.apache.cassandra.db.marshal.Int32Type")},
			},
		}
	}
	return stats
}

func marshalStatistics(t *testing.T, v Version, s *Statistics) []byte {
	var buf bytes.Buffer
	require.NoError(t, writeStatistics(encoding.NewWriter(&buf), v, s))
	return buf.Bytes()
}

func TestStatisticsRoundTrip(t *testing.T) {
	schema := testSchemaSimple()
	for _, v := range []Version{VersionLA, VersionMC} {
		data := marshalStatistics(t, v, testStatistics(v))
		got, err := parseStatistics(data, v, schema, base.DefaultLogger{})
		require.NoError(t, err)
		require.NotNil(t, got.Validation)
		require.Equal(t, 0.01, got.Validation.FilterChance)
		require.Equal(t, []uint32{1, 2}, got.Compaction.AncestorGenerations)
		require.Equal(t, int64(100), got.Stats.MinTimestamp)
		require.Equal(t, int64(200), got.Stats.MaxTimestamp)
		require.Equal(t, uint64(7), got.Stats.RepairedAt)
		if v == VersionMC {
			require.NotNil(t, got.Serialization)
		} else {
			require.Nil(t, got.Serialization)
		}
	}
}

func TestStatisticsSerializationHeaderRejectedOnLegacy(t *testing.T) {
	data := marshalStatistics(t, VersionMC, testStatistics(VersionMC))
	_, err := parseStatistics(data, VersionLA, testSchemaSimple(), base.DefaultLogger{})
	require.Error(t, err)
	require.True(t, base.IsCorruptionError(err))
}

func TestStatisticsUnsortedOffsets(t *testing.T) {
	// Old writers did not respect the tag order; swap the first two table
	// entries and expect an identical parse.
	data := marshalStatistics(t, VersionLA, testStatistics(VersionLA))
	swapped := append([]byte(nil), data...)
	tag0 := binary.BigEndian.Uint32(swapped[4:])
	off0 := binary.BigEndian.Uint32(swapped[8:])
	tag1 := binary.BigEndian.Uint32(swapped[12:])
	off1 := binary.BigEndian.Uint32(swapped[16:])
	binary.BigEndian.PutUint32(swapped[4:], tag1)
	binary.BigEndian.PutUint32(swapped[8:], off1)
	binary.BigEndian.PutUint32(swapped[12:], tag0)
	binary.BigEndian.PutUint32(swapped[16:], off0)

	got, err := parseStatistics(swapped, VersionLA, testSchemaSimple(), base.DefaultLogger{})
	require.NoError(t, err)
	require.NotNil(t, got.Validation)
	require.NotNil(t, got.Compaction)
	require.NotNil(t, got.Stats)
}

func TestStatisticsUnknownTagSkipped(t *testing.T) {
	s := testStatistics(VersionLA)
	data := marshalStatistics(t, VersionLA, s)
	// Rewrite the table with an extra unknown tag pointing at a valid
	// offset; the reader must warn and carry on.
	var buf bytes.Buffer
	w := encoding.NewWriter(&buf)
	count := binary.BigEndian.Uint32(data[:4])
	require.NoError(t, w.WriteUint32(count+1))
	shift := uint32(8)
	for i := uint32(0); i < count; i++ {
		tag := binary.BigEndian.Uint32(data[4+8*i:])
		off := binary.BigEndian.Uint32(data[8+8*i:])
		require.NoError(t, w.WriteUint32(tag))
		require.NoError(t, w.WriteUint32(off+shift))
	}
	require.NoError(t, w.WriteUint32(12345)) // unknown tag
	require.NoError(t, w.WriteUint32(uint32(len(data))+shift))
	require.NoError(t, w.WriteBytes(data[4+8*count:]))

	got, err := parseStatistics(buf.Bytes(), VersionLA, testSchemaSimple(), base.DefaultLogger{})
	require.NoError(t, err)
	require.NotNil(t, got.Validation)
	require.NotNil(t, got.Stats)
}

func TestClusteringValuesValidation(t *testing.T) {
	schema := testSchemaSimple()

	// Mismatched lengths clear both arrays.
	m := &StatsMetadata{
		MinClusteringValues: [][]byte{{1}},
		MaxClusteringValues: [][]byte{{1}, {2}},
	}
	validateClusteringValues(m, schema)
	require.Nil(t, m.MinClusteringValues)
	require.Nil(t, m.MaxClusteringValues)

	// Schema column names leaking into the arrays clear them.
	m = &StatsMetadata{
		MinClusteringValues: [][]byte{[]byte("val")},
		MaxClusteringValues: [][]byte{[]byte("val")},
	}
	validateClusteringValues(m, schema)
	require.Nil(t, m.MinClusteringValues)

	// A composite encoding of a single-component clustering is ambiguous.
	composite := []byte{0x00, 0x01, 0xaa, 0x00}
	m = &StatsMetadata{
		MinClusteringValues: [][]byte{composite},
		MaxClusteringValues: [][]byte{composite},
	}
	validateClusteringValues(m, schema)
	require.Nil(t, m.MinClusteringValues)

	// Plain values survive.
	m = &StatsMetadata{
		MinClusteringValues: [][]byte{{0, 0, 0, 1}},
		MaxClusteringValues: [][]byte{{0, 0, 0, 9}},
	}
	validateClusteringValues(m, schema)
	require.NotNil(t, m.MinClusteringValues)

	// No clustering key in the schema means the arrays must be absent.
	noClustering := &Schema{}
	m = &StatsMetadata{
		MinClusteringValues: [][]byte{{1}},
		MaxClusteringValues: [][]byte{{1}},
	}
	validateClusteringValues(m, noClustering)
	require.Nil(t, m.MinClusteringValues)
}

func TestMaxLocalDeletionTimeClamped(t *testing.T) {
	s := testStatistics(VersionLA)
	s.Stats.MaxLocalDeletionTime = -123
	data := marshalStatistics(t, VersionLA, s)
	got, err := parseStatistics(data, VersionLA, testSchemaSimple(), base.DefaultLogger{})
	require.NoError(t, err)
	require.Equal(t, int32(math.MaxInt32), got.Stats.MaxLocalDeletionTime)
}

func TestEstimatedHistogramZeroSize(t *testing.T) {
	var buf bytes.Buffer
	w := encoding.NewWriter(&buf)
	require.NoError(t, w.WriteUint32(0))
	var h EstimatedHistogram
	err := readEstimatedHistogram(encoding.NewReader(&buf), &h)
	require.True(t, base.IsCorruptionError(err))
}

func TestStreamingHistogramBrokenShapeDiscarded(t *testing.T) {
	h := StreamingHistogram{
		MaxBinSize: 2,
		Bins: []StreamingHistogramBin{
			{Key: 5, Value: 1},
			{Key: 1, Value: 1}, // unsorted and full: the known-broken shape
		},
	}
	var buf bytes.Buffer
	require.NoError(t, writeStreamingHistogram(encoding.NewWriter(&buf), &h))
	var got StreamingHistogram
	require.NoError(t, readStreamingHistogram(encoding.NewReader(&buf), &got))
	require.Empty(t, got.Bins)
}
