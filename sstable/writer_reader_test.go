// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/xingdl2007/scylla/internal/base"
	"github.com/xingdl2007/scylla/internal/checksum"
	"github.com/xingdl2007/scylla/vfs"
)

const testDir = "/data/test_ks/test_table-0123456789abcdef0123456789abcdef"

const (
	int32TypeName = "org.apache.cassandra.db.marshal.Int32Type"
	textTypeName  = "org.apache.cassandra.db.marshal.UTF8Type"
	inetTypeName  = "org.apache.cassandra.db.marshal.InetAddressType"
)

func be32(v int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return b[:]
}

func testSchemaSimple() *Schema {
	return &Schema{
		Keyspace:         "test_ks",
		Table:            "test_table",
		PartitionKeyType: FixedLengthType(int32TypeName, 4),
		ClusteringTypes:  []ColumnType{FixedLengthType(int32TypeName, 4)},
		RegularColumns: []ColumnDef{
			{Name: []byte("val"), Type: FixedLengthType(int32TypeName, 4)},
		},
		Compound:            true,
		BloomFilterFPChance: 0.01,
		MinIndexInterval:    128,
	}
}

func testSchemaStatic() *Schema {
	s := testSchemaSimple()
	s.StaticColumns = []ColumnDef{
		{Name: []byte("s_inet"), Type: VariableLengthType(inetTypeName)},
		{Name: []byte("s_int"), Type: FixedLengthType(int32TypeName, 4)},
		{Name: []byte("s_text"), Type: VariableLengthType(textTypeName)},
	}
	return s
}

func decorate(key []byte) DecoratedKey {
	return DecoratedKey{Token: Murmur3Partitioner{}.Token(key), Key: key}
}

// writeTable runs the write pipeline and returns the sealed sstable opened
// for reading.
func writeTable(t *testing.T, fs vfs.FS, schema *Schema, gen base.Generation, v Version, opts WriterOptions, feed func(w *Writer)) *SSTable {
	t.Helper()
	st := New(fs, testDir, schema, Murmur3Partitioner{}, gen, v, FormatBig, base.DefaultLogger{})
	w, err := NewWriter(st, 16, opts)
	require.NoError(t, err)
	feed(w)
	require.NoError(t, w.ConsumeEndOfStream())
	require.NoError(t, w.Close())
	if opts.LeaveUnsealed {
		return nil
	}
	opened, err := Open(fs, testDir, schema, Murmur3Partitioner{}, gen, v, FormatBig, ReaderOptions{})
	require.NoError(t, err)
	return opened
}

func collectEvents(t *testing.T, it *Iterator) []Event {
	t.Helper()
	var out []Event
	for {
		ev, err := it.Next()
		require.NoError(t, err)
		if ev == nil {
			return out
		}
		out = append(out, ev)
	}
}

const testTimestamp = timestampEpoch

// TestWriteThenReadStaticRow covers a single partition with a compound
// static row: pk=5, statics (s_int=105, s_text, s_inet), one clustering
// row ck=15 val=1005.
func TestWriteThenReadStaticRow(t *testing.T) {
	fs := vfs.NewMem()
	schema := testSchemaStatic()
	pk := be32(5)

	static := &StaticRow{
		Cells: []Cell{
			{Column: []byte("s_inet"), Value: []byte("10.0.0.5"), Timestamp: testTimestamp},
			{Column: []byte("s_int"), Value: be32(105), Timestamp: testTimestamp},
			{Column: []byte("s_text"), Value: []byte("Text for 5"), Timestamp: testTimestamp},
		},
	}
	row := &Row{
		Clustering: ClusteringPrefix{be32(15)},
		Marker:     LivenessInfo{Timestamp: testTimestamp, LocalDeletionTime: NoDeletionTime},
		Tombstone:  NoTombstone,
		Shadowable: NoTombstone,
		Cells: []Cell{
			{Column: []byte("val"), Value: be32(1005), Timestamp: testTimestamp},
		},
	}

	table := writeTable(t, fs, schema, 1, VersionMC, WriterOptions{}, func(w *Writer) {
		require.NoError(t, w.ConsumeNewPartition(decorate(pk)))
		require.NoError(t, w.ConsumeStaticRow(static))
		require.NoError(t, w.ConsumeRow(row))
		_, err := w.ConsumeEndOfPartition()
		require.NoError(t, err)
	})
	defer table.Close()

	events := collectEvents(t, table.ReadRows(context.Background()))
	require.Len(t, events, 4)

	start, ok := events[0].(*PartitionStart)
	require.True(t, ok)
	require.Equal(t, pk, start.Key.Key)
	require.Equal(t, NoTombstone, start.Tombstone)

	sr, ok := events[1].(*StaticRow)
	require.True(t, ok)
	require.Len(t, sr.Cells, 3)
	require.Equal(t, []byte("s_inet"), sr.Cells[0].Column)
	require.Equal(t, []byte("10.0.0.5"), sr.Cells[0].Value)
	require.Equal(t, be32(105), sr.Cells[1].Value)
	require.Equal(t, []byte("Text for 5"), sr.Cells[2].Value)

	got, ok := events[2].(*Row)
	require.True(t, ok)
	require.Equal(t, row.Clustering, got.Clustering)
	require.Equal(t, row.Marker, got.Marker)
	require.Len(t, got.Cells, 1)
	require.Equal(t, be32(1005), got.Cells[0].Value)

	_, ok = events[3].(*PartitionEnd)
	require.True(t, ok)
}

// TestRoundTripRichRows exercises markers with TTL, cell tombstones,
// complex columns with complex deletion and counters across several
// partitions.
func TestRoundTripRichRows(t *testing.T) {
	fs := vfs.NewMem()
	schema := testSchemaSimple()
	schema.RegularColumns = append(schema.RegularColumns,
		ColumnDef{Name: []byte("vcnt"), Type: VariableLengthType("org.apache.cassandra.db.marshal.CounterColumnType"), IsCounter: true},
		ColumnDef{Name: []byte("vmap"), Type: VariableLengthType("org.apache.cassandra.db.marshal.MapType"), IsComplex: true},
	)

	rows := []*Row{
		{
			Clustering: ClusteringPrefix{be32(1)},
			Marker:     LivenessInfo{Timestamp: testTimestamp, TTL: 3600, LocalDeletionTime: deletionTimeEpoch + 3600},
			Tombstone:  NoTombstone,
			Shadowable: NoTombstone,
			Cells: []Cell{
				{Column: []byte("val"), Value: be32(10), Timestamp: testTimestamp, TTL: 3600, Expiry: deletionTimeEpoch + 3600},
				{Column: []byte("vcnt"), Value: []byte{1, 2, 3, 4, 5}, Timestamp: testTimestamp, Counter: true},
			},
			Complex: []ComplexColumn{{
				Column:    []byte("vmap"),
				Tombstone: Tombstone{Timestamp: testTimestamp - 1, LocalDeletionTime: deletionTimeEpoch},
				Cells: []Cell{
					{Path: []byte("k1"), Value: []byte("v1"), Timestamp: testTimestamp},
					{Path: []byte("k2"), Value: []byte("v2"), Timestamp: testTimestamp},
				},
			}},
		},
		{
			Clustering: ClusteringPrefix{be32(2)},
			Marker:     LivenessInfo{Timestamp: NoTimestamp},
			Tombstone:  Tombstone{Timestamp: testTimestamp, LocalDeletionTime: deletionTimeEpoch + 10},
			Shadowable: NoTombstone,
			Cells: []Cell{
				{Column: []byte("val"), Timestamp: testTimestamp, Tombstone: true, Expiry: deletionTimeEpoch + 10},
			},
		},
		{
			Clustering: ClusteringPrefix{be32(3)},
			Marker:     LivenessInfo{Timestamp: testTimestamp + 5, LocalDeletionTime: NoDeletionTime},
			Tombstone:  NoTombstone,
			Shadowable: Tombstone{Timestamp: testTimestamp + 2, LocalDeletionTime: deletionTimeEpoch + 2},
		},
	}

	pks := [][]byte{be32(1), be32(2), be32(3)}
	dks := make([]DecoratedKey, len(pks))
	for i := range pks {
		dks[i] = decorate(pks[i])
	}
	// Partitions must be fed in token order.
	for i := 0; i < len(dks); i++ {
		for j := i + 1; j < len(dks); j++ {
			if dks[j].Compare(dks[i]) < 0 {
				dks[i], dks[j] = dks[j], dks[i]
			}
		}
	}

	table := writeTable(t, fs, schema, 1, VersionMC, WriterOptions{}, func(w *Writer) {
		for _, dk := range dks {
			require.NoError(t, w.ConsumeNewPartition(dk))
			for _, r := range rows {
				require.NoError(t, w.ConsumeRow(r))
			}
			_, err := w.ConsumeEndOfPartition()
			require.NoError(t, err)
		}
	})
	defer table.Close()

	events := collectEvents(t, table.ReadRows(context.Background()))
	require.Len(t, events, len(dks)*(2+len(rows)))

	i := 0
	for _, dk := range dks {
		start := events[i].(*PartitionStart)
		require.Equal(t, dk.Key, start.Key.Key)
		i++
		for _, want := range rows {
			got := events[i].(*Row)
			require.Equal(t, want.Clustering, got.Clustering)
			require.Equal(t, want.Marker, got.Marker)
			require.Equal(t, want.Tombstone, got.Tombstone)
			require.Equal(t, want.Shadowable, got.Shadowable)
			require.Equal(t, len(want.Cells), len(got.Cells))
			for c := range want.Cells {
				require.Equal(t, want.Cells[c].Value, got.Cells[c].Value)
				require.Equal(t, want.Cells[c].Timestamp, got.Cells[c].Timestamp)
				require.Equal(t, want.Cells[c].Tombstone, got.Cells[c].Tombstone)
				require.Equal(t, want.Cells[c].TTL, got.Cells[c].TTL)
				require.Equal(t, want.Cells[c].Expiry, got.Cells[c].Expiry)
			}
			require.Equal(t, len(want.Complex), len(got.Complex))
			for c := range want.Complex {
				require.Equal(t, want.Complex[c].Tombstone, got.Complex[c].Tombstone)
				require.Equal(t, len(want.Complex[c].Cells), len(got.Complex[c].Cells))
				for s := range want.Complex[c].Cells {
					require.Equal(t, want.Complex[c].Cells[s].Path, got.Complex[c].Cells[s].Path)
					require.Equal(t, want.Complex[c].Cells[s].Value, got.Complex[c].Cells[s].Value)
				}
			}
			i++
		}
		_, ok := events[i].(*PartitionEnd)
		require.True(t, ok)
		i++
	}
}

// TestRangeTombstoneBoundary covers two range tombstones sharing an
// endpoint: the writer must emit a boundary marker carrying both
// tombstones, and the reader two events meeting at the shared point.
func TestRangeTombstoneBoundary(t *testing.T) {
	fs := vfs.NewMem()
	schema := testSchemaSimple()
	pk := be32(1)
	t1 := Tombstone{Timestamp: testTimestamp, LocalDeletionTime: deletionTimeEpoch + 1}
	t2 := Tombstone{Timestamp: testTimestamp + 10, LocalDeletionTime: deletionTimeEpoch + 2}

	table := writeTable(t, fs, schema, 1, VersionMC, WriterOptions{}, func(w *Writer) {
		require.NoError(t, w.ConsumeNewPartition(decorate(pk)))
		require.NoError(t, w.ConsumeRangeTombstone(&RangeTombstone{
			Start: ClusteringPrefix{}, StartKind: BoundInclStart,
			End: ClusteringPrefix{be32(2)}, EndKind: BoundInclEnd,
			Tombstone: t1,
		}))
		require.NoError(t, w.ConsumeRangeTombstone(&RangeTombstone{
			Start: ClusteringPrefix{be32(2)}, StartKind: BoundInclStart,
			End: ClusteringPrefix{}, EndKind: BoundInclEnd,
			Tombstone: t2,
		}))
		_, err := w.ConsumeEndOfPartition()
		require.NoError(t, err)
	})
	defer table.Close()

	events := collectEvents(t, table.ReadRows(context.Background()))
	require.Len(t, events, 4)

	rt1, ok := events[1].(*RangeTombstone)
	require.True(t, ok)
	require.Empty(t, rt1.Start)
	require.Equal(t, BoundInclStart, rt1.StartKind)
	require.Equal(t, ClusteringPrefix{be32(2)}, rt1.End)
	require.Equal(t, BoundExclEnd, rt1.EndKind)
	require.Equal(t, t1, rt1.Tombstone)

	rt2, ok := events[2].(*RangeTombstone)
	require.True(t, ok)
	require.Equal(t, ClusteringPrefix{be32(2)}, rt2.Start)
	require.Equal(t, BoundInclStart, rt2.StartKind)
	require.Empty(t, rt2.End)
	require.Equal(t, BoundInclEnd, rt2.EndKind)
	require.Equal(t, t2, rt2.Tombstone)
}

// TestOverlappingRangeTombstonesConverging covers a tombstone arriving
// after rows it partially overlaps: a single open marker, a boundary at
// the row closing the old run and opening the newer one, and a final
// close carrying the newer tombstone.
func TestOverlappingRangeTombstonesConverging(t *testing.T) {
	fs := vfs.NewMem()
	schema := testSchemaSimple()
	schema.ClusteringTypes = []ColumnType{
		VariableLengthType(textTypeName),
		VariableLengthType(textTypeName),
	}
	pk := be32(1)
	t1 := Tombstone{Timestamp: testTimestamp, LocalDeletionTime: deletionTimeEpoch + 1}
	t3 := testTimestamp + 20
	t2 := Tombstone{Timestamp: testTimestamp + 10, LocalDeletionTime: deletionTimeEpoch + 2}

	aaa := []byte("aaa")
	bbb := []byte("bbb")

	table := writeTable(t, fs, schema, 1, VersionMC, WriterOptions{}, func(w *Writer) {
		require.NoError(t, w.ConsumeNewPartition(decorate(pk)))
		require.NoError(t, w.ConsumeRangeTombstone(&RangeTombstone{
			Start: ClusteringPrefix{aaa}, StartKind: BoundInclStart,
			End: ClusteringPrefix{aaa}, EndKind: BoundInclEnd,
			Tombstone: t1,
		}))
		require.NoError(t, w.ConsumeRow(&Row{
			Clustering: ClusteringPrefix{aaa, bbb},
			Marker:     LivenessInfo{Timestamp: t3, LocalDeletionTime: NoDeletionTime},
			Tombstone:  NoTombstone,
			Shadowable: NoTombstone,
		}))
		require.NoError(t, w.ConsumeRangeTombstone(&RangeTombstone{
			Start: ClusteringPrefix{aaa}, StartKind: BoundInclStart,
			End: ClusteringPrefix{aaa}, EndKind: BoundInclEnd,
			Tombstone: t2,
		}))
		_, err := w.ConsumeEndOfPartition()
		require.NoError(t, err)
	})
	defer table.Close()

	events := collectEvents(t, table.ReadRows(context.Background()))
	// partition start, close of the T1 run at the boundary, row, close of
	// the T2 run, partition end — the boundary closes T1 and opens T2 in
	// one marker, so the row sits between the two reconstructed ranges.
	require.Len(t, events, 5)

	first, ok := events[1].(*RangeTombstone)
	require.True(t, ok)
	require.Equal(t, ClusteringPrefix{aaa}, first.Start)
	require.Equal(t, BoundInclStart, first.StartKind)
	require.Equal(t, ClusteringPrefix{aaa, bbb}, first.End)
	require.Equal(t, BoundInclEnd, first.EndKind)
	require.Equal(t, t1, first.Tombstone)

	_, ok = events[2].(*Row)
	require.True(t, ok)

	second, ok := events[3].(*RangeTombstone)
	require.True(t, ok)
	require.Equal(t, ClusteringPrefix{aaa, bbb}, second.Start)
	require.Equal(t, BoundExclStart, second.StartKind)
	require.Equal(t, ClusteringPrefix{aaa}, second.End)
	require.Equal(t, BoundInclEnd, second.EndKind)
	require.Equal(t, t2, second.Tombstone)
}

// TestPromotedIndexFastForward covers skipping within a large partition:
// a forwarding reader advancing to a later clustering window must touch
// the promoted index instead of scanning every block.
func TestPromotedIndexFastForward(t *testing.T) {
	fs := vfs.NewMem()
	schema := testSchemaSimple()
	pk := be32(7)

	table := writeTable(t, fs, schema, 1, VersionMC,
		WriterOptions{PromotedIndexBlockSize: 128}, func(w *Writer) {
			require.NoError(t, w.ConsumeNewPartition(decorate(pk)))
			for i := int32(0); i < 1024; i++ {
				require.NoError(t, w.ConsumeRow(&Row{
					Clustering: ClusteringPrefix{be32(i)},
					Marker:     LivenessInfo{Timestamp: testTimestamp, LocalDeletionTime: NoDeletionTime},
					Tombstone:  NoTombstone,
					Shadowable: NoTombstone,
					Cells:      []Cell{{Column: []byte("val"), Value: be32(1000 + i), Timestamp: testTimestamp}},
				}))
			}
			_, err := w.ConsumeEndOfPartition()
			require.NoError(t, err)
		})
	defer table.Close()

	// The partition must have cut a healthy number of blocks.
	ir := newIndexReader(table)
	e, err := ir.next()
	require.NoError(t, err)
	require.NotNil(t, e)
	pi, err := ir.promotedIndex(e)
	require.NoError(t, err)
	require.NotNil(t, pi)
	require.GreaterOrEqual(t, len(pi.Blocks), 17)

	it := table.ReadSinglePartition(context.Background(),
		decorate(pk),
		ClusteringSlice{Ranges: []ClusteringRange{{
			Start: &ClusteringBound{Prefix: ClusteringPrefix{be32(0)}, Inclusive: true},
			End:   &ClusteringBound{Prefix: ClusteringPrefix{be32(10)}, Inclusive: false},
		}}},
		ForwardingYes)
	defer it.Close()

	ev, err := it.Next()
	require.NoError(t, err)
	_, ok := ev.(*PartitionStart)
	require.True(t, ok)
	var window1 []int32
	for {
		ev, err := it.Next()
		require.NoError(t, err)
		if ev == nil {
			break
		}
		window1 = append(window1, int32(binary.BigEndian.Uint32(ev.(*Row).Clustering[0])))
	}
	require.Len(t, window1, 10)

	before := testutil.ToFloat64(metricPromotedIndexBlockReads)
	require.NoError(t, it.FastForwardTo(
		PositionBefore(ClusteringPrefix{be32(700)}),
		PositionBefore(ClusteringPrefix{be32(900)})))
	var window2 []int32
	for {
		ev, err := it.Next()
		require.NoError(t, err)
		if ev == nil {
			break
		}
		window2 = append(window2, int32(binary.BigEndian.Uint32(ev.(*Row).Clustering[0])))
	}
	require.Len(t, window2, 200)
	require.Equal(t, int32(700), window2[0])
	require.Equal(t, int32(899), window2[len(window2)-1])

	// One indexed jump, far fewer block reads than the sequential path
	// through ~17+ blocks.
	after := testutil.ToFloat64(metricPromotedIndexBlockReads)
	require.Equal(t, float64(1), after-before)
}

// TestCompressionRoundTrip writes the same stream under every compressor
// and expects identical readback, with the CRC component present only in
// the uncompressed case.
func TestCompressionRoundTrip(t *testing.T) {
	for _, name := range []string{"none", LZ4CompressorName, SnappyCompressorName, DeflateCompressorName} {
		t.Run(name, func(t *testing.T) {
			fs := vfs.NewMem()
			schema := testSchemaSimple()
			if name != "none" {
				schema.Compression = &CompressionParams{Name: name, ChunkLength: 256}
			}
			pk := be32(1)
			table := writeTable(t, fs, schema, 1, VersionMC, WriterOptions{}, func(w *Writer) {
				require.NoError(t, w.ConsumeNewPartition(decorate(pk)))
				for i := int32(0); i < 300; i++ {
					require.NoError(t, w.ConsumeRow(&Row{
						Clustering: ClusteringPrefix{be32(i)},
						Marker:     LivenessInfo{Timestamp: testTimestamp, LocalDeletionTime: NoDeletionTime},
						Tombstone:  NoTombstone,
						Shadowable: NoTombstone,
						Cells:      []Cell{{Column: []byte("val"), Value: be32(i * 3), Timestamp: testTimestamp}},
					}))
				}
				_, err := w.ConsumeEndOfPartition()
				require.NoError(t, err)
			})
			defer table.Close()

			require.Equal(t, name == "none", table.HasComponent(ComponentCRC))
			require.Equal(t, name != "none", table.HasComponent(ComponentCompressionInfo))

			events := collectEvents(t, table.ReadRows(context.Background()))
			require.Len(t, events, 302)
			for i := int32(0); i < 300; i++ {
				row := events[1+i].(*Row)
				require.Equal(t, ClusteringPrefix{be32(i)}, row.Clustering)
				require.Equal(t, be32(i*3), row.Cells[0].Value)
			}

			// The digest is the ASCII decimal full-file checksum.
			f, err := fs.Open(table.Filename(ComponentDigest))
			require.NoError(t, err)
			digestText, err := io.ReadAll(f)
			require.NoError(t, err)
			require.NoError(t, f.Close())
			digest, err := strconv.ParseUint(string(digestText), 10, 32)
			require.NoError(t, err)
			if name == "none" {
				df, err := fs.Open(table.Filename(ComponentData))
				require.NoError(t, err)
				data, err := io.ReadAll(df)
				require.NoError(t, err)
				require.NoError(t, df.Close())
				require.Equal(t, uint64(checksum.Of(checksum.CRC32, data)), digest)
			}
		})
	}
}

// TestByteForByteStability writes the same deterministic stream twice and
// expects identical component bytes.
func TestByteForByteStability(t *testing.T) {
	ps := make([]int32, 10)
	for i := range ps {
		ps[i] = int32(i)
	}
	// Feed partitions in token order.
	for i := 0; i < len(ps); i++ {
		for j := i + 1; j < len(ps); j++ {
			if decorate(be32(ps[j])).Compare(decorate(be32(ps[i]))) < 0 {
				ps[i], ps[j] = ps[j], ps[i]
			}
		}
	}
	build := func(fs vfs.FS, gen base.Generation) *SSTable {
		schema := testSchemaStatic()
		return writeTable(t, fs, schema, gen, VersionMC, WriterOptions{}, func(w *Writer) {
			for _, p := range ps {
				require.NoError(t, w.ConsumeNewPartition(decorate(be32(p))))
				require.NoError(t, w.ConsumeStaticRow(&StaticRow{
					Cells: []Cell{
						{Column: []byte("s_inet"), Value: []byte("10.0.0.1"), Timestamp: testTimestamp},
						{Column: []byte("s_int"), Value: be32(p), Timestamp: testTimestamp},
						{Column: []byte("s_text"), Value: []byte(fmt.Sprintf("text %d", p)), Timestamp: testTimestamp},
					},
				}))
				for c := int32(0); c < 20; c++ {
					require.NoError(t, w.ConsumeRow(&Row{
						Clustering: ClusteringPrefix{be32(c)},
						Marker:     LivenessInfo{Timestamp: testTimestamp, LocalDeletionTime: NoDeletionTime},
						Tombstone:  NoTombstone,
						Shadowable: NoTombstone,
						Cells:      []Cell{{Column: []byte("val"), Value: be32(p*100 + c), Timestamp: testTimestamp}},
					}))
				}
				_, err := w.ConsumeEndOfPartition()
				require.NoError(t, err)
			}
		})
	}

	fs1, fs2 := vfs.NewMem(), vfs.NewMem()
	t1 := build(fs1, 1)
	defer t1.Close()
	t2 := build(fs2, 1)
	defer t2.Close()

	for _, c := range []ComponentType{ComponentData, ComponentIndex, ComponentSummary, ComponentStatistics, ComponentFilter, ComponentDigest, ComponentTOC} {
		f1, err := fs1.Open(t1.Filename(c))
		require.NoError(t, err)
		b1, err := io.ReadAll(f1)
		require.NoError(t, err)
		f2, err := fs2.Open(t2.Filename(c))
		require.NoError(t, err)
		b2, err := io.ReadAll(f2)
		require.NoError(t, err)
		require.Equal(t, b1, b2, "component %s differs", c)
	}
}
