// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xingdl2007/scylla/internal/base"
	"github.com/xingdl2007/scylla/vfs"
)

func writeSimpleTable(t *testing.T, fs vfs.FS, gen base.Generation, v Version, opts WriterOptions) *SSTable {
	t.Helper()
	schema := testSchemaSimple()
	return writeTable(t, fs, schema, gen, v, opts, func(w *Writer) {
		require.NoError(t, w.ConsumeNewPartition(decorate(be32(1))))
		require.NoError(t, w.ConsumeRow(&Row{
			Clustering: ClusteringPrefix{be32(1)},
			Marker:     LivenessInfo{Timestamp: testTimestamp, LocalDeletionTime: NoDeletionTime},
			Tombstone:  NoTombstone,
			Shadowable: NoTombstone,
			Cells:      []Cell{{Column: []byte("val"), Value: be32(100), Timestamp: testTimestamp}},
		}))
		_, err := w.ConsumeEndOfPartition()
		require.NoError(t, err)
	})
}

// TestUnrecognizedTOCComponent: a TOC line this version does not know is
// retained verbatim, surfaced as Unknown, and preserved on rewrite.
func TestUnrecognizedTOCComponent(t *testing.T) {
	fs := vfs.NewMem()
	table := writeSimpleTable(t, fs, 1, VersionMC, WriterOptions{})
	require.NoError(t, table.Close())

	tocPath := table.Filename(ComponentTOC)
	f, err := fs.Open(tocPath)
	require.NoError(t, err)
	toc, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	f2, err := fs.Create(tocPath)
	require.NoError(t, err)
	_, err = f2.Write(append(toc, []byte("SomethingNew\n")...))
	require.NoError(t, err)
	require.NoError(t, f2.Close())

	reopened, err := Open(fs, testDir, testSchemaSimple(), Murmur3Partitioner{}, 1, VersionMC, FormatBig, ReaderOptions{})
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, []string{"SomethingNew"}, reopened.unrecognized)
	var found bool
	for _, c := range reopened.AllComponents() {
		if c.Type == ComponentUnknown {
			require.Equal(t, "SomethingNew", c.Name)
			found = true
		}
	}
	require.True(t, found)
	lines := reopened.tocLines()
	require.Equal(t, "SomethingNew", lines[len(lines)-1])
}

// TestAtomicPublication: a generation whose seal was interrupted has a
// TemporaryTOC and no TOC, and the startup sweep removes it completely.
func TestAtomicPublication(t *testing.T) {
	fs := vfs.NewMem()
	writeSimpleTable(t, fs, 3, VersionMC, WriterOptions{LeaveUnsealed: true})

	d := Descriptor{
		Dir: testDir, Keyspace: "test_ks", Table: "test_table",
		Version: VersionMC, Generation: 3, Format: FormatBig,
	}
	_, err := fs.Stat(d.FilenameFor(ComponentTOC))
	require.Error(t, err)
	_, err = fs.Stat(d.FilenameFor(ComponentTemporaryTOC))
	require.NoError(t, err)
	// An observer finding no TOC treats the sstable as unsealed; opening
	// it fails as if it never existed.
	_, err = Open(fs, testDir, testSchemaSimple(), Murmur3Partitioner{}, 3, VersionMC, FormatBig, ReaderOptions{})
	require.Error(t, err)
	require.True(t, base.IsCorruptionError(err))

	require.NoError(t, RemoveGenerationWithTemporaryTOC(fs, d, base.DefaultLogger{}))
	names, err := fs.List(testDir)
	require.NoError(t, err)
	require.Empty(t, names)
}

// TestRemove deletes a sealed sstable: every component is unlinked, the
// TemporaryTOC last.
func TestRemove(t *testing.T) {
	fs := vfs.NewMem()
	table := writeSimpleTable(t, fs, 1, VersionMC, WriterOptions{})
	require.NoError(t, table.Close())
	AwaitBackgroundJobs()

	require.NoError(t, table.Remove())
	names, err := fs.List(testDir)
	require.NoError(t, err)
	require.Empty(t, names)
}

// TestSummaryRecovery: removing the Summary and reopening reconstructs it
// from the Index with the first and last keys preserved.
func TestSummaryRecovery(t *testing.T) {
	fs := vfs.NewMem()
	schema := testSchemaSimple()

	ps := make([]int32, 50)
	for i := range ps {
		ps[i] = int32(i)
	}
	for i := 0; i < len(ps); i++ {
		for j := i + 1; j < len(ps); j++ {
			if decorate(be32(ps[j])).Compare(decorate(be32(ps[i]))) < 0 {
				ps[i], ps[j] = ps[j], ps[i]
			}
		}
	}
	table := writeTable(t, fs, schema, 1, VersionMC, WriterOptions{}, func(w *Writer) {
		for _, p := range ps {
			require.NoError(t, w.ConsumeNewPartition(decorate(be32(p))))
			require.NoError(t, w.ConsumeRow(&Row{
				Clustering: ClusteringPrefix{be32(0)},
				Marker:     LivenessInfo{Timestamp: testTimestamp, LocalDeletionTime: NoDeletionTime},
				Tombstone:  NoTombstone,
				Shadowable: NoTombstone,
				Cells:      []Cell{{Column: []byte("val"), Value: be32(p), Timestamp: testTimestamp}},
			}))
			_, err := w.ConsumeEndOfPartition()
			require.NoError(t, err)
		}
	})
	firstKey := append([]byte(nil), table.FirstKey()...)
	lastKey := append([]byte(nil), table.LastKey()...)
	require.NoError(t, table.Close())
	AwaitBackgroundJobs()

	require.NoError(t, fs.Remove(table.Filename(ComponentSummary)))

	reopened, err := Open(fs, testDir, schema, Murmur3Partitioner{}, 1, VersionMC, FormatBig, ReaderOptions{})
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, firstKey, reopened.FirstKey())
	require.Equal(t, lastKey, reopened.LastKey())

	// Lookups still work through the regenerated summary.
	target := decorate(be32(ps[25]))
	events := collectEvents(t, reopened.ReadSinglePartition(context.Background(), target, ClusteringSlice{}, NoForwarding))
	require.Len(t, events, 3)
	require.Equal(t, target.Key, events[0].(*PartitionStart).Key.Key)
}

// TestLegacyRoundTrip writes the row-oriented la framing and reads it
// back: grouped cells, row markers and a range tombstone.
func TestLegacyRoundTrip(t *testing.T) {
	fs := vfs.NewMem()
	schema := testSchemaSimple()
	pk := be32(9)
	rt := &RangeTombstone{
		Start: ClusteringPrefix{be32(5)}, StartKind: BoundInclStart,
		End: ClusteringPrefix{be32(7)}, EndKind: BoundInclEnd,
		Tombstone: Tombstone{Timestamp: testTimestamp + 1, LocalDeletionTime: deletionTimeEpoch + 1},
	}

	table := writeTable(t, fs, schema, 1, VersionLA, WriterOptions{}, func(w *Writer) {
		require.NoError(t, w.ConsumeNewPartition(decorate(pk)))
		for i := int32(1); i <= 2; i++ {
			require.NoError(t, w.ConsumeRow(&Row{
				Clustering: ClusteringPrefix{be32(i)},
				Marker:     LivenessInfo{Timestamp: testTimestamp, LocalDeletionTime: NoDeletionTime},
				Tombstone:  NoTombstone,
				Shadowable: NoTombstone,
				Cells:      []Cell{{Column: []byte("val"), Value: be32(i * 10), Timestamp: testTimestamp}},
			}))
		}
		require.NoError(t, w.ConsumeRangeTombstone(rt))
		_, err := w.ConsumeEndOfPartition()
		require.NoError(t, err)
	})
	defer table.Close()

	// Uncompressed la data gets a CRC component (with Adler32 rather than
	// CRC32 checksums), and la, unlike ka, carries scylla metadata.
	require.True(t, table.HasComponent(ComponentCRC))
	require.True(t, table.HasComponent(ComponentScylla))

	events := collectEvents(t, table.ReadRows(context.Background()))
	require.Len(t, events, 5)

	for i := int32(1); i <= 2; i++ {
		row := events[i].(*Row)
		require.Equal(t, ClusteringPrefix{be32(i)}, row.Clustering)
		require.Equal(t, testTimestamp, row.Marker.Timestamp)
		require.Len(t, row.Cells, 1)
		require.Equal(t, []byte("val"), row.Cells[0].Column)
		require.Equal(t, be32(i*10), row.Cells[0].Value)
	}
	got := events[3].(*RangeTombstone)
	require.Equal(t, rt.Start, got.Start)
	require.Equal(t, rt.StartKind, got.StartKind)
	require.Equal(t, rt.End, got.End)
	require.Equal(t, rt.EndKind, got.EndKind)
	require.Equal(t, rt.Tombstone, got.Tombstone)
}

// TestPartitionTombstone round-trips a partition-level deletion.
func TestPartitionTombstone(t *testing.T) {
	fs := vfs.NewMem()
	schema := testSchemaSimple()
	pk := be32(4)
	tomb := Tombstone{Timestamp: testTimestamp, LocalDeletionTime: deletionTimeEpoch + 100}

	table := writeTable(t, fs, schema, 1, VersionMC, WriterOptions{}, func(w *Writer) {
		require.NoError(t, w.ConsumeNewPartition(decorate(pk)))
		require.NoError(t, w.ConsumePartitionTombstone(tomb))
		_, err := w.ConsumeEndOfPartition()
		require.NoError(t, err)
	})
	defer table.Close()

	events := collectEvents(t, table.ReadRows(context.Background()))
	require.Len(t, events, 2)
	require.Equal(t, tomb, events[0].(*PartitionStart).Tombstone)
}

// TestMaxSSTableSizeSegmentation: end-of-partition requests a new
// generation once the data offset passes the cap.
func TestMaxSSTableSizeSegmentation(t *testing.T) {
	fs := vfs.NewMem()
	schema := testSchemaSimple()
	st := New(fs, testDir, schema, Murmur3Partitioner{}, 8, VersionMC, FormatBig, base.DefaultLogger{})
	w, err := NewWriter(st, 4, WriterOptions{MaxSSTableSize: 64})
	require.NoError(t, err)
	require.NoError(t, w.ConsumeNewPartition(decorate(be32(1))))
	for i := int32(0); i < 16; i++ {
		require.NoError(t, w.ConsumeRow(&Row{
			Clustering: ClusteringPrefix{be32(i)},
			Marker:     LivenessInfo{Timestamp: testTimestamp, LocalDeletionTime: NoDeletionTime},
			Tombstone:  NoTombstone,
			Shadowable: NoTombstone,
			Cells:      []Cell{{Column: []byte("val"), Value: be32(i), Timestamp: testTimestamp}},
		}))
	}
	stop, err := w.ConsumeEndOfPartition()
	require.NoError(t, err)
	require.True(t, stop)
	require.NoError(t, w.ConsumeEndOfStream())
	require.NoError(t, w.Close())
}

// TestLargePartitionReporting: partitions past the threshold reach the
// handler.
type recordingLPH struct {
	keys  [][]byte
	sizes []uint64
}

func (h *recordingLPH) MaybeUpdateLargePartitions(_ *SSTable, key []byte, size uint64) {
	h.keys = append(h.keys, append([]byte(nil), key...))
	h.sizes = append(h.sizes, size)
}

func TestLargePartitionReporting(t *testing.T) {
	fs := vfs.NewMem()
	handler := &recordingLPH{}
	table := writeSimpleTable(t, fs, 1, VersionMC, WriterOptions{
		LargePartitionThreshold: 1,
		LargePartitionHandler:   handler,
	})
	defer table.Close()
	require.Len(t, handler.keys, 1)
	require.Equal(t, be32(1), handler.keys[0])
	require.Greater(t, handler.sizes[0], uint64(0))
}

// TestImport materializes an sstable from in-memory components.
func TestImport(t *testing.T) {
	fs := vfs.NewMem()
	src := writeSimpleTable(t, fs, 1, VersionMC, WriterOptions{})
	defer src.Close()

	read := func(c ComponentType) []byte {
		f, err := fs.Open(src.Filename(c))
		require.NoError(t, err)
		data, err := io.ReadAll(f)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		return data
	}
	comps := &Components{
		Summary:    src.Summary(),
		Statistics: src.Statistics(),
		Scylla:     src.ScyllaMetadata(),
		Filter:     read(ComponentFilter),
		Data:       read(ComponentData),
		Index:      read(ComponentIndex),
	}

	dst := New(fs, testDir, testSchemaSimple(), Murmur3Partitioner{}, 2, VersionMC, FormatBig, base.DefaultLogger{})
	require.NoError(t, dst.Import(comps))

	imported, err := Open(fs, testDir, testSchemaSimple(), Murmur3Partitioner{}, 2, VersionMC, FormatBig, ReaderOptions{})
	require.NoError(t, err)
	defer imported.Close()
	events := collectEvents(t, imported.ReadRows(context.Background()))
	require.Len(t, events, 3)
}
