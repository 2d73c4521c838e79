// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"bufio"
	"math"

	"github.com/cockroachdb/errors"

	"github.com/xingdl2007/scylla/bloom"
	"github.com/xingdl2007/scylla/internal/checksum"
	"github.com/xingdl2007/scylla/internal/encoding"
	"github.com/xingdl2007/scylla/vfs"
)

// Writer consumes a stream of fully-ordered partition events and emits the
// on-disk components. The framing implementation is selected by the
// sstable's version at construction; callers never branch on version.
type Writer struct {
	impl writerImpl
}

type writerImpl interface {
	ConsumeNewPartition(dk DecoratedKey) error
	ConsumePartitionTombstone(t Tombstone) error
	ConsumeStaticRow(sr *StaticRow) error
	ConsumeRow(r *Row) error
	ConsumeRangeTombstone(rt *RangeTombstone) error
	ConsumeEndOfPartition() (stop bool, err error)
	ConsumeEndOfStream() error
	Close() error
}

// NewWriter opens an sstable for writing: the TOC is generated and written
// (as TemporaryTOC), the data and index files are created exclusively, and
// the summary, filter and statistics collectors are prepared.
func NewWriter(t *SSTable, estimatedPartitions uint64, opts WriterOptions) (*Writer, error) {
	opts = opts.EnsureDefaults()
	shared, err := newWriterShared(t, estimatedPartitions, opts)
	if err != nil {
		return nil, err
	}
	var impl writerImpl
	if t.desc.Version == VersionMC {
		impl = newWriterM(shared)
	} else {
		impl = newWriterLegacy(shared)
	}
	opts.Monitor.OnWriteStarted()
	return &Writer{impl: impl}, nil
}

// ConsumeNewPartition starts a new partition. Partitions must arrive in
// ascending (token, key) order.
func (w *Writer) ConsumeNewPartition(dk DecoratedKey) error {
	return w.impl.ConsumeNewPartition(dk)
}

// ConsumePartitionTombstone records the partition tombstone. It must be the
// first event after ConsumeNewPartition when present.
func (w *Writer) ConsumePartitionTombstone(t Tombstone) error {
	return w.impl.ConsumePartitionTombstone(t)
}

// ConsumeStaticRow writes the partition's static row.
func (w *Writer) ConsumeStaticRow(sr *StaticRow) error {
	return w.impl.ConsumeStaticRow(sr)
}

// ConsumeRow writes one clustering row, draining accumulated range
// tombstones up to the row's position first.
func (w *Writer) ConsumeRow(r *Row) error {
	return w.impl.ConsumeRow(r)
}

// ConsumeRangeTombstone feeds a range tombstone through the accumulator.
func (w *Writer) ConsumeRangeTombstone(rt *RangeTombstone) error {
	return w.impl.ConsumeRangeTombstone(rt)
}

// ConsumeEndOfPartition closes the current partition. It reports stop=true
// when the data file reached the configured maximum size so the driving
// loop can start a new generation.
func (w *Writer) ConsumeEndOfPartition() (stop bool, err error) {
	return w.impl.ConsumeEndOfPartition()
}

// ConsumeEndOfStream seals the sstable: summary, filter, statistics,
// compression info and scylla metadata are written, checksums finalized,
// and the TOC renamed unless LeaveUnsealed was set.
func (w *Writer) ConsumeEndOfStream() error {
	return w.impl.ConsumeEndOfStream()
}

// Close aborts the writer if the stream was not completed: open files are
// closed and the partial generation is left for the startup sweep. Close
// never panics; errors are logged.
func (w *Writer) Close() error {
	return w.impl.Close()
}

// writerShared is the version-independent part of the writer pipeline: the
// data and index sinks, checksumming or compression, summary sampling, the
// bloom filter and the statistics collector.
type writerShared struct {
	t    *SSTable
	opts WriterOptions

	dataFile vfs.File
	dataBuf  *bufio.Writer
	chk      *checksum.Writer
	cw       *compressedWriter
	dw       *encoding.Writer

	indexFile vfs.File
	indexBuf  *bufio.Writer
	iw        *encoding.Writer

	summary  Summary
	sampling SamplingState
	filter   *bloom.Filter
	stats    statsCollector
	enc      EncodingStats

	partitionKey         []byte
	partitionStartOffset uint64
	partitionCells       uint64
	tombstoneWritten     bool
	firstKey             []byte
	lastKey              []byte
	sealed               bool
	closed               bool
}

func newWriterShared(t *SSTable, estimatedPartitions uint64, opts WriterOptions) (*writerShared, error) {
	t.generateTOC()
	if err := t.writeTOC(); err != nil {
		return nil, err
	}
	s := &writerShared{t: t, opts: opts}
	t.correctlySerializeNonCompoundRangeTombstones = opts.CorrectlySerializeNonCompoundRangeTombstones
	if opts.EncodingStats != nil {
		s.enc = *opts.EncodingStats
	} else {
		s.enc = DefaultEncodingStats()
	}

	var err error
	if s.dataFile, err = t.fs.CreateExclusive(t.desc.FilenameFor(ComponentData)); err != nil {
		return nil, errors.Wrapf(err, "sstable: create %s (generation %s)",
			t.desc.FilenameFor(ComponentData), t.desc.Generation)
	}
	s.dataBuf = bufio.NewWriter(s.dataFile)
	if t.schema.Compression != nil {
		t.compression = &CompressionInfo{}
		s.cw, err = newCompressedWriter(s.dataBuf, t.schema.Compression, t.compression)
		if err != nil {
			_ = s.dataFile.Close()
			return nil, err
		}
		s.dw = encoding.NewWriter(s.cw)
	} else {
		s.chk = checksum.NewWriter(s.dataBuf, checksum.DefaultChunkSize, t.checksumKind())
		s.dw = encoding.NewWriter(s.chk)
	}

	if s.indexFile, err = t.fs.CreateExclusive(t.desc.FilenameFor(ComponentIndex)); err != nil {
		_ = s.dataFile.Close()
		return nil, errors.Wrapf(err, "sstable: create %s (generation %s)",
			t.desc.FilenameFor(ComponentIndex), t.desc.Generation)
	}
	s.indexBuf = bufio.NewWriter(s.indexFile)
	s.iw = encoding.NewWriter(s.indexBuf)

	format := bloom.LegacyHash
	if t.desc.Version == VersionMC {
		format = bloom.ModernHash
	}
	s.filter = bloom.New(int64(estimatedPartitions), t.schema.BloomFilterFPChance, format)
	s.sampling.SummaryByteCost = defaultSummaryByteCost
	if err := prepareSummary(&s.summary, estimatedPartitions, t.schema.MinIndexInterval); err != nil {
		return nil, err
	}
	s.stats.init()
	if opts.ReplayPosition != nil {
		s.stats.replayPosition = *opts.ReplayPosition
	}
	return s, nil
}

// dataPosition is the logical (uncompressed) offset in the data file, the
// space index offsets and promoted-index widths are measured in.
func (s *writerShared) dataPosition() uint64 {
	return s.dw.Offset()
}

// diskOffset is the on-disk size so far: the compressed length when
// compressing. Summary sampling and the max-size check use it.
func (s *writerShared) diskOffset() uint64 {
	if s.cw != nil {
		return s.cw.info.compressedLength
	}
	return s.dw.Offset()
}

// startPartition performs the version-independent part of
// consume_new_partition: summary sampling, bloom filter, min/max key
// tracking, and the index entry header.
func (s *writerShared) startPartition(dk DecoratedKey) error {
	metricPartitionsWritten.Inc()
	s.partitionStartOffset = s.dataPosition()
	s.partitionKey = append([]byte(nil), dk.Key...)
	maybeAddSummaryEntry(&s.summary, &s.sampling, dk.Token, dk.Key, s.diskOffset(), s.iw.Offset())
	s.filter.Add(dk.Key)
	s.partitionCells = 0
	s.tombstoneWritten = false
	return writeIndexHeader(s.iw, s.t.desc.Version, dk.Key, s.dataPosition())
}

// endPartition performs the version-independent part of
// consume_end_of_partition and reports whether the driving loop should
// start a new generation.
func (s *writerShared) endPartition() bool {
	partitionSize := s.dataPosition() - s.partitionStartOffset
	s.stats.partitionSizeHist.Add(partitionSize)
	s.stats.cellCountHist.Add(s.partitionCells)
	if s.opts.LargePartitionThreshold > 0 && partitionSize >= s.opts.LargePartitionThreshold {
		s.opts.LargePartitionHandler.MaybeUpdateLargePartitions(s.t, s.partitionKey, partitionSize)
	}
	if s.firstKey == nil {
		s.firstKey = s.partitionKey
	}
	s.lastKey = s.partitionKey
	return s.diskOffset() >= s.opts.MaxSSTableSize
}

// finish seals every component. No component file is finalized before the
// data and index files are closed and flushed; the TOC rename is last.
func (s *writerShared) finish() error {
	if s.sealed {
		return nil
	}
	s.opts.Monitor.OnDataWriteCompleted()

	if err := sealSummary(&s.summary, s.firstKey, s.lastKey, &s.sampling); err != nil {
		return err
	}
	if err := s.indexBuf.Flush(); err != nil {
		return err
	}
	if err := s.indexFile.Sync(); err != nil {
		return err
	}
	if err := s.indexFile.Close(); err != nil {
		return err
	}
	s.indexFile = nil

	if s.cw != nil {
		if err := s.cw.Finish(); err != nil {
			return err
		}
		s.stats.compressionRatio = float64(s.cw.info.compressedLength) / float64(s.cw.info.DataLength)
	}
	if err := s.dataBuf.Flush(); err != nil {
		return err
	}
	if err := s.dataFile.Sync(); err != nil {
		return err
	}
	if err := s.dataFile.Close(); err != nil {
		return err
	}
	s.dataFile = nil

	if s.cw != nil {
		if err := s.t.writeDigest(s.cw.info.fullChecksum); err != nil {
			return err
		}
	} else {
		chunkSize, table := s.chk.Finish()
		if err := s.t.writeDigest(s.chk.FullChecksum()); err != nil {
			return err
		}
		if err := s.t.writeCRC(chunkSize, table); err != nil {
			return err
		}
	}

	if err := s.t.writeSimple(ComponentSummary, func(w *encoding.Writer) error {
		return writeSummary(w, &s.summary)
	}); err != nil {
		return err
	}
	s.t.summary = &s.summary

	if s.t.recognized[ComponentFilter] {
		if err := s.t.writeSimple(ComponentFilter, func(w *encoding.Writer) error {
			return s.filter.Encode(w)
		}); err != nil {
			return err
		}
	}

	stats := s.buildStatistics()
	if err := s.t.writeSimple(ComponentStatistics, func(w *encoding.Writer) error {
		return writeStatistics(w, s.t.desc.Version, stats)
	}); err != nil {
		return err
	}
	s.t.statistics = stats

	if s.cw != nil {
		if err := s.t.writeSimple(ComponentCompressionInfo, func(w *encoding.Writer) error {
			return writeCompressionInfo(w, s.t.compression)
		}); err != nil {
			return err
		}
	}

	if s.t.recognized[ComponentScylla] {
		features := AllFeatures()
		if !s.opts.CorrectlySerializeNonCompoundRangeTombstones {
			features.Disable(FeatureNonCompoundRangeTombstones)
		}
		meta := &ScyllaMetadata{
			Sharding: &ShardingMetadata{
				TokenRanges: []TokenRange{{
					Left:  append([]byte(nil), s.t.partitioner.Token(s.firstKey)...),
					Right: append([]byte(nil), s.t.partitioner.Token(s.lastKey)...),
				}},
			},
			Features: &features,
		}
		if err := s.t.writeSimple(ComponentScylla, func(w *encoding.Writer) error {
			return writeScyllaMetadata(w, meta)
		}); err != nil {
			return err
		}
		s.t.scyllaMeta = meta
	}

	s.opts.Monitor.OnWriteCompleted()

	if !s.opts.LeaveUnsealed {
		if err := s.t.Seal(); err != nil {
			return err
		}
		if s.opts.Backup {
			backupDir := s.t.fs.PathJoin(s.t.desc.Dir, "backups")
			if err := s.t.fs.MkdirAll(backupDir, 0755); err != nil {
				return err
			}
			if err := s.t.CreateLinks(backupDir, s.t.desc.Generation); err != nil {
				return err
			}
		}
	}
	s.opts.Monitor.OnFlushCompleted()
	s.sealed = true
	return nil
}

func (s *writerShared) buildStatistics() *Statistics {
	c := &s.stats
	stats := &Statistics{
		Validation: &ValidationMetadata{
			Partitioner:  []byte(s.t.partitioner.Name()),
			FilterChance: s.t.schema.BloomFilterFPChance,
		},
		Compaction: &CompactionMetadata{},
		Stats: &StatsMetadata{
			EstimatedPartitionSize: c.partitionSizeHist,
			EstimatedCellCount:     c.cellCountHist,
			Position:               c.replayPosition,
			MinTimestamp:           c.minTimestamp,
			MaxTimestamp:           c.maxTimestamp,
			MinTTL:                 c.minTTL,
			MaxTTL:                 c.maxTTL,
			MaxLocalDeletionTime:   c.maxLocalDeletionTime,
			CompressionRatio:       c.compressionRatio,
			TombstoneDropTime:      c.tombstoneHistogram,
			MinClusteringValues:    c.minClusteringValues,
			MaxClusteringValues:    c.maxClusteringValues,
			HasLegacyCounterShards: c.hasLegacyCounterShards,
			ColumnsCount:           c.columnsCount,
			RowsCount:              c.rowsCount,
		},
	}
	if s.t.desc.Version == VersionMC {
		stats.Serialization = makeSerializationHeader(s.t.schema, s.enc)
	}
	return stats
}

// abort closes whatever files remain open. The partial generation stays on
// disk for the startup sweep; errors are logged, never raised.
func (s *writerShared) abort() {
	if s.closed || s.sealed {
		s.closed = true
		return
	}
	s.closed = true
	if s.indexFile != nil {
		if err := s.indexFile.Close(); err != nil {
			s.opts.Logger.Errorf("sstable writer failed to close index file: %v", err)
		}
		s.indexFile = nil
	}
	if s.dataFile != nil {
		if err := s.dataFile.Close(); err != nil {
			s.opts.Logger.Errorf("sstable writer failed to close data file: %v", err)
		}
		s.dataFile = nil
	}
}

// statsCollector accumulates the per-sstable statistics. Per-partition
// stats are merged in at end-of-partition by value, no aliasing.
type statsCollector struct {
	minTimestamp           int64
	maxTimestamp           int64
	minTTL                 int32
	maxTTL                 int32
	maxLocalDeletionTime   int32
	compressionRatio       float64
	tombstoneHistogram     StreamingHistogram
	partitionSizeHist      EstimatedHistogram
	cellCountHist          EstimatedHistogram
	minClusteringValues    [][]byte
	maxClusteringValues    [][]byte
	rowsCount              int64
	columnsCount           int64
	hasLegacyCounterShards bool
	replayPosition         ReplayPosition
}

const statsHistogramBuckets = 114

func (c *statsCollector) init() {
	c.minTimestamp = math.MaxInt64
	c.maxTimestamp = math.MinInt64
	c.minTTL = math.MaxInt32
	c.maxTTL = 0
	c.maxLocalDeletionTime = math.MinInt32
	c.compressionRatio = -1
	c.tombstoneHistogram = NewStreamingHistogram()
	c.partitionSizeHist = NewEstimatedHistogram(statsHistogramBuckets)
	c.cellCountHist = NewEstimatedHistogram(statsHistogramBuckets)
}

func (c *statsCollector) updateTimestamp(ts int64) {
	if ts < c.minTimestamp {
		c.minTimestamp = ts
	}
	if ts > c.maxTimestamp {
		c.maxTimestamp = ts
	}
}

func (c *statsCollector) updateTTL(ttl int32) {
	if ttl < c.minTTL {
		c.minTTL = ttl
	}
	if ttl > c.maxTTL {
		c.maxTTL = ttl
	}
}

func (c *statsCollector) updateLocalDeletionTime(ldt int32) {
	if ldt > c.maxLocalDeletionTime {
		c.maxLocalDeletionTime = ldt
	}
}

func (c *statsCollector) updateTombstone(t Tombstone) {
	c.updateTimestamp(t.Timestamp)
	c.updateLocalDeletionTime(t.LocalDeletionTime)
	c.tombstoneHistogram.Add(float64(t.LocalDeletionTime))
}

// updateClusteringValues folds a clustering prefix into the per-position
// min/max arrays.
func (c *statsCollector) updateClusteringValues(s *Schema, p ClusteringPrefix) {
	for i, v := range p {
		if v == nil {
			continue
		}
		cmp := s.clusteringType(i).Compare
		if cmp == nil {
			continue
		}
		for len(c.minClusteringValues) <= i {
			c.minClusteringValues = append(c.minClusteringValues, nil)
		}
		for len(c.maxClusteringValues) <= i {
			c.maxClusteringValues = append(c.maxClusteringValues, nil)
		}
		if c.minClusteringValues[i] == nil || cmp(v, c.minClusteringValues[i]) < 0 {
			c.minClusteringValues[i] = append([]byte(nil), v...)
		}
		if c.maxClusteringValues[i] == nil || cmp(v, c.maxClusteringValues[i]) > 0 {
			c.maxClusteringValues[i] = append([]byte(nil), v...)
		}
	}
}

// updateCell folds one cell into the collector.
func (c *statsCollector) updateCell(cell *Cell) {
	c.columnsCount++
	c.updateTimestamp(cell.Timestamp)
	switch {
	case cell.Tombstone:
		c.updateLocalDeletionTime(cell.Expiry)
		c.tombstoneHistogram.Add(float64(cell.Expiry))
	case cell.Expiring():
		c.updateTTL(cell.TTL)
		c.updateLocalDeletionTime(cell.Expiry)
		// Expiration counts into the drop-time histogram so fully-TTLed
		// sstables register as expired, not as live forever.
		c.tombstoneHistogram.Add(float64(cell.Expiry))
	default:
		c.updateLocalDeletionTime(math.MaxInt32)
	}
	if cell.Counter {
		c.hasLegacyCounterShards = true
	}
}
