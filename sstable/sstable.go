// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package sstable implements the read and write engine for the immutable
// sorted-string-table storage format: a writer consuming a fully-ordered
// stream of partition events and emitting the on-disk components, and a
// reader turning the components back into an equivalent event stream.
package sstable

import (
	"bytes"
	"hash/crc32"
	"io"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/xingdl2007/scylla/bloom"
	"github.com/xingdl2007/scylla/internal/base"
	"github.com/xingdl2007/scylla/internal/checksum"
	"github.com/xingdl2007/scylla/internal/encoding"
	"github.com/xingdl2007/scylla/vfs"
)

// backgroundJobs gates destructor-initiated file closes so shutdown can
// await them.
var backgroundJobs sync.WaitGroup

// AwaitBackgroundJobs blocks until every background close has finished.
func AwaitBackgroundJobs() {
	backgroundJobs.Wait()
}

// SSTable is one sealed (or in-flight) sstable: a named set of component
// files under one generation. SSTables are owned by a single shard and are
// not safe for concurrent mutation; sealed tables are immutable and their
// loaded components are cached for the object's lifetime.
type SSTable struct {
	fs          vfs.FS
	logger      base.Logger
	schema      *Schema
	partitioner Partitioner
	desc        Descriptor

	recognized   map[ComponentType]bool
	unrecognized []string

	summary     *Summary
	statistics  *Statistics
	compression *CompressionInfo
	scyllaMeta  *ScyllaMetadata
	filter      *bloom.Filter
	filterOnce  sync.Once

	// Read-stage file handles, reference counted so iterators can outlive
	// a Close call on the table.
	dataFile  vfs.File
	indexFile vfs.File
	refs      int

	dataFileSize  uint64
	indexFileSize uint64

	correctlySerializeNonCompoundRangeTombstones bool
}

// New creates an SSTable object in the created state: generation, schema,
// directory, version and format assigned, no files touched yet.
func New(fs vfs.FS, dir string, schema *Schema, part Partitioner, gen base.Generation, v Version, f Format, logger base.Logger) *SSTable {
	if logger == nil {
		logger = base.DefaultLogger{}
	}
	return &SSTable{
		fs:          fs,
		logger:      logger,
		schema:      schema,
		partitioner: part,
		desc: Descriptor{
			Dir:        dir,
			Keyspace:   schema.Keyspace,
			Table:      schema.Table,
			Version:    v,
			Generation: gen,
			Format:     f,
		},
		recognized: map[ComponentType]bool{},
	}
}

// Descriptor returns the identity of the sstable.
func (t *SSTable) Descriptor() Descriptor { return t.desc }

// Schema returns the schema the sstable was created or opened with.
func (t *SSTable) Schema() *Schema { return t.schema }

// HasComponent reports whether the TOC references the component.
func (t *SSTable) HasComponent(c ComponentType) bool { return t.recognized[c] }

// Filename returns the path of one component file.
func (t *SSTable) Filename(c ComponentType) string { return t.desc.FilenameFor(c) }

// DataSize returns the uncompressed data size.
func (t *SSTable) DataSize() uint64 {
	if t.compression != nil {
		return t.compression.DataLength
	}
	return t.dataFileSize
}

// OnDiskDataSize returns the data-file size as stored.
func (t *SSTable) OnDiskDataSize() uint64 { return t.dataFileSize }

// FirstKey returns the first partition key.
func (t *SSTable) FirstKey() []byte { return t.summary.FirstKey }

// LastKey returns the last partition key.
func (t *SSTable) LastKey() []byte { return t.summary.LastKey }

// readSimple loads one small component into memory.
func (t *SSTable) readSimple(c ComponentType) ([]byte, error) {
	path := t.desc.FilenameFor(c)
	f, err := t.fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "sstable: open %s", path)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "sstable: read %s", path)
	}
	return data, nil
}

// writeSimple writes one small component, exclusive-create then sync.
func (t *SSTable) writeSimple(c ComponentType, write func(*encoding.Writer) error) error {
	path := t.desc.FilenameFor(c)
	f, err := t.fs.CreateExclusive(path)
	if err != nil {
		return errors.Wrapf(err, "sstable: create %s (generation %s)", path, t.desc.Generation)
	}
	w := encoding.NewWriter(f)
	if err := write(w); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "sstable: write %s (generation %s)", path, t.desc.Generation)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "sstable: sync %s", path)
	}
	return f.Close()
}

// Open loads an sstable for reading: TOC, then compression info, statistics
// and scylla metadata, then the data and index files, and last the summary.
// The bloom filter stays unloaded until first use.
func Open(fs vfs.FS, dir string, schema *Schema, part Partitioner, gen base.Generation, v Version, f Format, opts ReaderOptions) (*SSTable, error) {
	opts = opts.EnsureDefaults()
	t := New(fs, dir, schema, part, gen, v, f, opts.Logger)
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *SSTable) load() error {
	if err := t.readTOC(); err != nil {
		return err
	}
	if t.recognized[ComponentCompressionInfo] {
		data, err := t.readSimple(ComponentCompressionInfo)
		if err != nil {
			return err
		}
		ci, err := readCompressionInfo(encoding.NewReader(bytes.NewReader(data)))
		if err != nil {
			return errors.Wrapf(err, "sstable: parse %s", t.desc.FilenameFor(ComponentCompressionInfo))
		}
		t.compression = ci
	}
	if t.recognized[ComponentStatistics] {
		data, err := t.readSimple(ComponentStatistics)
		if err != nil {
			return err
		}
		st, err := parseStatistics(data, t.desc.Version, t.schema, t.logger)
		if err != nil {
			return errors.Wrapf(err, "sstable: parse %s", t.desc.FilenameFor(ComponentStatistics))
		}
		t.statistics = st
	}
	if t.recognized[ComponentScylla] {
		data, err := t.readSimple(ComponentScylla)
		if err != nil {
			return err
		}
		sm, err := readScyllaMetadata(encoding.NewReader(bytes.NewReader(data)))
		if err != nil {
			return errors.Wrapf(err, "sstable: parse %s", t.desc.FilenameFor(ComponentScylla))
		}
		t.scyllaMeta = sm
	}

	var err error
	if t.dataFile, err = t.fs.Open(t.desc.FilenameFor(ComponentData)); err != nil {
		return errors.Wrapf(err, "sstable: open %s", t.desc.FilenameFor(ComponentData))
	}
	if info, err := t.dataFile.Stat(); err == nil {
		t.dataFileSize = uint64(info.Size())
	}
	if t.compression != nil {
		t.compression.compressedLength = t.dataFileSize
	}
	if t.indexFile, err = t.fs.Open(t.desc.FilenameFor(ComponentIndex)); err != nil {
		return errors.Wrapf(err, "sstable: open %s", t.desc.FilenameFor(ComponentIndex))
	}
	if info, err := t.indexFile.Stat(); err == nil {
		t.indexFileSize = uint64(info.Size())
	}
	t.refs = 1

	if err := t.loadSummary(); err != nil {
		return err
	}
	return nil
}

// loadSummary reads the Summary component, falling back to regenerating it
// from the Index when it is absent or fails to parse.
func (t *SSTable) loadSummary() error {
	if t.recognized[ComponentSummary] {
		data, err := t.readSimple(ComponentSummary)
		if err == nil {
			s, perr := readSummary(encoding.NewReader(bytes.NewReader(data)), t.partitioner)
			if perr == nil {
				t.summary = s
				return nil
			}
			t.logger.Errorf("couldn't read summary file %s: %v; recreating it",
				t.desc.FilenameFor(ComponentSummary), perr)
		} else if !vfs.IsNotExist(err) {
			t.logger.Errorf("couldn't read summary file %s: %v; recreating it",
				t.desc.FilenameFor(ComponentSummary), err)
		}
	}
	return t.generateSummary()
}

// generateSummary rebuilds the summary by streaming every index entry
// through the sampling function.
func (t *SSTable) generateSummary() error {
	t.logger.Infof("summary file %s not found or unreadable; generating summary",
		t.desc.FilenameFor(ComponentSummary))
	metricSummaryRebuilds.Inc()
	s := &Summary{}
	// An index entry is at least 8 bytes, so this bounds the partition
	// count from above.
	if err := prepareSummary(s, t.indexFileSize/8+1, t.schema.MinIndexInterval); err != nil {
		return err
	}
	state := &SamplingState{SummaryByteCost: defaultSummaryByteCost}
	var firstKey, lastKey []byte
	ir := newIndexReader(t)
	for {
		e, err := ir.next()
		if err != nil {
			return err
		}
		if e == nil {
			break
		}
		maybeAddSummaryEntry(s, state, t.partitioner.Token(e.Key), e.Key, e.DataOffset, e.indexOffset)
		if firstKey == nil {
			firstKey = e.Key
		}
		lastKey = e.Key
	}
	if firstKey == nil {
		return base.CorruptionErrorf("sstable: cannot generate summary from empty index %s",
			t.desc.FilenameFor(ComponentIndex))
	}
	if err := sealSummary(s, firstKey, lastKey, state); err != nil {
		return err
	}
	t.summary = s
	return nil
}

// Filter returns the bloom filter, loading it lazily. Absence or a load
// failure degrades to the always-true filter.
func (t *SSTable) Filter() *bloom.Filter {
	t.filterOnce.Do(func() {
		t.filter = bloom.AlwaysTrue
		if !t.recognized[ComponentFilter] {
			return
		}
		data, err := t.readSimple(ComponentFilter)
		if err != nil {
			t.logger.Errorf("couldn't read filter file %s: %v", t.desc.FilenameFor(ComponentFilter), err)
			return
		}
		format := bloom.LegacyHash
		if t.desc.Version == VersionMC {
			format = bloom.ModernHash
		}
		f, err := bloom.Decode(encoding.NewReader(bytes.NewReader(data)), format)
		if err != nil {
			t.logger.Errorf("couldn't parse filter file %s: %v", t.desc.FilenameFor(ComponentFilter), err)
			return
		}
		t.filter = f
	})
	return t.filter
}

// Statistics returns the parsed Statistics component.
func (t *SSTable) Statistics() *Statistics { return t.statistics }

// ScyllaMetadata returns the parsed Scylla component, or nil.
func (t *SSTable) ScyllaMetadata() *ScyllaMetadata { return t.scyllaMeta }

// Summary returns the loaded (or regenerated) summary.
func (t *SSTable) Summary() *Summary { return t.summary }

// SerializationHeader returns the mc serialization header.
func (t *SSTable) SerializationHeader() *SerializationHeader {
	if t.statistics == nil {
		return nil
	}
	return t.statistics.Serialization
}

// Ref acquires a reference to the read-stage file handles.
func (t *SSTable) Ref() { t.refs++ }

// Unref drops a reference; the last drop closes the files in the
// background.
func (t *SSTable) Unref() {
	t.refs--
	if t.refs > 0 {
		return
	}
	dataFile, indexFile := t.dataFile, t.indexFile
	t.dataFile, t.indexFile = nil, nil
	backgroundJobs.Add(1)
	go func() {
		defer backgroundJobs.Done()
		for _, f := range []vfs.File{dataFile, indexFile} {
			if f == nil {
				continue
			}
			if err := f.Close(); err != nil {
				t.logger.Errorf("sstable failed to close file: %v", err)
			}
		}
	}()
}

// Close releases the table's own reference.
func (t *SSTable) Close() error {
	if t.dataFile != nil || t.indexFile != nil {
		t.Unref()
	}
	return nil
}

// CreateLinks hard-links every component into dir under a new generation
// and publishes the copy with the TemporaryTOC-first, TOC-last protocol.
func (t *SSTable) CreateLinks(dir string, gen base.Generation) error {
	dst := t.desc
	dst.Dir = dir
	dst.Generation = gen
	// TemporaryTOC is always first, TOC is always last.
	if err := t.fs.Link(t.desc.FilenameFor(ComponentTOC), dst.FilenameFor(ComponentTemporaryTOC)); err != nil {
		return err
	}
	if err := vfs.SyncDir(t.fs, dir); err != nil {
		return err
	}
	var g errgroup.Group
	for _, comp := range t.AllComponents() {
		comp := comp
		if comp.Type == ComponentTOC || comp.Type == ComponentTemporaryTOC {
			continue
		}
		g.Go(func() error {
			src := t.desc.Dir + "/" + MakeFilename(t.desc.Keyspace, t.desc.Table, t.desc.Version, t.desc.Generation, t.desc.Format, comp.Name)
			target := dir + "/" + MakeFilename(dst.Keyspace, dst.Table, dst.Version, gen, dst.Format, comp.Name)
			return t.fs.Link(src, target)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := vfs.SyncDir(t.fs, dir); err != nil {
		return err
	}
	if err := t.fs.Rename(dst.FilenameFor(ComponentTemporaryTOC), dst.FilenameFor(ComponentTOC)); err != nil {
		return err
	}
	return vfs.SyncDir(t.fs, dir)
}

// SetGeneration re-publishes the sstable under a new generation in the same
// directory and removes the old generation's files.
func (t *SSTable) SetGeneration(gen base.Generation) error {
	if err := t.CreateLinks(t.desc.Dir, gen); err != nil {
		return err
	}
	old := t.desc
	t.desc.Generation = gen
	if err := t.fs.Remove(old.FilenameFor(ComponentTOC)); err != nil {
		return err
	}
	if err := vfs.SyncDir(t.fs, old.Dir); err != nil {
		return err
	}
	for _, comp := range t.AllComponents() {
		if comp.Type == ComponentTOC || comp.Type == ComponentTemporaryTOC {
			continue
		}
		path := old.Dir + "/" + MakeFilename(old.Keyspace, old.Table, old.Version, old.Generation, old.Format, comp.Name)
		if err := t.fs.Remove(path); err != nil && !vfs.IsNotExist(err) {
			return err
		}
	}
	return vfs.SyncDir(t.fs, old.Dir)
}

// Remove transitions the sstable to the tombstoned state and deletes every
// component, TemporaryTOC last.
func (t *SSTable) Remove() error {
	return RemoveByTOCName(t.fs, t.desc.FilenameFor(ComponentTOC), t.logger)
}

// Components is the in-memory form of an sstable used for foreign-shard
// handoff: the small components as parsed structures plus the raw data and
// index contents.
type Components struct {
	Summary     *Summary
	Statistics  *Statistics
	Compression *CompressionInfo
	Scylla      *ScyllaMetadata
	Filter      []byte
	Data        []byte
	Index       []byte
}

// Import materializes an sstable from in-memory components, writing and
// sealing it under this table's generation.
func (t *SSTable) Import(c *Components) error {
	t.generateTOCFromComponents(c)
	if err := t.writeTOC(); err != nil {
		return err
	}
	writeRaw := func(comp ComponentType, data []byte) error {
		return t.writeSimple(comp, func(w *encoding.Writer) error {
			return w.WriteBytes(data)
		})
	}
	if err := writeRaw(ComponentData, c.Data); err != nil {
		return err
	}
	if err := writeRaw(ComponentIndex, c.Index); err != nil {
		return err
	}
	if c.Filter != nil {
		if err := writeRaw(ComponentFilter, c.Filter); err != nil {
			return err
		}
	}
	if err := t.writeSimple(ComponentSummary, func(w *encoding.Writer) error {
		return writeSummary(w, c.Summary)
	}); err != nil {
		return err
	}
	if err := t.writeSimple(ComponentStatistics, func(w *encoding.Writer) error {
		return writeStatistics(w, t.desc.Version, c.Statistics)
	}); err != nil {
		return err
	}
	if c.Compression != nil {
		if err := t.writeSimple(ComponentCompressionInfo, func(w *encoding.Writer) error {
			return writeCompressionInfo(w, c.Compression)
		}); err != nil {
			return err
		}
	}
	if c.Scylla != nil {
		if err := t.writeSimple(ComponentScylla, func(w *encoding.Writer) error {
			return writeScyllaMetadata(w, c.Scylla)
		}); err != nil {
			return err
		}
	}
	if c.Compression == nil {
		kind := t.checksumKind()
		cw := checksum.NewWriter(io.Discard, checksum.DefaultChunkSize, kind)
		if _, err := cw.Write(c.Data); err != nil {
			return err
		}
		chunkSize, table := cw.Finish()
		if err := t.writeCRC(chunkSize, table); err != nil {
			return err
		}
		if err := t.writeDigest(cw.FullChecksum()); err != nil {
			return err
		}
	} else {
		if err := t.writeDigest(crc32.ChecksumIEEE(c.Data)); err != nil {
			return err
		}
	}
	return t.Seal()
}

func (t *SSTable) generateTOCFromComponents(c *Components) {
	t.recognized[ComponentTOC] = true
	t.recognized[ComponentData] = true
	t.recognized[ComponentIndex] = true
	t.recognized[ComponentSummary] = true
	t.recognized[ComponentStatistics] = true
	t.recognized[ComponentDigest] = true
	if c.Filter != nil {
		t.recognized[ComponentFilter] = true
	}
	if c.Compression != nil {
		t.recognized[ComponentCompressionInfo] = true
	} else {
		t.recognized[ComponentCRC] = true
	}
	if c.Scylla != nil {
		t.recognized[ComponentScylla] = true
	}
}

// checksumKind returns the checksum function of the version: CRC32 for the
// modern layout, Adler32 for the legacy ones.
func (t *SSTable) checksumKind() checksum.Kind {
	if t.desc.Version == VersionMC {
		return checksum.CRC32
	}
	return checksum.Adler32
}

// writeCRC writes the per-chunk checksum table of an uncompressed data
// file.
func (t *SSTable) writeCRC(chunkSize int, table []uint32) error {
	return t.writeSimple(ComponentCRC, func(w *encoding.Writer) error {
		cs, err := encoding.CheckedCast[uint32](chunkSize)
		if err != nil {
			return err
		}
		if err := w.WriteUint32(cs); err != nil {
			return err
		}
		n, err := encoding.CheckedCast[uint32](len(table))
		if err != nil {
			return err
		}
		if err := w.WriteUint32(n); err != nil {
			return err
		}
		for _, c := range table {
			if err := w.WriteUint32(c); err != nil {
				return err
			}
		}
		return nil
	})
}

// readCRC loads the per-chunk checksum table.
func (t *SSTable) readCRC() (chunkSize uint32, table []uint32, err error) {
	data, err := t.readSimple(ComponentCRC)
	if err != nil {
		return 0, nil, err
	}
	r := encoding.NewReader(bytes.NewReader(data))
	if chunkSize, err = r.ReadUint32(); err != nil {
		return 0, nil, err
	}
	n, err := r.ReadUint32()
	if err != nil {
		return 0, nil, err
	}
	table = make([]uint32, 0, n)
	for i := uint32(0); i < n; i++ {
		c, err := r.ReadUint32()
		if err != nil {
			return 0, nil, err
		}
		table = append(table, c)
	}
	return chunkSize, table, nil
}

// writeDigest writes the full-file checksum as ASCII decimal.
func (t *SSTable) writeDigest(sum uint32) error {
	return t.writeSimple(ComponentDigest, func(w *encoding.Writer) error {
		return w.WriteBytes([]byte(strconv.FormatUint(uint64(sum), 10)))
	})
}
