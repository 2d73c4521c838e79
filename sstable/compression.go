// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
	"github.com/pierrec/lz4/v4"

	"github.com/xingdl2007/scylla/internal/base"
	"github.com/xingdl2007/scylla/internal/encoding"
)

// Compressor names as recorded in the CompressionInfo component.
const (
	LZ4CompressorName     = "LZ4Compressor"
	SnappyCompressorName  = "SnappyCompressor"
	DeflateCompressorName = "DeflateCompressor"
)

// CompressionParams selects a compressor for a new sstable.
type CompressionParams struct {
	Name        string
	Options     map[string]string
	ChunkLength uint32
}

// DefaultChunkLength is the uncompressed chunk size when the params leave
// it zero.
const DefaultChunkLength = 4 * 1024

// Compressor compresses and decompresses whole chunks.
type Compressor interface {
	Name() string
	Compress(src []byte) ([]byte, error)
	// Decompress fills dst, whose length is the exact uncompressed size.
	Decompress(src, dst []byte) error
}

// NewCompressor maps a compressor name to an implementation.
func NewCompressor(name string) (Compressor, error) {
	switch name {
	case LZ4CompressorName:
		return lz4Compressor{}, nil
	case SnappyCompressorName:
		return snappyCompressor{}, nil
	case DeflateCompressorName:
		return deflateCompressor{}, nil
	}
	return nil, base.CorruptionErrorf("sstable: unknown compressor %q", name)
}

// lz4Compressor frames each chunk with a 4-byte little-endian uncompressed
// length before the lz4 block, as the original implementation always has.
type lz4Compressor struct{}

func (lz4Compressor) Name() string { return LZ4CompressorName }

func (lz4Compressor) Compress(src []byte) ([]byte, error) {
	dst := make([]byte, 4+lz4.CompressBlockBound(len(src)))
	binary.LittleEndian.PutUint32(dst[:4], uint32(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, dst[4:])
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Incompressible input. The block format has no stored mode, so
		// emit a single literal-only sequence.
		n = lz4LiteralBlock(src, dst[4:])
	}
	return dst[:4+n], nil
}

// lz4LiteralBlock encodes src as one lz4 sequence of plain literals.
func lz4LiteralBlock(src, dst []byte) int {
	i := 0
	if len(src) >= 15 {
		dst[0] = 0xF0
		i = 1
		rem := len(src) - 15
		for rem >= 255 {
			dst[i] = 255
			i++
			rem -= 255
		}
		dst[i] = byte(rem)
		i++
	} else {
		dst[0] = byte(len(src)) << 4
		i = 1
	}
	copy(dst[i:], src)
	return i + len(src)
}

func (lz4Compressor) Decompress(src, dst []byte) error {
	if len(src) < 4 {
		return base.ErrShortRead
	}
	want := binary.LittleEndian.Uint32(src[:4])
	if int(want) != len(dst) {
		return base.CorruptionErrorf("sstable: lz4 chunk declares %d uncompressed bytes, expected %d", want, len(dst))
	}
	n, err := lz4.UncompressBlock(src[4:], dst)
	if err != nil {
		return err
	}
	if n != len(dst) {
		return base.CorruptionErrorf("sstable: lz4 chunk decompressed to %d bytes, expected %d", n, len(dst))
	}
	return nil
}

type snappyCompressor struct{}

func (snappyCompressor) Name() string { return SnappyCompressorName }

func (snappyCompressor) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (snappyCompressor) Decompress(src, dst []byte) error {
	out, err := snappy.Decode(dst, src)
	if err != nil {
		return err
	}
	if len(out) != len(dst) {
		return base.CorruptionErrorf("sstable: snappy chunk decompressed to %d bytes, expected %d", len(out), len(dst))
	}
	return nil
}

type deflateCompressor struct{}

func (deflateCompressor) Name() string { return DeflateCompressorName }

func (deflateCompressor) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(src); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (deflateCompressor) Decompress(src, dst []byte) error {
	fr := flate.NewReader(bytes.NewReader(src))
	defer fr.Close()
	if _, err := io.ReadFull(fr, dst); err != nil {
		return err
	}
	return nil
}

// CompressionInfo is the CompressionInfo component: which compressor, the
// chunking, and the offset of every compressed chunk in the data file.
type CompressionInfo struct {
	Name        []byte
	Options     []encoding.StringMapEntry
	ChunkLength uint32
	// DataLength is the uncompressed data-file length.
	DataLength uint64
	Offsets    []uint64

	// compressedLength tracks the on-disk length while writing and after
	// load is set to the data file size.
	compressedLength uint64
	fullChecksum     uint32
}

// CompressedFileLength returns the length of the compressed data file.
func (c *CompressionInfo) CompressedFileLength() uint64 { return c.compressedLength }

// FullChecksum returns the full-file checksum accumulated by the
// compressing writer.
func (c *CompressionInfo) FullChecksum() uint32 { return c.fullChecksum }

// chunkSpan returns the on-disk byte range of compressed chunk i, including
// the 4-byte checksum trailer.
func (c *CompressionInfo) chunkSpan(i int) (start, end uint64) {
	start = c.Offsets[i]
	if i+1 < len(c.Offsets) {
		return start, c.Offsets[i+1]
	}
	return start, c.compressedLength
}

func writeCompressionInfo(w *encoding.Writer, c *CompressionInfo) error {
	if err := w.WriteString16(c.Name); err != nil {
		return err
	}
	n, err := encoding.CheckedCast[uint32](len(c.Options))
	if err != nil {
		return err
	}
	if err := w.WriteUint32(n); err != nil {
		return err
	}
	for _, opt := range c.Options {
		if err := w.WriteString16(opt.Key); err != nil {
			return err
		}
		if err := w.WriteString16(opt.Value); err != nil {
			return err
		}
	}
	if err := w.WriteUint32(c.ChunkLength); err != nil {
		return err
	}
	if err := w.WriteUint64(c.DataLength); err != nil {
		return err
	}
	return w.WriteUint64Array(c.Offsets)
}

func readCompressionInfo(r *encoding.Reader) (*CompressionInfo, error) {
	c := &CompressionInfo{}
	var err error
	if c.Name, err = r.ReadString16(); err != nil {
		return nil, err
	}
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		k, err := r.ReadString16()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadString16()
		if err != nil {
			return nil, err
		}
		c.Options = append(c.Options, encoding.StringMapEntry{Key: k, Value: v})
	}
	if c.ChunkLength, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if c.ChunkLength == 0 {
		return nil, base.CorruptionErrorf("sstable: compression info with zero chunk length")
	}
	if c.DataLength, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if c.Offsets, err = r.ReadUint64Array(); err != nil {
		return nil, err
	}
	return c, nil
}

// compressedWriter buffers uncompressed bytes into fixed chunks, compresses
// each and appends a CRC32 of the compressed chunk. It maintains the chunk
// offset table and the running full-file checksum inside the
// CompressionInfo.
type compressedWriter struct {
	w    io.Writer
	comp Compressor
	info *CompressionInfo
	buf  []byte
	// uncompressed is the logical offset: the writer pipeline measures
	// positions in uncompressed bytes.
	uncompressed uint64
}

func newCompressedWriter(w io.Writer, params *CompressionParams, info *CompressionInfo) (*compressedWriter, error) {
	comp, err := NewCompressor(params.Name)
	if err != nil {
		return nil, err
	}
	chunkLength := params.ChunkLength
	if chunkLength == 0 {
		chunkLength = DefaultChunkLength
	}
	info.Name = []byte(comp.Name())
	info.ChunkLength = chunkLength
	for k, v := range params.Options {
		info.Options = append(info.Options, encoding.StringMapEntry{Key: []byte(k), Value: []byte(v)})
	}
	sortOptions(info.Options)
	return &compressedWriter{w: w, comp: comp, info: info}, nil
}

func sortOptions(opts []encoding.StringMapEntry) {
	for i := 1; i < len(opts); i++ {
		for j := i; j > 0 && bytes.Compare(opts[j-1].Key, opts[j].Key) > 0; j-- {
			opts[j-1], opts[j] = opts[j], opts[j-1]
		}
	}
}

func (cw *compressedWriter) Write(p []byte) (int, error) {
	written := len(p)
	for len(p) > 0 {
		room := int(cw.info.ChunkLength) - len(cw.buf)
		step := len(p)
		if step > room {
			step = room
		}
		cw.buf = append(cw.buf, p[:step]...)
		p = p[step:]
		cw.uncompressed += uint64(step)
		if len(cw.buf) == int(cw.info.ChunkLength) {
			if err := cw.flushChunk(); err != nil {
				return written - len(p), err
			}
		}
	}
	return written, nil
}

func (cw *compressedWriter) flushChunk() error {
	compressed, err := cw.comp.Compress(cw.buf)
	if err != nil {
		return err
	}
	cw.buf = cw.buf[:0]
	cw.info.Offsets = append(cw.info.Offsets, cw.info.compressedLength)
	if _, err := cw.w.Write(compressed); err != nil {
		return err
	}
	chunkCRC := crc32.ChecksumIEEE(compressed)
	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], chunkCRC)
	if _, err := cw.w.Write(trailer[:]); err != nil {
		return err
	}
	cw.info.compressedLength += uint64(len(compressed)) + 4
	cw.info.fullChecksum = crc32.Update(cw.info.fullChecksum, crc32.IEEETable, compressed)
	return nil
}

// Finish flushes a trailing partial chunk and records the uncompressed
// length.
func (cw *compressedWriter) Finish() error {
	if len(cw.buf) > 0 {
		if err := cw.flushChunk(); err != nil {
			return err
		}
	}
	cw.info.DataLength = cw.uncompressed
	return nil
}

// Offset returns the logical (uncompressed) offset.
func (cw *compressedWriter) Offset() uint64 { return cw.uncompressed }

// compressedReader serves sequential reads of the uncompressed stream
// starting at an arbitrary logical offset, verifying the per-chunk CRC of
// every compressed chunk it touches.
type compressedReader struct {
	f    io.ReaderAt
	comp Compressor
	info *CompressionInfo
	// next is the index of the next chunk to decompress.
	next    int
	pending []byte
}

func newCompressedReader(f io.ReaderAt, info *CompressionInfo, offset uint64) (*compressedReader, error) {
	comp, err := NewCompressor(string(info.Name))
	if err != nil {
		return nil, err
	}
	cr := &compressedReader{f: f, comp: comp, info: info}
	cr.next = int(offset / uint64(info.ChunkLength))
	skip := offset % uint64(info.ChunkLength)
	if skip > 0 {
		if err := cr.fill(); err != nil {
			return nil, err
		}
		if uint64(len(cr.pending)) < skip {
			return nil, base.ErrShortRead
		}
		cr.pending = cr.pending[skip:]
	}
	return cr, nil
}

func (cr *compressedReader) fill() error {
	if cr.next >= len(cr.info.Offsets) {
		return io.EOF
	}
	start, end := cr.info.chunkSpan(cr.next)
	if end < start+4 {
		return base.CorruptionErrorf("sstable: compressed chunk %d has invalid span [%d,%d)", cr.next, start, end)
	}
	raw := make([]byte, end-start)
	if _, err := cr.f.ReadAt(raw, int64(start)); err != nil {
		return err
	}
	compressed, trailer := raw[:len(raw)-4], raw[len(raw)-4:]
	want := binary.BigEndian.Uint32(trailer)
	if got := crc32.ChecksumIEEE(compressed); got != want {
		return base.MarkIntegrityError(base.CorruptionErrorf(
			"sstable: chunk %d checksum mismatch: got %08x, want %08x", cr.next, got, want))
	}
	size := uint64(cr.info.ChunkLength)
	if rem := cr.info.DataLength - uint64(cr.next)*uint64(cr.info.ChunkLength); rem < size {
		size = rem
	}
	dst := make([]byte, size)
	if err := cr.comp.Decompress(compressed, dst); err != nil {
		return err
	}
	cr.pending = dst
	cr.next++
	return nil
}

func (cr *compressedReader) Read(p []byte) (int, error) {
	if len(cr.pending) == 0 {
		if err := cr.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, cr.pending)
	cr.pending = cr.pending[n:]
	return n, nil
}
