// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package checksum implements the chunked checksumming writer used for
// uncompressed data files. Modern sstables checksum with CRC32, the older
// row-oriented format with Adler32; both maintain a per-chunk table (written
// to the CRC component) and a running full-file checksum (written to the
// Digest component).
package checksum

import (
	"hash"
	"hash/adler32"
	"hash/crc32"
	"io"
)

// Kind selects the checksum function.
type Kind int8

const (
	// CRC32 is the IEEE CRC-32 used by the modern format.
	CRC32 Kind = iota
	// Adler32 is used by the legacy row-oriented formats.
	Adler32
)

// DefaultChunkSize is the per-chunk checksum granularity for uncompressed
// data files.
const DefaultChunkSize = 32 * 1024

func newHash(kind Kind) hash.Hash32 {
	if kind == Adler32 {
		return adler32.New()
	}
	return crc32.NewIEEE()
}

// Of returns the checksum of data under kind.
func Of(kind Kind, data []byte) uint32 {
	h := newHash(kind)
	h.Write(data)
	return h.Sum32()
}

// Writer wraps an io.Writer, checksumming every chunkSize bytes
// individually and the whole stream cumulatively.
type Writer struct {
	w         io.Writer
	kind      Kind
	chunkSize int
	chunk     hash.Hash32
	full      hash.Hash32
	inChunk   int
	table     []uint32
	off       uint64
}

// NewWriter returns a checksumming writer over w.
func NewWriter(w io.Writer, chunkSize int, kind Kind) *Writer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Writer{
		w:         w,
		kind:      kind,
		chunkSize: chunkSize,
		chunk:     newHash(kind),
		full:      newHash(kind),
	}
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		room := w.chunkSize - w.inChunk
		step := len(p)
		if step > room {
			step = room
		}
		n, err := w.w.Write(p[:step])
		w.chunk.Write(p[:n])
		w.full.Write(p[:n])
		w.inChunk += n
		w.off += uint64(n)
		written += n
		if err != nil {
			return written, err
		}
		if w.inChunk == w.chunkSize {
			w.closeChunk()
		}
		p = p[step:]
	}
	return written, nil
}

func (w *Writer) closeChunk() {
	w.table = append(w.table, w.chunk.Sum32())
	w.chunk = newHash(w.kind)
	w.inChunk = 0
}

// Offset returns the number of bytes written.
func (w *Writer) Offset() uint64 { return w.off }

// Finish seals a trailing partial chunk and returns the chunk size and the
// per-chunk checksum table.
func (w *Writer) Finish() (chunkSize int, table []uint32) {
	if w.inChunk > 0 {
		w.closeChunk()
	}
	return w.chunkSize, w.table
}

// FullChecksum returns the checksum of every byte written so far.
func (w *Writer) FullChecksum() uint32 { return w.full.Sum32() }
