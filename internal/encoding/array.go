// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package encoding

import (
	"math"

	"github.com/xingdl2007/scylla/internal/base"
)

// Integer-array transcoding is chunked in batches of at most chunkBytes to
// bound the amount of buffer memory used for large arrays (compression
// offset tables, histograms).
const chunkBytes = 100000

// WriteUint64Array writes a u32 length followed by the elements big-endian,
// in chunked batches.
func (w *Writer) WriteUint64Array(vals []uint64) error {
	if uint64(len(vals)) > math.MaxUint32 {
		return base.ErrOverflow
	}
	if err := w.WriteUint32(uint32(len(vals))); err != nil {
		return err
	}
	return w.WriteUint64ArrayBody(vals)
}

// WriteUint64ArrayBody writes the elements big-endian with no length prefix.
func (w *Writer) WriteUint64ArrayBody(vals []uint64) error {
	const perLoop = chunkBytes / 8
	var buf [perLoop * 8]byte
	for idx := 0; idx < len(vals); {
		now := len(vals) - idx
		if now > perLoop {
			now = perLoop
		}
		for i := 0; i < now; i++ {
			v := vals[idx+i]
			for j := 7; j >= 0; j-- {
				buf[i*8+j] = byte(v)
				v >>= 8
			}
		}
		if err := w.write(buf[:now*8]); err != nil {
			return err
		}
		idx += now
	}
	return nil
}

// ReadUint64Array reads a u32 length followed by the elements big-endian, in
// chunked batches.
func (r *Reader) ReadUint64Array() ([]uint64, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	return r.ReadUint64ArrayBody(int(n))
}

// ReadUint64ArrayBody reads n big-endian u64 elements with no length prefix.
func (r *Reader) ReadUint64ArrayBody(n int) ([]uint64, error) {
	const perLoop = chunkBytes / 8
	var buf [perLoop * 8]byte
	vals := make([]uint64, 0, n)
	for len(vals) < n {
		now := n - len(vals)
		if now > perLoop {
			now = perLoop
		}
		if err := r.read(buf[:now*8]); err != nil {
			return nil, err
		}
		for i := 0; i < now; i++ {
			var v uint64
			for j := 0; j < 8; j++ {
				v = v<<8 | uint64(buf[i*8+j])
			}
			vals = append(vals, v)
		}
	}
	return vals, nil
}

// StringMapEntry is one (key, value) pair of an on-disk map of strings. The
// entries keep their file order; compression options are written sorted by
// the component writers.
type StringMapEntry struct {
	Key   []byte
	Value []byte
}

// WriteStringMap32 writes a u32 count followed by u32-length-prefixed keys
// and values.
func (w *Writer) WriteStringMap32(entries []StringMapEntry) error {
	if uint64(len(entries)) > math.MaxUint32 {
		return base.ErrOverflow
	}
	if err := w.WriteUint32(uint32(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := w.WriteString32(e.Key); err != nil {
			return err
		}
		if err := w.WriteString32(e.Value); err != nil {
			return err
		}
	}
	return nil
}

// ReadStringMap32 reads a map written by WriteStringMap32.
func (r *Reader) ReadStringMap32() ([]StringMapEntry, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	entries := make([]StringMapEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		k, err := r.ReadString32()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadString32()
		if err != nil {
			return nil, err
		}
		entries = append(entries, StringMapEntry{Key: k, Value: v})
	}
	return entries, nil
}

// TaggedEntry is one element of an on-disk tagged union set: a u32 tag and
// an opaque payload whose byte size is recorded on the wire. Unknown tags
// must be preserved byte-exactly so a rewrite does not drop them.
type TaggedEntry struct {
	Tag     uint32
	Payload []byte
}

// WriteTaggedUnion writes a u32 count followed by (tag, u32 size, payload)
// triples.
func (w *Writer) WriteTaggedUnion(entries []TaggedEntry) error {
	if uint64(len(entries)) > math.MaxUint32 {
		return base.ErrOverflow
	}
	if err := w.WriteUint32(uint32(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := w.WriteUint32(e.Tag); err != nil {
			return err
		}
		if uint64(len(e.Payload)) > math.MaxUint32 {
			return base.ErrOverflow
		}
		if err := w.WriteUint32(uint32(len(e.Payload))); err != nil {
			return err
		}
		if err := w.write(e.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadTaggedUnion reads a tagged union set. Every entry is returned,
// recognized or not; a reader that does not understand a tag operates on the
// payload bytes without interpreting them.
func (r *Reader) ReadTaggedUnion() ([]TaggedEntry, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	entries := make([]TaggedEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		tag, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		size, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		payload := make([]byte, size)
		if err := r.read(payload); err != nil {
			return nil, err
		}
		entries = append(entries, TaggedEntry{Tag: tag, Payload: payload})
	}
	return entries, nil
}
