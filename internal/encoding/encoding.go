// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package encoding implements the primitive codecs shared by every sstable
// component: big-endian fixed-width integers, variable-length integers,
// length-prefixed byte strings, arrays, maps and tagged unions.
package encoding

import (
	"encoding/binary"
	"io"
	"math"
	"math/bits"

	"github.com/xingdl2007/scylla/internal/base"
)

// Writer wraps an io.Writer and tracks the number of bytes written. All
// multi-byte integers are written big-endian unless a method says otherwise.
type Writer struct {
	w       io.Writer
	off     uint64
	scratch [9]byte
}

// NewWriter returns a Writer writing to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Offset returns the number of bytes written so far.
func (w *Writer) Offset() uint64 { return w.off }

// Reset makes the writer write to nw with a zero offset.
func (w *Writer) Reset(nw io.Writer) {
	w.w = nw
	w.off = 0
}

func (w *Writer) write(p []byte) error {
	n, err := w.w.Write(p)
	w.off += uint64(n)
	return err
}

// WriteBytes writes p verbatim.
func (w *Writer) WriteBytes(p []byte) error {
	return w.write(p)
}

// WriteUint8 writes a single byte.
func (w *Writer) WriteUint8(v uint8) error {
	w.scratch[0] = v
	return w.write(w.scratch[:1])
}

// WriteUint16 writes v as 2 bytes big-endian.
func (w *Writer) WriteUint16(v uint16) error {
	binary.BigEndian.PutUint16(w.scratch[:2], v)
	return w.write(w.scratch[:2])
}

// WriteUint32 writes v as 4 bytes big-endian.
func (w *Writer) WriteUint32(v uint32) error {
	binary.BigEndian.PutUint32(w.scratch[:4], v)
	return w.write(w.scratch[:4])
}

// WriteUint64 writes v as 8 bytes big-endian.
func (w *Writer) WriteUint64(v uint64) error {
	binary.BigEndian.PutUint64(w.scratch[:8], v)
	return w.write(w.scratch[:8])
}

// WriteInt8 writes v as a single byte.
func (w *Writer) WriteInt8(v int8) error { return w.WriteUint8(uint8(v)) }

// WriteInt16 writes v as 2 bytes big-endian.
func (w *Writer) WriteInt16(v int16) error { return w.WriteUint16(uint16(v)) }

// WriteInt32 writes v as 4 bytes big-endian.
func (w *Writer) WriteInt32(v int32) error { return w.WriteUint32(uint32(v)) }

// WriteInt64 writes v as 8 bytes big-endian.
func (w *Writer) WriteInt64(v int64) error { return w.WriteUint64(uint64(v)) }

// WriteBool writes v as a 0 or 1 byte.
func (w *Writer) WriteBool(v bool) error {
	if v {
		return w.WriteUint8(1)
	}
	return w.WriteUint8(0)
}

// WriteDouble writes the bit pattern of v as 8 bytes big-endian.
func (w *Writer) WriteDouble(v float64) error {
	return w.WriteUint64(math.Float64bits(v))
}

// WriteUint32LE writes v as 4 bytes little-endian. The summary positions
// array and per-entry positions are little-endian for portability.
func (w *Writer) WriteUint32LE(v uint32) error {
	binary.LittleEndian.PutUint32(w.scratch[:4], v)
	return w.write(w.scratch[:4])
}

// WriteUint64LE writes v as 8 bytes little-endian.
func (w *Writer) WriteUint64LE(v uint64) error {
	binary.LittleEndian.PutUint64(w.scratch[:8], v)
	return w.write(w.scratch[:8])
}

// WriteUvint writes v as an unsigned variable-length integer. The number of
// leading one bits in the first byte gives the number of extra bytes; the
// remaining bits of the first byte hold the most significant bits of the
// value.
func (w *Writer) WriteUvint(v uint64) error {
	n := UvintSize(v)
	if n == 1 {
		return w.WriteUint8(uint8(v))
	}
	extra := n - 1
	for i := extra; i >= 0; i-- {
		w.scratch[i] = byte(v)
		v >>= 8
	}
	w.scratch[0] |= encodeExtraBytesToRead(extra)
	return w.write(w.scratch[:n])
}

// WriteVint zig-zag encodes v and writes it as an unsigned vint.
func (w *Writer) WriteVint(v int64) error {
	return w.WriteUvint(ZigZag(v))
}

// WriteString16 writes a u16 length followed by the raw bytes.
func (w *Writer) WriteString16(p []byte) error {
	if len(p) > math.MaxUint16 {
		return base.ErrOverflow
	}
	if err := w.WriteUint16(uint16(len(p))); err != nil {
		return err
	}
	return w.write(p)
}

// WriteString32 writes a u32 length followed by the raw bytes.
func (w *Writer) WriteString32(p []byte) error {
	if uint64(len(p)) > math.MaxUint32 {
		return base.ErrOverflow
	}
	if err := w.WriteUint32(uint32(len(p))); err != nil {
		return err
	}
	return w.write(p)
}

// WriteStringUvint writes a vint length followed by the raw bytes.
func (w *Writer) WriteStringUvint(p []byte) error {
	if err := w.WriteUvint(uint64(len(p))); err != nil {
		return err
	}
	return w.write(p)
}

// UvintSize returns the encoded size of v in bytes, between 1 and 9.
func UvintSize(v uint64) int {
	magnitude := bits.LeadingZeros64(v | 1)
	return (639 - magnitude*9) >> 6
}

// VintSize returns the encoded size of the zig-zag encoding of v.
func VintSize(v int64) int {
	return UvintSize(ZigZag(v))
}

// ZigZag maps signed integers to unsigned so that small magnitudes of either
// sign encode compactly.
func ZigZag(v int64) uint64 {
	return uint64((v >> 63) ^ (v << 1))
}

// UnZigZag is the inverse of ZigZag.
func UnZigZag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

func encodeExtraBytesToRead(extra int) byte {
	return byte(^(0xff >> uint(extra)))
}

// Reader reads the primitive encodings from an io.Reader, tracking the
// offset of the next byte to be read.
type Reader struct {
	r       io.Reader
	off     uint64
	scratch [9]byte
}

// NewReader returns a Reader reading from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() uint64 { return r.off }

func (r *Reader) read(p []byte) error {
	n, err := io.ReadFull(r.r, p)
	r.off += uint64(n)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return base.ErrShortRead
	}
	return err
}

// ReadBytes reads exactly len(p) bytes into p.
func (r *Reader) ReadBytes(p []byte) error { return r.read(p) }

// ReadUint8 reads a single byte.
func (r *Reader) ReadUint8() (uint8, error) {
	if err := r.read(r.scratch[:1]); err != nil {
		return 0, err
	}
	return r.scratch[0], nil
}

// ReadUint16 reads 2 bytes big-endian.
func (r *Reader) ReadUint16() (uint16, error) {
	if err := r.read(r.scratch[:2]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(r.scratch[:2]), nil
}

// ReadUint32 reads 4 bytes big-endian.
func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.read(r.scratch[:4]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(r.scratch[:4]), nil
}

// ReadUint64 reads 8 bytes big-endian.
func (r *Reader) ReadUint64() (uint64, error) {
	if err := r.read(r.scratch[:8]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(r.scratch[:8]), nil
}

// ReadInt8 reads a single byte as a signed integer.
func (r *Reader) ReadInt8() (int8, error) {
	v, err := r.ReadUint8()
	return int8(v), err
}

// ReadInt16 reads 2 bytes big-endian as a signed integer.
func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.ReadUint16()
	return int16(v), err
}

// ReadInt32 reads 4 bytes big-endian as a signed integer.
func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadInt64 reads 8 bytes big-endian as a signed integer.
func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

// ReadBool reads a single byte and maps 0 to false, anything else to true.
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	return v != 0, err
}

// ReadDouble reads 8 bytes big-endian as a float64 bit pattern.
func (r *Reader) ReadDouble() (float64, error) {
	v, err := r.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadUint32LE reads 4 bytes little-endian.
func (r *Reader) ReadUint32LE() (uint32, error) {
	if err := r.read(r.scratch[:4]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.scratch[:4]), nil
}

// ReadUint64LE reads 8 bytes little-endian.
func (r *Reader) ReadUint64LE() (uint64, error) {
	if err := r.read(r.scratch[:8]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(r.scratch[:8]), nil
}

// ReadUvint reads an unsigned variable-length integer.
func (r *Reader) ReadUvint() (uint64, error) {
	first, err := r.ReadUint8()
	if err != nil {
		return 0, err
	}
	if first < 0x80 {
		return uint64(first), nil
	}
	extra := bits.LeadingZeros8(^first)
	if err := r.read(r.scratch[:extra]); err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < extra; i++ {
		v = v<<8 | uint64(r.scratch[i])
	}
	mask := byte(0xff >> uint(extra))
	v |= uint64(first&mask) << uint(extra*8)
	return v, nil
}

// ReadVint reads an unsigned vint and un-zig-zags it.
func (r *Reader) ReadVint() (int64, error) {
	v, err := r.ReadUvint()
	return UnZigZag(v), err
}

// ReadString16 reads a u16 length followed by that many bytes.
func (r *Reader) ReadString16() ([]byte, error) {
	n, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	p := make([]byte, n)
	if err := r.read(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ReadString32 reads a u32 length followed by that many bytes.
func (r *Reader) ReadString32() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	p := make([]byte, n)
	if err := r.read(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ReadStringUvint reads a vint length followed by that many bytes.
func (r *Reader) ReadStringUvint() ([]byte, error) {
	n, err := r.ReadUvint()
	if err != nil {
		return nil, err
	}
	if n > math.MaxInt32 {
		return nil, base.ErrOverflow
	}
	p := make([]byte, n)
	if err := r.read(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Skip discards exactly n bytes.
func (r *Reader) Skip(n uint64) error {
	const chunk = 4096
	var buf [chunk]byte
	for n > 0 {
		step := n
		if step > chunk {
			step = chunk
		}
		if err := r.read(buf[:step]); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
