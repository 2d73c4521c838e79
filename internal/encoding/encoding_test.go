// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package encoding

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xingdl2007/scylla/internal/base"
)

func TestUvintRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 127, 128, 255, 256, 1<<14 - 1, 1 << 14, 1<<21 - 1, 1 << 21,
		1<<28 - 1, 1 << 28, 1<<35 - 1, 1 << 42, 1 << 49, 1 << 56, 1<<63 - 1,
		math.MaxUint64,
	}
	for _, v := range values {
		var buf bytes.Buffer
		w := NewWriter(&buf)
		require.NoError(t, w.WriteUvint(v))
		require.Equal(t, UvintSize(v), buf.Len())
		r := NewReader(&buf)
		got, err := r.ReadUvint()
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestUvintEncoding(t *testing.T) {
	// Single byte values are themselves.
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteUvint(127))
	require.Equal(t, []byte{0x7f}, buf.Bytes())

	// 128 takes one extra byte with a single leading one.
	buf.Reset()
	w.Reset(&buf)
	require.NoError(t, w.WriteUvint(128))
	require.Equal(t, []byte{0x80, 0x80}, buf.Bytes())

	// The maximal value takes a full 0xff marker plus eight bytes.
	buf.Reset()
	w.Reset(&buf)
	require.NoError(t, w.WriteUvint(math.MaxUint64))
	require.Equal(t, 9, buf.Len())
	require.Equal(t, byte(0xff), buf.Bytes()[0])
}

func TestVintZigZag(t *testing.T) {
	for _, v := range []int64{0, -1, 1, -2, 2, math.MinInt64, math.MaxInt64} {
		var buf bytes.Buffer
		w := NewWriter(&buf)
		require.NoError(t, w.WriteVint(v))
		r := NewReader(&buf)
		got, err := r.ReadVint()
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
	require.Equal(t, uint64(0), ZigZag(0))
	require.Equal(t, uint64(1), ZigZag(-1))
	require.Equal(t, uint64(2), ZigZag(1))
}

func TestStringsAndShortRead(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteString16([]byte("hello")))
	require.NoError(t, w.WriteString32(nil))
	require.NoError(t, w.WriteStringUvint([]byte("world")))

	r := NewReader(&buf)
	s, err := r.ReadString16()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), s)
	s, err = r.ReadString32()
	require.NoError(t, err)
	require.Empty(t, s)
	s, err = r.ReadStringUvint()
	require.NoError(t, err)
	require.Equal(t, []byte("world"), s)

	// A declared length longer than the buffer is a short read.
	r = NewReader(bytes.NewReader([]byte{0x00, 0x10, 'x'}))
	_, err = r.ReadString16()
	require.ErrorIs(t, err, base.ErrShortRead)
}

func TestUint64ArrayChunked(t *testing.T) {
	vals := make([]uint64, 30000)
	for i := range vals {
		vals[i] = uint64(i) * 7
	}
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteUint64Array(vals))
	r := NewReader(&buf)
	got, err := r.ReadUint64Array()
	require.NoError(t, err)
	require.Equal(t, vals, got)
}

func TestTaggedUnionSkipsUnknown(t *testing.T) {
	entries := []TaggedEntry{
		{Tag: 1, Payload: []byte{1, 2, 3}},
		{Tag: 99, Payload: []byte("unknown payload")},
		{Tag: 2, Payload: nil},
	}
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteTaggedUnion(entries))

	r := NewReader(&buf)
	got, err := r.ReadTaggedUnion()
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Unknown tags survive byte-exactly so a rewrite preserves them, and
	// parsing continues past them unaffected.
	require.Equal(t, uint32(99), got[1].Tag)
	require.Equal(t, []byte("unknown payload"), got[1].Payload)
	require.Equal(t, uint32(2), got[2].Tag)
}

func TestCheckedCast(t *testing.T) {
	v, err := CheckedCast[uint32](int64(7))
	require.NoError(t, err)
	require.Equal(t, uint32(7), v)

	_, err = CheckedCast[uint16](70000)
	require.ErrorIs(t, err, base.ErrOverflow)

	_, err = CheckedCast[uint8](-1)
	require.ErrorIs(t, err, base.ErrOverflow)
}

func TestDoubleAndBool(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteDouble(3.5))
	require.NoError(t, w.WriteBool(true))
	require.NoError(t, w.WriteBool(false))
	r := NewReader(&buf)
	d, err := r.ReadDouble()
	require.NoError(t, err)
	require.Equal(t, 3.5, d)
	b, err := r.ReadBool()
	require.NoError(t, err)
	require.True(t, b)
	b, err = r.ReadBool()
	require.NoError(t, err)
	require.False(t, b)
}
