// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package checksum

import (
	"bytes"
	"hash/adler32"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkedCRC32(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out, 8, CRC32)
	data := []byte("0123456789abcdefXYZ")
	n, err := w.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, out.Bytes())
	require.Equal(t, uint64(len(data)), w.Offset())

	chunkSize, table := w.Finish()
	require.Equal(t, 8, chunkSize)
	require.Len(t, table, 3)
	require.Equal(t, crc32.ChecksumIEEE(data[0:8]), table[0])
	require.Equal(t, crc32.ChecksumIEEE(data[8:16]), table[1])
	require.Equal(t, crc32.ChecksumIEEE(data[16:]), table[2])
	require.Equal(t, crc32.ChecksumIEEE(data), w.FullChecksum())
}

func TestChunkedAdler32(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out, 4, Adler32)
	data := []byte("adler32data")
	// Split writes across chunk boundaries.
	_, err := w.Write(data[:3])
	require.NoError(t, err)
	_, err = w.Write(data[3:])
	require.NoError(t, err)

	_, table := w.Finish()
	require.Len(t, table, 3)
	require.Equal(t, adler32.Checksum(data[0:4]), table[0])
	require.Equal(t, adler32.Checksum(data), w.FullChecksum())
}

func TestOf(t *testing.T) {
	data := []byte("x")
	require.Equal(t, crc32.ChecksumIEEE(data), Of(CRC32, data))
	require.Equal(t, adler32.Checksum(data), Of(Adler32, data))
}
