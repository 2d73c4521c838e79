// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package bloom

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xingdl2007/scylla/internal/encoding"
)

func TestNoFalseNegatives(t *testing.T) {
	for _, format := range []HashFormat{LegacyHash, ModernHash} {
		f := New(1000, 0.01, format)
		for i := 0; i < 1000; i++ {
			f.Add([]byte(fmt.Sprintf("key-%d", i)))
		}
		for i := 0; i < 1000; i++ {
			require.True(t, f.MayContain([]byte(fmt.Sprintf("key-%d", i))))
		}
	}
}

func TestFalsePositiveRate(t *testing.T) {
	f := New(10000, 0.01, ModernHash)
	for i := 0; i < 10000; i++ {
		f.Add([]byte(fmt.Sprintf("key-%d", i)))
	}
	fp := 0
	for i := 0; i < 10000; i++ {
		if f.MayContain([]byte(fmt.Sprintf("other-%d", i))) {
			fp++
		}
	}
	// 1% target with generous slack.
	require.Less(t, fp, 500)
}

func TestEncodeDecode(t *testing.T) {
	f := New(100, 0.01, ModernHash)
	for i := 0; i < 100; i++ {
		f.Add([]byte(fmt.Sprintf("key-%d", i)))
	}
	var buf bytes.Buffer
	w := encoding.NewWriter(&buf)
	require.NoError(t, f.Encode(w))

	got, err := Decode(encoding.NewReader(&buf), ModernHash)
	require.NoError(t, err)
	require.Equal(t, f.HashCount(), got.HashCount())
	for i := 0; i < 100; i++ {
		require.True(t, got.MayContain([]byte(fmt.Sprintf("key-%d", i))))
	}
}

func TestHashFamiliesDiffer(t *testing.T) {
	key := []byte("partition-key")
	legacy := New(100, 0.01, LegacyHash)
	modern := New(100, 0.01, ModernHash)
	lh1, lh2 := legacy.hash(key)
	mh1, mh2 := modern.hash(key)
	require.NotEqual(t, [2]uint64{lh1, lh2}, [2]uint64{mh1, mh2})
}

func TestAlwaysTrue(t *testing.T) {
	require.True(t, AlwaysTrue.MayContain([]byte("anything")))
	require.True(t, New(100, 1.0, ModernHash).MayContain([]byte("x")))
}
