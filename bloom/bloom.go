// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package bloom implements the Bloom filter of partition keys stored in the
// Filter component. The two on-wire variants differ only in the hash family:
// the row-oriented legacy formats hash with a 64-bit murmur2 derivative, the
// modern row-grouped format with murmur3-128. The format type is carried
// through so that probing uses the same hash the writer used.
package bloom

import (
	"math"

	"github.com/spaolacci/murmur3"

	"github.com/xingdl2007/scylla/internal/base"
	"github.com/xingdl2007/scylla/internal/encoding"
)

// HashFormat selects the hash family of a filter.
type HashFormat int8

const (
	// LegacyHash is the murmur2-derived family of the ka/la formats.
	LegacyHash HashFormat = iota
	// ModernHash is the murmur3-128 family of the mc format.
	ModernHash
)

// Filter is a probabilistic set of partition keys.
type Filter struct {
	format    HashFormat
	hashCount int
	words     []uint64
	bits      uint64
}

// AlwaysTrue is the fallback filter used when the Filter component is absent
// or the configured false-positive chance is 1.0; it admits every key.
var AlwaysTrue = &Filter{}

// New sizes a filter for the expected number of keys and target
// false-positive chance.
func New(expectedKeys int64, fpChance float64, format HashFormat) *Filter {
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	if fpChance <= 0 || fpChance >= 1 {
		return AlwaysTrue
	}
	ln2 := math.Ln2
	mBits := math.Ceil(-float64(expectedKeys) * math.Log(fpChance) / (ln2 * ln2))
	words := uint64(math.Ceil(mBits / 64))
	if words == 0 {
		words = 1
	}
	k := int(math.Round(mBits / float64(expectedKeys) * ln2))
	if k < 1 {
		k = 1
	}
	return &Filter{
		format:    format,
		hashCount: k,
		words:     make([]uint64, words),
		bits:      words * 64,
	}
}

func (f *Filter) hash(key []byte) (uint64, uint64) {
	if f.format == ModernHash {
		return murmur3.Sum128(key)
	}
	h1 := murmur2(key, 0)
	h2 := murmur2(key, h1)
	return h1, h2
}

// Add inserts a key.
func (f *Filter) Add(key []byte) {
	if f.bits == 0 {
		return
	}
	h1, h2 := f.hash(key)
	for i := 0; i < f.hashCount; i++ {
		idx := (h1 + uint64(i)*h2) % f.bits
		f.words[idx/64] |= 1 << (idx % 64)
	}
}

// MayContain probes for a key. False positives are possible, false negatives
// are not.
func (f *Filter) MayContain(key []byte) bool {
	if f.bits == 0 {
		return true
	}
	h1, h2 := f.hash(key)
	for i := 0; i < f.hashCount; i++ {
		idx := (h1 + uint64(i)*h2) % f.bits
		if f.words[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

// HashCount returns the number of probes per key.
func (f *Filter) HashCount() int { return f.hashCount }

// Encode writes the filter: i32 hash count, then the bitset as an i32 word
// count and the words big-endian.
func (f *Filter) Encode(w *encoding.Writer) error {
	hc, err := encoding.CheckedCast[int32](f.hashCount)
	if err != nil {
		return err
	}
	if err := w.WriteInt32(hc); err != nil {
		return err
	}
	return w.WriteUint64Array(f.words)
}

// Decode reads a filter written by Encode. The caller supplies the hash
// format of the sstable the filter belongs to.
func Decode(r *encoding.Reader, format HashFormat) (*Filter, error) {
	hc, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if hc < 0 {
		return nil, base.CorruptionErrorf("bloom: negative hash count %d", hc)
	}
	words, err := r.ReadUint64Array()
	if err != nil {
		return nil, err
	}
	return &Filter{
		format:    format,
		hashCount: int(hc),
		words:     words,
		bits:      uint64(len(words)) * 64,
	}, nil
}

// murmur2 is the 64-bit murmur2 variant the legacy formats hash keys with.
func murmur2(data []byte, seed uint64) uint64 {
	const m = 0xc6a4a7935bd1e995
	const r = 47

	h := seed ^ (uint64(len(data)) * m)
	for ; len(data) >= 8; data = data[8:] {
		k := uint64(data[0]) | uint64(data[1])<<8 | uint64(data[2])<<16 | uint64(data[3])<<24 |
			uint64(data[4])<<32 | uint64(data[5])<<40 | uint64(data[6])<<48 | uint64(data[7])<<56
		k *= m
		k ^= k >> r
		k *= m
		h ^= k
		h *= m
	}
	switch len(data) {
	case 7:
		h ^= uint64(data[6]) << 48
		fallthrough
	case 6:
		h ^= uint64(data[5]) << 40
		fallthrough
	case 5:
		h ^= uint64(data[4]) << 32
		fallthrough
	case 4:
		h ^= uint64(data[3]) << 24
		fallthrough
	case 3:
		h ^= uint64(data[2]) << 16
		fallthrough
	case 2:
		h ^= uint64(data[1]) << 8
		fallthrough
	case 1:
		h ^= uint64(data[0])
		h *= m
	}
	h ^= h >> r
	h *= m
	h ^= h >> r
	return h
}
