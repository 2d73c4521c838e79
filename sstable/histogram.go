// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"math"
	"sort"

	"github.com/xingdl2007/scylla/internal/base"
	"github.com/xingdl2007/scylla/internal/encoding"
)

// EstimatedHistogram buckets values into exponentially growing ranges.
// BucketOffsets[i] is the inclusive upper bound of Buckets[i]; the last
// bucket counts overflows.
type EstimatedHistogram struct {
	BucketOffsets []uint64
	Buckets       []uint64
}

// NewEstimatedHistogram returns a histogram with the standard bucket
// boundaries: consecutive bounds grow by at least one and roughly 20%.
func NewEstimatedHistogram(bucketCount int) EstimatedHistogram {
	offsets := make([]uint64, 0, bucketCount-1)
	last := uint64(1)
	offsets = append(offsets, last)
	for len(offsets) < bucketCount-1 {
		next := last + 1
		if grown := uint64(float64(last) * 1.2); grown > next {
			next = grown
		}
		offsets = append(offsets, next)
		last = next
	}
	return EstimatedHistogram{
		BucketOffsets: offsets,
		Buckets:       make([]uint64, bucketCount),
	}
}

// Add counts one value.
func (h *EstimatedHistogram) Add(v uint64) {
	i := sort.Search(len(h.BucketOffsets), func(i int) bool { return h.BucketOffsets[i] >= v })
	h.Buckets[i]++
}

// Count returns the total number of recorded values.
func (h *EstimatedHistogram) Count() uint64 {
	var n uint64
	for _, b := range h.Buckets {
		n += b
	}
	return n
}

// The on-disk form is a u32 length and (offset, bucket) u64 pairs, where
// the offset paired with bucket 0 repeats offset 0.
func writeEstimatedHistogram(w *encoding.Writer, h *EstimatedHistogram) error {
	n, err := encoding.CheckedCast[uint32](len(h.Buckets))
	if err != nil {
		return err
	}
	if err := w.WriteUint32(n); err != nil {
		return err
	}
	pairs := make([]uint64, 0, 2*len(h.Buckets))
	for i := range h.Buckets {
		offIdx := i - 1
		if i == 0 {
			offIdx = 0
		}
		var off uint64
		if offIdx < len(h.BucketOffsets) {
			off = h.BucketOffsets[offIdx]
		}
		pairs = append(pairs, off, h.Buckets[i])
	}
	return w.WriteUint64ArrayBody(pairs)
}

func readEstimatedHistogram(r *encoding.Reader, h *EstimatedHistogram) error {
	n, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if n == 0 {
		return base.CorruptionErrorf("sstable: estimated histogram with zero size found")
	}
	pairs, err := r.ReadUint64ArrayBody(int(n) * 2)
	if err != nil {
		return err
	}
	h.BucketOffsets = h.BucketOffsets[:0]
	h.Buckets = h.Buckets[:0]
	for i := uint32(0); i < n; i++ {
		off, bucket := pairs[2*i], pairs[2*i+1]
		if i > 0 {
			h.BucketOffsets = append(h.BucketOffsets, off)
		}
		h.Buckets = append(h.Buckets, bucket)
	}
	return nil
}

// streamingHistogramMaxBins bounds the bin count of tombstone drop-time
// histograms.
const streamingHistogramMaxBins = 100

// StreamingHistogramBin is one (value, count) bin.
type StreamingHistogramBin struct {
	Key   float64
	Value uint64
}

// StreamingHistogram approximates a distribution with a bounded number of
// bins, merging the two closest bins when full.
type StreamingHistogram struct {
	MaxBinSize uint32
	Bins       []StreamingHistogramBin
}

// NewStreamingHistogram returns an empty histogram with the standard bin
// bound.
func NewStreamingHistogram() StreamingHistogram {
	return StreamingHistogram{MaxBinSize: streamingHistogramMaxBins}
}

// Add counts one value, merging the closest pair of bins when the histogram
// is full.
func (h *StreamingHistogram) Add(v float64) {
	i := sort.Search(len(h.Bins), func(i int) bool { return h.Bins[i].Key >= v })
	if i < len(h.Bins) && h.Bins[i].Key == v {
		h.Bins[i].Value++
		return
	}
	h.Bins = append(h.Bins, StreamingHistogramBin{})
	copy(h.Bins[i+1:], h.Bins[i:])
	h.Bins[i] = StreamingHistogramBin{Key: v, Value: 1}
	if uint32(len(h.Bins)) <= h.MaxBinSize {
		return
	}
	// Merge the two closest adjacent bins.
	best, bestGap := 0, math.Inf(1)
	for j := 0; j+1 < len(h.Bins); j++ {
		if gap := h.Bins[j+1].Key - h.Bins[j].Key; gap < bestGap {
			best, bestGap = j, gap
		}
	}
	a, b := h.Bins[best], h.Bins[best+1]
	total := a.Value + b.Value
	merged := StreamingHistogramBin{
		Key:   (a.Key*float64(a.Value) + b.Key*float64(b.Value)) / float64(total),
		Value: total,
	}
	h.Bins[best] = merged
	h.Bins = append(h.Bins[:best+1], h.Bins[best+2:]...)
}

func writeStreamingHistogram(w *encoding.Writer, h *StreamingHistogram) error {
	if err := w.WriteUint32(h.MaxBinSize); err != nil {
		return err
	}
	n, err := encoding.CheckedCast[uint32](len(h.Bins))
	if err != nil {
		return err
	}
	if err := w.WriteUint32(n); err != nil {
		return err
	}
	for _, bin := range h.Bins {
		if err := w.WriteDouble(bin.Key); err != nil {
			return err
		}
		if err := w.WriteUint64(bin.Value); err != nil {
			return err
		}
	}
	return nil
}

func readStreamingHistogram(r *encoding.Reader, h *StreamingHistogram) error {
	var err error
	if h.MaxBinSize, err = r.ReadUint32(); err != nil {
		return err
	}
	n, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if n > h.MaxBinSize {
		return base.CorruptionErrorf("sstable: streaming histogram with more entries than allowed")
	}
	bins := make([]StreamingHistogramBin, 0, n)
	for i := uint32(0); i < n; i++ {
		var bin StreamingHistogramBin
		if bin.Key, err = r.ReadDouble(); err != nil {
			return err
		}
		if bin.Value, err = r.ReadUint64(); err != nil {
			return err
		}
		bins = append(bins, bin)
	}
	// A full histogram with unsorted keys is the known-broken shape merged
	// through an unordered map; discard it instead of loading bad bins.
	if uint32(len(bins)) == h.MaxBinSize &&
		!sort.SliceIsSorted(bins, func(i, j int) bool { return bins[i].Key < bins[j].Key }) {
		h.Bins = nil
		return nil
	}
	h.Bins = bins
	return nil
}
