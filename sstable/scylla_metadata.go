// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"bytes"

	"github.com/xingdl2007/scylla/internal/encoding"
)

// Scylla metadata tags.
const (
	scyllaMetadataSharding uint32 = 1
	scyllaMetadataFeatures uint32 = 2
)

// Feature bits advertised in the Scylla component. A reader that lacks a
// feature the sstable requires must reject it above this layer.
type Features uint64

const (
	// FeatureNonCompoundPIEntries marks correctly serialized non-compound
	// promoted index entries.
	FeatureNonCompoundPIEntries Features = 1 << iota
	// FeatureMultiPartitionRead marks index support for multi-partition
	// reads.
	FeatureMultiPartitionRead
	// FeatureNonCompoundRangeTombstones marks correctly serialized
	// non-compound range tombstones.
	FeatureNonCompoundRangeTombstones

	featureEnd
)

// AllFeatures returns every feature this writer supports.
func AllFeatures() Features { return featureEnd - 1 }

// Disable clears a feature bit.
func (f *Features) Disable(bit Features) { *f &^= bit }

// Has reports whether a feature bit is set.
func (f Features) Has(bit Features) bool { return f&bit != 0 }

// TokenRange is one token interval owned by a shard.
type TokenRange struct {
	LeftExclusive  bool
	Left           []byte
	RightExclusive bool
	Right          []byte
}

// ShardingMetadata records the token ranges this sstable's data falls into
// for the owning shard, enabling foreign-shard handoff without re-reading
// the data.
type ShardingMetadata struct {
	TokenRanges []TokenRange
}

// ScyllaMetadata is the Scylla component: a tagged-union set carrying
// sharding metadata and the feature bitmap. Unknown tags are preserved so a
// rewrite publishes them unchanged.
type ScyllaMetadata struct {
	Sharding *ShardingMetadata
	Features *Features
	Unknown  []encoding.TaggedEntry
}

func writeScyllaMetadata(w *encoding.Writer, m *ScyllaMetadata) error {
	var entries []encoding.TaggedEntry
	if m.Sharding != nil {
		var buf bytes.Buffer
		bw := encoding.NewWriter(&buf)
		n, err := encoding.CheckedCast[uint32](len(m.Sharding.TokenRanges))
		if err != nil {
			return err
		}
		if err := bw.WriteUint32(n); err != nil {
			return err
		}
		for _, tr := range m.Sharding.TokenRanges {
			if err := bw.WriteBool(tr.LeftExclusive); err != nil {
				return err
			}
			if err := bw.WriteString32(tr.Left); err != nil {
				return err
			}
			if err := bw.WriteBool(tr.RightExclusive); err != nil {
				return err
			}
			if err := bw.WriteString32(tr.Right); err != nil {
				return err
			}
		}
		entries = append(entries, encoding.TaggedEntry{Tag: scyllaMetadataSharding, Payload: buf.Bytes()})
	}
	if m.Features != nil {
		var buf bytes.Buffer
		bw := encoding.NewWriter(&buf)
		if err := bw.WriteUint64(uint64(*m.Features)); err != nil {
			return err
		}
		entries = append(entries, encoding.TaggedEntry{Tag: scyllaMetadataFeatures, Payload: buf.Bytes()})
	}
	entries = append(entries, m.Unknown...)
	return w.WriteTaggedUnion(entries)
}

func readScyllaMetadata(r *encoding.Reader) (*ScyllaMetadata, error) {
	entries, err := r.ReadTaggedUnion()
	if err != nil {
		return nil, err
	}
	m := &ScyllaMetadata{}
	for _, e := range entries {
		er := encoding.NewReader(bytes.NewReader(e.Payload))
		switch e.Tag {
		case scyllaMetadataSharding:
			n, err := er.ReadUint32()
			if err != nil {
				return nil, err
			}
			sm := &ShardingMetadata{}
			for i := uint32(0); i < n; i++ {
				var tr TokenRange
				if tr.LeftExclusive, err = er.ReadBool(); err != nil {
					return nil, err
				}
				if tr.Left, err = er.ReadString32(); err != nil {
					return nil, err
				}
				if tr.RightExclusive, err = er.ReadBool(); err != nil {
					return nil, err
				}
				if tr.Right, err = er.ReadString32(); err != nil {
					return nil, err
				}
				sm.TokenRanges = append(sm.TokenRanges, tr)
			}
			m.Sharding = sm
		case scyllaMetadataFeatures:
			bits, err := er.ReadUint64()
			if err != nil {
				return nil, err
			}
			f := Features(bits)
			m.Features = &f
		default:
			m.Unknown = append(m.Unknown, e)
		}
	}
	return m, nil
}
