// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"math"

	"github.com/xingdl2007/scylla/internal/base"
)

// Monitor is notified of writer progress. The zero Monitor value is a
// no-op.
type Monitor interface {
	OnWriteStarted()
	OnDataWriteCompleted()
	OnWriteCompleted()
	OnFlushCompleted()
}

type noopMonitor struct{}

func (noopMonitor) OnWriteStarted()       {}
func (noopMonitor) OnDataWriteCompleted() {}
func (noopMonitor) OnWriteCompleted()     {}
func (noopMonitor) OnFlushCompleted()     {}

// LargePartitionHandler is called when a partition's on-disk size exceeds
// the configured threshold.
type LargePartitionHandler interface {
	MaybeUpdateLargePartitions(t *SSTable, key []byte, partitionSize uint64)
}

type noopLargePartitionHandler struct{}

func (noopLargePartitionHandler) MaybeUpdateLargePartitions(*SSTable, []byte, uint64) {}

// WriterOptions configures a writer pipeline.
type WriterOptions struct {
	// MaxSSTableSize caps the data file; ConsumeEndOfPartition reports
	// StopIteration once the offset meets it so the driving loop can start
	// a new generation.
	MaxSSTableSize uint64

	// PromotedIndexBlockSize is the desired number of data bytes between
	// promoted-index samples.
	PromotedIndexBlockSize uint64

	// CorrectlySerializeNonCompoundRangeTombstones selects the fixed
	// encoding for non-compound schemas. EnsureDefaults does not set it, so
	// the zero value writes the historical broken encoding that older peers
	// expect and clears the feature bit in the scylla metadata.
	CorrectlySerializeNonCompoundRangeTombstones bool

	// LeaveUnsealed skips the TOC rename (test support).
	LeaveUnsealed bool

	// Backup hard-links the sealed components into <dir>/backups/.
	Backup bool

	// ReplayPosition, if non-nil, is the commit-log watermark written into
	// the Stats metadata.
	ReplayPosition *ReplayPosition

	// LargePartitionThreshold is the partition size in bytes above which
	// the LargePartitionHandler is notified. Zero disables reporting.
	LargePartitionThreshold uint64

	LargePartitionHandler LargePartitionHandler

	Monitor Monitor

	// EncodingStats is the snapshot the mc delta encodings are based on.
	EncodingStats *EncodingStats

	Logger base.Logger
}

// EnsureDefaults fills zero-value options with their defaults.
func (o WriterOptions) EnsureDefaults() WriterOptions {
	if o.MaxSSTableSize == 0 {
		o.MaxSSTableSize = math.MaxUint64
	}
	if o.PromotedIndexBlockSize == 0 {
		o.PromotedIndexBlockSize = 64 * 1024
	}
	if o.LargePartitionHandler == nil {
		o.LargePartitionHandler = noopLargePartitionHandler{}
	}
	if o.Monitor == nil {
		o.Monitor = noopMonitor{}
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger{}
	}
	return o
}

// Forwarding selects whether a mutation stream supports FastForwardTo.
type Forwarding bool

// The forwarding policies.
const (
	NoForwarding  Forwarding = false
	ForwardingYes Forwarding = true
)

// ReaderOptions configures a read pipeline.
type ReaderOptions struct {
	Logger base.Logger
}

// EnsureDefaults fills zero-value options with their defaults.
func (o ReaderOptions) EnsureDefaults() ReaderOptions {
	if o.Logger == nil {
		o.Logger = base.DefaultLogger{}
	}
	return o
}
