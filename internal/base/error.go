// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package base

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// ErrCorruption is a marker error for malformed sstables. Errors created by
// CorruptionErrorf wrap it; use IsCorruptionError to test for it.
var ErrCorruption = errors.New("scylla: corruption")

// ErrShortRead means a buffer or file ended before a declared length.
var ErrShortRead = errors.New("scylla: short read")

// ErrOverflow means a narrow conversion could not hold the source value.
var ErrOverflow = errors.New("scylla: integer overflow")

// ErrUnknownEnum means a mapped value was missing from a static table.
var ErrUnknownEnum = errors.New("scylla: unknown enum value")

// ErrIntegrity is a marker error for per-chunk checksum mismatches.
var ErrIntegrity = errors.New("scylla: integrity failure")

// ErrTimeout means a read exceeded the caller-provided deadline.
var ErrTimeout = errors.New("scylla: io timeout")

// ErrNotFound means a requested partition or component does not exist.
var ErrNotFound = errors.New("scylla: not found")

// CorruptionErrorf formats according to a format specifier and returns the
// string as an error marked as a corruption error.
func CorruptionErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// IsCorruptionError returns true if the error indicates a malformed sstable.
func IsCorruptionError(err error) bool {
	return errors.Is(err, ErrCorruption)
}

// MarkIntegrityError marks err as an integrity failure (checksum mismatch).
func MarkIntegrityError(err error) error {
	return errors.Mark(err, ErrIntegrity)
}

// Generation distinguishes sstables of the same table; generations are
// assigned monotonically by the shard that owns the table directory.
type Generation int64

// String returns a string representation of the generation number.
func (g Generation) String() string { return redact.StringWithoutMarkers(g) }

// SafeFormat implements redact.SafeFormatter.
func (g Generation) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%d", redact.SafeInt(g))
}
