// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"github.com/xingdl2007/scylla/internal/base"
)

// Version identifies the on-disk layout of an sstable. Two legacy
// row-oriented layouts ("ka", "la") and one row-grouped layout ("mc") are
// supported.
type Version int8

const (
	// VersionKA is the oldest supported row-oriented layout. It uses
	// keyspace/table-prefixed filenames and has no serialization header.
	VersionKA Version = iota
	// VersionLA is the later row-oriented layout.
	VersionLA
	// VersionMC is the row-grouped layout with variable-length integers,
	// delta-encoded timestamps and the richer row/marker flag model.
	VersionMC
)

var versionStrings = [...]string{
	VersionKA: "ka",
	VersionLA: "la",
	VersionMC: "mc",
}

// String returns the version string as used in filenames.
func (v Version) String() string { return versionStrings[v] }

// ParseVersion maps a version string to a Version.
func ParseVersion(s string) (Version, error) {
	for i, vs := range versionStrings {
		if vs == s {
			return Version(i), nil
		}
	}
	return 0, base.ErrUnknownEnum
}

// Format identifies the sstable format flavor. Only the "big" format exists.
type Format int8

// FormatBig is the only format.
const FormatBig Format = 0

// String returns the format string as used in filenames.
func (f Format) String() string { return "big" }

// ParseFormat maps a format string to a Format.
func ParseFormat(s string) (Format, error) {
	if s == "big" {
		return FormatBig, nil
	}
	return 0, base.ErrUnknownEnum
}
