// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"github.com/cockroachdb/redact"

	"github.com/xingdl2007/scylla/internal/base"
)

// ComponentType enumerates the files that together make one sstable.
type ComponentType int8

// The component types. ComponentUnknown stands in for TOC lines that do not
// match any recognized component of the sstable's version; they are retained
// verbatim so re-sealing preserves them.
const (
	ComponentData ComponentType = iota
	ComponentIndex
	ComponentSummary
	ComponentFilter
	ComponentStatistics
	ComponentDigest
	ComponentCRC
	ComponentTOC
	ComponentTemporaryTOC
	ComponentCompressionInfo
	ComponentScylla
	ComponentTemporaryStatistics
	ComponentUnknown
)

var componentNames = [...]string{
	ComponentData:                "Data.db",
	ComponentIndex:               "Index.db",
	ComponentSummary:             "Summary.db",
	ComponentFilter:              "Filter.db",
	ComponentStatistics:          "Statistics.db",
	ComponentDigest:              "Digest.sha1",
	ComponentCRC:                 "CRC.db",
	ComponentTOC:                 "TOC.txt",
	ComponentTemporaryTOC:        "TOC.txt.tmp",
	ComponentCompressionInfo:     "CompressionInfo.db",
	ComponentScylla:              "Scylla.db",
	ComponentTemporaryStatistics: "Statistics.db.tmp",
	ComponentUnknown:             "Unknown",
}

// mc names the Digest component after the checksum function it holds.
var componentNamesMC = func() [len(componentNames)]string {
	names := componentNames
	names[ComponentDigest] = "Digest.crc32"
	return names
}()

// ka predates the Scylla-specific components.
var kaComponents = map[ComponentType]bool{
	ComponentData: true, ComponentIndex: true, ComponentSummary: true,
	ComponentFilter: true, ComponentStatistics: true, ComponentDigest: true,
	ComponentCRC: true, ComponentTOC: true, ComponentTemporaryTOC: true,
	ComponentCompressionInfo: true,
}

// ComponentName returns the stable string for a component under a version.
func ComponentName(v Version, c ComponentType) string {
	if v == VersionMC {
		return componentNamesMC[c]
	}
	return componentNames[c]
}

// SafeFormat implements redact.SafeFormatter.
func (c ComponentType) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(componentNames[c]))
}

// String returns the la-format name of the component.
func (c ComponentType) String() string { return componentNames[c] }

// ParseComponent reverse-maps a component string for a version. The lookup
// is case-sensitive. Strings that are not in the version's component map
// fail with ErrUnknownEnum; TOC loading turns that into retention of the
// unrecognized line rather than an error.
func ParseComponent(v Version, s string) (ComponentType, error) {
	for c := ComponentData; c < ComponentUnknown; c++ {
		if v == VersionKA && !kaComponents[c] {
			continue
		}
		if ComponentName(v, c) == s {
			return c, nil
		}
	}
	return ComponentUnknown, base.ErrUnknownEnum
}

// versionComponents returns every component type a version can publish.
func versionComponents(v Version) []ComponentType {
	var out []ComponentType
	for c := ComponentData; c < ComponentUnknown; c++ {
		if v == VersionKA && !kaComponents[c] {
			continue
		}
		out = append(out, c)
	}
	return out
}
