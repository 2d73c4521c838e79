// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"fmt"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/stretchr/testify/require"

	"github.com/xingdl2007/scylla/internal/base"
)

func TestParseFilenameDataDriven(t *testing.T) {
	datadriven.RunTest(t, "testdata/filenames", func(t *testing.T, d *datadriven.TestData) string {
		var out strings.Builder
		for _, line := range strings.Split(strings.TrimSpace(d.Input), "\n") {
			fields := strings.Fields(line)
			if len(fields) != 2 {
				fmt.Fprintf(&out, "malformed test input: %q\n", line)
				continue
			}
			desc, err := ParseFilename(fields[0], fields[1])
			if err != nil {
				fmt.Fprintf(&out, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(&out, "ks=%s cf=%s version=%s gen=%s format=%s component=%s\n",
				desc.Keyspace, desc.Table, desc.Version, desc.Generation, desc.Format,
				ComponentName(desc.Version, desc.Component))
		}
		return out.String()
	})
}

func TestMakeFilename(t *testing.T) {
	require.Equal(t, "ks1-tbl-ka-7-Data.db",
		MakeFilename("ks1", "tbl", VersionKA, 7, FormatBig, "Data.db"))
	require.Equal(t, "mc-42-big-Data.db",
		MakeFilename("ks1", "tbl", VersionMC, 42, FormatBig, "Data.db"))

	d := Descriptor{
		Dir: "/data/ks1/tbl-0123abcd", Keyspace: "ks1", Table: "tbl",
		Version: VersionMC, Generation: 3, Format: FormatBig, Component: ComponentTOC,
	}
	require.Equal(t, "/data/ks1/tbl-0123abcd/mc-3-big-TOC.txt", d.Filename())
	require.Equal(t, "/data/ks1/tbl-0123abcd/mc-3-big-Digest.crc32", d.FilenameFor(ComponentDigest))
}

func TestParseFilenameRoundTrip(t *testing.T) {
	dir := "/var/lib/db/myks/mytable-00112233445566778899aabbccddeeff"
	for _, v := range []Version{VersionKA, VersionLA, VersionMC} {
		for _, c := range versionComponents(v) {
			name := MakeFilename("myks", "mytable", v, 11, FormatBig, ComponentName(v, c))
			d, err := ParseFilename(dir, name)
			require.NoError(t, err, "%s/%s", dir, name)
			require.Equal(t, v, d.Version)
			require.Equal(t, base.Generation(11), d.Generation)
			require.Equal(t, c, d.Component)
			require.Equal(t, "myks", d.Keyspace)
			require.Equal(t, "mytable", d.Table)
		}
	}
}

func TestComponentMaps(t *testing.T) {
	// ka predates the Scylla-specific components.
	_, err := ParseComponent(VersionKA, "Scylla.db")
	require.ErrorIs(t, err, base.ErrUnknownEnum)
	c, err := ParseComponent(VersionLA, "Scylla.db")
	require.NoError(t, err)
	require.Equal(t, ComponentScylla, c)

	// The digest component is named for its checksum on mc.
	c, err = ParseComponent(VersionMC, "Digest.crc32")
	require.NoError(t, err)
	require.Equal(t, ComponentDigest, c)
	_, err = ParseComponent(VersionMC, "Digest.sha1")
	require.ErrorIs(t, err, base.ErrUnknownEnum)

	// Lookups are case-sensitive.
	_, err = ParseComponent(VersionMC, "data.db")
	require.ErrorIs(t, err, base.ErrUnknownEnum)
}
