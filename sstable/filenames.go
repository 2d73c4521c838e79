// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/xingdl2007/scylla/internal/base"
)

// Descriptor identifies one component file of one sstable generation.
type Descriptor struct {
	Dir        string
	Keyspace   string
	Table      string
	Version    Version
	Generation base.Generation
	Format     Format
	Component  ComponentType
}

// MakeFilename builds the filename (without directory) for a component.
// ka names carry the keyspace and table; la/mc derive those from the
// directory path instead.
func MakeFilename(ks, cf string, v Version, gen base.Generation, f Format, component string) string {
	if v == VersionKA {
		return fmt.Sprintf("%s-%s-%s-%d-%s", ks, cf, v, gen, component)
	}
	return fmt.Sprintf("%s-%d-%s-%s", v, gen, f, component)
}

// Filename builds the full path of a component file.
func (d Descriptor) Filename() string {
	return d.Dir + "/" + MakeFilename(d.Keyspace, d.Table, d.Version, d.Generation, d.Format, ComponentName(d.Version, d.Component))
}

// FilenameFor returns the full path for a different component of the same
// sstable.
func (d Descriptor) FilenameFor(c ComponentType) string {
	d.Component = c
	return d.Filename()
}

var (
	laMCRe = regexp.MustCompile(`^(la|mc)-(\d+)-(\w+)-(.*)$`)
	kaRe   = regexp.MustCompile(`^(\w+)-(\w+)-ka-(\d+)-(.*)$`)
	dirRe  = regexp.MustCompile(`.*/([^/]*)/(\w+)-[\da-fA-F]+(?:/staging|/upload|/snapshots/[^/]+)?/?$`)
)

// ParseFilename parses a component filename into a Descriptor. For la/mc
// names, the keyspace and table are derived from the directory path, which
// must match the `.../<ks>/<cf>-<uuid>[/staging|/upload|/snapshots/<name>]`
// pattern.
func ParseFilename(dir, name string) (Descriptor, error) {
	d := Descriptor{Dir: dir}
	if m := laMCRe.FindStringSubmatch(name); m != nil {
		dm := dirRe.FindStringSubmatch(dir)
		if dm == nil {
			return d, base.CorruptionErrorf(
				"sstable: invalid version for file %s with path %s: path doesn't match known pattern", name, dir)
		}
		d.Keyspace = dm[1]
		d.Table = dm[2]
		if m[1] == "la" {
			d.Version = VersionLA
		} else {
			d.Version = VersionMC
		}
		gen, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return d, base.CorruptionErrorf("sstable: bad generation in %s: %v", name, err)
		}
		d.Generation = base.Generation(gen)
		format, err := ParseFormat(m[3])
		if err != nil {
			return d, base.CorruptionErrorf("sstable: unknown format %q in %s", m[3], name)
		}
		d.Format = format
		c, err := ParseComponent(d.Version, m[4])
		if err != nil {
			return d, base.CorruptionErrorf("sstable: unknown component %q in %s", m[4], name)
		}
		d.Component = c
		return d, nil
	}
	if m := kaRe.FindStringSubmatch(name); m != nil {
		d.Keyspace = m[1]
		d.Table = m[2]
		d.Version = VersionKA
		d.Format = FormatBig
		gen, err := strconv.ParseInt(m[3], 10, 64)
		if err != nil {
			return d, base.CorruptionErrorf("sstable: bad generation in %s: %v", name, err)
		}
		d.Generation = base.Generation(gen)
		c, err := ParseComponent(VersionKA, m[4])
		if err != nil {
			return d, base.CorruptionErrorf("sstable: unknown component %q in %s", m[4], name)
		}
		d.Component = c
		return d, nil
	}
	return d, base.CorruptionErrorf(
		"sstable: invalid version for file %s: name doesn't match any known version", name)
}
