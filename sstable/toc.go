// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"bytes"
	"io"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/xingdl2007/scylla/internal/base"
	"github.com/xingdl2007/scylla/vfs"
)

// tocMaxSize bounds the TOC file. The TOC holds a dozen short lines; a TOC
// that fills a whole page is certainly not one of ours.
const tocMaxSize = 4096

// readTOC loads the table of contents. Unknown component names are retained
// in order and warned about; an empty TOC is a corruption.
func (t *SSTable) readTOC() error {
	if len(t.recognized) > 0 {
		return nil
	}
	path := t.desc.FilenameFor(ComponentTOC)
	f, err := t.fs.Open(path)
	if err != nil {
		if vfs.IsNotExist(err) {
			return base.CorruptionErrorf("sstable: %s: file not found", path)
		}
		return errors.Wrapf(err, "sstable: open %s", path)
	}
	defer f.Close()
	buf := make([]byte, tocMaxSize)
	n, err := io.ReadFull(f, buf)
	if err != io.EOF && err != io.ErrUnexpectedEOF {
		if err == nil {
			return base.CorruptionErrorf("sstable: TOC too big: %d bytes or more in %s", n, path)
		}
		return errors.Wrapf(err, "sstable: read %s", path)
	}
	for _, line := range strings.Split(string(buf[:n]), "\n") {
		if line == "" {
			continue
		}
		c, err := ParseComponent(t.desc.Version, line)
		if err != nil {
			t.unrecognized = append(t.unrecognized, line)
			t.logger.Infof("unrecognized TOC component was found: %s in sstable %s", line, path)
			continue
		}
		t.recognized[c] = true
	}
	if len(t.recognized) == 0 {
		return base.CorruptionErrorf("sstable: empty TOC in %s", path)
	}
	return nil
}

// generateTOC populates the component set for a new write. The CRC
// component exists exactly when compression does not, and the Filter only
// when the false-positive chance asks for one.
func (t *SSTable) generateTOC() {
	t.recognized[ComponentTOC] = true
	t.recognized[ComponentStatistics] = true
	t.recognized[ComponentDigest] = true
	t.recognized[ComponentIndex] = true
	t.recognized[ComponentSummary] = true
	t.recognized[ComponentData] = true
	if t.schema.BloomFilterFPChance != 1.0 {
		t.recognized[ComponentFilter] = true
	}
	if t.schema.Compression == nil {
		t.recognized[ComponentCRC] = true
	} else {
		t.recognized[ComponentCompressionInfo] = true
	}
	if t.desc.Version != VersionKA {
		t.recognized[ComponentScylla] = true
	}
}

// writeTOC writes the component list to the TemporaryTOC file and syncs the
// parent directory. Creation is exclusive: an existing TemporaryTOC means a
// previous generation was not cleaned up or a concurrent writer reused the
// generation. An existing TOC for the generation is always an error.
func (t *SSTable) writeTOC() error {
	path := t.desc.FilenameFor(ComponentTemporaryTOC)
	f, err := t.fs.CreateExclusive(path)
	if err != nil {
		return errors.Wrapf(err, "sstable: create %s", path)
	}
	if _, err := t.fs.Stat(t.desc.FilenameFor(ComponentTOC)); err == nil {
		_ = f.Close()
		_ = t.fs.Remove(path)
		return errors.Newf("sstable: write failed due to existence of TOC file for generation %s of %s.%s",
			t.desc.Generation, t.desc.Keyspace, t.desc.Table)
	}
	var buf bytes.Buffer
	for _, line := range t.tocLines() {
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "sstable: write %s", path)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "sstable: sync %s", path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "sstable: close %s", path)
	}
	return vfs.SyncDir(t.fs, t.desc.Dir)
}

// tocLines returns the TOC content: recognized components in a stable
// order, then unrecognized lines verbatim.
func (t *SSTable) tocLines() []string {
	var comps []ComponentType
	for c := range t.recognized {
		if c == ComponentTemporaryTOC {
			continue
		}
		comps = append(comps, c)
	}
	sort.Slice(comps, func(i, j int) bool { return comps[i] < comps[j] })
	lines := make([]string, 0, len(comps)+len(t.unrecognized))
	for _, c := range comps {
		lines = append(lines, ComponentName(t.desc.Version, c))
	}
	lines = append(lines, t.unrecognized...)
	return lines
}

// Seal publishes the sstable: every component has reached the disk, so the
// parent directory is flushed, the TemporaryTOC renamed to TOC, and the
// directory flushed again. The rename is the atomic publication point.
func (t *SSTable) Seal() error {
	if err := vfs.SyncDir(t.fs, t.desc.Dir); err != nil {
		return err
	}
	if err := t.fs.Rename(t.desc.FilenameFor(ComponentTemporaryTOC), t.desc.FilenameFor(ComponentTOC)); err != nil {
		return errors.Wrapf(err, "sstable: seal generation %s", t.desc.Generation)
	}
	if err := vfs.SyncDir(t.fs, t.desc.Dir); err != nil {
		return err
	}
	t.logger.Infof("sstable with generation %s of %s.%s was sealed successfully",
		t.desc.Generation, t.desc.Keyspace, t.desc.Table)
	return nil
}

// AllComponents lists every component the sstable knows about: recognized
// ones with their version-specific name, and unrecognized TOC lines tagged
// ComponentUnknown.
func (t *SSTable) AllComponents() []struct {
	Type ComponentType
	Name string
} {
	var out []struct {
		Type ComponentType
		Name string
	}
	var comps []ComponentType
	for c := range t.recognized {
		comps = append(comps, c)
	}
	sort.Slice(comps, func(i, j int) bool { return comps[i] < comps[j] })
	for _, c := range comps {
		out = append(out, struct {
			Type ComponentType
			Name string
		}{c, ComponentName(t.desc.Version, c)})
	}
	for _, u := range t.unrecognized {
		out = append(out, struct {
			Type ComponentType
			Name string
		}{ComponentUnknown, u})
	}
	return out
}

// RemoveByTOCName deletes the sstable the TOC file belongs to. The TOC is
// first renamed back to TemporaryTOC (demoting the sstable to unsealed),
// then every component it lists is unlinked, and the TemporaryTOC last, with
// directory flushes so that a crash mid-delete leaves a generation the
// startup sweep recognizes as removable.
func RemoveByTOCName(fs vfs.FS, tocName string, logger base.Logger) error {
	tocSuffix := "TOC.txt"
	if !strings.HasSuffix(tocName, tocSuffix) {
		return errors.Newf("sstable: %s is not a TOC file", tocName)
	}
	prefix := tocName[:len(tocName)-len(tocSuffix)]
	tmpName := prefix + "TOC.txt.tmp"
	dir := fs.PathDir(tocName)

	if _, err := fs.Stat(tocName); err == nil {
		if err := fs.Rename(tocName, tmpName); err != nil {
			return err
		}
		if err := vfs.SyncDir(fs, dir); err != nil {
			return err
		}
	} else if _, err := fs.Stat(tmpName); err != nil {
		logger.Infof("unable to delete %s because it doesn't exist", tocName)
		return nil
	}

	f, err := fs.Open(tmpName)
	if err != nil {
		return err
	}
	text, err := io.ReadAll(io.LimitReader(f, tocMaxSize))
	_ = f.Close()
	if err != nil {
		return err
	}
	for _, component := range strings.Split(string(text), "\n") {
		if component == "" || component == tocSuffix {
			continue
		}
		if err := fs.Remove(prefix + component); err != nil && !vfs.IsNotExist(err) {
			return err
		}
	}
	if err := vfs.SyncDir(fs, dir); err != nil {
		return err
	}
	if err := fs.Remove(tmpName); err != nil {
		return err
	}
	return vfs.SyncDir(fs, dir)
}

// RemoveGenerationWithTemporaryTOC reclaims an unsealed generation found by
// the startup sweep: a generation with a TemporaryTOC but no TOC was never
// published and its components can be removed. The TemporaryTOC goes last.
func RemoveGenerationWithTemporaryTOC(fs vfs.FS, d Descriptor, logger base.Logger) error {
	if _, err := fs.Stat(d.FilenameFor(ComponentTOC)); err == nil {
		return errors.Newf("sstable: generation %s of %s.%s has a TOC; refusing to sweep",
			d.Generation, d.Keyspace, d.Table)
	}
	if _, err := fs.Stat(d.FilenameFor(ComponentTemporaryTOC)); err != nil {
		return errors.Newf("sstable: generation %s of %s.%s has no TemporaryTOC",
			d.Generation, d.Keyspace, d.Table)
	}
	logger.Infof("deleting components of sstable from %s.%s of generation %s that has a temporary TOC",
		d.Keyspace, d.Table, d.Generation)
	for _, c := range versionComponents(d.Version) {
		if c == ComponentTemporaryTOC {
			continue
		}
		path := d.FilenameFor(c)
		if _, err := fs.Stat(path); err != nil {
			continue
		}
		if err := fs.Remove(path); err != nil {
			return err
		}
	}
	if err := vfs.SyncDir(fs, d.Dir); err != nil {
		return err
	}
	if err := fs.Remove(d.FilenameFor(ComponentTemporaryTOC)); err != nil {
		return err
	}
	return vfs.SyncDir(fs, d.Dir)
}
