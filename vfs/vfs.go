// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package vfs provides the filesystem surface the sstable engine needs:
// exclusive creation, random-access reads, hard links, renames, and syncable
// files and directories. The Default implementation uses the operating
// system; MemFS provides a hermetic in-memory implementation for tests.
package vfs

import (
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// File is a readable, writable, syncable file.
type File interface {
	io.Closer
	io.Reader
	io.ReaderAt
	io.Writer
	Stat() (os.FileInfo, error)
	Sync() error
}

// FS is a namespace of files.
type FS interface {
	// Create creates the named file for writing, truncating it if it exists.
	Create(name string) (File, error)

	// CreateExclusive creates the named file for writing, failing if it
	// already exists. Component files are always created exclusively so two
	// writers racing on one generation fail fast.
	CreateExclusive(name string) (File, error)

	// Open opens the named file for reading.
	Open(name string) (File, error)

	// OpenDir opens the named directory for syncing.
	OpenDir(name string) (File, error)

	// Link creates newname as a hard link to oldname.
	Link(oldname, newname string) error

	// Rename atomically renames a file.
	Rename(oldname, newname string) error

	// Remove removes the named file.
	Remove(name string) error

	// MkdirAll creates a directory and any necessary parents.
	MkdirAll(dir string, perm os.FileMode) error

	// List returns the names of the entries of dir.
	List(dir string) ([]string, error)

	// Stat returns info for the named file.
	Stat(name string) (os.FileInfo, error)

	// PathJoin joins path elements.
	PathJoin(elem ...string) string

	// PathBase returns the last element of path.
	PathBase(path string) string

	// PathDir returns all but the last element of path.
	PathDir(path string) string
}

// Default is an FS backed by the underlying operating system.
var Default FS = defaultFS{}

type defaultFS struct{}

func (defaultFS) Create(name string) (File, error) {
	return os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

func (defaultFS) CreateExclusive(name string) (File, error) {
	return os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
}

func (defaultFS) Open(name string) (File, error) {
	return os.Open(name)
}

func (defaultFS) OpenDir(name string) (File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return &dirFile{f}, nil
}

func (defaultFS) Link(oldname, newname string) error {
	return os.Link(oldname, newname)
}

func (defaultFS) Rename(oldname, newname string) error {
	return os.Rename(oldname, newname)
}

func (defaultFS) Remove(name string) error {
	return os.Remove(name)
}

func (defaultFS) MkdirAll(dir string, perm os.FileMode) error {
	return os.MkdirAll(dir, perm)
}

func (defaultFS) List(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (defaultFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

func (defaultFS) PathJoin(elem ...string) string { return filepath.Join(elem...) }
func (defaultFS) PathBase(path string) string    { return filepath.Base(path) }
func (defaultFS) PathDir(path string) string     { return filepath.Dir(path) }

// dirFile syncs a directory file descriptor. Some filesystems reject
// fsync on O_RDONLY directory handles through the portable path, so the
// fsync goes straight to the fd.
type dirFile struct {
	*os.File
}

func (d *dirFile) Sync() error {
	return unix.Fsync(int(d.Fd()))
}

// SyncDir opens, syncs and closes a directory. Directory entries added or
// removed are only durable after the parent directory has been synced.
func SyncDir(fs FS, dir string) error {
	d, err := fs.OpenDir(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}

// ErrExist is returned by CreateExclusive when the target already exists.
var ErrExist = os.ErrExist

// IsNotExist returns true if err indicates a missing file.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
