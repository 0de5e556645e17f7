// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sectorfs

import (
	"context"
	"errors"
	"fmt"

	"github.com/jacobsa/reqtrace"
	"github.com/jacobsa/sectorfs/dir"
	"github.com/jacobsa/sectorfs/inode"
)

// CreateFile creates a file of the given initial length, which reads as
// zeros. The parent directory must already exist; the final component must
// not.
func (fs *FileSystem) CreateFile(
	ctx context.Context,
	name string,
	initialLength int64) (err error) {
	_, report := reqtrace.StartSpan(ctx, "CreateFile")
	defer func() { report(err) }()

	return fs.create(name, initialLength, false)
}

// CreateDir creates an empty directory.
func (fs *FileSystem) CreateDir(ctx context.Context, name string) (err error) {
	_, report := reqtrace.StartSpan(ctx, "CreateDir")
	defer func() { report(err) }()

	return fs.create(name, 0, true)
}

func (fs *FileSystem) create(name string, length int64, isDir bool) error {
	components := splitPath(name)
	if len(components) == 0 {
		return fmt.Errorf("%w: %q", ErrExists, "/")
	}

	parent, err := fs.openParent(components)
	if err != nil {
		return err
	}
	defer parent.Close()

	s, ok := fs.freeMap.Allocate(1)
	if !ok {
		return fmt.Errorf("%w: allocating inode for %q", ErrNoSpace, name)
	}

	if err := fs.registry.Create(s, length, isDir); err != nil {
		fs.cache.Remove(s)
		fs.freeMap.Release(s, 1)
		return fmt.Errorf("initializing inode: %w", err)
	}

	base := components[len(components)-1]
	if err := parent.Add(base, s); err != nil {
		fs.cache.Remove(s)
		fs.freeMap.Release(s, 1)
		return err
	}

	getLogger().Printf("Created %q at sector %d (dir=%v)", name, s, isDir)
	return nil
}

// OpenInode opens the inode named by the path, which may be a file or a
// directory. The empty path and "/" name the root directory. The caller
// owns the returned handle.
func (fs *FileSystem) OpenInode(
	ctx context.Context,
	name string) (in *inode.Inode, err error) {
	_, report := reqtrace.StartSpan(ctx, "OpenInode")
	defer func() { report(err) }()

	return fs.openInode(name)
}

func (fs *FileSystem) openInode(name string) (*inode.Inode, error) {
	components := splitPath(name)
	if len(components) == 0 {
		return fs.registry.Open(dir.RootSector)
	}

	parent, err := fs.openParent(components)
	if err != nil {
		return nil, err
	}
	defer parent.Close()

	return parent.Lookup(components[len(components)-1])
}

// Open opens the file named by the path, rejecting directories with
// ErrIsDir. The caller owns the returned handle.
func (fs *FileSystem) Open(ctx context.Context, name string) (f *File, err error) {
	_, report := reqtrace.StartSpan(ctx, "Open")
	defer func() { report(err) }()

	in, err := fs.openInode(name)
	if err != nil {
		return nil, err
	}

	if in.IsDir() {
		in.Close()
		return nil, fmt.Errorf("%w: %q", ErrIsDir, name)
	}

	return &File{in: in}, nil
}

// Remove deletes the named file or empty directory. Open handles continue
// to work; the storage is released when the last one closes.
func (fs *FileSystem) Remove(ctx context.Context, name string) (err error) {
	_, report := reqtrace.StartSpan(ctx, "Remove")
	defer func() { report(err) }()

	components := splitPath(name)
	if len(components) == 0 {
		return errors.New("sectorfs: cannot remove the root directory")
	}

	parent, err := fs.openParent(components)
	if err != nil {
		return err
	}
	defer parent.Close()

	if err := parent.Remove(components[len(components)-1]); err != nil {
		return err
	}

	getLogger().Printf("Removed %q", name)
	return nil
}

// ReadDir lists the names in the named directory, in directory-slot order.
func (fs *FileSystem) ReadDir(
	ctx context.Context,
	name string) (names []string, err error) {
	_, report := reqtrace.StartSpan(ctx, "ReadDir")
	defer func() { report(err) }()

	in, err := fs.openInode(name)
	if err != nil {
		return nil, err
	}

	d, err := dir.Open(fs.registry, in)
	if err != nil {
		in.Close()
		return nil, err
	}
	defer d.Close()

	return d.ReadNames()
}
