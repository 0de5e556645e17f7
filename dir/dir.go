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

// Package dir implements directories: inodes whose contents are an array
// of fixed-width name-to-inode entries.
package dir

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jacobsa/sectorfs/blockdev"
	"github.com/jacobsa/sectorfs/inode"
)

// RootSector is the well-known sector holding the root directory's inode.
const RootSector blockdev.Sector = 1

// NameMax is the longest entry name, in bytes.
const NameMax = 14

// On-disk entry layout: inode sector (4 bytes), NUL-padded name (NameMax+1
// bytes), in-use flag (1 byte).
const (
	entrySectorOffset = 0
	entryNameOffset   = 4
	entryInUseOffset  = entryNameOffset + NameMax + 1
	entrySize         = entryInUseOffset + 1
)

var (
	// ErrExists is returned by Add when the name is already present.
	ErrExists = errors.New("dir: name already exists")

	// ErrNoEntry is returned when a name is not present.
	ErrNoEntry = errors.New("dir: no such entry")

	// ErrNotEmpty is returned by Remove for a directory that still has
	// entries.
	ErrNotEmpty = errors.New("dir: directory not empty")

	// ErrNameTooLong is returned for names longer than NameMax bytes.
	ErrNameTooLong = errors.New("dir: name too long")

	// ErrNotDir is returned by Open for an inode that is not a directory.
	ErrNotDir = errors.New("dir: not a directory")

	// ErrRemoved is returned by Add on a directory that has been removed.
	ErrRemoved = errors.New("dir: directory removed")
)

type entry struct {
	sector blockdev.Sector
	name   string
	inUse  bool
}

// A Directory wraps a directory inode. It takes ownership of the handle
// given to Open; Close releases it.
//
// Mutations and scans hold the inode's directory lock, so concurrent Add
// calls for the same name race safely: exactly one wins.
type Directory struct {
	reg *inode.Registry
	in  *inode.Inode
}

// Format writes an empty root directory at RootSector.
func Format(reg *inode.Registry) error {
	return reg.Create(RootSector, 0, true)
}

// Open wraps the given directory inode, taking ownership of the handle.
func Open(reg *inode.Registry, in *inode.Inode) (*Directory, error) {
	if in == nil {
		panic("Open with nil inode.")
	}

	if !in.IsDir() {
		return nil, fmt.Errorf("%w: sector %d", ErrNotDir, in.Sector())
	}

	return &Directory{reg: reg, in: in}, nil
}

// OpenRoot opens the root directory.
func OpenRoot(reg *inode.Registry) (*Directory, error) {
	in, err := reg.Open(RootSector)
	if err != nil {
		return nil, fmt.Errorf("opening root inode: %w", err)
	}

	d, err := Open(reg, in)
	if err != nil {
		in.Close()
		return nil, err
	}

	return d, nil
}

// Inode returns the underlying directory inode, still owned by the
// Directory.
func (d *Directory) Inode() *inode.Inode {
	return d.in
}

// Close releases the directory's inode handle.
func (d *Directory) Close() error {
	return d.in.Close()
}

////////////////////////////////////////////////////////////////////////
// Entry I/O
////////////////////////////////////////////////////////////////////////

func checkName(name string) error {
	if name == "" || strings.ContainsRune(name, '/') {
		panic(fmt.Sprintf("Bad entry name: %q", name))
	}

	if len(name) > NameMax {
		return fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}

	return nil
}

// Read the i'th entry of the directory inode in. ok is false at the end of
// the directory.
func readEntry(in *inode.Inode, i int) (e entry, ok bool, err error) {
	var buf [entrySize]byte
	n, err := in.ReadAt(buf[:], int64(i)*entrySize)
	if err != nil && err != io.EOF {
		return entry{}, false, err
	}

	if n < entrySize {
		// A trailing partial record cannot occur: entries are only ever
		// written whole. Treat the end of the file as the end of the table.
		return entry{}, false, nil
	}

	e = entry{
		sector: blockdev.Sector(binary.LittleEndian.Uint32(buf[entrySectorOffset:])),
		inUse:  buf[entryInUseOffset] != 0,
	}

	nameField := buf[entryNameOffset : entryNameOffset+NameMax+1]
	if i := bytes.IndexByte(nameField, 0); i >= 0 {
		nameField = nameField[:i]
	}
	e.name = string(nameField)

	return e, true, nil
}

// Write the i'th entry, growing the directory file if i is one past the
// current last entry.
func writeEntry(in *inode.Inode, i int, e entry) error {
	var buf [entrySize]byte
	binary.LittleEndian.PutUint32(buf[entrySectorOffset:], uint32(e.sector))
	copy(buf[entryNameOffset:entryNameOffset+NameMax], e.name)
	if e.inUse {
		buf[entryInUseOffset] = 1
	}

	_, err := in.WriteAt(buf[:], int64(i)*entrySize)
	return err
}

// Find the in-use entry with the given name. Returns its index, or ok
// false.
//
// LOCKS_REQUIRED(d.in)
func (d *Directory) scan(name string) (e entry, index int, ok bool, err error) {
	for i := 0; ; i++ {
		e, present, err := readEntry(d.in, i)
		if err != nil {
			return entry{}, 0, false, err
		}

		if !present {
			return entry{}, 0, false, nil
		}

		if e.inUse && e.name == name {
			return e, i, true, nil
		}
	}
}

// LOCKS_REQUIRED(in)
func isEmpty(in *inode.Inode) (bool, error) {
	for i := 0; ; i++ {
		e, present, err := readEntry(in, i)
		if err != nil {
			return false, err
		}

		if !present {
			return true, nil
		}

		if e.inUse {
			return false, nil
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Operations
////////////////////////////////////////////////////////////////////////

// Lookup opens the inode named by the given entry. The caller owns the
// returned handle.
func (d *Directory) Lookup(name string) (*inode.Inode, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}

	d.in.Lock()
	defer d.in.Unlock()

	e, _, ok, err := d.scan(name)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoEntry, name)
	}

	return d.reg.Open(e.sector)
}

// Add records the given name as referring to the inode at sector s, using
// the first unused slot or appending a new one. Fails with ErrExists for a
// duplicate name and ErrRemoved once the directory has been removed.
func (d *Directory) Add(name string, s blockdev.Sector) error {
	if err := checkName(name); err != nil {
		return err
	}

	d.in.Lock()
	defer d.in.Unlock()

	// A removed directory must not pick up new entries; they would never be
	// reachable again and their sectors would leak.
	if d.in.Removed() {
		return ErrRemoved
	}

	free := -1
	for i := 0; ; i++ {
		e, present, err := readEntry(d.in, i)
		if err != nil {
			return err
		}

		if !present {
			if free == -1 {
				free = i
			}
			break
		}

		if e.inUse {
			if e.name == name {
				return fmt.Errorf("%w: %q", ErrExists, name)
			}
		} else if free == -1 {
			free = i
		}
	}

	return writeEntry(d.in, free, entry{sector: s, name: name, inUse: true})
}

// Remove deletes the entry with the given name and marks its inode
// removed, so that its storage is released when the last handle closes.
// A directory entry may only be removed while the directory it names is
// empty.
func (d *Directory) Remove(name string) error {
	if err := checkName(name); err != nil {
		return err
	}

	d.in.Lock()
	defer d.in.Unlock()

	e, index, ok, err := d.scan(name)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%w: %q", ErrNoEntry, name)
	}

	t, err := d.reg.Open(e.sector)
	if err != nil {
		return err
	}

	if t.IsDir() {
		// Lock the child so that no entry sneaks in between the emptiness
		// check and the removal. Locks only ever nest parent before child,
		// so this cannot deadlock.
		t.Lock()
		empty, err := isEmpty(t)
		if err != nil || !empty {
			t.Unlock()
			t.Close()
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: %q", ErrNotEmpty, name)
		}

		t.Remove()
		t.Unlock()
	} else {
		t.Remove()
	}

	if err := writeEntry(d.in, index, entry{}); err != nil {
		t.Close()
		return err
	}

	return t.Close()
}

// ReadNames lists the directory's in-use entry names, in slot order.
func (d *Directory) ReadNames() ([]string, error) {
	d.in.Lock()
	defer d.in.Unlock()

	var names []string
	for i := 0; ; i++ {
		e, present, err := readEntry(d.in, i)
		if err != nil {
			return nil, err
		}

		if !present {
			return names, nil
		}

		if e.inUse {
			names = append(names, e.name)
		}
	}
}
