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

// Package inode implements on-disk inodes: a multi-level sector index with
// on-demand allocation at write time, byte-granular reads and writes, and a
// registry that shares one in-memory handle among all openers of the same
// inode.
package inode

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jacobsa/sectorfs/blockdev"
	"github.com/jacobsa/sectorfs/cache"
	"github.com/jacobsa/syncutil"
)

// Magic is the sentinel stored in every inode sector, checked on open to
// catch references to sectors that never held an inode.
const Magic = 0x696e6f64

const (
	directCount   = 12
	ptrsPerSector = blockdev.SectorSize / 4

	// Byte offsets of the on-disk inode's fields within its sector. The
	// remainder of the sector, after the double-indirect slot, is zero
	// padding.
	lengthOffset         = 0
	magicOffset          = 4
	isDirOffset          = 8
	directOffset         = 12
	indirectOffset       = directOffset + 4*directCount
	doubleIndirectOffset = indirectOffset + 4
)

// MaxLength is the largest file size the index structure can address.
const MaxLength = (directCount + ptrsPerSector + ptrsPerSector*ptrsPerSector) * blockdev.SectorSize

var (
	// ErrBadMagic is returned by Open for a sector that does not hold an
	// inode.
	ErrBadMagic = errors.New("inode: bad magic")

	// ErrNoSpace is returned when the allocator cannot grant a sector needed
	// to grow a file, or when a write would exceed MaxLength.
	ErrNoSpace = errors.New("inode: no free sectors")

	// ErrWriteDenied is returned by WriteAt while the inode has outstanding
	// DenyWrite calls.
	ErrWriteDenied = errors.New("inode: writes denied")
)

// An Allocator grants and reclaims device sectors. Implemented by the
// free-map.
type Allocator interface {
	// Allocate a run of n contiguous sectors, returning the first. The
	// second return value is false when no such run exists.
	Allocate(n int) (blockdev.Sector, bool)

	// Release the run of n sectors beginning at s.
	Release(s blockdev.Sector, n int)
}

// A Registry tracks every open inode, sharing a single handle per sector.
// Its mutex is the inode-layer lock: it serializes index growth, length
// updates, and handle lifecycle for all inodes.
type Registry struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	cache *cache.Cache
	alloc Allocator

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// All inodes with at least one live handle, keyed by home sector.
	//
	// INVARIANT: For each s, inodes[s].sector == s
	// INVARIANT: For each in, in.openCount >= 1
	// INVARIANT: For each in, 0 <= in.denyWriteCount <= in.openCount
	inodes map[blockdev.Sector]*Inode // GUARDED_BY(mu)
}

// NewRegistry creates an empty registry that performs all sector I/O
// through the given cache and obtains sectors from the given allocator.
func NewRegistry(c *cache.Cache, alloc Allocator) *Registry {
	r := &Registry{
		cache:  c,
		alloc:  alloc,
		inodes: make(map[blockdev.Sector]*Inode),
	}

	r.mu = syncutil.NewInvariantMutex(r.checkInvariants)
	return r
}

func (r *Registry) checkInvariants() {
	for s, in := range r.inodes {
		// INVARIANT: For each s, inodes[s].sector == s
		if in.sector != s {
			panic(fmt.Sprintf("Inode for sector %d claims sector %d", s, in.sector))
		}

		// INVARIANT: For each in, in.openCount >= 1
		if in.openCount < 1 {
			panic(fmt.Sprintf("Registered inode %d has open count %d", s, in.openCount))
		}

		// INVARIANT: For each in, 0 <= in.denyWriteCount <= in.openCount
		if in.denyWriteCount < 0 || in.denyWriteCount > in.openCount {
			panic(fmt.Sprintf(
				"Inode %d: deny count %d vs. open count %d",
				s, in.denyWriteCount, in.openCount))
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Index slot I/O
////////////////////////////////////////////////////////////////////////

// Read the 32-bit index stored at byte offset off within sector s.
func (r *Registry) readIndex(s blockdev.Sector, off int) (blockdev.Sector, error) {
	var buf [4]byte
	if err := r.cache.Read(s, buf[:], off, 4); err != nil {
		return 0, err
	}

	return blockdev.Sector(binary.LittleEndian.Uint32(buf[:])), nil
}

// Write the 32-bit index v at byte offset off within sector s.
func (r *Registry) writeIndex(s blockdev.Sector, off int, v blockdev.Sector) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return r.cache.Write(s, buf[:], off, 4)
}

// Read the index at the given slot, allocating a fresh zero-filled sector
// into the slot first if it is empty and alloc is set. Returns zero for an
// empty slot when not allocating.
//
// LOCKS_REQUIRED(r.mu)
func (r *Registry) lookupSlot(s blockdev.Sector, off int, alloc bool) (blockdev.Sector, error) {
	v, err := r.readIndex(s, off)
	if err != nil || v != 0 || !alloc {
		return v, err
	}

	ns, ok := r.alloc.Allocate(1)
	if !ok {
		return 0, ErrNoSpace
	}

	if err := r.cache.Create(ns); err != nil {
		r.alloc.Release(ns, 1)
		return 0, err
	}

	if err := r.writeIndex(s, off, ns); err != nil {
		r.cache.Remove(ns)
		r.alloc.Release(ns, 1)
		return 0, err
	}

	return ns, nil
}

////////////////////////////////////////////////////////////////////////
// Lifecycle
////////////////////////////////////////////////////////////////////////

// Create initializes the sector s as an inode with the given length and
// kind. No data sectors are allocated; writes allocate them on demand, and
// reads below the length treat missing sectors as runs of zeros.
//
// REQUIRES: 0 <= length <= MaxLength
func (r *Registry) Create(s blockdev.Sector, length int64, isDir bool) error {
	if length < 0 || length > MaxLength {
		panic(fmt.Sprintf("Create: bad length %d", length))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Start from a zero-filled slot, then fill in the header. The index
	// slots are all zero, i.e. unallocated.
	if err := r.cache.Create(s); err != nil {
		return err
	}

	var hdr [directOffset]byte
	binary.LittleEndian.PutUint32(hdr[lengthOffset:], uint32(length))
	binary.LittleEndian.PutUint32(hdr[magicOffset:], Magic)
	if isDir {
		binary.LittleEndian.PutUint32(hdr[isDirOffset:], 1)
	}

	return r.cache.Write(s, hdr[:], 0, len(hdr))
}

// Open returns a handle to the inode at sector s, sharing the existing
// in-memory handle if the inode is already open.
func (r *Registry) Open(s blockdev.Sector) (*Inode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if in, ok := r.inodes[s]; ok {
		in.openCount++
		return in, nil
	}

	magic, err := r.readIndex(s, magicOffset)
	if err != nil {
		return nil, err
	}

	if magic != Magic {
		return nil, fmt.Errorf("%w: sector %d", ErrBadMagic, s)
	}

	isDir, err := r.readIndex(s, isDirOffset)
	if err != nil {
		return nil, err
	}

	in := &Inode{
		registry:  r,
		sector:    s,
		isDir:     isDir != 0,
		openCount: 1,
	}

	r.inodes[s] = in
	return in, nil
}

////////////////////////////////////////////////////////////////////////
// Storage release
////////////////////////////////////////////////////////////////////////

// Release every sector reachable from the inode at s, and s itself,
// purging each from the cache so that its stale contents are never written
// back over a reallocated sector.
//
// LOCKS_REQUIRED(r.mu)
func (r *Registry) releaseStorage(s blockdev.Sector) error {
	for i := 0; i < directCount; i++ {
		v, err := r.readIndex(s, directOffset+4*i)
		if err != nil {
			return err
		}

		if v != 0 {
			r.freeSector(v)
		}
	}

	ind, err := r.readIndex(s, indirectOffset)
	if err != nil {
		return err
	}

	if ind != 0 {
		if err := r.releaseIndirect(ind); err != nil {
			return err
		}
	}

	dbl, err := r.readIndex(s, doubleIndirectOffset)
	if err != nil {
		return err
	}

	if dbl != 0 {
		for i := 0; i < ptrsPerSector; i++ {
			l1, err := r.readIndex(dbl, 4*i)
			if err != nil {
				return err
			}

			if l1 != 0 {
				if err := r.releaseIndirect(l1); err != nil {
					return err
				}
			}
		}

		r.freeSector(dbl)
	}

	r.freeSector(s)
	return nil
}

// Release an indirect sector and every data sector it points at.
//
// LOCKS_REQUIRED(r.mu)
func (r *Registry) releaseIndirect(s blockdev.Sector) error {
	for j := 0; j < ptrsPerSector; j++ {
		v, err := r.readIndex(s, 4*j)
		if err != nil {
			return err
		}

		if v != 0 {
			r.freeSector(v)
		}
	}

	r.freeSector(s)
	return nil
}

// LOCKS_REQUIRED(r.mu)
func (r *Registry) freeSector(s blockdev.Sector) {
	r.cache.Remove(s)
	r.alloc.Release(s, 1)
}
