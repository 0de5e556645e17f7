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

// Package freemap tracks which device sectors are allocated, as a bitmap
// persisted in a file whose inode lives at a well-known sector.
package freemap

import (
	"fmt"
	"sync"

	"github.com/jacobsa/sectorfs/blockdev"
	"github.com/jacobsa/sectorfs/inode"
)

// HomeSector is the well-known sector holding the free-map file's inode.
const HomeSector blockdev.Sector = 0

// A FreeMap is a bitmap with one bit per device sector; a set bit means
// allocated. Allocation is first-fit. All methods are safe for concurrent
// use.
//
// The map satisfies inode.Allocator; because the inode layer calls
// Allocate and Release with the registry's lock held, the map never calls
// into the inode layer while holding its own mutex.
type FreeMap struct {
	mu sync.Mutex

	// One bit per sector, sector i at bits[i/8] bit i%8.
	//
	// INVARIANT: len(bits) == (int(count)+7)/8
	bits []byte // GUARDED_BY(mu)

	// Bumped on every bitmap mutation; lets Save detect allocations that
	// happen while it is writing.
	gen uint64 // GUARDED_BY(mu)

	count blockdev.Sector

	// The open free-map file, from Format or Load until Close.
	file *inode.Inode
}

var _ inode.Allocator = &FreeMap{}

// New creates an in-memory map for a device with the given number of
// sectors, with the listed well-known sectors pre-marked allocated.
func New(count blockdev.Sector, reserved ...blockdev.Sector) *FreeMap {
	m := &FreeMap{
		bits:  make([]byte, (int(count)+7)/8),
		count: count,
	}

	for _, s := range reserved {
		m.set(s)
	}

	return m
}

////////////////////////////////////////////////////////////////////////
// Bit twiddling
////////////////////////////////////////////////////////////////////////

// LOCKS_REQUIRED(m.mu) (or construction)
func (m *FreeMap) set(s blockdev.Sector) {
	m.checkSector(s)
	m.bits[s/8] |= 1 << (s % 8)
}

// LOCKS_REQUIRED(m.mu)
func (m *FreeMap) clear(s blockdev.Sector) {
	m.checkSector(s)
	m.bits[s/8] &^= 1 << (s % 8)
}

// LOCKS_REQUIRED(m.mu)
func (m *FreeMap) isSet(s blockdev.Sector) bool {
	m.checkSector(s)
	return m.bits[s/8]&(1<<(s%8)) != 0
}

func (m *FreeMap) checkSector(s blockdev.Sector) {
	if s >= m.count {
		panic(fmt.Sprintf("Sector out of range: %d", s))
	}
}

////////////////////////////////////////////////////////////////////////
// Allocation
////////////////////////////////////////////////////////////////////////

// Allocate finds the first run of n consecutive free sectors, marks it
// allocated, and returns its first sector. Returns false when the device
// has no such run. The file system core only ever asks for n == 1.
func (m *FreeMap) Allocate(n int) (blockdev.Sector, bool) {
	if n <= 0 {
		panic(fmt.Sprintf("Allocate: bad count %d", n))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	run := 0
	for s := blockdev.Sector(0); s < m.count; s++ {
		if m.isSet(s) {
			run = 0
			continue
		}

		run++
		if run == n {
			first := s - blockdev.Sector(n-1)
			for t := first; t <= s; t++ {
				m.set(t)
			}

			m.gen++
			return first, true
		}
	}

	return 0, false
}

// Release marks the run of n sectors beginning at s free.
func (m *FreeMap) Release(s blockdev.Sector, n int) {
	if n <= 0 {
		panic(fmt.Sprintf("Release: bad count %d", n))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for t := s; t < s+blockdev.Sector(n); t++ {
		if !m.isSet(t) {
			panic(fmt.Sprintf("Release of free sector %d", t))
		}

		m.clear(t)
	}

	m.gen++
}

// IsAllocated reports whether the given sector is marked allocated.
func (m *FreeMap) IsAllocated(s blockdev.Sector) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.isSet(s)
}

// CountFree returns the number of free sectors.
func (m *FreeMap) CountFree() (n blockdev.Sector) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for s := blockdev.Sector(0); s < m.count; s++ {
		if !m.isSet(s) {
			n++
		}
	}

	return
}

////////////////////////////////////////////////////////////////////////
// Persistence
////////////////////////////////////////////////////////////////////////

// Format creates the free-map file's inode at HomeSector and opens it.
// The bitmap itself is written into the file on Save. Like all inode I/O,
// that write goes through the registry's write-back cache and reaches the
// device only when the cache is flushed.
func (m *FreeMap) Format(reg *inode.Registry) error {
	if err := reg.Create(HomeSector, int64(len(m.bits)), false); err != nil {
		return fmt.Errorf("creating free-map inode: %w", err)
	}

	return m.open(reg)
}

// Load opens the free-map file and replaces the in-memory bitmap with its
// contents.
func (m *FreeMap) Load(reg *inode.Registry) error {
	if err := m.open(reg); err != nil {
		return err
	}

	buf := make([]byte, len(m.bits))
	if _, err := m.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("reading free map: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	copy(m.bits, buf)
	m.gen++
	return nil
}

func (m *FreeMap) open(reg *inode.Registry) error {
	if m.file != nil {
		panic("Free map is already open.")
	}

	in, err := reg.Open(HomeSector)
	if err != nil {
		return fmt.Errorf("opening free-map inode: %w", err)
	}

	m.file = in
	return nil
}

// Save writes the bitmap to its file. The first save of a fresh map
// allocates the file's data sectors, mutating the very bitmap being
// written, so the write repeats until a pass completes with no concurrent
// mutation.
func (m *FreeMap) Save() error {
	if m.file == nil {
		panic("Save before Format or Load.")
	}

	for {
		m.mu.Lock()
		snapshot := append([]byte(nil), m.bits...)
		gen := m.gen
		m.mu.Unlock()

		if _, err := m.file.WriteAt(snapshot, 0); err != nil {
			return fmt.Errorf("writing free map: %w", err)
		}

		m.mu.Lock()
		stable := gen == m.gen
		m.mu.Unlock()

		if stable {
			return nil
		}
	}
}

// Close saves the bitmap and drops the free-map file handle.
func (m *FreeMap) Close() error {
	if m.file == nil {
		return nil
	}

	if err := m.Save(); err != nil {
		return err
	}

	err := m.file.Close()
	m.file = nil
	return err
}
