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

// Package cache implements the write-back buffer cache through which every
// sector access flows. The cache holds a bounded number of sector-sized
// slots, replaces the least recently used slot when full, and defers disk
// writes until eviction or an explicit flush.
package cache

import (
	"container/list"
	"fmt"
	"time"

	"github.com/jacobsa/sectorfs/blockdev"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
)

// Capacity is the maximum number of slots a Cache holds.
const Capacity = 64

// A single cached sector.
type slot struct {
	sector blockdev.Sector
	data   [blockdev.SectorSize]byte

	// Does data differ from the on-disk contents of the sector?
	dirty bool

	// The time at which dirty last transitioned from false to true.
	// Meaningless while !dirty.
	dirtyAt time.Time
}

// Stats describes the cumulative behavior of a Cache.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	WriteBacks uint64
}

// A Cache mediates all sector I/O against a device. All methods are safe
// for concurrent use.
//
// The sole caller of the device is the cache; higher layers must never
// touch the device directly, or they will read stale data.
type Cache struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	dev   blockdev.Device
	clock timeutil.Clock

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// Slots ordered by recency of use, front = most recent. Element values
	// are *slot.
	//
	// INVARIANT: lru.Len() <= Capacity
	// INVARIANT: lru.Len() == len(index)
	lru *list.List // GUARDED_BY(mu)

	// One entry per cached sector.
	//
	// INVARIANT: For each s, index[s].Value.(*slot).sector == s
	index map[blockdev.Sector]*list.Element // GUARDED_BY(mu)

	stats Stats // GUARDED_BY(mu)
}

// New creates an empty cache over the given device. The clock is consulted
// when slots become dirty, supporting age-based write-behind.
func New(dev blockdev.Device, clock timeutil.Clock) *Cache {
	c := &Cache{
		dev:   dev,
		clock: clock,
		lru:   list.New(),
		index: make(map[blockdev.Sector]*list.Element),
	}

	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)
	return c
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (c *Cache) checkInvariants() {
	// INVARIANT: lru.Len() <= Capacity
	if c.lru.Len() > Capacity {
		panic(fmt.Sprintf("Too many slots: %d", c.lru.Len()))
	}

	// INVARIANT: lru.Len() == len(index)
	if c.lru.Len() != len(c.index) {
		panic(fmt.Sprintf("List/index mismatch: %d vs. %d", c.lru.Len(), len(c.index)))
	}

	// INVARIANT: For each s, index[s].Value.(*slot).sector == s
	for s, e := range c.index {
		if e.Value.(*slot).sector != s {
			panic(fmt.Sprintf("Slot for sector %d claims sector %d", s, e.Value.(*slot).sector))
		}
	}
}

func checkRange(off, n int) {
	if n < 0 || off < 0 || off+n > blockdev.SectorSize {
		panic(fmt.Sprintf("Bad sector range: [%d, %d)", off, off+n))
	}
}

// Find the slot for the given sector, loading it from disk if load is set
// (and zero-filling it otherwise), then move it to the front of the LRU
// list. Evicts the least recently used slot when the cache is full.
//
// LOCKS_REQUIRED(c.mu)
func (c *Cache) getSlot(sector blockdev.Sector, load bool) (*slot, error) {
	if e, ok := c.index[sector]; ok {
		c.stats.Hits++
		c.lru.MoveToFront(e)
		return e.Value.(*slot), nil
	}

	c.stats.Misses++
	if err := c.makeRoom(); err != nil {
		return nil, err
	}

	sl := &slot{sector: sector}
	if load {
		if err := c.dev.ReadSector(sector, sl.data[:]); err != nil {
			return nil, fmt.Errorf("ReadSector: %w", err)
		}
	}

	c.index[sector] = c.lru.PushFront(sl)
	return sl, nil
}

// Ensure there is room for one more slot, evicting the least recently used
// slot if necessary.
//
// LOCKS_REQUIRED(c.mu)
func (c *Cache) makeRoom() error {
	if c.lru.Len() < Capacity {
		return nil
	}

	e := c.lru.Back()
	sl := e.Value.(*slot)

	if sl.dirty {
		if err := c.writeBack(sl); err != nil {
			return err
		}
	}

	c.stats.Evictions++
	c.lru.Remove(e)
	delete(c.index, sl.sector)
	return nil
}

// LOCKS_REQUIRED(c.mu)
func (c *Cache) writeBack(sl *slot) error {
	if err := c.dev.WriteSector(sl.sector, sl.data[:]); err != nil {
		return fmt.Errorf("WriteSector: %w", err)
	}

	c.stats.WriteBacks++
	sl.dirty = false
	return nil
}

// Write back every dirty slot for which keep returns true, clearing its
// dirty bit. Slots stay cached and their LRU positions are unchanged.
//
// LOCKS_REQUIRED(c.mu)
func (c *Cache) flushSlots(keep func(*slot) bool) error {
	for e := c.lru.Front(); e != nil; e = e.Next() {
		sl := e.Value.(*slot)
		if sl.dirty && keep(sl) {
			if err := c.writeBack(sl); err != nil {
				return err
			}
		}
	}

	return nil
}

////////////////////////////////////////////////////////////////////////
// Public interface
////////////////////////////////////////////////////////////////////////

// Read copies the bytes [off, off+n) of the given sector into dst, loading
// the sector from disk if it is not cached.
//
// REQUIRES: off+n <= blockdev.SectorSize
// REQUIRES: len(dst) >= n
func (c *Cache) Read(sector blockdev.Sector, dst []byte, off, n int) error {
	checkRange(off, n)
	if n == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sl, err := c.getSlot(sector, true)
	if err != nil {
		return err
	}

	copy(dst[:n], sl.data[off:off+n])
	return nil
}

// Write copies src into the bytes [off, off+n) of the given sector, loading
// the sector from disk first if it is not cached, and marks the slot dirty.
//
// REQUIRES: off+n <= blockdev.SectorSize
// REQUIRES: len(src) >= n
func (c *Cache) Write(sector blockdev.Sector, src []byte, off, n int) error {
	checkRange(off, n)
	if n == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sl, err := c.getSlot(sector, true)
	if err != nil {
		return err
	}

	copy(sl.data[off:off+n], src[:n])
	if !sl.dirty {
		sl.dirty = true
		sl.dirtyAt = c.clock.Now()
	}

	return nil
}

// Create installs a fresh zero-filled slot for a newly allocated sector,
// without reading the sector's garbage contents from disk. The slot is
// dirty: the zeros must eventually reach the disk.
func (c *Cache) Create(sector blockdev.Sector) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sl, err := c.getSlot(sector, false)
	if err != nil {
		return err
	}

	for i := range sl.data {
		sl.data[i] = 0
	}

	sl.dirty = true
	sl.dirtyAt = c.clock.Now()
	return nil
}

// Remove discards the slot for a sector that is being freed, without
// writing it back. The sector's contents are garbage about to be reused;
// flushing them would be wasted I/O at best.
func (c *Cache) Remove(sector blockdev.Sector) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.index[sector]; ok {
		c.lru.Remove(e)
		delete(c.index, sector)
	}
}

// Flush writes every dirty slot to disk, clearing dirty bits. Slots remain
// cached. Flushing twice in a row without intervening writes performs no
// I/O the second time.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.flushSlots(func(*slot) bool { return true })
}

// FlushOlderThan writes back only the slots that have been dirty for at
// least the given age, per the cache's clock. Used by the write-behind
// flusher so that hot sectors are not rewritten on every pass.
func (c *Cache) FlushOlderThan(age time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.clock.Now().Add(-age)
	return c.flushSlots(func(sl *slot) bool {
		return !sl.dirtyAt.After(cutoff)
	})
}

// Close flushes all dirty slots and then discards every slot. The cache
// must not be used afterward.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.flushSlots(func(*slot) bool { return true }); err != nil {
		return err
	}

	c.lru.Init()
	c.index = make(map[blockdev.Sector]*list.Element)
	return nil
}

// Stats returns a snapshot of the cache's cumulative counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stats
}
