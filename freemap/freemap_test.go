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

package freemap_test

import (
	"testing"

	"github.com/jacobsa/sectorfs/blockdev"
	"github.com/jacobsa/sectorfs/cache"
	"github.com/jacobsa/sectorfs/freemap"
	"github.com/jacobsa/sectorfs/inode"
	"github.com/jacobsa/timeutil"

	. "github.com/jacobsa/ogletest"
)

func TestFreeMap(t *testing.T) { RunTests(t) }

const deviceSectors = 1024

// The root directory's well-known sector, reserved alongside the
// free-map's own.
const rootSector blockdev.Sector = 1

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type FreeMapTest struct {
	dev *blockdev.MemDevice
	m   *freemap.FreeMap

	// The cache behind the registry most recently built by newRegistry.
	cache *cache.Cache
}

func init() { RegisterTestSuite(&FreeMapTest{}) }

func (t *FreeMapTest) SetUp(ti *TestInfo) {
	t.dev = blockdev.NewMemDevice(deviceSectors)
	t.m = freemap.New(deviceSectors, freemap.HomeSector, rootSector)
}

// Build a registry whose allocator is the map under test, over the shared
// device.
func (t *FreeMapTest) newRegistry(m *freemap.FreeMap) *inode.Registry {
	t.cache = cache.New(t.dev, timeutil.RealClock())
	return inode.NewRegistry(t.cache, m)
}

////////////////////////////////////////////////////////////////////////
// Test functions
////////////////////////////////////////////////////////////////////////

func (t *FreeMapTest) ReservedSectorsAreAllocated() {
	ExpectTrue(t.m.IsAllocated(freemap.HomeSector))
	ExpectTrue(t.m.IsAllocated(rootSector))
	ExpectEq(blockdev.Sector(deviceSectors-2), t.m.CountFree())
}

func (t *FreeMapTest) AllocationIsFirstFit() {
	s, ok := t.m.Allocate(1)
	AssertTrue(ok)
	ExpectEq(blockdev.Sector(2), s)

	s, ok = t.m.Allocate(1)
	AssertTrue(ok)
	ExpectEq(blockdev.Sector(3), s)
}

func (t *FreeMapTest) ReleaseMakesTheLowestSectorAvailableAgain() {
	a, _ := t.m.Allocate(1)
	b, _ := t.m.Allocate(1)
	_, _ = t.m.Allocate(1)

	t.m.Release(a, 1)
	t.m.Release(b, 1)

	s, ok := t.m.Allocate(1)
	AssertTrue(ok)
	ExpectEq(a, s)
}

func (t *FreeMapTest) ContiguousRunsSkipOccupiedGaps() {
	// Occupy sector 3, splitting the free space.
	a, _ := t.m.Allocate(1)
	b, _ := t.m.Allocate(1)
	AssertEq(blockdev.Sector(2), a)
	AssertEq(blockdev.Sector(3), b)
	t.m.Release(a, 1)

	// A run of two can't fit in the single-sector hole at 2.
	s, ok := t.m.Allocate(2)
	AssertTrue(ok)
	ExpectEq(blockdev.Sector(4), s)
}

func (t *FreeMapTest) Exhaustion() {
	for {
		if _, ok := t.m.Allocate(1); !ok {
			break
		}
	}

	ExpectEq(blockdev.Sector(0), t.m.CountFree())

	_, ok := t.m.Allocate(1)
	ExpectFalse(ok)

	// Releasing anything revives allocation.
	t.m.Release(5, 1)
	s, ok := t.m.Allocate(1)
	AssertTrue(ok)
	ExpectEq(blockdev.Sector(5), s)
}

func (t *FreeMapTest) SaveAndLoadRoundTrip() {
	reg := t.newRegistry(t.m)
	AssertEq(nil, t.m.Format(reg))

	// Scatter some allocations.
	var picked []blockdev.Sector
	for i := 0; i < 10; i++ {
		s, ok := t.m.Allocate(1)
		AssertTrue(ok)
		if i%2 == 0 {
			picked = append(picked, s)
		} else {
			t.m.Release(s, 1)
		}
	}

	AssertEq(nil, t.m.Close())

	// Push the saved bitmap out of the write-back cache, as Unmount does.
	AssertEq(nil, t.cache.Flush())

	// A fresh map loaded from the same device sees the same state.
	loaded := freemap.New(deviceSectors)
	reg2 := t.newRegistry(loaded)
	AssertEq(nil, loaded.Load(reg2))

	for _, s := range picked {
		ExpectTrue(loaded.IsAllocated(s))
	}

	ExpectTrue(loaded.IsAllocated(freemap.HomeSector))
	ExpectTrue(loaded.IsAllocated(rootSector))
	ExpectEq(t.m.CountFree(), loaded.CountFree())
}

func (t *FreeMapTest) FirstSaveAccountsForItsOwnStorage() {
	reg := t.newRegistry(t.m)
	AssertEq(nil, t.m.Format(reg))

	// Saving allocates the bitmap file's data sectors; the bitmap written
	// to disk must include those very allocations.
	AssertEq(nil, t.m.Close())
	AssertEq(nil, t.cache.Flush())

	loaded := freemap.New(deviceSectors)
	AssertEq(nil, loaded.Load(t.newRegistry(loaded)))
	ExpectEq(t.m.CountFree(), loaded.CountFree())
}
