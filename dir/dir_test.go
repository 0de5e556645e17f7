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

package dir_test

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/jacobsa/sectorfs/blockdev"
	"github.com/jacobsa/sectorfs/cache"
	"github.com/jacobsa/sectorfs/dir"
	"github.com/jacobsa/sectorfs/inode"
	"github.com/jacobsa/timeutil"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
)

func TestDir(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// A sequential allocator; see the inode package's tests for the idea.
type stackAllocator struct {
	mu        sync.Mutex
	next      blockdev.Sector
	allocated map[blockdev.Sector]bool
}

func (a *stackAllocator) Allocate(n int) (blockdev.Sector, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.next
	a.next += blockdev.Sector(n)
	for t := s; t < s+blockdev.Sector(n); t++ {
		a.allocated[t] = true
	}

	return s, true
}

func (a *stackAllocator) Release(s blockdev.Sector, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for t := s; t < s+blockdev.Sector(n); t++ {
		delete(a.allocated, t)
	}
}

func (a *stackAllocator) outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.allocated)
}

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type DirTest struct {
	alloc    *stackAllocator
	registry *inode.Registry
	root     *dir.Directory
}

func init() { RegisterTestSuite(&DirTest{}) }

func (t *DirTest) SetUp(ti *TestInfo) {
	dev := blockdev.NewMemDevice(4096)
	t.alloc = &stackAllocator{
		next:      dir.RootSector + 1,
		allocated: map[blockdev.Sector]bool{dir.RootSector: true},
	}
	t.registry = inode.NewRegistry(cache.New(dev, timeutil.RealClock()), t.alloc)

	AssertEq(nil, dir.Format(t.registry))

	var err error
	t.root, err = dir.OpenRoot(t.registry)
	AssertEq(nil, err)
}

func (t *DirTest) TearDown() {
	AssertEq(nil, t.root.Close())
}

// Create a file inode on a fresh sector and return the sector.
func (t *DirTest) newFileSector() blockdev.Sector {
	s, ok := t.alloc.Allocate(1)
	AssertTrue(ok)
	AssertEq(nil, t.registry.Create(s, 0, false))
	return s
}

// Create a directory inode on a fresh sector and return the sector.
func (t *DirTest) newDirSector() blockdev.Sector {
	s, ok := t.alloc.Allocate(1)
	AssertTrue(ok)
	AssertEq(nil, t.registry.Create(s, 0, true))
	return s
}

////////////////////////////////////////////////////////////////////////
// Test functions
////////////////////////////////////////////////////////////////////////

func (t *DirTest) EmptyDirectoryHasNoNames() {
	names, err := t.root.ReadNames()
	AssertEq(nil, err)
	ExpectThat(names, ElementsAre())
}

func (t *DirTest) AddThenLookup() {
	s := t.newFileSector()
	AssertEq(nil, t.root.Add("taco", s))

	in, err := t.root.Lookup("taco")
	AssertEq(nil, err)
	defer in.Close()

	ExpectEq(s, in.Sector())
	ExpectFalse(in.IsDir())
}

func (t *DirTest) LookupOfMissingName() {
	_, err := t.root.Lookup("burrito")
	ExpectTrue(errors.Is(err, dir.ErrNoEntry))
}

func (t *DirTest) AddDuplicateName() {
	AssertEq(nil, t.root.Add("taco", t.newFileSector()))

	err := t.root.Add("taco", t.newFileSector())
	ExpectTrue(errors.Is(err, dir.ErrExists))
}

func (t *DirTest) NameAtTheLengthLimit() {
	name := strings.Repeat("a", dir.NameMax)
	AssertEq(nil, t.root.Add(name, t.newFileSector()))

	in, err := t.root.Lookup(name)
	AssertEq(nil, err)
	in.Close()
}

func (t *DirTest) NameBeyondTheLengthLimit() {
	name := strings.Repeat("a", dir.NameMax+1)

	err := t.root.Add(name, t.newFileSector())
	ExpectTrue(errors.Is(err, dir.ErrNameTooLong))

	_, err = t.root.Lookup(name)
	ExpectTrue(errors.Is(err, dir.ErrNameTooLong))
}

func (t *DirTest) RemoveThenLookup() {
	AssertEq(nil, t.root.Add("taco", t.newFileSector()))
	AssertEq(nil, t.root.Remove("taco"))

	_, err := t.root.Lookup("taco")
	ExpectTrue(errors.Is(err, dir.ErrNoEntry))
}

func (t *DirTest) RemoveOfMissingName() {
	err := t.root.Remove("nope")
	ExpectTrue(errors.Is(err, dir.ErrNoEntry))
}

func (t *DirTest) RemoveReleasesStorageOnLastClose() {
	s := t.newFileSector()
	AssertEq(nil, t.root.Add("taco", s))

	in, err := t.root.Lookup("taco")
	AssertEq(nil, err)

	if _, err := in.WriteAt([]byte("some data"), 0); err != nil {
		AddFailure("WriteAt: %v", err)
	}

	before := t.alloc.outstanding()
	AssertEq(nil, t.root.Remove("taco"))

	// The open handle holds the storage; closing it frees the inode and
	// data sectors both.
	ExpectEq(before, t.alloc.outstanding())
	AssertEq(nil, in.Close())
	ExpectLt(t.alloc.outstanding(), before)
	ExpectFalse(t.alloc.allocated[s])
}

func (t *DirTest) RemovedSlotIsReused() {
	AssertEq(nil, t.root.Add("a", t.newFileSector()))
	AssertEq(nil, t.root.Add("b", t.newFileSector()))
	AssertEq(nil, t.root.Remove("a"))

	lengthBefore := t.root.Inode().Length()
	AssertEq(nil, t.root.Add("c", t.newFileSector()))

	// "c" lands in "a"'s old slot, so the directory file did not grow and
	// "c" lists first.
	ExpectEq(lengthBefore, t.root.Inode().Length())

	names, err := t.root.ReadNames()
	AssertEq(nil, err)
	ExpectThat(names, ElementsAre("c", "b"))
}

func (t *DirTest) RemoveOfNonEmptyDirectory() {
	ds := t.newDirSector()
	AssertEq(nil, t.root.Add("d", ds))

	// Populate the child.
	child, err := t.root.Lookup("d")
	AssertEq(nil, err)

	d, err := dir.Open(t.registry, child)
	AssertEq(nil, err)
	AssertEq(nil, d.Add("f", t.newFileSector()))

	err = t.root.Remove("d")
	ExpectTrue(errors.Is(err, dir.ErrNotEmpty))

	// Emptying the child unblocks the removal.
	AssertEq(nil, d.Remove("f"))
	AssertEq(nil, d.Close())
	ExpectEq(nil, t.root.Remove("d"))
}

func (t *DirTest) AddToRemovedDirectoryFails() {
	AssertEq(nil, t.root.Add("d", t.newDirSector()))

	child, err := t.root.Lookup("d")
	AssertEq(nil, err)

	d, err := dir.Open(t.registry, child)
	AssertEq(nil, err)
	defer d.Close()

	AssertEq(nil, t.root.Remove("d"))

	err = d.Add("orphan", t.newFileSector())
	ExpectTrue(errors.Is(err, dir.ErrRemoved))
}

func (t *DirTest) OpenOfNonDirectoryInode() {
	s := t.newFileSector()
	in, err := t.registry.Open(s)
	AssertEq(nil, err)
	defer in.Close()

	_, err = dir.Open(t.registry, in)
	ExpectTrue(errors.Is(err, dir.ErrNotDir))
}

func (t *DirTest) ManyEntries() {
	// Enough entries to spill the directory file across several sectors.
	const count = 200
	for i := 0; i < count; i++ {
		AssertEq(nil, t.root.Add(entryName(i), t.newFileSector()))
	}

	names, err := t.root.ReadNames()
	AssertEq(nil, err)
	AssertEq(count, len(names))

	for i := 0; i < count; i++ {
		ExpectEq(entryName(i), names[i])
	}
}

func (t *DirTest) ConcurrentAddsOfTheSameName() {
	const racers = 8

	var wg sync.WaitGroup
	errs := make([]error, racers)

	for i := 0; i < racers; i++ {
		i := i
		s := t.newFileSector()
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = t.root.Add("contested", s)
		}()
	}
	wg.Wait()

	// Exactly one racer wins.
	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else {
			AssertTrue(errors.Is(err, dir.ErrExists))
		}
	}
	ExpectEq(1, won)

	names, err := t.root.ReadNames()
	AssertEq(nil, err)
	ExpectThat(names, ElementsAre("contested"))
}

func entryName(i int) string {
	return "entry" + string(rune('a'+i/26)) + string(rune('a'+i%26))
}
