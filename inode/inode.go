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

package inode

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/jacobsa/sectorfs/blockdev"
)

// An Inode is the shared in-memory handle for an open on-disk inode. All
// openers of the same sector receive the same *Inode; the handle dies when
// the last of them calls Close.
//
// ReadAt and WriteAt satisfy io.ReaderAt and io.WriterAt.
type Inode struct {
	registry *Registry

	/////////////////////////
	// Constant data
	/////////////////////////

	// The inode's home sector.
	sector blockdev.Sector

	// Does the inode hold directory entries? Fixed at create time.
	isDir bool

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Serializes directory-entry mutations against this inode. Held by the
	// directory layer across its whole lookup-then-modify sequences; the
	// inode layer itself never takes it. Acquired before registry.mu.
	dirMu sync.Mutex

	// The number of live handles.
	openCount int // GUARDED_BY(registry.mu)

	// Once set, the inode's storage is released when openCount hits zero.
	removed bool // GUARDED_BY(registry.mu)

	// While positive, WriteAt is rejected.
	denyWriteCount int // GUARDED_BY(registry.mu)
}

// Sector returns the inode's home sector, its stable identity.
func (in *Inode) Sector() blockdev.Sector {
	return in.sector
}

// IsDir reports whether the inode holds directory entries.
func (in *Inode) IsDir() bool {
	return in.isDir
}

// Lock acquires the inode's directory mutation lock. See Directory.
func (in *Inode) Lock() {
	in.dirMu.Lock()
}

// Unlock releases the lock acquired by Lock.
func (in *Inode) Unlock() {
	in.dirMu.Unlock()
}

////////////////////////////////////////////////////////////////////////
// Lifecycle
////////////////////////////////////////////////////////////////////////

// Reopen returns the same handle with its open count incremented. The
// caller owes one additional Close.
func (in *Inode) Reopen() *Inode {
	r := in.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	in.openCount++
	return in
}

// Remove marks the inode for deletion. Existing handles continue to work;
// the storage is released when the last one closes.
func (in *Inode) Remove() {
	r := in.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	in.removed = true
}

// Removed reports whether Remove has been called.
func (in *Inode) Removed() bool {
	r := in.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	return in.removed
}

// Close drops one handle. When the last handle of a removed inode is
// dropped, every sector the inode references is released and purged from
// the cache.
func (in *Inode) Close() error {
	r := in.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	if in.openCount < 1 {
		panic("Close of an already-closed inode.")
	}

	in.openCount--
	if in.openCount > 0 {
		return nil
	}

	if in.denyWriteCount != 0 {
		panic(fmt.Sprintf("Unbalanced DenyWrite: %d outstanding at last close.", in.denyWriteCount))
	}

	delete(r.inodes, in.sector)

	if in.removed {
		return r.releaseStorage(in.sector)
	}

	return nil
}

////////////////////////////////////////////////////////////////////////
// Deny-write
////////////////////////////////////////////////////////////////////////

// DenyWrite rejects writes to the inode until a balancing AllowWrite.
// Each call must be balanced before the caller's handle is closed.
func (in *Inode) DenyWrite() {
	r := in.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	if in.denyWriteCount+1 > in.openCount {
		panic(fmt.Sprintf(
			"DenyWrite: deny count %d exceeds open count %d",
			in.denyWriteCount+1, in.openCount))
	}

	in.denyWriteCount++
}

// AllowWrite balances one DenyWrite.
func (in *Inode) AllowWrite() {
	r := in.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	if in.denyWriteCount == 0 {
		panic("AllowWrite without matching DenyWrite.")
	}

	in.denyWriteCount--
}

////////////////////////////////////////////////////////////////////////
// Length
////////////////////////////////////////////////////////////////////////

// Length returns the file size in bytes.
func (in *Inode) Length() int64 {
	r := in.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	return in.length()
}

// LOCKS_REQUIRED(in.registry.mu)
func (in *Inode) length() int64 {
	v, err := in.registry.readIndex(in.sector, lengthOffset)
	if err != nil {
		// The device is failing; per the error model there is no recovery.
		panic(fmt.Sprintf("Reading length of inode %d: %v", in.sector, err))
	}

	return int64(v)
}

// LOCKS_REQUIRED(in.registry.mu)
func (in *Inode) setLength(length int64) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(length))
	return in.registry.cache.Write(in.sector, buf[:], lengthOffset, 4)
}

////////////////////////////////////////////////////////////////////////
// Index walk
////////////////////////////////////////////////////////////////////////

// Find the sector holding the byte at offset pos. With alloc set, missing
// index and data sectors along the walk are allocated and zero-filled;
// otherwise a missing sector yields zero, meaning "hole, reads as zeros".
//
// REQUIRES: pos < MaxLength
// LOCKS_REQUIRED(in.registry.mu)
func (in *Inode) sectorForByte(pos int64, alloc bool) (blockdev.Sector, error) {
	r := in.registry
	b := int(pos / blockdev.SectorSize)

	// Direct.
	if b < directCount {
		return r.lookupSlot(in.sector, directOffset+4*b, alloc)
	}

	// Single indirect.
	if b < directCount+ptrsPerSector {
		ind, err := r.lookupSlot(in.sector, indirectOffset, alloc)
		if err != nil || ind == 0 {
			return 0, err
		}

		return r.lookupSlot(ind, 4*(b-directCount), alloc)
	}

	// Double indirect.
	idx := b - directCount - ptrsPerSector
	dbl, err := r.lookupSlot(in.sector, doubleIndirectOffset, alloc)
	if err != nil || dbl == 0 {
		return 0, err
	}

	l1, err := r.lookupSlot(dbl, 4*(idx/ptrsPerSector), alloc)
	if err != nil || l1 == 0 {
		return 0, err
	}

	return r.lookupSlot(l1, 4*(idx%ptrsPerSector), alloc)
}

////////////////////////////////////////////////////////////////////////
// Reading and writing
////////////////////////////////////////////////////////////////////////

// ReadAt reads into p starting at byte offset off, stopping at the end of
// the file. Returns io.EOF when fewer than len(p) bytes were available,
// per the io.ReaderAt contract. Holes read as zeros. Never allocates.
func (in *Inode) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		panic(fmt.Sprintf("ReadAt: negative offset %d", off))
	}

	r := in.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	length := in.length()

	n := 0
	for n < len(p) {
		pos := off + int64(n)
		if pos >= length {
			break
		}

		// Clip the chunk to the sector and to the end of the file.
		sectorOff := int(pos % blockdev.SectorSize)
		chunk := len(p) - n
		if rem := blockdev.SectorSize - sectorOff; chunk > rem {
			chunk = rem
		}
		if rem := length - pos; int64(chunk) > rem {
			chunk = int(rem)
		}

		s, err := in.sectorForByte(pos, false)
		if err != nil {
			return n, err
		}

		if s == 0 {
			for i := n; i < n+chunk; i++ {
				p[i] = 0
			}
		} else if err := r.cache.Read(s, p[n:n+chunk], sectorOff, chunk); err != nil {
			return n, err
		}

		n += chunk
	}

	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// WriteAt writes p at byte offset off, growing the file as needed. The new
// length is recorded before any data is copied, so a concurrent reader
// sees the growth no earlier than the length update. Missing sectors are
// allocated on demand; allocation failure returns ErrNoSpace with
// everything written so far intact. Returns ErrWriteDenied while writes
// are denied.
func (in *Inode) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		panic(fmt.Sprintf("WriteAt: negative offset %d", off))
	}

	r := in.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	if in.denyWriteCount > 0 {
		return 0, ErrWriteDenied
	}

	if len(p) == 0 {
		return 0, nil
	}

	if off >= MaxLength {
		return 0, ErrNoSpace
	}

	// Clip to the index structure's capacity; report the overflow after
	// writing what fits.
	var clipErr error
	if off+int64(len(p)) > MaxLength {
		p = p[:MaxLength-off]
		clipErr = ErrNoSpace
	}

	if end := off + int64(len(p)); end > in.length() {
		if err := in.setLength(end); err != nil {
			return 0, err
		}
	}

	n := 0
	for n < len(p) {
		pos := off + int64(n)

		sectorOff := int(pos % blockdev.SectorSize)
		chunk := len(p) - n
		if rem := blockdev.SectorSize - sectorOff; chunk > rem {
			chunk = rem
		}

		s, err := in.sectorForByte(pos, true)
		if err != nil {
			return n, err
		}

		if err := r.cache.Write(s, p[n:n+chunk], sectorOff, chunk); err != nil {
			return n, err
		}

		n += chunk
	}

	return n, clipErr
}
