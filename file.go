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
	"fmt"
	"io"
	"sync"

	"github.com/jacobsa/sectorfs/inode"
)

// A File is an open handle to a regular file: an inode handle plus a seek
// position. Distinct Files over the same inode maintain independent
// positions but share contents, length, and deny-write state.
//
// File satisfies io.Reader, io.Writer, io.Seeker, io.ReaderAt,
// io.WriterAt, and io.Closer.
type File struct {
	in *inode.Inode

	mu sync.Mutex

	// The offset at which the next Read or Write takes place.
	pos int64 // GUARDED_BY(mu)

	// Has this handle's DenyWrite been issued and not yet balanced?
	writeDenied bool // GUARDED_BY(mu)
}

// Inode returns the file's inode, still owned by the File.
func (f *File) Inode() *inode.Inode {
	return f.in
}

// Length returns the file's current size in bytes.
func (f *File) Length() int64 {
	return f.in.Length()
}

// Read reads from the current position, advancing it by the amount read.
func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.in.ReadAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

// Write writes at the current position, advancing it by the amount
// written and growing the file as needed.
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.in.WriteAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

// ReadAt reads at the given offset without touching the seek position.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.in.ReadAt(p, off)
}

// WriteAt writes at the given offset without touching the seek position.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	return f.in.WriteAt(p, off)
}

// Seek sets the position for the next Read or Write, interpreting offset
// per the whence values of io.Seeker.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = f.pos
	case io.SeekEnd:
		base = f.in.Length()
	default:
		return 0, fmt.Errorf("Seek: bad whence %d", whence)
	}

	if base+offset < 0 {
		return 0, fmt.Errorf("Seek: negative resulting position %d", base+offset)
	}

	f.pos = base + offset
	return f.pos, nil
}

// Tell returns the current position.
func (f *File) Tell() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.pos
}

// DenyWrite rejects writes to the underlying inode, through any handle,
// until this handle calls AllowWrite or closes. Idempotent per handle.
func (f *File) DenyWrite() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.writeDenied {
		f.in.DenyWrite()
		f.writeDenied = true
	}
}

// AllowWrite balances this handle's DenyWrite, if outstanding.
func (f *File) AllowWrite() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeDenied {
		f.in.AllowWrite()
		f.writeDenied = false
	}
}

// Reopen returns an independent handle to the same inode, with its own
// position starting at zero.
func (f *File) Reopen() *File {
	return &File{in: f.in.Reopen()}
}

// Close balances any outstanding DenyWrite and drops the inode handle.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeDenied {
		f.in.AllowWrite()
		f.writeDenied = false
	}

	return f.in.Close()
}
