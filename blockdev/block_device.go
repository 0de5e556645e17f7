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

// Package blockdev defines the block device on which the file system is
// layered, along with memory- and file-backed implementations.
package blockdev

// SectorSize is the fixed size of every sector, in bytes.
const SectorSize = 512

// Sector is a 0-based index naming one sector of a device.
type Sector uint32

// A Device provides synchronous sector-granular I/O. Implementations need
// not be safe for concurrent use; the buffer cache serializes all access.
//
// A sector index out of range, or a buffer whose length is not SectorSize,
// indicates a bug in the caller and causes a panic. Errors returned by the
// methods are real I/O errors, which callers treat as fatal.
type Device interface {
	// Read the sector s into buf.
	//
	// REQUIRES: s < SectorCount()
	// REQUIRES: len(buf) == SectorSize
	ReadSector(s Sector, buf []byte) error

	// Write buf to the sector s.
	//
	// REQUIRES: s < SectorCount()
	// REQUIRES: len(buf) == SectorSize
	WriteSector(s Sector, buf []byte) error

	// Return the number of sectors the device holds.
	SectorCount() Sector

	// Make previously-written sectors durable.
	Sync() error

	// Release the device. No methods may be called afterward.
	Close() error
}
