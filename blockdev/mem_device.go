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

package blockdev

import (
	"fmt"
	"sync"
)

// A MemDevice is a Device backed by an in-memory byte array. It is intended
// for tests, where many independent devices can be created cheaply and
// "reboots" are simulated by handing the same MemDevice to a fresh file
// system.
type MemDevice struct {
	mu sync.Mutex

	// The device contents, of length SectorCount() * SectorSize.
	//
	// GUARDED_BY(mu)
	data []byte
}

var _ Device = &MemDevice{}

// NewMemDevice creates a zero-filled in-memory device with the given number
// of sectors.
func NewMemDevice(sectors Sector) *MemDevice {
	return &MemDevice{
		data: make([]byte, int(sectors)*SectorSize),
	}
}

func (d *MemDevice) ReadSector(s Sector, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	copy(buf, d.sector(s, buf))
	return nil
}

func (d *MemDevice) WriteSector(s Sector, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	copy(d.sector(s, buf), buf)
	return nil
}

func (d *MemDevice) SectorCount() Sector {
	return Sector(len(d.data) / SectorSize)
}

func (d *MemDevice) Sync() error {
	return nil
}

func (d *MemDevice) Close() error {
	return nil
}

// LOCKS_REQUIRED(d.mu)
func (d *MemDevice) sector(s Sector, buf []byte) []byte {
	if len(buf) != SectorSize {
		panic(fmt.Sprintf("Bad buffer length: %d", len(buf)))
	}

	if int(s)*SectorSize >= len(d.data) {
		panic(fmt.Sprintf("Sector out of range: %d", s))
	}

	off := int(s) * SectorSize
	return d.data[off : off+SectorSize]
}
