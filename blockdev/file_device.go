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
	"os"

	fallocate "github.com/detailyang/go-fallocate"
)

// A FileDevice is a Device backed by a disk-image file on the host file
// system.
type FileDevice struct {
	file    *os.File
	sectors Sector
}

var _ Device = &FileDevice{}

// CreateFileDevice creates a new disk image at the given path, sized to hold
// the given number of sectors, and returns a device over it. The image is
// preallocated up front so that later sector writes cannot fail with ENOSPC.
func CreateFileDevice(path string, sectors Sector) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("OpenFile: %w", err)
	}

	size := int64(sectors) * SectorSize
	if err := fallocate.Fallocate(f, 0, size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("Fallocate: %w", err)
	}

	return &FileDevice{file: f, sectors: sectors}, nil
}

// OpenFileDevice opens an existing disk image. The image's size must be a
// whole number of sectors.
func OpenFileDevice(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("OpenFile: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("Stat: %w", err)
	}

	if fi.Size()%SectorSize != 0 {
		f.Close()
		return nil, fmt.Errorf("image size %d is not a multiple of %d", fi.Size(), SectorSize)
	}

	return &FileDevice{
		file:    f,
		sectors: Sector(fi.Size() / SectorSize),
	}, nil
}

func (d *FileDevice) ReadSector(s Sector, buf []byte) error {
	d.check(s, buf)

	if _, err := d.file.ReadAt(buf, int64(s)*SectorSize); err != nil {
		return fmt.Errorf("ReadAt(%d): %w", s, err)
	}

	return nil
}

func (d *FileDevice) WriteSector(s Sector, buf []byte) error {
	d.check(s, buf)

	if _, err := d.file.WriteAt(buf, int64(s)*SectorSize); err != nil {
		return fmt.Errorf("WriteAt(%d): %w", s, err)
	}

	return nil
}

func (d *FileDevice) SectorCount() Sector {
	return d.sectors
}

func (d *FileDevice) Sync() error {
	return syncFile(d.file)
}

func (d *FileDevice) Close() error {
	return d.file.Close()
}

func (d *FileDevice) check(s Sector, buf []byte) {
	if len(buf) != SectorSize {
		panic(fmt.Sprintf("Bad buffer length: %d", len(buf)))
	}

	if s >= d.sectors {
		panic(fmt.Sprintf("Sector out of range: %d", s))
	}
}
