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
	"bytes"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func randSector(t *testing.T) []byte {
	t.Helper()

	buf := make([]byte, SectorSize)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}

	return buf
}

func testDevice(t *testing.T, d Device) {
	t.Helper()

	// A fresh device reads as zeros.
	buf := make([]byte, SectorSize)
	if err := d.ReadSector(0, buf); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, SectorSize)) {
		t.Error("fresh sector is not zeroed")
	}

	// Writes round-trip, including the last sector.
	for _, s := range []Sector{0, 1, d.SectorCount() - 1} {
		want := randSector(t)
		if err := d.WriteSector(s, want); err != nil {
			t.Fatalf("WriteSector(%d): %v", s, err)
		}

		if err := d.ReadSector(s, buf); err != nil {
			t.Fatalf("ReadSector(%d): %v", s, err)
		}
		if !bytes.Equal(buf, want) {
			t.Errorf("sector %d: contents differ after round trip", s)
		}
	}

	if err := d.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

func TestMemDevice(t *testing.T) {
	d := NewMemDevice(16)
	if got, want := d.SectorCount(), Sector(16); got != want {
		t.Fatalf("SectorCount() = %d, want %d", got, want)
	}

	testDevice(t, d)
}

func TestMemDeviceOutOfRangePanics(t *testing.T) {
	d := NewMemDevice(4)

	defer func() {
		if recover() == nil {
			t.Error("expected a panic")
		}
	}()

	d.ReadSector(4, make([]byte, SectorSize))
}

func TestMemDeviceBadBufferPanics(t *testing.T) {
	d := NewMemDevice(4)

	defer func() {
		if recover() == nil {
			t.Error("expected a panic")
		}
	}()

	d.ReadSector(0, make([]byte, SectorSize-1))
}

func TestFileDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	d, err := CreateFileDevice(path, 16)
	if err != nil {
		t.Fatalf("CreateFileDevice: %v", err)
	}

	testDevice(t, d)

	// The image was preallocated to its full size.
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if got, want := fi.Size(), int64(16*SectorSize); got != want {
		t.Errorf("image size = %d, want %d", got, want)
	}

	// Contents survive closing and reopening.
	want := randSector(t)
	if err := d.WriteSector(7, want); err != nil {
		t.Fatalf("WriteSector: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d2, err := OpenFileDevice(path)
	if err != nil {
		t.Fatalf("OpenFileDevice: %v", err)
	}
	defer d2.Close()

	if got, want := d2.SectorCount(), Sector(16); got != want {
		t.Fatalf("SectorCount() = %d, want %d", got, want)
	}

	buf := make([]byte, SectorSize)
	if err := d2.ReadSector(7, buf); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	if !bytes.Equal(buf, want) {
		t.Error("sector 7: contents differ after reopen")
	}
}

func TestCreateFileDeviceRefusesToOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	d, err := CreateFileDevice(path, 4)
	if err != nil {
		t.Fatalf("CreateFileDevice: %v", err)
	}
	d.Close()

	if _, err := CreateFileDevice(path, 4); err == nil {
		t.Error("expected an error creating over an existing image")
	}
}

func TestOpenFileDeviceRejectsRaggedImages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, SectorSize+100), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := OpenFileDevice(path); err == nil {
		t.Error("expected an error for a ragged image")
	}
}
