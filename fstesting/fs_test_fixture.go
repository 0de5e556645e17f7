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

// Package fstesting provides common behavior for tests that exercise a
// whole mounted file system.
package fstesting

import (
	"context"
	"fmt"
	"time"

	"github.com/jacobsa/ogletest"
	"github.com/jacobsa/sectorfs"
	"github.com/jacobsa/sectorfs/blockdev"
	"github.com/jacobsa/timeutil"
)

// An FSTest implements common behavior needed by tests that mount a file
// system over an in-memory device. Use it as an embedded field in your
// test fixture; set SectorCount or MountConfig fields before its SetUp
// runs if the defaults don't suit.
type FSTest struct {
	// The size of the device to create. SetUp fills in a default when zero.
	SectorCount blockdev.Sector

	// The configuration the file system is mounted with. SetUp forces
	// Format and wires Clock to the simulated clock below.
	MountConfig sectorfs.MountConfig

	// A context object that can be used for long-running operations.
	Ctx context.Context

	// A clock with a fixed initial time, wired into the file system so that
	// tests control the aging of dirty cache slots.
	Clock timeutil.SimulatedClock

	// The device underlying the file system. Survives Remount, simulating
	// a disk across reboots.
	Dev *blockdev.MemDevice

	// The mounted file system under test.
	FS *sectorfs.FileSystem
}

// Create a fresh device and mount a newly formatted file system on it.
// Panics on error.
func (t *FSTest) SetUp(ti *ogletest.TestInfo) {
	if err := t.initialize(); err != nil {
		panic(err)
	}
}

func (t *FSTest) initialize() error {
	t.Ctx = context.Background()
	t.Clock.SetTime(time.Date(2012, 8, 15, 22, 56, 0, 0, time.Local))

	if t.SectorCount == 0 {
		t.SectorCount = 2048
	}

	t.Dev = blockdev.NewMemDevice(t.SectorCount)
	t.MountConfig.Format = true
	t.MountConfig.Clock = &t.Clock

	fs, err := sectorfs.Mount(t.Dev, t.MountConfig)
	if err != nil {
		return fmt.Errorf("Mount: %w", err)
	}

	t.FS = fs
	return nil
}

// Unmount the file system. Panics on error.
func (t *FSTest) TearDown() {
	if err := t.destroy(); err != nil {
		panic(err)
	}
}

func (t *FSTest) destroy() error {
	if t.FS == nil {
		return nil
	}

	err := t.FS.Unmount()
	t.FS = nil
	if err != nil {
		return fmt.Errorf("Unmount: %w", err)
	}

	return nil
}

// Remount unmounts the file system and mounts it again, without
// formatting, over the same device — the moral equivalent of a reboot.
// All handles into the old mount must already be closed.
func (t *FSTest) Remount() error {
	if err := t.FS.Unmount(); err != nil {
		t.FS = nil
		return fmt.Errorf("Unmount: %w", err)
	}

	config := t.MountConfig
	config.Format = false

	fs, err := sectorfs.Mount(t.Dev, config)
	if err != nil {
		t.FS = nil
		return fmt.Errorf("Mount: %w", err)
	}

	t.FS = fs
	return nil
}
