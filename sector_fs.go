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
	"context"
	"fmt"
	"time"

	"github.com/jacobsa/reqtrace"
	"github.com/jacobsa/sectorfs/blockdev"
	"github.com/jacobsa/sectorfs/cache"
	"github.com/jacobsa/sectorfs/dir"
	"github.com/jacobsa/sectorfs/freemap"
	"github.com/jacobsa/sectorfs/inode"
	"github.com/jacobsa/timeutil"
)

// MountConfig controls how a file system is assembled over a device.
type MountConfig struct {
	// Overwrite the device with an empty file system before use.
	Format bool

	// The clock used to age dirty cache slots. Defaults to the real-time
	// clock; tests substitute a timeutil.SimulatedClock.
	Clock timeutil.Clock

	// When positive, a background goroutine writes back cache slots that
	// have been dirty for at least this long, once per interval. Zero
	// disables write-behind; dirty slots then reach the disk only on
	// eviction, Flush, or Unmount.
	FlushInterval time.Duration
}

// A FileSystem is a mounted file system instance: the buffer cache, free
// map, and open-inode registry assembled over one device. All methods are
// safe for concurrent use.
//
// The device remains owned by the caller; Unmount syncs it but does not
// close it, so that the same device can be mounted again (e.g. to simulate
// a reboot in tests).
type FileSystem struct {
	dev      blockdev.Device
	cache    *cache.Cache
	freeMap  *freemap.FreeMap
	registry *inode.Registry
	flusher  *cache.Flusher
}

// Mount assembles a file system over the given device, formatting it first
// if requested. The format operation lays down the free-map file, holding
// the initial bitmap, at sector 0 and an empty root directory at sector 1.
func Mount(dev blockdev.Device, config MountConfig) (*FileSystem, error) {
	clock := config.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}

	c := cache.New(dev, clock)
	fm := freemap.New(dev.SectorCount(), freemap.HomeSector, dir.RootSector)
	reg := inode.NewRegistry(c, fm)

	if config.Format {
		if err := fm.Format(reg); err != nil {
			return nil, fmt.Errorf("formatting free map: %w", err)
		}

		if err := dir.Format(reg); err != nil {
			return nil, fmt.Errorf("formatting root directory: %w", err)
		}

		if err := fm.Save(); err != nil {
			return nil, fmt.Errorf("saving free map: %w", err)
		}
	} else {
		if err := fm.Load(reg); err != nil {
			return nil, fmt.Errorf("loading free map: %w", err)
		}
	}

	fs := &FileSystem{
		dev:      dev,
		cache:    c,
		freeMap:  fm,
		registry: reg,
	}

	if config.FlushInterval > 0 {
		fs.flusher = cache.StartFlusher(c, config.FlushInterval)
	}

	getLogger().Printf("Mounted device with %d sectors (format=%v)", dev.SectorCount(), config.Format)
	return fs, nil
}

// Unmount writes the free map and all dirty cache slots to the device and
// syncs it. The file system must not be used afterward; outstanding File
// and inode handles must already be closed.
func (fs *FileSystem) Unmount() error {
	if fs.flusher != nil {
		fs.flusher.Stop()
		fs.flusher = nil
	}

	if err := fs.freeMap.Close(); err != nil {
		return fmt.Errorf("closing free map: %w", err)
	}

	if err := fs.cache.Close(); err != nil {
		return fmt.Errorf("closing cache: %w", err)
	}

	if err := fs.dev.Sync(); err != nil {
		return fmt.Errorf("syncing device: %w", err)
	}

	getLogger().Printf("Unmounted.")
	return nil
}

// Flush writes every dirty cache slot to the device while the file system
// remains in use. Repeated calls without intervening writes perform no
// further I/O.
func (fs *FileSystem) Flush(ctx context.Context) (err error) {
	_, report := reqtrace.StartSpan(ctx, "Flush")
	defer func() { report(err) }()

	return fs.cache.Flush()
}

// CacheStats returns the buffer cache's cumulative counters.
func (fs *FileSystem) CacheStats() cache.Stats {
	return fs.cache.Stats()
}

// FreeSectorCount returns the number of unallocated sectors.
func (fs *FileSystem) FreeSectorCount() blockdev.Sector {
	return fs.freeMap.CountFree()
}

// SectorAllocated reports whether the free map currently marks the given
// sector allocated.
func (fs *FileSystem) SectorAllocated(s blockdev.Sector) bool {
	return fs.freeMap.IsAllocated(s)
}
