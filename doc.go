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

// Package sectorfs implements a small hierarchical file system over a
// block device of fixed-size sectors.
//
// The primary elements of interest are:
//
//  *  The blockdev.Device interface, which supplies sector-granular I/O,
//     with memory- and file-backed implementations.
//
//  *  Mount, which assembles a FileSystem over a device, optionally
//     formatting it first.
//
//  *  The FileSystem methods, which create, open, and remove files and
//     directories by slash-separated path.
//
// Every sector access flows through a bounded write-back LRU buffer cache;
// files grow implicitly via a direct/indirect/double-indirect sector index
// that allocates at write time; open handles to the same inode are shared,
// and removal is deferred until the last handle closes.
package sectorfs
