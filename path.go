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
	"strings"

	"github.com/jacobsa/sectorfs/dir"
)

// Split a path into its components, eliding empty ones, so that "/a//b/"
// and "a/b" both yield ["a", "b"]. An empty result names the root
// directory.
//
// Paths with and without a leading slash are equivalent here: a caller
// with a notion of a working directory (per-process state outside this
// package) resolves relative names by prepending that directory before
// calling in.
func splitPath(name string) []string {
	var components []string
	for _, c := range strings.Split(name, "/") {
		if c != "" {
			components = append(components, c)
		}
	}

	return components
}

// Open the directory that should contain the path's final component,
// walking every earlier component from the root. The caller owns the
// returned handle.
//
// REQUIRES: len(components) > 0
func (fs *FileSystem) openParent(components []string) (*dir.Directory, error) {
	d, err := dir.OpenRoot(fs.registry)
	if err != nil {
		return nil, err
	}

	for _, name := range components[:len(components)-1] {
		child, err := d.Lookup(name)
		d.Close()
		if err != nil {
			return nil, err
		}

		d, err = dir.Open(fs.registry, child)
		if err != nil {
			child.Close()
			return nil, fmt.Errorf("%q: %w", name, err)
		}
	}

	return d, nil
}
