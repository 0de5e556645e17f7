// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package sectorfs

import (
	"errors"

	"github.com/jacobsa/sectorfs/dir"
	"github.com/jacobsa/sectorfs/inode"
)

// Conditions surfaced by FileSystem operations. The aliases re-export the
// lower layers' sentinels so that callers can match everything with
// errors.Is against this package alone.
var (
	ErrExists      = dir.ErrExists
	ErrNotFound    = dir.ErrNoEntry
	ErrNotEmpty    = dir.ErrNotEmpty
	ErrNameTooLong = dir.ErrNameTooLong
	ErrNotDir      = dir.ErrNotDir
	ErrNoSpace     = inode.ErrNoSpace
	ErrWriteDenied = inode.ErrWriteDenied

	// ErrIsDir is returned by Open for a path naming a directory; use
	// OpenInode for those.
	ErrIsDir = errors.New("sectorfs: is a directory")
)
