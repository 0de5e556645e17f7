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

// The sectorfs tool manipulates sectorfs disk images: formatting,
// listing, and copying files in and out.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jacobsa/sectorfs"
	"github.com/jacobsa/sectorfs/blockdev"
)

var (
	fImage         string
	fSectors       uint32
	fFlushInterval time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "sectorfs",
	Short:         "Inspect and modify sectorfs disk images",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&fImage, "image", "", "Path to the disk image.")
	rootCmd.MarkPersistentFlagRequired("image")

	mkfsCmd.Flags().Uint32Var(
		&fSectors, "sectors", 4096, "Device size, in 512-byte sectors.")
	rootCmd.PersistentFlags().DurationVar(
		&fFlushInterval, "flush_interval", 0,
		"Write-behind interval for dirty cache slots; zero disables.")

	rootCmd.AddCommand(
		mkfsCmd, lsCmd, mkdirCmd, putCmd, catCmd, rmCmd, dfCmd)
}

// Mount the image, run f, and unmount.
func withFS(f func(ctx context.Context, fs *sectorfs.FileSystem) error) error {
	dev, err := blockdev.OpenFileDevice(fImage)
	if err != nil {
		return fmt.Errorf("opening image: %w", err)
	}
	defer dev.Close()

	fs, err := sectorfs.Mount(dev, sectorfs.MountConfig{
		FlushInterval: fFlushInterval,
	})
	if err != nil {
		return fmt.Errorf("mounting: %w", err)
	}

	opErr := f(context.Background(), fs)
	if err := fs.Unmount(); err != nil {
		return fmt.Errorf("unmounting: %w", err)
	}

	return opErr
}

var mkfsCmd = &cobra.Command{
	Use:   "mkfs",
	Short: "Create and format a new disk image",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := blockdev.CreateFileDevice(fImage, blockdev.Sector(fSectors))
		if err != nil {
			return fmt.Errorf("creating image: %w", err)
		}
		defer dev.Close()

		fs, err := sectorfs.Mount(dev, sectorfs.MountConfig{Format: true})
		if err != nil {
			return fmt.Errorf("formatting: %w", err)
		}

		return fs.Unmount()
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/"
		if len(args) == 1 {
			path = args[0]
		}

		return withFS(func(ctx context.Context, fs *sectorfs.FileSystem) error {
			names, err := fs.ReadDir(ctx, path)
			if err != nil {
				return err
			}

			for _, name := range names {
				fmt.Println(name)
			}

			return nil
		})
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir path",
	Short: "Create a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFS(func(ctx context.Context, fs *sectorfs.FileSystem) error {
			return fs.CreateDir(ctx, args[0])
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put local path",
	Short: "Copy a local file into the image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		contents, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		return withFS(func(ctx context.Context, fs *sectorfs.FileSystem) error {
			if err := fs.CreateFile(ctx, args[1], 0); err != nil {
				return err
			}

			f, err := fs.Open(ctx, args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			_, err = f.Write(contents)
			return err
		})
	},
}

var catCmd = &cobra.Command{
	Use:   "cat path",
	Short: "Write a file's contents to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFS(func(ctx context.Context, fs *sectorfs.FileSystem) error {
			f, err := fs.Open(ctx, args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			contents := make([]byte, f.Length())
			if _, err := f.Read(contents); err != nil {
				return err
			}

			_, err = os.Stdout.Write(contents)
			return err
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm path",
	Short: "Remove a file or empty directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFS(func(ctx context.Context, fs *sectorfs.FileSystem) error {
			return fs.Remove(ctx, args[0])
		})
	},
}

var dfCmd = &cobra.Command{
	Use:   "df",
	Short: "Show free space and cache statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFS(func(ctx context.Context, fs *sectorfs.FileSystem) error {
			free := fs.FreeSectorCount()
			stats := fs.CacheStats()

			fmt.Printf("free sectors:  %d (%d bytes)\n", free, int64(free)*blockdev.SectorSize)
			fmt.Printf("cache hits:    %d\n", stats.Hits)
			fmt.Printf("cache misses:  %d\n", stats.Misses)
			fmt.Printf("evictions:     %d\n", stats.Evictions)
			fmt.Printf("write-backs:   %d\n", stats.WriteBacks)
			return nil
		})
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sectorfs: %v\n", err)
		os.Exit(1)
	}
}
