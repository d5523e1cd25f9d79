/*
Copyright © 2025 Jayson Grace <jayson.e.grace@gmail.com>

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/

package fsutil

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// DirPerm is the mode for directories created inside image trees and
	// for mount points.
	DirPerm = 0o755

	// FilePerm is the mode for regular files written into image trees.
	FilePerm = 0o644

	// DefaultBlockSize is the filesystem block size used when a build does
	// not specify one.
	DefaultBlockSize = 4096
)

// SparseFile creates (or truncates) a sparse file of the given size. Image
// backing files are sparse so an unpopulated 4 GiB image costs nothing on
// disk.
func SparseFile(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, FilePerm)
	if err != nil {
		return fmt.Errorf("create sparse file %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return fmt.Errorf("truncate %s to %d bytes: %w", path, size, err)
	}
	return f.Close()
}

// MkfsExt formats a device with an ext filesystem. fstype is ext2, ext3 or
// ext4. The 64bit feature is disabled because syslinux cannot read 64-bit
// ext filesystems, and the reserved block percentage is lowered to 1 since
// image filesystems have no root-rescue use for the default 5%.
func MkfsExt(ctx context.Context, device, fstype, label string, blockSize int) error {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	tool, err := FindTool("mkfs." + fstype)
	if err != nil {
		return err
	}
	args := []string{"-F", "-m", "1", "-b", strconv.Itoa(blockSize), "-O", "^64bit"}
	if label != "" {
		args = append(args, "-L", label)
	}
	args = append(args, device)
	if err := Run(ctx, tool, args...); err != nil {
		return err
	}

	// No forced checks on boot, and xattr/acl support for rpm payloads.
	tune, err := FindTool("tune2fs")
	if err != nil {
		return err
	}
	return Run(ctx, tune, "-c0", "-i0", "-Odir_index", "-ouser_xattr,acl", device)
}

// MkfsVfat formats a device with a FAT32 filesystem.
func MkfsVfat(ctx context.Context, device, label string) error {
	tool, err := FindTool("mkfs.vfat")
	if err != nil {
		return err
	}
	args := []string{}
	if label != "" {
		args = append(args, "-n", label)
	}
	args = append(args, device)
	return Run(ctx, tool, args...)
}

// MkfsBtrfs formats a device with a btrfs filesystem.
func MkfsBtrfs(ctx context.Context, device, label string) error {
	tool, err := FindTool("mkfs.btrfs")
	if err != nil {
		return err
	}
	args := []string{"-f"}
	if label != "" {
		args = append(args, "-L", label)
	}
	args = append(args, device)
	return Run(ctx, tool, args...)
}

// FsckExt checks an ext filesystem image. A clean-with-repairs exit (status
// 1) from e2fsck is treated as success.
func FsckExt(ctx context.Context, device string) error {
	tool, err := FindTool("e2fsck")
	if err != nil {
		return err
	}
	err = Run(ctx, tool, "-f", "-y", device)
	if err != nil && strings.Contains(err.Error(), "exit status 1") {
		return nil
	}
	return err
}

// ShrinkExt shrinks an ext filesystem image to its minimum size and returns
// the resulting size in bytes. The image file is truncated to match.
func ShrinkExt(ctx context.Context, image string) (int64, error) {
	if err := FsckExt(ctx, image); err != nil {
		return 0, err
	}

	resize, err := FindTool("resize2fs")
	if err != nil {
		return 0, err
	}
	if err := Run(ctx, resize, "-M", image); err != nil {
		return 0, err
	}

	size, err := extSize(ctx, image)
	if err != nil {
		return 0, err
	}
	if err := os.Truncate(image, size); err != nil {
		return 0, fmt.Errorf("truncate %s after shrink: %w", image, err)
	}
	return size, nil
}

// extSize reads the block count and block size from dumpe2fs output.
func extSize(ctx context.Context, image string) (int64, error) {
	tool, err := FindTool("dumpe2fs")
	if err != nil {
		return 0, err
	}
	out, err := Output(ctx, tool, "-h", image)
	if err != nil {
		return 0, err
	}

	var blocks, blockSize int64
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "Block count:"):
			blocks, _ = strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "Block count:")), 10, 64)
		case strings.HasPrefix(line, "Block size:"):
			blockSize, _ = strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "Block size:")), 10, 64)
		}
	}
	if blocks == 0 || blockSize == 0 {
		return 0, fmt.Errorf("parse dumpe2fs output for %s: missing block count or size", image)
	}
	return blocks * blockSize, nil
}

// TreeSize returns the apparent size in bytes of the tree rooted at dir.
// Used to size image filesystems before formatting.
func TreeSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("size tree %s: %w", dir, err)
	}
	return total, nil
}

// CopyFile copies a regular file, preserving the source mode.
func CopyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, info.Mode().Perm())
}

// PartitionTable writes an MSDOS partition table with a single bootable
// partition spanning the whole device.
func PartitionTable(ctx context.Context, device, fstype string) error {
	parted, err := FindTool("parted")
	if err != nil {
		return err
	}
	partType := "ext2"
	if fstype == "vfat" || fstype == "msdos" {
		partType = "fat32"
	}
	if err := Run(ctx, parted, "-s", device, "mklabel", "msdos"); err != nil {
		return err
	}
	if err := Run(ctx, parted, "-s", device, "mkpart", "primary", partType, "1MiB", "100%"); err != nil {
		return err
	}
	return Run(ctx, parted, "-s", device, "set", "1", "boot", "on")
}
