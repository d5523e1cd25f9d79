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

package imager

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sailfishos/mic/chroot"
	"github.com/sailfishos/mic/config"
	"github.com/sailfishos/mic/creator"
	"github.com/sailfishos/mic/fsutil"
	"github.com/sailfishos/mic/logging"
)

// rawPlugin builds partitioned disk images: one sparse file carrying an
// MSDOS partition table, with every partition formatted and mounted through
// a partition-scanned loop device.
type rawPlugin struct {
	cfg *config.Config
}

// NewRawPlugin returns the handler for the raw format.
func NewRawPlugin(cfg *config.Config) Plugin {
	return &rawPlugin{cfg: cfg}
}

func (p *rawPlugin) Name() string      { return "raw" }
func (p *rawPlugin) Extension() string { return ".img" }

var (
	_ Builder        = (*rawPlugin)(nil)
	_ Unpacker       = (*rawPlugin)(nil)
	_ Packer         = (*rawPlugin)(nil)
	_ Chrooter       = (*rawPlugin)(nil)
	_ creator.Target = (*rawPlugin)(nil)
)

// partitionAlign is the gap left before the first partition and between
// partitions, in bytes. 1 MiB keeps every partition 4K-aligned and leaves
// room for MBR boot code.
const partitionAlign = 1 << 20

func (p *rawPlugin) OutputName(spec *creator.Specification) string {
	return spec.Name + ".img"
}

func (p *rawPlugin) imagePath(b *creator.Build) string {
	return filepath.Join(b.Workspace, p.OutputName(b.Spec))
}

// MountInstRoot creates the partition table, formats every partition, and
// mounts them under the install root in parent-first order.
func (p *rawPlugin) MountInstRoot(ctx context.Context, b *creator.Build) error {
	img := p.imagePath(b)
	total := b.Spec.SizeBytes + int64(len(b.Spec.Partitions)+1)*partitionAlign
	if err := fsutil.SparseFile(img, total); err != nil {
		return err
	}
	if err := p.writePartitionTable(ctx, img, b.Spec); err != nil {
		return err
	}

	dev, err := fsutil.AttachLoop(ctx, img, fsutil.LoopOptions{PartScan: true})
	if err != nil {
		return err
	}
	b.Stack.Push("loop "+dev.Path, dev.Detach)

	for i := range b.Spec.Partitions {
		part := &b.Spec.Partitions[i]
		pdev := dev.PartitionPath(i + 1)
		if err := mkfsPartition(ctx, pdev, part); err != nil {
			return err
		}
		target := filepath.Join(b.InstRoot, part.Mountpoint)
		mp, err := fsutil.MountFS(pdev, target, mountFSType(part.Fstype), 0, "")
		if err != nil {
			return err
		}
		b.Stack.Push("mount "+target, mp.Unmount)
	}
	return nil
}

// writePartitionTable lays the partitions out with monotonically increasing
// offsets, one alignment gap apart.
func (p *rawPlugin) writePartitionTable(ctx context.Context, img string, spec *creator.Specification) error {
	parted, err := fsutil.FindTool("parted")
	if err != nil {
		return err
	}
	if err := fsutil.Run(ctx, parted, "-s", img, "mklabel", "msdos"); err != nil {
		return err
	}

	offset := int64(partitionAlign)
	for i := range spec.Partitions {
		part := &spec.Partitions[i]
		start := offset
		end := start + part.SizeBytes
		partType := "ext2"
		if part.Fstype == "vfat" || part.Fstype == "msdos" {
			partType = "fat32"
		}
		err := fsutil.Run(ctx, parted, "-s", img, "mkpart", "primary", partType,
			fmt.Sprintf("%dB", start), fmt.Sprintf("%dB", end-1))
		if err != nil {
			return err
		}
		if part.Boot {
			if err := fsutil.Run(ctx, parted, "-s", img, "set", fmt.Sprint(i+1), "boot", "on"); err != nil {
				return err
			}
		}
		offset = end + partitionAlign
	}
	return nil
}

// StageFinal writes MBR boot code when a bootloader was requested, then
// hands the image over.
func (p *rawPlugin) StageFinal(ctx context.Context, b *creator.Build) ([]string, error) {
	img := p.imagePath(b)
	if b.Spec.Bootloader.Kind == "extlinux" {
		if err := writeMBR(ctx, img); err != nil {
			return nil, err
		}
	}
	return []string{img}, nil
}

// mbrPaths are the locations distros install the syslinux MBR code at.
var mbrPaths = []string{
	"/usr/share/syslinux/mbr.bin",
	"/usr/lib/syslinux/mbr/mbr.bin",
	"/usr/lib/syslinux/bios/mbr.bin",
}

func writeMBR(ctx context.Context, img string) error {
	var mbr string
	for _, candidate := range mbrPaths {
		if _, err := os.Stat(candidate); err == nil {
			mbr = candidate
			break
		}
	}
	if mbr == "" {
		return fmt.Errorf("syslinux MBR boot code not found (looked in %s)", strings.Join(mbrPaths, ", "))
	}
	dd, err := fsutil.FindTool("dd")
	if err != nil {
		return err
	}
	return fsutil.Run(ctx, dd, "if="+mbr, "of="+img, "bs=440", "count=1", "conv=notrunc")
}

func (p *rawPlugin) Build(ctx context.Context, b *creator.Build) (string, error) {
	if err := b.Run(ctx); err != nil {
		return "", err
	}
	return b.Artifacts[0], nil
}

// Unpack mounts the root partition, then the remaining partitions at the
// mountpoints its fstab lists, and copies the merged tree out.
func (p *rawPlugin) Unpack(ctx context.Context, path string) (*RootTree, error) {
	stack := fsutil.NewStack()
	defer func() {
		if err := stack.Unwind(); err != nil {
			logging.WarnContext(ctx, "cleanup: %v", err)
		}
	}()

	mountDir, err := p.mountPartitions(ctx, stack, path, true)
	if err != nil {
		return nil, err
	}

	tree, err := NewRootTree(p.cfg.Paths.TmpDir, p.Name())
	if err != nil {
		return nil, err
	}
	if err := copyTree(ctx, mountDir, tree.Dir); err != nil {
		tree.Remove()
		return nil, err
	}
	if tree.SizeHint, err = fsutil.TreeSize(tree.Dir); err != nil {
		tree.Remove()
		return nil, err
	}
	return tree, nil
}

// Pack produces a bootable single-partition disk image from the tree.
func (p *rawPlugin) Pack(ctx context.Context, tree *RootTree) (string, error) {
	out := filepath.Join(p.cfg.Paths.OutDir, tree.BaseName+p.Extension())
	if err := os.MkdirAll(p.cfg.Paths.OutDir, fsutil.DirPerm); err != nil {
		return "", err
	}

	size := mediumSize(tree.SizeHint) + 2*partitionAlign
	if err := fsutil.SparseFile(out, size); err != nil {
		return "", err
	}
	if err := fsutil.PartitionTable(ctx, out, "ext4"); err != nil {
		return "", err
	}

	stack := fsutil.NewStack()
	defer func() {
		if err := stack.Unwind(); err != nil {
			logging.WarnContext(ctx, "cleanup: %v", err)
		}
	}()

	dev, err := fsutil.AttachLoop(ctx, out, fsutil.LoopOptions{PartScan: true})
	if err != nil {
		return "", err
	}
	stack.Push("loop "+dev.Path, dev.Detach)

	root := dev.PartitionPath(1)
	label := tree.Label
	if label == "" {
		label = tree.BaseName
	}
	if err := fsutil.MkfsExt(ctx, root, "ext4", label, 0); err != nil {
		return "", err
	}

	mountDir, err := os.MkdirTemp(p.cfg.Paths.TmpDir, "pack-")
	if err != nil {
		return "", err
	}
	stack.Push("pack dir "+mountDir, func() error { return os.RemoveAll(mountDir) })

	mp, err := fsutil.MountFS(root, mountDir, "ext4", 0, "")
	if err != nil {
		return "", err
	}
	stack.Push("mount "+mountDir, mp.Unmount)

	if err := copyTree(ctx, tree.Dir, mountDir); err != nil {
		return "", err
	}
	if err := stack.Unwind(); err != nil {
		return "", err
	}
	return out, nil
}

// Chroot mounts the partitions read-write and opens a shell in the root.
func (p *rawPlugin) Chroot(ctx context.Context, path string) error {
	stack := fsutil.NewStack()
	defer func() {
		if err := stack.Unwind(); err != nil {
			logging.WarnContext(ctx, "cleanup: %v", err)
		}
	}()

	mountDir, err := p.mountPartitions(ctx, stack, path, false)
	if err != nil {
		return err
	}

	if err := saveTree(ctx, p.cfg.Chroot.SaveTo, mountDir); err != nil {
		return err
	}

	binds, err := chroot.ParseBindings(p.cfg.Chroot.BindMounts)
	if err != nil {
		return err
	}
	session, err := chroot.New(mountDir, p.cfg.Chroot.Shell, binds)
	if err != nil {
		return err
	}
	return session.Run(ctx)
}

// mountPartitions attaches the image, mounts the first partition as the
// root, and then follows the root's fstab for any additional partitions.
// Everything mounted lands on the caller's stack.
func (p *rawPlugin) mountPartitions(ctx context.Context, stack *fsutil.Stack, path string, readOnly bool) (string, error) {
	dev, err := fsutil.AttachLoop(ctx, path, fsutil.LoopOptions{PartScan: true, ReadOnly: readOnly})
	if err != nil {
		return "", err
	}
	stack.Push("loop "+dev.Path, dev.Detach)

	mountDir, err := os.MkdirTemp(p.cfg.Paths.TmpDir, "raw-")
	if err != nil {
		return "", err
	}
	stack.Push("raw dir "+mountDir, func() error { return os.RemoveAll(mountDir) })

	var flags uintptr
	if readOnly {
		flags = readOnlyMountFlags
	}

	rootDev := dev.PartitionPath(1)
	fstype, err := detectFilesystem(rootDev)
	if err != nil {
		return "", err
	}
	mp, err := fsutil.MountFS(rootDev, mountDir, fstype, flags, "")
	if err != nil {
		return "", err
	}
	stack.Push("mount "+mountDir, mp.Unmount)

	mountpoints, err := readFstabMounts(filepath.Join(mountDir, "etc", "fstab"))
	if err != nil {
		return "", err
	}
	for i, mountpoint := range mountpoints {
		pdev := dev.PartitionPath(i + 2)
		if _, err := os.Stat(pdev); err != nil {
			break
		}
		ptype, err := detectFilesystem(pdev)
		if err != nil {
			return "", err
		}
		target := filepath.Join(mountDir, mountpoint)
		pmp, err := fsutil.MountFS(pdev, target, ptype, flags, "")
		if err != nil {
			return "", err
		}
		stack.Push("mount "+target, pmp.Unmount)
	}
	return mountDir, nil
}

// readFstabMounts returns the non-root block device mountpoints from an
// fstab, in file order. Partition N+1 of the image corresponds to the Nth
// entry, matching the layout the raw builder writes.
func readFstabMounts(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var mounts []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		switch fields[2] {
		case "proc", "devpts", "sysfs", "tmpfs", "swap":
			continue
		}
		if fields[1] == "/" {
			continue
		}
		mounts = append(mounts, fields[1])
	}
	return mounts, sc.Err()
}
