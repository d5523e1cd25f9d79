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
	micerrors "github.com/sailfishos/mic/pkg/errors"
)

// loopPlugin handles plain filesystem images: one sparse file per
// partition, attached through a loop device, with no partition table.
type loopPlugin struct {
	cfg *config.Config
}

// NewLoopPlugin returns the handler for the loop format.
func NewLoopPlugin(cfg *config.Config) Plugin {
	return &loopPlugin{cfg: cfg}
}

func (p *loopPlugin) Name() string      { return "loop" }
func (p *loopPlugin) Extension() string { return ".img" }

// Interface checks.
var (
	_ Builder        = (*loopPlugin)(nil)
	_ Unpacker       = (*loopPlugin)(nil)
	_ Packer         = (*loopPlugin)(nil)
	_ Chrooter       = (*loopPlugin)(nil)
	_ creator.Target = (*loopPlugin)(nil)
)

func (p *loopPlugin) OutputName(spec *creator.Specification) string {
	return spec.Name + ".img"
}

// partImageName maps a partition to its image file inside the workspace.
// The root partition takes the image name itself; others append their
// mountpoint.
func (p *loopPlugin) partImageName(spec *creator.Specification, part *creator.Partition) string {
	if part.Mountpoint == "/" {
		return p.OutputName(spec)
	}
	suffix := strings.ReplaceAll(strings.TrimPrefix(part.Mountpoint, "/"), "/", "-")
	return fmt.Sprintf("%s-%s.img", spec.Name, suffix)
}

// MountInstRoot creates one sparse filesystem image per partition, formats
// it, and mounts it under the install root. Partitions arrive sorted so
// parents mount before children.
func (p *loopPlugin) MountInstRoot(ctx context.Context, b *creator.Build) error {
	for i := range b.Spec.Partitions {
		part := &b.Spec.Partitions[i]
		img := filepath.Join(b.Workspace, p.partImageName(b.Spec, part))
		if err := fsutil.SparseFile(img, part.SizeBytes); err != nil {
			return err
		}

		dev, err := fsutil.AttachLoop(ctx, img, fsutil.LoopOptions{})
		if err != nil {
			return err
		}
		b.Stack.Push("loop "+dev.Path, dev.Detach)

		if err := mkfsPartition(ctx, dev.Path, part); err != nil {
			return err
		}

		target := filepath.Join(b.InstRoot, part.Mountpoint)
		mp, err := fsutil.MountFS(dev.Path, target, mountFSType(part.Fstype), 0, "")
		if err != nil {
			return err
		}
		b.Stack.Push("mount "+target, mp.Unmount)
	}
	return nil
}

// StageFinal optionally shrinks the ext images to their minimal size. The
// image files already carry their final names inside the workspace.
func (p *loopPlugin) StageFinal(ctx context.Context, b *creator.Build) ([]string, error) {
	var staged []string
	for i := range b.Spec.Partitions {
		part := &b.Spec.Partitions[i]
		img := filepath.Join(b.Workspace, p.partImageName(b.Spec, part))
		if b.Cfg.Create.Shrink && strings.HasPrefix(part.Fstype, "ext") {
			size, err := fsutil.ShrinkExt(ctx, img)
			if err != nil {
				return nil, err
			}
			logging.DebugContext(ctx, "shrunk %s to %d bytes", img, size)
		}
		staged = append(staged, img)
	}
	return staged, nil
}

func (p *loopPlugin) Build(ctx context.Context, b *creator.Build) (string, error) {
	if err := b.Run(ctx); err != nil {
		return "", err
	}
	return b.Artifacts[0], nil
}

// Unpack mounts the image read-only and copies its tree into a fresh
// workspace.
func (p *loopPlugin) Unpack(ctx context.Context, path string) (*RootTree, error) {
	fstype, err := detectFilesystem(path)
	if err != nil {
		return nil, err
	}

	stack := fsutil.NewStack()
	defer func() {
		if err := stack.Unwind(); err != nil {
			logging.WarnContext(ctx, "cleanup: %v", err)
		}
	}()

	dev, err := fsutil.AttachLoop(ctx, path, fsutil.LoopOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	stack.Push("loop "+dev.Path, dev.Detach)

	mountDir, err := os.MkdirTemp(p.cfg.Paths.TmpDir, "unpack-")
	if err != nil {
		return nil, err
	}
	stack.Push("unpack dir "+mountDir, func() error { return os.RemoveAll(mountDir) })

	mp, err := fsutil.MountFS(dev.Path, mountDir, fstype, readOnlyMountFlags, "")
	if err != nil {
		return nil, err
	}
	stack.Push("mount "+mountDir, mp.Unmount)

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

// Pack creates a sized ext4 image from the tree in the output directory.
func (p *loopPlugin) Pack(ctx context.Context, tree *RootTree) (string, error) {
	out := filepath.Join(p.cfg.Paths.OutDir, tree.BaseName+p.Extension())
	if err := os.MkdirAll(p.cfg.Paths.OutDir, fsutil.DirPerm); err != nil {
		return "", err
	}

	size := tree.SizeHint
	if size == 0 {
		var err error
		if size, err = fsutil.TreeSize(tree.Dir); err != nil {
			return "", err
		}
	}
	size = mediumSize(size)

	if err := fsutil.SparseFile(out, size); err != nil {
		return "", err
	}

	stack := fsutil.NewStack()
	defer func() {
		if err := stack.Unwind(); err != nil {
			logging.WarnContext(ctx, "cleanup: %v", err)
		}
	}()

	dev, err := fsutil.AttachLoop(ctx, out, fsutil.LoopOptions{})
	if err != nil {
		return "", err
	}
	stack.Push("loop "+dev.Path, dev.Detach)

	label := tree.Label
	if label == "" {
		label = tree.BaseName
	}
	if err := fsutil.MkfsExt(ctx, dev.Path, "ext4", label, 0); err != nil {
		return "", err
	}

	mountDir, err := os.MkdirTemp(p.cfg.Paths.TmpDir, "pack-")
	if err != nil {
		return "", err
	}
	stack.Push("pack dir "+mountDir, func() error { return os.RemoveAll(mountDir) })

	mp, err := fsutil.MountFS(dev.Path, mountDir, "ext4", 0, "")
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
	if p.cfg.Create.Shrink {
		if _, err := fsutil.ShrinkExt(ctx, out); err != nil {
			return "", err
		}
	}
	return out, nil
}

// Chroot mounts the image read-write and opens a shell in it.
func (p *loopPlugin) Chroot(ctx context.Context, path string) error {
	fstype, err := detectFilesystem(path)
	if err != nil {
		return err
	}

	stack := fsutil.NewStack()
	defer func() {
		if err := stack.Unwind(); err != nil {
			logging.WarnContext(ctx, "cleanup: %v", err)
		}
	}()

	dev, err := fsutil.AttachLoop(ctx, path, fsutil.LoopOptions{})
	if err != nil {
		return err
	}
	stack.Push("loop "+dev.Path, dev.Detach)

	mountDir, err := os.MkdirTemp(p.cfg.Paths.TmpDir, "chroot-")
	if err != nil {
		return err
	}
	stack.Push("chroot dir "+mountDir, func() error { return os.RemoveAll(mountDir) })

	mp, err := fsutil.MountFS(dev.Path, mountDir, fstype, 0, "")
	if err != nil {
		return err
	}
	stack.Push("mount "+mountDir, mp.Unmount)

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

// mkfsPartition formats a device according to the partition declaration.
func mkfsPartition(ctx context.Context, device string, part *creator.Partition) error {
	switch part.Fstype {
	case "ext2", "ext3", "ext4":
		return fsutil.MkfsExt(ctx, device, part.Fstype, part.Label, 0)
	case "btrfs":
		return fsutil.MkfsBtrfs(ctx, device, part.Label)
	case "vfat", "msdos":
		return fsutil.MkfsVfat(ctx, device, part.Label)
	default:
		return micerrors.Usagef("unsupported fstype %q", part.Fstype)
	}
}

// mountFSType maps a partition fstype to the kernel filesystem name.
func mountFSType(fstype string) string {
	if fstype == "msdos" {
		return "vfat"
	}
	return fstype
}

// mediumSize pads a tree size with filesystem overhead headroom.
func mediumSize(treeSize int64) int64 {
	size := treeSize + treeSize/4 + 32<<20
	const minSize = 64 << 20
	if size < minSize {
		return minSize
	}
	return size
}
