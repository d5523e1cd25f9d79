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
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"

	"github.com/sailfishos/mic/config"
	"github.com/sailfishos/mic/creator"
	"github.com/sailfishos/mic/fsutil"
	"github.com/sailfishos/mic/logging"
	micerrors "github.com/sailfishos/mic/pkg/errors"
)

// liveOSDir and squashName fix the payload layout live boot initrds expect.
const (
	liveOSDir  = "LiveOS"
	squashName = "squashfs.img"
)

// livecdPlugin produces ISO 9660 media with the root filesystem squashed
// into LiveOS/squashfs.img, plus an isolinux boot tree when the image
// carries a kernel.
type livecdPlugin struct {
	cfg *config.Config
}

// NewLiveCDPlugin returns the handler for the livecd format.
func NewLiveCDPlugin(cfg *config.Config) Plugin {
	return &livecdPlugin{cfg: cfg}
}

func (p *livecdPlugin) Name() string      { return "livecd" }
func (p *livecdPlugin) Extension() string { return ".iso" }

var (
	_ Builder        = (*livecdPlugin)(nil)
	_ Unpacker       = (*livecdPlugin)(nil)
	_ Packer         = (*livecdPlugin)(nil)
	_ creator.Target = (*livecdPlugin)(nil)
)

func (p *livecdPlugin) OutputName(spec *creator.Specification) string {
	return spec.Name + ".iso"
}

// MountInstRoot needs no medium: the root filesystem grows in a plain
// directory and is squashed at staging time.
func (p *livecdPlugin) MountInstRoot(_ context.Context, _ *creator.Build) error {
	return nil
}

// StageFinal squashes the install root and wraps it into an ISO.
func (p *livecdPlugin) StageFinal(ctx context.Context, b *creator.Build) ([]string, error) {
	out := filepath.Join(b.Workspace, p.OutputName(b.Spec))
	label := b.Spec.Name
	if root := b.Spec.RootPartition(); root != nil && root.Label != "" {
		label = root.Label
	}
	if err := p.buildISO(ctx, b.InstRoot, b.Workspace, out, label); err != nil {
		return nil, err
	}
	return []string{out}, nil
}

// buildISO assembles the ISO tree (squashed root plus isolinux boot files)
// in a staging directory and writes the image.
func (p *livecdPlugin) buildISO(ctx context.Context, rootTree, workDir, out, label string) error {
	isoTree := filepath.Join(workDir, "isotree")
	if err := os.MkdirAll(filepath.Join(isoTree, liveOSDir), fsutil.DirPerm); err != nil {
		return err
	}
	defer os.RemoveAll(isoTree)

	squash := filepath.Join(isoTree, liveOSDir, squashName)
	if err := fsutil.MkSquashfs(ctx, rootTree, squash); err != nil {
		return err
	}

	if err := stageIsolinux(ctx, rootTree, isoTree); err != nil {
		return err
	}

	if err := writeISO(isoTree, out, label); err != nil {
		return err
	}
	return implantChecksum(ctx, out)
}

// stageIsolinux copies the kernel, initrd, and isolinux loader into the ISO
// tree. An image without a kernel still packs; it just cannot boot
// directly.
func stageIsolinux(ctx context.Context, rootTree, isoTree string) error {
	kernels, _ := filepath.Glob(filepath.Join(rootTree, "boot", "vmlinuz*"))
	if len(kernels) == 0 {
		logging.DebugContext(ctx, "no kernel in %s, packing data-only media", rootTree)
		return nil
	}

	dir := filepath.Join(isoTree, "isolinux")
	if err := os.MkdirAll(dir, fsutil.DirPerm); err != nil {
		return err
	}
	if err := fsutil.CopyFile(kernels[0], filepath.Join(dir, "vmlinuz")); err != nil {
		return err
	}
	if initrds, _ := filepath.Glob(filepath.Join(rootTree, "boot", "initr*")); len(initrds) > 0 {
		if err := fsutil.CopyFile(initrds[0], filepath.Join(dir, "initrd.img")); err != nil {
			return err
		}
	}
	for _, loader := range []string{
		"/usr/share/syslinux/isolinux.bin",
		"/usr/lib/syslinux/isolinux.bin",
	} {
		if _, err := os.Stat(loader); err == nil {
			if err := fsutil.CopyFile(loader, filepath.Join(dir, "isolinux.bin")); err != nil {
				return err
			}
			break
		}
	}

	cfg := strings.Join([]string{
		"default live",
		"timeout 100",
		"",
		"label live",
		"\tkernel vmlinuz",
		"\tappend initrd=initrd.img root=live:CDLABEL rootfstype=auto ro",
		"",
	}, "\n")
	return os.WriteFile(filepath.Join(dir, "isolinux.cfg"), []byte(cfg), fsutil.FilePerm)
}

// writeISO turns a staged directory into an ISO 9660 image.
func writeISO(tree, out, label string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(tree, "/"); err != nil {
		return fmt.Errorf("stage iso tree: %w", err)
	}

	f, err := os.OpenFile(out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fsutil.FilePerm)
	if err != nil {
		return err
	}
	if err := writer.WriteTo(f, isoLabel(label)); err != nil {
		f.Close()
		os.Remove(out)
		return fmt.Errorf("write iso: %w", err)
	}
	return f.Close()
}

// isoLabel constrains a name to the ISO 9660 volume identifier alphabet.
func isoLabel(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
		if b.Len() == 32 {
			break
		}
	}
	if b.Len() == 0 {
		return "MIC_LIVE"
	}
	return b.String()
}

// implantChecksum embeds a media-check checksum when the host has the
// implant tool; media verification is optional, so a missing tool is not an
// error.
func implantChecksum(ctx context.Context, iso string) error {
	tool, err := fsutil.FindTool("implantisomd5")
	if err != nil {
		logging.DebugContext(ctx, "skipping media checksum: %v", err)
		return nil
	}
	return fsutil.Run(ctx, tool, iso)
}

func (p *livecdPlugin) Build(ctx context.Context, b *creator.Build) (string, error) {
	if err := b.Run(ctx); err != nil {
		return "", err
	}
	return b.Artifacts[0], nil
}

// Unpack reads the ISO, pulls out the squashed root, and expands it into a
// fresh tree.
func (p *livecdPlugin) Unpack(ctx context.Context, path string) (*RootTree, error) {
	squash, cleanup, err := extractSquashPayload(path, p.cfg.Paths.TmpDir)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	tree, err := NewRootTree(p.cfg.Paths.TmpDir, p.Name())
	if err != nil {
		return nil, err
	}
	if err := fsutil.UnSquashfs(ctx, squash, tree.Dir); err != nil {
		tree.Remove()
		return nil, err
	}
	if tree.SizeHint, err = fsutil.TreeSize(tree.Dir); err != nil {
		tree.Remove()
		return nil, err
	}
	return tree, nil
}

// extractSquashPayload copies LiveOS/squashfs.img out of the ISO. A live
// medium without the payload cannot be converted.
func extractSquashPayload(isoPath, tmpDir string) (string, func(), error) {
	f, err := os.Open(isoPath)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	img, err := iso9660.OpenImage(f)
	if err != nil {
		return "", nil, micerrors.Conversionf("%s is not a readable ISO: %v", isoPath, err)
	}
	root, err := img.RootDir()
	if err != nil {
		return "", nil, err
	}
	payload, err := findISOFile(root, liveOSDir, squashName)
	if err != nil {
		return "", nil, err
	}
	if payload == nil {
		return "", nil, micerrors.Conversionf("%s carries no %s/%s payload", isoPath, liveOSDir, squashName)
	}

	dir, err := os.MkdirTemp(tmpDir, "squash-")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	out := filepath.Join(dir, squashName)
	dst, err := os.OpenFile(out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fsutil.FilePerm)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	if _, err := io.Copy(dst, payload.Reader()); err != nil {
		dst.Close()
		cleanup()
		return "", nil, err
	}
	if err := dst.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return out, cleanup, nil
}

// findISOFile walks one directory level down for dirName/fileName. ISO
// names are case-folded by the reader, so the match ignores case.
func findISOFile(root *iso9660.File, dirName, fileName string) (*iso9660.File, error) {
	children, err := root.GetChildren()
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		if !child.IsDir() || !strings.EqualFold(child.Name(), dirName) {
			continue
		}
		files, err := child.GetChildren()
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if !f.IsDir() && strings.EqualFold(f.Name(), fileName) {
				return f, nil
			}
		}
	}
	return nil, nil
}

// Pack squashes the tree and writes a fresh ISO.
func (p *livecdPlugin) Pack(ctx context.Context, tree *RootTree) (string, error) {
	out := filepath.Join(p.cfg.Paths.OutDir, tree.BaseName+p.Extension())
	if err := os.MkdirAll(p.cfg.Paths.OutDir, fsutil.DirPerm); err != nil {
		return "", err
	}

	workDir, err := os.MkdirTemp(p.cfg.Paths.TmpDir, "livecd-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(workDir)

	label := tree.Label
	if label == "" {
		label = tree.BaseName
	}
	if err := p.buildISO(ctx, tree.Dir, workDir, out, label); err != nil {
		return "", err
	}
	return out, nil
}
