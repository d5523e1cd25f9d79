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
	"os"
	"path/filepath"

	"github.com/sailfishos/mic/config"
	"github.com/sailfishos/mic/creator"
	"github.com/sailfishos/mic/fsutil"
)

// liveusbPlugin produces the same live payload as livecd, made writable to
// USB media by hybridizing the ISO with an MBR.
type liveusbPlugin struct {
	cd *livecdPlugin
}

// NewLiveUSBPlugin returns the handler for the liveusb format.
func NewLiveUSBPlugin(cfg *config.Config) Plugin {
	return &liveusbPlugin{cd: &livecdPlugin{cfg: cfg}}
}

func (p *liveusbPlugin) Name() string      { return "liveusb" }
func (p *liveusbPlugin) Extension() string { return ".usbimg" }

var (
	_ Builder        = (*liveusbPlugin)(nil)
	_ Unpacker       = (*liveusbPlugin)(nil)
	_ Packer         = (*liveusbPlugin)(nil)
	_ creator.Target = (*liveusbPlugin)(nil)
)

func (p *liveusbPlugin) OutputName(spec *creator.Specification) string {
	return spec.Name + ".usbimg"
}

func (p *liveusbPlugin) MountInstRoot(ctx context.Context, b *creator.Build) error {
	return p.cd.MountInstRoot(ctx, b)
}

// StageFinal builds the live ISO and stamps it with an MBR so it boots from
// USB media as well as optical.
func (p *liveusbPlugin) StageFinal(ctx context.Context, b *creator.Build) ([]string, error) {
	out := filepath.Join(b.Workspace, p.OutputName(b.Spec))
	label := b.Spec.Name
	if root := b.Spec.RootPartition(); root != nil && root.Label != "" {
		label = root.Label
	}
	if err := p.cd.buildISO(ctx, b.InstRoot, b.Workspace, out, label); err != nil {
		return nil, err
	}
	if err := hybridize(ctx, out); err != nil {
		return nil, err
	}
	return []string{out}, nil
}

// hybridize writes an MBR into the ISO so BIOSes treat it as a disk.
func hybridize(ctx context.Context, image string) error {
	tool, err := fsutil.FindTool("isohybrid")
	if err != nil {
		return err
	}
	return fsutil.Run(ctx, tool, image)
}

func (p *liveusbPlugin) Build(ctx context.Context, b *creator.Build) (string, error) {
	if err := b.Run(ctx); err != nil {
		return "", err
	}
	return b.Artifacts[0], nil
}

// Unpack reads the hybrid image exactly like a livecd: the ISO structures
// are intact behind the MBR.
func (p *liveusbPlugin) Unpack(ctx context.Context, path string) (*RootTree, error) {
	tree, err := p.cd.Unpack(ctx, path)
	if err != nil {
		return nil, err
	}
	tree.SourceFormat = p.Name()
	return tree, nil
}

// Pack builds a hybrid live image from the tree.
func (p *liveusbPlugin) Pack(ctx context.Context, tree *RootTree) (string, error) {
	out := filepath.Join(p.cd.cfg.Paths.OutDir, tree.BaseName+p.Extension())
	if err := os.MkdirAll(p.cd.cfg.Paths.OutDir, fsutil.DirPerm); err != nil {
		return "", err
	}

	workDir, err := os.MkdirTemp(p.cd.cfg.Paths.TmpDir, "liveusb-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(workDir)

	label := tree.Label
	if label == "" {
		label = tree.BaseName
	}
	if err := p.cd.buildISO(ctx, tree.Dir, workDir, out, label); err != nil {
		return "", err
	}
	if err := hybridize(ctx, out); err != nil {
		os.Remove(out)
		return "", err
	}
	return out, nil
}
