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

	"github.com/sailfishos/mic/chroot"
	"github.com/sailfishos/mic/config"
	"github.com/sailfishos/mic/creator"
	"github.com/sailfishos/mic/fsutil"
)

// fsPlugin delivers the install root as a plain directory tree, with no
// image medium at all. Useful for rootfs tarball pipelines and debugging.
type fsPlugin struct {
	cfg *config.Config
}

// NewFSPlugin returns the handler for the fs format.
func NewFSPlugin(cfg *config.Config) Plugin {
	return &fsPlugin{cfg: cfg}
}

func (p *fsPlugin) Name() string      { return "fs" }
func (p *fsPlugin) Extension() string { return "" }

var (
	_ Builder        = (*fsPlugin)(nil)
	_ Unpacker       = (*fsPlugin)(nil)
	_ Packer         = (*fsPlugin)(nil)
	_ Chrooter       = (*fsPlugin)(nil)
	_ creator.Target = (*fsPlugin)(nil)
)

func (p *fsPlugin) OutputName(spec *creator.Specification) string {
	return spec.Name
}

// MountInstRoot has nothing to create; packages install straight into the
// workspace directory.
func (p *fsPlugin) MountInstRoot(_ context.Context, _ *creator.Build) error {
	return nil
}

// StageFinal renames the populated tree to its artifact name.
func (p *fsPlugin) StageFinal(_ context.Context, b *creator.Build) ([]string, error) {
	staged := filepath.Join(b.Workspace, p.OutputName(b.Spec))
	if err := os.Rename(b.InstRoot, staged); err != nil {
		return nil, err
	}
	return []string{staged}, nil
}

func (p *fsPlugin) Build(ctx context.Context, b *creator.Build) (string, error) {
	if err := b.Run(ctx); err != nil {
		return "", err
	}
	return b.Artifacts[0], nil
}

// Unpack copies the source directory into a fresh tree so the conversion
// never mutates its input.
func (p *fsPlugin) Unpack(ctx context.Context, path string) (*RootTree, error) {
	tree, err := NewRootTree(p.cfg.Paths.TmpDir, p.Name())
	if err != nil {
		return nil, err
	}
	if err := copyTree(ctx, path, tree.Dir); err != nil {
		tree.Remove()
		return nil, err
	}
	if tree.SizeHint, err = fsutil.TreeSize(tree.Dir); err != nil {
		tree.Remove()
		return nil, err
	}
	return tree, nil
}

// Pack copies the tree into the output directory as a directory artifact.
func (p *fsPlugin) Pack(ctx context.Context, tree *RootTree) (string, error) {
	out := filepath.Join(p.cfg.Paths.OutDir, tree.BaseName)
	if err := copyTree(ctx, tree.Dir, out); err != nil {
		return "", err
	}
	return out, nil
}

// Chroot opens a session directly in the directory tree.
func (p *fsPlugin) Chroot(ctx context.Context, path string) error {
	if err := saveTree(ctx, p.cfg.Chroot.SaveTo, path); err != nil {
		return err
	}

	binds, err := chroot.ParseBindings(p.cfg.Chroot.BindMounts)
	if err != nil {
		return err
	}
	session, err := chroot.New(path, p.cfg.Chroot.Shell, binds)
	if err != nil {
		return err
	}
	return session.Run(ctx)
}
