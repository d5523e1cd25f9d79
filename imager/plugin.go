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

// Package imager hosts the image format plugins and the registry that
// dispatches builds, conversions, and chroot sessions to them. A plugin
// advertises a capability by implementing the matching interface; callers
// discover capabilities by type assertion, never by flags.
package imager

import (
	"context"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/sailfishos/mic/creator"
	"github.com/sailfishos/mic/fsutil"
	"github.com/sailfishos/mic/logging"
	micerrors "github.com/sailfishos/mic/pkg/errors"
)

// Plugin is an image format handler. The concrete capabilities (Builder,
// Unpacker, Packer, Chrooter) are optional per format.
type Plugin interface {
	// Name returns the format key, e.g. "loop" or "livecd".
	Name() string

	// Extension returns the canonical artifact extension including the
	// dot, or "" for directory artifacts.
	Extension() string
}

// Builder creates a new image from a build in the Parsed state.
type Builder interface {
	Plugin

	// Build runs the build and returns the primary artifact path.
	Build(ctx context.Context, b *creator.Build) (string, error)
}

// Unpacker extracts an existing image into a root tree.
type Unpacker interface {
	Plugin

	Unpack(ctx context.Context, path string) (*RootTree, error)
}

// Packer produces an image of its format from a root tree.
type Packer interface {
	Plugin

	Pack(ctx context.Context, tree *RootTree) (string, error)
}

// Chrooter opens an interactive session inside an image of its format.
type Chrooter interface {
	Plugin

	Chroot(ctx context.Context, path string) error
}

// RootTree is the canonical intermediate of a conversion: an extracted
// directory tree plus the metadata needed to repack it.
type RootTree struct {
	// Dir is the tree root. The orchestrator removes it when the
	// conversion finishes, successfully or not.
	Dir string

	// SourceFormat is the normalized format key the tree came from.
	SourceFormat string

	// SizeHint is the apparent size of the tree in bytes, used to size the
	// destination medium.
	SizeHint int64

	// Label carries the filesystem label of the source, when one existed.
	Label string

	// BaseName is the artifact name stem the packer should use, set by the
	// conversion orchestrator from the source filename.
	BaseName string
}

// NewRootTree allocates a workspace directory for an extracted tree.
func NewRootTree(baseDir, sourceFormat string) (*RootTree, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(baseDir, "roottree-")
	if err != nil {
		return nil, micerrors.Wrap("create root tree workspace", baseDir, err)
	}
	return &RootTree{Dir: dir, SourceFormat: sourceFormat}, nil
}

// Root returns the path files were extracted under.
func (t *RootTree) Root() string { return t.Dir }

// Remove deletes the tree. Idempotent.
func (t *RootTree) Remove() error {
	if t.Dir == "" {
		return nil
	}
	err := os.RemoveAll(t.Dir)
	if err == nil || os.IsNotExist(err) {
		t.Dir = ""
		return nil
	}
	return err
}

// copyTree replicates src into dst preserving ownership, modes, xattrs, and
// sparse regions. cp -a is the one tool that gets all four right.
func copyTree(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	args := []string{"-a", "--sparse=auto"}
	for _, e := range entries {
		args = append(args, filepath.Join(src, e.Name()))
	}
	args = append(args, dst)
	return runTool(ctx, "cp", args...)
}

// readOnlyMountFlags keeps extraction mounts from touching the source.
const readOnlyMountFlags = uintptr(unix.MS_RDONLY)

// runTool resolves and runs a host tool in one step.
func runTool(ctx context.Context, name string, args ...string) error {
	tool, err := fsutil.FindTool(name)
	if err != nil {
		return err
	}
	return fsutil.Run(ctx, tool, args...)
}

// saveTree copies the mounted tree aside before a session starts, when the
// user asked for a snapshot directory.
func saveTree(ctx context.Context, saveTo, mountDir string) error {
	if saveTo == "" {
		return nil
	}
	logging.InfoContext(ctx, "saving tree copy to %s", saveTo)
	return copyTree(ctx, mountDir, saveTo)
}
