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

// Package convert orchestrates image format conversions: detect the source,
// extract it to the canonical intermediate tree, and repack into the
// destination format. The intermediate tree is always removed, whether the
// conversion succeeds or fails.
package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sailfishos/mic/config"
	"github.com/sailfishos/mic/imager"
	"github.com/sailfishos/mic/logging"
	micerrors "github.com/sailfishos/mic/pkg/errors"
)

// Run converts srcPath into the destKey format, returning the artifact
// path. The destination filename is derived from the source name and the
// destination format's canonical extension; a collision prompts (or aborts)
// before any work starts.
func Run(ctx context.Context, cfg *config.Config, registry *imager.Registry, srcPath, destKey string) (string, error) {
	srcKey, err := imager.Detect(srcPath)
	if err != nil {
		return "", err
	}
	destKey = imager.NormalizeFormat(destKey)
	logging.InfoContext(ctx, "converting %s (%s) to %s", srcPath, srcKey, destKey)

	// Both directions must be available before anything is touched.
	unpacker, unpackOK := registry.Unpackers()[srcKey]
	destPlugin, destRegistered := registry.Lookup(destKey)
	var packer imager.Packer
	packOK := false
	if destRegistered {
		packer, packOK = destPlugin.(imager.Packer)
	}
	switch {
	case !unpackOK && !packOK:
		return "", micerrors.Conversionf("no unpacker for %s and no packer for %s", srcKey, destKey)
	case !unpackOK:
		return "", micerrors.Conversionf("format %s cannot be unpacked", srcKey)
	case !packOK:
		return "", micerrors.Conversionf("format %s cannot be packed", destKey)
	}

	baseName := artifactBase(srcPath)
	dest := filepath.Join(cfg.Paths.OutDir, baseName+destPlugin.Extension())
	if sameFile(srcPath, dest) {
		return "", micerrors.Conversionf("source and destination are the same file: %s", dest)
	}
	if _, err := os.Stat(dest); err == nil && !cfg.Convert.Force {
		if !logging.AskContext(ctx, fmt.Sprintf("%s already exists, overwrite?", dest), false) {
			return "", micerrors.ErrAbort
		}
	}

	tree, err := unpacker.Unpack(ctx, srcPath)
	if err != nil {
		return "", micerrors.Wrap("unpack image", srcPath, err)
	}
	defer func() {
		if err := tree.Remove(); err != nil {
			logging.WarnContext(ctx, "remove intermediate tree: %v", err)
		}
	}()
	tree.BaseName = baseName

	out, err := packer.Pack(ctx, tree)
	if err != nil {
		return "", micerrors.Wrap("pack image", destKey, err)
	}
	logging.InfoContext(ctx, "created %s", out)
	return out, nil
}

// artifactBase strips the image extension from the source filename.
func artifactBase(path string) string {
	base := filepath.Base(filepath.Clean(path))
	ext := filepath.Ext(base)
	switch strings.ToLower(ext) {
	case ".img", ".iso", ".usbimg", ".raw":
		return strings.TrimSuffix(base, ext)
	}
	return base
}

func sameFile(a, b string) bool {
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}
