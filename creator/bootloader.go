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

package creator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sailfishos/mic/fsutil"
	micerrors "github.com/sailfishos/mic/pkg/errors"
)

// installBootloader writes the bootloader configuration into the image
// tree and runs the installer inside the chroot. The MBR code itself is
// written by the variant when the medium is a partitioned disk.
func installBootloader(ctx context.Context, b *Build) error {
	switch b.Spec.Bootloader.Kind {
	case "extlinux":
		return installExtlinux(ctx, b)
	case "grub":
		return installGrub(ctx, b)
	default:
		return micerrors.Usagef("unsupported bootloader %q", b.Spec.Bootloader.Kind)
	}
}

func installExtlinux(ctx context.Context, b *Build) error {
	dir := filepath.Join(b.InstRoot, "boot", "extlinux")
	if err := os.MkdirAll(dir, fsutil.DirPerm); err != nil {
		return err
	}

	kernel, initrd, err := findBootImages(b.InstRoot)
	if err != nil {
		return err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "prompt 0\ntimeout %d\ndefault linux\n\n", b.Spec.Bootloader.Timeout*10)
	fmt.Fprintf(&sb, "label linux\n\tkernel %s\n", kernel)
	if initrd != "" {
		fmt.Fprintf(&sb, "\tinitrd %s\n", initrd)
	}
	root := b.Spec.RootPartition()
	label := root.Label
	if label == "" {
		label = b.Spec.Name
	}
	fmt.Fprintf(&sb, "\tappend root=LABEL=%s %s\n", label, b.Spec.Bootloader.Append)

	conf := filepath.Join(dir, "extlinux.conf")
	if err := os.WriteFile(conf, []byte(sb.String()), fsutil.FilePerm); err != nil {
		return err
	}
	return runInChroot(ctx, b.InstRoot, "extlinux", "--install", "/boot/extlinux")
}

func installGrub(ctx context.Context, b *Build) error {
	dir := filepath.Join(b.InstRoot, "etc", "default")
	if err := os.MkdirAll(dir, fsutil.DirPerm); err != nil {
		return err
	}
	content := fmt.Sprintf("GRUB_TIMEOUT=%d\nGRUB_CMDLINE_LINUX=%q\n",
		b.Spec.Bootloader.Timeout, b.Spec.Bootloader.Append)
	if err := os.WriteFile(filepath.Join(dir, "grub"), []byte(content), fsutil.FilePerm); err != nil {
		return err
	}
	return runInChroot(ctx, b.InstRoot, "grub2-mkconfig", "-o", "/boot/grub2/grub.cfg")
}

// findBootImages locates the kernel and initrd under boot/, returning paths
// relative to the image root as the bootloader sees them.
func findBootImages(instRoot string) (kernel, initrd string, err error) {
	kernels, err := filepath.Glob(filepath.Join(instRoot, "boot", "vmlinuz*"))
	if err != nil {
		return "", "", err
	}
	if len(kernels) == 0 {
		return "", "", fmt.Errorf("no kernel found under %s/boot", instRoot)
	}
	kernel = "/boot/" + filepath.Base(kernels[0])

	initrds, err := filepath.Glob(filepath.Join(instRoot, "boot", "initr*"))
	if err != nil {
		return "", "", err
	}
	if len(initrds) > 0 {
		initrd = "/boot/" + filepath.Base(initrds[0])
	}
	return kernel, initrd, nil
}
