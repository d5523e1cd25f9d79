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
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sailfishos/mic/fsutil"
	"github.com/sailfishos/mic/logging"
)

type devNode struct {
	name  string
	mode  uint32
	major uint32
	minor uint32
}

// The minimal device set a package install and post scripts need before the
// image's own udev takes over on first boot.
var devNodes = []devNode{
	{"null", unix.S_IFCHR | 0o666, 1, 3},
	{"zero", unix.S_IFCHR | 0o666, 1, 5},
	{"full", unix.S_IFCHR | 0o666, 1, 7},
	{"random", unix.S_IFCHR | 0o666, 1, 8},
	{"urandom", unix.S_IFCHR | 0o666, 1, 9},
	{"tty", unix.S_IFCHR | 0o666, 5, 0},
	{"console", unix.S_IFCHR | 0o600, 5, 1},
	{"ptmx", unix.S_IFCHR | 0o666, 5, 2},
}

// makeMinimalDev populates instroot/dev with the static nodes package
// scriptlets expect.
func makeMinimalDev(instRoot string) error {
	dev := filepath.Join(instRoot, "dev")
	for _, sub := range []string{"", "pts", "shm"} {
		if err := os.MkdirAll(filepath.Join(dev, sub), fsutil.DirPerm); err != nil {
			return err
		}
	}
	for _, n := range devNodes {
		path := filepath.Join(dev, n.name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := unix.Mknod(path, n.mode, int(unix.Mkdev(n.major, n.minor))); err != nil {
			return fmt.Errorf("mknod %s: %w", path, err)
		}
	}
	for _, link := range [][2]string{
		{"/proc/self/fd", "fd"},
		{"/proc/self/fd/0", "stdin"},
		{"/proc/self/fd/1", "stdout"},
		{"/proc/self/fd/2", "stderr"},
	} {
		path := filepath.Join(dev, link[1])
		if _, err := os.Lstat(path); err == nil {
			continue
		}
		if err := os.Symlink(link[0], path); err != nil {
			return err
		}
	}
	return nil
}

// runInChroot executes a command with its root switched to the image tree.
func runInChroot(ctx context.Context, root, name string, args ...string) error {
	logging.DebugContext(ctx, "chroot %s: %s %s", root, name, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Chroot: root}
	cmd.Dir = "/"
	cmd.Env = []string{
		"PATH=/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=/root",
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s in %s: %w: %s", name, root, err, strings.TrimSpace(string(out)))
	}
	return nil
}
