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

// Package chroot runs interactive sessions inside an image tree. Setup
// binds the host's special filesystems into the tree and copies DNS
// configuration; teardown is guaranteed through the cleanup stack on every
// exit path, including an abnormal shell exit.
package chroot

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/sailfishos/mic/fsutil"
	"github.com/sailfishos/mic/logging"
	micerrors "github.com/sailfishos/mic/pkg/errors"
)

// defaultBindMounts are attached in this order; teardown runs in reverse.
// Missing sources are skipped, not errors, because not every host runs
// dbus or binfmt_misc.
var defaultBindMounts = []string{
	"/proc",
	"/proc/sys/fs/binfmt_misc",
	"/sys",
	"/dev",
	"/dev/pts",
	"/dev/shm",
	"/var/lib/dbus",
	"/var/run/dbus",
	"/var/lock",
}

// Session is a prepared chroot environment rooted at Root.
type Session struct {
	Root  string
	Shell string

	// BindMounts holds extra "src:dest" bindings requested by the user.
	BindMounts []Binding

	stack          *fsutil.Stack
	resolvBackup   string
	resolvExisted  bool
	resolvModified bool
}

// Binding is one user-requested bind mount into the session.
type Binding struct {
	Source string
	Dest   string
}

// ParseBindings parses the "src:dest;src2:dest2" declaration format. A
// binding without an explicit destination reuses the source path inside the
// chroot.
func ParseBindings(decl string) ([]Binding, error) {
	var out []Binding
	for _, part := range strings.Split(decl, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ":", 2)
		b := Binding{Source: fields[0], Dest: fields[0]}
		if len(fields) == 2 && fields[1] != "" {
			b.Dest = fields[1]
		}
		if !filepath.IsAbs(b.Source) || !filepath.IsAbs(b.Dest) {
			return nil, micerrors.Usagef("bind mount %q: paths must be absolute", part)
		}
		out = append(out, b)
	}
	return out, nil
}

// New validates the target directory and prepares a session. The target
// must already be a directory tree; images are mounted by their format
// plugin before a session starts.
func New(root, shell string, binds []Binding) (*Session, error) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", micerrors.ErrNotFound, root)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	if shell == "" {
		shell = "/bin/bash"
	}
	return &Session{
		Root:       root,
		Shell:      shell,
		BindMounts: binds,
		stack:      fsutil.NewStack(),
	}, nil
}

// Run sets up the environment, executes the shell, and tears everything
// down. The teardown error is reported only when the shell itself
// succeeded.
func (s *Session) Run(ctx context.Context) error {
	setupErr := s.setup(ctx)
	var shellErr error
	if setupErr == nil {
		shellErr = s.execShell(ctx)
	}

	teardownErr := s.teardown(ctx)

	switch {
	case setupErr != nil:
		return setupErr
	case shellErr != nil:
		return shellErr
	default:
		return teardownErr
	}
}

func (s *Session) setup(ctx context.Context) error {
	for _, src := range defaultBindMounts {
		if _, err := os.Stat(src); err != nil {
			logging.DebugContext(ctx, "skipping bind mount %s: %v", src, err)
			continue
		}
		if err := s.bind(src, filepath.Join(s.Root, src)); err != nil {
			return err
		}
	}
	for _, b := range s.BindMounts {
		if err := s.bind(b.Source, filepath.Join(s.Root, b.Dest)); err != nil {
			return err
		}
	}
	return s.copyResolvConf()
}

func (s *Session) bind(src, dest string) error {
	mp, err := fsutil.BindMount(src, dest, false)
	if err != nil {
		return err
	}
	s.stack.Push("bind "+src, mp.Unmount)
	return nil
}

// copyResolvConf makes name resolution work inside the session; the
// original file is restored on teardown.
func (s *Session) copyResolvConf() error {
	target := filepath.Join(s.Root, "etc", "resolv.conf")
	if _, err := os.Stat(target); err == nil {
		backup := target + ".micsave"
		if err := fsutil.CopyFile(target, backup); err != nil {
			return err
		}
		s.resolvBackup = backup
		s.resolvExisted = true
	}
	if err := os.MkdirAll(filepath.Dir(target), fsutil.DirPerm); err != nil {
		return err
	}
	if err := fsutil.CopyFile("/etc/resolv.conf", target); err != nil {
		return err
	}
	s.resolvModified = true
	return nil
}

func (s *Session) execShell(ctx context.Context) error {
	logging.InfoContext(ctx, "entering chroot %s", s.Root)
	logging.RawContext(ctx, "Type exit to leave the session.")

	cmd := exec.CommandContext(ctx, s.Shell)
	cmd.SysProcAttr = &syscall.SysProcAttr{Chroot: s.Root}
	cmd.Dir = "/"
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = []string{
		"HOME=/root",
		"PATH=/usr/sbin:/usr/bin:/sbin:/bin",
		"PS1=[chroot \\W]# ",
	}
	return cmd.Run()
}

func (s *Session) teardown(ctx context.Context) error {
	s.restoreResolvConf(ctx)
	s.killStrayProcesses(ctx)
	return s.stack.Unwind()
}

func (s *Session) restoreResolvConf(ctx context.Context) {
	if !s.resolvModified {
		return
	}
	target := filepath.Join(s.Root, "etc", "resolv.conf")
	var err error
	if s.resolvExisted {
		err = os.Rename(s.resolvBackup, target)
	} else {
		err = os.Remove(target)
	}
	if err != nil {
		logging.WarnContext(ctx, "restore resolv.conf: %v", err)
	}
	s.resolvModified = false
}

// killStrayProcesses terminates processes still rooted in the session tree
// so the unmounts beneath them do not report busy.
func (s *Session) killStrayProcesses(ctx context.Context) {
	procs, err := os.ReadDir("/proc")
	if err != nil {
		return
	}
	for _, p := range procs {
		pid, err := strconv.Atoi(p.Name())
		if err != nil {
			continue
		}
		root, err := os.Readlink(filepath.Join("/proc", p.Name(), "root"))
		if err != nil || root != s.Root {
			continue
		}
		logging.WarnContext(ctx, "killing process %d still rooted in %s", pid, s.Root)
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}
