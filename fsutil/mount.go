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

package fsutil

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// MountPoint is a scoped binding of a filesystem or directory into the host
// namespace. Nested mount points must be unmounted in reverse order of
// mounting; callers push Unmount onto their cleanup Stack to get that for
// free.
type MountPoint struct {
	Source string
	Target string
	FSType string
	Flags  uintptr
	Data   string

	mu         sync.Mutex
	mounted    bool
	createdDir bool
}

// MountFS mounts a block device (usually a loop device) at target, creating
// the mount point directory if needed.
func MountFS(source, target, fstype string, flags uintptr, data string) (*MountPoint, error) {
	m := &MountPoint{Source: source, Target: target, FSType: fstype, Flags: flags, Data: data}
	if err := m.mount(); err != nil {
		return nil, err
	}
	return m, nil
}

// BindMount binds src at target. With readOnly set, the bind is remounted
// read-only after attachment (a plain MS_BIND ignores MS_RDONLY).
func BindMount(src, target string, readOnly bool) (*MountPoint, error) {
	m := &MountPoint{Source: src, Target: target, Flags: unix.MS_BIND}
	if err := m.mount(); err != nil {
		return nil, err
	}

	if readOnly {
		remountFlags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY)
		if err := unix.Mount("", target, "", remountFlags, ""); err != nil {
			_ = m.Unmount()
			return nil, fmt.Errorf("remount %s read-only: %w", target, err)
		}
	}
	return m, nil
}

func (m *MountPoint) mount() error {
	if _, err := os.Stat(m.Target); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := os.MkdirAll(m.Target, DirPerm); err != nil {
			return fmt.Errorf("create mount point %s: %w", m.Target, err)
		}
		m.createdDir = true
	}

	if err := unix.Mount(m.Source, m.Target, m.FSType, m.Flags, m.Data); err != nil {
		return fmt.Errorf("mount %s at %s: %w", m.Source, m.Target, err)
	}
	m.mounted = true
	return nil
}

// Unmount detaches the mount point. A busy target falls back to a lazy
// detach so a stuck process inside the tree cannot wedge the whole cleanup
// stack. Safe to call more than once.
func (m *MountPoint) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mounted {
		return nil
	}

	unix.Sync()
	err := unix.Unmount(m.Target, 0)
	if errors.Is(err, unix.EBUSY) {
		err = unix.Unmount(m.Target, unix.MNT_DETACH)
	}
	if err != nil {
		return fmt.Errorf("unmount %s: %w", m.Target, err)
	}
	m.mounted = false

	if m.createdDir {
		// Best effort; a populated mount point dir is not an error.
		_ = os.Remove(m.Target)
		m.createdDir = false
	}
	return nil
}

// Mounted reports whether the mount point is currently attached.
func (m *MountPoint) Mounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}
