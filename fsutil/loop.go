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
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	micerrors "github.com/sailfishos/mic/pkg/errors"
)

const (
	loopControlPath = "/dev/loop-control"

	// Other processes race for free loop devices; allocation is retried
	// with a short backoff before giving up.
	loopAttachRetries    = 8
	loopAttachRetryDelay = 250 * time.Millisecond
)

// LoopOptions control how a backing file is attached.
type LoopOptions struct {
	// ReadOnly attaches the device read-only.
	ReadOnly bool

	// PartScan asks the kernel to scan the attached image's partition
	// table and expose /dev/loopNpM partition nodes.
	PartScan bool
}

// LoopDevice is an exclusively-owned mapping of an image file onto a block
// device node. Every attached device must be detached exactly once; Detach
// is idempotent so cleanup stacks can call it unconditionally.
type LoopDevice struct {
	Path    string
	Backing string

	mu       sync.Mutex
	file     *os.File
	attached bool
}

// AttachLoop binds backing to a free loop device. Free-device lookup and the
// LOOP_SET_FD bind race against other builds on the same host, so EBUSY is
// retried with a bounded budget; when the budget is spent the error is
// ErrResourceExhausted.
func AttachLoop(ctx context.Context, backing string, opts LoopOptions) (*LoopDevice, error) {
	flags := os.O_RDWR
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}

	back, err := os.OpenFile(backing, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("open backing file %s: %w", backing, err)
	}

	var lastErr error
	for attempt := 0; attempt < loopAttachRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			back.Close()
			return nil, err
		}

		dev, err := attachOnce(back, opts)
		if err == nil {
			// The kernel holds its own reference after LOOP_SET_FD.
			back.Close()
			return dev, nil
		}
		lastErr = err

		if !errors.Is(err, unix.EBUSY) {
			back.Close()
			return nil, err
		}

		time.Sleep(loopAttachRetryDelay)
	}

	back.Close()
	return nil, micerrors.Exhaustedf("no free loop device for %s after %d attempts: %v",
		backing, loopAttachRetries, lastErr)
}

func attachOnce(back *os.File, opts LoopOptions) (*LoopDevice, error) {
	ctl, err := os.OpenFile(loopControlPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", loopControlPath, err)
	}
	defer ctl.Close()

	idx, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return nil, fmt.Errorf("LOOP_CTL_GET_FREE: %w", err)
	}

	devPath := fmt.Sprintf("/dev/loop%d", idx)
	dev, err := os.OpenFile(devPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", devPath, err)
	}

	if err := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_SET_FD, int(back.Fd())); err != nil {
		dev.Close()
		// EBUSY: someone grabbed the device between GET_FREE and here.
		return nil, fmt.Errorf("LOOP_SET_FD on %s: %w", devPath, err)
	}

	var info unix.LoopInfo64
	if opts.ReadOnly {
		info.Flags |= unix.LO_FLAGS_READ_ONLY
	}
	if opts.PartScan {
		info.Flags |= unix.LO_FLAGS_PARTSCAN
	}
	copy(info.File_name[:], devBackingName(back.Name()))

	if err := unix.IoctlLoopSetStatus64(int(dev.Fd()), &info); err != nil {
		_ = unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0)
		dev.Close()
		return nil, fmt.Errorf("LOOP_SET_STATUS64 on %s: %w", devPath, err)
	}

	return &LoopDevice{
		Path:     devPath,
		Backing:  back.Name(),
		file:     dev,
		attached: true,
	}, nil
}

func devBackingName(name string) []byte {
	// LO_NAME_SIZE is 64 including the terminating NUL.
	if len(name) > 63 {
		name = name[:63]
	}
	return []byte(name)
}

// PartitionPath returns the device node of partition n (1-based) on a
// partition-scanned loop device.
func (d *LoopDevice) PartitionPath(n int) string {
	return fmt.Sprintf("%sp%d", d.Path, n)
}

// Detach releases the loop device. Safe to call more than once.
func (d *LoopDevice) Detach() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.attached {
		return nil
	}
	d.attached = false

	err := unix.IoctlSetInt(int(d.file.Fd()), unix.LOOP_CLR_FD, 0)
	closeErr := d.file.Close()
	if err != nil {
		return fmt.Errorf("LOOP_CLR_FD on %s: %w", d.Path, err)
	}
	return closeErr
}
