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
	"fmt"
	"os/exec"
	"strings"

	"github.com/sailfishos/mic/logging"
)

// FindTool resolves an external tool on PATH. Image builds depend on a
// handful of host utilities (mkfs.*, parted, mksquashfs, ...); resolving
// them up front turns a missing tool into a clear error before any resource
// is acquired.
func FindTool(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("command %q is not available: %w", name, err)
	}
	return path, nil
}

// Run executes an external tool, logging the invocation at debug level.
// On a non-zero exit the combined output is folded into the returned error.
func Run(ctx context.Context, name string, args ...string) error {
	logging.DebugContext(ctx, "exec: %s %s", name, strings.Join(args, " "))

	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Output executes an external tool and returns its combined output.
func Output(ctx context.Context, name string, args ...string) (string, error) {
	logging.DebugContext(ctx, "exec: %s %s", name, strings.Join(args, " "))

	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Quiet executes an external tool and ignores its exit status. Used on
// teardown paths where a best-effort release must not mask the original
// failure.
func Quiet(ctx context.Context, name string, args ...string) {
	logging.DebugContext(ctx, "exec (quiet): %s %s", name, strings.Join(args, " "))
	_ = exec.CommandContext(ctx, name, args...).Run()
}
