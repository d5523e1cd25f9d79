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

package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sailfishos/mic/fsutil"
	"github.com/sailfishos/mic/logging"
	micerrors "github.com/sailfishos/mic/pkg/errors"
)

type zypperManager struct{}

func (z *zypperManager) Kind() string { return "zypp-backend" }

// InstallInto configures the requested repositories against the target
// root, refreshes them, and installs the package set. Zypper keeps its
// metadata under the target's /var/cache/zypp; that cache is scrubbed on
// failure so a half-populated root can still be released cleanly.
func (z *zypperManager) InstallInto(ctx context.Context, targetRoot string, packages []string, repos []Repository) error {
	tool, err := fsutil.FindTool("zypper")
	if err != nil {
		return err
	}

	base := []string{"--non-interactive", "--root", targetRoot}

	for _, repo := range repos {
		logging.DebugContext(ctx, "adding repository %s (%s)", repo.Name, logging.RedactURL(repo.BaseURL))
		args := append(base, "addrepo", "--refresh")
		if repo.Priority > 0 {
			args = append(args, "--priority", strconv.Itoa(repo.Priority))
		}
		if repo.GPGKey == "" {
			args = append(args, "--no-gpgcheck")
		}
		args = append(args, repo.BaseURL, repo.Name)
		if err := fsutil.Run(ctx, tool, args...); err != nil {
			return micerrors.Wrap("add repository", repo.Name, err)
		}
	}

	refreshArgs := append(append([]string{}, base...), "--gpg-auto-import-keys", "refresh")
	if err := fsutil.Run(ctx, tool, refreshArgs...); err != nil {
		z.scrub(ctx, targetRoot)
		return micerrors.Wrap("refresh repositories", targetRoot, err)
	}

	logging.InfoContext(ctx, "installing %d packages into %s", len(packages), targetRoot)
	installArgs := append(append([]string{}, base...), "install", "--auto-agree-with-licenses", "--no-recommends")
	installArgs = append(installArgs, packages...)
	if err := fsutil.Run(ctx, tool, installArgs...); err != nil {
		z.scrub(ctx, targetRoot)
		return micerrors.Wrap("install packages", fmt.Sprintf("%d requested", len(packages)), err)
	}
	return nil
}

// scrub drops zypper's private state from the target so cleanup can proceed
// and a retry starts fresh.
func (z *zypperManager) scrub(ctx context.Context, targetRoot string) {
	for _, sub := range []string{"var/cache/zypp", "var/log/zypp", "etc/zypp/repos.d"} {
		if err := os.RemoveAll(filepath.Join(targetRoot, sub)); err != nil {
			logging.DebugContext(ctx, "scrub %s: %v", sub, err)
		}
	}
}
