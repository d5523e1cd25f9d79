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

	"github.com/sailfishos/mic/fsutil"
	"github.com/sailfishos/mic/logging"
	micerrors "github.com/sailfishos/mic/pkg/errors"
)

type dnfManager struct{}

func (d *dnfManager) Kind() string { return "yum-backend" }

// InstallInto installs the package set with dnf. Repositories are passed as
// --repofrompath definitions so nothing has to be written under the host's
// /etc/yum.repos.d.
func (d *dnfManager) InstallInto(ctx context.Context, targetRoot string, packages []string, repos []Repository) error {
	tool, err := fsutil.FindTool("dnf")
	if err != nil {
		return err
	}

	args := []string{
		"--assumeyes",
		"--installroot", targetRoot,
		"--setopt=install_weak_deps=False",
		"--disablerepo=*",
	}
	gpgCheck := false
	for _, repo := range repos {
		logging.DebugContext(ctx, "adding repository %s (%s)", repo.Name, logging.RedactURL(repo.BaseURL))
		args = append(args,
			fmt.Sprintf("--repofrompath=%s,%s", repo.Name, repo.BaseURL),
			fmt.Sprintf("--enablerepo=%s", repo.Name),
		)
		if repo.GPGKey != "" {
			gpgCheck = true
		}
	}
	if !gpgCheck {
		args = append(args, "--nogpgcheck")
	}
	args = append(args, "install")
	args = append(args, packages...)

	logging.InfoContext(ctx, "installing %d packages into %s", len(packages), targetRoot)
	if err := fsutil.Run(ctx, tool, args...); err != nil {
		d.scrub(ctx, targetRoot)
		return micerrors.Wrap("install packages", fmt.Sprintf("%d requested", len(packages)), err)
	}
	return nil
}

func (d *dnfManager) scrub(ctx context.Context, targetRoot string) {
	for _, sub := range []string{"var/cache/dnf", "var/log/dnf.log", "var/lib/dnf"} {
		if err := os.RemoveAll(filepath.Join(targetRoot, sub)); err != nil {
			logging.DebugContext(ctx, "scrub %s: %v", sub, err)
		}
	}
}
