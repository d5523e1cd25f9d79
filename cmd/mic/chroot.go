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

package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sailfishos/mic/imager"
	"github.com/sailfishos/mic/logging"
	micerrors "github.com/sailfishos/mic/pkg/errors"
)

// chrootOptions holds the flags for the chroot command.
type chrootOptions struct {
	bindMounts string
	saveTo     string
}

var chrootOpts chrootOptions

var chrootCmd = &cobra.Command{
	Use:   "chroot <image-or-directory>",
	Short: "Open an interactive shell inside an image",
	Long: `Chroot mounts an existing image (or uses a directory tree directly),
binds the usual pseudo-filesystems, and starts a shell rooted in it. Changes
made in the session persist in the image.`,
	Args: exactArgs(1),
	RunE: runChroot,
}

func init() {
	f := chrootCmd.Flags()
	f.StringVar(&chrootOpts.bindMounts, "bindmounts", "", "Extra bind mounts as src:dest;src2:dest2")
	f.StringVar(&chrootOpts.saveTo, "saveto", "", "Copy the mounted tree to this directory before entering the shell")
}

func runChroot(cmd *cobra.Command, args []string) error {
	if err := requireRoot(); err != nil {
		return err
	}

	ctx := cmd.Context()
	cfg := configFromContext(cmd)
	if cfg == nil {
		return fmt.Errorf("no configuration in context")
	}
	if cmd.Flags().Changed("bindmounts") {
		cfg.Chroot.BindMounts = chrootOpts.bindMounts
	}
	if cmd.Flags().Changed("saveto") {
		cfg.Chroot.SaveTo = chrootOpts.saveTo
	}

	format, err := imager.Detect(args[0])
	if err != nil {
		return err
	}

	registry, err := imager.DefaultRegistry(cfg)
	if err != nil {
		return err
	}
	chrooters := registry.Chrooters()
	chrooter, ok := chrooters[format]
	if !ok {
		capable := make([]string, 0, len(chrooters))
		for name := range chrooters {
			capable = append(capable, name)
		}
		sort.Strings(capable)
		return micerrors.Unsupportedf("format %s cannot host a chroot session, supported: %s",
			format, strings.Join(capable, ", "))
	}

	logging.DebugContext(ctx, "chroot into %s image %s", format, args[0])
	return chrooter.Chroot(ctx, args[0])
}
