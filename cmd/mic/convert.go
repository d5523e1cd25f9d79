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

	"github.com/spf13/cobra"

	"github.com/sailfishos/mic/convert"
	"github.com/sailfishos/mic/imager"
	"github.com/sailfishos/mic/logging"
)

var convertForce bool

var convertCmd = &cobra.Command{
	Use:   "convert <image> <dest-format>",
	Short: "Convert a finished image to another format",
	Long: `Convert detects the format of an existing image, unpacks it into a
root tree, and repacks the tree as the requested destination format. The
source image is left untouched.`,
	Args: exactArgs(2),
	RunE: runConvert,
}

func init() {
	convertCmd.Flags().BoolVar(&convertForce, "force", false, "Overwrite an existing destination image without asking")
}

func runConvert(cmd *cobra.Command, args []string) error {
	if err := requireRoot(); err != nil {
		return err
	}

	ctx := cmd.Context()
	cfg := configFromContext(cmd)
	if cfg == nil {
		return fmt.Errorf("no configuration in context")
	}
	if cmd.Flags().Changed("force") {
		cfg.Convert.Force = convertForce
	}

	registry, err := imager.DefaultRegistry(cfg)
	if err != nil {
		return err
	}

	out, err := convert.Run(ctx, cfg, registry, args[0], args[1])
	if err != nil {
		return err
	}

	logging.InfoContext(ctx, "converted: %s", out)
	return nil
}
