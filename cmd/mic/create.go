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
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sailfishos/mic/backend"
	"github.com/sailfishos/mic/config"
	"github.com/sailfishos/mic/creator"
	"github.com/sailfishos/mic/imager"
	"github.com/sailfishos/mic/logging"
	micerrors "github.com/sailfishos/mic/pkg/errors"
)

// createOptions holds the flags for the create command.
type createOptions struct {
	format        string
	outDir        string
	cacheDir      string
	tmpDir        string
	pkgMgr        string
	compressImage string
	shrink        bool
	copyKernel    bool
	packTo        string
	release       string
	localPkgsPath string
	tokenMap      []string
}

var createOpts createOptions

var createCmd = &cobra.Command{
	Use:   "create <build-spec.yaml>",
	Short: "Build an image from a YAML build description",
	Long: `Create parses a YAML build description, installs the selected packages
into a freshly formatted medium, and packages the result as an image of the
requested format.`,
	Args: exactArgs(1),
	RunE: runCreate,
}

func init() {
	f := createCmd.Flags()
	f.StringVar(&createOpts.format, "format", "", "Image format to build (overrides the build description)")
	f.StringVarP(&createOpts.outDir, "outdir", "o", "", "Directory to place finished artifacts in")
	f.StringVar(&createOpts.cacheDir, "cachedir", "", "Package cache directory")
	f.StringVar(&createOpts.tmpDir, "tmpdir", "", "Workspace directory for intermediate build state")
	f.StringVar(&createOpts.pkgMgr, "pkgmgr", "", "Package manager backend (zypp-backend, yum-backend)")
	f.StringVar(&createOpts.compressImage, "compress-image", "", "Compress finished images (gz, bz2, xz)")
	f.BoolVar(&createOpts.shrink, "shrink", false, "Shrink ext filesystems to their minimum size")
	f.BoolVar(&createOpts.copyKernel, "copy-kernel", false, "Copy kernel images next to the finished artifacts")
	f.StringVar(&createOpts.packTo, "pack-to", "", "Bundle all artifacts into one archive (.tar, .tar.gz, .tar.bz2)")
	f.StringVar(&createOpts.release, "release", "", "Release identifier; artifacts land in a subdirectory of this name")
	f.StringVar(&createOpts.localPkgsPath, "local-pkgs-path", "", "Directory of local RPMs to install on top")
	f.StringSliceVar(&createOpts.tokenMap, "tokenmap", nil, "Token substitutions as TOKEN:VALUE,TOKEN2:VALUE2")
}

func runCreate(cmd *cobra.Command, args []string) error {
	if err := requireRoot(); err != nil {
		return err
	}

	ctx := cmd.Context()
	cfg := configFromContext(cmd)
	if cfg == nil {
		return fmt.Errorf("no configuration in context")
	}

	applyCreateFlags(cmd, cfg)

	tokens, err := parseTokenMap(createOpts.tokenMap)
	if err != nil {
		return err
	}
	for name, value := range cfg.Create.TokenMap {
		if _, ok := tokens[name]; !ok {
			tokens[name] = value
		}
	}
	if cfg.Create.Release != "" {
		if _, ok := tokens["RELEASE"]; !ok {
			tokens["RELEASE"] = cfg.Create.Release
		}
	}

	spec, err := creator.Load(args[0], tokens)
	if err != nil {
		return err
	}

	format := cfg.Create.Format
	if spec.Format != "" {
		format = spec.Format
	}
	if cmd.Flags().Changed("format") {
		format = createOpts.format
	}
	format = imager.NormalizeFormat(format)

	registry, err := imager.DefaultRegistry(cfg)
	if err != nil {
		return err
	}
	plugin, ok := registry.Lookup(format)
	if !ok {
		return micerrors.Usagef("unknown image format %q, available: %s",
			format, strings.Join(registry.Formats(), ", "))
	}
	builder, ok := plugin.(imager.Builder)
	if !ok {
		return micerrors.Unsupportedf("format %s cannot build images", format)
	}
	target, ok := plugin.(creator.Target)
	if !ok {
		return micerrors.Unsupportedf("format %s cannot build images", format)
	}

	pkgMgr := cfg.Create.PkgMgr
	if spec.PkgMgr != "" && !cmd.Flags().Changed("pkgmgr") {
		pkgMgr = spec.PkgMgr
	}
	pkgMgr = backend.NormalizeKind(pkgMgr)
	available := backend.Available(cfg.BackendPluginDir())
	if !slices.Contains(available, pkgMgr) {
		return micerrors.Usagef("package manager %q not enabled, available: %s",
			pkgMgr, strings.Join(available, ", "))
	}
	mgr, err := backend.New(pkgMgr)
	if err != nil {
		return err
	}

	logging.InfoContext(ctx, "building %s image %s", format, spec.Name)

	build := creator.New(spec, cfg, target, mgr)
	artifact, err := builder.Build(ctx, build)
	if err != nil {
		return err
	}

	logging.InfoContext(ctx, "finished: %s", artifact)
	for _, extra := range build.Artifacts {
		if extra != artifact {
			logging.InfoContext(ctx, "artifact: %s", extra)
		}
	}
	return nil
}

// applyCreateFlags overlays changed create flags onto the loaded config.
func applyCreateFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("outdir") {
		cfg.Paths.OutDir = createOpts.outDir
	}
	if flags.Changed("cachedir") {
		cfg.Paths.CacheDir = createOpts.cacheDir
	}
	if flags.Changed("tmpdir") {
		cfg.Paths.TmpDir = createOpts.tmpDir
	}
	if flags.Changed("pkgmgr") {
		cfg.Create.PkgMgr = createOpts.pkgMgr
	}
	if flags.Changed("compress-image") {
		cfg.Create.Compress = createOpts.compressImage
	}
	if flags.Changed("shrink") {
		cfg.Create.Shrink = createOpts.shrink
	}
	if flags.Changed("copy-kernel") {
		cfg.Create.CopyKernel = createOpts.copyKernel
	}
	if flags.Changed("pack-to") {
		cfg.Create.PackTo = createOpts.packTo
	}
	if flags.Changed("release") {
		cfg.Create.Release = createOpts.release
	}
	if flags.Changed("local-pkgs-path") {
		cfg.Create.LocalPkgsPath = createOpts.localPkgsPath
	}
	if cfg.Create.Release != "" {
		cfg.Paths.OutDir = filepath.Join(cfg.Paths.OutDir, cfg.Create.Release)
	}
}

// parseTokenMap parses --tokenmap entries of the form TOKEN:VALUE.
func parseTokenMap(entries []string) (map[string]string, error) {
	tokens := make(map[string]string, len(entries))
	for _, entry := range entries {
		name, value, ok := strings.Cut(entry, ":")
		if !ok || name == "" {
			return nil, micerrors.Usagef("invalid tokenmap entry %q, want TOKEN:VALUE", entry)
		}
		tokens[name] = value
	}
	return tokens, nil
}
