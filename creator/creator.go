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

// Package creator drives an image build through its fixed sequence of
// steps. Every acquired resource is pushed on a cleanup stack, so a failure
// or interrupt at any step releases mounts, loop devices, and temp trees in
// reverse acquisition order before the error surfaces.
package creator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sailfishos/mic/backend"
	"github.com/sailfishos/mic/config"
	"github.com/sailfishos/mic/fsutil"
	"github.com/sailfishos/mic/logging"
	micerrors "github.com/sailfishos/mic/pkg/errors"
)

// State tracks build progress. Failed is reachable from every non-terminal
// state; Done only from Packaged.
type State int

const (
	StateParsed State = iota
	StatePartitioned
	StateFormatted
	StatePopulated
	StateConfigured
	StatePackaged
	StateDone
	StateFailed
)

var stateNames = map[State]string{
	StateParsed:      "parsed",
	StatePartitioned: "partitioned",
	StateFormatted:   "formatted",
	StatePopulated:   "populated",
	StateConfigured:  "configured",
	StatePackaged:    "packaged",
	StateDone:        "done",
	StateFailed:      "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Target supplies the format-specific parts of a build: how the image
// medium is created and mounted, and how the populated tree is turned into
// the final artifact files. Everything between those two points is common.
type Target interface {
	// Name identifies the format for logs and errors.
	Name() string

	// OutputName returns the artifact filename the build will produce in
	// the output directory, used for the overwrite check before any
	// resource is acquired.
	OutputName(spec *Specification) string

	// MountInstRoot creates the image medium (sparse files, partition
	// tables, filesystems) and mounts it at b.InstRoot, pushing every
	// acquired resource onto b.Stack.
	MountInstRoot(ctx context.Context, b *Build) error

	// StageFinal turns the populated, unmounted medium into final artifact
	// files inside the workspace and returns their paths.
	StageFinal(ctx context.Context, b *Build) ([]string, error)
}

// Build is one image build in flight.
type Build struct {
	// ID uniquely identifies this build in logs and is stamped into the
	// image as /etc/image-id.
	ID string

	Spec    *Specification
	Cfg     *config.Config
	Target  Target
	Backend backend.Manager
	Stack   *fsutil.Stack

	// Workspace is the temp build dir; InstRoot the directory the image
	// filesystems are mounted at while being populated.
	Workspace string
	InstRoot  string

	// Artifacts lists the final output paths after a successful build.
	Artifacts []string

	state State

	// Hooks replaced in tests; nil means the real implementation.
	specialMounts func(ctx context.Context, b *Build) error
	makeDevNodes  func(b *Build) error
}

// New prepares a build in the Parsed state.
func New(spec *Specification, cfg *config.Config, target Target, mgr backend.Manager) *Build {
	return &Build{
		ID:      uuid.NewString(),
		Spec:    spec,
		Cfg:     cfg,
		Target:  target,
		Backend: mgr,
		Stack:   fsutil.NewStack(),
		state:   StateParsed,
	}
}

// State returns the current build state.
func (b *Build) State() State { return b.state }

type buildStep struct {
	name string
	next State
	run  func(b *Build, ctx context.Context) error
}

// Run executes the build. The returned error is a BuildStepFailure naming
// the failing step; by the time Run returns, every acquired resource has
// been released regardless of outcome.
func (b *Build) Run(ctx context.Context) (err error) {
	if b.state != StateParsed {
		return fmt.Errorf("build already ran (state %s)", b.state)
	}

	if err := b.checkOverwrite(ctx); err != nil {
		return err
	}

	logging.DebugContext(ctx, "build %s started for %s", b.ID, b.Spec.Name)

	defer func() {
		if unwindErr := b.Stack.Unwind(); unwindErr != nil {
			logging.WarnContext(ctx, "cleanup: %v", unwindErr)
			if err == nil {
				err = unwindErr
			}
		}
		if err != nil {
			b.state = StateFailed
		}
	}()

	steps := []buildStep{
		{name: "prepare workspace", next: StateParsed, run: (*Build).setupWorkspace},
		{name: "create image medium", next: StatePartitioned, run: func(b *Build, ctx context.Context) error {
			return b.Target.MountInstRoot(ctx, b)
		}},
		{name: "mount system directories", next: StateFormatted, run: (*Build).mountSpecial},
		{name: "install packages", next: StatePopulated, run: (*Build).populate},
		{name: "configure image", next: StateConfigured, run: (*Build).configure},
		{name: "package image", next: StatePackaged, run: (*Build).packageImage},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return micerrors.NewBuildStepError(step.name, err)
		}
		logging.InfoContext(ctx, "%s: %s", b.Spec.Name, step.name)
		if err := step.run(b, ctx); err != nil {
			return micerrors.NewBuildStepError(step.name, err)
		}
		b.state = step.next
	}

	b.state = StateDone
	return nil
}

// checkOverwrite refuses to clobber an existing artifact without consent.
// It runs before any resource is acquired so a decline has zero side
// effects.
func (b *Build) checkOverwrite(ctx context.Context) error {
	out := filepath.Join(b.Cfg.Paths.OutDir, b.Target.OutputName(b.Spec))
	if _, err := os.Stat(out); err != nil {
		return nil
	}
	if !logging.AskContext(ctx, fmt.Sprintf("%s already exists, overwrite?", out), false) {
		return micerrors.ErrAbort
	}
	return nil
}

func (b *Build) setupWorkspace(_ context.Context) error {
	ws, err := os.MkdirTemp(b.Cfg.Paths.TmpDir, "build-"+b.Spec.Name+"-")
	if err != nil {
		return micerrors.Wrap("create build workspace", b.Cfg.Paths.TmpDir, err)
	}
	b.Workspace = ws
	b.InstRoot = filepath.Join(ws, "instroot")
	if err := os.MkdirAll(b.InstRoot, fsutil.DirPerm); err != nil {
		return err
	}
	b.Stack.Push("workspace "+ws, func() error {
		return os.RemoveAll(ws)
	})
	return nil
}

// specialDirs are bound into the image root in order; teardown happens in
// reverse through the stack.
var specialDirs = []string{"/proc", "/sys", "/dev/pts"}

func (b *Build) mountSpecial(ctx context.Context) error {
	if b.makeDevNodes != nil {
		if err := b.makeDevNodes(b); err != nil {
			return err
		}
	} else if err := makeMinimalDev(b.InstRoot); err != nil {
		return err
	}

	if b.specialMounts != nil {
		return b.specialMounts(ctx, b)
	}
	for _, dir := range specialDirs {
		mp, err := fsutil.BindMount(dir, filepath.Join(b.InstRoot, dir), false)
		if err != nil {
			return err
		}
		b.Stack.Push("bind "+dir, mp.Unmount)
	}
	return b.writeFstab()
}

func (b *Build) populate(ctx context.Context) error {
	if err := b.Backend.InstallInto(ctx, b.InstRoot, b.Spec.InstallList(), b.Spec.Repositories); err != nil {
		return err
	}
	return b.installLocalPackages(ctx)
}

// installLocalPackages installs rpms from the configured local directory on
// top of the repository set, mirroring a developer workflow of testing
// locally built packages.
func (b *Build) installLocalPackages(ctx context.Context) error {
	dir := b.Cfg.Create.LocalPkgsPath
	if dir == "" {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.rpm"))
	if err != nil || len(matches) == 0 {
		return err
	}
	logging.InfoContext(ctx, "installing %d local packages from %s", len(matches), dir)
	rpm, err := fsutil.FindTool("rpm")
	if err != nil {
		return err
	}
	args := append([]string{"--root", b.InstRoot, "--nodeps", "-Uvh"}, matches...)
	return fsutil.Run(ctx, rpm, args...)
}

func (b *Build) configure(ctx context.Context) error {
	if err := b.writeImageID(); err != nil {
		return err
	}
	if err := b.runPostScripts(ctx); err != nil {
		return err
	}
	if b.Spec.Bootloader.Kind != "" {
		if err := installBootloader(ctx, b); err != nil {
			return err
		}
	}
	if b.Cfg.Create.CopyKernel {
		if err := b.copyKernel(ctx); err != nil {
			return err
		}
	}
	return nil
}

// writeImageID stamps the build identity into the image so a running system
// (or a bug report) can be traced back to the exact build that produced it.
func (b *Build) writeImageID() error {
	dir := filepath.Join(b.InstRoot, "etc")
	if err := os.MkdirAll(dir, fsutil.DirPerm); err != nil {
		return err
	}
	content := fmt.Sprintf("IMAGE_ID=%s\nIMAGE_NAME=%s\n", b.ID, b.Spec.Name)
	if b.Cfg.Create.Release != "" {
		content += fmt.Sprintf("IMAGE_RELEASE=%s\n", b.Cfg.Create.Release)
	}
	return os.WriteFile(filepath.Join(dir, "image-id"), []byte(content), fsutil.FilePerm)
}

func (b *Build) runPostScripts(ctx context.Context) error {
	for i, script := range b.Spec.PostScripts {
		interp := script.Interpreter
		if interp == "" {
			interp = "/bin/sh"
		}
		path := filepath.Join(b.InstRoot, fmt.Sprintf(".post-%02d.sh", i))
		if err := os.WriteFile(path, []byte(script.Content), 0o755); err != nil {
			return err
		}

		var runErr error
		if script.InChroot {
			runErr = runInChroot(ctx, b.InstRoot, interp, "/"+filepath.Base(path))
		} else {
			runErr = fsutil.Run(ctx, interp, path)
		}
		if rmErr := os.Remove(path); rmErr != nil && runErr == nil {
			runErr = rmErr
		}
		if runErr != nil {
			return micerrors.Wrap("run post script", fmt.Sprintf("#%d", i), runErr)
		}
	}
	return nil
}

// copyKernel copies built kernels next to the image artifact so flashing
// tools can pick them up without loop-mounting the image.
func (b *Build) copyKernel(ctx context.Context) error {
	kernels, err := filepath.Glob(filepath.Join(b.InstRoot, "boot", "vmlinuz*"))
	if err != nil || len(kernels) == 0 {
		return err
	}
	for _, k := range kernels {
		dst := filepath.Join(b.Cfg.Paths.OutDir, fmt.Sprintf("%s-%s", b.Spec.Name, filepath.Base(k)))
		logging.DebugContext(ctx, "copying kernel %s to %s", k, dst)
		if err := fsutil.CopyFile(k, dst); err != nil {
			return err
		}
	}
	return nil
}

func (b *Build) packageImage(ctx context.Context) error {
	// The medium must be quiesced before staging reads it.
	if err := b.Stack.UnwindTo("workspace " + b.Workspace); err != nil {
		return err
	}

	staged, err := b.Target.StageFinal(ctx, b)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(b.Cfg.Paths.OutDir, fsutil.DirPerm); err != nil {
		return err
	}

	// Compression and checksumming of independent artifacts runs in
	// parallel.
	results := make([]string, len(staged))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range staged {
		i, src := i, src
		g.Go(func() error {
			dst := filepath.Join(b.Cfg.Paths.OutDir, filepath.Base(src))
			info, err := os.Stat(src)
			if err != nil {
				return err
			}
			if err := moveFile(src, dst); err != nil {
				return err
			}
			if info.IsDir() {
				// Directory artifacts are delivered as trees.
				results[i] = dst
				return nil
			}
			final, err := fsutil.Compress(gctx, dst, b.Cfg.Create.Compress)
			if err != nil {
				return err
			}
			if _, err := fsutil.WriteChecksum(final); err != nil {
				return err
			}
			results[i] = final
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	b.Artifacts = results

	if b.Cfg.Create.PackTo != "" {
		archive, err := b.packArtifacts(ctx, results)
		if err != nil {
			return err
		}
		b.Artifacts = []string{archive}
	}

	for _, a := range b.Artifacts {
		logging.InfoContext(ctx, "created %s", a)
	}
	return nil
}

// packArtifacts bundles the outputs into a single archive and drops the
// loose files.
func (b *Build) packArtifacts(ctx context.Context, artifacts []string) (string, error) {
	archive := filepath.Join(b.Cfg.Paths.OutDir, b.Cfg.Create.PackTo)

	var compressFlag string
	switch {
	case strings.HasSuffix(archive, ".tar.gz"), strings.HasSuffix(archive, ".tgz"):
		compressFlag = "-z"
	case strings.HasSuffix(archive, ".tar.bz2"):
		compressFlag = "-j"
	case strings.HasSuffix(archive, ".tar"):
	default:
		return "", micerrors.Usagef("unsupported archive name %q (want .tar, .tar.gz, .tgz, or .tar.bz2)", b.Cfg.Create.PackTo)
	}

	tar, err := fsutil.FindTool("tar")
	if err != nil {
		return "", err
	}
	args := []string{"-C", b.Cfg.Paths.OutDir, "-cf", archive}
	if compressFlag != "" {
		args = append(args, compressFlag)
	}
	for _, a := range artifacts {
		args = append(args, filepath.Base(a))
	}
	if err := fsutil.Run(ctx, tar, args...); err != nil {
		return "", err
	}
	for _, a := range artifacts {
		if err := os.RemoveAll(a); err != nil {
			return "", err
		}
	}
	return archive, nil
}

// writeFstab generates /etc/fstab from the partition layout.
func (b *Build) writeFstab() error {
	var sb strings.Builder
	sb.WriteString("# generated by mic\n")
	for _, p := range b.Spec.Partitions {
		label := p.Label
		if label == "" {
			label = b.Spec.Name
		}
		opts := p.FSOpts
		if opts == "" {
			opts = "defaults,noatime"
		}
		fmt.Fprintf(&sb, "LABEL=%s\t%s\t%s\t%s\t0 0\n", label, p.Mountpoint, p.Fstype, opts)
	}
	fmt.Fprintf(&sb, "proc\t/proc\tproc\tdefaults\t0 0\n")
	fmt.Fprintf(&sb, "devpts\t/dev/pts\tdevpts\tgid=5,mode=620\t0 0\n")

	etc := filepath.Join(b.InstRoot, "etc")
	if err := os.MkdirAll(etc, fsutil.DirPerm); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(etc, "fstab"), []byte(sb.String()), fsutil.FilePerm)
}

// moveFile renames when possible and falls back to copy+remove across
// filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		if err := os.CopyFS(dst, os.DirFS(src)); err != nil {
			return err
		}
		return os.RemoveAll(src)
	}
	if err := fsutil.CopyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}
