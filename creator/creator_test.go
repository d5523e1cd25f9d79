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

package creator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sailfishos/mic/backend"
	"github.com/sailfishos/mic/config"
	micerrors "github.com/sailfishos/mic/pkg/errors"
)

type mockTarget struct {
	name           string
	mountInstRoot  func(ctx context.Context, b *Build) error
	stageFinal     func(ctx context.Context, b *Build) ([]string, error)
	mountCalled    bool
	stageCalled    bool
	releasedMedium bool
}

func (m *mockTarget) Name() string { return m.name }

func (m *mockTarget) OutputName(spec *Specification) string { return spec.Name + ".img" }

func (m *mockTarget) MountInstRoot(ctx context.Context, b *Build) error {
	m.mountCalled = true
	b.Stack.Push("medium", func() error {
		m.releasedMedium = true
		return nil
	})
	if m.mountInstRoot != nil {
		return m.mountInstRoot(ctx, b)
	}
	return nil
}

func (m *mockTarget) StageFinal(ctx context.Context, b *Build) ([]string, error) {
	m.stageCalled = true
	if m.stageFinal != nil {
		return m.stageFinal(ctx, b)
	}
	staged := filepath.Join(b.Workspace, m.OutputName(b.Spec))
	if err := os.WriteFile(staged, []byte("image payload"), 0o644); err != nil {
		return nil, err
	}
	return []string{staged}, nil
}

type mockBackend struct {
	installInto func(ctx context.Context, root string, pkgs []string, repos []backend.Repository) error
	installed   []string
	root        string
}

func (m *mockBackend) Kind() string { return "mock-backend" }

func (m *mockBackend) InstallInto(ctx context.Context, root string, pkgs []string, repos []backend.Repository) error {
	m.root = root
	m.installed = pkgs
	if m.installInto != nil {
		return m.installInto(ctx, root, pkgs, repos)
	}
	return nil
}

func testSpec() *Specification {
	return &Specification{
		Name:   "unit-test-image",
		Format: "loop",
		Partitions: []Partition{
			{Mountpoint: "/", Size: "1GB", Fstype: "ext4", SizeBytes: 1 << 30},
		},
		Repositories: []backend.Repository{{Name: "main", BaseURL: "https://repo.example.org"}},
		Installs:     []string{"busybox"},
		SizeBytes:    1 << 30,
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Paths.OutDir = t.TempDir()
	cfg.Paths.TmpDir = t.TempDir()
	return cfg
}

func testBuild(t *testing.T, target *mockTarget, mgr *mockBackend) *Build {
	t.Helper()
	b := New(testSpec(), testConfig(t), target, mgr)
	b.specialMounts = func(ctx context.Context, b *Build) error {
		b.Stack.Push("special mounts", func() error { return nil })
		return nil
	}
	b.makeDevNodes = func(b *Build) error { return nil }
	return b
}

func TestRunSuccess(t *testing.T) {
	t.Parallel()

	target := &mockTarget{name: "loop"}
	mgr := &mockBackend{}
	b := testBuild(t, target, mgr)

	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if b.State() != StateDone {
		t.Errorf("state = %s, want done", b.State())
	}
	if !target.mountCalled || !target.stageCalled {
		t.Error("target hooks not invoked")
	}
	if !target.releasedMedium {
		t.Error("medium not released before staging")
	}
	if mgr.root == "" || mgr.root != b.InstRoot {
		t.Errorf("backend installed into %q, want instroot", mgr.root)
	}
	if len(b.Artifacts) != 1 {
		t.Fatalf("artifacts = %v", b.Artifacts)
	}
	if _, err := os.Stat(b.Artifacts[0]); err != nil {
		t.Errorf("artifact missing: %v", err)
	}
	if _, err := os.Stat(b.Artifacts[0] + ".sha256"); err != nil {
		t.Errorf("checksum missing: %v", err)
	}
	if b.Stack.Len() != 0 {
		t.Errorf("stack still holds %d resources: %v", b.Stack.Len(), b.Stack.Names())
	}
	if _, err := os.Stat(b.Workspace); !os.IsNotExist(err) {
		t.Errorf("workspace not removed: %v", err)
	}
}

func TestRunFailureInjection(t *testing.T) {
	t.Parallel()

	boom := errors.New("injected failure")

	tests := []struct {
		name      string
		wire      func(target *mockTarget, mgr *mockBackend)
		rewire    func(b *Build)
		wantStep  string
		wantCause error
	}{
		{
			name: "medium creation fails",
			wire: func(target *mockTarget, _ *mockBackend) {
				target.mountInstRoot = func(context.Context, *Build) error { return boom }
			},
			wantStep:  "create image medium",
			wantCause: boom,
		},
		{
			name: "system directory mounts fail",
			rewire: func(b *Build) {
				b.specialMounts = func(context.Context, *Build) error { return boom }
			},
			wantStep:  "mount system directories",
			wantCause: boom,
		},
		{
			name: "package install fails",
			wire: func(_ *mockTarget, mgr *mockBackend) {
				mgr.installInto = func(context.Context, string, []string, []backend.Repository) error { return boom }
			},
			wantStep:  "install packages",
			wantCause: boom,
		},
		{
			name: "post script fails",
			rewire: func(b *Build) {
				b.Spec.PostScripts = []PostScript{{Content: "exit 1\n"}}
			},
			wantStep: "configure image",
		},
		{
			name: "staging fails",
			wire: func(target *mockTarget, _ *mockBackend) {
				target.stageFinal = func(context.Context, *Build) ([]string, error) { return nil, boom }
			},
			wantStep:  "package image",
			wantCause: boom,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			target := &mockTarget{name: "loop"}
			mgr := &mockBackend{}
			if tc.wire != nil {
				tc.wire(target, mgr)
			}
			b := testBuild(t, target, mgr)
			if tc.rewire != nil {
				tc.rewire(b)
			}

			err := b.Run(context.Background())
			if err == nil {
				t.Fatal("expected failure")
			}

			var stepErr *micerrors.BuildStepError
			if !errors.As(err, &stepErr) {
				t.Fatalf("error %T is not a build step failure: %v", err, err)
			}
			if stepErr.Step != tc.wantStep {
				t.Errorf("failing step = %q, want %q", stepErr.Step, tc.wantStep)
			}
			if tc.wantCause != nil && !errors.Is(err, tc.wantCause) {
				t.Errorf("cause not preserved: %v", err)
			}
			if b.State() != StateFailed {
				t.Errorf("state = %s, want failed", b.State())
			}
			if b.Stack.Len() != 0 {
				t.Errorf("leaked resources: %v", b.Stack.Names())
			}
			if b.Workspace != "" {
				if _, err := os.Stat(b.Workspace); !os.IsNotExist(err) {
					t.Errorf("workspace not removed after failure")
				}
			}
		})
	}
}

func TestRunCancelledContext(t *testing.T) {
	t.Parallel()

	target := &mockTarget{name: "loop"}
	b := testBuild(t, target, &mockBackend{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Run(ctx)
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cause = %v, want context.Canceled", err)
	}
	if b.State() != StateFailed {
		t.Errorf("state = %s, want failed", b.State())
	}
	if b.Stack.Len() != 0 {
		t.Errorf("leaked resources: %v", b.Stack.Names())
	}
}

func TestRunDeclinedOverwrite(t *testing.T) {
	t.Parallel()

	target := &mockTarget{name: "loop"}
	b := testBuild(t, target, &mockBackend{})

	existing := filepath.Join(b.Cfg.Paths.OutDir, target.OutputName(b.Spec))
	if err := os.WriteFile(existing, []byte("previous build"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	err := b.Run(context.Background())
	if !errors.Is(err, micerrors.ErrAbort) {
		t.Fatalf("error = %v, want abort", err)
	}

	if target.mountCalled {
		t.Error("declined overwrite must not acquire resources")
	}
	data, err := os.ReadFile(existing)
	if err != nil || string(data) != "previous build" {
		t.Errorf("existing artifact modified: %q, %v", data, err)
	}
}

func TestRunTwiceRejected(t *testing.T) {
	t.Parallel()

	b := testBuild(t, &mockTarget{name: "loop"}, &mockBackend{})
	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := b.Run(context.Background()); err == nil {
		t.Fatal("second run should be rejected")
	}
}
