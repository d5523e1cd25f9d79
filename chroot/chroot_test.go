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

package chroot_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sailfishos/mic/chroot"
	micerrors "github.com/sailfishos/mic/pkg/errors"
)

func TestNewMissingRoot(t *testing.T) {
	t.Parallel()

	_, err := chroot.New(filepath.Join(t.TempDir(), "missing"), "", nil)
	if err == nil {
		t.Fatal("expected error for missing root")
	}
	if !errors.Is(err, micerrors.ErrNotFound) {
		t.Errorf("error = %v, want not-found", err)
	}
}

func TestNewRootIsFile(t *testing.T) {
	t.Parallel()

	// A regular file target is rejected before any mount is attempted;
	// image files get mounted by their plugin first.
	path := filepath.Join(t.TempDir(), "image.img")
	if err := os.WriteFile(path, []byte("not a directory"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := chroot.New(path, "", nil); err == nil {
		t.Fatal("expected error for non-directory root")
	}
}

func TestNewDefaultShell(t *testing.T) {
	t.Parallel()

	s, err := chroot.New(t.TempDir(), "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Shell != "/bin/bash" {
		t.Errorf("shell = %s, want /bin/bash", s.Shell)
	}
}

func TestParseBindings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		decl    string
		want    []chroot.Binding
		wantErr bool
	}{
		{
			name: "src and dest",
			decl: "/home/user/rpms:/mnt/rpms",
			want: []chroot.Binding{{Source: "/home/user/rpms", Dest: "/mnt/rpms"}},
		},
		{
			name: "dest defaults to src",
			decl: "/srv/cache",
			want: []chroot.Binding{{Source: "/srv/cache", Dest: "/srv/cache"}},
		},
		{
			name: "multiple with empty segments",
			decl: "/a:/b; /c ;",
			want: []chroot.Binding{
				{Source: "/a", Dest: "/b"},
				{Source: "/c", Dest: "/c"},
			},
		},
		{
			name: "empty declaration",
			decl: "",
			want: nil,
		},
		{
			name:    "relative source",
			decl:    "rpms:/mnt/rpms",
			wantErr: true,
		},
		{
			name:    "relative dest",
			decl:    "/rpms:mnt",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := chroot.ParseBindings(tc.decl)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, micerrors.ErrUsage) {
					t.Errorf("error = %v, want usage error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Errorf("binding %d = %v, want %v", i, got[i], tc.want[i])
				}
			}
		})
	}
}
