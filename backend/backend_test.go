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

package backend_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sailfishos/mic/backend"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		kind     string
		wantKind string
		wantErr  bool
	}{
		{
			name:     "zypper backend",
			kind:     "zypp-backend",
			wantKind: "zypp-backend",
		},
		{
			name:     "dnf backend",
			kind:     "yum-backend",
			wantKind: "yum-backend",
		},
		{
			name:     "zypper alias",
			kind:     "zypper",
			wantKind: "zypp-backend",
		},
		{
			name:     "dnf alias",
			kind:     "dnf",
			wantKind: "yum-backend",
		},
		{
			name:    "unknown kind",
			kind:    "apt-backend",
			wantErr: true,
		},
		{
			name:    "empty kind",
			kind:    "",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mgr, err := backend.New(tc.kind)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for kind %q", tc.kind)
				}
				for _, valid := range backend.Kinds() {
					if !strings.Contains(err.Error(), valid) {
						t.Errorf("error should list valid kind %q: %v", valid, err)
					}
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if mgr.Kind() != tc.wantKind {
				t.Errorf("Kind() = %s, want %s", mgr.Kind(), tc.wantKind)
			}
		})
	}
}

func TestKindsSorted(t *testing.T) {
	t.Parallel()

	kinds := backend.Kinds()
	if len(kinds) != 2 {
		t.Fatalf("got %d kinds, want 2: %v", len(kinds), kinds)
	}
	if kinds[0] != "yum-backend" || kinds[1] != "zypp-backend" {
		t.Errorf("kinds not sorted: %v", kinds)
	}
}

func TestAvailable(t *testing.T) {
	t.Parallel()

	t.Run("missing plugin dir keeps built-in set", func(t *testing.T) {
		t.Parallel()
		got := backend.Available(filepath.Join(t.TempDir(), "nope"))
		if len(got) != len(backend.Kinds()) {
			t.Errorf("got %v, want full set %v", got, backend.Kinds())
		}
	})

	t.Run("plugin dir gates kinds by marker file", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "zypp-backend"), nil, 0o644); err != nil {
			t.Fatalf("write marker: %v", err)
		}
		got := backend.Available(dir)
		if len(got) != 1 || got[0] != "zypp-backend" {
			t.Errorf("got %v, want [zypp-backend]", got)
		}
	})

	t.Run("empty plugin dir disables all", func(t *testing.T) {
		t.Parallel()
		if got := backend.Available(t.TempDir()); len(got) != 0 {
			t.Errorf("got %v, want none", got)
		}
	})
}
