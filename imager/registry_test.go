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

package imager_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sailfishos/mic/config"
	"github.com/sailfishos/mic/imager"
)

func testRegistryConfig(t *testing.T, pluginDir string) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Paths.OutDir = t.TempDir()
	cfg.Paths.TmpDir = t.TempDir()
	cfg.Paths.PluginDir = pluginDir
	return cfg
}

func TestDefaultRegistryFullSet(t *testing.T) {
	t.Parallel()

	// No plugin directory installed: every built-in format registers.
	cfg := testRegistryConfig(t, filepath.Join(t.TempDir(), "not-installed"))
	r, err := imager.DefaultRegistry(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"fs", "livecd", "liveusb", "loop", "raw"}
	got := r.Formats()
	if len(got) != len(want) {
		t.Fatalf("formats = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("format %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDefaultRegistryGatesLiveFormats(t *testing.T) {
	t.Parallel()

	pluginDir := t.TempDir()
	imagerDir := filepath.Join(pluginDir, "imager")
	if err := os.MkdirAll(imagerDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(imagerDir, "livecd"), nil, 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	cfg := testRegistryConfig(t, pluginDir)
	r, err := imager.DefaultRegistry(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := r.Lookup("livecd"); !ok {
		t.Error("livecd should register with its marker present")
	}
	if _, ok := r.Lookup("liveusb"); ok {
		t.Error("liveusb should not register without a marker")
	}
	for _, name := range []string{"loop", "fs", "raw"} {
		if _, ok := r.Lookup(name); !ok {
			t.Errorf("built-in format %s missing", name)
		}
	}
}

func TestRegistryDuplicateRejected(t *testing.T) {
	t.Parallel()

	cfg := testRegistryConfig(t, filepath.Join(t.TempDir(), "none"))
	r := imager.NewRegistry()
	if err := r.Register(imager.NewLoopPlugin(cfg)); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := r.Register(imager.NewLoopPlugin(cfg)); err == nil {
		t.Fatal("duplicate registration should fail")
	}
}

func TestRegistryLookupMiss(t *testing.T) {
	t.Parallel()

	r := imager.NewRegistry()
	if _, ok := r.Lookup("qcow2"); ok {
		t.Error("lookup of unregistered format should miss")
	}
}

func TestRegistryCapabilities(t *testing.T) {
	t.Parallel()

	cfg := testRegistryConfig(t, filepath.Join(t.TempDir(), "none"))
	r, err := imager.DefaultRegistry(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	unpackers := r.Unpackers()
	packers := r.Packers()
	chrooters := r.Chrooters()

	for _, name := range []string{"loop", "fs", "raw", "livecd", "liveusb"} {
		if _, ok := unpackers[name]; !ok {
			t.Errorf("%s should unpack", name)
		}
		if _, ok := packers[name]; !ok {
			t.Errorf("%s should pack", name)
		}
	}
	for _, name := range []string{"loop", "fs", "raw"} {
		if _, ok := chrooters[name]; !ok {
			t.Errorf("%s should chroot", name)
		}
	}
	for _, name := range []string{"livecd", "liveusb"} {
		if _, ok := chrooters[name]; ok {
			t.Errorf("%s sessions are not supported on squashed media", name)
		}
	}
}

func TestPluginExtensions(t *testing.T) {
	t.Parallel()

	cfg := testRegistryConfig(t, filepath.Join(t.TempDir(), "none"))
	r, err := imager.DefaultRegistry(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]string{
		"loop":    ".img",
		"raw":     ".img",
		"fs":      "",
		"livecd":  ".iso",
		"liveusb": ".usbimg",
	}
	for name, ext := range want {
		p, ok := r.Lookup(name)
		if !ok {
			t.Errorf("%s not registered", name)
			continue
		}
		if p.Extension() != ext {
			t.Errorf("%s extension = %q, want %q", name, p.Extension(), ext)
		}
	}
}
