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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a user config file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mic.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromPath_Defaults(t *testing.T) {
	cfg, err := LoadFromPath(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, "loop", cfg.Create.Format)
	assert.Equal(t, "zypper", cfg.Create.PkgMgr)
	assert.Equal(t, "/bin/bash", cfg.Chroot.Shell)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "color", cfg.Log.Format)
	assert.Equal(t, "/var/tmp/mic", cfg.Paths.TmpDir)
	assert.Equal(t, "/var/tmp/mic/cache", cfg.Paths.CacheDir)
}

func TestLoadFromPath_Overrides(t *testing.T) {
	cfg, err := LoadFromPath(writeConfig(t, `
paths:
  outdir: /srv/images
  tmpdir: /mnt/scratch
create:
  format: raw
  pkgmgr: yum-backend
  compress_image: bz2
  shrink: true
chroot:
  shell: /bin/zsh
log:
  level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, "/srv/images", cfg.Paths.OutDir)
	assert.Equal(t, "/mnt/scratch", cfg.Paths.TmpDir)
	assert.Equal(t, "raw", cfg.Create.Format)
	assert.Equal(t, "yum-backend", cfg.Create.PkgMgr)
	assert.Equal(t, "bz2", cfg.Create.Compress)
	assert.True(t, cfg.Create.Shrink)
	assert.Equal(t, "/bin/zsh", cfg.Chroot.Shell)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadFromPath_EnvOverridesFile(t *testing.T) {
	t.Setenv("MIC_CREATE_PKGMGR", "yum-backend")
	t.Setenv("MIC_LOG_LEVEL", "warn")

	cfg, err := LoadFromPath(writeConfig(t, `
create:
  pkgmgr: zypp-backend
`))
	require.NoError(t, err)

	assert.Equal(t, "yum-backend", cfg.Create.PkgMgr, "environment must win over the config file")
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadFromPath_MissingFile(t *testing.T) {
	_, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadFromPath_ExpandsPaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := LoadFromPath(writeConfig(t, `
paths:
  outdir: ~/images
`))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "images"), cfg.Paths.OutDir)
}

func TestApplySystemSettings(t *testing.T) {
	settings := filepath.Join(t.TempDir(), "mic.conf")
	require.NoError(t, os.WriteFile(settings, []byte(`
[create]
pkgmgr = yum-backend
[paths]
outdir = /srv/built
`), 0o644))

	v := viper.New()
	applySystemSettings(v, settings)

	assert.Equal(t, "yum-backend", v.GetString("create.pkgmgr"))
	assert.Equal(t, "/srv/built", v.GetString("paths.outdir"))
}

func TestApplySystemSettings_MissingFileIgnored(t *testing.T) {
	v := viper.New()
	applySystemSettings(v, filepath.Join(t.TempDir(), "absent.conf"))
	assert.Empty(t, v.GetString("create.pkgmgr"))
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "tilde prefix", in: "~/cache", want: filepath.Join(home, "cache")},
		{name: "bare tilde", in: "~", want: home},
		{name: "env variable", in: "${HOME}/work", want: filepath.Join(home, "work")},
		{name: "absolute unchanged", in: "/var/tmp/mic", want: "/var/tmp/mic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandPath(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCacheSubdir(t *testing.T) {
	cfg := &Config{}
	cfg.Paths.CacheDir = t.TempDir()

	dir, err := cfg.CacheSubdir("rpms")
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, filepath.Join(cfg.Paths.CacheDir, "rpms"), dir)
}

func TestPluginDirs(t *testing.T) {
	cfg := &Config{}
	cfg.Paths.PluginDir = "/usr/lib/mic/plugins"

	assert.Equal(t, "/usr/lib/mic/plugins/imager", cfg.ImagerPluginDir())
	assert.Equal(t, "/usr/lib/mic/plugins/backend", cfg.BackendPluginDir())
}
