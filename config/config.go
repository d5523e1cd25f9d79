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

// Package config holds the process-wide mic configuration: filesystem paths
// and the create/convert/chroot option sets. The Config value is built once
// during CLI startup and passed down explicitly; nothing below the command
// layer reads ambient global state.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/ini.v1"
)

// SystemSettingsFile is the persisted key/value settings file consulted for
// defaults. Values in it lose to environment variables and CLI flags.
const SystemSettingsFile = "/etc/mic/mic.conf"

// Config represents the mic runtime configuration. It is immutable once the
// requested operation (create, convert, or chroot) starts.
type Config struct {
	Paths   PathsConfig   `mapstructure:"paths"`
	Create  CreateConfig  `mapstructure:"create"`
	Convert ConvertConfig `mapstructure:"convert"`
	Chroot  ChrootConfig  `mapstructure:"chroot"`
	Log     LogConfig     `mapstructure:"log"`
}

// PathsConfig holds the directories mic works in.
type PathsConfig struct {
	OutDir    string `mapstructure:"outdir"`
	CacheDir  string `mapstructure:"cachedir"`
	TmpDir    string `mapstructure:"tmpdir"`
	PluginDir string `mapstructure:"plugin_dir"`
}

// CreateConfig holds options for the create operation.
type CreateConfig struct {
	Format        string            `mapstructure:"format"`
	PkgMgr        string            `mapstructure:"pkgmgr"`
	Compress      string            `mapstructure:"compress_image"`
	Shrink        bool              `mapstructure:"shrink"`
	CopyKernel    bool              `mapstructure:"copy_kernel"`
	PackTo        string            `mapstructure:"pack_to"`
	Release       string            `mapstructure:"release"`
	LocalPkgsPath string            `mapstructure:"local_pkgs_path"`
	TokenMap      map[string]string `mapstructure:"tokenmap"`
}

// ConvertConfig holds options for the convert operation.
type ConvertConfig struct {
	// Force overwrites an existing destination artifact without asking.
	Force bool `mapstructure:"force"`
}

// ChrootConfig holds options for chroot sessions.
type ChrootConfig struct {
	// BindMounts declares extra bind mounts as "src:dest;src2:dest2".
	// An empty or "none" destination reuses the source path.
	BindMounts string `mapstructure:"bindmounts"`

	// SaveTo copies the mounted tree to this directory before the shell
	// is entered.
	SaveTo string `mapstructure:"saveto"`

	// Shell is the command executed inside the chroot.
	Shell string `mapstructure:"shell"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	LogFile string `mapstructure:"logfile"`
}

// Load reads configuration with the standard precedence: defaults, then the
// system settings file, then the user config file, then MIC_* environment
// variables. CLI flags are bound on top by the command layer.
func Load() (*Config, error) {
	return load("")
}

// LoadFromPath is Load with an explicit user config file.
func LoadFromPath(path string) (*Config, error) {
	return load(path)
}

func load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	applySystemSettings(v, SystemSettingsFile)

	v.SetEnvPrefix("MIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		v.SetConfigName("mic")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "mic"))
		}
		// Optional; missing user config is fine.
		_ = v.ReadInConfig()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applySystemSettings merges the INI settings file into v as defaults, so a
// site-wide /etc/mic/mic.conf seeds values the user can still override.
// Sections map to config sections ([create] pkgmgr=zypper -> create.pkgmgr).
func applySystemSettings(v *viper.Viper, path string) {
	f, err := ini.Load(path)
	if err != nil {
		return
	}

	for _, section := range f.Sections() {
		prefix := ""
		if section.Name() != ini.DefaultSection {
			prefix = section.Name() + "."
		}
		for _, key := range section.Keys() {
			v.SetDefault(prefix+key.Name(), key.Value())
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paths.outdir", ".")
	v.SetDefault("paths.tmpdir", "/var/tmp/mic")
	v.SetDefault("paths.cachedir", "/var/tmp/mic/cache")
	v.SetDefault("paths.plugin_dir", "/usr/lib/mic/plugins")

	v.SetDefault("create.format", "loop")
	v.SetDefault("create.pkgmgr", "zypper")

	v.SetDefault("chroot.shell", "/bin/bash")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "color")
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.Paths.OutDir,
		&c.Paths.CacheDir,
		&c.Paths.TmpDir,
		&c.Paths.PluginDir,
		&c.Create.LocalPkgsPath,
		&c.Chroot.SaveTo,
	} {
		if *p == "" {
			continue
		}
		expanded, err := ExpandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}
