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
	"strings"
)

// DirPermReadWriteExec is the mode used for directories mic creates.
const DirPermReadWriteExec = 0o755

// ExpandPath expands environment variables and a leading tilde in a path
// and makes it absolute.
//
// Examples:
//   - "~/images" -> "/root/images"
//   - "${HOME}/work" -> "/root/work"
func ExpandPath(path string) (string, error) {
	path = os.ExpandEnv(path)

	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			path = home
		} else {
			path = filepath.Join(home, path[2:])
		}
	}

	return filepath.Abs(path)
}

// CacheSubdir returns (and creates) a subdirectory of the configured package
// cache. The same cache is reused across builds so repeated builds do not
// re-download packages.
func (c *Config) CacheSubdir(subdirectory string) (string, error) {
	dir := filepath.Join(c.Paths.CacheDir, subdirectory)
	if err := os.MkdirAll(dir, DirPermReadWriteExec); err != nil {
		return "", err
	}
	return dir, nil
}

// ImagerPluginDir returns the discovery directory for imager plugins.
func (c *Config) ImagerPluginDir() string {
	return filepath.Join(c.Paths.PluginDir, "imager")
}

// BackendPluginDir returns the discovery directory for package-manager
// backend plugins.
func (c *Config) BackendPluginDir() string {
	return filepath.Join(c.Paths.PluginDir, "backend")
}
