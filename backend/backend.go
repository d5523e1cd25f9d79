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

// Package backend adapts host package managers for installing package sets
// into an image root. Each adapter builds its own command line against the
// target root and leaves no manager-private state behind on failure.
package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Repository describes a package repository made available to an install.
type Repository struct {
	Name     string `yaml:"name"`
	BaseURL  string `yaml:"baseurl"`
	Priority int    `yaml:"priority,omitempty"`
	GPGKey   string `yaml:"gpgkey,omitempty"`
}

// Manager installs packages into a target root filesystem.
type Manager interface {
	// Kind returns the backend identifier, e.g. "zypp-backend".
	Kind() string

	// InstallInto resolves and installs the requested packages into
	// targetRoot using the given repositories.
	InstallInto(ctx context.Context, targetRoot string, packages []string, repos []Repository) error
}

// factories maps a backend kind to its constructor. The set is closed;
// optional kinds are filtered at registration by the plugin directory
// check in Available.
var factories = map[string]func() Manager{
	"zypp-backend": func() Manager { return &zypperManager{} },
	"yum-backend":  func() Manager { return &dnfManager{} },
}

// kindAliases maps the tool names users write (--pkgmgr zypper, a pkgmgr:
// line in a build spec) to the canonical backend kinds.
var kindAliases = map[string]string{
	"zypper": "zypp-backend",
	"zypp":   "zypp-backend",
	"dnf":    "yum-backend",
	"yum":    "yum-backend",
}

// NormalizeKind resolves a backend alias to its canonical kind. Unknown
// names pass through unchanged so New can report them.
func NormalizeKind(kind string) string {
	if canonical, ok := kindAliases[kind]; ok {
		return canonical
	}
	return kind
}

// New returns the Manager for the given kind or alias. An unknown kind is a
// configuration error naming the valid kinds.
func New(kind string) (Manager, error) {
	factory, ok := factories[NormalizeKind(kind)]
	if !ok {
		return nil, fmt.Errorf("unknown package backend %q (valid: %s)", kind, strings.Join(Kinds(), ", "))
	}
	return factory(), nil
}

// Kinds returns the registered backend kinds, sorted.
func Kinds() []string {
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Available filters Kinds by the backend plugin directory: a kind is
// available when its marker file exists, or unconditionally when the
// directory itself is absent (the built-in set then applies).
func Available(pluginDir string) []string {
	if _, err := os.Stat(pluginDir); err != nil {
		return Kinds()
	}
	var kinds []string
	for _, k := range Kinds() {
		if _, err := os.Stat(filepath.Join(pluginDir, k)); err == nil {
			kinds = append(kinds, k)
		}
	}
	return kinds
}
