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

package imager

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sailfishos/mic/config"
)

// Registry holds the registered format plugins for one process.
type Registry struct {
	plugins map[string]Plugin
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: map[string]Plugin{}}
}

// Register adds a plugin. A duplicate format key is a configuration error.
func (r *Registry) Register(p Plugin) error {
	name := p.Name()
	if _, exists := r.plugins[name]; exists {
		return fmt.Errorf("image format %q registered twice", name)
	}
	r.plugins[name] = p
	return nil
}

// Lookup returns the plugin for a format key.
func (r *Registry) Lookup(name string) (Plugin, bool) {
	p, ok := r.plugins[name]
	return p, ok
}

// Formats returns the registered format keys, sorted.
func (r *Registry) Formats() []string {
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unpackers returns the plugins able to extract their format.
func (r *Registry) Unpackers() map[string]Unpacker {
	out := map[string]Unpacker{}
	for name, p := range r.plugins {
		if u, ok := p.(Unpacker); ok {
			out[name] = u
		}
	}
	return out
}

// Packers returns the plugins able to produce their format from a tree.
func (r *Registry) Packers() map[string]Packer {
	out := map[string]Packer{}
	for name, p := range r.plugins {
		if pk, ok := p.(Packer); ok {
			out[name] = pk
		}
	}
	return out
}

// Chrooters returns the plugins able to open sessions in their format.
func (r *Registry) Chrooters() map[string]Chrooter {
	out := map[string]Chrooter{}
	for name, p := range r.plugins {
		if c, ok := p.(Chrooter); ok {
			out[name] = c
		}
	}
	return out
}

// DefaultRegistry registers the built-in formats. The live formats are
// optional: when the imager plugin directory exists, each one needs its
// marker file there to register, mirroring how optional packages drop
// their plugin payloads in.
func DefaultRegistry(cfg *config.Config) (*Registry, error) {
	r := NewRegistry()
	for _, p := range []Plugin{
		NewLoopPlugin(cfg),
		NewFSPlugin(cfg),
		NewRawPlugin(cfg),
	} {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	for _, p := range []Plugin{
		NewLiveCDPlugin(cfg),
		NewLiveUSBPlugin(cfg),
	} {
		if !optionalEnabled(cfg.ImagerPluginDir(), p.Name()) {
			continue
		}
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// optionalEnabled reports whether an optional format may register: always
// when no plugin directory is installed, otherwise only with its marker
// file present.
func optionalEnabled(pluginDir, name string) bool {
	if _, err := os.Stat(pluginDir); err != nil {
		return true
	}
	_, err := os.Stat(filepath.Join(pluginDir, name))
	return err == nil
}
