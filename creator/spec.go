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
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/sailfishos/mic/backend"
	micerrors "github.com/sailfishos/mic/pkg/errors"
)

// Partition describes one filesystem in the built image.
type Partition struct {
	Mountpoint string `yaml:"mountpoint"`
	Size       string `yaml:"size"`
	Fstype     string `yaml:"fstype"`
	Label      string `yaml:"label,omitempty"`
	FSOpts     string `yaml:"fsopts,omitempty"`
	Boot       bool   `yaml:"boot,omitempty"`

	// SizeBytes is derived from Size during validation.
	SizeBytes int64 `yaml:"-"`
}

// Bootloader describes the bootloader written during the configure step.
type Bootloader struct {
	Kind    string `yaml:"kind,omitempty"`
	Append  string `yaml:"append,omitempty"`
	Timeout int    `yaml:"timeout,omitempty"`
}

// PostScript is a script run after package installation, optionally inside
// the image chroot.
type PostScript struct {
	Interpreter string `yaml:"interpreter,omitempty"`
	InChroot    bool   `yaml:"in-chroot,omitempty"`
	Content     string `yaml:"content"`
}

// Specification is the parsed build description. It is immutable after
// Load; the Creator owns the single instance for a build.
type Specification struct {
	Name         string               `yaml:"name"`
	Format       string               `yaml:"format,omitempty"`
	Arch         string               `yaml:"arch,omitempty"`
	Size         string               `yaml:"size,omitempty"`
	PkgMgr       string               `yaml:"pkgmgr,omitempty"`
	Partitions   []Partition          `yaml:"partitions"`
	Repositories []backend.Repository `yaml:"repositories"`
	Packages     []string             `yaml:"packages"`
	Bootloader   Bootloader           `yaml:"bootloader,omitempty"`
	PostScripts  []PostScript         `yaml:"post-scripts,omitempty"`
	Tokens       map[string]string    `yaml:"tokens,omitempty"`

	// Derived during validation.
	SizeBytes int64    `yaml:"-"`
	Groups    []string `yaml:"-"`
	Excluded  []string `yaml:"-"`
	Installs  []string `yaml:"-"`
}

var tokenPattern = regexp.MustCompile(`@([A-Z][A-Z0-9_]*)@`)

// Load reads, token-substitutes, parses, and validates a build
// specification. extraTokens (from config or flags) override tokens
// declared in the file itself.
func Load(path string, extraTokens map[string]string) (*Specification, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, micerrors.Wrap("read build specification", path, err)
	}

	// Tokens are declared in the document, so a first parse extracts them
	// before substitution runs over the full text.
	var tokenDoc struct {
		Tokens map[string]string `yaml:"tokens"`
	}
	if err := yaml.Unmarshal(raw, &tokenDoc); err != nil {
		return nil, micerrors.Wrap("parse build specification", path, err)
	}
	tokens := map[string]string{}
	for k, v := range tokenDoc.Tokens {
		tokens[k] = v
	}
	for k, v := range extraTokens {
		tokens[k] = v
	}
	text := substituteTokens(string(raw), tokens)

	spec := &Specification{}
	if err := yaml.Unmarshal([]byte(text), spec); err != nil {
		return nil, micerrors.Wrap("parse build specification", path, err)
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// substituteTokens replaces @TOKEN@ occurrences. Unknown tokens are left in
// place so validation can reject them with the token name visible.
func substituteTokens(text string, tokens map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := strings.Trim(match, "@")
		if v, ok := tokens[name]; ok {
			return v
		}
		return match
	})
}

func (s *Specification) validate() error {
	if s.Name == "" {
		return micerrors.Usagef("build specification has no name")
	}
	if unresolved := tokenPattern.FindString(s.Name); unresolved != "" {
		return micerrors.Usagef("unresolved token %s in image name", unresolved)
	}
	if len(s.Repositories) == 0 {
		return micerrors.Usagef("build specification declares no repositories")
	}
	if len(s.Partitions) == 0 {
		return micerrors.Usagef("build specification declares no partitions")
	}

	if s.Size != "" {
		var total datasize.ByteSize
		if err := total.UnmarshalText([]byte(s.Size)); err != nil {
			return micerrors.Usagef("invalid image size %q: %v", s.Size, err)
		}
		s.SizeBytes = int64(total.Bytes())
	}

	rootSeen := false
	var partTotal int64
	for i := range s.Partitions {
		p := &s.Partitions[i]
		if p.Mountpoint == "/" {
			rootSeen = true
		}
		if !strings.HasPrefix(p.Mountpoint, "/") {
			return micerrors.Usagef("partition mountpoint %q is not absolute", p.Mountpoint)
		}
		if p.Size == "" {
			return micerrors.Usagef("partition %s has no size", p.Mountpoint)
		}
		var sz datasize.ByteSize
		if err := sz.UnmarshalText([]byte(p.Size)); err != nil {
			return micerrors.Usagef("invalid size %q for partition %s: %v", p.Size, p.Mountpoint, err)
		}
		p.SizeBytes = int64(sz.Bytes())
		partTotal += p.SizeBytes
		switch p.Fstype {
		case "ext2", "ext3", "ext4", "btrfs", "vfat", "msdos":
		case "":
			return micerrors.Usagef("partition %s has no fstype", p.Mountpoint)
		default:
			return micerrors.Usagef("unsupported fstype %q for partition %s", p.Fstype, p.Mountpoint)
		}
	}
	if !rootSeen {
		return micerrors.Usagef("build specification has no root (/) partition")
	}
	if s.SizeBytes > 0 && partTotal > s.SizeBytes {
		return micerrors.Usagef("partition sizes (%d bytes) exceed image size (%d bytes)", partTotal, s.SizeBytes)
	}
	if s.SizeBytes == 0 {
		s.SizeBytes = partTotal
	}

	// Mount order: parents before children, so / is formatted and mounted
	// before /boot and /var before /var/log.
	sort.SliceStable(s.Partitions, func(i, j int) bool {
		return mountDepth(s.Partitions[i].Mountpoint) < mountDepth(s.Partitions[j].Mountpoint)
	})

	switch s.Bootloader.Kind {
	case "", "extlinux", "grub":
	default:
		return micerrors.Usagef("unsupported bootloader %q", s.Bootloader.Kind)
	}

	s.Installs = s.Installs[:0]
	s.Groups = s.Groups[:0]
	s.Excluded = s.Excluded[:0]
	for _, pkg := range s.Packages {
		switch {
		case pkg == "":
		case strings.HasPrefix(pkg, "+"):
			s.Groups = append(s.Groups, strings.TrimPrefix(pkg, "+"))
		case strings.HasPrefix(pkg, "-"):
			s.Excluded = append(s.Excluded, strings.TrimPrefix(pkg, "-"))
		default:
			s.Installs = append(s.Installs, pkg)
		}
	}
	if len(s.Installs) == 0 && len(s.Groups) == 0 {
		return micerrors.Usagef("build specification selects no packages")
	}
	return nil
}

// RootPartition returns the partition mounted at /.
func (s *Specification) RootPartition() *Partition {
	for i := range s.Partitions {
		if s.Partitions[i].Mountpoint == "/" {
			return &s.Partitions[i]
		}
	}
	return nil
}

// BootPartition returns the partition flagged bootable, or nil.
func (s *Specification) BootPartition() *Partition {
	for i := range s.Partitions {
		if s.Partitions[i].Boot {
			return &s.Partitions[i]
		}
	}
	return nil
}

func mountDepth(mountpoint string) int {
	if mountpoint == "/" {
		return 0
	}
	return strings.Count(mountpoint, "/")
}

// InstallList expands groups into @group arguments understood by both
// backends and filters excluded names.
func (s *Specification) InstallList() []string {
	excluded := map[string]bool{}
	for _, e := range s.Excluded {
		excluded[e] = true
	}
	var list []string
	for _, g := range s.Groups {
		list = append(list, "@"+g)
	}
	for _, p := range s.Installs {
		if !excluded[p] {
			list = append(list, p)
		}
	}
	return list
}

// String renders a short identity for logs.
func (s *Specification) String() string {
	return fmt.Sprintf("%s (%s, %s)", s.Name, s.Format, datasize.ByteSize(s.SizeBytes).HumanReadable())
}
