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

package fsutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// compressors maps a compression method to the tool invoked and the suffix
// appended to the compressed file. The parallel variants are preferred when
// present on the host.
var compressors = map[string]struct {
	tools  []string
	suffix string
}{
	"gz":  {tools: []string{"pigz", "gzip"}, suffix: ".gz"},
	"bz2": {tools: []string{"pbzip2", "bzip2"}, suffix: ".bz2"},
	"xz":  {tools: []string{"xz"}, suffix: ".xz"},
}

// Compress compresses a file in place with the given method and returns the
// path of the compressed file. An empty method returns the path unchanged.
func Compress(ctx context.Context, path, method string) (string, error) {
	if method == "" || method == "none" {
		return path, nil
	}
	c, ok := compressors[method]
	if !ok {
		return "", fmt.Errorf("unknown compression method %q", method)
	}

	var tool string
	var err error
	for _, name := range c.tools {
		if tool, err = FindTool(name); err == nil {
			break
		}
	}
	if err != nil {
		return "", err
	}

	if err := Run(ctx, tool, "-f", path); err != nil {
		return "", err
	}
	return path + c.suffix, nil
}

// WriteChecksum writes a sha256 checksum file next to path, in the
// "<digest>  <basename>" format sha256sum -c can verify.
func WriteChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("checksum %s: %w", path, err)
	}

	sumFile := path + ".sha256"
	line := fmt.Sprintf("%s  %s\n", hex.EncodeToString(h.Sum(nil)), filepath.Base(path))
	if err := os.WriteFile(sumFile, []byte(line), FilePerm); err != nil {
		return "", err
	}
	return sumFile, nil
}
