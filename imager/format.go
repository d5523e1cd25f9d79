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
	"bytes"
	"encoding/binary"
	"os"

	micerrors "github.com/sailfishos/mic/pkg/errors"
)

// Magic offsets for the formats the detector understands.
const (
	isoMagicOffset     = 0x8001  // "CD001" in the primary volume descriptor
	extMagicOffset     = 1024 + 56
	btrfsMagicOffset   = 0x10040
	mbrSignatureOffset = 510
	detectReadLen      = 0x10050
)

const (
	extMagic     = 0xEF53
	mbrSignature = 0xAA55
)

var (
	isoMagic      = []byte("CD001")
	btrfsMagic    = []byte("_BHRfS_M")
	squashfsMagic = []byte("hsqs")
)

// formatAliases folds filesystem-level names into the plugin key that
// handles them. A plain ext or btrfs filesystem image is always the loop
// format.
var formatAliases = map[string]string{
	"ext2":     "loop",
	"ext3":     "loop",
	"ext4":     "loop",
	"btrfs":    "loop",
	"squashfs": "loop",
	"iso":      "livecd",
	"usbimg":   "liveusb",
}

// NormalizeFormat maps filesystem aliases onto registered plugin keys.
// Unknown names pass through unchanged so registry lookup reports them.
func NormalizeFormat(name string) string {
	if key, ok := formatAliases[name]; ok {
		return key
	}
	return name
}

// Detect identifies the image format of path from its on-disk magic and
// returns the normalized plugin key. A directory is the fs format. Files
// with no recognizable signature yield a DetectionError.
func Detect(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "fs", nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, detectReadLen)
	n, err := f.Read(buf)
	if n == 0 && err != nil {
		return "", micerrors.Detectionf("%s: %v", path, err)
	}
	buf = buf[:n]

	hasMBR := len(buf) >= mbrSignatureOffset+2 &&
		binary.LittleEndian.Uint16(buf[mbrSignatureOffset:]) == mbrSignature

	if matchAt(buf, isoMagicOffset, isoMagic) {
		// A hybrid ISO carrying an MBR boots from USB media.
		if hasMBR {
			return "liveusb", nil
		}
		return "livecd", nil
	}
	if len(buf) >= extMagicOffset+2 &&
		binary.LittleEndian.Uint16(buf[extMagicOffset:]) == extMagic {
		return "loop", nil
	}
	if matchAt(buf, btrfsMagicOffset, btrfsMagic) {
		return "loop", nil
	}
	if matchAt(buf, 0, squashfsMagic) {
		return "loop", nil
	}
	if hasMBR {
		// Partitioned media without a live payload signature: a raw disk
		// image, including vfat boot sectors.
		return "raw", nil
	}
	return "", micerrors.Detectionf("%s has no recognizable image signature", path)
}

func matchAt(buf []byte, offset int, magic []byte) bool {
	if len(buf) < offset+len(magic) {
		return false
	}
	return bytes.Equal(buf[offset:offset+len(magic)], magic)
}

// detectFilesystem returns the kernel filesystem name to mount a
// filesystem image with. The ext4 driver handles all ext generations.
func detectFilesystem(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, detectReadLen)
	n, _ := f.Read(buf)
	buf = buf[:n]

	switch {
	case len(buf) >= extMagicOffset+2 &&
		binary.LittleEndian.Uint16(buf[extMagicOffset:]) == extMagic:
		return "ext4", nil
	case matchAt(buf, btrfsMagicOffset, btrfsMagic):
		return "btrfs", nil
	case matchAt(buf, 0, squashfsMagic):
		return "squashfs", nil
	case matchAt(buf, isoMagicOffset, isoMagic):
		return "iso9660", nil
	case len(buf) >= mbrSignatureOffset+2 &&
		binary.LittleEndian.Uint16(buf[mbrSignatureOffset:]) == mbrSignature &&
		(buf[0] == 0xEB || buf[0] == 0xE9):
		return "vfat", nil
	default:
		return "", micerrors.Detectionf("%s: unknown filesystem", path)
	}
}
