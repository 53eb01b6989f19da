// Package disk provides the block-device image backends virtio-blk reads
// and writes through: raw flat files and QCOW1/QCOW2 sparse images, per
// spec.md §2.14, grounded in kvmtool's disk/raw.c and disk/qcow.c.
package disk

import (
	"errors"
	"fmt"
	"os"
)

const SectorSize = 512

// ErrReadOnly is returned by WriteSectors on a read-only image.
var ErrReadOnly = errors.New("disk: image is read-only")

// Image is the sector-addressed interface virtio-blk drives.
type Image interface {
	Size() int64
	ReadSectors(sector uint64, dst []byte) error
	WriteSectors(sector uint64, src []byte) error
	Flush() error
	Close() error
}

// Open probes filename and returns the appropriate backend: QCOW1/QCOW2 if
// the magic matches, raw otherwise, mirroring kvmtool's disk_image__open
// probe order (block device probe is not applicable to this hypervisor's
// Non-goals, which name passthrough block devices out of scope).
func Open(filename string, readOnly bool) (Image, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(filename, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("disk: open %s: %w", filename, err)
	}

	magic := make([]byte, 4)
	if _, err := f.ReadAt(magic, 0); err == nil && isQCOWMagic(magic) {
		return openQCOW(f, readOnly)
	}

	return openRaw(f, readOnly)
}

func isQCOWMagic(b []byte) bool {
	return b[0] == 'Q' && b[1] == 'F' && b[2] == 'I' && b[3] == 0xFB
}
