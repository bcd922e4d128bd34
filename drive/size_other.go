//go:build !windows && !linux && !darwin && !freebsd && !netbsd && !dragonfly

package drive

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// SizeOf returns the size in bytes of a regular file. Block devices have no
// size probe on this platform.
func SizeOf(f *os.File) (int64, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrapf(err, "size of %s", f.Name())
	}
	if size == 0 {
		return 0, errors.Errorf("size of %s: no size probe for block devices on this platform", f.Name())
	}
	_, _ = f.Seek(0, io.SeekStart)
	return size, nil
}
