//go:build windows

package drive

import (
	"io"
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

const ioctlDiskGetLengthInfo = 0x7405C

// SizeOf returns the size in bytes of a regular file or physical drive.
// Seek reports 0 on a raw drive handle, so drives are asked for their
// length directly.
func SizeOf(f *os.File) (int64, error) {
	if size, err := f.Seek(0, io.SeekEnd); err == nil && size > 0 {
		_, _ = f.Seek(0, io.SeekStart)
		return size, nil
	}

	var length int64
	var returned uint32
	err := windows.DeviceIoControl(
		windows.Handle(f.Fd()),
		ioctlDiskGetLengthInfo,
		nil, 0,
		(*byte)(unsafe.Pointer(&length)), uint32(unsafe.Sizeof(length)),
		&returned,
		nil,
	)
	if err != nil {
		return 0, errors.Wrapf(err, "size of %s", f.Name())
	}
	return length, nil
}
