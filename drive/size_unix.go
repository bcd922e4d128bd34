//go:build linux || darwin || freebsd || netbsd || dragonfly

package drive

import (
	"io"
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Block device ioctls: linux reports bytes directly, BSD/macOS report a
// block size and a block count.
const (
	blkGetSize64       = 0x80081272 // BLKGETSIZE64
	dkiocGetBlockSize  = 0x40046418 // _IOR('d', 24, uint32)
	dkiocGetBlockCount = 0x40086419 // _IOR('d', 25, uint64)
)

// SizeOf returns the size in bytes of a regular file or block device.
func SizeOf(f *os.File) (int64, error) {
	if size, err := f.Seek(0, io.SeekEnd); err == nil && size > 0 {
		_, _ = f.Seek(0, io.SeekStart)
		return size, nil
	}

	var bytes uint64
	if ioctl(f, blkGetSize64, unsafe.Pointer(&bytes)) == nil {
		return int64(bytes), nil
	}

	var blockSize uint32
	var blockCount uint64
	if err := ioctl(f, dkiocGetBlockSize, unsafe.Pointer(&blockSize)); err != nil {
		return 0, errors.Wrapf(err, "size of %s", f.Name())
	}
	if err := ioctl(f, dkiocGetBlockCount, unsafe.Pointer(&blockCount)); err != nil {
		return 0, errors.Wrapf(err, "block count of %s", f.Name())
	}
	return int64(blockSize) * int64(blockCount), nil
}

func ioctl(f *os.File, req uintptr, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, uintptr(arg)); errno != 0 {
		return errno
	}
	return nil
}
