//go:build windows

package drive

import (
	"context"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

const (
	fsctlLockVolume      = 0x90018
	fsctlDismountVolume  = 0x90020
	fsctlUnlockVolume    = 0x9001c
	fileFlagWriteThrough = 0x80000000
)

// OpenDevice opens a physical drive for raw, exclusive read/write access.
func OpenDevice(path string) (*os.File, error) {
	handle, err := windows.CreateFile(
		windows.StringToUTF16Ptr(path),
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0,
		nil,
		windows.OPEN_EXISTING,
		fileFlagWriteThrough,
		0,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s (run as administrator and close programs using the drive)", path)
	}
	file := os.NewFile(uintptr(handle), path)
	if file == nil {
		windows.CloseHandle(handle)
		return nil, errors.Errorf("no file for handle of %s", path)
	}
	return file, nil
}

type volumeUnmounter struct {
	log *zap.Logger
}

// NewSystemUnmounter dismounts every drive letter of a device.
func NewSystemUnmounter(log *zap.Logger) Unmounter {
	if log == nil {
		log = zap.NewNop()
	}
	return &volumeUnmounter{log: log}
}

func (u *volumeUnmounter) Unmount(ctx context.Context, dev Device) error {
	var result *multierror.Error
	for _, mp := range dev.Mountpoints {
		if err := ctx.Err(); err != nil {
			return err
		}
		letter := strings.ToUpper(strings.TrimRight(mp, `:\`))
		if len(letter) != 1 || letter < "A" || letter > "Z" {
			continue
		}
		if err := dismountVolume(letter); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		u.log.Debug("volume dismounted", zap.String("device", dev.Path), zap.String("volume", letter+":"))
	}
	return result.ErrorOrNil()
}

// dismountVolume locks and dismounts the volume behind a drive letter, then
// releases the lock.
func dismountVolume(letter string) error {
	volumePath := `\\.\` + letter + `:`
	h, err := windows.CreateFile(
		windows.StringToUTF16Ptr(volumePath),
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_EXISTING,
		0,
		0,
	)
	if err != nil {
		return errors.Wrapf(err, "open volume %s", volumePath)
	}
	defer windows.CloseHandle(h)

	control := func(code uint32) error {
		var returned uint32
		return windows.DeviceIoControl(h, code, nil, 0, nil, 0, &returned, nil)
	}

	if err := control(fsctlLockVolume); err != nil && !errors.Is(err, windows.ERROR_NOT_SUPPORTED) {
		return errors.Wrapf(err, "lock volume %s (close programs using it)", volumePath)
	}
	defer control(fsctlUnlockVolume)

	err = control(fsctlDismountVolume)
	if err != nil && !errors.Is(err, windows.ERROR_NOT_SUPPORTED) && !errors.Is(err, windows.ERROR_NOT_LOCKED) {
		return errors.Wrapf(err, "dismount volume %s", volumePath)
	}
	return nil
}
