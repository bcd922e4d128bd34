//go:build !linux && !windows && !darwin

package drive

import (
	"context"
	"os"
	"runtime"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type unsupported struct{}

func NewSystemEnumerator() Enumerator { return unsupported{} }

func NewSystemUnmounter(*zap.Logger) Unmounter { return unsupported{} }

func (unsupported) List(context.Context) ([]Device, error) {
	return nil, errors.Errorf("drive enumeration is not supported on %s", runtime.GOOS)
}

func (unsupported) Unmount(context.Context, Device) error {
	return errors.Errorf("unmount is not supported on %s", runtime.GOOS)
}

func OpenDevice(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR, 0)
}
