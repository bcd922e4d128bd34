//go:build darwin

package drive

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type darwinEnumerator struct{}

// NewSystemEnumerator lists whole disks from /dev and asks diskutil for the
// details.
func NewSystemEnumerator() Enumerator { return darwinEnumerator{} }

func (darwinEnumerator) List(ctx context.Context) ([]Device, error) {
	entries, err := os.ReadDir("/dev")
	if err != nil {
		return nil, errors.Wrap(err, "read /dev")
	}
	mounts := mountsBySlice()
	var devices []Device
	for _, e := range entries {
		name := e.Name()
		// raw nodes duplicate the buffered ones
		if !strings.HasPrefix(name, "disk") || isDarwinPartition(name) {
			continue
		}
		out, err := exec.CommandContext(ctx, "diskutil", "info", name).Output()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		info := parseDiskutilInfo(string(out))
		if info.Size == 0 {
			continue
		}
		mps := []string{}
		for slice, mp := range mounts {
			if slice == name || strings.HasPrefix(slice, name+"s") {
				mps = append(mps, mp)
			}
		}
		sort.Strings(mps)
		desc := info.MediaName
		if desc == "" {
			desc = name
		}
		devices = append(devices, Device{
			Path:        filepath.Join("/dev", name),
			Description: desc,
			Size:        info.Size,
			Mountpoints: mps,
			Protected:   info.ReadOnly,
			System:      info.Internal && !info.Removable && info.Protocol != "USB",
		})
	}
	return devices, nil
}

// mountsBySlice maps disk slice names (disk2s1) to their mount points.
func mountsBySlice() map[string]string {
	out := map[string]string{}
	n, err := unix.Getfsstat(nil, unix.MNT_NOWAIT)
	if err != nil || n <= 0 {
		return out
	}
	buf := make([]unix.Statfs_t, n)
	if _, err := unix.Getfsstat(buf, unix.MNT_NOWAIT); err != nil {
		return out
	}
	for _, st := range buf {
		from := unix.ByteSliceToString(st.Mntfromname[:])
		if !strings.HasPrefix(from, "/dev/disk") {
			continue
		}
		out[filepath.Base(from)] = filepath.Clean(unix.ByteSliceToString(st.Mntonname[:]))
	}
	return out
}

// OpenDevice opens a whole disk for read/write.
func OpenDevice(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR, 0)
}

type diskutilUnmounter struct {
	log *zap.Logger
}

// NewSystemUnmounter unmounts every volume of a disk with diskutil.
func NewSystemUnmounter(log *zap.Logger) Unmounter {
	if log == nil {
		log = zap.NewNop()
	}
	return diskutilUnmounter{log: log}
}

func (u diskutilUnmounter) Unmount(ctx context.Context, dev Device) error {
	out, err := exec.CommandContext(ctx, "diskutil", "unmountDisk", "force", dev.Path).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "diskutil unmountDisk %s: %s", dev.Path, strings.TrimSpace(string(out)))
	}
	u.log.Debug("unmounted disk", zap.String("device", dev.Path))
	return nil
}
