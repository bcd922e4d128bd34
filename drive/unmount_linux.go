//go:build linux

package drive

import (
	"bufio"
	"cmp"
	"context"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	udisksService = "org.freedesktop.UDisks2"
	udisksManager = "/org/freedesktop/UDisks2/Manager"
)

// OpenDevice opens a block device for read/write. O_EXCL makes the kernel
// refuse the open while the device is mounted or held by another opener.
func OpenDevice(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_EXCL, 0)
}

type linuxUnmounter struct {
	log        *zap.Logger
	mountsFile string
	// udisks is nil when the system bus is unreachable.
	udisks func(ctx context.Context, source string) error
}

// NewSystemUnmounter unmounts through UDisks2 when the system bus is
// reachable and falls back to umount(2).
func NewSystemUnmounter(log *zap.Logger) Unmounter {
	if log == nil {
		log = zap.NewNop()
	}
	return &linuxUnmounter{
		log:        log,
		mountsFile: "/proc/self/mounts",
		udisks:     udisksUnmount,
	}
}

// Unmount unmounts every filesystem of dev that is mounted now: the
// mountpoints recorded in the snapshot and any mount whose source is the
// device or one of its partitions. Deeper mountpoints go first.
func (u *linuxUnmounter) Unmount(ctx context.Context, dev Device) error {
	mounts := mountsOf(u.mountsFile, dev.Path)
	for _, mp := range dev.Mountpoints {
		if _, seen := mounts[filepath.Clean(mp)]; seen {
			continue
		}
		if source := mountSource(u.mountsFile, mp); source != "" {
			mounts[filepath.Clean(mp)] = source
		}
	}
	targets := slices.SortedFunc(maps.Keys(mounts), func(a, b string) int {
		return cmp.Or(cmp.Compare(len(b), len(a)), strings.Compare(a, b))
	})

	var result *multierror.Error
	for _, mp := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := u.unmountOne(ctx, mounts[mp], mp); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (u *linuxUnmounter) unmountOne(ctx context.Context, source, mountpoint string) error {
	if u.udisks != nil {
		err := u.udisks(ctx, source)
		if err == nil {
			u.log.Debug("unmounted via udisks", zap.String("source", source), zap.String("mountpoint", mountpoint))
			return nil
		}
		u.log.Debug("udisks unmount failed, falling back to umount(2)", zap.String("source", source), zap.Error(err))
	}
	if err := unix.Unmount(mountpoint, 0); err != nil {
		return errors.Wrapf(err, "unmount %s", mountpoint)
	}
	return nil
}

func udisksUnmount(ctx context.Context, source string) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return errors.Wrap(err, "connect to system bus")
	}
	manager := conn.Object(udisksService, udisksManager)
	var objects []dbus.ObjectPath
	err = manager.CallWithContext(ctx,
		udisksService+".Manager.ResolveDevice", 0,
		map[string]dbus.Variant{"path": dbus.MakeVariant(source)},
		map[string]dbus.Variant{},
	).Store(&objects)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", source)
	}
	if len(objects) == 0 {
		return errors.Errorf("udisks does not know %s", source)
	}
	fs := conn.Object(udisksService, objects[0])
	return fs.CallWithContext(ctx,
		udisksService+".Filesystem.Unmount", 0,
		map[string]dbus.Variant{"force": dbus.MakeVariant(true)},
	).Store()
}

// mountSource finds the source device mounted at target in a mounts table.
func mountSource(mountsFile, target string) string {
	f, err := os.Open(mountsFile)
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		// <src> <target> <fstype> <opts> ...
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		if filepath.Clean(unescapeMount(fields[1])) == filepath.Clean(target) {
			return unescapeMount(fields[0])
		}
	}
	return ""
}

// mountsOf maps mountpoint to source for every mount of disk or one of its
// partitions (sdb1, mmcblk0p1, nvme0n1p2).
func mountsOf(mountsFile, disk string) map[string]string {
	mounts := map[string]string{}
	f, err := os.Open(mountsFile)
	if err != nil {
		return mounts
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		source := unescapeMount(fields[0])
		if isPartitionOf(source, disk) {
			mounts[filepath.Clean(unescapeMount(fields[1]))] = source
		}
	}
	return mounts
}

func isPartitionOf(source, disk string) bool {
	rest, ok := strings.CutPrefix(source, disk)
	if !ok {
		return false
	}
	if rest == "" {
		return true
	}
	rest = strings.TrimPrefix(rest, "p")
	return rest != "" && strings.Trim(rest, "0123456789") == ""
}

var mountEscapes = strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`)

func unescapeMount(s string) string { return mountEscapes.Replace(s) }
