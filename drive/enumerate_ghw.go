//go:build linux || windows

package drive

import (
	"context"
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/pkg/errors"
)

const ghwUnknown = "unknown"

type ghwEnumerator struct{}

// NewSystemEnumerator lists whole disks through ghw.
func NewSystemEnumerator() Enumerator { return ghwEnumerator{} }

func (ghwEnumerator) List(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := ghw.Block()
	if err != nil {
		return nil, errors.Wrap(err, "enumerate block devices")
	}
	devices := make([]Device, 0, len(info.Disks))
	for _, disk := range info.Disks {
		if disk == nil || disk.SizeBytes == 0 || skipDisk(disk.Name) {
			continue
		}
		devices = append(devices, fromDisk(disk))
	}
	return devices, nil
}

func fromDisk(disk *ghw.Disk) Device {
	mounts := []string{}
	for _, p := range disk.Partitions {
		if p != nil && p.MountPoint != "" {
			mounts = append(mounts, p.MountPoint)
		}
	}
	return Device{
		Path:        devicePath(disk.Name),
		Description: describe(disk.Name, disk.Vendor, disk.Model),
		Size:        int64(disk.SizeBytes),
		Mountpoints: mounts,
		Protected:   isProtected(disk.Name),
		System:      !(disk.IsRemovable || strings.Contains(strings.ToLower(disk.BusPath), "usb")),
	}
}

func describe(name string, parts ...string) string {
	var words []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || strings.EqualFold(p, ghwUnknown) {
			continue
		}
		words = append(words, p)
	}
	if len(words) == 0 {
		return name
	}
	return strings.Join(words, " ")
}
