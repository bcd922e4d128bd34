// Package drive discovers block devices and keeps a live view of them.
package drive

import (
	"context"
	"slices"
)

// Device is an immutable snapshot of one block device. Path is its identity:
// two snapshots with the same Path describe the same physical device.
type Device struct {
	Path        string   `json:"device"`
	Description string   `json:"description"`
	Size        int64    `json:"size"`
	Mountpoints []string `json:"mountpoints"`
	Protected   bool     `json:"protected"`
	// System is true for fixed/internal disks.
	System bool `json:"system"`
}

// Removable reports whether the OS considers the device removable.
func (d Device) Removable() bool { return !d.System }

// Equal compares every observable field.
func (d Device) Equal(o Device) bool {
	return d.Path == o.Path &&
		d.Description == o.Description &&
		d.Size == o.Size &&
		d.Protected == o.Protected &&
		d.System == o.System &&
		slices.Equal(d.Mountpoints, o.Mountpoints)
}

//go:generate mockgen -source=device.go -destination=mocks/mock_drive.go -package=mocks

// Enumerator lists the block devices currently attached.
type Enumerator interface {
	List(ctx context.Context) ([]Device, error)
}

// Unmounter asks the OS to unmount every filesystem of a device.
type Unmounter interface {
	Unmount(ctx context.Context, dev Device) error
}
