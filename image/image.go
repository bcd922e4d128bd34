// Package image reads the metadata of a source image: its size, an optional
// published checksum and the partition layout it carries.
package image

import (
	"bufio"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/pkg/errors"

	"mkflash/drive"
	"mkflash/fault"
)

// SidecarExt is appended to an image path to find its published checksum.
const SidecarExt = ".sha256"

// Checksum is a digest published alongside an image.
type Checksum struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// Metadata describes a source image. Size is the exact byte count the
// engine will write.
type Metadata struct {
	Path               string    `json:"path"`
	Name               string    `json:"name"`
	Size               int64     `json:"size"`
	Checksum           *Checksum `json:"checksum,omitempty"`
	RecommendedMinSize int64     `json:"recommendedDriveSize,omitempty"`
	PartitionTable     string    `json:"partitionTable,omitempty"`
	Partitions         int       `json:"partitions,omitempty"`
}

// MinimumRequiredSize is the smallest device that can take this image.
func (m Metadata) MinimumRequiredSize() int64 {
	return max(m.Size, m.RecommendedMinSize)
}

type inspectOptions struct {
	minSize int64
}

// Option tweaks Inspect.
type Option func(*inspectOptions)

// WithRecommendedMinSize raises the minimum device size above the image size.
func WithRecommendedMinSize(n int64) Option {
	return func(o *inspectOptions) { o.minSize = n }
}

// Inspect stats the image at path, reads a checksum sidecar if one exists
// and probes the partition table. A missing or unreadable image is
// InvalidInput.
func Inspect(path string, opts ...Option) (Metadata, error) {
	var o inspectOptions
	for _, opt := range opts {
		opt(&o)
	}

	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, fault.Wrap(fault.KindInvalidInput, path, err, "open image")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Metadata{}, fault.Wrap(fault.KindInvalidInput, path, err, "stat image")
	}
	if st.IsDir() {
		return Metadata{}, fault.New(fault.KindInvalidInput, path, "image is a directory")
	}

	size := st.Size()
	if st.Mode()&os.ModeDevice != 0 {
		if size, err = drive.SizeOf(f); err != nil {
			return Metadata{}, fault.Wrap(fault.KindInvalidInput, path, err, "size of source device")
		}
	}
	if size <= 0 {
		return Metadata{}, fault.New(fault.KindInvalidInput, path, "image is empty")
	}

	meta := Metadata{
		Path:               path,
		Name:               filepath.Base(path),
		Size:               size,
		RecommendedMinSize: o.minSize,
	}
	if sum, err := readSidecar(path + SidecarExt); err == nil {
		meta.Checksum = sum
	} else if !os.IsNotExist(errors.Cause(err)) {
		return Metadata{}, fault.Wrap(fault.KindInvalidInput, path, err, "read checksum sidecar")
	}
	meta.PartitionTable, meta.Partitions = partitionLayout(path)
	return meta, nil
}

// Open returns the image byte stream.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.Wrap(fault.KindSourceIO, path, err, "open image")
	}
	return f, nil
}

// readSidecar accepts both a bare hex digest and sha256sum's "<hex>  <name>"
// format.
func readSidecar(path string) (*Checksum, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		value := strings.ToLower(fields[0])
		if b, err := hex.DecodeString(value); err != nil || len(b) != 32 {
			return nil, errors.Errorf("%s: not a sha256 digest: %q", path, fields[0])
		}
		return &Checksum{Algorithm: "sha256", Value: value}, nil
	}
	if err := sc.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	return nil, errors.Errorf("%s: empty checksum file", path)
}

// partitionLayout reports the partition table type and partition count.
// Images without a recognizable table yield "".
func partitionLayout(path string) (string, int) {
	d, err := diskfs.Open(path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return "", 0
	}
	defer d.Close()

	table, err := d.GetPartitionTable()
	if err != nil || table == nil {
		return "", 0
	}
	return table.Type(), len(table.GetPartitions())
}
