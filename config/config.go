// Package config holds the options of a flash run and loads them from YAML.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"mkflash/fault"
)

// ByteSize is a byte count written as "1MiB" or "4GB" in YAML.
type ByteSize int64

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return errors.Wrapf(err, "line %d: invalid size %q", value.Line, s)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalYAML() (any, error) { return b.String(), nil }

// Options configures one run. The zero value is not useful; start from
// Default.
type Options struct {
	RobotMode          bool   `yaml:"robot"`
	SkipConfirmation   bool   `yaml:"yes"`
	UnmountOnSuccess   bool   `yaml:"unmount"`
	ValidateAfterWrite bool   `yaml:"check"`
	ExplicitDevicePath string `yaml:"drive"`

	PollInterval     time.Duration `yaml:"poll_interval"`
	ChunkSize        ByteSize      `yaml:"chunk_size"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	// Checksum is crc32 or sha256.
	Checksum string `yaml:"checksum"`
	// MinimumSize raises the smallest acceptable device above the image size.
	MinimumSize    ByteSize      `yaml:"min_size"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`

	LogLevel string `yaml:"log_level"`
	// Listen is the status API address; empty disables it.
	Listen string `yaml:"listen"`
}

// Default returns the default options.
func Default() *Options {
	return &Options{
		UnmountOnSuccess:   true,
		ValidateAfterWrite: true,
		PollInterval:       2 * time.Second,
		ChunkSize:          1 << 20,
		ProgressInterval:   500 * time.Millisecond,
		Checksum:           "crc32",
		ConfirmTimeout:     2 * time.Minute,
		LogLevel:           "info",
	}
}

// Load overlays the YAML file at path on the defaults. A missing file
// yields the defaults.
func Load(path string) (*Options, error) {
	opts := Default()
	if path == "" {
		return opts, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return opts, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidInput, "", err, "read config")
	}
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fault.Wrap(fault.KindInvalidInput, "", err, "parse config "+path)
	}
	return opts, nil
}

// Validate checks option values, returning InvalidInput.
func (o *Options) Validate() error {
	switch {
	case o.ChunkSize <= 0 || o.ChunkSize%512 != 0:
		return fault.New(fault.KindInvalidInput, "", "chunk_size must be a positive multiple of 512, got %d", int64(o.ChunkSize))
	case o.PollInterval <= 0:
		return fault.New(fault.KindInvalidInput, "", "poll_interval must be positive")
	case o.ProgressInterval <= 0:
		return fault.New(fault.KindInvalidInput, "", "progress_interval must be positive")
	case o.ConfirmTimeout <= 0:
		return fault.New(fault.KindInvalidInput, "", "confirm_timeout must be positive")
	case o.MinimumSize < 0:
		return fault.New(fault.KindInvalidInput, "", "min_size must not be negative")
	}
	switch strings.ToLower(o.Checksum) {
	case "crc32", "sha256":
	default:
		return fault.New(fault.KindInvalidInput, "", "unsupported checksum %q (want crc32 or sha256)", o.Checksum)
	}
	if _, err := zapcore.ParseLevel(o.LogLevel); err != nil {
		return fault.Wrap(fault.KindInvalidInput, "", err, "log_level")
	}
	return nil
}
