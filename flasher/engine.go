// Package flasher writes an image to a device and verifies it by reading the
// device back.
package flasher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"hash/crc32"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"mkflash/drive"
	"mkflash/fault"
)

const (
	DefaultChunkSize        = 1 << 20
	DefaultProgressInterval = 500 * time.Millisecond
)

// Checksum algorithms.
const (
	CRC32  = "crc32"
	SHA256 = "sha256"
)

// State of a job on one device.
type State int

const (
	Idle State = iota
	Writing
	Verifying
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Writing:
		return "writing"
	case Verifying:
		return "verifying"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Target is an opened device. *os.File satisfies it.
type Target interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Close() error
}

// Opener opens a device for exclusive read/write.
type Opener func(d drive.Device) (Target, error)

func openDevice(d drive.Device) (Target, error) {
	f, err := drive.OpenDevice(d.Path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Job is one image written to one device. Source yields Size bytes.
type Job struct {
	ID     string
	Device drive.Device
	Source io.Reader
	Size   int64
	// ExpectedChecksum, when set, is the published digest of the image in
	// the engine's algorithm.
	ExpectedChecksum   string
	UnmountOnSuccess   bool
	ValidateAfterWrite bool
}

// Result of a job that reached Done.
type Result struct {
	JobID        string `json:"job"`
	BytesWritten int64  `json:"bytesWritten"`
	// SourceChecksum is set only when the verify phase ran.
	SourceChecksum string `json:"sourceChecksum,omitempty"`
	// UnmountErr reports a failed post-flash unmount. It never fails the job.
	UnmountErr error `json:"-"`
}

// Engine runs jobs, at most one per device path at a time.
type Engine struct {
	open      Opener
	unmounter drive.Unmounter
	log       *zap.Logger
	chunkSize int
	// sector is the write/read granularity of the target; 0 means bytes.
	sector    int
	interval  time.Duration
	algorithm string
	now       func() time.Time

	mu    sync.Mutex
	state map[string]State
}

// Option configures an Engine.
type Option func(*Engine)

func WithOpener(o Opener) Option {
	return func(e *Engine) {
		if o != nil {
			e.open = o
		}
	}
}

// WithUnmounter sets the collaborator used before writing to a mounted
// device and after a successful job.
func WithUnmounter(u drive.Unmounter) Option {
	return func(e *Engine) { e.unmounter = u }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithChunkSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// WithSectorSize pads the final write and rounds reads up to multiples of
// n. Raw drives on windows reject transfers that are not whole sectors.
func WithSectorSize(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.sector = n
		}
	}
}

func WithProgressInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithChecksum selects crc32 or sha256.
func WithChecksum(algorithm string) Option {
	return func(e *Engine) {
		if algorithm != "" {
			e.algorithm = strings.ToLower(algorithm)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		open:      openDevice,
		log:       zap.NewNop(),
		chunkSize: DefaultChunkSize,
		sector:    defaultSectorSize,
		interval:  DefaultProgressInterval,
		algorithm: CRC32,
		now:       time.Now,
		state:     make(map[string]State),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.chunkSize = alignUp(e.chunkSize, e.sector)
	return e
}

func alignUp(n, sector int) int {
	if sector <= 0 {
		return n
	}
	return (n + sector - 1) / sector * sector
}

// Algorithm is the checksum algorithm used for write and verify.
func (e *Engine) Algorithm() string { return e.algorithm }

// State reports the state of the last job on path.
func (e *Engine) State(path string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state[path]
}

func (e *Engine) acquire(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state[path] {
	case Writing, Verifying:
		return false
	}
	e.state[path] = Writing
	return true
}

func (e *Engine) setState(path string, s State) {
	e.mu.Lock()
	e.state[path] = s
	e.mu.Unlock()
}

func (e *Engine) newHash() (hash.Hash, error) {
	switch e.algorithm {
	case CRC32:
		return crc32.NewIEEE(), nil
	case SHA256:
		return sha256.New(), nil
	default:
		return nil, fault.New(fault.KindInvalidInput, "", "unsupported checksum algorithm %q", e.algorithm)
	}
}

// Run executes job and blocks until it reaches Done or Failed. Progress
// events are delivered on progress, which may be nil; a non-nil channel
// must be drained until Run returns. The device handle is always released
// before Run returns.
func (e *Engine) Run(ctx context.Context, job Job, progress chan<- ProgressEvent) (Result, error) {
	path := job.Device.Path
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Size <= 0 || job.Source == nil {
		return Result{}, fault.New(fault.KindInvalidInput, path, "nothing to write")
	}
	if _, err := e.newHash(); err != nil {
		return Result{}, err
	}
	if !e.acquire(path) {
		return Result{}, fault.New(fault.KindDeviceBusy, path, "a job is already running on this device")
	}

	log := e.log.With(zap.String("job", job.ID), zap.String("device", path))
	log.Info("flash started", zap.Int64("size", job.Size), zap.String("checksum", e.algorithm))

	res, err := e.run(ctx, job, progress, log)
	if err != nil {
		e.setState(path, Failed)
		log.Error("flash failed", zap.String("kind", string(fault.KindOf(err))), zap.Error(err))
		return Result{}, err
	}
	e.setState(path, Done)

	if job.UnmountOnSuccess && e.unmounter != nil {
		if uerr := e.unmounter.Unmount(ctx, job.Device); uerr != nil {
			res.UnmountErr = fault.Wrap(fault.KindUnmountFailed, path, uerr, "unmount after flash")
			log.Warn("unmount after flash failed", zap.Error(uerr))
		}
	}
	log.Info("flash complete", zap.Int64("written", res.BytesWritten), zap.String("sourceChecksum", res.SourceChecksum))
	return res, nil
}

func (e *Engine) run(ctx context.Context, job Job, progress chan<- ProgressEvent, log *zap.Logger) (Result, error) {
	path := job.Device.Path
	if len(job.Device.Mountpoints) > 0 && e.unmounter != nil {
		if err := e.unmounter.Unmount(ctx, job.Device); err != nil {
			return Result{}, fault.Wrap(fault.KindDeviceIO, path, err, "unmount before write")
		}
		log.Debug("unmounted before write", zap.Strings("mountpoints", job.Device.Mountpoints))
	}

	target, err := e.open(job.Device)
	if err != nil {
		return Result{}, fault.Wrap(fault.KindDeviceIO, path, err, "open device")
	}
	rel := newRelay(ctx, progress)

	res, err := e.flash(ctx, job, target, rel, log)
	if cerr := target.Close(); cerr != nil && err == nil {
		err = fault.Wrap(fault.KindDeviceIO, path, cerr, "close device")
	}
	rel.close()
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (e *Engine) flash(ctx context.Context, job Job, target Target, rel *relay, log *zap.Logger) (Result, error) {
	path := job.Device.Path
	res := Result{JobID: job.ID}

	written, writeSum, err := e.write(ctx, job, target, rel)
	res.BytesWritten = written
	if err != nil {
		return res, err
	}
	if err := target.Sync(); err != nil {
		return res, fault.Wrap(fault.KindDeviceIO, path, err, "sync device")
	}
	log.Debug("write phase complete", zap.Int64("written", written), zap.String("checksum", writeSum))

	if written < job.Size {
		log.Warn("image ended early, skipping verification", zap.Int64("written", written), zap.Int64("expected", job.Size))
		return res, nil
	}
	if job.ExpectedChecksum != "" && !strings.EqualFold(job.ExpectedChecksum, writeSum) {
		return res, fault.New(fault.KindChecksumMismatch, path,
			"image checksum %s does not match published %s", writeSum, job.ExpectedChecksum)
	}
	if !job.ValidateAfterWrite {
		return res, nil
	}

	dropCache(target)
	e.setState(path, Verifying)
	readSum, err := e.verify(ctx, job, target, written, rel)
	if err != nil {
		return res, err
	}
	if readSum != writeSum {
		return res, fault.New(fault.KindChecksumMismatch, path,
			"device checksum %s does not match written %s", readSum, writeSum)
	}
	res.SourceChecksum = writeSum
	return res, nil
}

func (e *Engine) write(ctx context.Context, job Job, target Target, rel *relay) (int64, string, error) {
	path := job.Device.Path
	h, _ := e.newHash()
	buf := make([]byte, e.chunkSize)
	src := io.LimitReader(job.Source, job.Size)
	m := newMeter(job.ID, PhaseWrite, job.Size, e.interval, e.now)

	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return n, "", fault.Wrap(fault.KindCancelled, path, err, "write cancelled")
		}
		k, rerr := io.ReadFull(src, buf)
		if k > 0 {
			out := buf[:k]
			if padded := alignUp(k, e.sector); padded > k {
				clear(buf[k:padded])
				out = buf[:padded]
			}
			if _, err := target.WriteAt(out, n); err != nil {
				return n, "", fault.Wrap(fault.KindDeviceIO, path, err, "write chunk")
			}
			h.Write(buf[:k])
			n += int64(k)
			rel.offer(m.tick(n))
		}
		if rerr == io.EOF || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			return n, "", fault.Wrap(fault.KindSourceIO, path, rerr, "read image")
		}
	}
	rel.offer(m.final(n))
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func (e *Engine) verify(ctx context.Context, job Job, target Target, total int64, rel *relay) (string, error) {
	path := job.Device.Path
	h, _ := e.newHash()
	buf := make([]byte, e.chunkSize)
	m := newMeter(job.ID, PhaseCheck, total, e.interval, e.now)

	var off int64
	for off < total {
		if err := ctx.Err(); err != nil {
			return "", fault.Wrap(fault.KindCancelled, path, err, "verify cancelled")
		}
		want := int(min(int64(len(buf)), total-off))
		k, err := target.ReadAt(buf[:alignUp(want, e.sector)], off)
		if k < want {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return "", fault.Wrap(fault.KindDeviceIO, path, err, "read back chunk")
		}
		h.Write(buf[:want])
		off += int64(want)
		rel.offer(m.tick(off))
	}
	rel.offer(m.final(off))
	return hex.EncodeToString(h.Sum(nil)), nil
}
