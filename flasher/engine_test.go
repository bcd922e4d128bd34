package flasher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash/crc32"
	"io"
	"sync"
	"syscall"
	"testing"

	"go.uber.org/mock/gomock"

	"mkflash/drive"
	"mkflash/drive/mocks"
	"mkflash/fault"
)

const chunk = 1024

// memTarget is an in-memory device.
type memTarget struct {
	mu          sync.Mutex
	data        []byte
	failWriteAt int64
	corrupt     bool
	synced      bool
	closed      bool
}

func newMemTarget() *memTarget { return &memTarget{failWriteAt: -1} }

func (m *memTarget) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWriteAt >= 0 && off >= m.failWriteAt {
		return 0, syscall.EIO
	}
	if end := off + int64(len(p)); end > int64(len(m.data)) {
		m.data = append(m.data, make([]byte, end-int64(len(m.data)))...)
	}
	return copy(m.data[off:], p), nil
}

func (m *memTarget) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if m.corrupt && off == 0 && n > 0 {
		p[0] ^= 0xff
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memTarget) Sync() error {
	m.mu.Lock()
	m.synced = true
	m.mu.Unlock()
	return nil
}

func (m *memTarget) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memTarget) bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.data)
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

var usb = drive.Device{Path: "/dev/sdb", Description: "Stick", Size: 1 << 30}

func engineFor(t *memTarget, opts ...Option) *Engine {
	opts = append([]Option{
		WithChunkSize(chunk),
		WithSectorSize(0),
		WithOpener(func(drive.Device) (Target, error) { return t, nil }),
	}, opts...)
	return NewEngine(opts...)
}

// runCollect runs job and returns every progress event delivered.
func runCollect(ctx context.Context, e *Engine, job Job) (Result, []ProgressEvent, error) {
	ch := make(chan ProgressEvent)
	var events []ProgressEvent
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			events = append(events, ev)
		}
	}()
	res, err := e.Run(ctx, job, ch)
	close(ch)
	<-done
	return res, events, err
}

func crcHex(b []byte) string {
	sum := crc32.ChecksumIEEE(b)
	return hex.EncodeToString([]byte{byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum)})
}

func TestRoundTrip(t *testing.T) {
	img := payload(3*chunk + 500)
	target := newMemTarget()
	e := engineFor(target)

	res, events, err := runCollect(context.Background(), e, Job{
		Device: usb, Source: bytes.NewReader(img), Size: int64(len(img)), ValidateAfterWrite: true,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !bytes.Equal(target.bytes(), img) {
		t.Error("device content differs from image")
	}
	if want := crcHex(img); res.SourceChecksum != want {
		t.Errorf("SourceChecksum = %q, want %q", res.SourceChecksum, want)
	}
	if res.BytesWritten != int64(len(img)) || res.JobID == "" {
		t.Errorf("Result = %+v", res)
	}
	if !target.synced || !target.closed {
		t.Errorf("synced=%v closed=%v", target.synced, target.closed)
	}
	if got := e.State(usb.Path); got != Done {
		t.Errorf("State() = %v, want done", got)
	}
	checkProgress(t, events, int64(len(img)), true)
}

func checkProgress(t *testing.T, events []ProgressEvent, total int64, wantCheck bool) {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no progress events")
	}
	last := map[Phase]int64{}
	seenCheck := false
	for _, ev := range events {
		if ev.Phase == PhaseCheck {
			seenCheck = true
		} else if seenCheck {
			t.Fatal("write event after check phase started")
		}
		if ev.BytesProcessed < last[ev.Phase] {
			t.Fatalf("%s progress went backwards: %d after %d", ev.Phase, ev.BytesProcessed, last[ev.Phase])
		}
		if ev.TotalBytes != total {
			t.Fatalf("TotalBytes = %d, want %d", ev.TotalBytes, total)
		}
		last[ev.Phase] = ev.BytesProcessed
	}
	if last[PhaseWrite] != total {
		t.Errorf("final write progress = %d, want %d", last[PhaseWrite], total)
	}
	if seenCheck != wantCheck {
		t.Errorf("check phase seen = %v, want %v", seenCheck, wantCheck)
	}
	if wantCheck && last[PhaseCheck] != total {
		t.Errorf("final check progress = %d, want %d", last[PhaseCheck], total)
	}
}

func TestRoundTripSHA256(t *testing.T) {
	img := payload(2 * chunk)
	e := engineFor(newMemTarget(), WithChecksum("SHA256"))
	res, err := e.Run(context.Background(), Job{
		Device: usb, Source: bytes.NewReader(img), Size: int64(len(img)), ValidateAfterWrite: true,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(img)
	if res.SourceChecksum != hex.EncodeToString(sum[:]) {
		t.Errorf("SourceChecksum = %q", res.SourceChecksum)
	}
	if e.Algorithm() != SHA256 {
		t.Errorf("Algorithm() = %q", e.Algorithm())
	}
}

func TestNoValidation(t *testing.T) {
	img := payload(chunk)
	res, events, err := runCollect(context.Background(), engineFor(newMemTarget()), Job{
		Device: usb, Source: bytes.NewReader(img), Size: int64(len(img)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.SourceChecksum != "" {
		t.Errorf("SourceChecksum = %q, want none without verify", res.SourceChecksum)
	}
	checkProgress(t, events, int64(len(img)), false)
}

func TestChecksumMismatch(t *testing.T) {
	img := payload(4 * chunk)
	target := newMemTarget()
	target.corrupt = true
	e := engineFor(target)

	res, err := e.Run(context.Background(), Job{
		Device: usb, Source: bytes.NewReader(img), Size: int64(len(img)), ValidateAfterWrite: true,
	}, nil)
	if !errors.Is(err, fault.ChecksumMismatch) {
		t.Fatalf("Run() error = %v, want ChecksumMismatch", err)
	}
	if res != (Result{}) {
		t.Errorf("Result = %+v, want none", res)
	}
	if e.State(usb.Path) != Failed || !target.closed {
		t.Errorf("state=%v closed=%v", e.State(usb.Path), target.closed)
	}
}

func TestExpectedChecksum(t *testing.T) {
	img := payload(chunk + 10)
	job := func(sum string) Job {
		return Job{Device: usb, Source: bytes.NewReader(img), Size: int64(len(img)), ExpectedChecksum: sum}
	}
	if _, err := engineFor(newMemTarget()).Run(context.Background(), job(crcHex(img)), nil); err != nil {
		t.Errorf("matching checksum: %v", err)
	}
	_, err := engineFor(newMemTarget()).Run(context.Background(), job("deadbeef"), nil)
	if !errors.Is(err, fault.ChecksumMismatch) {
		t.Errorf("Run() error = %v, want ChecksumMismatch", err)
	}
}

// cancelAfter cancels once limit bytes have been handed out.
type cancelAfter struct {
	r      io.Reader
	limit  int64
	read   int64
	cancel context.CancelFunc
}

func (c *cancelAfter) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.read >= c.limit {
		c.cancel()
	}
	return n, err
}

func TestCancelMidWrite(t *testing.T) {
	img := payload(100 * chunk)
	target := newMemTarget()
	e := engineFor(target)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &cancelAfter{r: bytes.NewReader(img), limit: int64(len(img)) * 40 / 100, cancel: cancel}
	res, events, err := runCollect(ctx, e, Job{
		Device: usb, Source: src, Size: int64(len(img)), ValidateAfterWrite: true,
	})
	if !errors.Is(err, fault.Cancelled) {
		t.Fatalf("Run() error = %v, want Cancelled", err)
	}
	if res != (Result{}) {
		t.Errorf("Result = %+v", res)
	}
	if got := len(target.bytes()); got != 40*chunk {
		t.Errorf("wrote %d bytes, want stop at chunk boundary %d", got, 40*chunk)
	}
	if !target.closed {
		t.Error("device handle not released")
	}
	for _, ev := range events {
		if ev.Phase == PhaseCheck {
			t.Fatal("verify phase entered after cancel")
		}
	}
	if e.State(usb.Path) != Failed {
		t.Errorf("State() = %v", e.State(usb.Path))
	}
}

func TestDeviceIOError(t *testing.T) {
	img := payload(8 * chunk)
	target := newMemTarget()
	target.failWriteAt = 2 * chunk
	_, events, err := runCollect(context.Background(), engineFor(target), Job{
		Device: usb, Source: bytes.NewReader(img), Size: int64(len(img)), ValidateAfterWrite: true,
	})
	if !errors.Is(err, fault.DeviceIO) || !errors.Is(err, syscall.EIO) {
		t.Fatalf("Run() error = %v, want DeviceIO wrapping EIO", err)
	}
	for _, ev := range events {
		if ev.Phase == PhaseCheck {
			t.Fatal("verify attempted after device error")
		}
	}
	if !target.closed {
		t.Error("device handle not released")
	}
}

type failingReader struct{ n int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.n > 0 {
		f.n--
		return len(p), nil
	}
	return 0, errors.New("gzip: invalid header")
}

func TestSourceError(t *testing.T) {
	_, err := engineFor(newMemTarget()).Run(context.Background(), Job{
		Device: usb, Source: &failingReader{n: 2}, Size: 10 * chunk,
	}, nil)
	if fault.KindOf(err) != fault.KindSourceIO {
		t.Fatalf("Run() error = %v, want SourceIO", err)
	}
}

func TestShortImageSkipsVerify(t *testing.T) {
	img := payload(2*chunk + 1)
	res, events, err := runCollect(context.Background(), engineFor(newMemTarget()), Job{
		Device: usb, Source: bytes.NewReader(img), Size: 4 * chunk, ValidateAfterWrite: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.BytesWritten != int64(len(img)) || res.SourceChecksum != "" {
		t.Errorf("Result = %+v", res)
	}
	for _, ev := range events {
		if ev.Phase == PhaseCheck {
			t.Fatal("verify ran after a short read")
		}
	}
	if last := events[len(events)-1]; last.BytesProcessed != int64(len(img)) {
		t.Errorf("last event = %+v", last)
	}
}

func TestLongerImageIsTruncated(t *testing.T) {
	img := payload(3 * chunk)
	target := newMemTarget()
	res, err := engineFor(target).Run(context.Background(), Job{
		Device: usb, Source: bytes.NewReader(img), Size: 2 * chunk, ValidateAfterWrite: true,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.SourceChecksum != crcHex(img[:2*chunk]) || len(target.bytes()) != 2*chunk {
		t.Errorf("Result = %+v, device holds %d bytes", res, len(target.bytes()))
	}
}

// sectorTarget rejects transfers that are not whole 512-byte sectors, like a
// raw windows drive.
type sectorTarget struct{ *memTarget }

func (s sectorTarget) WriteAt(p []byte, off int64) (int, error) {
	if len(p)%512 != 0 || off%512 != 0 {
		return 0, syscall.EINVAL
	}
	return s.memTarget.WriteAt(p, off)
}

func (s sectorTarget) ReadAt(p []byte, off int64) (int, error) {
	if len(p)%512 != 0 || off%512 != 0 {
		return 0, syscall.EINVAL
	}
	return s.memTarget.ReadAt(p, off)
}

func TestSectorAlignedFinalChunk(t *testing.T) {
	img := payload(2*chunk + 1000)
	mem := newMemTarget()
	e := NewEngine(
		WithChunkSize(chunk),
		WithSectorSize(512),
		WithOpener(func(drive.Device) (Target, error) { return sectorTarget{mem}, nil }),
	)
	res, err := e.Run(context.Background(), Job{
		Device: usb, Source: bytes.NewReader(img), Size: int64(len(img)), ValidateAfterWrite: true,
	}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.BytesWritten != int64(len(img)) || res.SourceChecksum != crcHex(img) {
		t.Errorf("Result = %+v, want %d bytes and checksum %s", res, len(img), crcHex(img))
	}
	got := mem.bytes()
	if len(got) != 3*chunk {
		t.Fatalf("device holds %d bytes, want %d", len(got), 3*chunk)
	}
	if !bytes.Equal(got[:len(img)], img) || !bytes.Equal(got[len(img):], make([]byte, 3*chunk-len(img))) {
		t.Error("final chunk should be the image tail padded with zeros")
	}
}

func TestUnalignedFinalChunkWithoutSectorSize(t *testing.T) {
	img := payload(chunk + 100)
	_, err := engineFor(nil, WithOpener(func(drive.Device) (Target, error) {
		return sectorTarget{newMemTarget()}, nil
	})).Run(context.Background(), Job{Device: usb, Source: bytes.NewReader(img), Size: int64(len(img))}, nil)
	if !errors.Is(err, fault.DeviceIO) || !errors.Is(err, syscall.EINVAL) {
		t.Errorf("Run() error = %v, want DeviceIO wrapping EINVAL", err)
	}
}

func TestChunkSizeRoundsUpToSector(t *testing.T) {
	e := NewEngine(WithChunkSize(1000), WithSectorSize(512))
	if e.chunkSize != 1024 {
		t.Errorf("chunkSize = %d, want 1024", e.chunkSize)
	}
	if e := NewEngine(WithChunkSize(1000), WithSectorSize(0)); e.chunkSize != 1000 {
		t.Errorf("chunkSize without sector = %d, want 1000", e.chunkSize)
	}
}

func TestDeviceBusy(t *testing.T) {
	opened := make(chan struct{})
	release := make(chan struct{})
	target := newMemTarget()
	e := NewEngine(WithChunkSize(chunk), WithOpener(func(drive.Device) (Target, error) {
		close(opened)
		<-release
		return target, nil
	}))

	img := payload(chunk)
	first := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), Job{Device: usb, Source: bytes.NewReader(img), Size: chunk}, nil)
		first <- err
	}()
	<-opened

	_, err := e.Run(context.Background(), Job{Device: usb, Source: bytes.NewReader(img), Size: chunk}, nil)
	if !errors.Is(err, fault.DeviceBusy) {
		t.Errorf("second Run() error = %v, want DeviceBusy", err)
	}
	other := usb
	other.Path = "/dev/sdc"
	e2done := make(chan error, 1)
	go func() {
		_, err := NewEngine(WithOpener(func(drive.Device) (Target, error) { return newMemTarget(), nil })).
			Run(context.Background(), Job{Device: other, Source: bytes.NewReader(img), Size: chunk}, nil)
		e2done <- err
	}()
	if err := <-e2done; err != nil {
		t.Errorf("other device: %v", err)
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if _, err := e.Run(context.Background(), Job{Device: usb, Source: bytes.NewReader(img), Size: chunk}, nil); err != nil {
		t.Errorf("Run() after completion error = %v", err)
	}
}

func TestUnmount(t *testing.T) {
	mounted := usb
	mounted.Mountpoints = []string{"/media/stick"}
	img := payload(chunk)

	t.Run("post-flash failure is not fatal", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		um := mocks.NewMockUnmounter(ctrl)
		gomock.InOrder(
			um.EXPECT().Unmount(gomock.Any(), mounted).Return(nil),
			um.EXPECT().Unmount(gomock.Any(), mounted).Return(errors.New("target is busy")),
		)
		res, err := engineFor(newMemTarget(), WithUnmounter(um)).Run(context.Background(), Job{
			Device: mounted, Source: bytes.NewReader(img), Size: chunk,
			UnmountOnSuccess: true, ValidateAfterWrite: true,
		}, nil)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if !errors.Is(res.UnmountErr, fault.UnmountFailed) {
			t.Errorf("UnmountErr = %v", res.UnmountErr)
		}
		if res.SourceChecksum == "" {
			t.Error("successful verify should report a checksum")
		}
	})

	t.Run("pre-write failure aborts", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		um := mocks.NewMockUnmounter(ctrl)
		um.EXPECT().Unmount(gomock.Any(), mounted).Return(errors.New("permission denied"))
		opened := false
		e := NewEngine(WithUnmounter(um), WithOpener(func(drive.Device) (Target, error) {
			opened = true
			return newMemTarget(), nil
		}))
		_, err := e.Run(context.Background(), Job{Device: mounted, Source: bytes.NewReader(img), Size: chunk}, nil)
		if !errors.Is(err, fault.DeviceIO) {
			t.Errorf("Run() error = %v, want DeviceIO", err)
		}
		if opened {
			t.Error("device opened while still mounted")
		}
	})

	t.Run("unmounted device skips pre-write unmount", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		um := mocks.NewMockUnmounter(ctrl)
		um.EXPECT().Unmount(gomock.Any(), usb).Return(nil).Times(1)
		_, err := engineFor(newMemTarget(), WithUnmounter(um)).Run(context.Background(), Job{
			Device: usb, Source: bytes.NewReader(img), Size: chunk, UnmountOnSuccess: true,
		}, nil)
		if err != nil {
			t.Fatal(err)
		}
	})
}

func TestInvalidJobs(t *testing.T) {
	e := engineFor(newMemTarget())
	if _, err := e.Run(context.Background(), Job{Device: usb, Source: bytes.NewReader(nil)}, nil); !errors.Is(err, fault.InvalidInput) {
		t.Errorf("empty job: %v", err)
	}
	e = engineFor(newMemTarget(), WithChecksum("md4"))
	if _, err := e.Run(context.Background(), Job{Device: usb, Source: bytes.NewReader(payload(1)), Size: 1}, nil); !errors.Is(err, fault.InvalidInput) {
		t.Errorf("bad algorithm: %v", err)
	}
	if e.State(usb.Path) != Idle {
		t.Errorf("State() = %v, want idle", e.State(usb.Path))
	}
}

func TestOpenFailure(t *testing.T) {
	e := NewEngine(WithOpener(func(drive.Device) (Target, error) { return nil, syscall.EBUSY }))
	_, err := e.Run(context.Background(), Job{Device: usb, Source: bytes.NewReader(payload(1)), Size: 1}, nil)
	if !errors.Is(err, fault.DeviceIO) || !errors.Is(err, syscall.EBUSY) {
		t.Errorf("Run() error = %v", err)
	}
}
