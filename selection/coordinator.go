// Package selection turns the live device set into an ordered candidate list
// and commits a user's choice against the latest scan.
package selection

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mkflash/constraint"
	"mkflash/drive"
	"mkflash/fault"
	"mkflash/image"
)

// DefaultConfirmTimeout bounds how long a tentative choice stays committable.
const DefaultConfirmTimeout = 2 * time.Minute

// Source is the live device view, typically a *drive.Scanner.
type Source interface {
	Snapshot() []drive.Device
	Lookup(path string) (drive.Device, bool)
}

// Coordinator holds the image being flashed and validates selections
// against the source at the moment of commit.
type Coordinator struct {
	src Source
	log *zap.Logger
	ttl time.Duration
	now func() time.Time

	mu  sync.RWMutex
	img image.Metadata

	updates chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithConfirmTimeout sets how long a Tentative may wait for its commit.
func WithConfirmTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(src Source, img image.Metadata, opts ...Option) *Coordinator {
	c := &Coordinator{
		src:     src,
		log:     zap.NewNop(),
		ttl:     DefaultConfirmTimeout,
		now:     time.Now,
		img:     img,
		updates: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Image returns the metadata candidates are evaluated against.
func (c *Coordinator) Image() image.Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.img
}

// SetImage swaps the image; every verdict is recomputed on next read.
func (c *Coordinator) SetImage(img image.Metadata) {
	c.mu.Lock()
	c.img = img
	c.mu.Unlock()
	c.notify()
}

// CurrentCandidates lists the selectable candidates in display order.
func (c *Coordinator) CurrentCandidates() []constraint.Candidate {
	return constraint.Selectable(c.AllCandidates())
}

// AllCandidates includes devices that can never be selected, for display
// as disabled entries.
func (c *Coordinator) AllCandidates() []constraint.Candidate {
	return constraint.Candidates(c.src.Snapshot(), c.Image())
}

// Updates signals, coalesced, that the candidate list may have changed.
func (c *Coordinator) Updates() <-chan struct{} { return c.updates }

// Follow forwards device events as update signals until events closes or
// ctx is done.
func (c *Coordinator) Follow(ctx context.Context, events <-chan drive.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.log.Debug("candidate list changed", zap.Stringer("event", ev.Type), zap.String("path", ev.Device.Path))
			c.notify()
		}
	}
}

func (c *Coordinator) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// SelectDevice commits path in one step. It fails with DeviceNotFound when
// the device is gone and NotEligible unless the current verdict is eligible
// without confirmation.
func (c *Coordinator) SelectDevice(path string) (drive.Device, error) {
	return c.validate(path, false)
}

// Tentative is a choice waiting for its commit. Dropping it has no effect.
type Tentative struct {
	ID      string
	Device  drive.Device
	Verdict constraint.Verdict
	Expires time.Time
}

// RequiresConfirmation reports whether Commit needs confirmed=true.
func (t *Tentative) RequiresConfirmation() bool {
	return t.Verdict == constraint.UnsafeFixedUnconfirmed
}

// Begin starts a two-step selection. Too-small or missing devices are
// rejected here so the caller can pick again before asking anything.
func (c *Coordinator) Begin(path string) (*Tentative, error) {
	d, ok := c.src.Lookup(path)
	if !ok {
		return nil, fault.New(fault.KindDeviceNotFound, path, "device is no longer attached")
	}
	img := c.Image()
	v := constraint.Evaluate(d, img, false)
	if !v.Selectable() {
		return nil, fault.New(fault.KindNotEligible, path, "%s", constraint.Reason(v, d, img))
	}
	t := &Tentative{
		ID:      uuid.NewString(),
		Device:  d,
		Verdict: v,
		Expires: c.now().Add(c.ttl),
	}
	c.log.Debug("tentative selection", zap.String("id", t.ID), zap.String("path", path), zap.Stringer("verdict", v))
	return t, nil
}

// Commit finalizes a tentative choice. The whole verdict is re-evaluated
// against the latest snapshot, so a device that was unplugged, shrank
// relative to the image, or turned out to be fixed is rejected. confirmed
// only covers a device that was already fixed at Begin: a removable choice
// that now reports as fixed must be picked again.
func (c *Coordinator) Commit(t *Tentative, confirmed bool) (drive.Device, error) {
	if t == nil {
		return drive.Device{}, fault.New(fault.KindInvalidInput, "", "no tentative selection")
	}
	if c.now().After(t.Expires) {
		return drive.Device{}, fault.New(fault.KindNotEligible, t.Device.Path, "selection expired")
	}
	d, ok := c.src.Lookup(t.Device.Path)
	if !ok {
		return drive.Device{}, fault.New(fault.KindDeviceNotFound, t.Device.Path, "device is no longer attached")
	}
	if t.Verdict == constraint.Eligible && d.System {
		return drive.Device{}, fault.New(fault.KindNotEligible, d.Path, "drive now reports as fixed, pick again")
	}
	if err := c.check(d, confirmed); err != nil {
		return drive.Device{}, err
	}
	c.log.Info("drive selected", zap.String("id", t.ID), zap.String("path", d.Path), zap.Bool("fixed", d.System))
	return d, nil
}

func (c *Coordinator) validate(path string, confirmed bool) (drive.Device, error) {
	d, ok := c.src.Lookup(path)
	if !ok {
		return drive.Device{}, fault.New(fault.KindDeviceNotFound, path, "device is no longer attached")
	}
	if err := c.check(d, confirmed); err != nil {
		return drive.Device{}, err
	}
	return d, nil
}

func (c *Coordinator) check(d drive.Device, confirmed bool) error {
	img := c.Image()
	if v := constraint.Evaluate(d, img, confirmed); v != constraint.Eligible {
		return fault.New(fault.KindNotEligible, d.Path, "%s", constraint.Reason(v, d, img))
	}
	return nil
}
