package drive

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType tells what happened to a device between two polls.
type EventType int

const (
	Added EventType = iota + 1
	Removed
	Updated
)

func (t EventType) String() string {
	switch t {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Updated:
		return "updated"
	default:
		return "unknown"
	}
}

// Event is a device-set change. For Removed, Device is the last snapshot seen.
type Event struct {
	Type   EventType `json:"type"`
	Device Device    `json:"device"`
}

// DefaultPollInterval is used when no interval option is given.
const DefaultPollInterval = 2 * time.Second

// Scanner polls an Enumerator and fans change events out to subscribers.
type Scanner struct {
	enum     Enumerator
	interval time.Duration
	log      *zap.Logger

	pollMu sync.Mutex

	mu      sync.RWMutex
	current map[string]Device
	subs    map[*subscriber]struct{}
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithInterval sets the delay between polls.
func WithInterval(d time.Duration) Option {
	return func(s *Scanner) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the scanner's logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scanner) {
		if l != nil {
			s.log = l
		}
	}
}

func NewScanner(enum Enumerator, opts ...Option) *Scanner {
	s := &Scanner{
		enum:     enum,
		interval: DefaultPollInterval,
		log:      zap.NewNop(),
		current:  make(map[string]Device),
		subs:     make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run polls until ctx is done. A failed poll is logged and retried on the
// next tick; it never stops the loop.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		_, _ = s.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll enumerates once, diffs against the previous snapshot and publishes the
// resulting events. On enumeration failure the snapshot is left untouched.
func (s *Scanner) Poll(ctx context.Context) ([]Event, error) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	devices, err := s.enum.List(ctx)
	if err != nil {
		s.log.Warn("device enumeration failed", zap.Error(err))
		return nil, err
	}

	next := make(map[string]Device, len(devices))
	for _, d := range devices {
		next[d.Path] = d
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	events := diff(s.current, next)
	s.current = next
	for sub := range s.subs {
		sub.push(events...)
	}
	for _, ev := range events {
		s.log.Debug("device change", zap.Stringer("type", ev.Type), zap.String("path", ev.Device.Path))
	}
	return events, nil
}

// Subscribe returns a channel that first replays the current snapshot as
// Added events and then carries every live change in scan order. The channel
// is closed once ctx is done.
func (s *Scanner) Subscribe(ctx context.Context) <-chan Event {
	sub := &subscriber{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
	}

	s.mu.Lock()
	for _, path := range slices.Sorted(maps.Keys(s.current)) {
		sub.push(Event{Type: Added, Device: s.current[path]})
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.pump(ctx, func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	})
	return sub.out
}

// Snapshot returns the devices seen by the last successful poll, by path.
func (s *Scanner) Snapshot() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Device, 0, len(s.current))
	for _, path := range slices.Sorted(maps.Keys(s.current)) {
		out = append(out, s.current[path])
	}
	return out
}

// Lookup returns the latest snapshot of the device at path.
func (s *Scanner) Lookup(path string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.current[path]
	return d, ok
}

func diff(prev, next map[string]Device) []Event {
	var events []Event
	for _, path := range slices.Sorted(maps.Keys(prev)) {
		if _, ok := next[path]; !ok {
			events = append(events, Event{Type: Removed, Device: prev[path]})
		}
	}
	for _, path := range slices.Sorted(maps.Keys(next)) {
		d := next[path]
		old, ok := prev[path]
		switch {
		case !ok:
			events = append(events, Event{Type: Added, Device: d})
		case !old.Equal(d):
			events = append(events, Event{Type: Updated, Device: d})
		}
	}
	return events
}

// subscriber queues without bound so a slow consumer never stalls polling.
type subscriber struct {
	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
	out   chan Event
}

func (s *subscriber) push(events ...Event) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, events...)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump(ctx context.Context, detach func()) {
	defer close(s.out)
	defer detach()
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			return
		}
	}
}
