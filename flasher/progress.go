package flasher

import (
	"context"
	"sync"
	"time"
)

// Phase names the half of the pipeline a ProgressEvent belongs to.
type Phase string

const (
	PhaseWrite Phase = "write"
	PhaseCheck Phase = "check"
)

// ProgressEvent is a bounded-rate progress sample. Within one phase
// BytesProcessed never decreases.
type ProgressEvent struct {
	JobID          string  `json:"job"`
	Phase          Phase   `json:"type"`
	BytesProcessed int64   `json:"bytesProcessed"`
	TotalBytes     int64   `json:"totalBytes"`
	Percentage     float64 `json:"percentage"`
	BytesPerSecond float64 `json:"speed"`
	ETASeconds     float64 `json:"eta"`
}

// meter turns byte counts into ProgressEvents no more often than interval,
// plus the first and the final sample of a phase.
type meter struct {
	job      string
	phase    Phase
	total    int64
	interval time.Duration
	now      func() time.Time

	start    time.Time
	last     time.Time
	lastSent int64
	sent     bool
}

func newMeter(job string, phase Phase, total int64, interval time.Duration, now func() time.Time) *meter {
	t := now()
	return &meter{job: job, phase: phase, total: total, interval: interval, now: now, start: t, last: t}
}

func (m *meter) tick(n int64) (ProgressEvent, bool) {
	t := m.now()
	if m.sent && n < m.total && t.Sub(m.last) < m.interval {
		return ProgressEvent{}, false
	}
	return m.emit(n, t), true
}

// final emits a closing sample unless n was already reported.
func (m *meter) final(n int64) (ProgressEvent, bool) {
	if m.sent && m.lastSent == n {
		return ProgressEvent{}, false
	}
	return m.emit(n, m.now()), true
}

func (m *meter) emit(n int64, t time.Time) ProgressEvent {
	m.sent = true
	m.last = t
	m.lastSent = n

	ev := ProgressEvent{JobID: m.job, Phase: m.phase, BytesProcessed: n, TotalBytes: m.total}
	if m.total > 0 {
		ev.Percentage = float64(n) * 100 / float64(m.total)
	}
	if elapsed := t.Sub(m.start).Seconds(); elapsed > 0 {
		ev.BytesPerSecond = float64(n) / elapsed
	}
	if ev.BytesPerSecond > 0 && n < m.total {
		ev.ETASeconds = float64(m.total-n) / ev.BytesPerSecond
	}
	return ev
}

// relay hands events to the consumer on its own goroutine so a slow reader
// never stalls device I/O. While the consumer lags, a newer event of the same
// phase replaces the queued one; the last event of every phase survives.
type relay struct {
	out chan<- ProgressEvent

	mu      sync.Mutex
	pending []ProgressEvent
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func newRelay(ctx context.Context, out chan<- ProgressEvent) *relay {
	r := &relay{out: out, wake: make(chan struct{}, 1), done: make(chan struct{})}
	if out == nil {
		close(r.done)
		return r
	}
	go r.run(ctx)
	return r
}

func (r *relay) offer(ev ProgressEvent, ok bool) {
	if !ok || r.out == nil {
		return
	}
	r.mu.Lock()
	if n := len(r.pending); n > 0 && r.pending[n-1].Phase == ev.Phase {
		r.pending[n-1] = ev
	} else {
		r.pending = append(r.pending, ev)
	}
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// close flushes what is queued and waits for the relay goroutine.
func (r *relay) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	<-r.done
}

func (r *relay) run(ctx context.Context) {
	defer close(r.done)
	for {
		r.mu.Lock()
		batch, closed := r.pending, r.closed
		r.pending = nil
		r.mu.Unlock()

		for _, ev := range batch {
			select {
			case r.out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if closed {
			return
		}
		select {
		case <-r.wake:
		case <-ctx.Done():
			return
		}
	}
}
