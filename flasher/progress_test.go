package flasher

import (
	"context"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time           { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMeterRateLimits(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	m := newMeter("job", PhaseWrite, 1000, 500*time.Millisecond, clock.now)

	clock.advance(100 * time.Millisecond)
	if _, ok := m.tick(100); !ok {
		t.Fatal("first sample should always be emitted")
	}
	clock.advance(100 * time.Millisecond)
	if _, ok := m.tick(200); ok {
		t.Fatal("sample inside the interval should be dropped")
	}
	clock.advance(400 * time.Millisecond)
	ev, ok := m.tick(600)
	if !ok {
		t.Fatal("sample after the interval should be emitted")
	}
	if ev.Percentage != 60 || ev.BytesPerSecond != 1000 || ev.ETASeconds != 0.4 {
		t.Errorf("event = %+v", ev)
	}
	clock.advance(time.Millisecond)
	ev, ok = m.tick(1000)
	if !ok || ev.ETASeconds != 0 || ev.Percentage != 100 {
		t.Errorf("completion sample = %+v, %v", ev, ok)
	}
	if _, ok := m.final(1000); ok {
		t.Error("final should not repeat an already reported count")
	}
}

func TestRelayKeepsLastOfEachPhase(t *testing.T) {
	out := make(chan ProgressEvent)
	r := newRelay(context.Background(), out)

	// consumer is not reading yet, so these pile up
	for i := int64(1); i <= 5; i++ {
		r.offer(ProgressEvent{Phase: PhaseWrite, BytesProcessed: i}, true)
	}
	r.offer(ProgressEvent{Phase: PhaseCheck, BytesProcessed: 1}, true)
	r.offer(ProgressEvent{Phase: PhaseCheck, BytesProcessed: 2}, true)

	var got []ProgressEvent
	done := make(chan struct{})
	go func() {
		for ev := range out {
			got = append(got, ev)
		}
		close(done)
	}()
	r.close()
	close(out)
	<-done

	if len(got) == 0 {
		t.Fatal("no events delivered")
	}
	var lastWrite, lastCheck int64
	for _, ev := range got {
		switch ev.Phase {
		case PhaseWrite:
			if ev.BytesProcessed < lastWrite || lastCheck > 0 {
				t.Fatalf("out of order: %+v", got)
			}
			lastWrite = ev.BytesProcessed
		case PhaseCheck:
			if ev.BytesProcessed < lastCheck {
				t.Fatalf("out of order: %+v", got)
			}
			lastCheck = ev.BytesProcessed
		}
	}
	if lastWrite != 5 || lastCheck != 2 {
		t.Errorf("last write=%d check=%d, want 5 and 2", lastWrite, lastCheck)
	}
}

func TestRelayNilChannel(t *testing.T) {
	r := newRelay(context.Background(), nil)
	r.offer(ProgressEvent{Phase: PhaseWrite}, true)
	r.close()
}
