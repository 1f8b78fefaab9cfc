package download

import (
	"testing"
	"time"

	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/events"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestStateUpdate(t *testing.T) {
	clock := &fakeClock{t: time.Unix(100, 0)}
	s := NewState("w.bin", 1000, clock.now)

	if _, ok := s.Update(0); ok {
		t.Fatalf("zero delta must not produce an event")
	}

	clock.t = clock.t.Add(2 * time.Second)
	ev, ok := s.Update(250)
	if !ok {
		t.Fatalf("expected progress event")
	}
	if ev.Kind != events.KindDownloadProgress || ev.File != "w.bin" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Percentage != 25 {
		t.Fatalf("expected 25%%, got %v", ev.Percentage)
	}
	if ev.Elapsed != 2*time.Second {
		t.Fatalf("expected elapsed 2s, got %s", ev.Elapsed)
	}
	// 2s over 25 percent is 80ms per percent; 75 percent remain.
	if ev.Remaining != 6*time.Second {
		t.Fatalf("expected remaining 6s, got %s", ev.Remaining)
	}
}

func TestStateSubPercentUsesUnitFloor(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	s := NewState("w.bin", 1000, clock.now)
	clock.t = clock.t.Add(time.Second)
	ev, ok := s.Update(5)
	if !ok {
		t.Fatalf("expected event")
	}
	if ev.Remaining != 99*time.Second {
		t.Fatalf("expected remaining 99s, got %s", ev.Remaining)
	}
}

func TestStateMonotonicAndBounded(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	s := NewState("w.bin", 100, clock.now)
	last := -1.0
	for _, delta := range []int{10, 0, 30, 1, 59, 50} {
		clock.t = clock.t.Add(10 * time.Millisecond)
		ev, ok := s.Update(delta)
		if !ok {
			continue
		}
		if ev.Percentage < last || ev.Percentage < 0 || ev.Percentage > 100 {
			t.Fatalf("percentage %v out of order after %v", ev.Percentage, last)
		}
		last = ev.Percentage
	}
	if s.Offset() != 100 || last != 100 {
		t.Fatalf("expected clamped completion, offset=%d pct=%v", s.Offset(), last)
	}
}

func TestStateUnknownLength(t *testing.T) {
	s := NewState("w.bin", -1, nil)
	ev, ok := s.Update(10)
	if !ok || ev.Percentage != 0 {
		t.Fatalf("expected zero percentage for unknown length, got %+v", ev)
	}
}
