package connwatch

import (
	"context"
	"testing"
	"time"
)

func TestDebounceSuppressesRapidDuplicates(t *testing.T) {
	w := New(50*time.Millisecond, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	w.signalClosed(3)
	w.signalClosed(3) // within debounce window, should be suppressed

	select {
	case ev := <-w.Events():
		if ev.Slot != 3 {
			t.Fatalf("expected slot 3, got %d", ev.Slot)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected first event")
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected second event %+v within debounce window", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDebounceAllowsAfterWindow(t *testing.T) {
	w := New(20*time.Millisecond, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	w.signalClosed(1)
	<-w.Events()

	time.Sleep(40 * time.Millisecond)
	w.signalClosed(1)

	select {
	case ev := <-w.Events():
		if ev.Slot != 1 {
			t.Fatalf("expected slot 1, got %d", ev.Slot)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected event after debounce window elapsed")
	}
}

func TestDistinctSlotsNotDebouncedAgainstEachOther(t *testing.T) {
	w := New(time.Second, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	w.signalClosed(1)
	w.signalClosed(2)

	seen := map[int]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-w.Events():
			seen[ev.Slot] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("expected events for both slots, got %v", seen)
	}
}
