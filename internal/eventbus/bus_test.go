package eventbus

import (
	"testing"
	"time"

	logx "taskcore/pkg/logx"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop())

	ch1, unsub1 := b.Subscribe(4)
	defer unsub1()
	ch2, unsub2 := b.Subscribe(4)
	defer unsub2()

	b.Publish(Event{Type: "task.started", Data: 1})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != "task.started" {
				t.Fatalf("sub %d: type = %s", i, ev.Type)
			}
			if ev.Time.IsZero() {
				t.Fatalf("sub %d: time not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d: no event", i)
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop())

	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // buffer full, must not block

	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}
}

func TestUnsubscribeIsIdempotentAndSafe(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop())

	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // second call is a no-op

	// Publishing after unsubscribe must not panic even though ch is closed.
	b.Publish(Event{Type: "late"})

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
}

func TestSubscribeDefaultBuffer(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop())
	ch, unsub := b.Subscribe(0)
	defer unsub()
	for i := 0; i < 8; i++ {
		b.Publish(Event{Type: "x"})
	}
	if b.Dropped() != 0 {
		t.Fatalf("default buffer should hold 8 events, dropped %d", b.Dropped())
	}
	if len(ch) != 8 {
		t.Fatalf("buffered = %d, want 8", len(ch))
	}
}
