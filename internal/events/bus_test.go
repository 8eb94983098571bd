package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceSession, Kind: KindQueryStart})
	b.Emit(SourceDispatch, KindToolDone, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestPublish_SingleSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe(8)
	defer sub.Close()

	b.Emit(SourceDispatch, KindToolDone, map[string]any{"tool": "echo"})

	select {
	case got := <-sub.C():
		if got.Source != SourceDispatch || got.Kind != KindToolDone {
			t.Errorf("got %+v", got)
		}
		if got.Data["tool"] != "echo" {
			t.Errorf("tool = %v", got.Data["tool"])
		}
		if got.Timestamp.IsZero() {
			t.Error("Emit should stamp the event")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublish_KeepsTimestamp(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)
	defer sub.Close()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.Publish(Event{Timestamp: ts, Kind: "x"})
	if got := <-sub.C(); !got.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, ts)
	}
}

func TestPublish_MultipleSubscribers(t *testing.T) {
	b := New()
	const n = 5
	subs := make([]*Subscription, n)
	for i := range n {
		subs[i] = b.Subscribe(8)
		defer subs[i].Close()
	}

	b.Emit(SourceConnection, KindServerDown, map[string]any{"server": "files"})

	for i, s := range subs {
		select {
		case got := <-s.C():
			if got.Kind != KindServerDown {
				t.Errorf("subscriber %d: kind = %q", i, got.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)
	defer sub.Close()

	b.Emit(SourceSession, "first", nil)
	b.Emit(SourceSession, "second", nil)
	b.Emit(SourceSession, "third", nil)

	if got := <-sub.C(); got.Kind != "first" {
		t.Errorf("kind = %q, want first", got.Kind)
	}
	select {
	case evt := <-sub.C():
		t.Errorf("expected empty channel, got %+v", evt)
	default:
	}
	if sub.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", sub.Dropped())
	}
}

func TestSubscribe_DefaultBuffer(t *testing.T) {
	b := New()
	sub := b.Subscribe(0)
	defer sub.Close()
	if cap(sub.ch) != DefaultBuffer {
		t.Errorf("buffer = %d, want %d", cap(sub.ch), DefaultBuffer)
	}
}

func TestClose(t *testing.T) {
	b := New()
	sub := b.Subscribe(8)
	other := b.Subscribe(8)
	defer other.Close()

	sub.Close()
	sub.Close()

	if _, ok := <-sub.C(); ok {
		t.Error("channel should be closed after Close")
	}
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", got)
	}

	// Publishing after a subscriber left must not panic.
	b.Emit(SourceSession, KindQueryComplete, nil)
	if got := <-other.C(); got.Kind != KindQueryComplete {
		t.Errorf("remaining subscriber got %q", got.Kind)
	}
}

func TestConcurrentPublishAndClose(t *testing.T) {
	b := New()
	sub := b.Subscribe(DefaultBuffer)

	var drained sync.WaitGroup
	drained.Add(1)
	go func() {
		defer drained.Done()
		for range sub.C() {
		}
	}()

	var pubs sync.WaitGroup
	for i := range 10 {
		pubs.Add(1)
		go func() {
			defer pubs.Done()
			for j := range 100 {
				b.Emit(SourceDispatch, KindToolDone, map[string]any{"publisher": i, "seq": j})
			}
		}()
	}

	pubs.Wait()
	sub.Close()
	drained.Wait()
}
