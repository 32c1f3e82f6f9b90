package broadcaster

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func discardLogger() zerolog.Logger { return zerolog.New(io.Discard) }

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New(8, discardLogger())
	sub1 := b.Subscribe("a")
	sub2 := b.Subscribe("b")

	b.Publish(Connected("hello"))

	select {
	case env := <-sub1.Ch:
		if env.Type != EventConnected {
			t.Fatalf("unexpected type: %v", env.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("sub1 never received event")
	}
	select {
	case <-sub2.Ch:
	case <-time.After(time.Second):
		t.Fatalf("sub2 never received event")
	}
}

func TestSlowConsumerDropsOldestFirst(t *testing.T) {
	b := New(2, discardLogger())
	sub := b.Subscribe("slow")

	b.Publish(KeyMutation(EventKeyCreated, "first"))
	b.Publish(KeyMutation(EventKeyCreated, "second"))
	b.Publish(KeyMutation(EventKeyCreated, "third")) // buffer full, drops "first"

	first := <-sub.Ch
	second := <-sub.Ch

	if first.Data != "second" || second.Data != "third" {
		t.Fatalf("expected oldest dropped, got %v then %v", first.Data, second.Data)
	}
	if sub.DroppedCount() != 1 {
		t.Fatalf("expected one drop recorded, got %d", sub.DroppedCount())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(4, discardLogger())
	sub := b.Subscribe("a")
	b.Unsubscribe("a")

	if _, ok := <-sub.Ch; ok {
		t.Fatalf("expected channel closed after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected subscriber removed")
	}
}

func TestMetricsTrackPublishedAndDropped(t *testing.T) {
	b := New(1, discardLogger())
	b.Subscribe("a")

	b.Publish(Connected("one"))
	b.Publish(Connected("two"))

	m := b.Metrics()
	if m.TotalPublished != 2 {
		t.Fatalf("expected 2 published, got %d", m.TotalPublished)
	}
	if m.TotalSlowDrops != 1 {
		t.Fatalf("expected 1 slow drop, got %d", m.TotalSlowDrops)
	}
}
