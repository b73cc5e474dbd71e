package inproc

import (
	"testing"
	"time"
)

func TestSubPubDelivers(t *testing.T) {
	bus := NewBus()
	ch := bus.Sub("room1")
	defer bus.Unsub(ch, "room1")

	matched := bus.Pub("room1", []byte(`{"hello":true}`))
	if matched != 1 {
		t.Errorf("Pub() matched = %d, want 1", matched)
	}

	select {
	case data := <-ch:
		if string(data) != `{"hello":true}` {
			t.Errorf("received %q", data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestPubDoesNotLeakAcrossTopics(t *testing.T) {
	bus := NewBus()
	chA := bus.Sub("a")
	chB := bus.Sub("b")
	defer bus.Unsub(chA, "a")
	defer bus.Unsub(chB, "b")

	bus.Pub("a", []byte("for-a"))

	select {
	case data := <-chA:
		if string(data) != "for-a" {
			t.Errorf("chA received %q", data)
		}
	case <-time.After(time.Second):
		t.Fatal("chA should have received the message")
	}

	select {
	case data := <-chB:
		t.Fatalf("chB should not receive anything, got %q", data)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestUnsubClosesChannelWhenFullyUnsubscribed(t *testing.T) {
	bus := NewBus()
	ch := bus.Sub("a", "b")
	bus.Unsub(ch, "a")
	bus.Pub("b", []byte("still subscribed"))
	select {
	case data, ok := <-ch:
		if !ok {
			t.Fatal("channel closed prematurely while still subscribed to b")
		}
		if string(data) != "still subscribed" {
			t.Errorf("received %q", data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	bus.Unsub(ch, "b")
	_, ok := <-ch
	if ok {
		t.Error("channel should be closed once fully unsubscribed")
	}
}

func TestSubscriberCount(t *testing.T) {
	bus := NewBus()
	if bus.SubscriberCount("room1") != 0 {
		t.Error("new topic should have zero subscribers")
	}
	ch1 := bus.Sub("room1")
	ch2 := bus.Sub("room1")
	defer bus.Unsub(ch1, "room1")
	defer bus.Unsub(ch2, "room1")
	if got := bus.SubscriberCount("room1"); got != 2 {
		t.Errorf("SubscriberCount() = %d, want 2", got)
	}
}

func TestBackendReportsExactCapability(t *testing.T) {
	bus := NewBus()
	ch := bus.Sub("room1")
	defer bus.Unsub(ch, "room1")

	backend := NewBackend(bus)
	report, err := backend.Publish("room1", []byte("{}"))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if report.Capability != "exact" || report.Matched != 1 {
		t.Errorf("report = %+v, want exact/1", report)
	}
}
