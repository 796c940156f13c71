package broadcast

import (
	"testing"
	"time"
)

func newRunningBus() *Bus {
	b := New(nil)
	go b.Run()
	return b
}

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	b := newRunningBus()

	s := &subscriber{send: make(chan []byte, 4)}
	b.register <- s
	defer func() { b.unregister <- s }()

	// Дать циклу Run обработать регистрацию перед публикацией.
	time.Sleep(10 * time.Millisecond)

	b.Publish(EventOpportunity, map[string]string{"symbol": "BTCUSDT"})

	select {
	case msg := <-s.send:
		if len(msg) == 0 {
			t.Fatal("expected a non-empty encoded event")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestBus_SlowSubscriberDroppedNotBlocking(t *testing.T) {
	b := newRunningBus()

	slow := &subscriber{send: make(chan []byte)} // unbuffered, nobody reads -> always full
	b.register <- slow
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		b.Publish(EventHeartbeat, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber instead of dropping it")
	}

	time.Sleep(10 * time.Millisecond)
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected slow subscriber to be evicted, got count %d", b.SubscriberCount())
	}
}

func TestBus_SubscriberCount(t *testing.T) {
	b := newRunningBus()

	if b.SubscriberCount() != 0 {
		t.Fatal("expected zero subscribers initially")
	}

	s := &subscriber{send: make(chan []byte, 1)}
	b.register <- s
	time.Sleep(10 * time.Millisecond)
	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber after register, got %d", b.SubscriberCount())
	}

	b.unregister <- s
	time.Sleep(10 * time.Millisecond)
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after unregister, got %d", b.SubscriberCount())
	}
}
