package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: TypeTickStarted})

	select {
	case e := <-ch:
		if e.Type != TypeTickStarted {
			t.Fatalf("type = %s, want %s", e.Type, TypeTickStarted)
		}
		if e.Time.IsZero() {
			t.Fatal("publish did not stamp the event time")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	// Second publish must not block even though the buffer is full.
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Publish(Event{Type: TypeTickStarted})
		b.Publish(Event{Type: TypeTickFinished})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	e := <-ch
	if e.Type != TypeTickStarted {
		t.Fatalf("type = %s, want first event preserved", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected second event %s", e.Type)
	default:
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	// Publishing after unsubscribe must not panic or deliver.
	b.Publish(Event{Type: TypeTickStarted})

	if _, ok := <-ch; ok {
		t.Fatal("received event on closed subscription")
	}
}

func TestFanout(t *testing.T) {
	t.Parallel()

	b := New()
	ch1, u1 := b.Subscribe(1)
	ch2, u2 := b.Subscribe(1)
	defer u1()
	defer u2()

	b.Publish(Event{Type: TypePublishSucceeded})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != TypePublishSucceeded {
				t.Fatalf("subscriber %d: type = %s", i, e.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: event not delivered", i)
		}
	}
}
