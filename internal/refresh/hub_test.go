package refresh

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe()
	b, cancelB := h.Subscribe()
	defer cancelA()
	defer cancelB()

	h.Publish("upload")

	for _, ch := range []<-chan Signal{a, b} {
		select {
		case sig := <-ch:
			if sig.Reason != "upload" {
				t.Fatalf("unexpected reason %q", sig.Reason)
			}
		case <-time.After(time.Second):
			t.Fatal("signal not delivered")
		}
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	defer cancel()

	// Fill the buffer and keep publishing; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Publish("burst")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	<-ch
}

func TestCancelClosesChannel(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	cancel()
	cancel() // second cancel is a no-op

	if _, open := <-ch; open {
		t.Fatal("channel should be closed after cancel")
	}
	h.Publish("after-cancel")
}
