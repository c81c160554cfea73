package stream

import (
	"context"
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := s.Subscribe(ctx)
	b := s.Subscribe(ctx)
	if s.SubscriberCount() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", s.SubscriberCount())
	}

	event := LedgerEvent{OrgID: "acme", Type: "award", To: "U1", Amount: 10, TxID: 1}
	s.Publish(event)

	for _, ch := range []<-chan LedgerEvent{a, b} {
		select {
		case got := <-ch:
			if got.OrgID != "acme" || got.Amount != 10 {
				t.Fatalf("unexpected event: %+v", got)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Subscribe(ctx) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			s.Publish(LedgerEvent{OrgID: "acme", TxID: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestUnsubscribeOnContextCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()

	// The channel closes once the subscription is torn down.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if s.SubscriberCount() != 0 {
					t.Fatalf("expected 0 subscribers, got %d", s.SubscriberCount())
				}
				return
			}
		case <-deadline:
			t.Fatal("subscription was not torn down")
		}
	}
}
