// Package stream fans ledger events out to subscribers. The HTTP layer
// bridges it to Server-Sent Events for dashboard consumers; the core service
// never blocks on a slow subscriber.
package stream

import (
	"context"
	"sync"
	"time"
)

// LedgerEvent describes one committed reputation mutation.
type LedgerEvent struct {
	OrgID     string    `json:"org_id"`
	Type      string    `json:"type"` // award, revoke, decay
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    int64     `json:"amount"`
	TxID      uint64    `json:"tx_id"`
	Timestamp time.Time `json:"timestamp"`
}

const subscriberBuffer = 16

// Stream is an in-process fan-out of ledger events.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan LedgerEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan LedgerEvent)}
}

// Subscribe registers a subscriber whose channel closes when ctx is done.
func (s *Stream) Subscribe(ctx context.Context) <-chan LedgerEvent {
	ch := make(chan LedgerEvent, subscriberBuffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		close(ch)
	}()

	return ch
}

// Publish delivers the event to every subscriber, dropping it for any
// subscriber whose buffer is full.
func (s *Stream) Publish(event LedgerEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (s *Stream) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
