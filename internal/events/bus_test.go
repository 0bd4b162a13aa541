package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceChat, Kind: KindMessageProcessed})
	b.Emit(SourceTicket, KindTicketCreated, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestEmitStampsTime(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	before := time.Now()
	b.Emit(SourceTicket, KindTicketCreated, map[string]any{"ticket_id": "TICKET-1"})

	select {
	case got := <-ch:
		if got.Timestamp.Before(before) {
			t.Errorf("timestamp %v before publish time %v", got.Timestamp, before)
		}
		if got.Source != SourceTicket || got.Kind != KindTicketCreated {
			t.Errorf("got %s/%s", got.Source, got.Kind)
		}
		if got.Data["ticket_id"] != "TICKET-1" {
			t.Errorf("ticket_id = %v", got.Data["ticket_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	const n = 3
	channels := make([]<-chan Event, n)
	for i := range n {
		channels[i] = b.Subscribe(4)
	}
	defer func() {
		for _, ch := range channels {
			b.Unsubscribe(ch)
		}
	}()

	b.Publish(Event{Source: SourceAgent, Kind: KindLLMCall})
	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Kind != KindLLMCall {
				t.Errorf("subscriber %d got kind %q", i, got.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestDropOnFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	if got := <-ch; got.Kind != "first" {
		t.Errorf("got %q, want first", got.Kind)
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected buffered event %q", e.Kind)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	if b.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(ch)
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", b.SubscriberCount())
	}
	b.Publish(Event{Kind: "after"})
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup

	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch := b.Subscribe(16)
			for range 5 {
				select {
				case <-ch:
				case <-time.After(5 * time.Millisecond):
				}
			}
			b.Unsubscribe(ch)
		}()
		go func() {
			defer wg.Done()
			for range 20 {
				b.Emit(SourceChat, KindMessageProcessed, nil)
			}
		}()
	}
	wg.Wait()

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d after all unsubscribed, want 0", got)
	}
}
