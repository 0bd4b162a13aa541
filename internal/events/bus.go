// Package events is an in-process broadcast bus for operational
// events. The chat orchestrator, reasoning gateway and escalation
// manager publish; the /v1/events WebSocket stream subscribes. The bus
// is nil-safe: Publish on a nil *Bus is a no-op, so components do not
// need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceChat identifies events from the conversation orchestrator.
	SourceChat = "chat"
	// SourceAgent identifies events from the reasoning gateway.
	SourceAgent = "agent"
	// SourceTicket identifies events from the escalation manager.
	SourceTicket = "ticket"
	// SourceHealth identifies events from the dependency monitor.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindMessageProcessed signals a chat message received a reply.
	// Data: session_id, message_len, reply_len, elapsed_ms.
	KindMessageProcessed = "message_processed"
	// KindMessageFailed signals a chat message whose reply failed.
	// Data: session_id, error.
	KindMessageFailed = "message_failed"

	// KindLLMCall signals completion of one reasoning backend call.
	// Data: iter, model, tokens_in, tokens_out, tool_calls.
	KindLLMCall = "llm_call"
	// KindToolCall signals completion of a tool execution.
	// Data: tool, ok, duration_ms.
	KindToolCall = "tool_call"

	// KindTicketCreated signals a ticket was written to the log.
	// Data: ticket_id, priority, session_id.
	KindTicketCreated = "ticket_created"

	// KindDependencyUp signals a dependency became reachable.
	// Data: dependency.
	KindDependencyUp = "dependency_up"
	// KindDependencyDown signals a dependency became unreachable.
	// Data: dependency, error.
	KindDependencyDown = "dependency_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to subscribers
	// back to the channel stored in subs.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers, dropping it for any
// subscriber whose buffer is full. Safe to call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
