// Package events provides a publish/subscribe bus for turn activity.
// The agent loop and the session actions publish; the websocket stream
// and the MQTT forwarder subscribe. Publishing on a nil *Bus is a no-op.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	// SourceAgent identifies events from the turn controller.
	SourceAgent = "agent"
	// SourceSession identifies events from session management actions.
	SourceSession = "session"
	// SourceSystem identifies events about the process itself.
	SourceSystem = "system"
)

// Kinds. Agent and session events carry user_id and session_id in Data.
const (
	// KindTurnStart: message_len.
	KindTurnStart = "turn_start"
	// KindLLMCall: iter, tool_response.
	KindLLMCall = "llm_call"
	// KindToolCall: iter, tool.
	KindToolCall = "tool_call"
	// KindToolDone: iter, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindTurnComplete: iterations, exhausted, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindTurnError: error.
	KindTurnError = "turn_error"
	// KindSessionReset: ok.
	KindSessionReset = "session_reset"
	// KindServiceStatus: service, ready, error.
	KindServiceStatus = "service_status"
)

// Event is a single published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Slow subscribers miss events
// instead of stalling publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only view handed to subscribers back
	// to the channel stored in subs.
	recvToSend map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
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

// Emit is shorthand for publishing a timestamped event.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of published events with the given buffer.
// Callers must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown or
// already removed channels are ignored.
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
