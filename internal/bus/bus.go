// Package bus implements the in-process Message Bus: synchronous pub/sub
// with bounded history and a broadcast wildcard destination.
//
// Grounded on the donor's internal/process/command_queue.go lane model
// (bounded, mutex-guarded state shared by concurrent senders) and its
// general pub/sub conventions elsewhere in internal/multiagent, since the
// donor has no single in-process bus of this exact shape.
package bus

import (
	"sync"
	"time"
)

// Broadcast is the wildcard destination: every subscriber except the
// sender receives a message addressed to it.
const Broadcast = "*"

// Message is the bus envelope. Immutable after Send fills in its
// timestamp and the bus appends it to history.
type Message struct {
	Sender      string
	Destination string
	Type        string
	Payload     map[string]any
	Timestamp   time.Time
}

// Handler receives delivered messages. A panicking handler is recovered
// (and reported to the OnPanic callback, if one is installed) without
// blocking delivery to sibling subscribers.
type Handler func(Message)

type subscriber struct {
	id      int64
	agentID string // "" for infrastructure subscribers never excluded from broadcast
	filter  string // "" means subscribeAll
	handler Handler
}

// Bus is a synchronous, in-process publish/subscribe channel with a
// bounded ring-buffer history.
type Bus struct {
	mu          sync.RWMutex
	subs        []subscriber
	nextSubID   int64
	history     []Message
	historySize int
	destroyed   bool
	onPanic     func(r any, msg Message)
}

// New creates a Bus retaining up to historySize recent messages (the
// spec's default is 1000; pass 0 to fall back to that default).
func New(historySize int) *Bus {
	if historySize <= 0 {
		historySize = 1000
	}
	return &Bus{historySize: historySize}
}

// Send fills in the timestamp on msg, appends it to history, and
// delivers it synchronously to subscribers in registration order.
// Subscribers filter by message Type. When Destination is Broadcast, a
// subscriber registered via SubscribeAsAgent under the sender's own
// agent ID is skipped: the wildcard means "every subscriber except the
// sender." Subscribers registered with Subscribe/SubscribeAll carry no
// agent identity and are never excluded, since they are infrastructure
// listeners (observability, dashboard, the handoff executor) rather
// than agents that could be the sender.
func (b *Bus) Send(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.history = append(b.history, msg)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if s.filter != "" && s.filter != msg.Type {
			continue
		}
		if msg.Destination == Broadcast && s.agentID != "" && s.agentID == msg.Sender {
			continue
		}
		b.dispatch(s, msg)
	}
}

func (b *Bus) dispatch(s subscriber, msg Message) {
	defer func() {
		if r := recover(); r != nil && b.onPanic != nil {
			b.onPanic(r, msg)
		}
	}()
	s.handler(msg)
}

// Subscribe registers handler for messages whose Type equals typeFilter.
// It returns an unsubscribe function.
func (b *Bus) Subscribe(typeFilter string, handler Handler) func() {
	return b.register("", typeFilter, handler)
}

// SubscribeAll registers handler for every message regardless of type.
// It returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler Handler) func() {
	return b.register("", "", handler)
}

// SubscribeAsAgent registers handler for messages whose Type equals
// typeFilter (or every message when typeFilter is ""), identifying the
// subscription as belonging to agentID. A Broadcast message sent by
// agentID itself is not delivered back to this subscription. It returns
// an unsubscribe function.
func (b *Bus) SubscribeAsAgent(agentID, typeFilter string, handler Handler) func() {
	return b.register(agentID, typeFilter, handler)
}

func (b *Bus) register(agentID, filter string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	id := b.nextSubID
	b.subs = append(b.subs, subscriber{id: id, agentID: agentID, filter: filter, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// OnPanic installs a callback invoked whenever a subscriber handler
// panics during dispatch.
func (b *Bus) OnPanic(fn func(r any, msg Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPanic = fn
}

// History returns a copy of the retained message history, oldest first.
func (b *Bus) History() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Message, len(b.history))
	copy(out, b.history)
	return out
}

// Destroy clears all subscribers and history and marks the bus inert;
// subsequent Send calls are no-ops.
func (b *Bus) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
	b.history = nil
	b.destroyed = true
}
