// Package events implements the engine's typed publish/subscribe broadcaster.
//
// Grounded on the donor's internal/observability/events.go context-key
// correlation helpers and its EventType enum, generalized from a generic
// timeline recorder into a closed-vocabulary Type + payload struct so the
// compiler, not a string comparison, enforces the event set.
package events

import (
	"fmt"
	"sync"
	"time"
)

// Type is the closed event vocabulary driving the dashboard, loggers, and
// metrics. No other event kinds exist.
type Type int

const (
	EngineStart Type = iota
	EngineComplete
	EngineError
	StageStart
	StageComplete
	PlanCreated
	WaveStart
	WaveComplete
	AgentStart
	AgentProgress
	AgentTool
	AgentComplete
	AgentError
	MemoryRecall
	MemoryStore
	QualityGate
	CostUpdate
	Error
)

var typeNames = map[Type]string{
	EngineStart:    "engine:start",
	EngineComplete: "engine:complete",
	EngineError:    "engine:error",
	StageStart:     "stage:start",
	StageComplete:  "stage:complete",
	PlanCreated:    "plan:created",
	WaveStart:      "wave:start",
	WaveComplete:   "wave:complete",
	AgentStart:     "agent:start",
	AgentProgress:  "agent:progress",
	AgentTool:      "agent:tool",
	AgentComplete:  "agent:complete",
	AgentError:     "agent:error",
	MemoryRecall:   "memory:recall",
	MemoryStore:    "memory:store",
	QualityGate:    "quality:gate",
	CostUpdate:     "cost:update",
	Error:          "error",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("events.Type(%d)", int(t))
}

// Event is the payload every subscriber receives. Payload is a freeform map
// per spec.md's "event carries a payload map and a wall-clock timestamp";
// RunID/TaskID/WaveIndex are promoted to typed fields since nearly every
// handler needs them for correlation.
type Event struct {
	Type      Type
	Timestamp time.Time
	RunID     string
	TaskID    string
	WaveIndex int
	Payload   map[string]any
}

// Handler receives events matching a subscription's filter. Handlers are
// fire-and-forget: Bus does not wait on them beyond the synchronous call
// and does not apply backpressure, per spec.md §4.10.
type Handler func(Event)

type subscription struct {
	id      int64
	filter  map[Type]bool // nil means "all types"
	handler Handler
}

// Bus is the in-process event broadcaster. Delivery to subscribers is
// synchronous and in registration order; a panicking handler is recovered
// and does not block or break delivery to the remaining subscribers,
// grounded on the donor's general defensive-dispatch convention in
// internal/multiagent/orchestrator.go's event emission callback.
type Bus struct {
	mu          sync.RWMutex
	subs        []subscription
	nextSubID   int64
	history     []Event
	historyCap  int
	onPanic     func(r any, t Type)
}

// NewBus creates an event bus retaining up to historyCap recent events
// (0 disables history retention).
func NewBus(historyCap int) *Bus {
	return &Bus{historyCap: historyCap}
}

// Subscribe registers handler for every event whose Type is in types (or
// every event, if types is empty). It returns an unsubscribe function.
func (b *Bus) Subscribe(handler Handler, types ...Type) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	var filter map[Type]bool
	if len(types) > 0 {
		filter = make(map[Type]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	b.nextSubID++
	id := b.nextSubID
	b.subs = append(b.subs, subscription{id: id, filter: filter, handler: handler})

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

// Publish delivers ev synchronously to every matching subscriber, in
// registration order, recovering any handler panic so it cannot break
// delivery to the remaining subscribers.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.historyCap > 0 {
		b.history = append(b.history, ev)
		if len(b.history) > b.historyCap {
			b.history = b.history[len(b.history)-b.historyCap:]
		}
	}
	// Snapshot under lock so a handler that subscribes/unsubscribes
	// mid-publish cannot race the slice we are about to range over.
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if s.filter != nil && !s.filter[ev.Type] {
			continue
		}
		b.dispatch(s, ev)
	}
}

func (b *Bus) dispatch(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil && b.onPanic != nil {
			b.onPanic(r, ev.Type)
		}
	}()
	s.handler(ev)
}

// OnPanic installs a callback invoked whenever a subscriber handler panics.
// observability.NewSink wires this to the structured logger.
func (b *Bus) OnPanic(fn func(r any, t Type)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPanic = fn
}

// History returns a copy of the retained recent events, oldest first.
func (b *Bus) History() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}
