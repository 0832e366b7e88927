// Package handoff implements the Handoff Executor: it listens on the
// Message Bus for handoff requests and runs the target-role agent on
// the requester's behalf, gated by a maximum concurrency.
//
// Grounded on internal/multiagent/orchestrator.go's handleHandoff (depth
// tracking, shared-context construction, success/failure result
// surfacing) and internal/multiagent/supervisor.go's delegation model,
// generalized from a single-orchestrator in-process call into a
// bus-subscribed, concurrency-gated executor per spec.md §4.6.
package handoff

import (
	"context"
	"sync"
	"time"

	"github.com/cortexos/cortexos/internal/bus"
	"github.com/cortexos/cortexos/pkg/task"
)

const (
	// TypeHandoff is the bus message type that triggers a handoff.
	TypeHandoff = "handoff"
	// TypeResult is sent back to the source agent on success.
	TypeResult = "result"
	// TypeError is sent back to the source agent on failure.
	TypeError = "error"
)

// Request is the payload carried by a handoff-typed bus message.
//
// SourceRole and AgentTask are spec.md §3's HandoffRequest fields
// ("source role", "the AgentTask to execute"), surfaced per the open
// question in spec.md §9: the bus historically carried no source-role
// field, so the executor defaulted it to "developer" — that default is
// preserved in requestFromPayload when a sender omits source_role, but
// a sender that does supply it (or a full AgentTask) now has it carried
// through instead of silently discarded.
type Request struct {
	FromAgentID string
	SourceRole  string
	ToRole      string
	Reason      string
	Context     string
	AgentTask   *task.Task
}

// AgentResult is what running a target-role agent produces.
type AgentResult struct {
	Text string
	Err  error
}

// AgentRunner constructs and runs the target-role agent for a handoff
// request. The engine supplies the concrete implementation, wiring in
// the role's default tool set and a system prompt built from req.
type AgentRunner func(ctx context.Context, req Request) AgentResult

// Config tunes the executor's concurrency gate.
type Config struct {
	MaxConcurrentHandoffs int
}

// DefaultConfig matches the spec's default of 3 concurrent handoffs.
func DefaultConfig() Config {
	return Config{MaxConcurrentHandoffs: 3}
}

// Executor subscribes to the Message Bus and runs handoff requests,
// gated by MaxConcurrentHandoffs. Requests that arrive while the gate
// is full are deferred: they are not acted on and not queued, matching
// the spec's "senders may retry" semantics.
type Executor struct {
	bus    *bus.Bus
	runner AgentRunner
	config Config
	unsub  func()

	mu     sync.Mutex
	active int

	wg sync.WaitGroup

	onDeferred func(Request)
}

// New creates an Executor wired to b, running handoffs via runner.
func New(b *bus.Bus, runner AgentRunner, cfg Config) *Executor {
	if cfg.MaxConcurrentHandoffs <= 0 {
		cfg = DefaultConfig()
	}
	e := &Executor{bus: b, runner: runner, config: cfg}
	e.unsub = b.Subscribe(TypeHandoff, e.handle)
	return e
}

// OnDeferred registers a callback invoked whenever a handoff is
// deferred because the concurrency gate is full.
func (e *Executor) OnDeferred(fn func(Request)) { e.onDeferred = fn }

// ActiveCount returns the number of handoffs currently in flight.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Executor) handle(msg bus.Message) {
	req := requestFromPayload(msg)

	e.mu.Lock()
	if e.active >= e.config.MaxConcurrentHandoffs {
		e.mu.Unlock()
		if e.onDeferred != nil {
			e.onDeferred(req)
		}
		return
	}
	e.active++
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(req)
}

func (e *Executor) run(req Request) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
	}()

	ctx := context.Background()
	result := e.runner(ctx, req)

	if result.Err != nil {
		e.bus.Send(bus.Message{
			Destination: req.FromAgentID,
			Type:        TypeError,
			Payload: map[string]any{
				"from_role": req.ToRole,
				"to":        req.FromAgentID,
				"error":     result.Err.Error(),
			},
		})
		return
	}

	e.bus.Send(bus.Message{
		Destination: req.FromAgentID,
		Type:        TypeResult,
		Payload: map[string]any{
			"from_role": req.ToRole,
			"to":        req.FromAgentID,
			"text":      result.Text,
		},
	})
}

// Stop unsubscribes from the bus and waits, best-effort, for every
// active handoff to settle. None are abandoned.
func (e *Executor) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.wg.Wait()
}

// StopWithTimeout is like Stop but gives up waiting after d, returning
// false if handoffs were still active when it gave up. The in-flight
// goroutines are not cancelled; they keep running to completion.
func (e *Executor) StopWithTimeout(d time.Duration) bool {
	if e.unsub != nil {
		e.unsub()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

func requestFromPayload(msg bus.Message) Request {
	req := Request{FromAgentID: msg.Sender, SourceRole: "developer"}
	if v, ok := msg.Payload["source_role"].(string); ok && v != "" {
		req.SourceRole = v
	}
	if v, ok := msg.Payload["to_role"].(string); ok {
		req.ToRole = v
	}
	if v, ok := msg.Payload["reason"].(string); ok {
		req.Reason = v
	}
	if v, ok := msg.Payload["context"].(string); ok {
		req.Context = v
	}
	if v, ok := msg.Payload["agent_task"].(task.Task); ok {
		req.AgentTask = &v
	}
	return req
}
