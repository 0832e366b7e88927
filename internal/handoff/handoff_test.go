package handoff

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cortexos/cortexos/internal/bus"
	"github.com/cortexos/cortexos/pkg/task"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestHandoffRunsTargetRoleAgentAndSurfacesResult(t *testing.T) {
	b := bus.New(100)
	results := make(chan bus.Message, 1)
	b.Subscribe(TypeResult, func(msg bus.Message) { results <- msg })

	runner := func(ctx context.Context, req Request) AgentResult {
		return AgentResult{Text: "handled by " + req.ToRole}
	}
	ex := New(b, runner, DefaultConfig())
	defer ex.Stop()

	b.Send(bus.Message{
		Sender: "agent-a",
		Type:   TypeHandoff,
		Payload: map[string]any{
			"to_role": "reviewer",
			"reason":  "needs a second opinion",
		},
	})

	select {
	case msg := <-results:
		if msg.Destination != "agent-a" {
			t.Fatalf("expected result routed back to agent-a, got %q", msg.Destination)
		}
		if msg.Payload["text"] != "handled by reviewer" {
			t.Fatalf("unexpected result payload: %+v", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for handoff result")
	}
}

func TestHandoffSurfacesErrorOnFailure(t *testing.T) {
	b := bus.New(100)
	errs := make(chan bus.Message, 1)
	b.Subscribe(TypeError, func(msg bus.Message) { errs <- msg })

	runner := func(ctx context.Context, req Request) AgentResult {
		return AgentResult{Err: errors.New("target agent blew up")}
	}
	ex := New(b, runner, DefaultConfig())
	defer ex.Stop()

	b.Send(bus.Message{Sender: "agent-a", Type: TypeHandoff, Payload: map[string]any{"to_role": "reviewer"}})

	select {
	case msg := <-errs:
		if msg.Payload["error"] != "target agent blew up" {
			t.Fatalf("unexpected error payload: %+v", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for handoff error")
	}
}

func TestRequestFromPayloadDefaultsSourceRoleWhenOmitted(t *testing.T) {
	b := bus.New(100)
	seen := make(chan Request, 1)
	ex := New(b, func(ctx context.Context, req Request) AgentResult {
		seen <- req
		return AgentResult{Text: "ok"}
	}, DefaultConfig())
	defer ex.Stop()

	b.Send(bus.Message{Sender: "agent-a", Type: TypeHandoff, Payload: map[string]any{"to_role": "reviewer"}})

	select {
	case req := <-seen:
		if req.SourceRole != "developer" {
			t.Fatalf("expected default source role developer, got %q", req.SourceRole)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handoff to run")
	}
}

func TestRequestFromPayloadCarriesSourceRoleAndAgentTaskWhenSupplied(t *testing.T) {
	b := bus.New(100)
	seen := make(chan Request, 1)
	ex := New(b, func(ctx context.Context, req Request) AgentResult {
		seen <- req
		return AgentResult{Text: "ok"}
	}, DefaultConfig())
	defer ex.Stop()

	wantTask := task.Task{ID: "t-1", Description: "fix the flaky test", Role: task.RoleTester}
	b.Send(bus.Message{
		Sender: "agent-a",
		Type:   TypeHandoff,
		Payload: map[string]any{
			"to_role":     "reviewer",
			"source_role": "architect",
			"agent_task":  wantTask,
		},
	})

	select {
	case req := <-seen:
		if req.SourceRole != "architect" {
			t.Fatalf("expected source role architect, got %q", req.SourceRole)
		}
		if req.AgentTask == nil || req.AgentTask.ID != "t-1" {
			t.Fatalf("expected agent task t-1 to be carried through, got %+v", req.AgentTask)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handoff to run")
	}
}

func TestHandoffDefersWhenConcurrencyGateIsFull(t *testing.T) {
	b := bus.New(100)

	release := make(chan struct{})
	runner := func(ctx context.Context, req Request) AgentResult {
		<-release
		return AgentResult{Text: "ok"}
	}

	cfg := Config{MaxConcurrentHandoffs: 1}
	ex := New(b, runner, cfg)
	defer func() {
		close(release)
		ex.Stop()
	}()

	var deferredCount int
	var mu sync.Mutex
	ex.OnDeferred(func(req Request) {
		mu.Lock()
		deferredCount++
		mu.Unlock()
	})

	b.Send(bus.Message{Sender: "agent-a", Type: TypeHandoff, Payload: map[string]any{"to_role": "reviewer"}})
	waitFor(t, time.Second, func() bool { return ex.ActiveCount() == 1 })

	b.Send(bus.Message{Sender: "agent-b", Type: TypeHandoff, Payload: map[string]any{"to_role": "reviewer"}})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deferredCount == 1
	})
}

func TestStopWaitsForActiveHandoffsToSettle(t *testing.T) {
	b := bus.New(100)
	started := make(chan struct{})
	runner := func(ctx context.Context, req Request) AgentResult {
		close(started)
		time.Sleep(20 * time.Millisecond)
		return AgentResult{Text: "settled"}
	}

	ex := New(b, runner, DefaultConfig())
	b.Send(bus.Message{Sender: "agent-a", Type: TypeHandoff, Payload: map[string]any{"to_role": "reviewer"}})

	<-started
	ex.Stop()

	if ex.ActiveCount() != 0 {
		t.Fatalf("expected no active handoffs after Stop, got %d", ex.ActiveCount())
	}
}

func TestStopWithTimeoutReportsStillActive(t *testing.T) {
	b := bus.New(100)
	release := make(chan struct{})
	runner := func(ctx context.Context, req Request) AgentResult {
		<-release
		return AgentResult{Text: "late"}
	}

	ex := New(b, runner, DefaultConfig())
	b.Send(bus.Message{Sender: "agent-a", Type: TypeHandoff, Payload: map[string]any{"to_role": "reviewer"}})
	waitFor(t, time.Second, func() bool { return ex.ActiveCount() == 1 })

	settled := ex.StopWithTimeout(10 * time.Millisecond)
	if settled {
		t.Fatalf("expected StopWithTimeout to report still-active handoffs")
	}
	close(release)
}
