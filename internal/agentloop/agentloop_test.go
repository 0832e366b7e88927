package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/cortexos/cortexos/internal/provider"
	"github.com/cortexos/cortexos/internal/toolcatalog"
	"github.com/cortexos/cortexos/pkg/task"
)

type scriptedProvider struct {
	responses []*provider.Response
	errs      []error
	calls     int
}

func (p *scriptedProvider) Name() string             { return "scripted" }
func (p *scriptedProvider) Models() []provider.Model { return nil }
func (p *scriptedProvider) SupportsTools() bool      { return true }

func (p *scriptedProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i >= len(p.responses) {
		return &provider.Response{FinishReason: provider.FinishStop}, nil
	}
	return p.responses[i], nil
}

type echoTool struct{}

func (echoTool) Name() string            { return "echo" }
func (echoTool) Description() string     { return "echo" }
func (echoTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (echoTool) Execute(ctx context.Context, args json.RawMessage, taskCtx map[string]any) toolcatalog.Result {
	return toolcatalog.Result{Success: true, Output: "echoed"}
}

type writeFileStub struct{}

func (writeFileStub) Name() string            { return "write_file" }
func (writeFileStub) Description() string     { return "writes a file" }
func (writeFileStub) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (writeFileStub) Execute(ctx context.Context, args json.RawMessage, taskCtx map[string]any) toolcatalog.Result {
	return toolcatalog.Result{Success: true, Output: "wrote"}
}

func newCatalog(t *testing.T) *toolcatalog.Catalog {
	t.Helper()
	c := toolcatalog.New(nil, toolcatalog.DefaultConfig())
	if err := c.Register(echoTool{}); err != nil {
		t.Fatalf("register echo: %v", err)
	}
	if err := c.Register(writeFileStub{}); err != nil {
		t.Fatalf("register write_file: %v", err)
	}
	return c
}

func baseTask(tools ...string) task.Task {
	return task.Task{ID: "t1", Role: task.RoleDeveloper, Description: "do the thing", Tools: tools}
}

func TestExecuteReturnsSuccessWithNoToolCalls(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		{Text: "done", FinishReason: provider.FinishStop, Usage: provider.Usage{InputTokens: 10, OutputTokens: 5}},
	}}
	loop := New(p, newCatalog(t), DefaultConfig())

	res := loop.Execute(context.Background(), baseTask())
	if !res.Success {
		t.Fatalf("expected success, got error: %s", res.Error)
	}
	if res.Text != "done" {
		t.Fatalf("expected text 'done', got %q", res.Text)
	}
	if res.Usage.Input != 10 || res.Usage.Output != 5 {
		t.Fatalf("unexpected usage: %+v", res.Usage)
	}
}

func TestExecuteProcessesToolCallsThenFinishes(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		{
			FinishReason: provider.FinishToolCalls,
			ToolCalls:    []provider.ToolCall{{ID: "call1", Name: "echo", Input: json.RawMessage(`{}`)}},
		},
		{Text: "all done", FinishReason: provider.FinishStop},
	}}
	loop := New(p, newCatalog(t), DefaultConfig())

	res := loop.Execute(context.Background(), baseTask("echo"))
	if !res.Success {
		t.Fatalf("expected success, got error: %s", res.Error)
	}
	if res.Text != "all done" {
		t.Fatalf("expected final text, got %q", res.Text)
	}
}

func TestExecuteRecordsFileChangeOnWriteFile(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		{
			FinishReason: provider.FinishToolCalls,
			ToolCalls:    []provider.ToolCall{{ID: "call1", Name: "write_file", Input: json.RawMessage(`{"path":"out.txt","content":"x"}`)}},
		},
		{Text: "done", FinishReason: provider.FinishStop},
	}}
	loop := New(p, newCatalog(t), DefaultConfig())

	res := loop.Execute(context.Background(), baseTask("write_file"))
	if !res.Success {
		t.Fatalf("expected success, got error: %s", res.Error)
	}
	if len(res.FileChanges) != 1 || res.FileChanges[0].Path != "out.txt" {
		t.Fatalf("expected a recorded file change for out.txt, got %+v", res.FileChanges)
	}
}

func TestExecuteFallsBackToEmptyObjectOnMalformedArgs(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		{
			FinishReason: provider.FinishToolCalls,
			ToolCalls:    []provider.ToolCall{{ID: "call1", Name: "echo", Input: json.RawMessage(`not json`)}},
		},
		{Text: "done", FinishReason: provider.FinishStop},
	}}
	loop := New(p, newCatalog(t), DefaultConfig())

	res := loop.Execute(context.Background(), baseTask("echo"))
	if !res.Success {
		t.Fatalf("expected malformed args to fall back to {} and still succeed, got error: %s", res.Error)
	}
}

func TestExecuteFailsOnIterationExhaustion(t *testing.T) {
	var responses []*provider.Response
	for i := 0; i < 25; i++ {
		responses = append(responses, &provider.Response{
			FinishReason: provider.FinishToolCalls,
			ToolCalls:    []provider.ToolCall{{ID: "call1", Name: "echo", Input: json.RawMessage(`{}`)}},
		})
	}
	p := &scriptedProvider{responses: responses}
	cfg := DefaultConfig()
	cfg.MaxIterations = 3
	loop := New(p, newCatalog(t), cfg)

	res := loop.Execute(context.Background(), baseTask("echo"))
	if res.Success {
		t.Fatalf("expected failure on iteration exhaustion")
	}
}

func TestExecuteFailsGracefullyOnProviderError(t *testing.T) {
	p := &scriptedProvider{errs: []error{errors.New("provider exploded")}}
	loop := New(p, newCatalog(t), DefaultConfig())

	res := loop.Execute(context.Background(), baseTask())
	if res.Success {
		t.Fatalf("expected failure")
	}
	if res.Error != "provider exploded" {
		t.Fatalf("expected provider error message, got %q", res.Error)
	}
}

func TestExecuteReturnsFailureOnCancelledContext(t *testing.T) {
	p := &scriptedProvider{}
	loop := New(p, newCatalog(t), DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := loop.Execute(ctx, baseTask())
	if res.Success {
		t.Fatalf("expected cancellation to produce a failed result")
	}
}

type cancellingTool struct {
	cancel context.CancelFunc
}

func (cancellingTool) Name() string            { return "cancel_me" }
func (cancellingTool) Description() string     { return "cancels the run's context" }
func (cancellingTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (c cancellingTool) Execute(ctx context.Context, args json.RawMessage, taskCtx map[string]any) toolcatalog.Result {
	c.cancel()
	return toolcatalog.Result{Success: true, Output: "cancelled"}
}

func TestExecuteStopsDispatchingToolCallsAfterCancellationMidBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := &scriptedProvider{responses: []*provider.Response{
		{
			FinishReason: provider.FinishToolCalls,
			ToolCalls: []provider.ToolCall{
				{ID: "call1", Name: "cancel_me", Input: json.RawMessage(`{}`)},
				{ID: "call2", Name: "echo", Input: json.RawMessage(`{}`)},
			},
		},
	}}

	catalog := newCatalog(t)
	if err := catalog.Register(cancellingTool{cancel: cancel}); err != nil {
		t.Fatalf("register cancel_me: %v", err)
	}
	loop := New(p, catalog, DefaultConfig())

	res := loop.Execute(ctx, baseTask("cancel_me", "echo"))
	if res.Success {
		t.Fatalf("expected failure once the context is cancelled mid-batch")
	}
}

func TestExecuteUnknownToolYieldsErrorMessageNotCrash(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		{
			FinishReason: provider.FinishToolCalls,
			ToolCalls:    []provider.ToolCall{{ID: "call1", Name: "does_not_exist", Input: json.RawMessage(`{}`)}},
		},
		{Text: "recovered", FinishReason: provider.FinishStop},
	}}
	loop := New(p, newCatalog(t), DefaultConfig())

	res := loop.Execute(context.Background(), baseTask())
	if !res.Success {
		t.Fatalf("expected the loop to continue past an unknown-tool error, got: %s", res.Error)
	}
	if res.Text != "recovered" {
		t.Fatalf("expected final text 'recovered', got %q", res.Text)
	}
}
