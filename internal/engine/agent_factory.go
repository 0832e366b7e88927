package engine

import (
	"context"

	"github.com/cortexos/cortexos/internal/agentloop"
	"github.com/cortexos/cortexos/internal/handoff"
	"github.com/cortexos/cortexos/pkg/task"
)

// newLoop constructs an agentloop.Loop bound to t's role configuration:
// the role's system prompt, the provider gateway, and the shared tool
// catalog (the task's own Tools list narrows which catalog entries are
// advertised to the model, per agentloop's toolDefs).
func (e *Engine) newLoop(t task.Task) *agentloop.Loop {
	rc := e.roleConfig(t.Role)
	cfg := agentloop.Config{
		MaxIterations: e.cfg.AgentMaxIterations,
		MaxTokens:     e.cfg.AgentMaxTokens,
		Temperature:   e.cfg.AgentTemperature,
		SystemPrompt:  rc.SystemPrompt,
	}
	return agentloop.New(e.gw, e.catalog, cfg)
}

// runHandoff is the handoff.AgentRunner the Engine wires into its
// Handoff Executor: it runs the handoff request's AgentTask (when the
// sender supplied one, per spec.md §3's HandoffRequest carrying "the
// AgentTask to execute") through the same Agent Loop construction path
// as a wave-scheduled task, per spec.md §4.6. No current sender
// populates AgentTask yet — handoffs today arrive as bare role/reason
// bus payloads — so a synthetic task built from Reason/ToRole remains
// the fallback, keeping today's behavior for those callers while
// letting a future sender hand over a real task instead of losing it.
func (e *Engine) runHandoff(ctx context.Context, req handoff.Request) handoff.AgentResult {
	role := task.Role(req.ToRole)
	rc := e.roleConfig(role)

	t := task.Task{
		ID:          "handoff:" + req.FromAgentID + ":" + req.ToRole,
		Description: req.Reason,
		Role:        role,
		Tools:       rc.DefaultTools,
		Context:     map[string]any{"prompt": req.Context},
	}
	if req.AgentTask != nil {
		t = *req.AgentTask
		if t.Role == "" {
			t.Role = role
		}
		if len(t.Tools) == 0 {
			t.Tools = rc.DefaultTools
		}
	}

	loop := e.newLoop(t)
	result := loop.Execute(ctx, t)

	if !result.Success {
		return handoff.AgentResult{Err: handoffError(result.Error)}
	}
	return handoff.AgentResult{Text: result.Text}
}

// handoffError wraps a plain AgentResult.Error string as an error so
// handoff.AgentResult's Err field can carry it; the Handoff Executor
// only ever inspects its Error() text when surfacing an error-typed bus
// message.
type handoffError string

func (e handoffError) Error() string { return string(e) }
