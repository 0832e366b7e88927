// Package agentloop implements a single agent's LLM-to-tool-to-LLM cycle,
// bounded by a maximum iteration count and a per-call token budget.
//
// Grounded on internal/agent/loop.go, generalized from a chat-history-
// driven loop backed by a persisted session into a task-driven loop: a
// single initial message list is built from a task description and
// context once, with no session store in between runs.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cortexos/cortexos/internal/provider"
	"github.com/cortexos/cortexos/internal/toolcatalog"
	"github.com/cortexos/cortexos/pkg/task"
)

// Config bounds a single agent run.
type Config struct {
	MaxIterations int
	MaxTokens     int
	Temperature   float64
	SystemPrompt  string
}

// DefaultConfig mirrors spec defaults: 20 iterations, 4096 tokens/call.
func DefaultConfig() Config {
	return Config{
		MaxIterations: 20,
		MaxTokens:     4096,
		Temperature:   0.7,
	}
}

// Loop runs one agent's task against a Provider and a Tool Catalog.
type Loop struct {
	provider provider.Provider
	catalog  *toolcatalog.Catalog
	config   Config
}

// New creates a Loop over p (typically a *provider.Gateway) and catalog.
func New(p provider.Provider, catalog *toolcatalog.Catalog, cfg Config) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg = DefaultConfig()
	}
	return &Loop{provider: p, catalog: catalog, config: cfg}
}

// toolDefs converts a task's allowed tool names into provider.ToolDef
// entries by looking each one up in the catalog, so the provider only
// ever sees schemas for tools this task is actually permitted to call.
func (l *Loop) toolDefs(names []string) []provider.ToolDef {
	var defs []provider.ToolDef
	for _, name := range names {
		tool, ok := l.catalog.Lookup(name)
		if !ok {
			continue
		}
		defs = append(defs, provider.ToolDef{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return defs
}

// Execute runs t to completion or exhaustion. It never panics or returns
// an error: every outcome, including a cancelled context or a provider
// failure, is folded into a failed task.AgentResult so the caller never
// has to special-case an exception path.
func (l *Loop) Execute(ctx context.Context, t task.Task) (result task.AgentResult) {
	defer func() {
		if r := recover(); r != nil {
			result = task.AgentResult{TaskID: t.ID, Success: false, Error: fmt.Sprintf("agent loop panicked: %v", r)}
		}
	}()

	messages := l.buildInitialMessages(t)
	tools := l.toolDefs(t.Tools)

	var totalUsage task.TokenUsage
	var fileChanges []task.FileChange

	for iteration := 0; iteration < l.config.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return task.AgentResult{
				TaskID:      t.ID,
				Success:     false,
				Error:       fmt.Sprintf("cancelled: %v", err),
				Usage:       totalUsage,
				FileChanges: fileChanges,
			}
		}

		req := &provider.Request{
			System:      l.config.SystemPrompt,
			Messages:    messages,
			Tools:       tools,
			MaxTokens:   l.config.MaxTokens,
			Temperature: l.config.Temperature,
		}

		resp, err := l.provider.Complete(ctx, req)
		if err != nil {
			return task.AgentResult{
				TaskID:      t.ID,
				Success:     false,
				Error:       err.Error(),
				Usage:       totalUsage,
				FileChanges: fileChanges,
			}
		}

		totalUsage.Input += resp.Usage.InputTokens
		totalUsage.Output += resp.Usage.OutputTokens

		if len(resp.ToolCalls) == 0 {
			return task.AgentResult{
				TaskID:      t.ID,
				Success:     true,
				Text:        resp.Text,
				FileChanges: fileChanges,
				Usage:       totalUsage,
			}
		}

		messages = append(messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return task.AgentResult{
					TaskID:      t.ID,
					Success:     false,
					Error:       fmt.Sprintf("cancelled: %v", err),
					Usage:       totalUsage,
					FileChanges: fileChanges,
				}
			}

			args := normalizeArgs(call.Input)

			toolRes := l.catalog.Execute(ctx, call.Name, string(t.Role), args, map[string]any{
				"task_id": t.ID,
			})

			body := toolRes.Output
			if !toolRes.Success {
				body = "Error: " + toolRes.Error
			}

			messages = append(messages, provider.Message{
				Role:       provider.RoleTool,
				Content:    body,
				ToolCallID: call.ID,
			})

			if toolRes.Success && call.Name == "write_file" {
				fileChanges = append(fileChanges, task.FileChange{
					Path: writeFilePath(args),
					Kind: task.FileModify,
				})
			}
		}
	}

	return task.AgentResult{
		TaskID:      t.ID,
		Success:     false,
		Error:       fmt.Sprintf("exceeded maxIterations (%d)", l.config.MaxIterations),
		FileChanges: fileChanges,
		Usage:       totalUsage,
	}
}

func (l *Loop) buildInitialMessages(t task.Task) []provider.Message {
	content := t.Description
	if ctxStr, ok := t.Context["prompt"].(string); ok && ctxStr != "" {
		content = t.Description + "\n\n" + ctxStr
	}

	return []provider.Message{{
		Role:    provider.RoleUser,
		Content: content,
	}}
}

// normalizeArgs falls back to an empty JSON object when the provider's
// tool-call arguments are absent or fail to parse as JSON.
func normalizeArgs(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	var probe any
	if json.Unmarshal(raw, &probe) != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

func writeFilePath(args json.RawMessage) string {
	var parsed struct {
		Path string `json:"path"`
	}
	_ = json.Unmarshal(args, &parsed)
	return parsed.Path
}
