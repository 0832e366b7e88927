// Package orchestration implements the engine's external Analyzer and
// Decomposer collaborators by asking the configured Provider for a JSON
// object rather than running a hand-rolled heuristic, so prompt
// understanding tracks whatever model the run is configured against.
//
// Grounded on internal/agentloop.Loop's single-call Provider usage
// (build a message list, call Complete once, read back Text) and on the
// donor's internal/multiagent package's practice of asking a model for
// a structured decomposition and parsing its response as JSON. Fenced
// code-block stripping follows the same defensive parsing the donor's
// response handlers apply to assistant text before treating it as data.
package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cortexos/cortexos/internal/planner"
	"github.com/cortexos/cortexos/internal/provider"
	"github.com/cortexos/cortexos/pkg/task"
)

const analyzeSystemPrompt = `You analyze a user's software engineering request and respond with a
single JSON object, and nothing else, of the form:
{
  "complexity": <float 0-1>,
  "domains": [<string>, ...],
  "languages": [<string>, ...],
  "intent": <string>,
  "estimated_subtasks": <int>,
  "suggested_roles": [<one of "orchestrator","researcher","architect","developer","tester","validator","ux">, ...]
}`

const decomposeSystemPrompt = `You break a user's software engineering request into a dependency-ordered
list of subtasks for a multi-agent system. Respond with a single JSON object,
and nothing else, of the form:
{
  "tasks": [
    {
      "id": <short stable string, unique within this list>,
      "description": <string>,
      "role": <one of "orchestrator","researcher","architect","developer","tester","validator","ux">,
      "dependencies": [<id of a task earlier in this list>, ...],
      "priority": <int 1-10>,
      "tools": [<string>, ...]
    },
    ...
  ]
}
A task's dependencies must only reference ids of tasks that can run before it.`

// Model is the subset of provider.Provider the analyzer and decomposer
// need: a single synchronous completion call.
type Model interface {
	Complete(ctx context.Context, req *provider.Request) (*provider.Response, error)
}

// Analyzer asks p to classify a prompt into a planner.PromptAnalysis.
type Analyzer struct {
	P           Model
	Model       string
	MaxTokens   int
	Temperature float64
}

// NewAnalyzer builds an Analyzer over p with the given model name.
func NewAnalyzer(p Model, model string) *Analyzer {
	return &Analyzer{P: p, Model: model, MaxTokens: 1024, Temperature: 0.2}
}

// Analyze implements engine.Analyzer.
func (a *Analyzer) Analyze(ctx context.Context, prompt string) (planner.PromptAnalysis, error) {
	resp, err := a.P.Complete(ctx, &provider.Request{
		Model:       a.Model,
		System:      analyzeSystemPrompt,
		Messages:    []provider.Message{{Role: provider.RoleUser, Content: prompt}},
		MaxTokens:   nonZero(a.MaxTokens, 1024),
		Temperature: a.Temperature,
	})
	if err != nil {
		return planner.PromptAnalysis{}, fmt.Errorf("orchestration: analyze: %w", err)
	}

	var parsed struct {
		Complexity        float64  `json:"complexity"`
		Domains           []string `json:"domains"`
		Languages         []string `json:"languages"`
		Intent            string   `json:"intent"`
		EstimatedSubtasks int      `json:"estimated_subtasks"`
		SuggestedRoles    []string `json:"suggested_roles"`
	}
	if err := unmarshalJSONText(resp.Text, &parsed); err != nil {
		return planner.PromptAnalysis{}, fmt.Errorf("orchestration: analyze: parse response: %w", err)
	}

	roles := make([]task.Role, 0, len(parsed.SuggestedRoles))
	for _, r := range parsed.SuggestedRoles {
		roles = append(roles, task.Role(r))
	}

	return planner.PromptAnalysis{
		Complexity:        parsed.Complexity,
		Domains:           parsed.Domains,
		Languages:         parsed.Languages,
		Intent:            parsed.Intent,
		EstimatedSubtasks: parsed.EstimatedSubtasks,
		SuggestedRoles:    roles,
	}, nil
}

// Decomposer asks p to turn a prompt and its analysis into a task set.
type Decomposer struct {
	P           Model
	Model       string
	MaxTokens   int
	Temperature float64
}

// NewDecomposer builds a Decomposer over p with the given model name.
func NewDecomposer(p Model, model string) *Decomposer {
	return &Decomposer{P: p, Model: model, MaxTokens: 2048, Temperature: 0.2}
}

// Decompose implements engine.Decomposer.
func (d *Decomposer) Decompose(ctx context.Context, prompt string, analysis planner.PromptAnalysis) ([]task.Task, error) {
	summary := fmt.Sprintf(
		"Request: %s\n\nAnalysis: complexity=%.2f intent=%q domains=%v languages=%v estimated_subtasks=%d suggested_roles=%v",
		prompt, analysis.Complexity, analysis.Intent, analysis.Domains, analysis.Languages,
		analysis.EstimatedSubtasks, analysis.SuggestedRoles,
	)

	resp, err := d.P.Complete(ctx, &provider.Request{
		Model:       d.Model,
		System:      decomposeSystemPrompt,
		Messages:    []provider.Message{{Role: provider.RoleUser, Content: summary}},
		MaxTokens:   nonZero(d.MaxTokens, 2048),
		Temperature: d.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestration: decompose: %w", err)
	}

	var parsed struct {
		Tasks []struct {
			ID           string   `json:"id"`
			Description  string   `json:"description"`
			Role         string   `json:"role"`
			Dependencies []string `json:"dependencies"`
			Priority     int      `json:"priority"`
			Tools        []string `json:"tools"`
		} `json:"tasks"`
	}
	if err := unmarshalJSONText(resp.Text, &parsed); err != nil {
		return nil, fmt.Errorf("orchestration: decompose: parse response: %w", err)
	}
	if len(parsed.Tasks) == 0 {
		return nil, fmt.Errorf("orchestration: decompose: model returned no tasks")
	}

	tasks := make([]task.Task, 0, len(parsed.Tasks))
	for _, t := range parsed.Tasks {
		priority := t.Priority
		if priority <= 0 {
			priority = 5
		}
		tasks = append(tasks, task.Task{
			ID:           t.ID,
			Description:  t.Description,
			Role:         task.Role(t.Role),
			Dependencies: t.Dependencies,
			Priority:     priority,
			Tools:        t.Tools,
			Context:      map[string]any{"prompt": prompt},
		})
	}
	return tasks, nil
}

// unmarshalJSONText strips a ```-fenced code block, if present, before
// decoding text as JSON; models asked for "JSON only" still sometimes
// wrap it in a fence.
func unmarshalJSONText(text string, v any) error {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	return json.Unmarshal([]byte(trimmed), v)
}

func nonZero(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
