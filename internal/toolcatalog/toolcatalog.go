// Package toolcatalog implements the Tool Catalog: a name-keyed registry of
// side-effecting operations callable by agents, each validated against a
// JSON Schema before it runs.
//
// Grounded on the donor's internal/agent/executor.go (semaphore-bounded
// concurrent execution, per-tool timeout/retry overrides, panic recovery)
// and internal/tools/policy (allow/deny resolution by name). Parameter
// schemas are validated with github.com/santhosh-tekuri/jsonschema/v5,
// already in the donor's dependency graph, so malformed arguments are
// rejected before Execute ever runs.
package toolcatalog

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Result is what a Tool's Execute returns: either a success output or a
// structured failure, never a raw panic or an unhandled error type.
type Result struct {
	Success bool
	Output  string
	Error   string
}

// Tool is a single named operation with a typed parameter schema.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage, taskCtx map[string]any) Result
}

// Policy resolves whether a tool name may run for a given role. The
// engine wires a concrete allow/deny implementation; a nil Policy allows
// everything, matching "the Catalog is consulted by name only."
type Policy interface {
	Allowed(toolName, role string) bool
}

// AllowAllPolicy permits every tool for every role.
type AllowAllPolicy struct{}

func (AllowAllPolicy) Allowed(toolName, role string) bool { return true }

type registeredTool struct {
	tool    Tool
	schema  *jsonschema.Schema
	timeout time.Duration
	retries int
	backoff time.Duration
}

// Config tunes the Catalog's concurrency, default timeout, and retry
// behavior, grounded on the donor's ExecutorConfig.
type Config struct {
	MaxConcurrency  int
	DefaultTimeout  time.Duration
	DefaultRetries  int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// DefaultConfig mirrors the donor's DefaultExecutorConfig.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:  5,
		DefaultTimeout:  30 * time.Second,
		DefaultRetries:  2,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
	}
}

// Metrics tracks catalog-wide execution counters.
type Metrics struct {
	mu              sync.Mutex
	TotalExecutions int64
	TotalRetries    int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
}

func (m *Metrics) snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		TotalExecutions: m.TotalExecutions,
		TotalRetries:    m.TotalRetries,
		TotalFailures:   m.TotalFailures,
		TotalTimeouts:   m.TotalTimeouts,
		TotalPanics:     m.TotalPanics,
	}
}

// Catalog is the name-keyed tool registry plus bounded-concurrency
// executor. Unknown tool names produce a structured Result rather than a
// panic or an error return, per the Tool Catalog's contract.
type Catalog struct {
	mu     sync.RWMutex
	tools  map[string]*registeredTool
	policy Policy
	config Config
	sem    chan struct{}

	metrics Metrics
}

// New creates an empty Catalog. A nil policy defaults to AllowAllPolicy.
func New(policy Policy, config Config) *Catalog {
	if policy == nil {
		policy = AllowAllPolicy{}
	}
	if config.MaxConcurrency <= 0 {
		config = DefaultConfig()
	}
	return &Catalog{
		tools:  make(map[string]*registeredTool),
		policy: policy,
		config: config,
		sem:    make(chan struct{}, config.MaxConcurrency),
	}
}

// Register adds a tool to the catalog, compiling its JSON Schema up
// front so a malformed schema fails at registration, not at call time.
func (c *Catalog) Register(t Tool, overrides ...func(*registeredTool)) error {
	compiled, err := jsonschema.CompileString(t.Name()+".schema.json", string(t.Schema()))
	if err != nil {
		return fmt.Errorf("toolcatalog: invalid schema for %q: %w", t.Name(), err)
	}

	rt := &registeredTool{
		tool:    t,
		schema:  compiled,
		timeout: c.config.DefaultTimeout,
		retries: c.config.DefaultRetries,
		backoff: c.config.RetryBackoff,
	}
	for _, opt := range overrides {
		opt(rt)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[t.Name()] = rt
	return nil
}

// WithTimeout overrides a registered tool's execution timeout.
func WithTimeout(d time.Duration) func(*registeredTool) {
	return func(rt *registeredTool) { rt.timeout = d }
}

// WithRetries overrides a registered tool's retry count.
func WithRetries(n int) func(*registeredTool) {
	return func(rt *registeredTool) { rt.retries = n }
}

// Execute looks up toolName and runs it with the given JSON-encoded
// arguments. Unknown tools, schema-invalid arguments, and policy denials
// all return a structured failure Result rather than an error, so the
// agent loop can always fold the outcome into a tool-role message.
func (c *Catalog) Execute(ctx context.Context, toolName, role string, args json.RawMessage, taskCtx map[string]any) Result {
	c.mu.RLock()
	rt, ok := c.tools[toolName]
	c.mu.RUnlock()

	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("unknown tool %q", toolName)}
	}
	if !c.policy.Allowed(toolName, role) {
		return Result{Success: false, Error: fmt.Sprintf("tool %q is not permitted for role %q", toolName, role)}
	}

	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("invalid arguments for %q: %v", toolName, err)}
	}
	if err := rt.schema.Validate(decoded); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("arguments for %q failed schema validation: %v", toolName, err)}
	}

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return Result{Success: false, Error: "execution cancelled while waiting for a concurrency slot"}
	}

	return c.runWithRetry(ctx, rt, toolName, args, taskCtx)
}

func (c *Catalog) runWithRetry(ctx context.Context, rt *registeredTool, toolName string, args json.RawMessage, taskCtx map[string]any) Result {
	backoff := rt.backoff

	var last Result
	for attempt := 0; attempt <= rt.retries; attempt++ {
		res, timedOut := c.runOnce(ctx, rt, args, taskCtx)
		if res.Success {
			c.metrics.mu.Lock()
			c.metrics.TotalExecutions++
			c.metrics.TotalRetries += int64(attempt)
			c.metrics.mu.Unlock()
			return res
		}

		last = res
		if timedOut {
			c.metrics.mu.Lock()
			c.metrics.TotalTimeouts++
			c.metrics.mu.Unlock()
		}

		if ctx.Err() != nil || attempt >= rt.retries {
			break
		}

		select {
		case <-time.After(backoff):
			backoff *= 2
			if backoff > c.config.MaxRetryBackoff {
				backoff = c.config.MaxRetryBackoff
			}
		case <-ctx.Done():
			last = Result{Success: false, Error: "execution cancelled"}
		}
	}

	c.metrics.mu.Lock()
	c.metrics.TotalExecutions++
	c.metrics.TotalFailures++
	c.metrics.mu.Unlock()
	return last
}

// runOnce executes one attempt with a timeout and panic recovery, so a
// misbehaving tool can never crash the catalog. On timeout runOnce
// returns at once; the tool's goroutine keeps running until Execute
// returns (a tool that ignores its context outlives the deadline), and
// the buffered done channel lets it exit without blocking.
func (c *Catalog) runOnce(ctx context.Context, rt *registeredTool, args json.RawMessage, taskCtx map[string]any) (res Result, timedOut bool) {
	execCtx, cancel := context.WithTimeout(ctx, rt.timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.metrics.mu.Lock()
				c.metrics.TotalPanics++
				c.metrics.mu.Unlock()
				done <- Result{Success: false, Error: fmt.Sprintf("tool panicked: %v\n%s", r, debug.Stack())}
			}
		}()
		done <- rt.tool.Execute(execCtx, args, taskCtx)
	}()

	select {
	case res := <-done:
		return res, false
	case <-execCtx.Done():
		return Result{Success: false, Error: fmt.Sprintf("tool %q timed out after %s", rt.tool.Name(), rt.timeout)}, true
	}
}

// Metrics returns a snapshot of catalog-wide execution counters.
func (c *Catalog) Metrics() Metrics { return c.metrics.snapshot() }

// Names returns the registered tool names, for building the list of tool
// definitions advertised to a provider.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	return names
}

// Lookup returns the registered Tool named name, so a caller can read its
// description and schema without invoking it (e.g. to advertise tool
// definitions to a provider).
func (c *Catalog) Lookup(name string) (Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rt, ok := c.tools[name]
	if !ok {
		return nil, false
	}
	return rt.tool, true
}
