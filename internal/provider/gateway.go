package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// GatewayConfig tunes retry, circuit breaker, and rate-limit behavior.
// Grounded on the donor's FailoverConfig/DefaultFailoverConfig.
type GatewayConfig struct {
	MaxRetries              int
	RetryBackoff            time.Duration
	MaxRetryBackoff         time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerCooldown  time.Duration
	RateLimitPerSecond      float64 // 0 disables rate limiting
	RateLimitBurst          int
}

// DefaultGatewayConfig returns the spec's stated defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		MaxRetries:              2,
		RetryBackoff:            100 * time.Millisecond,
		MaxRetryBackoff:         5 * time.Second,
		CircuitBreakerThreshold: 3,
		CircuitBreakerCooldown:  30 * time.Second,
		RateLimitPerSecond:      0,
		RateLimitBurst:          1,
	}
}

type providerEntry struct {
	provider Provider
	circuit  *circuitBreaker
	limiter  *rate.Limiter
}

// Gateway is the composite Provider: an ordered list of providers tried
// in turn with per-provider circuit breaking and rate limiting, failing
// over to the next provider on a retryable-but-exhausted or
// failover-eligible error. Single-entry lists collapse to the underlying
// provider's own behavior, per spec.md §4.1.
//
// Grounded on internal/agent/failover.go's FailoverOrchestrator.
type Gateway struct {
	mu      sync.RWMutex
	entries []*providerEntry
	config  GatewayConfig

	totalRequests  int64
	totalFailovers int64
	totalRetries   int64
}

// NewGateway creates a Gateway whose first provider is primary; use
// AddProvider to append an ordered fallback chain.
func NewGateway(primary Provider, cfg GatewayConfig) *Gateway {
	g := &Gateway{config: cfg}
	g.AddProvider(primary)
	return g
}

// AddProvider appends a fallback provider to the ordered chain.
func (g *Gateway) AddProvider(p Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var limiter *rate.Limiter
	if g.config.RateLimitPerSecond > 0 {
		burst := g.config.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(g.config.RateLimitPerSecond), burst)
	}

	g.entries = append(g.entries, &providerEntry{
		provider: p,
		circuit:  newCircuitBreaker(g.config.CircuitBreakerThreshold, g.config.CircuitBreakerCooldown),
		limiter:  limiter,
	})
}

// Name implements Provider; it reports the chain's primary provider.
func (g *Gateway) Name() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.entries) == 0 {
		return "gateway"
	}
	return "failover:" + g.entries[0].provider.Name()
}

// Models implements Provider, returning the de-duplicated union across
// every provider in the chain.
func (g *Gateway) Models() []Model {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	var out []Model
	for _, e := range g.entries {
		for _, m := range e.provider.Models() {
			if !seen[m.ID] {
				seen[m.ID] = true
				out = append(out, m)
			}
		}
	}
	return out
}

// SupportsTools implements Provider, true if any chained provider does.
func (g *Gateway) SupportsTools() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, e := range g.entries {
		if e.provider.SupportsTools() {
			return true
		}
	}
	return false
}

// Complete tries each provider in order, skipping ones whose circuit is
// open, retrying a single provider on transient errors, and failing over
// to the next provider on failover-eligible errors. If every provider
// fails, the last error observed is returned.
func (g *Gateway) Complete(ctx context.Context, req *Request) (*Response, error) {
	g.mu.Lock()
	g.totalRequests++
	entries := make([]*providerEntry, len(g.entries))
	copy(entries, g.entries)
	g.mu.Unlock()

	var lastErr error

	for i, e := range entries {
		if !e.circuit.allow() {
			continue
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := g.tryProvider(ctx, e, req)
		if err == nil {
			e.circuit.recordSuccess()
			return resp, nil
		}

		lastErr = err
		e.circuit.recordFailure()

		class := ClassifyError(err)
		if !class.IsFailoverEligible() {
			return nil, err
		}
		if i < len(entries)-1 {
			g.mu.Lock()
			g.totalFailovers++
			g.mu.Unlock()
		}
	}

	if lastErr == nil {
		lastErr = errors.New("provider: no available providers")
	}
	return nil, lastErr
}

// tryProvider calls one provider with retry-with-backoff on retryable errors.
func (g *Gateway) tryProvider(ctx context.Context, e *providerEntry, req *Request) (*Response, error) {
	var lastErr error
	backoff := g.config.RetryBackoff

	for attempt := 0; attempt <= g.config.MaxRetries; attempt++ {
		resp, err := e.provider.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !ClassifyError(err).IsRetryable() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt >= g.config.MaxRetries {
			break
		}

		g.mu.Lock()
		g.totalRetries++
		g.mu.Unlock()

		select {
		case <-time.After(backoff):
			backoff *= 2
			if backoff > g.config.MaxRetryBackoff {
				backoff = g.config.MaxRetryBackoff
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}

// Stats is a snapshot of gateway-wide call accounting.
type Stats struct {
	TotalRequests  int64
	TotalFailovers int64
	TotalRetries   int64
}

// Stats returns a snapshot of gateway-wide call accounting.
func (g *Gateway) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Stats{TotalRequests: g.totalRequests, TotalFailovers: g.totalFailovers, TotalRetries: g.totalRetries}
}

// CircuitState reports the current circuit state of the provider at
// chain position i (0 = primary), or "" if out of range.
func (g *Gateway) CircuitState(i int) CircuitState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if i < 0 || i >= len(g.entries) {
		return ""
	}
	return g.entries[i].circuit.currentState()
}

