package provider

import (
	"strings"
	"sync"
	"time"
)

// CircuitState is the three-state circuit breaker model from the spec:
// closed serves normally, open fails fast, half-open serves one probe.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// circuitBreaker tracks one provider's health. Grounded on the donor's
// ProviderState/IsAvailable pattern in internal/agent/failover.go,
// generalized to expose an explicit half-open probe state rather than
// re-evaluating "open past cooldown" on every call.
type circuitBreaker struct {
	mu          sync.Mutex
	failures    int
	threshold   int
	cooldown    time.Duration
	state       CircuitState
	openedAt    time.Time
	probeInFlight bool
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &circuitBreaker{threshold: threshold, cooldown: cooldown, state: CircuitClosed}
}

// allow reports whether a call may proceed, and if this call is the
// single half-open probe, marks one as in flight so concurrent callers
// don't all probe at once.
func (c *circuitBreaker) allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(c.openedAt) < c.cooldown {
			return false
		}
		c.state = CircuitHalfOpen
		c.probeInFlight = true
		return true
	case CircuitHalfOpen:
		if c.probeInFlight {
			return false
		}
		c.probeInFlight = true
		return true
	default:
		return true
	}
}

func (c *circuitBreaker) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.state = CircuitClosed
	c.probeInFlight = false
}

func (c *circuitBreaker) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probeInFlight = false

	if c.state == CircuitHalfOpen {
		c.state = CircuitOpen
		c.openedAt = time.Now()
		return
	}

	c.failures++
	if c.failures >= c.threshold {
		c.state = CircuitOpen
		c.openedAt = time.Now()
	}
}

func (c *circuitBreaker) currentState() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ErrorClass classifies a provider error for retry/failover decisions.
// Grounded on the donor's classifyProviderError string-matching heuristic
// in internal/agent/failover.go.
type ErrorClass string

const (
	ErrUnknown         ErrorClass = "unknown"
	ErrTimeout         ErrorClass = "timeout"
	ErrRateLimit       ErrorClass = "rate_limit"
	ErrAuth            ErrorClass = "auth"
	ErrBilling         ErrorClass = "billing"
	ErrModelUnavail    ErrorClass = "model_unavailable"
	ErrServer          ErrorClass = "server_error"
	ErrInvalidRequest  ErrorClass = "invalid_request"
)

// ClassifyError inspects an error's message for well-known substrings and
// returns its retry classification.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"), strings.Contains(msg, "deadline exceeded"):
		return ErrTimeout
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"), strings.Contains(msg, "429"):
		return ErrRateLimit
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "authentication"), strings.Contains(msg, "401"), strings.Contains(msg, "403"):
		return ErrAuth
	case strings.Contains(msg, "billing"), strings.Contains(msg, "payment"),
		strings.Contains(msg, "quota"), strings.Contains(msg, "402"):
		return ErrBilling
	case strings.Contains(msg, "internal server"), strings.Contains(msg, "server error"),
		strings.Contains(msg, "500"), strings.Contains(msg, "502"), strings.Contains(msg, "503"), strings.Contains(msg, "504"):
		return ErrServer
	case strings.Contains(msg, "model not found"), strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "unavailable"):
		return ErrModelUnavail
	case strings.Contains(msg, "invalid"), strings.Contains(msg, "bad request"), strings.Contains(msg, "400"):
		return ErrInvalidRequest
	default:
		return ErrUnknown
	}
}

// IsRetryable reports whether a call against the same provider is worth
// retrying (as opposed to failing over to the next provider, or failing
// outright).
func (c ErrorClass) IsRetryable() bool {
	switch c {
	case ErrRateLimit, ErrTimeout, ErrServer:
		return true
	default:
		return false
	}
}

// IsFailoverEligible reports whether the error warrants trying the next
// provider in an ordered list rather than giving up. ErrAuth is excluded:
// spec.md §7 classifies authentication failures as ProviderFatal ("immediate
// failure, no failover"), so an invalid key never triggers a Gateway failover
// even though it is equally non-retryable against the same provider.
func (c ErrorClass) IsFailoverEligible() bool {
	switch c {
	case ErrRateLimit, ErrTimeout, ErrServer, ErrBilling, ErrModelUnavail:
		return true
	default:
		return false
	}
}
