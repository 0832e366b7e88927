package observability

import (
	"testing"

	"github.com/cortexos/cortexos/internal/events"
	"github.com/prometheus/client_golang/prometheus"
)

func TestSinkObservesCostUpdate(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	bus := events.NewBus(16)
	NewSink(nil, metrics, bus)

	bus.Publish(events.Event{
		Type:  events.CostUpdate,
		RunID: "run-1",
		Payload: map[string]any{
			"cost_usd":         0.05,
			"budget_remaining": 0.95,
		},
	})

	if got := testutilCounterValue(t, metrics.CostUSD.WithLabelValues("run-1")); got != 0.05 {
		t.Fatalf("expected cost counter 0.05, got %v", got)
	}
}

func TestSinkKeepsCountingAfterMalformedPayload(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	bus := events.NewBus(16)
	NewSink(nil, metrics, bus)

	// AgentTool with a non-string tool_name would make stringField return
	// false, not panic; this instead confirms a malformed payload does not
	// stop delivery to the metrics path for a later, well-formed event.
	bus.Publish(events.Event{Type: events.AgentTool, Payload: map[string]any{"tool_name": 42}})
	bus.Publish(events.Event{
		Type:    events.AgentComplete,
		Payload: map[string]any{"role": "developer", "duration_seconds": 1.5},
	})

	if got := testutilCounterValue(t, metrics.AgentCounter.WithLabelValues("developer", "success")); got != 1 {
		t.Fatalf("expected agent counter 1, got %v", got)
	}
}
