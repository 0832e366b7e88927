package observability

import (
	"context"
	"fmt"

	"github.com/cortexos/cortexos/internal/events"
)

// Sink subscribes to an events.Bus and fans every event out to the
// structured logger and the Prometheus registry, so the CLI only has to
// wire the Engine's Event Bus once at startup instead of hand-rolling a
// handler per event type.
//
// Grounded on the donor's internal/observability/events.go timeline
// recorder, generalized from a standalone recorder into a subscriber
// that drives Logger and Metrics directly from the closed event
// vocabulary rather than re-deriving them from free-form log lines.
type Sink struct {
	logger  *Logger
	metrics *Metrics
}

// NewSink subscribes to bus for every event type and returns the Sink.
// Either logger or metrics may be nil to disable that half of the fan-out.
func NewSink(logger *Logger, metrics *Metrics, bus *events.Bus) *Sink {
	s := &Sink{logger: logger, metrics: metrics}
	bus.Subscribe(s.handle)
	bus.OnPanic(func(r any, t events.Type) {
		if s.logger != nil {
			s.logger.Error(context.Background(), "observability: event handler panicked",
				"event_type", t.String(), "recovered", fmt.Sprintf("%v", r))
		}
	})
	return s
}

func (s *Sink) handle(ev events.Event) {
	ctx := WithRunID(context.Background(), ev.RunID)
	if s.logger != nil {
		s.logger.Info(ctx, ev.Type.String(),
			"task_id", ev.TaskID, "wave_index", ev.WaveIndex, "payload", marshalPayload(ev.Payload))
	}
	if s.metrics != nil {
		s.observe(ev)
	}
}

func (s *Sink) observe(ev events.Event) {
	switch ev.Type {
	case events.WaveComplete:
		if d, ok := floatField(ev.Payload, "duration_seconds"); ok {
			s.metrics.WaveDuration.WithLabelValues(ev.RunID).Observe(d)
		}
		if n, ok := floatField(ev.Payload, "task_count"); ok {
			s.metrics.WaveTaskCount.WithLabelValues(ev.RunID).Observe(n)
		}
	case events.AgentComplete, events.AgentError:
		status := "success"
		if ev.Type == events.AgentError {
			status = "error"
		}
		role, _ := stringField(ev.Payload, "role")
		if d, ok := floatField(ev.Payload, "duration_seconds"); ok {
			s.metrics.AgentDuration.WithLabelValues(role, status).Observe(d)
		}
		s.metrics.AgentCounter.WithLabelValues(role, status).Inc()
	case events.AgentTool:
		name, _ := stringField(ev.Payload, "tool_name")
		status, _ := stringField(ev.Payload, "status")
		if status == "" {
			status = "success"
		}
		if d, ok := floatField(ev.Payload, "duration_seconds"); ok {
			s.metrics.ToolExecutionDuration.WithLabelValues(name, status).Observe(d)
		}
		s.metrics.ToolExecutionCounter.WithLabelValues(name, status).Inc()
	case events.CostUpdate:
		if c, ok := floatField(ev.Payload, "cost_usd"); ok {
			s.metrics.CostUSD.WithLabelValues(ev.RunID).Add(c)
		}
		if r, ok := floatField(ev.Payload, "budget_remaining"); ok {
			s.metrics.BudgetRemaining.WithLabelValues(ev.RunID).Set(r)
		}
	case events.EngineStart:
		s.metrics.ActiveRuns.Inc()
	case events.EngineComplete, events.EngineError:
		s.metrics.ActiveRuns.Dec()
	}
}

func floatField(payload map[string]any, key string) (float64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func stringField(payload map[string]any, key string) (string, bool) {
	v, ok := payload[key].(string)
	return v, ok
}
