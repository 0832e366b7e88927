package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestNewLoggerDefaults(t *testing.T) {
	logger := NewLogger(LogConfig{})
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}
	if logger.logger == nil {
		t.Fatal("Logger.logger is nil")
	}
}

func TestLoggerRedactsAPIKey(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "text", Output: &buf})
	logger.Info(context.Background(), "calling provider api_key=sk-ant-"+strings.Repeat("a", 100))
	out := buf.String()
	if strings.Contains(out, "sk-ant-") {
		t.Fatalf("expected API key to be redacted, got %q", out)
	}
	if !strings.Contains(out, "REDACTED") {
		t.Fatalf("expected redaction marker in output, got %q", out)
	}
}

func TestWithRunIDCorrelatesLogLine(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})
	ctx := WithRunID(context.Background(), "run-123")
	logger.Info(ctx, "stage started")
	if !strings.Contains(buf.String(), "run-123") {
		t.Fatalf("expected run_id in log output, got %q", buf.String())
	}
}
