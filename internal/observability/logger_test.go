package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/loqe/loqe/internal/config"
)

func TestNewLoggerAddsTraceIDAndRedactsCredentials(t *testing.T) {
	cfg, err := config.Load("loqe-api", func(key string) (string, bool) {
		if key == "LOQE_LOG_JSON" {
			return "true", true
		}
		return "", false
	})
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}

	var out bytes.Buffer
	logger := NewLogger(cfg, &out).With(slog.String("component", "token"))
	ctx := ContextWithTraceID(context.Background(), "trace-9")
	logger.InfoContext(ctx, "bearer token applied", slog.String("token", "eyJhbGciOi"))

	var record map[string]any
	if err := json.Unmarshal(out.Bytes(), &record); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, out.String())
	}
	if record["trace_id"] != "trace-9" {
		t.Fatalf("trace_id = %v", record["trace_id"])
	}
	if record["token"] != redacted {
		t.Fatalf("token = %v, want redacted", record["token"])
	}
	if record["service"] != "loqe-api" || record["component"] != "token" {
		t.Fatalf("record = %v", record)
	}
}

func TestNewLoggerOmitsTraceIDWithoutContext(t *testing.T) {
	cfg, err := config.Load("loqe-api", func(string) (string, bool) { return "", false })
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	var out bytes.Buffer
	NewLogger(cfg, &out).Info("started")
	if bytes.Contains(out.Bytes(), []byte("trace_id")) {
		t.Fatalf("unexpected trace_id: %s", out.String())
	}
}
