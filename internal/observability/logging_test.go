package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestLoggerRedactsAPIKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, Format: "json"})

	logger.Info(context.Background(), "resolved provider",
		"key", "sk-ant-"+strings.Repeat("a", 96))

	out := buf.String()
	if strings.Contains(out, "sk-ant-") {
		t.Errorf("api key leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker, got: %s", out)
	}
}

func TestLoggerMasksContextIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, Format: "json"})

	ctx := WithUserID(context.Background(), "user-secret-1234")
	ctx = WithPageID(ctx, "page-secret-5678")
	logger.Info(ctx, "turn started")

	out := buf.String()
	if strings.Contains(out, "user-secret-1234") || strings.Contains(out, "page-secret-5678") {
		t.Errorf("plaintext identifier leaked into log output: %s", out)
	}
	if !strings.Contains(out, MaskID("user-secret-1234")) {
		t.Errorf("expected masked user id in output: %s", out)
	}
}

func TestMaskIDStable(t *testing.T) {
	if MaskID("abc") != MaskID("abc") {
		t.Error("MaskID should be deterministic")
	}
	if MaskID("abc") == MaskID("abd") {
		t.Error("MaskID should distinguish different ids")
	}
	if MaskID("") != "" {
		t.Error("empty id should mask to empty string")
	}
}

func TestFromContextNeverNil(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext returned nil for empty context")
	}

	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})
	ctx := WithLogger(context.Background(), logger)
	if FromContext(ctx) != logger {
		t.Fatal("FromContext did not return the stored logger")
	}
}
