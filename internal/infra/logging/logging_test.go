//go:build !integration

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestWith_AttachesContextFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithUserID(WithTraceID(context.Background(), "trace-1"), "user-9")
	With(ctx, &base).Info().Msg("hello")

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if got["trace_id"] != "trace-1" || got["user_id"] != "user-9" {
		t.Errorf("context fields missing: %v", got)
	}
	if TraceIDFrom(ctx) != "trace-1" {
		t.Errorf("TraceIDFrom = %q", TraceIDFrom(ctx))
	}
}

func TestRedact(t *testing.T) {
	if Redact("abc", false) != "***" {
		t.Error("short values must be fully masked")
	}
	if got := Redact("user-123456", false); got != "user...56" {
		t.Errorf("Redact = %q", got)
	}
	if Redact("user-123456", true) != "user-123456" {
		t.Error("dev mode must not redact")
	}
}
