package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewLogger(slog.NewJSONHandler(&buf, nil)).With(slog.String("component", "test"))

	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "r1", Method: "POST", Path: "/mcp"})
	ctx = WithSessionData(ctx, &SessionData{SessionID: "s1"})
	ctx = WithRPCMessage(ctx, &RPCMessage{Method: "tools/call", ID: "1", Type: "request"})
	ctx = WithToolCallData(ctx, &ToolCallData{ToolName: "get_quote"})

	log.InfoContext(ctx, "tool.call")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode record: %v (%s)", err, buf.String())
	}
	if rec["component"] != "test" {
		t.Fatalf("WithAttrs lost: %v", rec)
	}
	for _, group := range []string{"req", "sess", "rpc", "tool"} {
		if _, ok := rec[group].(map[string]any); !ok {
			t.Fatalf("missing group %q in %v", group, rec)
		}
	}
	if got := rec["tool"].(map[string]any)["name"]; got != "get_quote" {
		t.Fatalf("tool.name = %v", got)
	}
}

func TestHandlerWithoutContextData(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	NewLogger(slog.NewJSONHandler(&buf, nil)).Info("plain")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if _, ok := rec["req"]; ok {
		t.Fatalf("unexpected req group: %v", rec)
	}
}
