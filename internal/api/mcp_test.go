package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/fleetctl/internal/archive"
	"github.com/kalambet/fleetctl/internal/fleet"
	"github.com/kalambet/fleetctl/internal/saga"
)

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func newTestMCPDeps(t *testing.T) (MCPDeps, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	return MCPDeps{Fleet: env.fleet, Sagas: env.sagas}, env
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	s := NewMCPServer(deps, "test")

	tools := s.ListTools()
	for _, name := range []string{"fleet_status", "bot_status", "bot_history", "stop_bot", "stop_and_archive_bot"} {
		if _, ok := tools[name]; !ok {
			t.Errorf("tool %q not registered", name)
		}
	}
}

func TestMCPFleetStatus(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, err := mcpFleetStatus(deps)(context.Background(), makeCallToolRequest("fleet_status", nil))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var bots []fleet.BotStatus
	if err := json.Unmarshal([]byte(toolText(t, result)), &bots); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if len(bots) != 1 || bots[0].BotID != "alpha" {
		t.Errorf("bots = %+v", bots)
	}
}

func TestMCPBotStatus(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpBotStatus(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("bot_status", map[string]interface{}{"bot_id": "alpha"}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), `"bot_id":"alpha"`) {
		t.Errorf("result = %s", toolText(t, result))
	}

	result, _ = handler(context.Background(), makeCallToolRequest("bot_status", map[string]interface{}{"bot_id": "ghost"}))
	if !result.IsError {
		t.Error("expected error for unknown bot")
	}

	result, _ = handler(context.Background(), makeCallToolRequest("bot_status", nil))
	if !result.IsError {
		t.Error("expected error for missing bot_id")
	}
}

func TestMCPBotHistory(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	env.fleet.history = fleet.HistoryResult{Status: "success", Response: json.RawMessage(`{"trades":[]}`)}

	result, _ := mcpBotHistory(deps)(context.Background(), makeCallToolRequest("bot_history", map[string]interface{}{
		"bot_id":  "alpha",
		"days":    2.0,
		"verbose": true,
		"timeout": 5.0,
	}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	opts := env.fleet.lastOpts.(fleet.HistoryOptions)
	if opts.Days != 2 || !opts.Verbose || opts.Timeout != 5*time.Second {
		t.Errorf("options = %+v", opts)
	}
	if !strings.Contains(toolText(t, result), `"status":"success"`) {
		t.Errorf("result = %s", toolText(t, result))
	}
}

func TestMCPBotHistory_TimeoutBounds(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	for _, secs := range []float64{-1, 1e12} {
		result, _ := mcpBotHistory(deps)(context.Background(), makeCallToolRequest("bot_history", map[string]interface{}{
			"bot_id":  "alpha",
			"timeout": secs,
		}))
		if !result.IsError {
			t.Errorf("timeout %v: expected error", secs)
		}
	}
}

func TestMCPStopBot(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	handler := mcpStopBot(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("stop_bot", map[string]interface{}{
		"bot_id":                  "alpha",
		"skip_order_cancellation": true,
	}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	opts := env.fleet.lastOpts.(fleet.StopOptions)
	if !opts.SkipOrderCancellation || !opts.AsyncBackend {
		t.Errorf("options = %+v", opts)
	}

	env.fleet.sendErr = errors.New("broker down")
	result, _ = handler(context.Background(), makeCallToolRequest("stop_bot", map[string]interface{}{"bot_id": "alpha"}))
	if !result.IsError || !strings.Contains(toolText(t, result), "broker down") {
		t.Errorf("expected send error, got %+v", result)
	}
}

func TestMCPStopAndArchive(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	handler := mcpStopAndArchive(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("stop_and_archive_bot", map[string]interface{}{"bot_id": "alpha"}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var ack saga.Ack
	if err := json.Unmarshal([]byte(toolText(t, result)), &ack); err != nil {
		t.Fatalf("decoding ack: %v", err)
	}
	if ack.SagaID != "saga-1" {
		t.Errorf("ack = %+v", ack)
	}
	req := env.sagas.requests[0]
	if !req.SkipOrderCancellation || !req.AsyncBackend || req.ArchiveTarget != archive.TargetLocal {
		t.Errorf("default request = %+v", req)
	}

	handler(context.Background(), makeCallToolRequest("stop_and_archive_bot", map[string]interface{}{
		"bot_id":          "alpha",
		"archive_locally": false,
		"s3_bucket":       "bots",
	}))
	req = env.sagas.requests[1]
	if req.ArchiveTarget != archive.TargetS3 || req.Bucket != "bots" {
		t.Errorf("s3 request = %+v", req)
	}

	env.sagas.err = saga.ErrInProgress
	result, _ = handler(context.Background(), makeCallToolRequest("stop_and_archive_bot", map[string]interface{}{"bot_id": "alpha"}))
	if !result.IsError {
		t.Error("expected error while a saga is in flight")
	}
}
