package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/fleetctl/internal/fleet"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Fleet Fleet
	Sagas Sagas
}

// NewMCPServer creates an MCP server exposing fleet inspection and
// lifecycle tools.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"fleetctl",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("fleetctl controls a fleet of trading bots: inspect their status and history, stop them, or stop and archive them."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("fleet_status",
			mcp.WithDescription("List every bot the control plane tracks with its status and how it was discovered."),
		),
		mcpFleetStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("bot_status",
			mcp.WithDescription("Show one bot's status, evaluated controller performance and recent logs."),
			mcp.WithString("bot_id", mcp.Description("Bot identifier"), mcp.Required()),
		),
		mcpBotStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("bot_history",
			mcp.WithDescription("Request a bot's trade history and wait for its reply."),
			mcp.WithString("bot_id", mcp.Description("Bot identifier"), mcp.Required()),
			mcp.WithNumber("days", mcp.Description("Days of history (0 for all)")),
			mcp.WithBoolean("verbose", mcp.Description("Include individual trades")),
			mcp.WithNumber("timeout", mcp.Description("Seconds to wait for the reply (default 30)")),
		),
		mcpBotHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("stop_bot",
			mcp.WithDescription("Send a stop command to a bot."),
			mcp.WithString("bot_id", mcp.Description("Bot identifier"), mcp.Required()),
			mcp.WithBoolean("skip_order_cancellation", mcp.Description("Leave open orders in place")),
		),
		mcpStopBot(deps),
	)

	s.AddTool(
		mcp.NewTool("stop_and_archive_bot",
			mcp.WithDescription("Stop a bot, stop and remove its container and archive its data. Runs in the background; returns the saga acknowledgement."),
			mcp.WithString("bot_id", mcp.Description("Bot name, with or without the container prefix"), mcp.Required()),
			mcp.WithBoolean("archive_locally", mcp.Description("Archive to local disk (default true); false uploads to S3")),
			mcp.WithString("s3_bucket", mcp.Description("S3 bucket when archive_locally is false")),
			mcp.WithBoolean("skip_order_cancellation", mcp.Description("Leave open orders in place (default true)")),
		),
		mcpStopAndArchive(deps),
	)

	return s
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
}

func mcpFleetStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		bots := deps.Fleet.FleetStatus()
		if bots == nil {
			bots = []fleet.BotStatus{}
		}
		return mcpJSON(bots), nil
	}
}

func mcpBotStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		botID, err := req.RequireString("bot_id")
		if err != nil {
			return mcpError("bot_id is required"), nil
		}
		d, err := deps.Fleet.Detail(botID)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(d), nil
	}
}

func mcpBotHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		botID, err := req.RequireString("bot_id")
		if err != nil {
			return mcpError("bot_id is required"), nil
		}
		opts := fleet.HistoryOptions{
			Days:    req.GetFloat("days", 0),
			Verbose: req.GetBool("verbose", false),
		}
		if secs := req.GetFloat("timeout", 0); secs != 0 {
			if opts.Timeout, err = historyTimeout(secs); err != nil {
				return mcpError(fmt.Sprintf("invalid timeout: %v", err)), nil
			}
		}

		res, err := deps.Fleet.History(ctx, botID, opts)
		if err != nil {
			return mcpError(fmt.Sprintf("history failed: %v", err)), nil
		}
		return mcpJSON(res), nil
	}
}

func mcpStopBot(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		botID, err := req.RequireString("bot_id")
		if err != nil {
			return mcpError("bot_id is required"), nil
		}
		opts := fleet.StopOptions{
			SkipOrderCancellation: req.GetBool("skip_order_cancellation", false),
			AsyncBackend:          true,
		}
		if err := deps.Fleet.Stop(botID, opts); err != nil {
			return mcpError(fmt.Sprintf("stop failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stop command sent to %s", botID)), nil
	}
}

func mcpStopAndArchive(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		botID, err := req.RequireString("bot_id")
		if err != nil {
			return mcpError("bot_id is required"), nil
		}
		local := req.GetBool("archive_locally", true)
		skip := req.GetBool("skip_order_cancellation", true)
		body := StopAndArchiveRequest{
			SkipOrderCancellation: &skip,
			ArchiveLocally:        &local,
			S3Bucket:              req.GetString("s3_bucket", ""),
		}

		ack, err := deps.Sagas.Begin(body.sagaRequest(botID))
		if err != nil {
			return mcpError(fmt.Sprintf("stop-and-archive rejected: %v", err)), nil
		}
		return mcpJSON(ack), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
