package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/minewatch/internal/overlay"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Controller Controller
	Overlays   OverlayStore
	Watches    WatchStore // optional; if nil, the watches resource is not registered
	Version    string
}

// NewMCPServer creates an MCP server exposing the watched analysis.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"minewatch",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("minewatch follows a satellite mining-detection analysis and exposes its progress and map overlays."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("analysis_status",
			mcp.WithDescription("Report progress, current step, elapsed time and detection summary of the watched analysis."),
		),
		mcpAnalysisStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_analysis",
			mcp.WithDescription("Stop the watched analysis on the server and clear its overlays."),
		),
		mcpCancelAnalysis(deps),
	)

	s.AddTool(
		mcp.NewTool("set_layer",
			mcp.WithDescription("Show, hide or change the opacity of an overlay layer."),
			mcp.WithString("kind", mcp.Description("Layer: imagery, heatmap or polygon"), mcp.Required()),
			mcp.WithBoolean("visible", mcp.Description("Whether the layer is drawn (default: unchanged)")),
			mcp.WithNumber("opacity", mcp.Description("Opacity between 0 and 1 (default: unchanged)")),
		),
		mcpSetLayer(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"overlays://current",
			"Current Overlays",
			mcp.WithResourceDescription("Overlays currently drawn, as a GeoJSON FeatureCollection"),
			mcp.WithMIMEType("application/geo+json"),
		),
		mcpResourceOverlays(deps),
	)

	if deps.Watches != nil {
		s.AddResource(
			mcp.NewResource(
				"watches://recent",
				"Recent Watches",
				mcp.WithResourceDescription("Last 10 watched analyses and how they ended"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceWatches(deps),
		)
	}

	return s
}

func mcpAnalysisStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(deps.Controller.View())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCancelAnalysis(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		v := deps.Controller.View()
		if v.JobID == "" {
			return mcpError("no analysis is being watched"), nil
		}
		if v.State != "polling" {
			return mcpText(fmt.Sprintf("Analysis %s already %s", v.JobID, v.State)), nil
		}
		if err := deps.Controller.Cancel(ctx); err != nil {
			return mcpError(fmt.Sprintf("cancel requested but the server stop failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Cancelled analysis %s", v.JobID)), nil
	}
}

func mcpSetLayer(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("kind")
		if err != nil {
			return mcpError("kind is required"), nil
		}
		kind, err := overlay.ParseKind(name)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		set := deps.Controller.Layer(kind)
		visible := req.GetBool("visible", set.Visible)
		opacity := req.GetFloat("opacity", set.Opacity)
		if err := deps.Controller.SetLayer(kind, visible, opacity); err != nil {
			return mcpError(fmt.Sprintf("failed to set layer: %v", err)), nil
		}

		state := "hidden"
		if visible {
			state = "visible"
		}
		return mcpText(fmt.Sprintf("Layer %s %s at opacity %.2f", kind, state, opacity)), nil
	}
}

func mcpResourceOverlays(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		overlays, err := deps.Overlays.ListOverlays(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("failed to list overlays: %w", err)
		}
		b, err := FeatureCollection(overlays).MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal overlays: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/geo+json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceWatches(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		watches, err := deps.Watches.RecentWatches(ctx, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent watches: %w", err)
		}

		type watchSummary struct {
			JobID      string `json:"job_id"`
			State      string `json:"state"`
			Percent    int    `json:"percent"`
			Detections int    `json:"detections"`
			StartedAt  string `json:"started_at"`
			Error      string `json:"error,omitempty"`
		}
		summaries := make([]watchSummary, len(watches))
		for i, w := range watches {
			summaries[i] = watchSummary{
				JobID:      w.JobID,
				State:      w.State,
				Percent:    w.Percent,
				Detections: w.Detections,
				StartedAt:  w.StartedAt.Format(time.RFC3339),
				Error:      w.Error,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal watches: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
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
