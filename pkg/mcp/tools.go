package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/flowsync/internal/store"
)

// handleList lists diagrams without their documents.
func (s *FlowsyncServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	diagrams, err := s.svc.List(ctx, store.DiagramFilter{
		NameContains: req.GetString("name", ""),
		Limit:        req.GetInt("limit", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}

	out := make([]map[string]any, 0, len(diagrams))
	for _, d := range diagrams {
		out = append(out, map[string]any{
			"id":          d.ID,
			"name":        d.Name,
			"description": d.Description,
			"updated_at":  d.UpdatedAt,
		})
	}
	return marshalResult(out)
}

// handleExport returns the stored document or the live snapshot.
func (s *FlowsyncServer) handleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("diagram_id")
	if err != nil {
		return mcp.NewToolResultError("diagram_id is required"), nil
	}

	switch format := req.GetString("format", "document"); format {
	case "document":
		doc, err := s.svc.Export(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("export failed: %v", err)), nil
		}
		return mcp.NewToolResultJSON(doc)
	case "snapshot":
		snap, err := s.svc.Snapshot(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("export failed: %v", err)), nil
		}
		return marshalResult(snap)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown format %q: use document or snapshot", format)), nil
	}
}

// handleImport replaces a diagram's content.
func (s *FlowsyncServer) handleImport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("diagram_id")
	if err != nil {
		return mcp.NewToolResultError("diagram_id is required"), nil
	}
	doc, ok := req.GetArguments()["document"]
	if !ok || doc == nil {
		return mcp.NewToolResultError("document is required"), nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("document is not serializable: %v", err)), nil
	}

	res, err := s.svc.Import(ctx, id, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("import failed: %v", err)), nil
	}
	s.logger.InfoContext(ctx, "diagram imported over mcp", "diagram_id", id, "nodes", res.Nodes)
	return marshalResult(res)
}

// handleQuery returns the nodes matching an expr-lang predicate.
func (s *FlowsyncServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("diagram_id")
	if err != nil {
		return mcp.NewToolResultError("diagram_id is required"), nil
	}
	expression, err := req.RequireString("expression")
	if err != nil {
		return mcp.NewToolResultError("expression is required"), nil
	}

	nodes, err := s.svc.Query(ctx, id, expression)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"count": len(nodes), "nodes": nodes})
}

// handleLint reports the issues of a diagram.
func (s *FlowsyncServer) handleLint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("diagram_id")
	if err != nil {
		return mcp.NewToolResultError("diagram_id is required"), nil
	}

	res, err := s.svc.Lint(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("lint failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"valid":    res.Valid(),
		"errors":   res.Errors,
		"warnings": res.Warnings,
	})
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
