// Package mcp exposes flowsync diagrams to agents as MCP tools over stdio.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowsync/internal/api"
)

// Version is reported to MCP clients.
var Version = "dev"

// ServerDeps holds the dependencies of a FlowsyncServer.
type ServerDeps struct {
	Service *api.Service
	Logger  *slog.Logger
}

// FlowsyncServer wraps an MCP server with the diagram tool handlers.
type FlowsyncServer struct {
	svc       *api.Service
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewFlowsyncServer creates a FlowsyncServer with all tools registered.
func NewFlowsyncServer(deps ServerDeps) *FlowsyncServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowsyncServer{
		svc:    deps.Service,
		logger: logger.With(slog.String("component", "mcp")),
	}

	mcpSrv := server.NewMCPServer(
		"flowsync",
		Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flowsync stores collaboratively edited flow diagrams. Use flowsync.list to find a diagram, flowsync.export to read its document, flowsync.import to replace its content, flowsync.query to find nodes with an expr-lang predicate and flowsync.lint to check it."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowsyncServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowsyncServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *FlowsyncServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: listTool(), Handler: s.handleList},
		{Tool: exportTool(), Handler: s.handleExport},
		{Tool: importTool(), Handler: s.handleImport},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: lintTool(), Handler: s.handleLint},
	}
}

// --- Tool definitions ---

func listTool() mcp.Tool {
	return mcp.NewTool("flowsync.list",
		mcp.WithDescription("List diagrams"),
		mcp.WithString("name", mcp.Description("Only diagrams whose name contains this text")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of diagrams (default: all)")),
	)
}

func exportTool() mcp.Tool {
	return mcp.NewTool("flowsync.export",
		mcp.WithDescription("Export a diagram document"),
		mcp.WithString("diagram_id", mcp.Required(), mcp.Description("ID of the diagram")),
		mcp.WithString("format", mcp.Enum("document", "snapshot"),
			mcp.Description("document returns the stored layout, snapshot the live nodes and edges (default: document)"),
		),
	)
}

func importTool() mcp.Tool {
	return mcp.NewTool("flowsync.import",
		mcp.WithDescription("Replace the content of a diagram"),
		mcp.WithString("diagram_id", mcp.Required(), mcp.Description("ID of the diagram")),
		mcp.WithObject("document", mcp.Required(),
			mcp.Description("Flat {nodes, edges} or nested {config: [{id, nodes, edges}]} document"),
		),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("flowsync.query",
		mcp.WithDescription("Find diagram nodes matching an expression"),
		mcp.WithString("diagram_id", mcp.Required(), mcp.Description("ID of the diagram")),
		mcp.WithString("expression", mcp.Required(),
			mcp.Description("expr-lang predicate over id, type, kind, label, expression, x, y, content, incoming, outgoing"),
		),
	)
}

func lintTool() mcp.Tool {
	return mcp.NewTool("flowsync.lint",
		mcp.WithDescription("Check a diagram for structural problems"),
		mcp.WithString("diagram_id", mcp.Required(), mcp.Description("ID of the diagram")),
	)
}
