// Package mcp exposes the batch runner over the Model Context Protocol so
// agents and editor integrations can submit and control workflow batches.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/pagerun/internal/store"
	"github.com/rendis/pagerun/internal/validation"
	"github.com/rendis/pagerun/pkg/schema"
)

// BatchRunner is the scheduler surface the MCP tools drive.
// Satisfied by the batch Scheduler.
type BatchRunner interface {
	ExecuteBatch(ctx context.Context, spec *schema.BatchSpec) (string, error)
	BatchStatus(ctx context.Context, batchID string) (*schema.BatchSnapshot, error)
	ListBatches() []*schema.BatchSnapshot
	StopBatch(ctx context.Context, batchID string) error
	StopAll(ctx context.Context)
}

// FolderScanner discovers workflow files for the scan tool.
type FolderScanner func(root string, recursive bool, pattern string) ([]schema.WorkflowFileInfo, error)

// PageRunServerDeps holds the dependencies for creating a PageRunServer.
type PageRunServerDeps struct {
	Runner    BatchRunner
	Store     store.Store
	Validator *validation.GraphValidator
	Scanner   FolderScanner
	Logger    *slog.Logger
}

// PageRunServer wraps an MCP server with batch tool handlers.
type PageRunServer struct {
	runner    BatchRunner
	store     store.Store
	validator *validation.GraphValidator
	scanner   FolderScanner
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewPageRunServer creates a PageRunServer with all 7 tools registered.
func NewPageRunServer(deps PageRunServerDeps) *PageRunServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &PageRunServer{
		runner:    deps.Runner,
		store:     deps.Store,
		validator: deps.Validator,
		scanner:   deps.Scanner,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"pagerun",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Pagerun executes batches of browser-automation workflows. Use pagerun.batch_run to submit a batch, pagerun.batch_status to check progress, pagerun.batch_stop / pagerun.stop_all to cancel, pagerun.batch_history to inspect finished batches, pagerun.clear_history to wipe them, and pagerun.scan to discover workflow files."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *PageRunServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *PageRunServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *PageRunServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: batchRunTool(), Handler: s.handleBatchRun},
		{Tool: batchStatusTool(), Handler: s.handleBatchStatus},
		{Tool: batchStopTool(), Handler: s.handleBatchStop},
		{Tool: stopAllTool(), Handler: s.handleStopAll},
		{Tool: batchHistoryTool(), Handler: s.handleBatchHistory},
		{Tool: clearHistoryTool(), Handler: s.handleClearHistory},
		{Tool: scanTool(), Handler: s.handleScan},
	}
}

// --- Tool definitions ---

func batchRunTool() mcp.Tool {
	return mcp.NewTool("pagerun.batch_run",
		mcp.WithDescription("Submit a batch of workflow graphs for execution"),
		mcp.WithObject("spec", mcp.Required(), mcp.Description("Batch spec: name, workflows (each with a graph and optional vars), worker_count, priority, output_path, overrides")),
	)
}

func batchStatusTool() mcp.Tool {
	return mcp.NewTool("pagerun.batch_status",
		mcp.WithDescription("Get a point-in-time snapshot of a batch, or list all tracked batches"),
		mcp.WithString("batch_id", mcp.Description("Batch ID to query (omit to list all tracked batches)")),
	)
}

func batchStopTool() mcp.Tool {
	return mcp.NewTool("pagerun.batch_stop",
		mcp.WithDescription("Stop a batch: queued runs stop immediately, running workflows stop at their next node boundary"),
		mcp.WithString("batch_id", mcp.Required(), mcp.Description("Batch ID to stop")),
	)
}

func stopAllTool() mcp.Tool {
	return mcp.NewTool("pagerun.stop_all",
		mcp.WithDescription("Stop every non-terminal batch"),
	)
}

func batchHistoryTool() mcp.Tool {
	return mcp.NewTool("pagerun.batch_history",
		mcp.WithDescription("List persisted history of finished batches, newest first"),
		mcp.WithString("batch_id", mcp.Description("Return the full record of one batch, including per-workflow outcomes")),
		mcp.WithString("status", mcp.Enum("completed", "error", "stopped"),
			mcp.Description("Filter by terminal status")),
		mcp.WithNumber("limit", mcp.Description("Page size (default 50)")),
		mcp.WithNumber("offset", mcp.Description("Page offset")),
	)
}

func clearHistoryTool() mcp.Tool {
	return mcp.NewTool("pagerun.clear_history",
		mcp.WithDescription("Delete all persisted batch history"),
	)
}

func scanTool() mcp.Tool {
	return mcp.NewTool("pagerun.scan",
		mcp.WithDescription("Discover workflow files in a folder (metadata only, contents are not parsed)"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Folder to scan")),
		mcp.WithBoolean("recursive", mcp.Description("Descend into subdirectories (default false)")),
		mcp.WithString("pattern", mcp.Description("Filename glob (default *.json)")),
	)
}
