package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/rlm/internal/engine"
	"github.com/rendis/rlm/internal/state"
	"github.com/rendis/rlm/internal/store"
	"github.com/rendis/rlm/internal/validation"
)

// Processor runs a task through the recursion loop. Satisfied by *engine.Controller.
type Processor interface {
	Process(ctx context.Context, task string, c state.Context, depth int) (*engine.ProcessResult, error)
}

// RLMServerDeps holds the dependencies for creating an RLMServer.
// Store and Validator are optional; without a Store the run query tools
// report that persistence is disabled.
type RLMServerDeps struct {
	Processor Processor
	Store     store.Store
	Validator validation.Validator
	Logger    *slog.Logger
	Version   string
}

// RLMServer wraps an MCP server with rlm tool handlers.
type RLMServer struct {
	processor Processor
	store     store.Store
	eventLog  *store.EventLog
	validator validation.Validator
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewRLMServer creates a new RLMServer with all tools registered.
func NewRLMServer(deps RLMServerDeps) *RLMServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &RLMServer{
		processor: deps.Processor,
		store:     deps.Store,
		validator: deps.Validator,
		logger:    logger,
	}
	if deps.Store != nil {
		s.eventLog = store.NewEventLog(deps.Store)
	}

	mcpSrv := server.NewMCPServer(
		"rlm",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("rlm answers tasks over large inputs by letting a model write snippets that manipulate a shared context and recurse on sub-tasks. Use rlm.process to run a task against an initial context, rlm.runs to list past runs and rlm.run to inspect one run and its snippet trail."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *RLMServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *RLMServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *RLMServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: processTool(), Handler: s.handleProcess},
		{Tool: runsTool(), Handler: s.handleRuns},
		{Tool: runTool(), Handler: s.handleRun},
	}
}

// --- Tool definitions ---

func processTool() mcp.Tool {
	return mcp.NewTool("rlm.process",
		mcp.WithDescription("Process a task with the recursive language model"),
		mcp.WithString("task", mcp.Required(), mcp.Description("Task text sent to the model")),
		mcp.WithObject("context", mcp.Description("Initial execution context shared by every snippet")),
		mcp.WithObject("context_schema", mcp.Description("Optional JSON Schema the initial context must satisfy")),
		mcp.WithNumber("depth", mcp.Description("Starting recursion depth (default: 0)")),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("rlm.runs",
		mcp.WithDescription("List persisted runs"),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, since, limit, offset)")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("rlm.run",
		mcp.WithDescription("Get a persisted run with its snippet trail"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithString("include_events", mcp.Description("Include the raw event trail (default: false)")),
	)
}
