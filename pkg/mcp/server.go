package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/toolflow/internal/engine"
	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/internal/trigger"
)

// ToolflowServerDeps wires a ToolflowServer to the rest of the process.
// Logger may be nil.
type ToolflowServerDeps struct {
	Store      store.Store
	Validator  engine.DefinitionValidator
	Dispatcher *trigger.Dispatcher
	Logger     *slog.Logger
}

// ToolflowServer exposes workflow definition, execution and inspection as
// MCP tools.
type ToolflowServer struct {
	store      store.Store
	validator  engine.DefinitionValidator
	dispatcher *trigger.Dispatcher
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

const instructions = `toolflow runs workflows: tool calls wired into a DAG.
toolflow.define registers or replaces a workflow, toolflow.run executes one,
toolflow.status reads an execution record, toolflow.query lists workflows,
executions or events, and toolflow.diagram renders a workflow graph.`

func NewToolflowServer(deps ToolflowServerDeps) *ToolflowServer {
	s := &ToolflowServer{
		store:      deps.Store,
		validator:  deps.Validator,
		dispatcher: deps.Dispatcher,
		logger:     deps.Logger,
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}

	s.mcpServer = server.NewMCPServer("toolflow", "1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	s.mcpServer.AddTools(
		server.ServerTool{Tool: defineTool(), Handler: s.handleDefine},
		server.ServerTool{Tool: runTool(), Handler: s.handleRun},
		server.ServerTool{Tool: statusTool(), Handler: s.handleStatus},
		server.ServerTool{Tool: queryTool(), Handler: s.handleQuery},
		server.ServerTool{Tool: diagramTool(), Handler: s.handleDiagram},
	)
	return s
}

// Serve speaks MCP over stdin/stdout until ctx ends or stdin closes.
func (s *ToolflowServer) Serve(ctx context.Context) error {
	return server.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer exposes the underlying server for other transports and tests.
func (s *ToolflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func defineTool() mcp.Tool {
	return mcp.NewTool("toolflow.define",
		mcp.WithDescription("Register or replace a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition: id, name, nodes [{id, toolId, params}], edges [{from, to}]")),
		mcp.WithBoolean("enabled", mcp.Description("Whether triggers may run the workflow (default: true)")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("toolflow.run",
		mcp.WithDescription("Execute a workflow and wait for its terminal record"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to execute")),
		mcp.WithObject("variables", mcp.Description("Variables exposed to node params")),
		mcp.WithString("requested_by", mcp.Description("Who asked for the run (default: mcp)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("toolflow.status",
		mcp.WithDescription("Get an execution record"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to read")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("toolflow.query",
		mcp.WithDescription("Query workflows, executions, or execution events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "executions", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (owner_id, enabled, workflow_id, status, triggered_by, since, execution_id, limit)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("toolflow.diagram",
		mcp.WithDescription("Render a workflow graph as ASCII, Mermaid, or a base64-encoded PNG image"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow to render")),
		mcp.WithString("execution_id", mcp.Description("Overlay node statuses from this execution")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
	)
}
