package mcp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/toolflow/internal/diagram"
	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/pkg/schema"
)

const defaultQueryLimit = 50

type defineArgs struct {
	Definition json.RawMessage `json:"definition"`
	Enabled    *bool           `json:"enabled"`
}

type runArgs struct {
	WorkflowID  string         `json:"workflow_id"`
	Variables   map[string]any `json:"variables"`
	RequestedBy string         `json:"requested_by"`
}

type statusArgs struct {
	ExecutionID string `json:"execution_id"`
}

type diagramArgs struct {
	WorkflowID  string `json:"workflow_id"`
	ExecutionID string `json:"execution_id"`
	Format      string `json:"format"`
}

type queryArgs struct {
	Resource string      `json:"resource"`
	Filter   queryFilter `json:"filter"`
}

// queryFilter is the union of the filters every query resource accepts.
// Since is an RFC 3339 time for executions and a sequence number for events.
type queryFilter struct {
	OwnerID     string          `json:"owner_id"`
	Enabled     *bool           `json:"enabled"`
	WorkflowID  string          `json:"workflow_id"`
	Status      string          `json:"status"`
	TriggeredBy string          `json:"triggered_by"`
	ExecutionID string          `json:"execution_id"`
	Since       json.RawMessage `json:"since"`
	Limit       lenientInt      `json:"limit"`
}

// lenientInt decodes a JSON number or a numeric string. Anything else
// leaves it zero.
type lenientInt int

func (n *lenientInt) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*n = lenientInt(f)
	}
	return nil
}

func (n lenientInt) or(fallback int) int {
	if n <= 0 {
		return fallback
	}
	return int(n)
}

// bind decodes the call arguments into args, reporting a malformed call as
// a tool error result.
func bind(req mcp.CallToolRequest, args any) *mcp.CallToolResult {
	if err := req.BindArguments(args); err != nil {
		return mcp.NewToolResultError("malformed arguments: " + err.Error())
	}
	return nil
}

// handleDefine registers def, replacing the stored definition when its id
// already exists. A missing id is generated.
func (s *ToolflowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args defineArgs
	if res := bind(req, &args); res != nil {
		return res, nil
	}
	if len(args.Definition) == 0 || string(args.Definition) == "null" {
		return mcp.NewToolResultError("definition is required"), nil
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(args.Definition, &def); err != nil {
		return mcp.NewToolResultError("definition does not decode: " + err.Error()), nil
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if s.validator != nil {
		if err := s.validator.ValidateDefinition(&def); err != nil {
			return failure("definition rejected", err), nil
		}
	}

	enabled := args.Enabled == nil || *args.Enabled
	created, err := s.upsertWorkflow(ctx, def, enabled)
	if err != nil {
		return failure("store workflow", err), nil
	}
	return jsonResult(map[string]any{"id": def.ID, "created": created, "enabled": enabled})
}

func (s *ToolflowServer) upsertWorkflow(ctx context.Context, def schema.WorkflowDefinition, enabled bool) (created bool, err error) {
	_, err = s.store.GetWorkflow(ctx, def.ID)
	switch {
	case err == nil:
		return false, s.store.UpdateWorkflow(ctx, def.ID, store.WorkflowUpdate{Definition: &def, Enabled: &enabled})
	case schema.ErrorCode(err) == schema.ErrCodeNotFound:
		return true, s.store.CreateWorkflow(ctx, &store.Workflow{WorkflowDefinition: def, Enabled: enabled})
	default:
		return false, err
	}
}

// handleRun runs a workflow through the manual trigger and returns its
// terminal record. A run that fails is still a successful call.
func (s *ToolflowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args runArgs
	if res := bind(req, &args); res != nil {
		return res, nil
	}
	if args.WorkflowID == "" {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	if args.RequestedBy == "" {
		args.RequestedBy = "mcp"
	}
	vars, err := schema.ObjectFromAny(args.Variables)
	if err != nil {
		return mcp.NewToolResultError("variables: " + err.Error()), nil
	}

	rec, err := s.dispatcher.RunManual(ctx, args.WorkflowID, vars, args.RequestedBy)
	if err != nil {
		return failure("run "+args.WorkflowID, err), nil
	}
	s.logger.DebugContext(ctx, "mcp run finished",
		"workflow_id", rec.WorkflowID, "execution_id", rec.ID, "status", rec.Status)
	return jsonResult(rec)
}

func (s *ToolflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args statusArgs
	if res := bind(req, &args); res != nil {
		return res, nil
	}
	if args.ExecutionID == "" {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	rec, err := s.store.GetExecution(ctx, args.ExecutionID)
	if err != nil {
		return failure("status", err), nil
	}
	return jsonResult(rec)
}

func (s *ToolflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args queryArgs
	if res := bind(req, &args); res != nil {
		return res, nil
	}
	f := args.Filter

	switch args.Resource {
	case "workflows":
		workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{
			OwnerID: f.OwnerID,
			Enabled: f.Enabled,
			Limit:   f.Limit.or(defaultQueryLimit),
		})
		if err != nil {
			return failure("query workflows", err), nil
		}
		return jsonResult(map[string]any{"workflows": workflows})

	case "executions":
		filter := store.ExecutionFilter{
			WorkflowID:  f.WorkflowID,
			TriggeredBy: schema.TriggerType(f.TriggeredBy),
			Limit:       f.Limit.or(defaultQueryLimit),
		}
		if f.Status != "" {
			st := schema.ExecutionStatus(f.Status)
			filter.Status = &st
		}
		var since string
		if len(f.Since) > 0 && json.Unmarshal(f.Since, &since) == nil && since != "" {
			t, err := time.Parse(time.RFC3339, since)
			if err != nil {
				return mcp.NewToolResultError("filter.since must be an RFC 3339 time"), nil
			}
			filter.Since = &t
		}
		execs, err := s.store.ListExecutions(ctx, filter)
		if err != nil {
			return failure("query executions", err), nil
		}
		return jsonResult(map[string]any{"executions": execs})

	case "events":
		if f.ExecutionID == "" {
			return mcp.NewToolResultError("filter.execution_id is required for events"), nil
		}
		var after lenientInt
		if len(f.Since) > 0 {
			_ = after.UnmarshalJSON(f.Since)
		}
		events, err := s.store.ListEvents(ctx, f.ExecutionID, int64(after))
		if err != nil {
			return failure("query events", err), nil
		}
		return jsonResult(map[string]any{"events": events})

	case "":
		return mcp.NewToolResultError("resource is required"), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("resource %q is not one of workflows, executions, events", args.Resource)), nil
	}
}

// handleDiagram renders a workflow, overlaid with one of its executions
// when execution_id is given.
func (s *ToolflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args diagramArgs
	if res := bind(req, &args); res != nil {
		return res, nil
	}
	switch {
	case args.WorkflowID == "":
		return mcp.NewToolResultError("workflow_id is required"), nil
	case args.Format != "ascii" && args.Format != "mermaid" && args.Format != "image":
		return mcp.NewToolResultError("format must be ascii, mermaid or image"), nil
	}

	wf, err := s.store.GetWorkflow(ctx, args.WorkflowID)
	if err != nil {
		return failure("diagram", err), nil
	}
	var overlay *store.ExecutionRecord
	if args.ExecutionID != "" {
		if overlay, err = s.store.GetExecution(ctx, args.ExecutionID); err != nil {
			return failure("diagram overlay", err), nil
		}
		if overlay.WorkflowID != wf.ID {
			return mcp.NewToolResultError(fmt.Sprintf("execution %s belongs to workflow %s, not %s",
				overlay.ID, overlay.WorkflowID, wf.ID)), nil
		}
	}

	model, err := diagram.Build(&wf.WorkflowDefinition, overlay)
	if err != nil {
		return failure("diagram", err), nil
	}
	switch args.Format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	}
	png, err := diagram.RenderImage(model)
	if err != nil {
		return failure("render image", err), nil
	}
	return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
}

// failure reports err as a tool error. FlowError text starts with its code,
// so clients can still branch on it.
func failure(action string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", action, err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError("encode result: " + err.Error()), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
