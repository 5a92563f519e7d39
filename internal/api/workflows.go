package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rendis/toolflow/internal/diagram"
	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/internal/trigger"
	"github.com/rendis/toolflow/pkg/schema"
)

// workflowRequest is the body of create and update calls. On update a body
// without nodes only toggles the enabled flag.
type workflowRequest struct {
	schema.WorkflowDefinition
	Enabled *bool `json:"enabled,omitempty"`
}

// GET /api/workflows
func (s *Server) listWorkflows(c echo.Context) error {
	filter := store.WorkflowFilter{OwnerID: c.QueryParam("ownerId")}
	if v := c.QueryParam("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return badRequest("enabled must be a boolean")
		}
		filter.Enabled = &enabled
	}
	var err error
	if filter.Limit, filter.Offset, err = paging(c); err != nil {
		return err
	}

	workflows, err := s.deps.Store.ListWorkflows(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if workflows == nil {
		workflows = []*store.Workflow{}
	}
	return c.JSON(http.StatusOK, workflows)
}

// POST /api/workflows
func (s *Server) createWorkflow(c echo.Context) error {
	var req workflowRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	def := req.WorkflowDefinition
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if err := s.validate(&def); err != nil {
		return err
	}

	wf := &store.Workflow{WorkflowDefinition: def, Enabled: req.Enabled == nil || *req.Enabled}
	if err := s.deps.Store.CreateWorkflow(c.Request().Context(), wf); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, wf)
}

// GET /api/workflows/:id
func (s *Server) getWorkflow(c echo.Context) error {
	wf, err := s.deps.Store.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// PUT /api/workflows/:id
func (s *Server) updateWorkflow(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var req workflowRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body: %v", err)
	}

	update := store.WorkflowUpdate{Enabled: req.Enabled}
	if len(req.Nodes) > 0 {
		def := req.WorkflowDefinition
		def.ID = id
		if err := s.validate(&def); err != nil {
			return err
		}
		update.Definition = &def
	}
	if update.Definition == nil && update.Enabled == nil {
		return badRequest("nothing to update")
	}

	if err := s.deps.Store.UpdateWorkflow(ctx, id, update); err != nil {
		return err
	}
	wf, err := s.deps.Store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// DELETE /api/workflows/:id
func (s *Server) deleteWorkflow(c echo.Context) error {
	if err := s.deps.Store.DeleteWorkflow(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type executeRequest struct {
	Variables   map[string]schema.Value `json:"variables,omitempty"`
	RequestedBy string                  `json:"requestedBy,omitempty"`
}

// POST /api/workflows/:id/execute
//
// The response is 200 with the terminal record whether or not the workflow
// succeeded.
func (s *Server) executeWorkflow(c echo.Context) error {
	var req executeRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest("invalid request body: %v", err)
		}
	}
	if req.RequestedBy == "" {
		req.RequestedBy = "api"
	}
	rec, err := s.deps.Dispatcher.RunManual(c.Request().Context(), c.Param("id"), req.Variables, req.RequestedBy)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// GET /api/workflows/:id/diagram?execution=<id>&format=mermaid|svg
func (s *Server) workflowDiagram(c echo.Context) error {
	ctx := c.Request().Context()
	wf, err := s.deps.Store.GetWorkflow(ctx, c.Param("id"))
	if err != nil {
		return err
	}

	var rec *store.ExecutionRecord
	if execID := c.QueryParam("execution"); execID != "" {
		if rec, err = s.deps.Store.GetExecution(ctx, execID); err != nil {
			return err
		}
		if rec.WorkflowID != wf.ID {
			return badRequest("execution %s does not belong to workflow %s", execID, wf.ID)
		}
	}

	model, err := diagram.Build(&wf.WorkflowDefinition, rec)
	if err != nil {
		return schema.AsFlowError(err, schema.ErrCodeValidation)
	}
	switch c.QueryParam("format") {
	case "", "mermaid":
		return c.String(http.StatusOK, diagram.RenderMermaid(model))
	case "svg":
		svg, err := diagram.RenderSVG(model)
		if err != nil {
			return err
		}
		return c.Blob(http.StatusOK, "image/svg+xml", svg)
	default:
		return badRequest("unsupported diagram format %q", c.QueryParam("format"))
	}
}

// GET /api/workflows/:id/schedule
func (s *Server) getSchedule(c echo.Context) error {
	sched, err := s.deps.Schedules.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sched)
}

type scheduleRequest struct {
	Type           trigger.Kind `json:"type"`
	CronExpression string       `json:"cronExpression,omitempty"`
	Timezone       string       `json:"timezone,omitempty"`
	Secret         string       `json:"secret,omitempty"`
	RotateToken    bool         `json:"rotateToken,omitempty"`
	Enabled        *bool        `json:"isEnabled,omitempty"`
}

// POST /api/workflows/:id/schedule
func (s *Server) setSchedule(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var req scheduleRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	switch req.Type {
	case trigger.KindCron:
		job, err := s.deps.Schedules.SetCron(ctx, id, trigger.CronRequest{
			Expression: req.CronExpression,
			Timezone:   req.Timezone,
			Enabled:    req.Enabled,
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, job)
	case trigger.KindWebhook:
		wh, err := s.deps.Schedules.SetWebhook(ctx, id, trigger.WebhookRequest{
			Secret:      req.Secret,
			Enabled:     req.Enabled,
			RotateToken: req.RotateToken,
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, wh)
	default:
		return badRequest("type must be %q or %q", trigger.KindCron, trigger.KindWebhook)
	}
}

// DELETE /api/workflows/:id/schedule?type=cron|webhook
func (s *Server) deleteSchedule(c echo.Context) error {
	kind := trigger.Kind(c.QueryParam("type"))
	if err := s.deps.Schedules.Remove(c.Request().Context(), c.Param("id"), kind); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) validate(def *schema.WorkflowDefinition) error {
	if s.deps.Validator == nil {
		return nil
	}
	return s.deps.Validator.ValidateDefinition(def)
}

func paging(c echo.Context) (limit, offset int, err error) {
	if v := c.QueryParam("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, badRequest("limit must be a non-negative integer")
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, badRequest("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
