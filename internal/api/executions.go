package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/internal/streaming"
	"github.com/rendis/toolflow/pkg/schema"
)

// GET /api/executions
func (s *Server) listExecutions(c echo.Context) error {
	filter := store.ExecutionFilter{
		WorkflowID:  c.QueryParam("workflowId"),
		TriggeredBy: schema.TriggerType(c.QueryParam("triggeredBy")),
	}
	if v := c.QueryParam("status"); v != "" {
		status := schema.ExecutionStatus(v)
		filter.Status = &status
	}
	if v := c.QueryParam("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return badRequest("since must be an RFC 3339 timestamp")
		}
		filter.Since = &since
	}
	var err error
	if filter.Limit, filter.Offset, err = paging(c); err != nil {
		return err
	}

	execs, err := s.deps.Store.ListExecutions(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if execs == nil {
		execs = []*store.ExecutionRecord{}
	}
	return c.JSON(http.StatusOK, execs)
}

// GET /api/executions/:id
func (s *Server) getExecution(c echo.Context) error {
	rec, err := s.deps.Store.GetExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// GET /api/executions/:id/events
//
// Replays the stored event log after the Last-Event-ID (or ?since=)
// sequence, then follows live events until the run reaches a terminal
// state or the client goes away.
func (s *Server) streamExecutionEvents(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	rec, err := s.deps.Store.GetExecution(ctx, id)
	if err != nil {
		return err
	}

	since := int64(0)
	if v := c.Request().Header.Get("Last-Event-ID"); v != "" {
		since, _ = strconv.ParseInt(v, 10, 64)
	} else if v := c.QueryParam("since"); v != "" {
		since, _ = strconv.ParseInt(v, 10, 64)
	}

	// Subscribe before replaying so nothing falls between the two.
	var live <-chan streaming.StreamEvent
	if s.deps.Hub != nil && !rec.Status.Terminal() {
		ch, cancel, err := s.deps.Hub.Subscribe(ctx, streaming.EventFilter{ExecutionID: id})
		if err != nil {
			return err
		}
		defer cancel()
		live = ch
	}

	events, err := s.deps.Store.ListEvents(ctx, id, since)
	if err != nil {
		return err
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	replayed := make(map[string]int, len(events))
	terminal := false
	for _, evt := range events {
		if err := writeSSE(w, strconv.FormatInt(evt.Sequence, 10), evt.Type, evt); err != nil {
			return nil
		}
		replayed[eventKey(evt.Type, evt.NodeID)]++
		terminal = terminal || isTerminalEvent(evt.Type)
	}
	w.Flush()
	if live == nil || terminal {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-live:
			if !ok {
				return nil
			}
			// Events published while the log was being replayed arrive twice.
			key := eventKey(evt.EventType, evt.NodeID)
			if replayed[key] > 0 {
				replayed[key]--
				continue
			}
			if err := writeSSE(w, "", evt.EventType, evt); err != nil {
				return nil
			}
			w.Flush()
			if isTerminalEvent(evt.EventType) {
				return nil
			}
		}
	}
}

func writeSSE(w *echo.Response, id, eventType string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	return err
}

func eventKey(eventType, nodeID string) string {
	return eventType + "/" + nodeID
}

func isTerminalEvent(eventType string) bool {
	return eventType == schema.EventExecutionCompleted || eventType == schema.EventExecutionFailed
}
