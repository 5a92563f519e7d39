package api

import (
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/toolflow/internal/trigger"
	"github.com/rendis/toolflow/pkg/schema"
)

// GET|POST /api/cron
//
// Runs one scan of due jobs. When a cron secret is configured the request
// must carry exactly "Authorization: Bearer <secret>".
func (s *Server) runCron(c echo.Context) error {
	if s.deps.CronSecret != "" {
		got := c.Request().Header.Get(echo.HeaderAuthorization)
		want := "Bearer " + s.deps.CronSecret
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			return schema.NewError(schema.ErrCodeUnauthorized, "invalid cron secret")
		}
	}
	res, err := s.deps.Scanner.Scan(c.Request().Context(), s.now())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// POST /api/webhooks/:token
//
// Accepted webhooks answer 200 even when the workflow fails; the outcome is
// in the body.
func (s *Server) receiveWebhook(c echo.Context) error {
	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "webhook body too large")
	}
	resp, err := s.deps.Webhooks.Receive(c.Request().Context(), c.Param("token"), body,
		c.Request().Header.Get(trigger.SignatureHeader))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}
