package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/internal/streaming"
	"github.com/rendis/toolflow/pkg/schema"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

const signaturePrefix = "sha256="

// WebhookResponse is returned for every accepted webhook, whether or not the
// workflow itself succeeded.
type WebhookResponse struct {
	Success     bool                    `json:"success"`
	ExecutionID string                  `json:"executionId,omitempty"`
	Status      schema.ExecutionStatus  `json:"status,omitempty"`
	Result      map[string]schema.Value `json:"result,omitempty"`
	Error       string                  `json:"error,omitempty"`
}

// WebhookConfig holds receiver options.
type WebhookConfig struct {
	// RequireSignature rejects requests without a signature header.
	RequireSignature bool
}

// WebhookReceiver authenticates inbound webhook calls and runs the bound
// workflow with the parsed body as trigger payload.
type WebhookReceiver struct {
	store  store.Store
	runner WorkflowRunner
	hub    streaming.EventHub
	cfg    WebhookConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewWebhookReceiver creates a receiver. A nil hub disables stream events.
func NewWebhookReceiver(st store.Store, runner WorkflowRunner, hub streaming.EventHub, cfg WebhookConfig, logger *slog.Logger) *WebhookReceiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookReceiver{
		store:  st,
		runner: runner,
		hub:    hub,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Receive handles one inbound call. Rejections (unknown token, disabled
// webhook or workflow, bad signature) come back as FlowErrors carrying
// NOT_FOUND, DISABLED or UNAUTHORIZED. Once accepted, run failures are
// reported in the response, never as an error.
func (w *WebhookReceiver) Receive(ctx context.Context, token string, body []byte, signature string) (*WebhookResponse, error) {
	wh, err := w.store.GetWebhookByToken(ctx, token)
	if err != nil {
		if schema.ErrorCode(err) == schema.ErrCodeNotFound {
			return nil, schema.NewError(schema.ErrCodeNotFound, "webhook not found")
		}
		return nil, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	if !wh.Enabled {
		return nil, schema.NewError(schema.ErrCodeDisabled, "webhook is disabled")
	}

	signature = strings.TrimSpace(signature)
	switch {
	case signature != "":
		if !VerifySignature(wh.Secret, body, signature) {
			w.logger.WarnContext(ctx, "webhook signature mismatch", slog.String("webhook_id", wh.ID))
			return nil, schema.NewError(schema.ErrCodeUnauthorized, "invalid webhook signature")
		}
	case w.cfg.RequireSignature:
		return nil, schema.NewError(schema.ErrCodeUnauthorized, "missing webhook signature")
	}

	wf, err := w.store.GetWorkflow(ctx, wh.WorkflowID)
	if err != nil {
		if schema.ErrorCode(err) == schema.ErrCodeNotFound {
			return nil, schema.NewError(schema.ErrCodeNotFound, "workflow not found")
		}
		return nil, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	if !wf.Enabled {
		return nil, schema.NewError(schema.ErrCodeDisabled, "workflow is disabled")
	}

	if err := w.store.MarkWebhookTriggered(ctx, wh.ID, w.now()); err != nil {
		w.logger.WarnContext(ctx, "failed to mark webhook triggered",
			slog.String("webhook_id", wh.ID),
			slog.String("error", err.Error()))
	}

	payload := ParseBody(body)
	if w.hub != nil {
		_ = w.hub.Publish(ctx, streaming.StreamEvent{
			WorkflowID: wf.ID,
			EventType:  schema.EventWebhookAccepted,
			Payload:    map[string]any{"webhookId": wh.ID},
		})
	}

	rec, err := w.runner.Run(ctx, &wf.WorkflowDefinition, schema.WebhookTrigger{WebhookID: wh.ID, Payload: payload})
	if err != nil {
		w.logger.ErrorContext(ctx, "webhook run could not start",
			slog.String("webhook_id", wh.ID),
			slog.String("error", err.Error()))
		return &WebhookResponse{Success: false, Error: errorMessage(err)}, nil
	}
	return responseFor(rec), nil
}

func responseFor(rec *store.ExecutionRecord) *WebhookResponse {
	resp := &WebhookResponse{
		Success:     rec.Status == schema.ExecutionStatusCompleted,
		ExecutionID: rec.ID,
		Status:      rec.Status,
	}
	if rec.Error != nil {
		resp.Error = rec.Error.Message
	}
	if len(rec.NodeResults) > 0 {
		resp.Result = make(map[string]schema.Value, len(rec.NodeResults))
		for id, nr := range rec.NodeResults {
			if nr.Status == schema.NodeStatusCompleted && nr.Output != nil {
				resp.Result[id] = *nr.Output
			}
		}
	}
	return resp
}

func errorMessage(err error) string {
	return schema.AsFlowError(err, schema.ErrCodeNodeFailed).Message
}

// ParseBody decodes body as JSON, wrapping anything that is not JSON as
// {"raw": <text>}. An empty body is not JSON either and becomes {"raw": ""}.
func ParseBody(body []byte) schema.Value {
	if v, err := schema.ParseJSON(body); err == nil {
		return v
	}
	return schema.Object(map[string]schema.Value{"raw": schema.String(string(body))})
}

// SignPayload returns the hex HMAC-SHA256 of body under secret.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares signature against the expected HMAC in constant
// time. A "sha256=" prefix is accepted.
func VerifySignature(secret string, body []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), signaturePrefix)
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
