package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/toolflow/pkg/schema"
)

// HTTPConfig configures the HTTP tools.
type HTTPConfig struct {
	Client          *http.Client
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	// Retry applies to network errors, 429 and 5xx responses.
	Retry RetryPolicy
}

// APIConfig describes a named upstream API exposed as tool "api.<name>".
type APIConfig struct {
	Name    string            `mapstructure:"name" json:"name"`
	BaseURL string            `mapstructure:"base_url" json:"base_url"`
	Headers map[string]string `mapstructure:"headers" json:"headers,omitempty"`
	Timeout time.Duration     `mapstructure:"timeout" json:"timeout,omitempty"`
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024
	defaultHTTPTimeout     = 30 * time.Second
)

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string"},
    "url": {"type": "string"},
    "pathParams": {"type": "object"},
    "query": {"type": "object"},
    "headers": {"type": "object"},
    "body": {},
    "timeout": {"type": "string"},
    "retries": {"type": "integer", "minimum": 0},
    "failOnErrorStatus": {"type": "boolean"}
  },
  "required": ["url"]
}`

const apiCallInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string"},
    "path": {"type": "string"},
    "pathParams": {"type": "object"},
    "query": {"type": "object"},
    "headers": {"type": "object"},
    "body": {},
    "timeout": {"type": "string"},
    "retries": {"type": "integer", "minimum": 0},
    "failOnErrorStatus": {"type": "boolean"}
  }
}`

const httpOutputSchema = `{
  "type": "object",
  "properties": {
    "status": {"type": "integer"},
    "headers": {"type": "object"},
    "body": {},
    "durationMs": {"type": "integer"}
  }
}`

type httpClient struct {
	config HTTPConfig
}

func newHTTPClient(cfg HTTPConfig) *httpClient {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &httpClient{config: cfg}
}

type httpCall struct {
	method      string
	url         string
	headers     map[string]string
	body        *schema.Value
	timeout     time.Duration
	retries     int
	failOnError bool
}

// do sends the request, retrying transient failures, and shapes the
// response as {status, headers, body, durationMs}.
func (c *httpClient) do(ctx context.Context, tool string, call httpCall) (schema.Value, error) {
	policy := c.config.Retry
	if call.retries >= 0 {
		policy.MaxRetries = uint64(call.retries)
	}

	var result schema.Value
	err := Do(ctx, policy, func(ctx context.Context) error {
		var err error
		result, err = c.once(ctx, tool, call)
		return err
	})
	if err != nil {
		return schema.Value{}, schema.AsFlowError(unwrapRetryable(err), schema.ErrCodeToolFailed)
	}
	return result, nil
}

func (c *httpClient) once(ctx context.Context, tool string, call httpCall) (schema.Value, error) {
	var body io.Reader
	contentType := ""
	if call.body != nil && !call.body.IsNull() {
		if s, ok := call.body.Str(); ok {
			body = strings.NewReader(s)
			contentType = "text/plain; charset=utf-8"
		} else {
			data, err := json.Marshal(call.body)
			if err != nil {
				return schema.Value{}, schema.NewErrorf(schema.ErrCodeValidation, "%s: encode body: %s", tool, err.Error())
			}
			body = bytes.NewReader(data)
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, call.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, call.method, call.url, body)
	if err != nil {
		return schema.Value{}, schema.NewErrorf(schema.ErrCodeValidation, "%s: build request: %s", tool, err.Error()).WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range call.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.config.Client.Do(req)
	if err != nil {
		return schema.Value{}, MarkRetryable(schema.NewErrorf(schema.ErrCodeToolFailed,
			"%s: %s %s failed: %s", tool, call.method, call.url, err.Error()).WithCause(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseBody))
	if err != nil {
		return schema.Value{}, MarkRetryable(schema.NewErrorf(schema.ErrCodeToolFailed,
			"%s: read response: %s", tool, err.Error()).WithCause(err))
	}

	headers := make(map[string]schema.Value, len(resp.Header))
	for k := range resp.Header {
		headers[k] = schema.String(resp.Header.Get(k))
	}

	out := schema.Object(map[string]schema.Value{
		"status":     schema.Int(int64(resp.StatusCode)),
		"headers":    schema.Object(headers),
		"body":       decodeBody(raw, resp.Header.Get("Content-Type")),
		"durationMs": schema.Int(time.Since(start).Milliseconds()),
	})

	if call.failOnError && resp.StatusCode >= 400 {
		fe := schema.NewErrorf(schema.ErrCodeToolFailed, "%s: %s %s returned %d", tool, call.method, call.url, resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode, "body": string(truncate(raw, 2048))})
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return schema.Value{}, MarkRetryable(fe)
		}
		return schema.Value{}, fe
	}
	return out, nil
}

func decodeBody(raw []byte, contentType string) schema.Value {
	if len(raw) == 0 {
		return schema.Null()
	}
	if strings.Contains(contentType, "json") || json.Valid(raw) {
		if v, err := schema.ParseJSON(raw); err == nil {
			return v
		}
	}
	return schema.String(string(raw))
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// expandPath substitutes {name} placeholders with path-escaped values.
func expandPath(tmpl string, params map[string]string) string {
	for k, v := range params {
		tmpl = strings.ReplaceAll(tmpl, "{"+k+"}", url.PathEscape(v))
	}
	return tmpl
}

func withQuery(rawURL string, query map[string]string) (string, error) {
	if len(query) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func bodyParam(params map[string]schema.Value) *schema.Value {
	if b, ok := params["body"]; ok {
		return &b
	}
	return nil
}

// --- http.request ---

// HTTPRequestTool implements "http.request".
type HTTPRequestTool struct {
	client *httpClient
}

func NewHTTPRequestTool(cfg HTTPConfig) *HTTPRequestTool {
	return &HTTPRequestTool{client: newHTTPClient(cfg)}
}

func (t *HTTPRequestTool) Name() string { return "http.request" }

func (t *HTTPRequestTool) Schema() ToolSchema {
	return ToolSchema{
		Description:  "Send an HTTP request; JSON responses are decoded into the result body.",
		InputSchema:  json.RawMessage(httpRequestInputSchema),
		OutputSchema: json.RawMessage(httpOutputSchema),
	}
}

func (t *HTTPRequestTool) Validate(params map[string]schema.Value) error {
	if err := requireString(t.Name(), params, "url"); err != nil {
		return err
	}
	raw := expandPath(stringParam(params, "url", ""), stringMapParam(params, "pathParams"))
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", raw)
	}
	return nil
}

func (t *HTTPRequestTool) Execute(ctx context.Context, params map[string]schema.Value) (schema.Value, error) {
	target := expandPath(stringParam(params, "url", ""), stringMapParam(params, "pathParams"))
	target, err := withQuery(target, stringMapParam(params, "query"))
	if err != nil {
		return schema.Value{}, schema.NewErrorf(schema.ErrCodeValidation, "http.request: %s", err.Error())
	}
	return t.client.do(ctx, t.Name(), httpCall{
		method:      strings.ToUpper(stringParam(params, "method", http.MethodGet)),
		url:         target,
		headers:     stringMapParam(params, "headers"),
		body:        bodyParam(params),
		timeout:     durationParam(params, "timeout", t.client.config.DefaultTimeout),
		retries:     intParam(params, "retries", -1),
		failOnError: boolParam(params, "failOnErrorStatus", true),
	})
}

// --- api.<name> ---

// APITool calls a configured upstream API by relative path.
type APITool struct {
	api    APIConfig
	client *httpClient
}

func NewAPITool(api APIConfig, cfg HTTPConfig) *APITool {
	if api.Timeout > 0 {
		cfg.DefaultTimeout = api.Timeout
	}
	return &APITool{api: api, client: newHTTPClient(cfg)}
}

func (t *APITool) Name() string { return "api." + t.api.Name }

func (t *APITool) Schema() ToolSchema {
	return ToolSchema{
		Description:  fmt.Sprintf("Call the %s API at %s.", t.api.Name, t.api.BaseURL),
		InputSchema:  json.RawMessage(apiCallInputSchema),
		OutputSchema: json.RawMessage(httpOutputSchema),
	}
}

func (t *APITool) Validate(params map[string]schema.Value) error {
	u, err := url.ParseRequestURI(t.api.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid base url %q", t.Name(), t.api.BaseURL)
	}
	return nil
}

func (t *APITool) Execute(ctx context.Context, params map[string]schema.Value) (schema.Value, error) {
	path := expandPath(stringParam(params, "path", ""), stringMapParam(params, "pathParams"))
	target := strings.TrimRight(t.api.BaseURL, "/")
	if path != "" {
		target += "/" + strings.TrimLeft(path, "/")
	}
	target, err := withQuery(target, stringMapParam(params, "query"))
	if err != nil {
		return schema.Value{}, schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", t.Name(), err.Error())
	}

	headers := make(map[string]string, len(t.api.Headers))
	for k, v := range t.api.Headers {
		headers[k] = v
	}
	for k, v := range stringMapParam(params, "headers") {
		headers[k] = v
	}

	return t.client.do(ctx, t.Name(), httpCall{
		method:      strings.ToUpper(stringParam(params, "method", http.MethodGet)),
		url:         target,
		headers:     headers,
		body:        bodyParam(params),
		timeout:     durationParam(params, "timeout", t.client.config.DefaultTimeout),
		retries:     intParam(params, "retries", -1),
		failOnError: boolParam(params, "failOnErrorStatus", true),
	})
}
