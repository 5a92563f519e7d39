package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/rendis/toolflow/pkg/schema"
)

const templateInputSchema = `{
  "type": "object",
  "properties": {
    "template": {"type": "string"},
    "data": {}
  },
  "required": ["template"]
}`

// templateTool renders a Go text/template with the sprig function set. The
// output is {"text": rendered}.
type templateTool struct {
	mu    sync.Mutex
	cache map[string]*template.Template
}

func NewTemplateTool() Tool {
	return &templateTool{cache: make(map[string]*template.Template)}
}

func (t *templateTool) Name() string { return "text.template" }

func (t *templateTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Render a Go template (with sprig functions) against 'data'.",
		InputSchema: json.RawMessage(templateInputSchema),
	}
}

func (t *templateTool) Validate(params map[string]schema.Value) error {
	if _, ok := params["template"].Str(); !ok {
		return schema.NewError(schema.ErrCodeValidation, "text.template requires 'template' string")
	}
	_, err := t.compile(stringParam(params, "template", ""))
	return err
}

func (t *templateTool) Execute(_ context.Context, params map[string]schema.Value) (schema.Value, error) {
	tmpl, err := t.compile(stringParam(params, "template", ""))
	if err != nil {
		return schema.Value{}, err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params["data"].Interface()); err != nil {
		return schema.Value{}, schema.NewErrorf(schema.ErrCodeToolFailed, "text.template: %s", err.Error()).WithCause(err)
	}
	return schema.Object(map[string]schema.Value{
		"text": schema.String(buf.String()),
	}), nil
}

func (t *templateTool) compile(src string) (*template.Template, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tmpl, ok := t.cache[src]; ok {
		return tmpl, nil
	}
	tmpl, err := template.New("node").Option("missingkey=zero").Funcs(sprig.TxtFuncMap()).Parse(src)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "text.template: parse: %s", err.Error()).WithCause(err)
	}
	t.cache[src] = tmpl
	return tmpl, nil
}
