package validation

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/toolflow/pkg/schema"
)

//go:embed schemas/workflow.schema.json
var workflowSchemaDoc []byte

const workflowSchemaURL = "https://toolflow.dev/schemas/workflow.json"

// Violation is one failed schema keyword, located by the JSON pointer
// segments of the offending instance value.
type Violation struct {
	Location []string
	Message  string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", schema.IssuePath(v.Location...), v.Message)
}

// JSONSchemaValidator checks definitions against the embedded workflow
// schema and tool params against the input schemas tools declare. Compiled
// input schemas are cached by content digest.
type JSONSchemaValidator struct {
	workflow *jsonschema.Schema
	inputs   sync.Map // digest -> *jsonschema.Schema
}

func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	compiled, err := compileSchema(workflowSchemaURL, workflowSchemaDoc)
	if err != nil {
		return nil, fmt.Errorf("workflow schema: %w", err)
	}
	return &JSONSchemaValidator{workflow: compiled}, nil
}

func compileSchema(url string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// DefinitionViolations lists every way def breaks the workflow schema.
func (v *JSONSchemaValidator) DefinitionViolations(def *schema.WorkflowDefinition) ([]Violation, error) {
	inst, err := instance(def)
	if err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}
	return violationsOf(v.workflow.Validate(inst))
}

// ValidateDefinition is DefinitionViolations folded into a FlowError.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	vs, err := v.DefinitionViolations(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	return violationError(vs)
}

// ValidateInput checks params against a tool's JSON Schema document. An
// empty document accepts anything.
func (v *JSONSchemaValidator) ValidateInput(params map[string]schema.Value, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	compiled, err := v.inputSchema(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "tool input schema does not compile").WithCause(err)
	}
	if params == nil {
		params = map[string]schema.Value{}
	}
	inst, err := instance(params)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "params are not JSON encodable").WithCause(err)
	}
	vs, err := violationsOf(compiled.Validate(inst))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	return violationError(vs)
}

func (v *JSONSchemaValidator) inputSchema(raw []byte) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])
	if cached, ok := v.inputs.Load(digest); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := compileSchema("toolflow://schemas/input/"+digest, raw)
	if err != nil {
		return nil, err
	}
	actual, _ := v.inputs.LoadOrStore(digest, compiled)
	return actual.(*jsonschema.Schema), nil
}

// instance converts v into the generic JSON form the validator walks, with
// numbers as json.Number.
func instance(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

// violationsOf flattens a Validate result into its leaf failures. Errors
// other than validation failures are returned as is.
func violationsOf(err error) ([]Violation, error) {
	if err == nil {
		return nil, nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return nil, err
	}
	var out []Violation
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, Violation{Location: e.InstanceLocation, Message: e.Error()})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return out, nil
}

func violationError(vs []Violation) error {
	if len(vs) == 0 {
		return nil
	}
	msgs := make([]string, len(vs))
	for i, v := range vs {
		msgs[i] = v.String()
	}
	fe := schema.NewError(schema.ErrCodeValidation, msgs[0])
	if len(vs) > 1 {
		fe = schema.NewErrorf(schema.ErrCodeValidation, "%d schema violations, first: %s", len(vs), msgs[0])
	}
	return fe.WithDetails(map[string]any{"violations": msgs})
}
