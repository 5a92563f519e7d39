package expressions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/toolflow/pkg/schema"
)

func mustValue(t *testing.T, raw string) schema.Value {
	t.Helper()
	v, err := schema.ParseJSON([]byte(raw))
	require.NoError(t, err)
	return v
}

func assertJSON(t *testing.T, expected string, actual any) {
	t.Helper()
	data, err := json.Marshal(actual)
	require.NoError(t, err)
	assert.JSONEq(t, expected, string(data))
}

func TestResolve_SlashAndDottedPaths(t *testing.T) {
	scope := mustValue(t, `{"a":{"b":5,"list":[{"id":"x"},{"id":"y"}]},"weird/key":{"~":1}}`)

	v, ok := Resolve("/a/b", scope)
	require.True(t, ok)
	assert.True(t, v.Equal(schema.Int(5)))

	v, ok = Resolve("a.list.1.id", scope)
	require.True(t, ok)
	assert.True(t, v.Equal(schema.String("y")))

	v, ok = Resolve("/weird~1key/~0", scope)
	require.True(t, ok)
	assert.True(t, v.Equal(schema.Int(1)))

	for _, missing := range []string{"/a/x", "a.b.c", "a.list.9", "a.list.first", "", "/", "a..b"} {
		v, ok := Resolve(missing, scope)
		assert.False(t, ok, missing)
		assert.True(t, v.IsNull(), missing)
	}
}

func TestResolveParams_AbsentValuesOmitted(t *testing.T) {
	scope := mustValue(t, `{"a":{"b":5,"blank":"","none":null,"off":false,"zero":0}}`)
	raw := map[string]schema.Value{
		"found":    schema.String("/a/b"),
		"missing":  schema.String("/a/x"),
		"blank":    schema.String("/a/blank"),
		"none":     schema.String("/a/none"),
		"off":      schema.String("/a/off"),
		"zero":     schema.String("a.zero"),
		"literal":  schema.String("hello"),
		"empty":    schema.String(""),
		"nullable": schema.Null(),
		"flag":     schema.Bool(false),
		"count":    schema.Int(0),
	}

	out := ResolveParams(raw, scope)
	assertJSON(t, `{"found":5,"off":false,"zero":0,"literal":"hello","flag":false,"count":0}`, out)
	_, present := out["missing"]
	assert.False(t, present, "missing path must be omitted, not null")
}

func TestResolveParams_DotNotationKeysExpand(t *testing.T) {
	scope := mustValue(t, `{"form":{"name":"widget"}}`)
	raw := map[string]schema.Value{
		"params.name":    schema.String("/form/name"),
		"params.kind":    schema.String("toy"),
		"headers.x-mode": schema.String("fast"),
	}

	out := ResolveParams(raw, scope)
	assertJSON(t, `{"params":{"name":"widget","kind":"toy"},"headers":{"x-mode":"fast"}}`, out)
	_, flat := out["params.name"]
	assert.False(t, flat)
}

func TestResolveBodyPaths(t *testing.T) {
	scope := mustValue(t, `{"value":"widget","form":{"tags":["a"]}}`)

	out := ResolveBodyPaths(map[string]string{
		"params.name": "/value",
		"params.tags": "form.tags",
		"params.gone": "/form/nothing",
	}, scope)

	assertJSON(t, `{"params":{"name":"widget","tags":["a"]}}`, out)
}

func TestResolveParams_NestedObjectsAndArrays(t *testing.T) {
	scope := mustValue(t, `{"fetchPet":{"status":"completed","output":{"id":"pet-1","name":"Rex"}}}`)
	raw := map[string]schema.Value{
		"card": mustValue(t, `{"title":"fetchPet.output.name","ids":["fetchPet.output.id","fetchPet.output.nope","static"]}`),
		"pet":  schema.String("fetchPet.output"),
	}

	out := ResolveParams(raw, scope)
	assertJSON(t, `{"card":{"title":"Rex","ids":["pet-1",null,"static"]},"pet":{"id":"pet-1","name":"Rex"}}`, out)
}

func TestResolveParams_DottedLiteralsWithUnknownRootPassThrough(t *testing.T) {
	scope := mustValue(t, `{"id":"pet-1"}`)
	raw := map[string]schema.Value{
		"host": schema.String("example.com"),
		"path": schema.String("pets/1"),
		"ref":  schema.String("/id"),
		"text": schema.String("a sentence. with dots"),
	}

	out := ResolveParams(raw, scope)
	assertJSON(t, `{"host":"example.com","path":"pets/1","ref":"pet-1","text":"a sentence. with dots"}`, out)
}

func TestResolveParams_SlashPathWithMissingRootIsAbsent(t *testing.T) {
	scope := mustValue(t, `{"name":"Rex"}`)
	raw := map[string]schema.Value{
		"id":   schema.String("/id"),
		"deep": schema.String("/pets/1"),
		"name": schema.String("/name"),
	}

	out := ResolveParams(raw, scope)
	assertJSON(t, `{"name":"Rex"}`, out)
}

func TestIsReference(t *testing.T) {
	scope := mustValue(t, `{"fetch":{"output":{}}}`)
	cases := []struct {
		in   string
		want bool
	}{
		{"/id", true},
		{"/fetch/output", true},
		{"fetch.output", true},
		{"example.com", false},
		{"/", false},
		{"plain", false},
		{"a sentence. with dots", false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, IsReference(tc.in, scope))
		})
	}
}

func TestPathRoots(t *testing.T) {
	v := mustValue(t, `{"b":"/form/name","a":["fetch.output.id","plain",{"x":"/fetch/status"}],"c":"example.com","n":3}`)
	assert.Equal(t, []string{"fetch", "form", "example"}, PathRoots(v))
	assert.Empty(t, PathRoots(schema.String("no refs here")))
}

func TestResolveParams_DoesNotMutateScope(t *testing.T) {
	scope := mustValue(t, `{"base":{"a":1}}`)
	raw := map[string]schema.Value{
		"obj":   schema.String("/base"),
		"obj.b": schema.Int(2),
	}

	out := ResolveParams(raw, scope)
	assertJSON(t, `{"obj":{"a":1,"b":2}}`, out)

	base, _ := scope.Get("base")
	assertJSON(t, `{"a":1}`, base)
}

func TestContext_TriggerVariablesOverrideDefaults(t *testing.T) {
	c := NewContext([]schema.WorkflowVariable{
		{Name: "id", Type: schema.VariableString, DefaultValue: schema.String("default")},
		{Name: "limit", Type: schema.VariableNumber, DefaultValue: schema.Int(10)},
	}, map[string]schema.Value{"id": schema.String("pet-1")})

	id, _ := c.Get("id")
	assert.True(t, id.Equal(schema.String("pet-1")))
	limit, _ := c.Get("limit")
	assert.True(t, limit.Equal(schema.Int(10)))

	c.SetNodeResult("fetchPet", schema.NodeStatusCompleted, mustValue(t, `{"name":"Rex"}`), nil)
	name, ok := c.Resolve("fetchPet.output.name")
	require.True(t, ok)
	assert.True(t, name.Equal(schema.String("Rex")))

	status, ok := c.Resolve("/fetchPet/status")
	require.True(t, ok)
	assert.True(t, status.Equal(schema.String("completed")))
}
