package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_JSONRoundTrip(t *testing.T) {
	raw := `{"a":{"b":5},"list":[1,"two",true,null],"name":"widget","off":false}`

	v, err := ParseJSON([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, KindObject, v.Kind())

	a, ok := v.Get("a")
	require.True(t, ok)
	b, ok := a.Get("b")
	require.True(t, ok)
	n, isNum := b.Num()
	assert.True(t, isNum)
	assert.Equal(t, 5.0, n)

	list, _ := v.Get("list")
	require.Len(t, list.Items(), 4)
	assert.True(t, list.Items()[3].IsNull())

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestValue_IsAbsent(t *testing.T) {
	assert.True(t, Null().IsAbsent())
	assert.True(t, String("").IsAbsent())
	assert.False(t, String(" ").IsAbsent())
	assert.False(t, Bool(false).IsAbsent())
	assert.False(t, Int(0).IsAbsent())
	assert.False(t, Object(nil).IsAbsent())
}

func TestValue_FromAnyStructsAndTypedMaps(t *testing.T) {
	type pet struct {
		ID   string `json:"id"`
		Tags []int  `json:"tags"`
	}

	v, err := FromAny(map[string]any{
		"pet":    pet{ID: "pet-1", Tags: []int{1, 2}},
		"labels": map[string]string{"k": "v"},
		"count":  int64(3),
	})
	require.NoError(t, err)

	assert.True(t, v.Equal(MustFromAny(map[string]any{
		"pet":    map[string]any{"id": "pet-1", "tags": []any{1.0, 2.0}},
		"labels": map[string]any{"k": "v"},
		"count":  3.0,
	})))

	_, err = FromAny(make(chan int))
	assert.Error(t, err)
}

func TestValue_CloneIsDeep(t *testing.T) {
	orig := Object(map[string]Value{"inner": Object(map[string]Value{"x": Int(1)})})
	cp := orig.Clone()

	cp.Fields()["inner"].Fields()["x"] = Int(2)

	x, _ := orig.Fields()["inner"].Get("x")
	assert.True(t, x.Equal(Int(1)))
}

func TestValue_AsString(t *testing.T) {
	assert.Equal(t, "1.5", Number(1.5).AsString())
	assert.Equal(t, "42", Int(42).AsString())
	assert.Equal(t, "true", Bool(true).AsString())
	assert.Equal(t, "", Null().AsString())
	assert.Equal(t, `{"a":"b"}`, Object(map[string]Value{"a": String("b")}).AsString())
}

func TestTriggerVariables(t *testing.T) {
	var trig Trigger = WebhookTrigger{WebhookID: "wh-1", Payload: String("hi")}
	assert.Equal(t, TriggerWebhook, trig.Type())
	payload := trig.Variables()["webhookPayload"]
	assert.True(t, payload.Equal(String("hi")))

	md := TriggerMetadata(ManualTrigger{Vars: map[string]Value{"id": String("pet-1")}, RequestedBy: "cli"})
	assert.True(t, md["trigger"].Equal(String("manual")))
	assert.True(t, md["requestedBy"].Equal(String("cli")))
}
