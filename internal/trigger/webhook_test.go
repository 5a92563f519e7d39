package trigger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/pkg/schema"
)

const testSecret = "s3cr3t"

func newWebhookFixture(t *testing.T, cfg WebhookConfig) (*WebhookReceiver, *mockRunner, store.Store, *store.Webhook) {
	t.Helper()
	st := newMemStore(t)
	addWorkflow(t, st, "wf-hook", true)
	wh, err := NewSchedules(st).SetWebhook(context.Background(), "wf-hook", WebhookRequest{Secret: testSecret})
	require.NoError(t, err)
	runner := &mockRunner{}
	return NewWebhookReceiver(st, runner, nil, cfg, quietLogger()), runner, st, wh
}

func flipLast(s string) string {
	b := []byte(s)
	if b[len(b)-1] == '0' {
		b[len(b)-1] = '1'
	} else {
		b[len(b)-1] = '0'
	}
	return string(b)
}

func TestWebhook_ValidSignatureAccepted(t *testing.T) {
	recv, runner, st, wh := newWebhookFixture(t, WebhookConfig{})
	body := []byte(`{"order":{"id":42}}`)

	resp, err := recv.Receive(context.Background(), wh.Token, body, SignPayload(testSecret, body))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, schema.ExecutionStatusCompleted, resp.Status)
	assert.NotEmpty(t, resp.ExecutionID)

	calls := runner.runs()
	require.Len(t, calls, 1)
	trig, ok := calls[0].Trigger.(schema.WebhookTrigger)
	require.True(t, ok)
	assert.Equal(t, wh.ID, trig.WebhookID)
	id, _ := trig.Payload.Get("order")
	n, _ := id.Get("id")
	num, _ := n.Num()
	assert.Equal(t, float64(42), num)

	stored, err := st.GetWebhookByToken(context.Background(), wh.Token)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastTriggered)
}

func TestWebhook_SignaturePrefixAccepted(t *testing.T) {
	recv, _, _, wh := newWebhookFixture(t, WebhookConfig{})
	body := []byte(`{}`)

	_, err := recv.Receive(context.Background(), wh.Token, body, "sha256="+SignPayload(testSecret, body))
	require.NoError(t, err)
}

func TestWebhook_MutationRejected(t *testing.T) {
	body := []byte(`{"amount":100}`)
	sig := SignPayload(testSecret, body)

	tests := []struct {
		name string
		body []byte
		sig  string
	}{
		{"body byte changed", []byte(`{"amount":900}`), sig},
		{"body byte appended", append(append([]byte(nil), body...), ' '), sig},
		{"signature byte changed", body, flipLast(sig)},
		{"signature truncated", body, sig[:len(sig)-2]},
		{"signature not hex", body, "zz" + sig[2:]},
		{"wrong secret", body, SignPayload("other", body)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recv, runner, _, wh := newWebhookFixture(t, WebhookConfig{})
			resp, err := recv.Receive(context.Background(), wh.Token, tt.body, tt.sig)
			assert.Nil(t, resp)
			assert.Equal(t, schema.ErrCodeUnauthorized, schema.ErrorCode(err))
			assert.Empty(t, runner.runs())
		})
	}
}

// Unsigned requests are accepted unless signatures are required.
func TestWebhook_MissingSignature(t *testing.T) {
	recv, runner, _, wh := newWebhookFixture(t, WebhookConfig{})
	resp, err := recv.Receive(context.Background(), wh.Token, []byte(`{"a":1}`), "")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Len(t, runner.runs(), 1)

	strict, runner, _, wh := newWebhookFixture(t, WebhookConfig{RequireSignature: true})
	_, err = strict.Receive(context.Background(), wh.Token, []byte(`{"a":1}`), "")
	assert.Equal(t, schema.ErrCodeUnauthorized, schema.ErrorCode(err))
	assert.Empty(t, runner.runs())
}

func TestWebhook_RawBodyWrapped(t *testing.T) {
	recv, runner, _, wh := newWebhookFixture(t, WebhookConfig{})
	_, err := recv.Receive(context.Background(), wh.Token, []byte("plain text ping"), "")
	require.NoError(t, err)

	trig := runner.runs()[0].Trigger.(schema.WebhookTrigger)
	raw, ok := trig.Payload.Get("raw")
	require.True(t, ok)
	assert.Equal(t, "plain text ping", raw.AsString())
}

func TestParseBody(t *testing.T) {
	assert.Equal(t, schema.KindArray, ParseBody([]byte(`[1,2]`)).Kind())
	assert.Equal(t, schema.KindObject, ParseBody([]byte(` {} `)).Kind())

	v := ParseBody([]byte(`{"broken":`))
	raw, _ := v.Get("raw")
	assert.Equal(t, `{"broken":`, raw.AsString())
}

func TestParseBody_EmptyBodyWrappedAsRaw(t *testing.T) {
	for _, body := range []string{"", "  \n"} {
		raw, ok := ParseBody([]byte(body)).Get("raw")
		require.True(t, ok, "body %q", body)
		assert.Equal(t, body, raw.AsString())
	}
	raw, ok := ParseBody(nil).Get("raw")
	require.True(t, ok)
	assert.Equal(t, "", raw.AsString())
}

func TestWebhook_UnknownToken(t *testing.T) {
	recv, _, _, _ := newWebhookFixture(t, WebhookConfig{})
	_, err := recv.Receive(context.Background(), "no-such-token", []byte(`{}`), "")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestWebhook_Disabled(t *testing.T) {
	t.Run("webhook", func(t *testing.T) {
		recv, runner, st, wh := newWebhookFixture(t, WebhookConfig{})
		off := false
		_, err := NewSchedules(st).SetWebhook(context.Background(), "wf-hook", WebhookRequest{Enabled: &off})
		require.NoError(t, err)

		_, err = recv.Receive(context.Background(), wh.Token, []byte(`{}`), "")
		assert.Equal(t, schema.ErrCodeDisabled, schema.ErrorCode(err))
		assert.Empty(t, runner.runs())
	})
	t.Run("workflow", func(t *testing.T) {
		recv, runner, st, wh := newWebhookFixture(t, WebhookConfig{})
		off := false
		require.NoError(t, st.UpdateWorkflow(context.Background(), "wf-hook", store.WorkflowUpdate{Enabled: &off}))

		_, err := recv.Receive(context.Background(), wh.Token, []byte(`{}`), "")
		assert.Equal(t, schema.ErrCodeDisabled, schema.ErrorCode(err))
		assert.Empty(t, runner.runs())
	})
}

func TestWebhook_RunFailureReportedInResponse(t *testing.T) {
	recv, runner, _, wh := newWebhookFixture(t, WebhookConfig{})
	runner.status = schema.ExecutionStatusFailed

	resp, err := recv.Receive(context.Background(), wh.Token, []byte(`{}`), "")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, schema.ExecutionStatusFailed, resp.Status)
	assert.Equal(t, "node a failed: boom", resp.Error)

	runner.status = ""
	runner.err = errors.New("store offline")
	resp, err = recv.Receive(context.Background(), wh.Token, []byte(`{}`), "")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "store offline", resp.Error)
}
