package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/toolflow/pkg/schema"
)

func TestSchedules_Cron(t *testing.T) {
	st := newMemStore(t)
	addWorkflow(t, st, "wf-1", true)
	s := NewSchedules(st)
	s.now = func() time.Time { return at("2026-03-01T12:03:27Z") }
	ctx := context.Background()

	job, err := s.SetCron(ctx, "wf-1", CronRequest{Expression: "*/5 * * * *"})
	require.NoError(t, err)
	assert.True(t, job.Enabled)
	assert.Equal(t, "UTC", job.Timezone)
	assert.True(t, job.NextRun.Equal(at("2026-03-01T12:05:00Z")))

	again, err := s.SetCron(ctx, "wf-1", CronRequest{Expression: "0 * * * *"})
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
	assert.True(t, again.NextRun.Equal(at("2026-03-01T13:00:00Z")))

	_, err = s.SetCron(ctx, "wf-1", CronRequest{Expression: "whenever"})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	_, err = s.SetCron(ctx, "wf-missing", CronRequest{Expression: "* * * * *"})
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))

	sched, err := s.Get(ctx, "wf-1")
	require.NoError(t, err)
	require.NotNil(t, sched.Cron)
	assert.Equal(t, "0 * * * *", sched.Cron.CronExpression)
	assert.Nil(t, sched.Webhook)

	require.NoError(t, s.Remove(ctx, "wf-1", KindCron))
	sched, err = s.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Nil(t, sched.Cron)

	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(s.Remove(ctx, "wf-1", KindCron)))
}

func TestSchedules_Webhook(t *testing.T) {
	st := newMemStore(t)
	addWorkflow(t, st, "wf-1", true)
	s := NewSchedules(st)
	ctx := context.Background()

	wh, err := s.SetWebhook(ctx, "wf-1", WebhookRequest{})
	require.NoError(t, err)
	assert.NotEmpty(t, wh.Token)
	assert.Len(t, wh.Secret, 64)
	assert.True(t, wh.Enabled)

	same, err := s.SetWebhook(ctx, "wf-1", WebhookRequest{})
	require.NoError(t, err)
	assert.Equal(t, wh.ID, same.ID)
	assert.Equal(t, wh.Token, same.Token)
	assert.Equal(t, wh.Secret, same.Secret)

	rotated, err := s.SetWebhook(ctx, "wf-1", WebhookRequest{RotateToken: true, Secret: "new"})
	require.NoError(t, err)
	assert.NotEqual(t, wh.Token, rotated.Token)
	assert.Equal(t, "new", rotated.Secret)

	_, err = st.GetWebhookByToken(ctx, wh.Token)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))

	require.NoError(t, s.Remove(ctx, "wf-1", KindWebhook))
	sched, err := s.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Nil(t, sched.Webhook)

	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(s.Remove(ctx, "wf-1", Kind("email"))))
}
