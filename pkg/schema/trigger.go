package schema

import "time"

// TriggerType identifies what started a run.
type TriggerType string

const (
	TriggerCron    TriggerType = "cron"
	TriggerWebhook TriggerType = "webhook"
	TriggerManual  TriggerType = "manual"
)

// Trigger is the per-run trigger context. Exactly one of CronTrigger,
// WebhookTrigger or ManualTrigger implements it.
type Trigger interface {
	Type() TriggerType
	// Variables are overlaid on the workflow defaults; trigger values win.
	Variables() map[string]Value
	isTrigger()
}

// CronTrigger is produced by the scheduled job scanner.
type CronTrigger struct {
	JobID       string
	Expression  string
	ScheduledAt time.Time
}

func (CronTrigger) Type() TriggerType { return TriggerCron }

func (t CronTrigger) Variables() map[string]Value {
	return map[string]Value{
		"cronExpression": String(t.Expression),
		"scheduledAt":    String(t.ScheduledAt.UTC().Format(time.RFC3339)),
	}
}

func (CronTrigger) isTrigger() {}

// WebhookTrigger is produced by an accepted inbound webhook.
type WebhookTrigger struct {
	WebhookID string
	Payload   Value
}

func (WebhookTrigger) Type() TriggerType { return TriggerWebhook }

func (t WebhookTrigger) Variables() map[string]Value {
	return map[string]Value{"webhookPayload": t.Payload}
}

func (WebhookTrigger) isTrigger() {}

// ManualTrigger is produced by direct API, CLI or MCP invocation.
type ManualTrigger struct {
	Vars        map[string]Value
	RequestedBy string
}

func (ManualTrigger) Type() TriggerType { return TriggerManual }

func (t ManualTrigger) Variables() map[string]Value {
	out := make(map[string]Value, len(t.Vars))
	for k, v := range t.Vars {
		out[k] = v
	}
	return out
}

func (ManualTrigger) isTrigger() {}

// TriggerMetadata describes t for the execution record's metadata.
func TriggerMetadata(t Trigger) map[string]Value {
	md := map[string]Value{"trigger": String(string(t.Type()))}
	switch v := t.(type) {
	case CronTrigger:
		md["jobId"] = String(v.JobID)
		md["cronExpression"] = String(v.Expression)
		md["scheduledAt"] = String(v.ScheduledAt.UTC().Format(time.RFC3339))
	case WebhookTrigger:
		md["webhookId"] = String(v.WebhookID)
		md["webhookPayload"] = v.Payload
	case ManualTrigger:
		if v.RequestedBy != "" {
			md["requestedBy"] = String(v.RequestedBy)
		}
		md["variables"] = Object(v.Variables())
	}
	return md
}
