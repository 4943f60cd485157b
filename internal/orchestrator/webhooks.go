package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/genkernel/orchestrator/internal/bus"
	"github.com/genkernel/orchestrator/internal/task"
	"github.com/genkernel/orchestrator/internal/webhook"
)

// webhookOutcome summarizes how a dispatch concluded, enough to build
// either completion-payload shape from spec.md §6 without re-deriving
// status from the task's persisted fields.
type webhookOutcome struct {
	status          string // completed | failed | cancelled | retrying
	err             string
	errCode         string
	artifacts       []task.MediaArtifact
	requestedCount  int
	durationSeconds float64
}

// publishWebhookIfConfigured implements the "emit WebhookDeliveryRequested
// when a webhook target is configured" clause repeated across every
// exit path of spec.md §4.4. The actual HTTP delivery is an external
// collaborator (§4.4 step 10); this only builds the envelope and
// publishes the event. ctx is the outer (non-dispatch) context so the
// event still publishes even when the dispatch context was cancelled.
func (o *Orchestrator) publishWebhookIfConfigured(ctx context.Context, t *task.Task, outcome webhookOutcome) {
	if t.Metadata.WebhookURL == "" {
		return
	}

	eventType := "TaskCompleted"
	switch outcome.status {
	case "failed":
		eventType = "TaskFailed"
	case "cancelled":
		eventType = "TaskCancelled"
	case "retrying":
		eventType = "TaskRetrying"
	}

	payload, err := buildWebhookPayload(t, outcome)
	if err != nil {
		o.logger.Warn("failed to build webhook payload", "task_id", t.ID, "err", err)
		return
	}

	_ = o.deps.Bus.Publish(ctx, bus.TopicWebhookDeliveryRequested, bus.WebhookDeliveryRequested{
		TaskID:        t.ID,
		TaskType:      string(t.Type),
		URL:           t.Metadata.WebhookURL,
		EventType:     eventType,
		PayloadJSON:   string(payload),
		Headers:       t.Metadata.WebhookHeaders,
		CorrelationID: t.Metadata.CorrelationID,
	})
}

func buildWebhookPayload(t *task.Task, outcome webhookOutcome) ([]byte, error) {
	req := t.Metadata.Request
	status := webhook.Status(outcome.status)

	if t.Type == task.TypeVideo {
		var url string
		if len(outcome.artifacts) > 0 {
			url = outcome.artifacts[0].URL
		}
		return json.Marshal(webhook.VideoPayload{
			TaskID:          t.ID,
			Status:          status,
			VideoURL:        url,
			DurationSeconds: outcome.durationSeconds,
			Model:           req.ModelAlias,
			Prompt:          req.Prompt,
			Size:            req.Size,
			Error:           outcome.err,
			ErrorCode:       outcome.errCode,
		})
	}

	urls := make([]string, len(outcome.artifacts))
	for i, a := range outcome.artifacts {
		urls[i] = a.URL
	}
	requested := outcome.requestedCount
	if requested == 0 {
		requested = req.Count
	}
	return json.Marshal(webhook.ImagePayload{
		TaskID:          t.ID,
		Status:          status,
		ImageURLs:       urls,
		ImagesGenerated: len(outcome.artifacts),
		ImagesRequested: requested,
		DurationSeconds: outcome.durationSeconds,
		Model:           req.ModelAlias,
		Prompt:          req.Prompt,
		Size:            req.Size,
		ResponseFormat:  req.ResponseFormat,
		Error:           outcome.err,
		ErrorCode:       outcome.errCode,
	})
}
