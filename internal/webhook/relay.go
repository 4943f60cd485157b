package webhook

import (
	"context"
	"encoding/json"

	"github.com/genkernel/orchestrator/internal/async"
	"github.com/genkernel/orchestrator/internal/bus"
	"github.com/genkernel/orchestrator/internal/obslog"
)

// Relay consumes WebhookDeliveryRequested events and performs the
// actual HTTP delivery via Sender. The orchestrator itself only
// publishes the event (spec.md §4.4 step 10 treats delivery as an
// external collaborator); Relay is the in-process convenience
// implementation of that collaborator for single-process deployments,
// grounded the same way internal/bus.InProcessBus stands in for an
// external transport.
type Relay struct {
	sender *Sender
	logger *obslog.Logger
}

func NewRelay(sender *Sender, logger *obslog.Logger) *Relay {
	return &Relay{sender: sender, logger: logger.Component("webhook.relay")}
}

// Start subscribes to WebhookDeliveryRequested and delivers every
// envelope until ctx is cancelled, panic-safe via internal/async.Go.
func (r *Relay) Start(ctx context.Context, consumer bus.Consumer) error {
	deliveries, err := consumer.Consume(ctx, bus.TopicWebhookDeliveryRequested)
	if err != nil {
		return err
	}
	async.Go(r.logger, "webhook.relay", func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-deliveries:
				if !ok {
					return
				}
				evt, ok := msg.Payload.(bus.WebhookDeliveryRequested)
				if !ok {
					continue
				}
				r.deliver(ctx, evt)
			}
		}
	})
	return nil
}

func (r *Relay) deliver(ctx context.Context, evt bus.WebhookDeliveryRequested) {
	var payload any
	if evt.TaskType == "video" {
		var p VideoPayload
		if err := json.Unmarshal([]byte(evt.PayloadJSON), &p); err != nil {
			r.logger.Warn("failed to decode video webhook payload", "task_id", evt.TaskID, "err", err)
			return
		}
		payload = p
	} else {
		var p ImagePayload
		if err := json.Unmarshal([]byte(evt.PayloadJSON), &p); err != nil {
			r.logger.Warn("failed to decode image webhook payload", "task_id", evt.TaskID, "err", err)
			return
		}
		payload = p
	}

	if err := r.sender.Deliver(ctx, evt.URL, payload, evt.Headers); err != nil {
		r.logger.Warn("webhook delivery failed", "task_id", evt.TaskID, "url", evt.URL, "err", err)
	}
}
