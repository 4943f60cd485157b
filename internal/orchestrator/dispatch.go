package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/genkernel/orchestrator/internal/artifact"
	"github.com/genkernel/orchestrator/internal/bus"
	"github.com/genkernel/orchestrator/internal/classify"
	"github.com/genkernel/orchestrator/internal/discovery"
	"github.com/genkernel/orchestrator/internal/provider"
	"github.com/genkernel/orchestrator/internal/registry"
	"github.com/genkernel/orchestrator/internal/retry"
	"github.com/genkernel/orchestrator/internal/task"
)

// progressDebounce bounds how often Progress events are published for
// one dispatch, per spec.md §4.4's "500ms debounce, only on advance".
const progressDebounce = 500 * time.Millisecond

// handleGenerationRequested implements the eleven-step dispatch
// contract from spec.md §4.4. Each numbered comment below corresponds
// to the numbered step in the spec.
func (o *Orchestrator) handleGenerationRequested(ctx context.Context, evt bus.GenerationRequested) {
	t, err := o.deps.Tasks.Get(ctx, evt.TaskID)
	if err != nil {
		o.logger.Warn("generation requested for unknown task", "task_id", evt.TaskID, "err", err)
		return
	}
	// A retry redispatch or a duplicate delivery may race a cancellation
	// that already landed; an already-terminal task is a no-op.
	if t.Status.IsTerminal() {
		return
	}

	// Step 1: register a cancellation handle linked to the transport's
	// own cancellation signal (ctx, the bus consumer's context).
	dispatchCtx, cancel := context.WithCancelCause(ctx)
	o.deps.Registry.Register(evt.TaskID, registry.Handle{Cancel: cancel})
	defer o.deps.Registry.Unregister(evt.TaskID)

	spanCtx, span := o.deps.Tracer.Start(dispatchCtx, "orchestrator.dispatch")
	dispatchStart := time.Now()
	outcome := o.dispatch(spanCtx, evt, t)
	span.End()
	o.deps.Metrics.observe(string(t.Type), outcome.status, time.Since(dispatchStart))

	// Every exit path emits a webhook when a target is configured,
	// regardless of how the dispatch concluded.
	o.publishWebhookIfConfigured(ctx, t, outcome)
}

// dispatch runs steps 2-11 and returns the terminal outcome used to
// build the webhook payload. It never panics the caller: any error
// surfaced by a collaborator is classified and handled inline.
func (o *Orchestrator) dispatch(ctx context.Context, evt bus.GenerationRequested, t *task.Task) webhookOutcome {
	req := t.Metadata.Request
	isVideo := t.Type == task.TypeVideo

	// Step 2: transition to Processing. Started is published below, once
	// the provider has been resolved.
	if err := o.deps.Tasks.SetStatus(ctx, evt.TaskID, task.StatusProcessing); err != nil {
		o.logger.Warn("illegal transition to processing", "task_id", evt.TaskID, "err", err)
		return webhookOutcome{status: "failed", err: err.Error(), errCode: string(classify.KindInternal)}
	}

	modality := discovery.ModalityImage
	if isVideo {
		modality = discovery.ModalityVideo
	}

	// Step 3: resolve model -> provider. Failures here are always
	// non-retryable per spec.md §4.4 step 3.
	resolution, err := o.deps.Resolver.Resolve(ctx, evt.CallerCredentialID, req.ModelAlias, modality)
	if err != nil {
		return o.failNonRetryable(ctx, evt, t, err)
	}

	_ = o.deps.Bus.Publish(ctx, bus.TopicGenerationStarted, bus.GenerationStarted{
		TaskID:        evt.TaskID,
		ProviderID:    resolution.ProviderID,
		StartedAt:     time.Now().UTC(),
		CorrelationID: evt.CorrelationID,
	})

	// Step 4: obtain the provider client; check the circuit breaker.
	client, ok := o.deps.Providers.Get(resolution.ProviderID)
	if !ok {
		return o.failRetryOrTerminal(ctx, evt, t, classify.ProviderUnavailable("no client registered for provider "+resolution.ProviderID), isVideo)
	}
	breaker := o.deps.Breakers.Get(resolution.ProviderID)
	if err := breaker.Allow(); err != nil {
		return o.failRetryOrTerminal(ctx, evt, t, err, isVideo)
	}

	// Step 5: validate request parameters against the provider-agnostic
	// schema.
	if err := validateRequest(req); err != nil {
		return o.failNonRetryable(ctx, evt, t, err)
	}

	start := time.Now()
	var (
		descriptors []artifact.Descriptor
		costUSD     float64
		dispatchErr error
	)

	if isVideo {
		descriptors, costUSD, dispatchErr = o.dispatchVideo(ctx, evt, client, resolution, req)
	} else {
		descriptors, costUSD, dispatchErr = o.dispatchImage(ctx, evt, client, resolution, req)
	}
	breaker.Mark(dispatchErr)
	if dispatchErr != nil {
		return o.failRetryOrTerminal(ctx, evt, t, dispatchErr, isVideo)
	}

	// Step 7: fan out artifact post-processing, preserving index order.
	provenance := artifact.Metadata{
		CreatorKeyID: evt.CallerCredentialID,
		Prompt:       req.Prompt,
		Model:        resolution.ProviderModelID,
		ProviderID:   resolution.ProviderID,
	}
	lastReported := 0
	lastPublish := time.Time{}
	results, err := o.deps.Artifacts.Process(ctx, descriptors, provenance, evt.CorrelationID, func(completed int) {
		if completed <= lastReported {
			return
		}
		lastReported = completed
		if time.Since(lastPublish) < progressDebounce && completed < len(descriptors) {
			return
		}
		lastPublish = time.Now()
		_ = o.deps.Bus.Publish(ctx, bus.TopicGenerationProgress, bus.GenerationProgress{
			TaskID:        evt.TaskID,
			Status:        string(task.StatusProcessing),
			Completed:     completed,
			Total:         len(descriptors),
			CorrelationID: evt.CorrelationID,
		})
	})
	if err != nil {
		return o.failRetryOrTerminal(ctx, evt, t, err, isVideo)
	}

	artifacts := make([]task.MediaArtifact, len(results))
	eventArtifacts := make([]bus.ArtifactRef, len(results))
	for i, r := range results {
		artifacts[i] = task.MediaArtifact{
			URL:            r.URL,
			ContentType:    r.ContentType,
			SizeBytes:      r.SizeBytes,
			StorageKey:     r.StorageKey,
			GeneratorModel: resolution.ProviderModelID,
			Prompt:         req.Prompt,
			Index:          r.Index,
		}
		eventArtifacts[i] = bus.ArtifactRef{URL: r.URL, ContentType: r.ContentType, Index: r.Index}
	}

	// Step 8: compute cost via the external cost service.
	var usageRecord UsageRecord
	if isVideo {
		usageRecord = UsageRecord{DurationSeconds: videoDurationSeconds(req), Resolution: req.Size}
	} else {
		usageRecord = UsageRecord{ImageCount: len(artifacts)}
	}
	if o.deps.Cost != nil {
		estimated, err := o.deps.Cost.EstimateCost(ctx, resolution.ProviderID, resolution.ProviderModelID, usageRecord)
		if err != nil {
			o.logger.Warn("cost estimation failed, using provider-reported cost", "task_id", evt.TaskID, "err", err)
		} else {
			costUSD = estimated
		}
	}

	durationMS := time.Since(start).Milliseconds()
	result := task.Result{
		Artifacts:  artifacts,
		ProviderID: resolution.ProviderID,
		Model:      resolution.ProviderModelID,
		DurationMS: durationMS,
		CostUSD:    costUSD,
	}
	resultJSON, err := marshalResult(result)
	if err != nil {
		return o.failNonRetryable(ctx, evt, t, classify.Internal(err))
	}

	// Step 9: transition to Completed.
	if err := o.deps.Tasks.SetStatus(ctx, evt.TaskID, task.StatusCompleted, task.WithResult(resultJSON)); err != nil {
		o.logger.Warn("failed to transition task to completed", "task_id", evt.TaskID, "err", err)
	}

	// Step 10: emit GenerationCompleted.
	_ = o.deps.Bus.Publish(ctx, bus.TopicGenerationCompleted, bus.GenerationCompleted{
		TaskID:             evt.TaskID,
		CallerCredentialID: evt.CallerCredentialID,
		Artifacts:          eventArtifacts,
		DurationMS:         durationMS,
		Cost:               costUSD,
		ProviderID:         resolution.ProviderID,
		Model:              resolution.ProviderModelID,
		CorrelationID:      evt.CorrelationID,
	})

	// Step 11: emit SpendUpdateRequested when cost > 0.
	if costUSD > 0 {
		_ = o.deps.Bus.Publish(ctx, bus.TopicSpendUpdateRequested, bus.SpendUpdateRequested{
			CallerCredentialID: evt.CallerCredentialID,
			Amount:             costUSD,
			RequestID:          evt.TaskID,
			CorrelationID:      evt.CorrelationID,
		})
	}

	return webhookOutcome{
		status:          "completed",
		artifacts:       artifacts,
		requestedCount:  req.Count,
		durationSeconds: float64(durationMS) / 1000.0,
	}
}

func (o *Orchestrator) dispatchImage(ctx context.Context, evt bus.GenerationRequested, client provider.Client, resolution discovery.Resolution, req task.GenerationRequest) ([]artifact.Descriptor, float64, error) {
	gen, ok := client.(provider.ImageGenerator)
	if !ok || !client.Supports(provider.CapabilityImageGeneration) {
		return nil, 0, classify.UnsupportedCapability("provider does not implement image generation")
	}
	res, err := gen.GenerateImage(ctx, provider.ImageRequest{
		Prompt:         req.Prompt,
		Model:          resolution.ProviderModelID,
		Count:          req.Count,
		Size:           req.Size,
		Quality:        req.Quality,
		Style:          req.Style,
		ResponseFormat: req.ResponseFormat,
	})
	if err != nil {
		return nil, 0, classify.ProviderTransient(err)
	}
	descriptors := make([]artifact.Descriptor, len(res.Artifacts))
	for i, a := range res.Artifacts {
		descriptors[i] = artifact.Descriptor{Index: i, InlineBase64: a.InlineBase64, SourceURL: a.URL}
	}
	return descriptors, res.CostUSD, nil
}

// dispatchVideo implements spec.md §4.4(a): the upstream call is
// long-running. Progress is obtained by polling only; there is no
// push-callback path. Polling follows an increasing backoff schedule,
// per the Open Question decision recorded in DESIGN.md (30s, 60s, 120s,
// capped at 300s).
func (o *Orchestrator) dispatchVideo(ctx context.Context, evt bus.GenerationRequested, client provider.Client, resolution discovery.Resolution, req task.GenerationRequest) ([]artifact.Descriptor, float64, error) {
	gen, ok := client.(provider.VideoGenerator)
	if !ok || !client.Supports(provider.CapabilityVideoGeneration) {
		return nil, 0, classify.UnsupportedCapability("provider does not implement video generation")
	}
	handle, err := gen.StartVideo(ctx, provider.VideoRequest{
		Prompt:          req.Prompt,
		Model:           resolution.ProviderModelID,
		DurationSeconds: videoDurationSeconds(req),
		Size:            req.Size,
	})
	if err != nil {
		return nil, 0, classify.ProviderTransient(err)
	}

	pollIntervals := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 300 * time.Second}
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return nil, 0, classify.Cancelled("dispatch cancelled during video polling")
		default:
		}

		status, err := gen.PollVideo(ctx, handle)
		if err != nil {
			return nil, 0, classify.ProviderTransient(err)
		}
		if status.Done {
			if status.ErrorMsg != "" {
				return nil, 0, classify.ProviderPermanent(fmt.Errorf("%s", status.ErrorMsg))
			}
			return []artifact.Descriptor{{Index: 0, SourceURL: status.URL}}, status.CostUSD, nil
		}

		_ = o.deps.Bus.Publish(ctx, bus.TopicGenerationProgress, bus.GenerationProgress{
			TaskID:        evt.TaskID,
			Status:        string(task.StatusProcessing),
			Completed:     0,
			Total:         1,
			Message:       "rendering",
			CorrelationID: evt.CorrelationID,
		})

		interval := pollIntervals[len(pollIntervals)-1]
		if attempt < len(pollIntervals) {
			interval = pollIntervals[attempt]
			attempt++
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, 0, classify.Cancelled("dispatch cancelled during video polling")
		case <-timer.C:
		}
	}
}

func videoDurationSeconds(req task.GenerationRequest) int {
	// The normalized GenerationRequest carries no explicit duration
	// field (spec.md §3 defines it only for images); video requests
	// reuse Count as the clip length in seconds when the ingress layer
	// (out of scope here) populates it, defaulting to a conservative 4s
	// clip otherwise.
	if req.Count > 0 {
		return req.Count
	}
	return 4
}

func marshalResult(r task.Result) (json.RawMessage, error) {
	return json.Marshal(r)
}

// validateRequest enforces the minimal, provider-agnostic schema from
// spec.md §4.4 step 5.
func validateRequest(req task.GenerationRequest) error {
	if req.Prompt == "" {
		return classify.Validation("prompt must not be empty")
	}
	if req.Count < 1 || req.Count > 10 {
		return classify.Validation("count must be between 1 and 10")
	}
	return nil
}

// failNonRetryable transitions the task directly to Failed; used for
// error kinds spec.md §7 always classifies as non-retryable regardless
// of retry budget (ValidationError, AuthorizationError, ModelNotFound,
// UnsupportedCapability, ProviderPermanentError).
func (o *Orchestrator) failNonRetryable(ctx context.Context, evt bus.GenerationRequested, t *task.Task, cause error) webhookOutcome {
	kind := classify.Classify(cause)
	msg := cause.Error()
	if err := o.deps.Tasks.SetStatus(ctx, evt.TaskID, task.StatusFailed, task.WithError(string(kind), msg)); err != nil {
		o.logger.Warn("failed to transition task to failed", "task_id", evt.TaskID, "err", err)
	}
	_ = o.deps.Bus.Publish(ctx, bus.TopicGenerationFailed, bus.GenerationFailed{
		TaskID:        evt.TaskID,
		Error:         msg,
		ErrorCode:     string(kind),
		IsRetryable:   false,
		RetryCount:    t.RetryCount,
		MaxRetries:    t.MaxRetries,
		FailedAt:      time.Now().UTC(),
		CorrelationID: evt.CorrelationID,
	})
	return webhookOutcome{status: "failed", err: msg, errCode: string(kind)}
}

// failRetryOrTerminal classifies cause and either schedules a retry
// (Pending with next_retry_at) or fails terminally when the kind is
// non-retryable or the retry budget is exhausted, per spec.md §4.4's
// failure-handling paragraph.
func (o *Orchestrator) failRetryOrTerminal(ctx context.Context, evt bus.GenerationRequested, t *task.Task, cause error, isVideo bool) webhookOutcome {
	kind := classify.Classify(cause)
	msg := cause.Error()

	if kind == classify.KindCancelled {
		// Cancellation raced the dispatch; the cancellation handler
		// already (or will) transition the task, so this is a no-op.
		return webhookOutcome{status: "cancelled"}
	}

	policy := o.deps.ImageRetryPolicy
	if isVideo {
		policy = o.deps.VideoRetryPolicy
	}

	if classify.IsRetryable(cause) && t.RetryCount < policy.MaxRetries {
		nextRetryAt := retry.NextRetryAt(time.Now(), t.RetryCount, policy)
		if err := o.deps.Tasks.SetStatus(ctx, evt.TaskID, task.StatusPending,
			task.WithError(string(kind), msg),
			task.WithNextRetryAt(nextRetryAt),
			task.WithRetryCountIncrement(),
		); err != nil {
			o.logger.Warn("failed to schedule retry", "task_id", evt.TaskID, "err", err)
		}
		_ = o.deps.Bus.Publish(ctx, bus.TopicGenerationFailed, bus.GenerationFailed{
			TaskID:        evt.TaskID,
			Error:         msg,
			ErrorCode:     string(kind),
			IsRetryable:   true,
			RetryCount:    t.RetryCount,
			MaxRetries:    policy.MaxRetries,
			NextRetryAt:   &nextRetryAt,
			FailedAt:      time.Now().UTC(),
			CorrelationID: evt.CorrelationID,
		})
		return webhookOutcome{status: "retrying", err: msg, errCode: string(kind)}
	}

	if err := o.deps.Tasks.SetStatus(ctx, evt.TaskID, task.StatusFailed, task.WithError(string(kind), msg)); err != nil {
		o.logger.Warn("failed to transition task to failed", "task_id", evt.TaskID, "err", err)
	}
	_ = o.deps.Bus.Publish(ctx, bus.TopicGenerationFailed, bus.GenerationFailed{
		TaskID:        evt.TaskID,
		Error:         msg,
		ErrorCode:     string(kind),
		IsRetryable:   false,
		RetryCount:    t.RetryCount,
		MaxRetries:    policy.MaxRetries,
		FailedAt:      time.Now().UTC(),
		CorrelationID: evt.CorrelationID,
	})
	return webhookOutcome{status: "failed", err: msg, errCode: string(kind)}
}
