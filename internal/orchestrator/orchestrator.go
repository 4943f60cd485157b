// Package orchestrator implements the business logic of one generation
// dispatch (spec.md §4.4): the consumer of GenerationRequested and
// GenerationCancelled events. Split into per-concern files
// (dispatch.go, cancellation.go, cost.go, webhooks.go)
// mirroring the teacher's TaskExecutionService single-struct-many-files
// organization; the worker-pool consumer loop is grounded on
// internal/async.Go (panic-recovered goroutine launch), generalized
// from "one task per HTTP request" to "one task per consumed bus
// message".
package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/genkernel/orchestrator/internal/artifact"
	"github.com/genkernel/orchestrator/internal/async"
	"github.com/genkernel/orchestrator/internal/bus"
	"github.com/genkernel/orchestrator/internal/discovery"
	"github.com/genkernel/orchestrator/internal/health"
	"github.com/genkernel/orchestrator/internal/obslog"
	"github.com/genkernel/orchestrator/internal/provider"
	"github.com/genkernel/orchestrator/internal/registry"
	"github.com/genkernel/orchestrator/internal/retry"
	"github.com/genkernel/orchestrator/internal/task"
	"github.com/genkernel/orchestrator/internal/webhook"
)

// Dependencies wires every external collaborator the orchestrator
// needs. Fields mirror the teacher's orchestrator.Dependencies struct
// in cmd/task-orchestrator/main.go (FFmpeg/Audio/TTS/Storage/Logger),
// generalized from local process-execution collaborators to
// event-driven, networked ones.
type Dependencies struct {
	Tasks      task.Store
	Registry   *registry.Registry
	Providers  *provider.Factory
	Breakers   *health.Manager
	Resolver   *discovery.Resolver
	Artifacts  *artifact.Pipeline
	Cost       CostEstimator
	Webhooks   *webhook.Sender
	Bus        interface {
		bus.Publisher
		bus.Consumer
	}
	Logger *obslog.Logger

	ImageRetryPolicy retry.Policy
	VideoRetryPolicy retry.Policy

	// Workers bounds the consumer worker pool size; default 8.
	Workers int

	// Metrics and Tracer are optional observability collaborators; a
	// nil Metrics is a no-op, and a nil Tracer falls back to otel's
	// global no-op tracer.
	Metrics *Metrics
	Tracer  trace.Tracer
}

// Orchestrator consumes GenerationRequested/GenerationCancelled and
// drives one task through the state machine per spec.md §4.4.
type Orchestrator struct {
	deps   Dependencies
	logger *obslog.Logger
}

func New(deps Dependencies) *Orchestrator {
	if deps.Workers <= 0 {
		deps.Workers = 8
	}
	if deps.ImageRetryPolicy == (retry.Policy{}) {
		deps.ImageRetryPolicy = retry.DefaultPolicy()
	}
	if deps.VideoRetryPolicy == (retry.Policy{}) {
		deps.VideoRetryPolicy = retry.VideoPolicy()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("orchestrator")
	}
	return &Orchestrator{deps: deps, logger: deps.Logger.Component("orchestrator")}
}

// Start launches the consumer worker pool and the (single-worker)
// cancellation listener. It returns once both are subscribed; workers
// run until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	requests, err := o.deps.Bus.Consume(ctx, bus.TopicGenerationRequested)
	if err != nil {
		return err
	}
	cancellations, err := o.deps.Bus.Consume(ctx, bus.TopicGenerationCancelled)
	if err != nil {
		return err
	}

	for i := 0; i < o.deps.Workers; i++ {
		workerID := i
		async.Go(o.logger, "orchestrator.dispatchWorker", func() {
			o.dispatchWorkerLoop(ctx, workerID, requests)
		})
	}
	async.Go(o.logger, "orchestrator.cancellationWorker", func() {
		o.cancellationWorkerLoop(ctx, cancellations)
	})
	return nil
}

func (o *Orchestrator) dispatchWorkerLoop(ctx context.Context, workerID int, requests <-chan bus.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-requests:
			if !ok {
				return
			}
			evt, ok := msg.Payload.(bus.GenerationRequested)
			if !ok {
				o.logger.Warn("dispatch worker received unexpected payload type", "worker", workerID)
				continue
			}
			o.handleGenerationRequested(ctx, evt)
		}
	}
}

func (o *Orchestrator) cancellationWorkerLoop(ctx context.Context, cancellations <-chan bus.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-cancellations:
			if !ok {
				return
			}
			evt, ok := msg.Payload.(bus.GenerationCancelled)
			if !ok {
				continue
			}
			o.handleGenerationCancelled(ctx, evt)
		}
	}
}
