// Package provider defines the thin, capability-polymorphic adapter
// interface the orchestrator dispatches through, replacing reflective
// per-provider method discovery with narrow sub-interfaces selected via
// Supports(Capability) (spec.md §9's redesign guidance). Grounded on the
// teacher's provider-neutral tts.Client/ffmpeg.Executor interfaces in
// cmd/task-orchestrator/main.go — a thin interface plus a concrete
// adapter per external system, swapped here for image/video generation.
package provider

import (
	"context"
	"time"
)

// Capability names a unit of provider functionality the orchestrator
// dispatches against.
type Capability string

const (
	CapabilityImageGeneration Capability = "image_generation"
	CapabilityVideoGeneration Capability = "video_generation"
	CapabilityModelListing    Capability = "model_listing"
	CapabilityHealthProbe     Capability = "health_probe"
)

// ImageRequest is the normalized request handed to an ImageGenerator,
// independent of any particular provider's wire format.
type ImageRequest struct {
	Prompt         string
	Model          string
	Count          int
	Size           string
	Quality        string
	Style          string
	ResponseFormat string
}

// ImageArtifact is one generated image, either inline or by URL; the
// artifact pipeline decides which based on which field is populated.
type ImageArtifact struct {
	InlineBase64 string
	URL          string
}

type ImageResult struct {
	Artifacts []ImageArtifact
	CostUSD   float64
}

// VideoRequest is the normalized request for video generation.
type VideoRequest struct {
	Prompt         string
	Model          string
	DurationSeconds int
	Size           string
}

// VideoHandle identifies an in-flight provider-side video job for
// polling or push-callback correlation.
type VideoHandle struct {
	ProviderJobID string
	PollURL       string
}

type VideoStatus struct {
	Done     bool
	URL      string
	CostUSD  float64
	ErrorMsg string
}

// ModelDescriptor is one entry from a provider's model catalog.
type ModelDescriptor struct {
	ModelID                 string
	SupportsImageGeneration bool
	SupportsVideoGeneration bool
	SupportsVision          bool
}

// Client is the provider-neutral facade the orchestrator holds one of
// per provider id. Supports gates which narrow interface a caller may
// safely type-assert to.
type Client interface {
	ProviderID() string
	Supports(cap Capability) bool
}

// ImageGenerator is implemented by providers supporting
// CapabilityImageGeneration.
type ImageGenerator interface {
	Client
	GenerateImage(ctx context.Context, req ImageRequest) (ImageResult, error)
}

// VideoGenerator is implemented by providers supporting
// CapabilityVideoGeneration. Video generation is asynchronous on the
// provider side: Start returns a handle, Poll is called on an
// increasing interval (spec.md §4.4(a)) until Status.Done.
type VideoGenerator interface {
	Client
	StartVideo(ctx context.Context, req VideoRequest) (VideoHandle, error)
	PollVideo(ctx context.Context, handle VideoHandle) (VideoStatus, error)
}

// ModelLister is implemented by providers exposing a catalog endpoint
// for background model discovery (spec.md §4.8).
type ModelLister interface {
	Client
	ListModels(ctx context.Context) ([]ModelDescriptor, error)
}

// HealthProber is implemented by providers exposing a lightweight probe
// endpoint for the health monitor (spec.md §4.6); providers without one
// fall back to a cheap ListModels or a no-op success.
type HealthProber interface {
	Client
	Probe(ctx context.Context) (time.Duration, error)
}

// Factory constructs or looks up the Client for a given provider id.
// Concrete adapters register themselves at wiring time; see
// internal/bootstrap.
type Factory struct {
	clients map[string]Client
}

func NewFactory() *Factory {
	return &Factory{clients: make(map[string]Client)}
}

func (f *Factory) Register(c Client) {
	f.clients[c.ProviderID()] = c
}

func (f *Factory) Get(providerID string) (Client, bool) {
	c, ok := f.clients[providerID]
	return c, ok
}

func (f *Factory) ProviderIDs() []string {
	ids := make([]string, 0, len(f.clients))
	for id := range f.clients {
		ids = append(ids, id)
	}
	return ids
}
