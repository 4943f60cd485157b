// Package artifact implements the bounded-parallel per-artifact
// post-processing pipeline (spec.md §4.5): stream-decode or stream-
// download each generated artifact, persist it to blob storage, and
// emit a MediaGenerationCompleted event per artifact. The decode-or-
// fetch + persist + provenance-record shape is grounded on the
// teacher's internal/materials/broker.AttachmentBroker
// (RegisterToolOutputs); the semaphore is golang.org/x/sync/semaphore,
// already an indirect teacher dependency via golang.org/x/sync, now
// exercised directly for the bounded-parallel download limiter.
package artifact

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/genkernel/orchestrator/internal/bus"
	"github.com/genkernel/orchestrator/internal/obslog"
)

// Descriptor is one artifact returned by the upstream generation call:
// either an inline base64 blob or a provider-hosted URL.
type Descriptor struct {
	Index        int
	InlineBase64 string // non-empty iff this is an inline artifact
	SourceURL    string // non-empty iff this is a URL artifact
}

// Storage is the narrow put contract consumed from the media storage
// backend, per spec.md §1's scope boundary (only put/get is consumed).
type Storage interface {
	Store(ctx context.Context, stream io.Reader, meta Metadata) (StoredObject, error)
}

// Metadata is the provenance record attached to every persisted
// artifact.
type Metadata struct {
	ContentType    string
	Filename       string
	CreatorKeyID   int64
	Prompt         string
	Model          string
	ProviderID     string
	OriginalURL    string
}

type StoredObject struct {
	URL        string
	StorageKey string
	SizeBytes  int64
}

// Config bounds concurrency and per-provider HTTP timeouts.
type Config struct {
	ProviderLimit  int
	FetchTimeout   time.Duration // default 30s per spec.md §5
	DefaultImageMIME string
	DefaultVideoMIME string
}

func DefaultConfig() Config {
	return Config{
		ProviderLimit:    8,
		FetchTimeout:     30 * time.Second,
		DefaultImageMIME: "image/png",
		DefaultVideoMIME: "video/mp4",
	}
}

// ProgressFunc receives the running count of completed artifacts
// (spec.md §4.5 step 8). Process makes these calls, 1 through n, after
// every artifact has finished, not while others are still running.
type ProgressFunc func(completedSoFar int)

// Pipeline runs the bounded-parallel per-artifact algorithm.
type Pipeline struct {
	storage   Storage
	client    *http.Client
	cfg       Config
	publisher bus.Publisher
	logger    *obslog.Logger
}

func New(storage Storage, client *http.Client, cfg Config, publisher bus.Publisher, logger *obslog.Logger) *Pipeline {
	if client == nil {
		client = &http.Client{}
	}
	return &Pipeline{storage: storage, client: client, cfg: cfg, publisher: publisher, logger: logger.Component("artifact.pipeline")}
}

// Result is the per-artifact outcome; Process places each one at its
// descriptor's Index, preserving the provider's original order
// regardless of completion order.
type Result struct {
	URL         string
	ContentType string
	SizeBytes   int64
	StorageKey  string
	Index       int
}

// Process runs every descriptor under a semaphore of capacity
// min(ProviderLimit, len(descriptors)), preserving index order in the
// returned slice. provenance carries the fields common to every
// artifact (prompt, model, provider, creator) for the Metadata record.
func (p *Pipeline) Process(ctx context.Context, descriptors []Descriptor, provenance Metadata, correlationID string, progress ProgressFunc) ([]Result, error) {
	capacity := p.cfg.ProviderLimit
	if len(descriptors) < capacity {
		capacity = len(descriptors)
	}
	if capacity <= 0 {
		capacity = 1
	}
	sem := semaphore.NewWeighted(int64(capacity))

	results := make([]Result, len(descriptors))
	errs := make([]error, len(descriptors))
	completed := make(chan struct{}, len(descriptors))

	for _, d := range descriptors {
		d := d
		if err := sem.Acquire(ctx, 1); err != nil {
			errs[d.Index] = err
			continue
		}
		go func() {
			defer sem.Release(1)
			res, err := p.processOne(ctx, d, provenance, correlationID)
			if err != nil {
				errs[d.Index] = err
				return
			}
			results[d.Index] = res
			completed <- struct{}{}
		}()
	}

	// Wait for all units to return by re-acquiring full capacity.
	if err := sem.Acquire(ctx, int64(capacity)); err != nil {
		return results, err
	}
	sem.Release(int64(capacity))

	n := 0
	for range descriptors {
		select {
		case <-completed:
			n++
			if progress != nil {
				progress(n)
			}
		default:
		}
	}

	for _, e := range errs {
		if e != nil {
			return results, e
		}
	}
	return results, nil
}

func (p *Pipeline) processOne(ctx context.Context, d Descriptor, provenance Metadata, correlationID string) (Result, error) {
	var (
		reader      io.Reader
		contentType string
	)

	switch {
	case d.InlineBase64 != "":
		reader = base64.NewDecoder(base64.StdEncoding, strings.NewReader(d.InlineBase64))
		contentType = provenance.ContentType
	case d.SourceURL != "":
		fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, d.SourceURL, nil)
		if err != nil {
			return p.bestEffortFallback(d, provenance), nil
		}
		resp, err := p.client.Do(req)
		if err != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if resp != nil {
				resp.Body.Close()
			}
			// best-effort: storage failed, task still succeeds pointing
			// at the provider URL, per spec.md §4.5 step 3.
			return p.bestEffortFallback(d, provenance), nil
		}
		defer resp.Body.Close()
		reader = resp.Body
		contentType = resp.Header.Get("Content-Type")
	default:
		return Result{}, fmt.Errorf("artifact %d: descriptor has neither inline data nor url", d.Index)
	}

	if contentType == "" {
		contentType = inferContentType(d.SourceURL, provenance)
	}

	meta := provenance
	meta.ContentType = contentType
	meta.Filename = filename(d.Index, contentType)
	meta.OriginalURL = d.SourceURL

	stored, err := p.storage.Store(ctx, reader, meta)
	if err != nil {
		return p.bestEffortFallback(d, provenance), nil
	}

	if p.publisher != nil {
		_ = p.publisher.Publish(ctx, bus.TopicMediaGenerationCompleted, bus.MediaGenerationCompleted{
			MediaType:          mediaTypeFromContentType(contentType),
			CallerCredentialID: provenance.CreatorKeyID,
			URL:                stored.URL,
			StorageKey:         stored.StorageKey,
			SizeBytes:          stored.SizeBytes,
			ContentType:        contentType,
			Model:              provenance.Model,
			Prompt:             provenance.Prompt,
			GeneratedAt:        time.Now().UTC(),
			CorrelationID:      correlationID,
		})
	}

	return Result{
		URL:         stored.URL,
		ContentType: contentType,
		SizeBytes:   stored.SizeBytes,
		StorageKey:  stored.StorageKey,
		Index:       d.Index,
	}, nil
}

// bestEffortFallback returns the original provider URL as the final
// result when storage is unavailable — the task still succeeds.
func (p *Pipeline) bestEffortFallback(d Descriptor, provenance Metadata) Result {
	ct := inferContentType(d.SourceURL, provenance)
	return Result{
		URL:         d.SourceURL,
		ContentType: ct,
		Index:       d.Index,
	}
}

func inferContentType(sourceURL string, provenance Metadata) string {
	if ext := path.Ext(sourceURL); ext != "" {
		switch strings.ToLower(ext) {
		case ".png":
			return "image/png"
		case ".jpg", ".jpeg":
			return "image/jpeg"
		case ".webp":
			return "image/webp"
		case ".mp4":
			return "video/mp4"
		case ".webm":
			return "video/webm"
		}
	}
	if provenance.ContentType != "" {
		return provenance.ContentType
	}
	if strings.Contains(provenance.Model, "video") {
		return "video/mp4"
	}
	return "image/png"
}

func mediaTypeFromContentType(ct string) string {
	if strings.HasPrefix(ct, "video/") {
		return "video"
	}
	return "image"
}

func filename(index int, contentType string) string {
	ext := "bin"
	switch contentType {
	case "image/png":
		ext = "png"
	case "image/jpeg":
		ext = "jpg"
	case "image/webp":
		ext = "webp"
	case "video/mp4":
		ext = "mp4"
	case "video/webm":
		ext = "webm"
	}
	return fmt.Sprintf("artifact-%d-%s.%s", index, strconv.FormatInt(time.Now().UnixNano(), 36), ext)
}
