package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genkernel/orchestrator/internal/artifact"
	"github.com/genkernel/orchestrator/internal/bus"
	"github.com/genkernel/orchestrator/internal/classify"
	"github.com/genkernel/orchestrator/internal/discovery"
	"github.com/genkernel/orchestrator/internal/health"
	"github.com/genkernel/orchestrator/internal/obslog"
	"github.com/genkernel/orchestrator/internal/provider"
	"github.com/genkernel/orchestrator/internal/registry"
	"github.com/genkernel/orchestrator/internal/retry"
	"github.com/genkernel/orchestrator/internal/task"
	"github.com/genkernel/orchestrator/internal/webhook"
)

// memStore is a minimal in-memory task.Store good enough to exercise
// the orchestrator's state-machine transitions under test, mirroring
// the teacher's InMemoryTaskStore used throughout its own test suite.
type memStore struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
}

func newMemStore() *memStore { return &memStore{tasks: make(map[string]*task.Task)} }

func (s *memStore) EnsureSchema(ctx context.Context) error { return nil }

func (s *memStore) Create(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return task.ErrDuplicateID
	}
	now := time.Now()
	cp := t.Clone()
	cp.Status = task.StatusPending
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.tasks[t.ID] = cp
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *memStore) SetStatus(ctx context.Context, id string, to task.Status, opts ...task.TransitionOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	if !task.CanTransition(t.Status, to) {
		return task.ErrIllegalTransition
	}
	p := task.ApplyTransitionOptions(opts...)
	t.Status = to
	t.UpdatedAt = time.Now()
	if p.Error != "" {
		t.Error = p.Error
		t.ErrorCode = p.ErrorCode
	}
	if p.Result != nil {
		t.Result = p.Result
		t.Error = ""
		t.ErrorCode = ""
	}
	if p.NextRetryAt != nil {
		t.NextRetryAt = p.NextRetryAt
	} else if to != task.StatusPending {
		t.NextRetryAt = nil
	}
	if p.RetryCount != nil {
		t.RetryCount += *p.RetryCount
	}
	if to.IsTerminal() && t.CompletedAt == nil {
		now := time.Now()
		t.CompletedAt = &now
	}
	return nil
}

func (s *memStore) UpdateProgress(ctx context.Context, id string, percent int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	t.ProgressPercent = percent
	t.ProgressMessage = message
	return nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *memStore) ListPending(ctx context.Context, typ task.Type, limit int) ([]*task.Task, error) {
	return nil, nil
}

func (s *memStore) ArchiveOlderThan(ctx context.Context, age time.Duration) (int, error) {
	return 0, nil
}

func (s *memStore) BulkDelete(ctx context.Context, ids []string) error { return nil }

func (s *memStore) TryClaimTask(ctx context.Context, id, ownerID string, leaseUntil time.Time) (bool, error) {
	return true, nil
}

func (s *memStore) ClaimResumableTasks(ctx context.Context, ownerID string, leaseUntil time.Time, limit int, statuses ...task.Status) ([]*task.Task, error) {
	return nil, nil
}

func (s *memStore) RenewTaskLease(ctx context.Context, id, ownerID string, leaseUntil time.Time) error {
	return nil
}

func (s *memStore) ReleaseTaskLease(ctx context.Context, id, ownerID string) error { return nil }

func (s *memStore) MarkStaleRunning(ctx context.Context, staleAfter time.Duration) (int, error) {
	return 0, nil
}

// stubStorage is an artifact.Storage that records every Store call.
type stubStorage struct {
	mu    sync.Mutex
	count int
}

func (s *stubStorage) Store(ctx context.Context, stream io.Reader, meta artifact.Metadata) (artifact.StoredObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	_, _ = io.Copy(io.Discard, stream)
	return artifact.StoredObject{
		URL:        "https://blob.example/" + meta.Filename,
		StorageKey: meta.Filename,
		SizeBytes:  42,
	}, nil
}

// stubImageProvider is a provider.Client + provider.ImageGenerator
// whose GenerateImage behavior is configurable per test.
type stubImageProvider struct {
	id       string
	results  []provider.ImageResult
	errs     []error
	callIdx  int
}

func (p *stubImageProvider) ProviderID() string { return p.id }
func (p *stubImageProvider) Supports(c provider.Capability) bool {
	return c == provider.CapabilityImageGeneration
}

func (p *stubImageProvider) GenerateImage(ctx context.Context, req provider.ImageRequest) (provider.ImageResult, error) {
	i := p.callIdx
	p.callIdx++
	var err error
	if i < len(p.errs) {
		err = p.errs[i]
	}
	if err != nil {
		return provider.ImageResult{}, err
	}
	if i < len(p.results) {
		return p.results[i], nil
	}
	return provider.ImageResult{}, errors.New("stub: no result configured")
}

type stubCredentials struct{}

func (stubCredentials) Check(ctx context.Context, credentialID int64, alias string) error {
	return nil
}

type stubMappings struct{ alias string; providerID string; model string }

func (m stubMappings) Lookup(ctx context.Context, alias string) (discovery.Mapping, bool, error) {
	if alias != m.alias {
		return discovery.Mapping{}, false, nil
	}
	return discovery.Mapping{
		Alias:           alias,
		ProviderID:      m.providerID,
		ProviderModelID: m.model,
		Capabilities:    discovery.Capabilities{SupportsImageGeneration: true, SupportsVideoGeneration: true},
	}, true, nil
}

type stubProviderStore struct{ available bool }

func (s stubProviderStore) IsAvailable(ctx context.Context, providerID string) (bool, error) {
	return s.available, nil
}

type stubCatalog struct{}

func (stubCatalog) FetchCatalog(ctx context.Context, providerID string) (map[string]discovery.Capabilities, error) {
	return map[string]discovery.Capabilities{}, nil
}

func newTestHarness(t *testing.T, providerAvailable bool) (*Orchestrator, *memStore, *bus.InProcessBus, *stubImageProvider) {
	t.Helper()
	logger := obslog.Nop()
	store := newMemStore()
	b := bus.NewInProcess()

	resolver, err := discovery.New(
		stubCredentials{},
		stubMappings{alias: "fast-image", providerID: "acme", model: "acme-v1"},
		stubProviderStore{available: providerAvailable},
		stubCatalog{},
		b,
		logger,
	)
	require.NoError(t, err)

	client := &stubImageProvider{id: "acme"}
	factory := provider.NewFactory()
	factory.Register(client)

	pipeline := artifact.New(&stubStorage{}, nil, artifact.DefaultConfig(), b, logger)

	orch := New(Dependencies{
		Tasks:     store,
		Registry:  registry.New(),
		Providers: factory,
		Breakers:  health.NewManager(health.DefaultBreakerConfig(), logger),
		Resolver:  resolver,
		Artifacts: pipeline,
		Cost:      NewStaticPriceTable(),
		Webhooks:  webhook.NewSender(),
		Bus:       b,
		Logger:    logger,
		ImageRetryPolicy: retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, JitterFrac: 0},
	})
	return orch, store, b, client
}

func createPendingTask(t *testing.T, store *memStore, id string, webhookURL string) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &task.Task{
		ID:         id,
		Type:       task.TypeImage,
		MaxRetries: 2,
		Metadata: task.Metadata{
			Request: task.GenerationRequest{
				Prompt:         "a cat",
				ModelAlias:     "fast-image",
				Count:          2,
				Size:           "1024x1024",
				ResponseFormat: "url",
			},
			CallerCredentialID: 7,
			CorrelationID:      "corr-1",
			WebhookURL:         webhookURL,
		},
	}))
}

func TestHandleGenerationRequestedHappyPathTwoImages(t *testing.T) {
	orch, store, b, client := newTestHarness(t, true)
	createPendingTask(t, store, "T1", "")
	client.results = []provider.ImageResult{{
		Artifacts: []provider.ImageArtifact{{InlineBase64: "YQ=="}, {InlineBase64: "Yg=="}},
		CostUSD:   0,
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	completed, err := b.Consume(ctx, bus.TopicGenerationCompleted)
	require.NoError(t, err)
	media, err := b.Consume(ctx, bus.TopicMediaGenerationCompleted)
	require.NoError(t, err)
	spend, err := b.Consume(ctx, bus.TopicSpendUpdateRequested)
	require.NoError(t, err)

	orch.handleGenerationRequested(ctx, bus.GenerationRequested{
		TaskID: "T1", ModelAlias: "fast-image", Count: 2, CallerCredentialID: 7, CorrelationID: "corr-1",
	})

	select {
	case msg := <-completed:
		evt := msg.Payload.(bus.GenerationCompleted)
		require.Len(t, evt.Artifacts, 2)
		require.Equal(t, 0, evt.Artifacts[0].Index)
		require.Equal(t, 1, evt.Artifacts[1].Index)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for GenerationCompleted")
	}

	mediaCount := 0
	for i := 0; i < 2; i++ {
		select {
		case <-media:
			mediaCount++
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for MediaGenerationCompleted")
		}
	}
	require.Equal(t, 2, mediaCount)

	select {
	case <-spend:
	case <-time.After(100 * time.Millisecond):
		// zero-cost static price table entries default to > 0 per image,
		// so a spend event is always expected here.
		t.Fatal("expected SpendUpdateRequested")
	}

	final, err := store.Get(context.Background(), "T1")
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, final.Status)
	require.NotNil(t, final.CompletedAt)
	require.Empty(t, final.Error)
}

func TestHandleGenerationRequestedRetriesTransientFailure(t *testing.T) {
	orch, store, _, client := newTestHarness(t, true)
	createPendingTask(t, store, "T2", "")
	client.errs = []error{errors.New("upstream timeout")}
	client.results = []provider.ImageResult{{}, {
		Artifacts: []provider.ImageArtifact{{URL: "https://provider/a.png"}},
	}}

	ctx := context.Background()
	orch.handleGenerationRequested(ctx, bus.GenerationRequested{
		TaskID: "T2", ModelAlias: "fast-image", Count: 1, CallerCredentialID: 7, CorrelationID: "corr-2",
	})

	afterFirst, err := store.Get(ctx, "T2")
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, afterFirst.Status)
	require.Equal(t, 1, afterFirst.RetryCount)
	require.NotNil(t, afterFirst.NextRetryAt)
	require.True(t, afterFirst.NextRetryAt.After(afterFirst.UpdatedAt) || afterFirst.NextRetryAt.Equal(afterFirst.UpdatedAt))

	// Simulate the sweeper redispatching the retry.
	require.NoError(t, store.SetStatus(ctx, "T2", task.StatusProcessing))
	require.NoError(t, store.SetStatus(ctx, "T2", task.StatusPending, task.WithNextRetryAt(time.Now())))
	orch.handleGenerationRequested(ctx, bus.GenerationRequested{
		TaskID: "T2", ModelAlias: "fast-image", Count: 1, CallerCredentialID: 7, CorrelationID: "corr-2",
	})

	final, err := store.Get(ctx, "T2")
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, final.Status)
	require.Equal(t, 2, client.callIdx)
}

func TestHandleGenerationRequestedCircuitOpenFailsFastWithoutDispatch(t *testing.T) {
	orch, store, _, client := newTestHarness(t, true)
	createPendingTask(t, store, "T3", "")

	breaker := orch.deps.Breakers.Get("acme")
	for i := 0; i < 5; i++ {
		breaker.Mark(errors.New("probe failure"))
	}

	ctx := context.Background()
	orch.handleGenerationRequested(ctx, bus.GenerationRequested{
		TaskID: "T3", ModelAlias: "fast-image", Count: 1, CallerCredentialID: 7, CorrelationID: "corr-3",
	})

	require.Equal(t, 0, client.callIdx, "upstream client must not be invoked while the circuit is open")

	final, err := store.Get(ctx, "T3")
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, final.Status, "an open-circuit failure must be retryable, not terminal")
	require.NotNil(t, final.NextRetryAt)
	require.Equal(t, string(classify.KindProviderUnavailable), final.ErrorCode)
}

func TestHandleGenerationCancelledTransitionsToCancelledAndIsIdempotent(t *testing.T) {
	orch, store, b, _ := newTestHarness(t, true)
	createPendingTask(t, store, "T4", "https://caller.example/webhook")
	ctx := context.Background()
	require.NoError(t, store.SetStatus(ctx, "T4", task.StatusProcessing))

	webhooks, err := b.Consume(ctx, bus.TopicWebhookDeliveryRequested)
	require.NoError(t, err)

	orch.handleGenerationCancelled(ctx, bus.GenerationCancelled{TaskID: "T4", CorrelationID: "corr-4"})
	orch.handleGenerationCancelled(ctx, bus.GenerationCancelled{TaskID: "T4", CorrelationID: "corr-4"})

	final, err := store.Get(ctx, "T4")
	require.NoError(t, err)
	require.Equal(t, task.StatusCancelled, final.Status)

	select {
	case msg := <-webhooks:
		evt := msg.Payload.(bus.WebhookDeliveryRequested)
		require.Equal(t, "TaskCancelled", evt.EventType)
	case <-time.After(time.Second):
		t.Fatal("expected a webhook delivery request on cancellation")
	}
}
