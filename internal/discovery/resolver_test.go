package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/genkernel/orchestrator/internal/bus"
	"github.com/genkernel/orchestrator/internal/classify"
	"github.com/genkernel/orchestrator/internal/obslog"
)

type stubCredentials struct {
	err error
}

func (s stubCredentials) Check(ctx context.Context, credentialID int64, alias string) error {
	return s.err
}

type stubMappings struct {
	mappings map[string]Mapping
}

func (s stubMappings) Lookup(ctx context.Context, alias string) (Mapping, bool, error) {
	m, ok := s.mappings[alias]
	return m, ok, nil
}

type stubProviders struct {
	available map[string]bool
}

func (s stubProviders) IsAvailable(ctx context.Context, providerID string) (bool, error) {
	return s.available[providerID], nil
}

type stubCatalog struct {
	catalogs map[string]map[string]Capabilities
}

func (s stubCatalog) FetchCatalog(ctx context.Context, providerID string) (map[string]Capabilities, error) {
	c, ok := s.catalogs[providerID]
	if !ok {
		return nil, errors.New("no catalog for provider")
	}
	return c, nil
}

func newTestResolver(t *testing.T, credErr error, mappings map[string]Mapping, available map[string]bool) *Resolver {
	t.Helper()
	r, err := New(
		stubCredentials{err: credErr},
		stubMappings{mappings: mappings},
		stubProviders{available: available},
		stubCatalog{catalogs: map[string]map[string]Capabilities{}},
		bus.NewInProcess(),
		obslog.Nop(),
	)
	require.NoError(t, err)
	return r
}

func TestResolve_AuthorizationFailsFirst(t *testing.T) {
	r := newTestResolver(t, classify.Authorization("credential disabled"), nil, nil)
	_, err := r.Resolve(context.Background(), 1, "gpt-image", ModalityImage)
	require.Equal(t, classify.KindAuthorization, classify.Classify(err))
}

func TestResolve_ModelNotFoundWhenAliasMissing(t *testing.T) {
	r := newTestResolver(t, nil, map[string]Mapping{}, nil)
	_, err := r.Resolve(context.Background(), 1, "nonexistent", ModalityImage)
	require.Equal(t, classify.KindModelNotFound, classify.Classify(err))
}

func TestResolve_UnsupportedCapability(t *testing.T) {
	mappings := map[string]Mapping{
		"gpt-image": {
			Alias:           "gpt-image",
			ProviderID:      "openai",
			ProviderModelID: "gpt-image-1",
			Capabilities:    Capabilities{SupportsImageGeneration: true},
		},
	}
	r := newTestResolver(t, nil, mappings, map[string]bool{"openai": true})
	_, err := r.Resolve(context.Background(), 1, "gpt-image", ModalityVideo)
	require.Equal(t, classify.KindUnsupportedCapability, classify.Classify(err))
}

func TestResolve_ProviderUnavailable(t *testing.T) {
	mappings := map[string]Mapping{
		"gpt-image": {
			Alias:           "gpt-image",
			ProviderID:      "openai",
			ProviderModelID: "gpt-image-1",
			Capabilities:    Capabilities{SupportsImageGeneration: true},
		},
	}
	r := newTestResolver(t, nil, mappings, map[string]bool{"openai": false})
	_, err := r.Resolve(context.Background(), 1, "gpt-image", ModalityImage)
	require.Equal(t, classify.KindProviderUnavailable, classify.Classify(err))
}

func TestResolve_Success(t *testing.T) {
	mappings := map[string]Mapping{
		"gpt-image": {
			Alias:           "gpt-image",
			ProviderID:      "openai",
			ProviderModelID: "gpt-image-1",
			Capabilities:    Capabilities{SupportsImageGeneration: true},
		},
	}
	r := newTestResolver(t, nil, mappings, map[string]bool{"openai": true})
	res, err := r.Resolve(context.Background(), 1, "gpt-image", ModalityImage)
	require.NoError(t, err)
	require.Equal(t, "openai", res.ProviderID)
	require.Equal(t, "gpt-image-1", res.ProviderModelID)
}

func TestRunDiscovery_PublishesOnlyOnChange(t *testing.T) {
	b := bus.NewInProcess()
	ch, err := b.Consume(context.Background(), bus.TopicModelCapabilitiesDiscovered)
	require.NoError(t, err)

	r, err := New(
		stubCredentials{},
		stubMappings{mappings: map[string]Mapping{}},
		stubProviders{available: map[string]bool{}},
		stubCatalog{catalogs: map[string]map[string]Capabilities{
			"openai": {"gpt-image-1": {SupportsImageGeneration: true}},
		}},
		b,
		obslog.Nop(),
	)
	require.NoError(t, err)

	r.RunDiscovery(context.Background(), []string{"openai"})
	select {
	case <-ch:
	default:
		t.Fatal("expected a ModelCapabilitiesDiscovered event on first discovery")
	}

	r.RunDiscovery(context.Background(), []string{"openai"})
	select {
	case <-ch:
		t.Fatal("did not expect a second event when the catalog is unchanged")
	default:
	}

	discovered, ok := r.ListDiscovered("openai")
	require.True(t, ok)
	require.True(t, discovered["gpt-image-1"].SupportsImageGeneration)
}

func TestResolve_FallsBackToDiscoveryCacheWhenAliasAbsentFromMappingStore(t *testing.T) {
	r, err := New(
		stubCredentials{},
		stubMappings{mappings: map[string]Mapping{}},
		stubProviders{available: map[string]bool{"openai": true}},
		stubCatalog{catalogs: map[string]map[string]Capabilities{
			"openai": {"gpt-image-1": {SupportsImageGeneration: true}},
		}},
		bus.NewInProcess(),
		obslog.Nop(),
	)
	require.NoError(t, err)

	r.RunDiscovery(context.Background(), []string{"openai"})

	res, err := r.Resolve(context.Background(), 1, "gpt-image-1", ModalityImage)
	require.NoError(t, err)
	require.Equal(t, "openai", res.ProviderID)
	require.Equal(t, "gpt-image-1", res.ProviderModelID)
}

func TestResolve_ModelNotFoundWhenAbsentFromBothMappingAndDiscoveryCache(t *testing.T) {
	r, err := New(
		stubCredentials{},
		stubMappings{mappings: map[string]Mapping{}},
		stubProviders{available: map[string]bool{"openai": true}},
		stubCatalog{catalogs: map[string]map[string]Capabilities{
			"openai": {"gpt-image-1": {SupportsImageGeneration: true}},
		}},
		bus.NewInProcess(),
		obslog.Nop(),
	)
	require.NoError(t, err)

	r.RunDiscovery(context.Background(), []string{"openai"})

	_, err = r.Resolve(context.Background(), 1, "nonexistent", ModalityImage)
	require.Equal(t, classify.KindModelNotFound, classify.Classify(err))
}
