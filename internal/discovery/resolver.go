// Package discovery implements the Discovery & Capability Resolver
// (spec.md §4.8): translates a (credential, model alias) pair into a
// validated (provider, model, capabilities) triple, and runs a
// background model-discovery refresh. The layered "explicit mapping
// store" + "TTL-cached fallback source" shape is grounded on the
// teacher's internal/app/subscription catalog/registry pattern
// (provider/plan lookups with TTL-refreshed background catalog sync).
package discovery

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/genkernel/orchestrator/internal/async"
	"github.com/genkernel/orchestrator/internal/bus"
	"github.com/genkernel/orchestrator/internal/classify"
	"github.com/genkernel/orchestrator/internal/obslog"
)

// Capabilities is the per-model capability flag set from spec.md §3.
type Capabilities struct {
	SupportsImageGeneration bool
	SupportsVideoGeneration bool
	SupportsVision          bool
}

// Modality selects which capability flag a dispatch is checked against.
type Modality string

const (
	ModalityImage Modality = "image"
	ModalityVideo Modality = "video"
)

func (c Capabilities) Supports(m Modality) bool {
	switch m {
	case ModalityImage:
		return c.SupportsImageGeneration
	case ModalityVideo:
		return c.SupportsVideoGeneration
	default:
		return false
	}
}

// Mapping is ModelMapping from spec.md §3.
type Mapping struct {
	Alias           string
	ProviderID      string
	ProviderModelID string
	Capabilities    Capabilities
}

// Resolution is the triple returned by Resolve.
type Resolution struct {
	ProviderID      string
	ProviderModelID string
	Capabilities    Capabilities
}

// CredentialChecker validates the caller's credential and policy,
// consumed here only through this narrow interface per spec.md §1.
type CredentialChecker interface {
	// Check returns nil if credentialID is enabled and permitted to use
	// alias; classify.KindAuthorization otherwise.
	Check(ctx context.Context, credentialID int64, alias string) error
}

// MappingStore is the explicit model-alias mapping source.
type MappingStore interface {
	Lookup(ctx context.Context, alias string) (Mapping, bool, error)
}

// ProviderStore looks up ProviderDescriptor by id.
type ProviderStore interface {
	IsAvailable(ctx context.Context, providerID string) (bool, error)
}

// CatalogSource performs the per-provider catalog refresh for
// background model discovery (spec.md §4.8's second paragraph). For
// providers without a catalog endpoint, implementations return
// baked-in defaults.
type CatalogSource interface {
	FetchCatalog(ctx context.Context, providerID string) (map[string]Capabilities, error)
}

// Resolver ties the pieces together and owns the 24h-TTL discovery
// cache (an in-process LRU, ported from the teacher's use of
// hashicorp/golang-lru/v2 elsewhere in its config/caching layers).
type Resolver struct {
	credentials CredentialChecker
	mappings    MappingStore
	providers   ProviderStore
	catalog     CatalogSource
	publisher   bus.Publisher
	logger      *obslog.Logger

	discoveryCache *lru.Cache[string, discoveryEntry]
	ttl            time.Duration
}

type discoveryEntry struct {
	capabilities map[string]Capabilities
	fetchedAt    time.Time
}

func New(credentials CredentialChecker, mappings MappingStore, providers ProviderStore, catalog CatalogSource, publisher bus.Publisher, logger *obslog.Logger) (*Resolver, error) {
	cache, err := lru.New[string, discoveryEntry](256)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		credentials:    credentials,
		mappings:       mappings,
		providers:      providers,
		catalog:        catalog,
		publisher:      publisher,
		logger:         logger.Component("discovery"),
		discoveryCache: cache,
		ttl:            24 * time.Hour,
	}, nil
}

// Resolve implements the five-step procedure from spec.md §4.8.
func (r *Resolver) Resolve(ctx context.Context, credentialID int64, alias string, modality Modality) (Resolution, error) {
	if err := r.credentials.Check(ctx, credentialID, alias); err != nil {
		return Resolution{}, err
	}

	mapping, ok, err := r.mappings.Lookup(ctx, alias)
	if err != nil {
		return Resolution{}, classify.Internal(err)
	}
	if !ok {
		if caps, found := r.fromDiscoveryCache(alias); found {
			mapping = caps
			ok = true
		}
	}
	if !ok {
		return Resolution{}, classify.ModelNotFound("model alias not found: " + alias)
	}

	if !mapping.Capabilities.Supports(modality) {
		return Resolution{}, classify.UnsupportedCapability("model " + alias + " does not support " + string(modality))
	}

	available, err := r.providers.IsAvailable(ctx, mapping.ProviderID)
	if err != nil {
		return Resolution{}, classify.Internal(err)
	}
	if !available {
		return Resolution{}, classify.ProviderUnavailable("provider unavailable: " + mapping.ProviderID)
	}

	return Resolution{
		ProviderID:      mapping.ProviderID,
		ProviderModelID: mapping.ProviderModelID,
		Capabilities:    mapping.Capabilities,
	}, nil
}

// fromDiscoveryCache implements spec.md §4.8's fallback path: "the
// resolver consults this cache only as a fallback for aliases absent
// from the explicit mapping store." The discovery cache is keyed per
// provider (§6: discovery_cache:provider:<name>), each holding a
// per-model capability map; an alias absent from the explicit mapping
// store is resolvable here when it matches a discovered provider-model
// id verbatim (the documented case being a caller-supplied alias equal
// to the upstream model id itself).
func (r *Resolver) fromDiscoveryCache(alias string) (Mapping, bool) {
	for _, providerID := range r.discoveryCache.Keys() {
		entry, ok := r.discoveryCache.Get(providerID)
		if !ok || time.Since(entry.fetchedAt) > r.ttl {
			continue
		}
		caps, ok := entry.capabilities[alias]
		if !ok {
			continue
		}
		return Mapping{
			Alias:           alias,
			ProviderID:      providerID,
			ProviderModelID: alias,
			Capabilities:    caps,
		}, true
	}
	return Mapping{}, false
}

// ListDiscovered returns the cached capability set for providerID, or
// (nil, false) if no discovery run has populated it yet, or if the
// entry is older than the TTL.
func (r *Resolver) ListDiscovered(providerID string) (map[string]Capabilities, bool) {
	entry, ok := r.discoveryCache.Get(providerID)
	if !ok || time.Since(entry.fetchedAt) > r.ttl {
		return nil, false
	}
	return entry.capabilities, true
}

// RunDiscovery refreshes the catalog for every given provider id,
// updating the discovery cache and publishing
// ModelCapabilitiesDiscovered when the set changes.
func (r *Resolver) RunDiscovery(ctx context.Context, providerIDs []string) {
	for _, id := range providerIDs {
		caps, err := r.catalog.FetchCatalog(ctx, id)
		if err != nil {
			r.logger.Warn("catalog fetch failed", "provider_id", id, "err", err)
			continue
		}
		prev, hadPrev := r.discoveryCache.Get(id)
		r.discoveryCache.Add(id, discoveryEntry{capabilities: caps, fetchedAt: time.Now()})

		if !hadPrev || !capabilitiesEqual(prev.capabilities, caps) {
			if r.publisher != nil {
				_ = r.publisher.Publish(ctx, bus.TopicModelCapabilitiesDiscovered, bus.ModelCapabilitiesDiscovered{
					ProviderID:   id,
					DiscoveredAt: time.Now().UTC(),
				})
			}
		}
	}
}

// StartBackgroundDiscovery launches a periodic RunDiscovery loop,
// panic-safe via internal/async.Go, matching the teacher's convention
// for every long-lived background task.
func (r *Resolver) StartBackgroundDiscovery(ctx context.Context, providerIDs []string, interval time.Duration) {
	async.Go(r.logger, "discovery.refreshLoop", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RunDiscovery(ctx, providerIDs)
			}
		}
	})
}

func capabilitiesEqual(a, b map[string]Capabilities) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
