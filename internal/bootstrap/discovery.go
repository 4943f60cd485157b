package bootstrap

import (
	"context"

	"github.com/genkernel/orchestrator/internal/discovery"
)

// staticCredentialChecker allows every caller; production deployments
// swap this for the real billing/auth service (spec.md §1 scope
// boundary — this module only consumes CredentialChecker).
type staticCredentialChecker struct{}

func (staticCredentialChecker) Check(ctx context.Context, credentialID int64, alias string) error {
	return nil
}

// staticMappingStore resolves aliases from the config file's static
// table. A full deployment backs this with a database-driven admin
// surface; that surface is out of scope here.
type staticMappingStore struct {
	mappings map[string]discovery.Mapping
}

func (s staticMappingStore) Lookup(ctx context.Context, alias string) (discovery.Mapping, bool, error) {
	m, ok := s.mappings[alias]
	return m, ok, nil
}

// staticProviderStore reports every configured provider id as
// available; the health monitor's circuit breaker is the real
// availability signal once the process has been running.
type staticProviderStore struct {
	ids map[string]bool
}

func (s staticProviderStore) IsAvailable(ctx context.Context, providerID string) (bool, error) {
	return s.ids[providerID], nil
}

// noopCatalogSource reports an empty catalog for every provider; model
// discovery (spec.md §4.8's background refresh) is a no-op until a real
// per-provider catalog endpoint is wired in.
type noopCatalogSource struct{}

func (noopCatalogSource) FetchCatalog(ctx context.Context, providerID string) (map[string]discovery.Capabilities, error) {
	return map[string]discovery.Capabilities{}, nil
}

func newDiscoveryCollaborators(cfg Config) (discovery.CredentialChecker, discovery.MappingStore, discovery.ProviderStore, discovery.CatalogSource) {
	ids := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		ids[p.ID] = true
	}
	return staticCredentialChecker{}, staticMappingStore{mappings: cfg.mappingsByAlias()}, staticProviderStore{ids: ids}, noopCatalogSource{}
}
