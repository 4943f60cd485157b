package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/genkernel/orchestrator/internal/provider"
)

// factoryProber adapts provider.Factory into health.Prober: providers
// implementing HealthProber are probed directly, others fall back to a
// cheap ListModels call, and providers exposing neither are reported
// unconditionally healthy (spec.md §4.6 treats the probe itself as an
// external collaborator per provider).
type factoryProber struct {
	factory *provider.Factory
}

func newFactoryProber(factory *provider.Factory) *factoryProber {
	return &factoryProber{factory: factory}
}

func (p *factoryProber) Probe(ctx context.Context, providerID string) (time.Duration, error) {
	client, ok := p.factory.Get(providerID)
	if !ok {
		return 0, fmt.Errorf("no client registered for provider %s", providerID)
	}

	if prober, ok := client.(provider.HealthProber); ok {
		return prober.Probe(ctx)
	}
	if lister, ok := client.(provider.ModelLister); ok {
		start := time.Now()
		_, err := lister.ListModels(ctx)
		return time.Since(start), err
	}
	return 0, nil
}
