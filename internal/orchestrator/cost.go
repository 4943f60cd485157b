package orchestrator

import "context"

// UsageRecord describes the billable usage of one completed generation,
// per spec.md §4.4 step 8: image_count for image tasks, or
// duration_seconds x resolution for video tasks.
type UsageRecord struct {
	ImageCount      int
	DurationSeconds int
	Resolution      string
}

// CostEstimator is the external cost service collaborator. Its concrete
// implementation (billing lookups, per-model pricing tables) lives
// outside this package's scope per spec.md §1; StaticPriceTable below
// is a minimal in-process default suitable for local deployments and
// tests.
type CostEstimator interface {
	EstimateCost(ctx context.Context, providerID, model string, usage UsageRecord) (float64, error)
}

// StaticPriceTable is a stdlib-only CostEstimator keyed by
// "providerID/model"; this is intentionally not backed by a
// third-party pricing SDK since none of the example repos carry one —
// billing/pricing is out of scope for every pack repo, so the simplest
// correct stdlib map suffices here.
type StaticPriceTable struct {
	PerImage        map[string]float64
	PerSecondVideo  map[string]float64
	DefaultPerImage float64
	DefaultPerSecondVideo float64
}

func NewStaticPriceTable() *StaticPriceTable {
	return &StaticPriceTable{
		PerImage:              map[string]float64{},
		PerSecondVideo:        map[string]float64{},
		DefaultPerImage:       0.02,
		DefaultPerSecondVideo: 0.10,
	}
}

func (t *StaticPriceTable) EstimateCost(ctx context.Context, providerID, model string, usage UsageRecord) (float64, error) {
	key := providerID + "/" + model
	if usage.ImageCount > 0 {
		price, ok := t.PerImage[key]
		if !ok {
			price = t.DefaultPerImage
		}
		return price * float64(usage.ImageCount), nil
	}
	if usage.DurationSeconds > 0 {
		price, ok := t.PerSecondVideo[key]
		if !ok {
			price = t.DefaultPerSecondVideo
		}
		return price * float64(usage.DurationSeconds), nil
	}
	return 0, nil
}
