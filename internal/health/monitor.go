package health

import (
	"context"
	"sync"
	"time"

	"github.com/genkernel/orchestrator/internal/async"
	"github.com/genkernel/orchestrator/internal/bus"
	"github.com/genkernel/orchestrator/internal/obslog"
)

// Record is ProviderHealth from spec.md §3.
type Record struct {
	ProviderID          string
	IsHealthy           bool
	HealthScore         float64
	ConsecutiveFailures int
	LastCheckAt         time.Time
	LastSuccessAt       *time.Time
	LastResponseTimeMS  int64
}

// Prober performs the cheap liveness probe for one provider (e.g. GET
// /models), returning the observed response time and an error on
// failure. Concrete provider clients are external collaborators; only
// this narrow contract is consumed here, per spec.md §1.
type Prober interface {
	Probe(ctx context.Context, providerID string) (time.Duration, error)
}

// SchedulerConfig holds the two periodic timers from spec.md §4.6.
type SchedulerConfig struct {
	HealthCheckInterval    time.Duration // default 5m
	MetricsEvalInterval    time.Duration // default 1m
	SlowResponseThreshold  time.Duration // default 2s, used by the score formula
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		HealthCheckInterval:   5 * time.Minute,
		MetricsEvalInterval:   1 * time.Minute,
		SlowResponseThreshold: 2 * time.Second,
	}
}

// Monitor runs the two periodic timers, maintains a Record and
// CircuitBreaker per provider, and publishes ProviderHealthChanged.
type Monitor struct {
	prober    Prober
	breakers  *Manager
	publisher bus.Publisher
	cfg       SchedulerConfig
	logger    *obslog.Logger

	mu       sync.RWMutex
	records  map[string]*Record
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewMonitor(prober Prober, breakers *Manager, publisher bus.Publisher, cfg SchedulerConfig, logger *obslog.Logger) *Monitor {
	return &Monitor{
		prober:    prober,
		breakers:  breakers,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.Component("health.monitor"),
		records:   make(map[string]*Record),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the health-check and metrics-eval tickers for the
// given provider ids, panic-safe via internal/async.Go.
func (m *Monitor) Start(ctx context.Context, providerIDs []string) {
	async.Go(m.logger, "health.checkLoop", func() { m.checkLoop(ctx, providerIDs) })
	async.Go(m.logger, "health.evalLoop", func() { m.evalLoop(ctx) })
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Monitor) checkLoop(ctx context.Context, providerIDs []string) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			for _, id := range providerIDs {
				m.probeOne(ctx, id)
			}
		}
	}
}

func (m *Monitor) evalLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MetricsEvalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.recomputeScores()
		}
	}
}

func (m *Monitor) probeOne(ctx context.Context, providerID string) {
	start := time.Now()
	rt, err := m.prober.Probe(ctx, providerID)
	if rt == 0 {
		rt = time.Since(start)
	}

	m.mu.Lock()
	rec, ok := m.records[providerID]
	if !ok {
		rec = &Record{ProviderID: providerID, HealthScore: 1.0, IsHealthy: true}
		m.records[providerID] = rec
	}
	wasHealthy := rec.IsHealthy
	rec.LastCheckAt = time.Now()
	rec.LastResponseTimeMS = rt.Milliseconds()
	if err != nil {
		rec.ConsecutiveFailures++
	} else {
		rec.ConsecutiveFailures = 0
		now := time.Now()
		rec.LastSuccessAt = &now
	}
	rec.HealthScore = computeScore(rec, m.cfg.SlowResponseThreshold)
	// A provider is considered healthy at score >= 0.5; the score alone
	// (capped at a 0.2 floor from consecutive failures) never reaches 0
	// on failures alone, so dispatch-gating additionally consults the
	// circuit breaker's own Open state.
	rec.IsHealthy = rec.HealthScore >= 0.5
	nowHealthy := rec.IsHealthy
	m.mu.Unlock()

	cb := m.breakers.Get(providerID)
	cb.Mark(err)

	if wasHealthy != nowHealthy && m.publisher != nil {
		status := "unhealthy"
		if nowHealthy {
			status = "healthy"
		}
		_ = m.publisher.Publish(ctx, bus.TopicProviderHealthChanged, bus.ProviderHealthChanged{
			ProviderID: providerID,
			IsHealthy:  nowHealthy,
			Status:     status,
		})
	}
}

func (m *Monitor) recomputeScores() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		rec.HealthScore = computeScore(rec, m.cfg.SlowResponseThreshold)
	}
}

// computeScore implements the formula from spec.md §4.6, starting at
// 1.0 and clamped to [0,1].
func computeScore(rec *Record, slowThreshold time.Duration) float64 {
	score := 1.0

	failPenalty := float64(rec.ConsecutiveFailures) * 0.1
	if failPenalty > 0.5 {
		failPenalty = 0.5
	}
	score -= failPenalty

	if slowThreshold > 0 && rec.LastResponseTimeMS > 0 {
		slowMS := float64(slowThreshold.Milliseconds())
		over := float64(rec.LastResponseTimeMS) - slowMS
		if over > 0 {
			frac := over / slowMS
			if frac > 1 {
				frac = 1
			}
			score -= 0.3 * frac
		}
	}

	if rec.ConsecutiveFailures > 0 {
		score -= 0.3
	}

	if rec.LastSuccessAt != nil && time.Since(*rec.LastSuccessAt) <= 5*time.Minute {
		score += 0.1
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func (m *Monitor) Record(providerID string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[providerID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}
