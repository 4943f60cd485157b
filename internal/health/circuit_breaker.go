// Package health implements the Provider Health Monitor and its
// per-provider circuit breaker (spec.md §4.6). The circuit breaker is
// ported near-verbatim from the teacher's
// internal/errors/circuit_breaker.go (three-state machine, failure/
// success thresholds, OnStateChange callback). ProviderHealthChanged
// events are published by Monitor, not through OnStateChange.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/genkernel/orchestrator/internal/classify"
	"github.com/genkernel/orchestrator/internal/obslog"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerConfig mirrors the teacher's CircuitBreakerConfig field-for-field.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	OnStateChange    func(providerID string, from, to State)
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          10 * time.Minute,
	}
}

// CircuitBreaker gates dispatch to one provider.
type CircuitBreaker struct {
	providerID string
	cfg        BreakerConfig
	logger     *obslog.Logger

	mu              sync.RWMutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastStateChange time.Time
}

func NewCircuitBreaker(providerID string, cfg BreakerConfig, logger *obslog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		providerID:      providerID,
		cfg:             cfg,
		logger:          logger.Component("circuit_breaker"),
		lastStateChange: time.Now(),
	}
}

// Allow reports whether a dispatch may proceed, transitioning Open ->
// HalfOpen when the timeout has elapsed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		return nil
	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.cfg.Timeout {
			cb.setStateLocked(StateHalfOpen)
			return nil
		}
		wait := cb.cfg.Timeout - time.Since(cb.lastFailureTime)
		return classify.CircuitOpen(fmt.Sprintf(
			"provider %s circuit open, retry in %s", cb.providerID, wait.Round(time.Second)))
	default:
		return nil
	}
}

// Mark records the outcome of a dispatch attempt.
func (cb *CircuitBreaker) Mark(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.onSuccessLocked()
	} else {
		cb.onFailureLocked()
	}
}

func (cb *CircuitBreaker) onSuccessLocked() {
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			cb.setStateLocked(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

func (cb *CircuitBreaker) onFailureLocked() {
	cb.lastFailureTime = time.Now()
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.setStateLocked(StateOpen)
		cb.successCount = 0
	}
}

func (cb *CircuitBreaker) setStateLocked(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.lastStateChange = time.Now()
	if cb.cfg.OnStateChange != nil {
		go cb.cfg.OnStateChange(cb.providerID, from, to)
	}
}

// Execute runs fn if Allow permits it, recording the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.Mark(err)
	return err
}

type Metrics struct {
	ProviderID      string
	State           State
	FailureCount    int
	SuccessCount    int
	LastFailureTime time.Time
	LastStateChange time.Time
}

func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return Metrics{
		ProviderID:      cb.providerID,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
	}
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
}

// Manager lazily creates and caches one CircuitBreaker per provider id,
// ported from the teacher's CircuitBreakerManager.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      BreakerConfig
	logger   *obslog.Logger
}

func NewManager(cfg BreakerConfig, logger *obslog.Logger) *Manager {
	return &Manager{breakers: make(map[string]*CircuitBreaker), cfg: cfg, logger: logger}
}

func (m *Manager) Get(providerID string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[providerID]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[providerID]; ok {
		return cb
	}
	cb = NewCircuitBreaker(providerID, m.cfg, m.logger)
	m.breakers[providerID] = cb
	return cb
}

func (m *Manager) AllMetrics() []Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Metrics, 0, len(m.breakers))
	for _, cb := range m.breakers {
		out = append(out, cb.Metrics())
	}
	return out
}

func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cb := range m.breakers {
		cb.Reset()
	}
}
