// Package registry holds exchange configs and adapters, probes exchange
// health and ranks venues for order routing.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"omnex-core/internal/events"
	"omnex-core/pkg/exchanges/common"
)

var (
	ErrNoHealthyExchange = errors.New("no healthy exchange available")
	ErrExchangeNotFound  = errors.New("exchange not found")
)

// HealthStatus classifies an exchange for routing.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusDown     HealthStatus = "down"
)

// Health is the latest probe result for one exchange.
type Health struct {
	Status              HealthStatus  `json:"status"`
	LastCheck           time.Time     `json:"last_check"`
	ResponseTime        time.Duration `json:"response_time"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

const (
	probeInterval    = 30 * time.Second
	probeTimeout     = 2 * time.Second
	healthyUnder     = time.Second
	failureThreshold = 3
)

type entry struct {
	cfg     ExchangeConfig
	adapter common.Adapter
	health  Health
}

// Registry owns adapter instances and their health state. Constructed once
// at startup and passed by reference; no global state.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	bus     *events.Bus
}

// New builds adapters for every config through factory. A config whose
// adapter cannot be built is rejected outright rather than silently skipped.
func New(configs []ExchangeConfig, factory AdapterFactory, bus *events.Bus) (*Registry, error) {
	r := &Registry{
		entries: make(map[string]*entry, len(configs)),
		bus:     bus,
	}
	for _, cfg := range configs {
		adapter, err := factory(cfg)
		if err != nil {
			return nil, fmt.Errorf("exchange %s: %w", cfg.ID, err)
		}
		// Exchanges start degraded until the first probe proves them out.
		r.entries[cfg.ID] = &entry{
			cfg:     cfg,
			adapter: adapter,
			health:  Health{Status: StatusDegraded},
		}
	}
	return r, nil
}

// Start launches the periodic health probe loop.
func (r *Registry) Start(ctx context.Context) {
	r.probeAll(ctx)

	ticker := time.NewTicker(probeInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.probeAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Printf("registry: health monitor started (%d exchanges, interval %v)", len(r.entries), probeInterval)
}

// Adapter returns the adapter for an exchange id.
func (r *Registry) Adapter(id string) (common.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrExchangeNotFound
	}
	return e.adapter, nil
}

// Config returns the config for an exchange id.
func (r *Registry) Config(id string) (ExchangeConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return ExchangeConfig{}, ErrExchangeNotFound
	}
	return e.cfg, nil
}

// EnabledConfigs returns every enabled exchange config.
func (r *Registry) EnabledConfigs() []ExchangeConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ExchangeConfig, 0, len(r.entries))
	for _, e := range r.entries {
		if e.cfg.Enabled {
			out = append(out, e.cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Select picks the routing target: enabled and healthy, lowest priority wins.
func (r *Registry) Select() (ExchangeConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*entry
	for _, e := range r.entries {
		if e.cfg.Enabled && e.health.Status == StatusHealthy {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return ExchangeConfig{}, ErrNoHealthyExchange
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].cfg.Priority < candidates[j].cfg.Priority
	})
	return candidates[0].cfg, nil
}

// HealthReport returns the latest probe results keyed by exchange id.
func (r *Registry) HealthReport() map[string]Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Health, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.health
	}
	return out
}

// SetHealth overrides the health state for one exchange; used by tests and
// by operator tooling to force a venue out of rotation.
func (r *Registry) SetHealth(id string, h Health) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.health = h
	}
}

func (r *Registry) probeAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		if e.cfg.Enabled {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.probe(ctx, id)
	}
}

// probe issues a lightweight balance call and classifies the result.
func (r *Registry) probe(ctx context.Context, id string) {
	r.mu.RLock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.RUnlock()
		return
	}
	adapter := e.adapter
	asset := e.cfg.ProbeAsset
	r.mu.RUnlock()

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	start := time.Now()
	_, err := adapter.GetBalance(pctx, asset)
	elapsed := time.Since(start)
	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	h := &e.health
	h.LastCheck = time.Now()
	h.ResponseTime = elapsed

	switch {
	case err == nil && elapsed < healthyUnder:
		h.Status = StatusHealthy
		h.ConsecutiveFailures = 0
	case err == nil:
		h.Status = StatusDegraded
		h.ConsecutiveFailures = 0
	default:
		h.ConsecutiveFailures++
		if h.ConsecutiveFailures >= failureThreshold {
			h.Status = StatusDown
		} else {
			h.Status = StatusDegraded
		}
		log.Printf("registry: probe %s failed (%d consecutive): %v", id, h.ConsecutiveFailures, err)
		if h.ConsecutiveFailures >= failureThreshold && r.bus != nil {
			r.bus.Publish(events.EventHealthAlert, fmt.Sprintf(
				"exchange %s down: %d consecutive probe failures", id, h.ConsecutiveFailures))
		}
	}
}
