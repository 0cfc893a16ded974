// Package reconciliation runs two periodic jobs: a balance snapshot that
// compares adapter-reported holdings against the ledger's allocated totals,
// and an open-order poll that refreshes live order state from the exchanges.
package reconciliation

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"omnex-core/internal/events"
	"omnex-core/internal/ledger"
	"omnex-core/internal/persistence"
	"omnex-core/internal/registry"
	"omnex-core/internal/router"
	"omnex-core/pkg/db"
)

// Classification of one (exchange, asset) comparison.
const (
	ClassBalanced       = "balanced"
	ClassUnderAllocated = "under_allocated"
	ClassOverAllocated  = "over_allocated"
)

// balanceTolerance absorbs exchange rounding and in-flight fees.
const balanceTolerance = 0.01

const (
	defaultSnapshotInterval = 10 * time.Minute
	defaultPollInterval     = 15 * time.Second
)

// Service drives both reconciliation loops.
type Service struct {
	registry *registry.Registry
	ledger   *ledger.Ledger
	router   *router.Router
	database *db.Database
	queue    *persistence.Queue
	bus      *events.Bus

	trackedAssets    []string
	snapshotInterval time.Duration
	pollInterval     time.Duration

	mu sync.Mutex
}

func NewService(reg *registry.Registry, l *ledger.Ledger, r *router.Router,
	database *db.Database, queue *persistence.Queue, bus *events.Bus, trackedAssets []string) *Service {
	return &Service{
		registry:         reg,
		ledger:           l,
		router:           r,
		database:         database,
		queue:            queue,
		bus:              bus,
		trackedAssets:    trackedAssets,
		snapshotInterval: defaultSnapshotInterval,
		pollInterval:     defaultPollInterval,
	}
}

// SetIntervals overrides the default cadences. Call before Start.
func (s *Service) SetIntervals(snapshot, poll time.Duration) {
	if snapshot > 0 {
		s.snapshotInterval = snapshot
	}
	if poll > 0 {
		s.pollInterval = poll
	}
}

// Start launches both tickers; they stop when ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	go s.runSnapshots(ctx)
	go s.runOrderPoll(ctx)
	log.Printf("reconciliation: started (snapshots every %v, order poll every %v)",
		s.snapshotInterval, s.pollInterval)
}

func (s *Service) runSnapshots(ctx context.Context) {
	ticker := time.NewTicker(s.snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.SnapshotAll(ctx); err != nil {
				log.Printf("reconciliation: snapshot cycle: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) runOrderPoll(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.PollOpenOrders(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// SnapshotAll compares every enabled exchange against every tracked asset
// and persists one classified snapshot row per pair. Individual adapter
// failures skip that pair and never abort the cycle.
func (s *Service) SnapshotAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, cfg := range s.registry.EnabledConfigs() {
		adapter, err := s.registry.Adapter(cfg.ID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, asset := range s.trackedAssets {
			balance, err := adapter.GetBalance(ctx, asset)
			if err != nil {
				log.Printf("reconciliation: %s/%s balance fetch: %v", cfg.ID, asset, err)
				if firstErr == nil {
					firstErr = fmt.Errorf("balance %s/%s: %w", cfg.ID, asset, err)
				}
				continue
			}
			snap := s.classify(cfg.ID, asset, balance.Total)
			s.persistSnapshot(ctx, snap)
			if snap.Classification != ClassBalanced {
				log.Printf("reconciliation: %s/%s %s (actual %.8f, allocated %.8f)",
					cfg.ID, asset, snap.Classification, snap.ActualBalance, snap.AllocatedTotal)
				if s.bus != nil {
					s.bus.Publish(events.EventReconDrift, fmt.Sprintf(
						"%s/%s %s by %.8f", cfg.ID, asset, snap.Classification, snap.Difference))
				}
			}
		}
	}
	return firstErr
}

// classify compares the adapter-reported balance to the ledger total for
// one (exchange, asset) pair.
func (s *Service) classify(exchangeID, asset string, actual float64) db.ReconciliationSnapshot {
	allocated := s.ledger.BrokerAllocated(exchangeID, asset)
	diff := actual - allocated

	classification := ClassBalanced
	switch {
	case diff > balanceTolerance:
		// The exchange holds more than the ledger accounts for.
		classification = ClassUnderAllocated
	case diff < -balanceTolerance:
		classification = ClassOverAllocated
	}

	return db.ReconciliationSnapshot{
		ID:             uuid.NewString(),
		ExchangeID:     exchangeID,
		Asset:          asset,
		ActualBalance:  actual,
		AllocatedTotal: allocated,
		Difference:     diff,
		Classification: classification,
	}
}

func (s *Service) persistSnapshot(ctx context.Context, snap db.ReconciliationSnapshot) {
	if s.database == nil {
		return
	}
	if s.queue != nil {
		s.queue.Enqueue(persistence.Task{
			Name: "snapshot insert",
			Fn: func(ctx context.Context) error {
				return s.database.InsertSnapshot(ctx, snap)
			},
		})
		return
	}
	if err := s.database.InsertSnapshot(ctx, snap); err != nil {
		log.Printf("reconciliation: snapshot insert: %v", err)
	}
}

// PollOpenOrders refreshes every non-terminal order that has an external id
// from its exchange, folding drift into the router last-write-wins.
func (s *Service) PollOpenOrders(ctx context.Context) {
	for _, order := range s.router.OpenExternal() {
		adapter, err := s.registry.Adapter(order.ExchangeID)
		if err != nil {
			log.Printf("reconciliation: poll %s: %v", order.ID, err)
			continue
		}
		remote, err := adapter.GetOrderStatus(ctx, order.Symbol, order.ExternalOrderID)
		if err != nil {
			log.Printf("reconciliation: poll %s status: %v", order.ID, err)
			continue
		}
		if err := s.router.ApplyStatusUpdate(ctx, order.ID, remote); err != nil {
			// Terminal races with the caller path are expected noise.
			if err != router.ErrTerminalState {
				log.Printf("reconciliation: apply update %s: %v", order.ID, err)
			}
		}
	}
}

// Drift reports whether the difference falls outside tolerance. Exposed for
// the API layer to annotate snapshot listings.
func Drift(diff float64) bool {
	return math.Abs(diff) > balanceTolerance
}
