// Package ledger tracks the platform account at each exchange and the
// non-fungible broker/customer sub-balances carved out of it. The ledger is
// the only component allowed to mutate allocation state.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"omnex-core/internal/persistence"
	"omnex-core/pkg/db"
)

var (
	ErrInsufficientAllocation = errors.New("amount exceeds available balance")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrBelowAllocated         = errors.New("platform balance below allocated total")
)

// Key identifies one customer allocation in the flat table.
type Key struct {
	Exchange string
	Asset    string
	Broker   string
	Customer string
}

type poolKey struct {
	Exchange string
	Asset    string
}

// pool is the per (exchange, asset) view of the platform account.
type pool struct {
	total     float64
	available float64
	brokers   map[string]float64
}

// Ledger owns allocation state. A single mutex makes each validate->mutate
// sequence atomic; durable writes happen asynchronously afterward and are
// never rolled back into memory on failure.
type Ledger struct {
	mu          sync.RWMutex
	pools       map[poolKey]*pool
	allocations map[Key]float64

	database *db.Database
	queue    *persistence.Queue
}

// New creates an empty ledger. queue may be nil in tests; writes are then
// applied synchronously against database when present.
func New(database *db.Database, queue *persistence.Queue) *Ledger {
	return &Ledger{
		pools:       make(map[poolKey]*pool),
		allocations: make(map[Key]float64),
		database:    database,
		queue:       queue,
	}
}

// Load rebuilds in-memory state from the durable store at startup.
func (l *Ledger) Load(ctx context.Context) error {
	if l.database == nil {
		return nil
	}

	balances, err := l.database.ListPlatformBalances(ctx)
	if err != nil {
		return fmt.Errorf("load platform balances: %w", err)
	}
	rows, err := l.database.ListAllocations(ctx)
	if err != nil {
		return fmt.Errorf("load allocations: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, b := range balances {
		l.pools[poolKey{b.ExchangeID, b.Asset}] = &pool{
			total:     b.Total,
			available: b.Total,
			brokers:   make(map[string]float64),
		}
	}
	for _, a := range rows {
		pk := poolKey{a.ExchangeID, a.Asset}
		p, ok := l.pools[pk]
		if !ok {
			// Allocation without a stored platform total; track it anyway so
			// reconciliation surfaces the drift instead of hiding it.
			p = &pool{brokers: make(map[string]float64)}
			l.pools[pk] = p
		}
		key := Key{a.ExchangeID, a.Asset, a.BrokerID, a.CustomerID}
		l.allocations[key] = a.Amount
		p.brokers[a.BrokerID] += a.Amount
		p.available -= a.Amount
	}

	log.Printf("ledger: loaded %d pools, %d allocations", len(l.pools), len(l.allocations))
	return nil
}

// SetPlatformBalance records the platform total for one (exchange, asset).
// The total may not drop below what is already allocated to brokers.
func (l *Ledger) SetPlatformBalance(ctx context.Context, exchange, asset string, total float64) error {
	if total < 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	pk := poolKey{exchange, asset}
	p, ok := l.pools[pk]
	if !ok {
		p = &pool{brokers: make(map[string]float64)}
		l.pools[pk] = p
	}
	allocated := brokerSum(p)
	if total < allocated {
		l.mu.Unlock()
		return fmt.Errorf("%w: total %.8f, allocated %.8f", ErrBelowAllocated, total, allocated)
	}
	p.total = total
	p.available = total - allocated

	// Enqueued before the lock drops so the durable write order matches the
	// commit order.
	l.persist(ctx, "platform balance upsert", func(ctx context.Context) error {
		return l.database.UpsertPlatformBalance(ctx, db.PlatformBalance{
			ExchangeID: exchange,
			Asset:      asset,
			Total:      total,
		})
	})
	l.mu.Unlock()
	return nil
}

// Allocate reserves amount of the platform pool for one broker customer.
// It fails without mutation when the pool cannot cover the amount.
func (l *Ledger) Allocate(ctx context.Context, exchange, asset, broker, customer string, amount float64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	p, ok := l.pools[poolKey{exchange, asset}]
	if !ok || amount > p.available {
		l.mu.Unlock()
		return ErrInsufficientAllocation
	}

	key := Key{exchange, asset, broker, customer}
	p.available -= amount
	p.brokers[broker] += amount
	l.allocations[key] += amount
	newAmount := l.allocations[key]

	if err := checkPool(p); err != nil {
		// Revert; the invariant re-check guards against bookkeeping bugs.
		p.available += amount
		p.brokers[broker] -= amount
		l.allocations[key] -= amount
		l.mu.Unlock()
		return err
	}

	// Enqueued before the lock drops so the durable write order matches the
	// commit order.
	l.persistAllocation(ctx, key, newAmount)
	l.mu.Unlock()
	return nil
}

// Deallocate releases amount from one customer back to the platform pool.
// It fails without mutation when the customer holds less than amount.
func (l *Ledger) Deallocate(ctx context.Context, exchange, asset, broker, customer string, amount float64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	key := Key{exchange, asset, broker, customer}
	current, ok := l.allocations[key]
	if !ok || amount > current {
		l.mu.Unlock()
		return ErrInsufficientAllocation
	}

	p := l.pools[poolKey{exchange, asset}]
	p.available += amount
	p.brokers[broker] -= amount
	l.allocations[key] = current - amount
	newAmount := l.allocations[key]
	if newAmount == 0 {
		delete(l.allocations, key)
	}
	if p.brokers[broker] == 0 {
		delete(p.brokers, broker)
	}

	if err := checkPool(p); err != nil {
		p.available -= amount
		p.brokers[broker] += amount
		l.allocations[key] = current
		l.mu.Unlock()
		return err
	}

	l.persistAllocation(ctx, key, newAmount)
	l.mu.Unlock()
	return nil
}

// AvailableBalance returns one customer's allocation, defaulting to zero.
func (l *Ledger) AvailableBalance(exchange, asset, broker, customer string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allocations[Key{exchange, asset, broker, customer}]
}

// AvailableForAllocation returns the unallocated part of the platform pool.
func (l *Ledger) AvailableForAllocation(exchange, asset string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.pools[poolKey{exchange, asset}]; ok {
		return p.available
	}
	return 0
}

// BrokerAllocated returns the summed broker allocations for one pool; the
// reconciliation engine compares this against the exchange-reported balance.
func (l *Ledger) BrokerAllocated(exchange, asset string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.pools[poolKey{exchange, asset}]; ok {
		return brokerSum(p)
	}
	return 0
}

// PoolView is a point-in-time copy of one (exchange, asset) pool.
type PoolView struct {
	ExchangeID          string                        `json:"exchange_id"`
	Asset               string                        `json:"asset"`
	TotalBalance        float64                       `json:"total_platform_balance"`
	Available           float64                       `json:"available_for_allocation"`
	BrokerAllocations   map[string]float64            `json:"broker_allocations"`
	CustomerAllocations map[string]map[string]float64 `json:"customer_allocations"`
}

// Snapshot copies every pool for reconciliation and the API. Readers get a
// consistent view taken under the lock.
func (l *Ledger) Snapshot() []PoolView {
	l.mu.RLock()
	defer l.mu.RUnlock()

	views := make(map[poolKey]*PoolView, len(l.pools))
	out := make([]PoolView, 0, len(l.pools))
	for pk, p := range l.pools {
		v := &PoolView{
			ExchangeID:          pk.Exchange,
			Asset:               pk.Asset,
			TotalBalance:        p.total,
			Available:           p.available,
			BrokerAllocations:   make(map[string]float64, len(p.brokers)),
			CustomerAllocations: make(map[string]map[string]float64),
		}
		for b, amt := range p.brokers {
			v.BrokerAllocations[b] = amt
		}
		views[pk] = v
	}
	for key, amt := range l.allocations {
		v := views[poolKey{key.Exchange, key.Asset}]
		if v.CustomerAllocations[key.Broker] == nil {
			v.CustomerAllocations[key.Broker] = make(map[string]float64)
		}
		v.CustomerAllocations[key.Broker][key.Customer] = amt
	}
	for _, v := range views {
		out = append(out, *v)
	}
	return out
}

// UserAssetDistribution sums one customer's allocations per asset across
// exchanges, with the per-exchange breakdown.
func (l *Ledger) UserAssetDistribution(broker, customer string) map[string]map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]map[string]float64)
	for key, amt := range l.allocations {
		if key.Broker != broker || key.Customer != customer {
			continue
		}
		if out[key.Asset] == nil {
			out[key.Asset] = make(map[string]float64)
		}
		out[key.Asset][key.Exchange] = amt
	}
	return out
}

func (l *Ledger) persistAllocation(ctx context.Context, key Key, amount float64) {
	l.persist(ctx, "allocation upsert", func(ctx context.Context) error {
		return l.database.UpsertAllocation(ctx, db.Allocation{
			ExchangeID: key.Exchange,
			Asset:      key.Asset,
			BrokerID:   key.Broker,
			CustomerID: key.Customer,
			Amount:     amount,
		})
	})
}

func (l *Ledger) persist(ctx context.Context, name string, fn func(ctx context.Context) error) {
	if l.database == nil {
		return
	}
	if l.queue != nil {
		l.queue.Enqueue(persistence.Task{Name: name, Fn: fn})
		return
	}
	if err := fn(ctx); err != nil {
		log.Printf("ledger: %s failed: %v", name, err)
	}
}

func brokerSum(p *pool) float64 {
	var sum float64
	for _, amt := range p.brokers {
		sum += amt
	}
	return sum
}

// checkPool re-verifies the conservation invariant before a mutation commits:
// available + sum(brokers) == total, nothing negative.
func checkPool(p *pool) error {
	if p.available < 0 {
		return fmt.Errorf("invariant violation: available %.8f < 0", p.available)
	}
	sum := brokerSum(p)
	for b, amt := range p.brokers {
		if amt < 0 {
			return fmt.Errorf("invariant violation: broker %s allocation %.8f < 0", b, amt)
		}
	}
	if diff := p.available + sum - p.total; diff > 1e-9 || diff < -1e-9 {
		return fmt.Errorf("invariant violation: available %.8f + allocated %.8f != total %.8f",
			p.available, sum, p.total)
	}
	return nil
}
