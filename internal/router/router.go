// Package router validates incoming orders, reserves funds, picks a healthy
// exchange and tracks the internal order lifecycle. The router is the only
// component allowed to transition order state.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"omnex-core/internal/compliance"
	"omnex-core/internal/events"
	"omnex-core/internal/ledger"
	"omnex-core/internal/persistence"
	"omnex-core/internal/registry"
	"omnex-core/pkg/db"
	"omnex-core/pkg/exchanges/common"
)

var (
	ErrValidation         = errors.New("invalid order parameters")
	ErrOrderNotFound      = errors.New("order not found")
	ErrTerminalState      = errors.New("order is in a terminal state")
	ErrOrderLimitExceeded = errors.New("exchange order limit exceeded")
	ErrNotReleasable      = errors.New("order holds no releasable allocation")
)

const dedupWindow = 30 * time.Second

type dedupKey struct {
	Tenant, Broker, User string
	Symbol, Side, Type   string
	Amount, Price        float64
}

type dedupEntry struct {
	orderID string
	seenAt  time.Time
}

// orderWindow counts orders per exchange inside the current minute.
type orderWindow struct {
	windowStart time.Time
	count       int
}

// Router owns internal order state.
type Router struct {
	ledger    *ledger.Ledger
	registry  *registry.Registry
	database  *db.Database
	queue     *persistence.Queue
	bus       *events.Bus
	generator *compliance.Generator

	mu     sync.Mutex
	orders map[string]*InternalOrder
	dedup  map[dedupKey]dedupEntry
	counts map[string]*orderWindow

	now func() time.Time // injectable clock for dedup tests
}

func New(l *ledger.Ledger, reg *registry.Registry, database *db.Database,
	queue *persistence.Queue, bus *events.Bus, gen *compliance.Generator) *Router {
	return &Router{
		ledger:    l,
		registry:  reg,
		database:  database,
		queue:     queue,
		bus:       bus,
		generator: gen,
		orders:    make(map[string]*InternalOrder),
		dedup:     make(map[dedupKey]dedupEntry),
		counts:    make(map[string]*orderWindow),
		now:       time.Now,
	}
}

// Load seeds in-memory order state from the durable store at startup so the
// open-order poll resumes tracking after a restart.
func (r *Router) Load(ctx context.Context) error {
	if r.database == nil {
		return nil
	}
	open, err := r.database.ListOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("load open orders: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range open {
		r.orders[m.ID] = orderFromModel(m)
	}
	log.Printf("router: loaded %d open orders", len(open))
	return nil
}

// PlaceOrder runs the full routing flow described in the package comment.
// Validation and reservation happen atomically under the router lock; only
// the adapter call runs outside it.
func (r *Router) PlaceOrder(ctx context.Context, tenantID, brokerID, userID string, params OrderParams) (InternalOrder, error) {
	if err := validateParams(tenantID, brokerID, userID, params); err != nil {
		return InternalOrder{}, err
	}

	key := dedupKey{
		Tenant: tenantID, Broker: brokerID, User: userID,
		Symbol: params.Symbol, Side: params.Side, Type: params.Type,
		Amount: params.Amount, Price: params.Price,
	}

	r.mu.Lock()

	// Idempotency: an identical request inside the window returns the
	// existing record instead of creating a duplicate.
	r.pruneDedupLocked()
	if entry, ok := r.dedup[key]; ok {
		if existing, ok := r.orders[entry.orderID]; ok {
			out := *existing
			r.mu.Unlock()
			return out, nil
		}
	}

	cfg, err := r.registry.Select()
	if err != nil {
		r.mu.Unlock()
		return InternalOrder{}, err
	}

	if cfg.OrderLimit > 0 && !r.admitOrderLocked(cfg.ID, cfg.OrderLimit) {
		r.mu.Unlock()
		return InternalOrder{}, fmt.Errorf("%w: %s allows %d orders/min", ErrOrderLimitExceeded, cfg.ID, cfg.OrderLimit)
	}

	asset := settlementAsset(params.Symbol, params.Side)

	// The customer must already hold at least the requested amount.
	if r.ledger.AvailableBalance(cfg.ID, asset, brokerID, userID) < params.Amount {
		r.mu.Unlock()
		if r.bus != nil {
			r.bus.Publish(events.EventAllocationDenied, fmt.Sprintf(
				"order denied: %s/%s holds less than %.8f %s on %s", brokerID, userID, params.Amount, asset, cfg.ID))
		}
		return InternalOrder{}, ledger.ErrInsufficientAllocation
	}

	order := &InternalOrder{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		BrokerID:   brokerID,
		UserID:     userID,
		ExchangeID: cfg.ID,
		Symbol:     params.Symbol,
		Side:       params.Side,
		Type:       params.Type,
		Amount:     params.Amount,
		Price:      params.Price,
		Status:     StatusPending,
		CreatedAt:  r.now(),
		UpdatedAt:  r.now(),
	}

	// Reserve funds; failure aborts before any record is kept.
	if err := r.ledger.Allocate(ctx, cfg.ID, asset, brokerID, userID, params.Amount); err != nil {
		r.mu.Unlock()
		return InternalOrder{}, err
	}
	order.Allocation = FundSnapshot{
		ExchangeID:      cfg.ID,
		SettlementAsset: asset,
		AllocatedAmount: params.Amount,
	}
	order.Status = StatusAllocated

	r.orders[order.ID] = order
	r.dedup[key] = dedupEntry{orderID: order.ID, seenAt: r.now()}
	r.persistLocked(order)
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(events.EventOrderSubmitted, order.ID)
	}

	adapter, err := r.registry.Adapter(cfg.ID)
	if err != nil {
		return r.submissionFailed(order.ID, err)
	}

	result, err := adapter.PlaceOrder(ctx, common.OrderRequest{
		Symbol:   order.Symbol,
		Side:     common.Side(strings.ToUpper(order.Side)),
		Type:     common.OrderType(strings.ToUpper(order.Type)),
		Amount:   order.Amount,
		Price:    order.Price,
		ClientID: order.ID,
	})
	if err != nil {
		return r.submissionFailed(order.ID, err)
	}

	r.mu.Lock()
	order.ExternalOrderID = result.ExternalOrderID
	order.FilledAmount = result.FilledAmount
	order.AveragePrice = result.AveragePrice
	order.Fees = result.Fees
	r.transitionLocked(order, StatusSubmitted)
	if next, ok := statusFromExchange(result.Status); ok && next != StatusSubmitted {
		r.transitionLocked(order, next)
		if next == StatusCancelled || next == StatusRejected {
			// Synchronous terminal answer from the exchange; hand the
			// reservation back immediately.
			r.releaseFundsLocked(ctx, order)
		}
	}
	r.persistLocked(order)
	out := *order
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(events.EventOrderAccepted, out.ID)
		switch out.Status {
		case StatusFilled:
			r.bus.Publish(events.EventOrderFilled, out.ID)
		case StatusRejected:
			r.bus.Publish(events.EventOrderRejected, out.ID)
		}
	}

	// Advisory side effect; never blocks or fails the order.
	r.attachCompliance(out.ID)

	return r.snapshot(out.ID)
}

// submissionFailed leaves the order allocated with funds reserved and
// surfaces the error; release happens through explicit operator review.
func (r *Router) submissionFailed(orderID string, cause error) (InternalOrder, error) {
	r.mu.Lock()
	order, ok := r.orders[orderID]
	if ok {
		order.UpdatedAt = r.now()
		r.persistLocked(order)
	}
	r.mu.Unlock()

	log.Printf("router: submission failed for %s, funds stay reserved: %v", orderID, cause)
	if r.bus != nil {
		r.bus.Publish(events.EventStuckAllocation, fmt.Sprintf(
			"order %s stuck in allocated after adapter failure: %v", orderID, cause))
	}
	snap, _ := r.snapshot(orderID)
	return snap, fmt.Errorf("submit order %s: %w", orderID, cause)
}

// CancelOrder cancels a live order at the exchange, releases the reserved
// funds and marks the internal record cancelled.
func (r *Router) CancelOrder(ctx context.Context, id string) (InternalOrder, error) {
	r.mu.Lock()
	order, ok := r.orders[id]
	if !ok {
		r.mu.Unlock()
		return InternalOrder{}, ErrOrderNotFound
	}
	if order.Status.IsTerminal() {
		r.mu.Unlock()
		return InternalOrder{}, ErrTerminalState
	}
	exchangeID := order.ExchangeID
	externalID := order.ExternalOrderID
	symbol := order.Symbol
	r.mu.Unlock()

	if externalID != "" {
		adapter, err := r.registry.Adapter(exchangeID)
		if err != nil {
			return InternalOrder{}, err
		}
		if err := adapter.CancelOrder(ctx, symbol, externalID); err != nil {
			return InternalOrder{}, fmt.Errorf("cancel order %s: %w", id, err)
		}
	}

	r.mu.Lock()
	if !order.Status.IsTerminal() {
		r.transitionLocked(order, StatusCancelled)
		r.releaseFundsLocked(ctx, order)
		r.persistLocked(order)
	}
	out := *order
	r.mu.Unlock()
	return out, nil
}

// ReleaseOrder is the operator remediation for orders stuck in allocated
// after an adapter failure: it deallocates the reserved funds and rejects
// the order. Only allocated orders qualify.
func (r *Router) ReleaseOrder(ctx context.Context, id string) (InternalOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok {
		return InternalOrder{}, ErrOrderNotFound
	}
	if order.Status != StatusAllocated {
		return InternalOrder{}, ErrNotReleasable
	}

	released := order.Allocation.AllocatedAmount
	r.releaseFundsLocked(ctx, order)
	r.transitionLocked(order, StatusRejected)
	r.persistLocked(order)
	if r.bus != nil {
		r.bus.Publish(events.EventOrderRejected, id)
	}
	log.Printf("router: released %.8f %s for order %s after manual review",
		released, order.Allocation.SettlementAsset, id)
	return *order, nil
}

// GetOrder returns a copy of one order. Terminal orders leave the in-memory
// map on restart, so misses fall back to the durable store.
func (r *Router) GetOrder(ctx context.Context, id string) (InternalOrder, error) {
	if o, err := r.snapshot(id); err == nil {
		return o, nil
	}
	if r.database == nil {
		return InternalOrder{}, ErrOrderNotFound
	}
	m, err := r.database.GetOrder(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return InternalOrder{}, ErrOrderNotFound
	}
	if err != nil {
		return InternalOrder{}, err
	}
	return *orderFromModel(*m), nil
}

// OrdersByUser lists a customer's orders from the durable store.
func (r *Router) OrdersByUser(ctx context.Context, brokerID, userID string, limit int) ([]db.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.database.ListOrdersByUser(ctx, brokerID, userID, limit)
}

// OpenExternal returns copies of non-terminal orders that have an external
// id; the reconciliation poll drives status refresh from this set.
func (r *Router) OpenExternal() []InternalOrder {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []InternalOrder
	for _, o := range r.orders {
		if !o.Status.IsTerminal() && o.ExternalOrderID != "" {
			out = append(out, *o)
		}
	}
	return out
}

// ApplyStatusUpdate folds an adapter-reported order state into the internal
// record, last write wins. Updates against terminal orders are rejected.
func (r *Router) ApplyStatusUpdate(ctx context.Context, id string, ex common.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if order.Status.IsTerminal() {
		return ErrTerminalState
	}

	next, known := statusFromExchange(ex.Status)
	changed := order.FilledAmount != ex.FilledAmount ||
		order.AveragePrice != ex.AveragePrice ||
		order.Fees != ex.Fees ||
		(known && next != order.Status)
	if !changed {
		return nil
	}

	order.FilledAmount = ex.FilledAmount
	order.AveragePrice = ex.AveragePrice
	order.Fees = ex.Fees
	if known && next != order.Status {
		if !order.Status.CanTransition(next) {
			return fmt.Errorf("illegal transition %s -> %s for order %s", order.Status, next, id)
		}
		r.transitionLocked(order, next)
		switch next {
		case StatusCancelled, StatusRejected:
			// The exchange dropped the order; the reservation must not
			// outlive it.
			r.releaseFundsLocked(ctx, order)
			if next == StatusRejected && r.bus != nil {
				r.bus.Publish(events.EventOrderRejected, id)
			}
		case StatusFilled:
			if r.bus != nil {
				r.bus.Publish(events.EventOrderFilled, id)
			}
		}
	} else {
		order.UpdatedAt = r.now()
	}
	r.persistLocked(order)

	if r.bus != nil {
		r.bus.Publish(events.EventOrderUpdate, id)
	}
	return nil
}

// --- internals ---

func validateParams(tenantID, brokerID, userID string, p OrderParams) error {
	switch {
	case tenantID == "" || brokerID == "" || userID == "":
		return fmt.Errorf("%w: tenant, broker and user are required", ErrValidation)
	case p.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrValidation)
	case p.Side != "buy" && p.Side != "sell":
		return fmt.Errorf("%w: side must be buy or sell", ErrValidation)
	case p.Type != "limit" && p.Type != "market":
		return fmt.Errorf("%w: type must be limit or market", ErrValidation)
	case p.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	case p.Type == "limit" && p.Price <= 0:
		return fmt.Errorf("%w: limit orders require a positive price", ErrValidation)
	}
	return nil
}

func (r *Router) transitionLocked(order *InternalOrder, next Status) {
	if !order.Status.CanTransition(next) {
		// Transition table bugs should be loud; callers pre-validate.
		log.Printf("router: refused transition %s -> %s for order %s", order.Status, next, order.ID)
		return
	}
	order.Status = next
	order.UpdatedAt = r.now()
}

func (r *Router) releaseFundsLocked(ctx context.Context, order *InternalOrder) {
	alloc := order.Allocation
	if alloc.AllocatedAmount <= 0 {
		return
	}
	err := r.ledger.Deallocate(ctx, alloc.ExchangeID, alloc.SettlementAsset,
		order.BrokerID, order.UserID, alloc.AllocatedAmount)
	if err != nil {
		log.Printf("router: release funds for order %s: %v", order.ID, err)
		return
	}
	order.Allocation.AllocatedAmount = 0
}

func (r *Router) persistLocked(order *InternalOrder) {
	if r.database == nil {
		return
	}
	model := order.toModel()
	if r.queue != nil {
		r.queue.Enqueue(persistence.Task{
			Name: "order upsert",
			Fn: func(ctx context.Context) error {
				return r.database.UpsertOrder(ctx, model)
			},
		})
		return
	}
	if err := r.database.UpsertOrder(context.Background(), model); err != nil {
		log.Printf("router: order upsert failed: %v", err)
	}
}

func (r *Router) attachCompliance(orderID string) {
	if r.generator == nil {
		return
	}
	r.mu.Lock()
	order, ok := r.orders[orderID]
	if !ok {
		r.mu.Unlock()
		return
	}
	model := order.toModel()
	r.mu.Unlock()

	attachment := r.generator.GenerateFor(model)

	r.mu.Lock()
	if order, ok := r.orders[orderID]; ok {
		order.Compliance = &attachment
	}
	r.mu.Unlock()
}

func (r *Router) snapshot(id string) (InternalOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.orders[id]; ok {
		return *o, nil
	}
	return InternalOrder{}, ErrOrderNotFound
}

func (r *Router) pruneDedupLocked() {
	cutoff := r.now().Add(-dedupWindow)
	for k, e := range r.dedup {
		if e.seenAt.Before(cutoff) {
			delete(r.dedup, k)
		}
	}
}

// admitOrderLocked enforces the per-exchange order cap for the current
// minute window.
func (r *Router) admitOrderLocked(exchangeID string, limit int) bool {
	w, ok := r.counts[exchangeID]
	now := r.now()
	if !ok || now.Sub(w.windowStart) >= time.Minute {
		r.counts[exchangeID] = &orderWindow{windowStart: now, count: 1}
		return true
	}
	if w.count >= limit {
		return false
	}
	w.count++
	return true
}

// settlementAsset derives the asset an order settles in: buys consume the
// quote asset, sells consume the base asset. Symbols may be delimited
// (BTC-USDT, BTC/USDT) or concatenated (BTCUSDT).
func settlementAsset(symbol, side string) string {
	base, quote := splitSymbol(symbol)
	if side == "buy" {
		return quote
	}
	return base
}

// knownQuotes are tried longest-first when the symbol has no delimiter.
var knownQuotes = []string{"USDT", "USDC", "FDUSD", "BUSD", "TUSD", "BTC", "ETH", "EUR", "USD"}

func splitSymbol(symbol string) (base, quote string) {
	up := strings.ToUpper(symbol)
	for _, sep := range []string{"-", "/", "_"} {
		if i := strings.Index(up, sep); i > 0 {
			return up[:i], up[i+len(sep):]
		}
	}
	for _, q := range knownQuotes {
		if strings.HasSuffix(up, q) && len(up) > len(q) {
			return strings.TrimSuffix(up, q), q
		}
	}
	// Unrecognized quote; treat the whole symbol as the base asset.
	return up, up
}
