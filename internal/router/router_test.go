package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"omnex-core/internal/events"
	"omnex-core/internal/ledger"
	"omnex-core/internal/registry"
	"omnex-core/pkg/db"
	"omnex-core/pkg/exchanges/common"
)

// scriptedAdapter returns canned responses so tests can steer the flow.
type scriptedAdapter struct {
	placeErr   error
	placed     int
	cancelled  int
	lastReq    common.OrderRequest
	nextStatus common.OrderStatus
}

func (a *scriptedAdapter) Initialize(ctx context.Context) error { return nil }

func (a *scriptedAdapter) GetBalance(ctx context.Context, asset string) (common.Balance, error) {
	return common.Balance{Available: 1e6, Total: 1e6}, nil
}

func (a *scriptedAdapter) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	a.placed++
	a.lastReq = req
	if a.placeErr != nil {
		return common.Order{}, a.placeErr
	}
	status := a.nextStatus
	if status == "" {
		status = common.StatusNew
	}
	return common.Order{ExternalOrderID: "ext-1", Status: status}, nil
}

func (a *scriptedAdapter) GetOrderStatus(ctx context.Context, symbol, id string) (common.Order, error) {
	return common.Order{ExternalOrderID: id, Status: common.StatusNew}, nil
}

func (a *scriptedAdapter) CancelOrder(ctx context.Context, symbol, id string) error {
	a.cancelled++
	return nil
}

func newTestRouter(t *testing.T, adapter *scriptedAdapter) (*Router, *ledger.Ledger, *events.Bus) {
	t.Helper()

	configs := []registry.ExchangeConfig{
		{ID: "mainex", Enabled: true, Priority: 1, ProbeAsset: "USDT"},
	}
	factory := func(cfg registry.ExchangeConfig) (common.Adapter, error) {
		return adapter, nil
	}
	bus := events.NewBus()
	reg, err := registry.New(configs, factory, bus)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	reg.SetHealth("mainex", registry.Health{Status: registry.StatusHealthy})

	l := ledger.New(nil, nil)
	r := New(l, reg, nil, nil, bus, nil)
	return r, l, bus
}

func seedCustomer(t *testing.T, l *ledger.Ledger, amount float64) {
	t.Helper()
	ctx := context.Background()
	if err := l.SetPlatformBalance(ctx, "mainex", "USDT", 10000); err != nil {
		t.Fatalf("SetPlatformBalance: %v", err)
	}
	if err := l.Allocate(ctx, "mainex", "USDT", "broker-a", "user-1", amount); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
}

func buyParams(amount float64) OrderParams {
	return OrderParams{Symbol: "BTC-USDT", Side: "buy", Type: "limit", Amount: amount, Price: 65000}
}

func TestPlaceOrderReachesSubmitted(t *testing.T) {
	adapter := &scriptedAdapter{}
	r, l, _ := newTestRouter(t, adapter)
	seedCustomer(t, l, 1000)

	order, err := r.PlaceOrder(context.Background(), "tenant-1", "broker-a", "user-1", buyParams(200))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.Status != StatusSubmitted {
		t.Errorf("status = %s, want %s", order.Status, StatusSubmitted)
	}
	if order.ExternalOrderID != "ext-1" {
		t.Errorf("external id = %q, want ext-1", order.ExternalOrderID)
	}
	if order.Allocation.SettlementAsset != "USDT" {
		t.Errorf("settlement asset = %s, want USDT", order.Allocation.SettlementAsset)
	}
	// Buy orders settle in the quote asset and the reservation shows up
	// in the customer's ledger position.
	if got := l.AvailableBalance("mainex", "USDT", "broker-a", "user-1"); got != 1200 {
		t.Errorf("customer allocation = %.2f, want 1200", got)
	}
	if adapter.lastReq.ClientID != order.ID {
		t.Errorf("client id = %q, want internal order id", adapter.lastReq.ClientID)
	}
}

func TestDuplicateOrderReturnsExistingRecord(t *testing.T) {
	adapter := &scriptedAdapter{}
	r, l, _ := newTestRouter(t, adapter)
	seedCustomer(t, l, 1000)
	ctx := context.Background()

	first, err := r.PlaceOrder(ctx, "tenant-1", "broker-a", "user-1", buyParams(200))
	if err != nil {
		t.Fatalf("first PlaceOrder: %v", err)
	}
	second, err := r.PlaceOrder(ctx, "tenant-1", "broker-a", "user-1", buyParams(200))
	if err != nil {
		t.Fatalf("second PlaceOrder: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("duplicate created a new order: %s vs %s", first.ID, second.ID)
	}
	if adapter.placed != 1 {
		t.Errorf("adapter called %d times, want 1", adapter.placed)
	}

	// Outside the window the same parameters are a fresh order again.
	r.now = func() time.Time { return time.Now().Add(dedupWindow + time.Second) }
	third, err := r.PlaceOrder(ctx, "tenant-1", "broker-a", "user-1", buyParams(200))
	if err != nil {
		t.Fatalf("third PlaceOrder: %v", err)
	}
	if third.ID == first.ID {
		t.Error("expected a new order after the dedup window expired")
	}
}

func TestInsufficientAllocationCreatesNoOrder(t *testing.T) {
	adapter := &scriptedAdapter{}
	r, l, _ := newTestRouter(t, adapter)
	seedCustomer(t, l, 100)

	_, err := r.PlaceOrder(context.Background(), "tenant-1", "broker-a", "user-1", buyParams(500))
	if !errors.Is(err, ledger.ErrInsufficientAllocation) {
		t.Fatalf("err = %v, want ErrInsufficientAllocation", err)
	}
	if adapter.placed != 0 {
		t.Error("adapter must not be called when the allocation check fails")
	}
	if got := l.AvailableBalance("mainex", "USDT", "broker-a", "user-1"); got != 100 {
		t.Errorf("customer allocation = %.2f, want unchanged 100", got)
	}
	if len(r.OpenExternal()) != 0 {
		t.Error("no order record should exist")
	}
}

func TestAdapterFailureLeavesFundsReserved(t *testing.T) {
	adapter := &scriptedAdapter{placeErr: errors.New("exchange unavailable")}
	r, l, bus := newTestRouter(t, adapter)
	seedCustomer(t, l, 1000)
	alerts, unsub := bus.Subscribe(1, events.EventStuckAllocation)
	defer unsub()

	order, err := r.PlaceOrder(context.Background(), "tenant-1", "broker-a", "user-1", buyParams(300))
	if err == nil {
		t.Fatal("expected submission error")
	}
	if order.Status != StatusAllocated {
		t.Fatalf("status = %s, want %s", order.Status, StatusAllocated)
	}
	if got := l.AvailableBalance("mainex", "USDT", "broker-a", "user-1"); got != 1300 {
		t.Errorf("customer allocation = %.2f, reservation must survive the failure", got)
	}

	select {
	case <-alerts:
	case <-time.After(time.Second):
		t.Error("expected a stuck-allocation alert")
	}

	// Operator review releases the funds and rejects the order.
	released, err := r.ReleaseOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("ReleaseOrder: %v", err)
	}
	if released.Status != StatusRejected {
		t.Errorf("status after release = %s, want %s", released.Status, StatusRejected)
	}
	if got := l.AvailableBalance("mainex", "USDT", "broker-a", "user-1"); got != 1000 {
		t.Errorf("customer allocation = %.2f, want 1000 after release", got)
	}

	if _, err := r.ReleaseOrder(context.Background(), order.ID); !errors.Is(err, ErrNotReleasable) {
		t.Errorf("second release err = %v, want ErrNotReleasable", err)
	}
}

func TestCancelReleasesReservedFunds(t *testing.T) {
	adapter := &scriptedAdapter{}
	r, l, _ := newTestRouter(t, adapter)
	seedCustomer(t, l, 1000)
	ctx := context.Background()

	order, err := r.PlaceOrder(ctx, "tenant-1", "broker-a", "user-1", buyParams(250))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	cancelled, err := r.CancelOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s, want %s", cancelled.Status, StatusCancelled)
	}
	if adapter.cancelled != 1 {
		t.Errorf("exchange cancel called %d times, want 1", adapter.cancelled)
	}
	if got := l.AvailableBalance("mainex", "USDT", "broker-a", "user-1"); got != 1000 {
		t.Errorf("customer allocation = %.2f, want 1000 after cancel", got)
	}

	if _, err := r.CancelOrder(ctx, order.ID); !errors.Is(err, ErrTerminalState) {
		t.Errorf("cancel of terminal order err = %v, want ErrTerminalState", err)
	}
}

func TestApplyStatusUpdateLifecycle(t *testing.T) {
	adapter := &scriptedAdapter{}
	r, l, _ := newTestRouter(t, adapter)
	seedCustomer(t, l, 1000)
	ctx := context.Background()

	order, err := r.PlaceOrder(ctx, "tenant-1", "broker-a", "user-1", buyParams(200))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	t.Run("partial fill", func(t *testing.T) {
		err := r.ApplyStatusUpdate(ctx, order.ID, common.Order{
			Status: common.StatusPartial, FilledAmount: 0.5, AveragePrice: 64000,
		})
		if err != nil {
			t.Fatalf("ApplyStatusUpdate: %v", err)
		}
		got, _ := r.GetOrder(ctx, order.ID)
		if got.Status != StatusPartiallyFilled || got.FilledAmount != 0.5 {
			t.Errorf("got status %s filled %.2f", got.Status, got.FilledAmount)
		}
	})

	t.Run("fill", func(t *testing.T) {
		err := r.ApplyStatusUpdate(ctx, order.ID, common.Order{
			Status: common.StatusFilled, FilledAmount: 1, AveragePrice: 64500, Fees: 1.2,
		})
		if err != nil {
			t.Fatalf("ApplyStatusUpdate: %v", err)
		}
		got, _ := r.GetOrder(ctx, order.ID)
		if got.Status != StatusFilled {
			t.Errorf("status = %s, want %s", got.Status, StatusFilled)
		}
	})

	t.Run("terminal orders reject updates", func(t *testing.T) {
		err := r.ApplyStatusUpdate(ctx, order.ID, common.Order{Status: common.StatusCanceled})
		if !errors.Is(err, ErrTerminalState) {
			t.Errorf("err = %v, want ErrTerminalState", err)
		}
	})
}

func TestExternalCancelReleasesReservedFunds(t *testing.T) {
	adapter := &scriptedAdapter{}
	r, l, _ := newTestRouter(t, adapter)
	seedCustomer(t, l, 1000)
	ctx := context.Background()

	order, err := r.PlaceOrder(ctx, "tenant-1", "broker-a", "user-1", buyParams(200))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if got := l.AvailableBalance("mainex", "USDT", "broker-a", "user-1"); got != 1200 {
		t.Fatalf("customer allocation = %.2f, want 1200 while reserved", got)
	}

	// The exchange cancelled the order on its own; the open-order poll
	// reports it and the reservation must come back.
	err = r.ApplyStatusUpdate(ctx, order.ID, common.Order{Status: common.StatusCanceled})
	if err != nil {
		t.Fatalf("ApplyStatusUpdate: %v", err)
	}
	got, _ := r.GetOrder(ctx, order.ID)
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want %s", got.Status, StatusCancelled)
	}
	if got.Allocation.AllocatedAmount != 0 {
		t.Errorf("allocation snapshot = %.2f, want 0 after cancel", got.Allocation.AllocatedAmount)
	}
	if got := l.AvailableBalance("mainex", "USDT", "broker-a", "user-1"); got != 1000 {
		t.Errorf("customer allocation = %.2f, want 1000 after exchange cancel", got)
	}
}

func TestRejectedAtSubmissionReleasesFunds(t *testing.T) {
	adapter := &scriptedAdapter{nextStatus: common.StatusRejected}
	r, l, bus := newTestRouter(t, adapter)
	seedCustomer(t, l, 1000)
	rejected, unsub := bus.Subscribe(1, events.EventOrderRejected)
	defer unsub()

	order, err := r.PlaceOrder(context.Background(), "tenant-1", "broker-a", "user-1", buyParams(200))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.Status != StatusRejected {
		t.Fatalf("status = %s, want %s", order.Status, StatusRejected)
	}
	if got := l.AvailableBalance("mainex", "USDT", "broker-a", "user-1"); got != 1000 {
		t.Errorf("customer allocation = %.2f, want 1000 after synchronous reject", got)
	}

	select {
	case <-rejected:
	case <-time.After(time.Second):
		t.Error("expected an order rejected event")
	}
}

func TestGetOrderFallsBackToStore(t *testing.T) {
	adapter := &scriptedAdapter{}
	configs := []registry.ExchangeConfig{
		{ID: "mainex", Enabled: true, Priority: 1, ProbeAsset: "USDT"},
	}
	factory := func(cfg registry.ExchangeConfig) (common.Adapter, error) { return adapter, nil }
	reg, err := registry.New(configs, factory, nil)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	reg.SetHealth("mainex", registry.Health{Status: registry.StatusHealthy})

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	l := ledger.New(database, nil)
	r := New(l, reg, database, nil, nil, nil)
	seedCustomer(t, l, 1000)
	ctx := context.Background()

	order, err := r.PlaceOrder(ctx, "tenant-1", "broker-a", "user-1", buyParams(200))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	err = r.ApplyStatusUpdate(ctx, order.ID, common.Order{
		Status: common.StatusFilled, FilledAmount: 200, AveragePrice: 64500,
	})
	if err != nil {
		t.Fatalf("ApplyStatusUpdate: %v", err)
	}

	// A restarted router only loads open orders; the filled one must still
	// be queryable through the store.
	restarted := New(ledger.New(database, nil), reg, database, nil, nil, nil)
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := restarted.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder after restart: %v", err)
	}
	if got.Status != StatusFilled || got.FilledAmount != 200 {
		t.Errorf("restored order = %s filled %.2f, want filled 200.00", got.Status, got.FilledAmount)
	}

	if _, err := restarted.GetOrder(ctx, "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestOrderLimitPerExchange(t *testing.T) {
	adapter := &scriptedAdapter{}
	configs := []registry.ExchangeConfig{
		{ID: "mainex", Enabled: true, Priority: 1, OrderLimit: 2, ProbeAsset: "USDT"},
	}
	factory := func(cfg registry.ExchangeConfig) (common.Adapter, error) { return adapter, nil }
	reg, err := registry.New(configs, factory, nil)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	reg.SetHealth("mainex", registry.Health{Status: registry.StatusHealthy})
	l := ledger.New(nil, nil)
	r := New(l, reg, nil, nil, nil, nil)
	seedCustomer(t, l, 5000)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		params := buyParams(100 + float64(i)) // distinct parameters defeat dedup
		if _, err := r.PlaceOrder(ctx, "tenant-1", "broker-a", "user-1", params); err != nil {
			t.Fatalf("PlaceOrder %d: %v", i, err)
		}
	}
	_, err = r.PlaceOrder(ctx, "tenant-1", "broker-a", "user-1", buyParams(300))
	if !errors.Is(err, ErrOrderLimitExceeded) {
		t.Errorf("err = %v, want ErrOrderLimitExceeded", err)
	}
}

func TestValidation(t *testing.T) {
	adapter := &scriptedAdapter{}
	r, l, _ := newTestRouter(t, adapter)
	seedCustomer(t, l, 1000)
	ctx := context.Background()

	cases := []struct {
		name   string
		params OrderParams
	}{
		{"missing symbol", OrderParams{Side: "buy", Type: "limit", Amount: 1, Price: 10}},
		{"bad side", OrderParams{Symbol: "BTC-USDT", Side: "hold", Type: "limit", Amount: 1, Price: 10}},
		{"zero amount", OrderParams{Symbol: "BTC-USDT", Side: "buy", Type: "limit", Amount: 0, Price: 10}},
		{"limit without price", OrderParams{Symbol: "BTC-USDT", Side: "buy", Type: "limit", Amount: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.PlaceOrder(ctx, "tenant-1", "broker-a", "user-1", tc.params)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestSettlementAssetDerivation(t *testing.T) {
	cases := []struct {
		symbol, side, want string
	}{
		{"BTC-USDT", "buy", "USDT"},
		{"BTC-USDT", "sell", "BTC"},
		{"ETH/USDC", "buy", "USDC"},
		{"BTCUSDT", "buy", "USDT"},
		{"BTCUSDT", "sell", "BTC"},
		{"SOLEUR", "buy", "EUR"},
	}
	for _, tc := range cases {
		if got := settlementAsset(tc.symbol, tc.side); got != tc.want {
			t.Errorf("settlementAsset(%s, %s) = %s, want %s", tc.symbol, tc.side, got, tc.want)
		}
	}
}
