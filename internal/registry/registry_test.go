package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"omnex-core/internal/events"
	"omnex-core/pkg/exchanges/common"
)

// fakeAdapter lets tests control balance probe behaviour.
type fakeAdapter struct {
	balanceErr error
	delay      time.Duration
}

func (f *fakeAdapter) Initialize(ctx context.Context) error { return nil }

func (f *fakeAdapter) GetBalance(ctx context.Context, asset string) (common.Balance, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return common.Balance{}, ctx.Err()
		}
	}
	if f.balanceErr != nil {
		return common.Balance{}, f.balanceErr
	}
	return common.Balance{Available: 1000, Total: 1000}, nil
}

func (f *fakeAdapter) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	return common.Order{}, errors.New("not implemented")
}

func (f *fakeAdapter) GetOrderStatus(ctx context.Context, symbol, id string) (common.Order, error) {
	return common.Order{}, errors.New("not implemented")
}

func (f *fakeAdapter) CancelOrder(ctx context.Context, symbol, id string) error {
	return errors.New("not implemented")
}

func fakeFactory(adapters map[string]*fakeAdapter) AdapterFactory {
	return func(cfg ExchangeConfig) (common.Adapter, error) {
		return adapters[cfg.ID], nil
	}
}

func TestSelectRanksByPriority(t *testing.T) {
	adapters := map[string]*fakeAdapter{
		"slowex": {},
		"fastex": {},
	}
	configs := []ExchangeConfig{
		{ID: "slowex", Enabled: true, Priority: 2, ProbeAsset: "USDT"},
		{ID: "fastex", Enabled: true, Priority: 1, ProbeAsset: "USDT"},
	}
	r, err := New(configs, fakeFactory(adapters), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r.SetHealth("slowex", Health{Status: StatusHealthy})
	r.SetHealth("fastex", Health{Status: StatusHealthy})

	cfg, err := r.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if cfg.ID != "fastex" {
		t.Errorf("expected fastex, got %s", cfg.ID)
	}

	// The preferred venue going down shifts routing to the next one.
	r.SetHealth("fastex", Health{Status: StatusDown})
	cfg, err = r.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if cfg.ID != "slowex" {
		t.Errorf("expected slowex, got %s", cfg.ID)
	}
}

func TestSelectFailsWithNoHealthyExchange(t *testing.T) {
	adapters := map[string]*fakeAdapter{
		"downex":     {},
		"disabledex": {},
	}
	configs := []ExchangeConfig{
		{ID: "downex", Enabled: true, Priority: 1, ProbeAsset: "USDT"},
		{ID: "disabledex", Enabled: false, Priority: 2, ProbeAsset: "USDT"},
	}
	r, err := New(configs, fakeFactory(adapters), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.SetHealth("downex", Health{Status: StatusDown})
	r.SetHealth("disabledex", Health{Status: StatusHealthy}) // disabled still excluded

	if _, err := r.Select(); err != ErrNoHealthyExchange {
		t.Errorf("expected ErrNoHealthyExchange, got %v", err)
	}
}

func TestProbeClassifiesHealth(t *testing.T) {
	adapters := map[string]*fakeAdapter{"ex": {}}
	configs := []ExchangeConfig{{ID: "ex", Enabled: true, Priority: 1, ProbeAsset: "USDT"}}
	r, err := New(configs, fakeFactory(adapters), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	t.Run("fast response is healthy", func(t *testing.T) {
		r.probe(ctx, "ex")
		h := r.HealthReport()["ex"]
		if h.Status != StatusHealthy {
			t.Errorf("expected healthy, got %s", h.Status)
		}
	})

	t.Run("errors degrade then mark down", func(t *testing.T) {
		adapters["ex"].balanceErr = errors.New("connection refused")
		r.probe(ctx, "ex")
		if h := r.HealthReport()["ex"]; h.Status != StatusDegraded || h.ConsecutiveFailures != 1 {
			t.Errorf("after 1 failure: %+v", h)
		}
		r.probe(ctx, "ex")
		r.probe(ctx, "ex")
		if h := r.HealthReport()["ex"]; h.Status != StatusDown || h.ConsecutiveFailures != 3 {
			t.Errorf("after 3 failures: %+v", h)
		}
	})

	t.Run("recovery resets the failure count", func(t *testing.T) {
		adapters["ex"].balanceErr = nil
		r.probe(ctx, "ex")
		if h := r.HealthReport()["ex"]; h.Status != StatusHealthy || h.ConsecutiveFailures != 0 {
			t.Errorf("after recovery: %+v", h)
		}
	})
}

func TestProbeAlertsAfterThreshold(t *testing.T) {
	bus := events.NewBus()
	alerts, unsub := bus.Subscribe(4, events.EventHealthAlert)
	defer unsub()

	adapters := map[string]*fakeAdapter{"ex": {balanceErr: errors.New("timeout")}}
	configs := []ExchangeConfig{{ID: "ex", Enabled: true, Priority: 1, ProbeAsset: "USDT"}}
	r, err := New(configs, fakeFactory(adapters), bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		r.probe(ctx, "ex")
	}

	select {
	case <-alerts:
	case <-time.After(time.Second):
		t.Fatal("expected a critical health alert after 3 consecutive failures")
	}
}
