package common

import (
	"context"
	"errors"
	"testing"
	"time"
)

// countingAdapter records calls and fails with a scripted error.
type countingAdapter struct {
	calls int
	err   error
}

func (a *countingAdapter) Initialize(ctx context.Context) error { return nil }

func (a *countingAdapter) GetBalance(ctx context.Context, asset string) (Balance, error) {
	a.calls++
	return Balance{Available: 10, Total: 10}, a.err
}

func (a *countingAdapter) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	a.calls++
	if a.err != nil {
		return Order{}, a.err
	}
	return Order{ExternalOrderID: "ext-1", Status: StatusNew}, nil
}

func (a *countingAdapter) GetOrderStatus(ctx context.Context, symbol, id string) (Order, error) {
	a.calls++
	return Order{ExternalOrderID: id, Status: StatusNew}, a.err
}

func (a *countingAdapter) CancelOrder(ctx context.Context, symbol, id string) error {
	a.calls++
	return a.err
}

func TestResilientPassesThrough(t *testing.T) {
	inner := &countingAdapter{}
	r := WithResilience(inner, 100000)

	ord, err := r.PlaceOrder(context.Background(), OrderRequest{Symbol: "BTC-USDT"})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if ord.ExternalOrderID != "ext-1" || inner.calls != 1 {
		t.Errorf("order %+v after %d calls", ord, inner.calls)
	}
	if got := r.BreakerState(); got != "closed" {
		t.Errorf("breaker state = %s, want closed", got)
	}
}

func TestResilientDoesNotRetryClientErrors(t *testing.T) {
	inner := &countingAdapter{err: NewAdapterError("mainex", "cancel", 404, errors.New("unknown order"))}
	r := WithResilience(inner, 100000)

	err := r.CancelOrder(context.Background(), "BTC-USDT", "ext-1")
	if !errors.Is(err, inner.err) {
		t.Fatalf("err = %v, want the adapter error", err)
	}
	if inner.calls != 1 {
		t.Errorf("inner called %d times, want 1", inner.calls)
	}
}

func TestPacerSpacesRequests(t *testing.T) {
	p := NewPacer(1200) // one slot per 50ms
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := p.Wait(ctx); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	// First slot is immediate, the next two are paced.
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("3 requests took %v, want at least ~100ms of spacing", elapsed)
	}
}

func TestPacerAbortsOnCancelledContext(t *testing.T) {
	p := NewPacer(1) // one slot per minute
	ctx, cancel := context.WithCancel(context.Background())

	if err := p.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	cancel()
	if err := p.Wait(ctx); err == nil {
		t.Error("Wait with cancelled context returned nil")
	}
}
