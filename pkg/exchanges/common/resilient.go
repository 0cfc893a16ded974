package common

import "context"

// Resilient decorates an Adapter with request pacing, a circuit breaker and
// bounded retries. Every outbound call goes: pacer -> retry -> breaker.
type Resilient struct {
	inner   Adapter
	pacer   *Pacer
	breaker *Breaker
}

// WithResilience wraps adapter with the standard resilience stack.
// ratePerMinute comes from the exchange config.
func WithResilience(adapter Adapter, ratePerMinute int) *Resilient {
	return &Resilient{
		inner:   adapter,
		pacer:   NewPacer(ratePerMinute),
		breaker: NewBreaker(),
	}
}

// BreakerState exposes the breaker state for health reporting.
func (r *Resilient) BreakerState() string { return r.breaker.State() }

func (r *Resilient) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return Retry(ctx, func(ctx context.Context) error {
		if err := r.pacer.Wait(ctx); err != nil {
			return err
		}
		return r.breaker.Do(ctx, fn)
	})
}

func (r *Resilient) Initialize(ctx context.Context) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.inner.Initialize(ctx)
	})
}

func (r *Resilient) GetBalance(ctx context.Context, asset string) (Balance, error) {
	var bal Balance
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		bal, err = r.inner.GetBalance(ctx, asset)
		return err
	})
	return bal, err
}

func (r *Resilient) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	var ord Order
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		ord, err = r.inner.PlaceOrder(ctx, req)
		return err
	})
	return ord, err
}

func (r *Resilient) GetOrderStatus(ctx context.Context, symbol, externalOrderID string) (Order, error) {
	var ord Order
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		ord, err = r.inner.GetOrderStatus(ctx, symbol, externalOrderID)
		return err
	})
	return ord, err
}

func (r *Resilient) CancelOrder(ctx context.Context, symbol, externalOrderID string) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.inner.CancelOrder(ctx, symbol, externalOrderID)
	})
}
