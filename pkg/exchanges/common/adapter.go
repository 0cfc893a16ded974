package common

import "context"

// Adapter abstracts an authenticated exchange account. Implementations own
// signing and wire formats; they never mutate ledger state.
type Adapter interface {
	Initialize(ctx context.Context) error
	GetBalance(ctx context.Context, asset string) (Balance, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	GetOrderStatus(ctx context.Context, symbol, externalOrderID string) (Order, error)
	CancelOrder(ctx context.Context, symbol, externalOrderID string) error
}
