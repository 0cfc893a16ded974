package common

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIALLY_FILLED"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Balance is the normalized per-asset balance reported by an exchange.
type Balance struct {
	Available float64
	Locked    float64
	Total     float64
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Type     OrderType
	Amount   float64
	Price    float64 // required for LIMIT
	ClientID string  // optional client order id
}

// Order is the normalized exchange view of an order.
type Order struct {
	ExternalOrderID string
	Status          OrderStatus
	FilledAmount    float64
	AveragePrice    float64
	Fees            float64
}

// Credentials holds what an adapter needs to sign requests.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string // required by some venues, empty otherwise
}
