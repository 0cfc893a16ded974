package db

import "time"

// PlatformBalance is the durable per (exchange, asset) platform total.
type PlatformBalance struct {
	ExchangeID string
	Asset      string
	Total      float64
	UpdatedAt  time.Time
}

// Allocation is one row of the flat broker/customer allocation table,
// keyed by the composite (exchange, asset, broker, customer) tuple.
type Allocation struct {
	ExchangeID string
	Asset      string
	BrokerID   string
	CustomerID string
	Amount     float64
	UpdatedAt  time.Time
}

// Order is the durable form of an internal order.
type Order struct {
	ID              string
	TenantID        string
	BrokerID        string
	UserID          string
	ExchangeID      string
	Symbol          string
	Side            string
	Type            string
	Amount          float64
	Price           float64
	Status          string
	AllocatedAmount float64
	FilledAmount    float64
	AveragePrice    float64
	Fees            float64
	ExternalOrderID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ReconciliationSnapshot is one persisted (exchange, asset) comparison.
type ReconciliationSnapshot struct {
	ID             string
	ExchangeID     string
	Asset          string
	ActualBalance  float64
	AllocatedTotal float64
	Difference     float64
	Classification string
	CreatedAt      time.Time
}

// ComplianceRecord stores a derived regulatory payload for an order.
// Kind is one of travel_rule, carf, risk_assessment.
type ComplianceRecord struct {
	ID        string
	OrderID   string
	Kind      string
	Payload   string // JSON
	CreatedAt time.Time
}
