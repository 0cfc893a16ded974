package router

import (
	"time"

	"omnex-core/internal/compliance"
	"omnex-core/pkg/db"
	"omnex-core/pkg/exchanges/common"
)

// Status is the internal order lifecycle state.
type Status string

const (
	StatusPending         Status = "pending"
	StatusAllocated       Status = "allocated"
	StatusSubmitted       Status = "submitted"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCancelled       Status = "cancelled"
	StatusRejected        Status = "rejected"
)

// transitions enumerates every legal state change. Terminal states have no
// outgoing edges.
var transitions = map[Status][]Status{
	StatusPending:         {StatusAllocated, StatusRejected},
	StatusAllocated:       {StatusSubmitted, StatusRejected},
	StatusSubmitted:       {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusRejected},
	StatusPartiallyFilled: {StatusFilled, StatusCancelled, StatusRejected},
}

// IsTerminal reports whether s permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// CanTransition reports whether s -> next is a legal state change.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// OrderParams is the caller-supplied order intent.
type OrderParams struct {
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"` // buy, sell
	Type   string  `json:"type"` // limit, market
	Amount float64 `json:"amount"`
	Price  float64 `json:"price"`
}

// FundSnapshot records what was reserved for the order at placement time.
type FundSnapshot struct {
	ExchangeID      string  `json:"exchange_id"`
	SettlementAsset string  `json:"settlement_asset"`
	AllocatedAmount float64 `json:"allocated_amount"`
}

// InternalOrder is the platform-side order record tracked per customer.
type InternalOrder struct {
	ID              string                 `json:"id"`
	TenantID        string                 `json:"tenant_id"`
	BrokerID        string                 `json:"broker_id"`
	UserID          string                 `json:"user_id"`
	ExchangeID      string                 `json:"exchange_id"`
	Symbol          string                 `json:"symbol"`
	Side            string                 `json:"side"`
	Type            string                 `json:"type"`
	Amount          float64                `json:"amount"`
	Price           float64                `json:"price"`
	Status          Status                 `json:"status"`
	Allocation      FundSnapshot           `json:"fund_allocation"`
	FilledAmount    float64                `json:"filled_amount"`
	AveragePrice    float64                `json:"average_price"`
	Fees            float64                `json:"fees"`
	ExternalOrderID string                 `json:"external_order_id"`
	Compliance      *compliance.Attachment `json:"compliance,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// toModel converts to the durable row form.
func (o *InternalOrder) toModel() db.Order {
	return db.Order{
		ID:              o.ID,
		TenantID:        o.TenantID,
		BrokerID:        o.BrokerID,
		UserID:          o.UserID,
		ExchangeID:      o.ExchangeID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		Type:            o.Type,
		Amount:          o.Amount,
		Price:           o.Price,
		Status:          string(o.Status),
		AllocatedAmount: o.Allocation.AllocatedAmount,
		FilledAmount:    o.FilledAmount,
		AveragePrice:    o.AveragePrice,
		Fees:            o.Fees,
		ExternalOrderID: o.ExternalOrderID,
		CreatedAt:       o.CreatedAt,
	}
}

func orderFromModel(m db.Order) *InternalOrder {
	return &InternalOrder{
		ID:         m.ID,
		TenantID:   m.TenantID,
		BrokerID:   m.BrokerID,
		UserID:     m.UserID,
		ExchangeID: m.ExchangeID,
		Symbol:     m.Symbol,
		Side:       m.Side,
		Type:       m.Type,
		Amount:     m.Amount,
		Price:      m.Price,
		Status:     Status(m.Status),
		Allocation: FundSnapshot{
			ExchangeID:      m.ExchangeID,
			SettlementAsset: settlementAsset(m.Symbol, m.Side),
			AllocatedAmount: m.AllocatedAmount,
		},
		FilledAmount:    m.FilledAmount,
		AveragePrice:    m.AveragePrice,
		Fees:            m.Fees,
		ExternalOrderID: m.ExternalOrderID,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

// statusFromExchange maps the normalized adapter status onto the internal
// state machine.
func statusFromExchange(s common.OrderStatus) (Status, bool) {
	switch s {
	case common.StatusNew:
		return StatusSubmitted, true
	case common.StatusPartial:
		return StatusPartiallyFilled, true
	case common.StatusFilled:
		return StatusFilled, true
	case common.StatusCanceled:
		return StatusCancelled, true
	case common.StatusRejected:
		return StatusRejected, true
	default:
		return "", false
	}
}
