// Package compliance derives Travel Rule, CARF and risk-assessment payloads
// from routed orders. Generation is an advisory side effect: failures are
// logged and never block an order.
package compliance

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"omnex-core/internal/persistence"
	"omnex-core/pkg/db"
)

// Record kinds stored in compliance_records.
const (
	KindTravelRule     = "travel_rule"
	KindCARF           = "carf"
	KindRiskAssessment = "risk_assessment"
)

// TravelRulePayload carries FATF R.16 originator/beneficiary data.
type TravelRulePayload struct {
	OrderID         string  `json:"order_id"`
	OriginatorVASP  string  `json:"originator_vasp"`
	OriginatorID    string  `json:"originator_id"`
	BeneficiaryVASP string  `json:"beneficiary_vasp"`
	BeneficiaryID   string  `json:"beneficiary_id"`
	Asset           string  `json:"asset"`
	Amount          float64 `json:"amount"`
	Timestamp       string  `json:"timestamp"`
}

// CARFPayload carries the OECD crypto-asset reporting fields.
type CARFPayload struct {
	OrderID         string  `json:"order_id"`
	ReportingEntity string  `json:"reporting_entity"`
	UserID          string  `json:"user_id"`
	BrokerID        string  `json:"broker_id"`
	TransactionType string  `json:"transaction_type"`
	Asset           string  `json:"asset"`
	Amount          float64 `json:"amount"`
	FiatEquivalent  float64 `json:"fiat_equivalent"`
	TaxYear         int     `json:"tax_year"`
	Timestamp       string  `json:"timestamp"`
}

// RiskPayload is a heuristic transaction risk score attached to the order.
type RiskPayload struct {
	OrderID    string   `json:"order_id"`
	Score      float64  `json:"score"` // 0..100
	Level      string   `json:"level"` // low, medium, high
	Factors    []string `json:"factors"`
	AssessedAt string   `json:"assessed_at"`
}

// Generator writes derived records through the async queue.
type Generator struct {
	PlatformName string
	database     *db.Database
	queue        *persistence.Queue
}

func NewGenerator(platformName string, database *db.Database, queue *persistence.Queue) *Generator {
	return &Generator{
		PlatformName: platformName,
		database:     database,
		queue:        queue,
	}
}

// Attachment bundles the payloads derived from one order so the router can
// attach them to its in-memory record.
type Attachment struct {
	TravelRule TravelRulePayload `json:"travel_rule"`
	CARF       CARFPayload       `json:"carf"`
	Risk       RiskPayload       `json:"risk_assessment"`
}

// GenerateFor derives all three payloads for a submitted order, enqueues
// their persistence and returns them. Best effort: failures are logged only.
func (g *Generator) GenerateFor(order db.Order) Attachment {
	now := time.Now().UTC()

	travel := TravelRulePayload{
		OrderID:         order.ID,
		OriginatorVASP:  g.PlatformName,
		OriginatorID:    order.BrokerID + "/" + order.UserID,
		BeneficiaryVASP: order.ExchangeID,
		BeneficiaryID:   order.ExternalOrderID,
		Asset:           order.Symbol,
		Amount:          order.Amount,
		Timestamp:       now.Format(time.RFC3339),
	}
	g.enqueue(order.ID, KindTravelRule, travel)

	carf := CARFPayload{
		OrderID:         order.ID,
		ReportingEntity: g.PlatformName,
		UserID:          order.UserID,
		BrokerID:        order.BrokerID,
		TransactionType: order.Side,
		Asset:           order.Symbol,
		Amount:          order.Amount,
		FiatEquivalent:  order.Amount * order.AveragePrice,
		TaxYear:         now.Year(),
		Timestamp:       now.Format(time.RFC3339),
	}
	g.enqueue(order.ID, KindCARF, carf)

	risk := Assess(order)
	g.enqueue(order.ID, KindRiskAssessment, risk)

	return Attachment{TravelRule: travel, CARF: carf, Risk: risk}
}

// Assess produces a heuristic risk score from order size and price shape.
func Assess(order db.Order) RiskPayload {
	score := 10.0
	var factors []string

	notional := order.Amount * order.Price
	if order.Price == 0 {
		notional = order.Amount * order.AveragePrice
	}
	switch {
	case notional >= 1_000_000:
		score += 50
		factors = append(factors, "notional above 1M")
	case notional >= 100_000:
		score += 25
		factors = append(factors, "notional above 100k")
	}
	if order.Type == "market" {
		score += 10
		factors = append(factors, "market order")
	}
	if order.Price > 0 && order.AveragePrice > 0 {
		dev := (order.AveragePrice - order.Price) / order.Price
		if dev > 0.05 || dev < -0.05 {
			score += 15
			factors = append(factors, "fill price deviates over 5% from limit")
		}
	}

	level := "low"
	switch {
	case score >= 60:
		level = "high"
	case score >= 30:
		level = "medium"
	}
	return RiskPayload{
		OrderID:    order.ID,
		Score:      score,
		Level:      level,
		Factors:    factors,
		AssessedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

func (g *Generator) enqueue(orderID, kind string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("compliance: marshal %s for order %s: %v", kind, orderID, err)
		return
	}
	record := db.ComplianceRecord{
		ID:      uuid.NewString(),
		OrderID: orderID,
		Kind:    kind,
		Payload: string(raw),
	}

	if g.queue != nil {
		g.queue.Enqueue(persistence.Task{
			Name: "compliance " + kind,
			Fn: func(ctx context.Context) error {
				return g.database.InsertComplianceRecord(ctx, record)
			},
		})
		return
	}
	if g.database != nil {
		if err := g.database.InsertComplianceRecord(context.Background(), record); err != nil {
			log.Printf("compliance: store %s for order %s: %v", kind, orderID, err)
		}
	}
}
