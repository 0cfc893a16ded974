// Package db provides durable storage for allocations, orders,
// reconciliation snapshots and compliance records.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("record not found")

// ----------------------------------------
// Platform balance / allocation queries
// ----------------------------------------

// UpsertPlatformBalance stores the platform total for one (exchange, asset).
func (d *Database) UpsertPlatformBalance(ctx context.Context, b PlatformBalance) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO platform_balances (exchange_id, asset, total, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(exchange_id, asset) DO UPDATE SET
			total = excluded.total,
			updated_at = CURRENT_TIMESTAMP
	`, b.ExchangeID, b.Asset, b.Total)
	return err
}

// ListPlatformBalances returns every stored platform total.
func (d *Database) ListPlatformBalances(ctx context.Context) ([]PlatformBalance, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT exchange_id, asset, total, updated_at FROM platform_balances
	`)
	if err != nil {
		return nil, fmt.Errorf("query platform balances: %w", err)
	}
	defer rows.Close()

	var out []PlatformBalance
	for rows.Next() {
		var b PlatformBalance
		if err := rows.Scan(&b.ExchangeID, &b.Asset, &b.Total, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan platform balance: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpsertAllocation stores one customer allocation row. A zero amount row is
// deleted instead of kept, so the table only holds live allocations.
func (d *Database) UpsertAllocation(ctx context.Context, a Allocation) error {
	if a.Amount == 0 {
		_, err := d.DB.ExecContext(ctx, `
			DELETE FROM allocations
			WHERE exchange_id = ? AND asset = ? AND broker_id = ? AND customer_id = ?
		`, a.ExchangeID, a.Asset, a.BrokerID, a.CustomerID)
		return err
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO allocations (exchange_id, asset, broker_id, customer_id, amount, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(exchange_id, asset, broker_id, customer_id) DO UPDATE SET
			amount = excluded.amount,
			updated_at = CURRENT_TIMESTAMP
	`, a.ExchangeID, a.Asset, a.BrokerID, a.CustomerID, a.Amount)
	return err
}

// ListAllocations returns every live allocation row.
func (d *Database) ListAllocations(ctx context.Context) ([]Allocation, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT exchange_id, asset, broker_id, customer_id, amount, updated_at
		FROM allocations
	`)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	var out []Allocation
	for rows.Next() {
		var a Allocation
		if err := rows.Scan(&a.ExchangeID, &a.Asset, &a.BrokerID, &a.CustomerID, &a.Amount, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Order queries
// ----------------------------------------

const orderColumns = `id, tenant_id, broker_id, user_id, exchange_id, symbol, side, type,
	amount, price, status, allocated_amount, filled_amount, average_price, fees,
	COALESCE(external_order_id, ''), created_at, updated_at`

// UpsertOrder inserts or fully replaces an order row.
func (d *Database) UpsertOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (id, tenant_id, broker_id, user_id, exchange_id, symbol, side, type,
			amount, price, status, allocated_amount, filled_amount, average_price, fees,
			external_order_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			allocated_amount = excluded.allocated_amount,
			filled_amount = excluded.filled_amount,
			average_price = excluded.average_price,
			fees = excluded.fees,
			external_order_id = excluded.external_order_id,
			updated_at = CURRENT_TIMESTAMP
	`, o.ID, o.TenantID, o.BrokerID, o.UserID, o.ExchangeID, o.Symbol, o.Side, o.Type,
		o.Amount, o.Price, o.Status, o.AllocatedAmount, o.FilledAmount, o.AveragePrice, o.Fees,
		o.ExternalOrderID, o.CreatedAt)
	return err
}

// GetOrder returns one order by id.
func (d *Database) GetOrder(ctx context.Context, id string) (*Order, error) {
	var o Order
	err := d.DB.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE id = ?
	`, id).Scan(&o.ID, &o.TenantID, &o.BrokerID, &o.UserID, &o.ExchangeID, &o.Symbol,
		&o.Side, &o.Type, &o.Amount, &o.Price, &o.Status, &o.AllocatedAmount,
		&o.FilledAmount, &o.AveragePrice, &o.Fees, &o.ExternalOrderID, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &o, nil
}

// ListOpenOrders returns orders not in a terminal state.
func (d *Database) ListOpenOrders(ctx context.Context) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status NOT IN ('filled', 'cancelled', 'rejected')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListOrdersByUser returns recent orders for one broker customer.
func (d *Database) ListOrdersByUser(ctx context.Context, brokerID, userID string, limit int) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE broker_id = ? AND user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, brokerID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]Order, error) {
	var out []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.TenantID, &o.BrokerID, &o.UserID, &o.ExchangeID,
			&o.Symbol, &o.Side, &o.Type, &o.Amount, &o.Price, &o.Status, &o.AllocatedAmount,
			&o.FilledAmount, &o.AveragePrice, &o.Fees, &o.ExternalOrderID, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Reconciliation snapshot queries
// ----------------------------------------

// InsertSnapshot appends one reconciliation snapshot row.
func (d *Database) InsertSnapshot(ctx context.Context, s ReconciliationSnapshot) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO reconciliation_snapshots
			(id, exchange_id, asset, actual_balance, allocated_total, difference, classification, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, s.ID, s.ExchangeID, s.Asset, s.ActualBalance, s.AllocatedTotal, s.Difference, s.Classification)
	return err
}

// ListSnapshots returns the most recent snapshots, newest first.
func (d *Database) ListSnapshots(ctx context.Context, limit int) ([]ReconciliationSnapshot, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, exchange_id, asset, actual_balance, allocated_total, difference, classification, created_at
		FROM reconciliation_snapshots
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []ReconciliationSnapshot
	for rows.Next() {
		var s ReconciliationSnapshot
		if err := rows.Scan(&s.ID, &s.ExchangeID, &s.Asset, &s.ActualBalance,
			&s.AllocatedTotal, &s.Difference, &s.Classification, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Compliance record queries
// ----------------------------------------

// InsertComplianceRecord appends one derived regulatory payload.
func (d *Database) InsertComplianceRecord(ctx context.Context, r ComplianceRecord) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO compliance_records (id, order_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, r.ID, r.OrderID, r.Kind, r.Payload)
	return err
}

// ListComplianceByOrder returns all records derived from one order.
func (d *Database) ListComplianceByOrder(ctx context.Context, orderID string) ([]ComplianceRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, order_id, kind, payload, created_at
		FROM compliance_records
		WHERE order_id = ?
		ORDER BY created_at
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query compliance records: %w", err)
	}
	defer rows.Close()

	var out []ComplianceRecord
	for rows.Next() {
		var r ComplianceRecord
		if err := rows.Scan(&r.ID, &r.OrderID, &r.Kind, &r.Payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan compliance record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ----------------------------------------
// User queries (API auth)
// ----------------------------------------

// User is an API principal. BrokerID scopes which broker's customers the
// principal may act for.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	BrokerID     string
}

// CreateUser inserts an API user.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, broker_id) VALUES (?, ?, ?, ?)
	`, u.ID, u.Email, u.PasswordHash, u.BrokerID)
	return err
}

// GetUserByEmail looks up an API user for login.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, broker_id FROM users WHERE email = ?
	`, email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.BrokerID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}
