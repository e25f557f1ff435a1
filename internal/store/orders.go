package store

import (
	"database/sql"
	"fmt"
	"time"
)

const orderColumns = `id, org_id, creator_id, customer_name, amount_cents, currency, status, created_at, updated_at`

// CreateOrder inserts a new order record.
func (s *Store) CreateOrder(o *Order) error {
	if o == nil {
		return fmt.Errorf("order is nil")
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO orders (id, org_id, creator_id, customer_name, amount_cents, currency, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.OrgID, o.CreatorID, o.CustomerName, o.AmountCents, o.Currency,
		string(o.Status), o.CreatedAt.Unix(), o.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by ID scoped to an organization.
func (s *Store) GetOrder(orgID, id string) (*Order, error) {
	row := s.db.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE org_id = ? AND id = ?`, orgID, id)
	return scanOrder(row)
}

// ListOrders returns all orders for an organization, newest first.
func (s *Store) ListOrders(orgID string) ([]*Order, error) {
	rows, err := s.db.Query(`SELECT `+orderColumns+` FROM orders
		WHERE org_id = ? ORDER BY created_at DESC, rowid DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// UpdateOrder modifies an existing order record.
func (s *Store) UpdateOrder(o *Order) error {
	if o == nil {
		return fmt.Errorf("order is nil")
	}
	o.UpdatedAt = time.Now().UTC()

	res, err := s.db.Exec(`
		UPDATE orders SET customer_name = ?, amount_cents = ?, currency = ?, status = ?, updated_at = ?
		WHERE org_id = ? AND id = ?`,
		o.CustomerName, o.AmountCents, o.Currency, string(o.Status),
		o.UpdatedAt.Unix(), o.OrgID, o.ID,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("order %q not found", o.ID)
	}
	return nil
}

// DeleteOrder removes an order scoped to an organization.
func (s *Store) DeleteOrder(orgID, id string) error {
	res, err := s.db.Exec(`DELETE FROM orders WHERE org_id = ? AND id = ?`, orgID, id)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("order %q not found", id)
	}
	return nil
}

func scanOrder(sc scanner) (*Order, error) {
	var o Order
	var status string
	var createdAt, updatedAt int64

	err := sc.Scan(&o.ID, &o.OrgID, &o.CreatorID, &o.CustomerName, &o.AmountCents,
		&o.Currency, &status, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Status = OrderStatus(status)
	o.CreatedAt = time.Unix(createdAt, 0).UTC()
	o.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &o, nil
}
