package order

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the orders table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			id                VARCHAR(36) PRIMARY KEY,
			number            VARCHAR(32) NOT NULL UNIQUE,
			buyer_id          VARCHAR(64) NOT NULL,
			farmer_id         VARCHAR(64) NOT NULL,
			product_id        VARCHAR(36) NOT NULL,
			product_name      VARCHAR(255) NOT NULL,
			quantity          BIGINT NOT NULL,
			unit_price        NUMERIC(20,2) NOT NULL,
			total_amount      NUMERIC(20,2) NOT NULL,
			currency          VARCHAR(3) NOT NULL DEFAULT 'KES',
			delivery_address  TEXT NOT NULL DEFAULT '',
			delivery_phone    VARCHAR(32) NOT NULL DEFAULT '',
			delivery_notes    TEXT NOT NULL DEFAULT '',
			status            VARCHAR(16) NOT NULL DEFAULT 'pending',
			payment_status    VARCHAR(16) NOT NULL DEFAULT 'pending',
			payment_method    VARCHAR(16) NOT NULL DEFAULT '',
			external_txn_id   VARCHAR(128) NOT NULL DEFAULT '',
			escrow_id         VARCHAR(36) NOT NULL DEFAULT '',
			failure_reason    TEXT NOT NULL DEFAULT '',
			payment_deadline  TIMESTAMPTZ NOT NULL,
			delivered_at      TIMESTAMPTZ,
			cancelled_at      TIMESTAMPTZ,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_orders_buyer ON orders(buyer_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_orders_farmer ON orders(farmer_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_orders_unpaid ON orders(payment_deadline)
			WHERE status = 'pending' AND payment_status = 'pending';
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders
			(id, number, buyer_id, farmer_id, product_id, product_name,
			 quantity, unit_price, total_amount, currency,
			 delivery_address, delivery_phone, delivery_notes,
			 status, payment_status, payment_method, external_txn_id,
			 escrow_id, failure_reason, payment_deadline, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC(20,2), $9::NUMERIC(20,2), $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`, o.ID, o.Number, o.BuyerID, o.FarmerID, o.ProductID, o.ProductName,
		o.Quantity, o.UnitPrice, o.TotalAmount, o.Currency,
		o.Delivery.Address, o.Delivery.Phone, o.Delivery.Notes,
		o.Status, o.PaymentStatus, o.PaymentMethod, o.ExternalTxnID,
		o.EscrowID, o.FailureReason, o.PaymentDeadline, o.CreatedAt, o.UpdatedAt)
	return err
}

const orderSelect = `
	SELECT id, number, buyer_id, farmer_id, product_id, product_name,
		quantity, unit_price, total_amount, currency,
		delivery_address, delivery_phone, delivery_notes,
		status, payment_status, payment_method, external_txn_id,
		escrow_id, failure_reason, payment_deadline,
		delivered_at, cancelled_at, created_at, updated_at
	FROM orders`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*Order, error) {
	o := &Order{}
	var deliveredAt, cancelledAt sql.NullTime
	err := row.Scan(&o.ID, &o.Number, &o.BuyerID, &o.FarmerID, &o.ProductID, &o.ProductName,
		&o.Quantity, &o.UnitPrice, &o.TotalAmount, &o.Currency,
		&o.Delivery.Address, &o.Delivery.Phone, &o.Delivery.Notes,
		&o.Status, &o.PaymentStatus, &o.PaymentMethod, &o.ExternalTxnID,
		&o.EscrowID, &o.FailureReason, &o.PaymentDeadline,
		&deliveredAt, &cancelledAt, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if deliveredAt.Valid {
		o.DeliveredAt = &deliveredAt.Time
	}
	if cancelledAt.Valid {
		o.CancelledAt = &cancelledAt.Time
	}
	return o, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	return scanOrder(p.db.QueryRowContext(ctx, orderSelect+` WHERE id = $1`, id))
}

func (p *PostgresStore) GetByNumber(ctx context.Context, number string) (*Order, error) {
	return scanOrder(p.db.QueryRowContext(ctx, orderSelect+` WHERE number = $1`, number))
}

func (p *PostgresStore) Update(ctx context.Context, o *Order) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $2, payment_status = $3, payment_method = $4,
			external_txn_id = $5, escrow_id = $6, failure_reason = $7,
			delivered_at = $8, cancelled_at = $9, updated_at = $10
		WHERE id = $1
	`, o.ID, o.Status, o.PaymentStatus, o.PaymentMethod,
		o.ExternalTxnID, o.EscrowID, o.FailureReason,
		o.DeliveredAt, o.CancelledAt, o.UpdatedAt)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// ClaimPayment is the single-winner settlement transition. The WHERE
// clause makes replays and racing confirmations lose cleanly.
func (p *PostgresStore) ClaimPayment(ctx context.Context, id string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = 'held_in_escrow', status = 'confirmed', updated_at = NOW()
		WHERE id = $1 AND payment_status = 'pending' AND status <> 'cancelled'
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim payment: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error) {
	return p.list(ctx, orderSelect+` WHERE buyer_id = $1 ORDER BY created_at DESC LIMIT $2`, buyerID, limit)
}

func (p *PostgresStore) ListByFarmer(ctx context.Context, farmerID string, limit int) ([]*Order, error) {
	return p.list(ctx, orderSelect+` WHERE farmer_id = $1 ORDER BY created_at DESC LIMIT $2`, farmerID, limit)
}

func (p *PostgresStore) ListUnpaidBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error) {
	return p.list(ctx, orderSelect+`
		WHERE status = 'pending' AND payment_status = 'pending' AND payment_deadline < $1
		ORDER BY payment_deadline ASC LIMIT $2`, cutoff, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...interface{}) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
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
