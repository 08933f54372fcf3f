package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrows in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the escrows table. The unique index on order_id is
// what makes one-escrow-per-order hold across processes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrows (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL UNIQUE,
			buyer_id TEXT NOT NULL,
			farmer_id TEXT NOT NULL,
			amount NUMERIC(20,2) NOT NULL CHECK (amount > 0),
			currency TEXT NOT NULL DEFAULT 'KES',
			status TEXT NOT NULL DEFAULT 'held',
			payment_method TEXT NOT NULL DEFAULT '',
			external_txn_id TEXT NOT NULL DEFAULT '',
			dispute_reason TEXT NOT NULL DEFAULT '',
			released_at TIMESTAMPTZ,
			refunded_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_escrows_buyer ON escrows(buyer_id);
		CREATE INDEX IF NOT EXISTS idx_escrows_farmer ON escrows(farmer_id);
	`)
	return err
}

const escrowSelect = `
	SELECT id, order_id, buyer_id, farmer_id, amount::TEXT, currency, status,
	       payment_method, external_txn_id, dispute_reason,
	       released_at, refunded_at, created_at, updated_at
	FROM escrows`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	var e Escrow
	var released, refunded sql.NullTime
	err := row.Scan(&e.ID, &e.OrderID, &e.BuyerID, &e.FarmerID, &e.Amount,
		&e.Currency, &e.Status, &e.PaymentMethod, &e.ExternalTxnID,
		&e.DisputeReason, &released, &refunded, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if released.Valid {
		e.ReleasedAt = &released.Time
	}
	if refunded.Valid {
		e.RefundedAt = &refunded.Time
	}
	return &e, nil
}

func (s *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escrows (id, order_id, buyer_id, farmer_id, amount, currency,
			status, payment_method, external_txn_id, dispute_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.OrderID, e.BuyerID, e.FarmerID, e.Amount, e.Currency,
		e.Status, e.PaymentMethod, e.ExternalTxnID, e.DisputeReason,
		e.CreatedAt, e.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrEscrowExists
		}
		return fmt.Errorf("failed to insert escrow: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	e, err := scanEscrow(s.db.QueryRowContext(ctx, escrowSelect+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (s *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	e, err := scanEscrow(s.db.QueryRowContext(ctx, escrowSelect+` WHERE order_id = $1`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (s *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	e.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE escrows SET status = $2, external_txn_id = $3, dispute_reason = $4,
			released_at = $5, refunded_at = $6, updated_at = $7
		WHERE id = $1`,
		e.ID, e.Status, e.ExternalTxnID, e.DisputeReason,
		e.ReleasedAt, e.RefundedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update escrow: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	rows, err := s.db.QueryContext(ctx,
		escrowSelect+` WHERE buyer_id = $1 OR farmer_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
