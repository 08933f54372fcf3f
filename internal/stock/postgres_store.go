package stock

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresService implements Service over the shared products table.
type PostgresService struct {
	db *sql.DB
}

// NewPostgresService creates a PostgreSQL-backed stock service.
func NewPostgresService(db *sql.DB) *PostgresService {
	return &PostgresService{db: db}
}

// Migrate creates the products table if it doesn't exist. Catalog
// fields beyond what settlement needs are owned by the catalog service.
func (p *PostgresService) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS products (
			id          VARCHAR(36) PRIMARY KEY,
			farmer_id   VARCHAR(64) NOT NULL,
			name        VARCHAR(255) NOT NULL,
			unit_price  NUMERIC(20,2) NOT NULL,
			quantity    BIGINT NOT NULL DEFAULT 0,
			status      VARCHAR(16) NOT NULL DEFAULT 'available',
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_quantity_nonneg CHECK (quantity >= 0)
		);
		CREATE INDEX IF NOT EXISTS idx_products_farmer ON products(farmer_id);
	`)
	return err
}

func (p *PostgresService) Get(ctx context.Context, productID string) (*Product, error) {
	prod := &Product{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, farmer_id, name, unit_price, quantity, status, updated_at
		FROM products WHERE id = $1
	`, productID).Scan(&prod.ID, &prod.FarmerID, &prod.Name, &prod.UnitPrice,
		&prod.Quantity, &prod.Status, &prod.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return prod, nil
}

func (p *PostgresService) CheckAvailable(ctx context.Context, productID string, qty int64) (bool, error) {
	if qty <= 0 {
		return false, ErrInvalidQuantity
	}
	var ok bool
	err := p.db.QueryRowContext(ctx, `
		SELECT quantity >= $2 AND status = 'available'
		FROM products WHERE id = $1
	`, productID, qty).Scan(&ok)
	if err == sql.ErrNoRows {
		return false, ErrProductNotFound
	}
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Decrement takes qty units in a single conditional UPDATE. The WHERE
// clause carries the availability check, so concurrent confirmations
// can never drive quantity below zero.
func (p *PostgresService) Decrement(ctx context.Context, productID string, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE products
		SET quantity = quantity - $2,
			status = CASE WHEN quantity - $2 = 0 THEN 'sold' ELSE status END,
			updated_at = NOW()
		WHERE id = $1 AND quantity >= $2
	`, productID, qty)
	if err != nil {
		return fmt.Errorf("failed to decrement stock: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Either missing or not enough stock; disambiguate for the caller.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrProductNotFound
		}
		return ErrStockUnavailable
	}
	return nil
}

func (p *PostgresService) Restore(ctx context.Context, productID string, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE products
		SET quantity = quantity + $2, status = 'available', updated_at = NOW()
		WHERE id = $1
	`, productID, qty)
	if err != nil {
		return fmt.Errorf("failed to restore stock: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrProductNotFound
	}
	return nil
}
