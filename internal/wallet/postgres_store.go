package wallet

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/lib/pq"

	"github.com/kmunene/shambapay/internal/idgen"
	"github.com/kmunene/shambapay/internal/money"
	"github.com/kmunene/shambapay/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the wallet tables. NUMERIC columns keep amounts exact;
// the CHECK constraint enforces non-negative balances at the DB level.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallets (
			id          VARCHAR(36) PRIMARY KEY,
			user_id     VARCHAR(64) NOT NULL UNIQUE,
			balance     NUMERIC(20,2) NOT NULL DEFAULT 0,
			currency    VARCHAR(3) NOT NULL DEFAULT 'KES',
			status      VARCHAR(16) NOT NULL DEFAULT 'active',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_balance_nonneg CHECK (balance >= 0)
		);

		CREATE TABLE IF NOT EXISTS wallet_transactions (
			id              VARCHAR(36) PRIMARY KEY,
			wallet_id       VARCHAR(36) NOT NULL REFERENCES wallets(id),
			user_id         VARCHAR(64) NOT NULL,
			direction       VARCHAR(8) NOT NULL,
			category        VARCHAR(16) NOT NULL,
			amount          NUMERIC(20,2) NOT NULL,
			balance_before  NUMERIC(20,2) NOT NULL,
			balance_after   NUMERIC(20,2) NOT NULL,
			currency        VARCHAR(3) NOT NULL,
			status          VARCHAR(16) NOT NULL,
			reference       VARCHAR(128) NOT NULL UNIQUE,
			description     TEXT,
			metadata        JSONB NOT NULL DEFAULT '{}',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_wtxn_wallet ON wallet_transactions(wallet_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_wtxn_category ON wallet_transactions(wallet_id, category);
	`)
	return err
}

func (p *PostgresStore) GetOrCreate(ctx context.Context, userID, currency string) (*Wallet, error) {
	// Insert-if-absent, then read. ON CONFLICT keeps concurrent
	// first-use down to exactly one row.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, balance, currency, status)
		VALUES ($1, $2, 0, $3, 'active')
		ON CONFLICT (user_id) DO NOTHING
	`, idgen.WithPrefix("wal_"), userID, currency)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return p.GetByUser(ctx, userID)
}

func (p *PostgresStore) Get(ctx context.Context, walletID string) (*Wallet, error) {
	return p.scanWallet(p.db.QueryRowContext(ctx, `
		SELECT id, user_id, balance, currency, status, created_at, updated_at
		FROM wallets WHERE id = $1
	`, walletID))
}

func (p *PostgresStore) GetByUser(ctx context.Context, userID string) (*Wallet, error) {
	return p.scanWallet(p.db.QueryRowContext(ctx, `
		SELECT id, user_id, balance, currency, status, created_at, updated_at
		FROM wallets WHERE user_id = $1
	`, userID))
}

func (p *PostgresStore) scanWallet(row *sql.Row) (*Wallet, error) {
	w := &Wallet{}
	err := row.Scan(&w.ID, &w.UserID, &w.Balance, &w.Currency, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) SetStatus(ctx context.Context, walletID string, status Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wallets SET status = $2, updated_at = NOW() WHERE id = $1
	`, walletID, status)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// Apply performs one balance mutation and ledger insert in a single
// serializable transaction. The wallet row is locked FOR UPDATE so no
// other mutation can interleave between read and write.
func (p *PostgresStore) Apply(ctx context.Context, mut Mutation) (*Wallet, *Transaction, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	txn, err := p.applyInTx(ctx, tx, mut)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, mapConcurrencyErr(err)
	}

	w, err := p.Get(ctx, mut.WalletID)
	if err != nil {
		return nil, nil, err
	}
	return w, txn, nil
}

func (p *PostgresStore) applyInTx(ctx context.Context, tx *sql.Tx, mut Mutation) (*Transaction, error) {
	w := &Wallet{}
	err := tx.QueryRowContext(ctx, `
		SELECT id, user_id, balance, currency, status
		FROM wallets WHERE id = $1 FOR UPDATE
	`, mut.WalletID).Scan(&w.ID, &w.UserID, &w.Balance, &w.Currency, &w.Status)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, mapConcurrencyErr(err)
	}

	if w.Status != StatusActive {
		return nil, ErrWalletInactive
	}

	before, _ := money.Parse(w.Balance)
	amount, _ := money.Parse(mut.Amount)

	after := new(big.Int)
	switch mut.Direction {
	case DirectionCredit:
		after.Add(before, amount)
	case DirectionDebit:
		if before.Cmp(amount) < 0 {
			return nil, &InsufficientFundsError{
				Required:  money.Format(amount),
				Available: w.Balance,
			}
		}
		after.Sub(before, amount)
	default:
		return nil, ErrInvalidAmount
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE wallets SET balance = $2::NUMERIC(20,2), updated_at = NOW() WHERE id = $1
	`, w.ID, money.Format(after)); err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", mapConcurrencyErr(err))
	}

	metadata, err := json.Marshal(mut.Metadata)
	if err != nil {
		return nil, err
	}

	txn := &Transaction{
		ID:            idgen.WithPrefix("txn_"),
		WalletID:      w.ID,
		UserID:        w.UserID,
		Direction:     mut.Direction,
		Category:      mut.Category,
		Amount:        money.Format(amount),
		BalanceBefore: money.Format(before),
		BalanceAfter:  money.Format(after),
		Currency:      w.Currency,
		Status:        TxnCompleted,
		Reference:     mut.Reference,
		Description:   mut.Description,
		Metadata:      mut.Metadata,
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO wallet_transactions
			(id, wallet_id, user_id, direction, category, amount,
			 balance_before, balance_after, currency, status, reference,
			 description, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,2),
			$7::NUMERIC(20,2), $8::NUMERIC(20,2), $9, $10, $11, $12, $13, NOW())
		RETURNING created_at
	`, txn.ID, txn.WalletID, txn.UserID, txn.Direction, txn.Category, txn.Amount,
		txn.BalanceBefore, txn.BalanceAfter, txn.Currency, txn.Status, txn.Reference,
		txn.Description, metadata).Scan(&txn.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "wallet_transactions_reference_key") {
			return nil, ErrDuplicateReference
		}
		return nil, fmt.Errorf("failed to record entry: %w", mapConcurrencyErr(err))
	}

	return txn, nil
}

// Transfer debits the source and credits the destination in one
// transaction. No partial transfer can be observed or persisted.
func (p *PostgresStore) Transfer(ctx context.Context, debit, credit Mutation) (*Transaction, *Transaction, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	// Lock both wallet rows in a fixed order to avoid deadlocks between
	// opposite-direction transfers.
	first, second := debit, credit
	if credit.WalletID < debit.WalletID {
		first, second = credit, debit
	}
	for _, mut := range []Mutation{first, second} {
		var dummy string
		err := tx.QueryRowContext(ctx, `SELECT id FROM wallets WHERE id = $1 FOR UPDATE`, mut.WalletID).Scan(&dummy)
		if err == sql.ErrNoRows {
			return nil, nil, ErrWalletNotFound
		}
		if err != nil {
			return nil, nil, mapConcurrencyErr(err)
		}
	}

	out, err := p.applyInTx(ctx, tx, debit)
	if err != nil {
		return nil, nil, err
	}
	in, err := p.applyInTx(ctx, tx, credit)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, mapConcurrencyErr(err)
	}
	return out, in, nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, txnID string) (*Transaction, error) {
	return p.scanTxn(p.db.QueryRowContext(ctx, txnSelect+` WHERE id = $1`, txnID))
}

func (p *PostgresStore) GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error) {
	return p.scanTxn(p.db.QueryRowContext(ctx, txnSelect+` WHERE reference = $1`, reference))
}

const txnSelect = `
	SELECT id, wallet_id, user_id, direction, category, amount,
		balance_before, balance_after, currency, status, reference,
		COALESCE(description, ''), metadata, created_at
	FROM wallet_transactions`

func (p *PostgresStore) scanTxn(row *sql.Row) (*Transaction, error) {
	txn := &Transaction{}
	var metadata []byte
	err := row.Scan(&txn.ID, &txn.WalletID, &txn.UserID, &txn.Direction, &txn.Category,
		&txn.Amount, &txn.BalanceBefore, &txn.BalanceAfter, &txn.Currency, &txn.Status,
		&txn.Reference, &txn.Description, &metadata, &txn.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metadata, &txn.Metadata); err != nil {
		return nil, err
	}
	return txn, nil
}

// SetPayoutOutcome records an external payout result on an entry's
// metadata. The amount and balances stay immutable.
func (p *PostgresStore) SetPayoutOutcome(ctx context.Context, txnID, payoutStatus, failureReason string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wallet_transactions
		SET metadata = metadata
			|| jsonb_build_object('payoutStatus', $2::TEXT)
			|| CASE WHEN $3::TEXT <> ''
				THEN jsonb_build_object('failureReason', $3::TEXT)
				ELSE '{}'::JSONB END
		WHERE id = $1
	`, txnID, payoutStatus, failureReason)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (p *PostgresStore) ListTransactions(ctx context.Context, walletID string, f TxnFilter) ([]*Transaction, error) {
	cursor, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, err
	}

	query := txnSelect + ` WHERE wallet_id = $1`
	args := []interface{}{walletID}

	if f.Category != "" {
		args = append(args, f.Category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	if f.Direction != "" {
		args = append(args, f.Direction)
		query += fmt.Sprintf(" AND direction = $%d", len(args))
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}

	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		txn := &Transaction{}
		var metadata []byte
		if err := rows.Scan(&txn.ID, &txn.WalletID, &txn.UserID, &txn.Direction, &txn.Category,
			&txn.Amount, &txn.BalanceBefore, &txn.BalanceAfter, &txn.Currency, &txn.Status,
			&txn.Reference, &txn.Description, &metadata, &txn.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(metadata, &txn.Metadata); err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

func (p *PostgresStore) ListWalletIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM wallets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) SumEntries(ctx context.Context, walletID string) (string, error) {
	var sum string
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN direction = 'credit' THEN amount ELSE -amount END), 0)::TEXT
		FROM wallet_transactions
		WHERE wallet_id = $1 AND status = 'completed'
	`, walletID).Scan(&sum)
	if err != nil {
		return "", err
	}
	v, ok := money.ParseSigned(sum)
	if !ok {
		return "", fmt.Errorf("unparseable entry sum %q", sum)
	}
	return money.Format(v), nil
}

// mapConcurrencyErr translates serialization failures into the
// retryable sentinel.
func mapConcurrencyErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected
		if pqErr.Code == "40001" || pqErr.Code == "40P01" {
			return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
		}
	}
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" && pqErr.Constraint == constraint
	}
	return false
}
