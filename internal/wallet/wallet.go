// Package wallet tracks per-user balances on the platform.
//
// Flow:
//  1. A user's wallet is created lazily on first financial interaction
//  2. Every balance change writes the wallet and an immutable transaction
//     in the same atomic unit
//  3. A wallet's balance always equals the fold of its committed entries
//  4. Wallets are never deleted, only closed
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kmunene/shambapay/internal/idgen"
	"github.com/kmunene/shambapay/internal/money"
	"github.com/kmunene/shambapay/internal/retry"
	"github.com/kmunene/shambapay/internal/traces"
)

var (
	ErrWalletNotFound         = errors.New("wallet not found")
	ErrWalletInactive         = errors.New("wallet is not active")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrDuplicateReference     = errors.New("reference already applied")
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrConcurrentModification = errors.New("concurrent wallet modification")
	ErrSameWallet             = errors.New("source and destination wallets are the same")
)

// InsufficientFundsError reports a debit that exceeds the available balance.
type InsufficientFundsError struct {
	Required  string
	Available string
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %s, available %s", e.Required, e.Available)
}

// DefaultCurrency is used for wallets created without an explicit currency.
const DefaultCurrency = "KES"

// Status represents the lifecycle state of a wallet.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusClosed    Status = "closed"
)

// Direction of a ledger entry relative to the wallet.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// Category classifies what a ledger entry was for.
type Category string

const (
	CategoryDeposit    Category = "deposit"
	CategoryWithdrawal Category = "withdrawal"
	CategoryPayment    Category = "payment"
	CategoryRefund     Category = "refund"
	CategoryPayout     Category = "payout"
	CategoryTransfer   Category = "transfer"
)

var validCategories = map[Category]bool{
	CategoryDeposit:    true,
	CategoryWithdrawal: true,
	CategoryPayment:    true,
	CategoryRefund:     true,
	CategoryPayout:     true,
	CategoryTransfer:   true,
}

// TxnStatus represents the settlement state of a ledger entry.
type TxnStatus string

const (
	TxnPending   TxnStatus = "pending"
	TxnCompleted TxnStatus = "completed"
	TxnFailed    TxnStatus = "failed"
	TxnCancelled TxnStatus = "cancelled"
)

// Wallet holds one user's balance.
type Wallet struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Balance   string    `json:"balance"`
	Currency  string    `json:"currency"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Metadata carries the structured context of a ledger entry. Which
// fields are set depends on the entry's category; use the constructors
// below rather than filling the struct by hand.
type Metadata struct {
	OrderID              string `json:"orderId,omitempty"`
	EscrowID             string `json:"escrowId,omitempty"`
	CounterpartyWalletID string `json:"counterpartyWalletId,omitempty"`
	ExternalID           string `json:"externalId,omitempty"`
	PayoutStatus         string `json:"payoutStatus,omitempty"`
	FailureReason        string `json:"failureReason,omitempty"`
}

// DepositMetadata tags a top-up with the provider's transaction id.
func DepositMetadata(externalID string) Metadata {
	return Metadata{ExternalID: externalID}
}

// PaymentMetadata tags an order payment debit.
func PaymentMetadata(orderID string) Metadata {
	return Metadata{OrderID: orderID}
}

// PayoutMetadata tags a farmer credit from an escrow release.
func PayoutMetadata(orderID, escrowID string) Metadata {
	return Metadata{OrderID: orderID, EscrowID: escrowID}
}

// RefundMetadata tags a buyer credit reversing an order payment.
func RefundMetadata(orderID, escrowID, reason string) Metadata {
	return Metadata{OrderID: orderID, EscrowID: escrowID, FailureReason: reason}
}

// TransferMetadata tags both legs of a wallet-to-wallet transfer.
func TransferMetadata(counterpartyWalletID string) Metadata {
	return Metadata{CounterpartyWalletID: counterpartyWalletID}
}

// WithdrawalMetadata tags a withdrawal debit with the payout destination.
func WithdrawalMetadata(externalID string) Metadata {
	return Metadata{ExternalID: externalID}
}

// Transaction is one immutable ledger entry. BalanceBefore/BalanceAfter
// snapshot the wallet around this entry, so folding entries in order
// from zero reproduces the current balance.
type Transaction struct {
	ID            string    `json:"id"`
	WalletID      string    `json:"walletId"`
	UserID        string    `json:"userId"`
	Direction     Direction `json:"direction"`
	Category      Category  `json:"category"`
	Amount        string    `json:"amount"`
	BalanceBefore string    `json:"balanceBefore"`
	BalanceAfter  string    `json:"balanceAfter"`
	Currency      string    `json:"currency"`
	Status        TxnStatus `json:"status"`
	Reference     string    `json:"reference"`
	Description   string    `json:"description,omitempty"`
	Metadata      Metadata  `json:"metadata"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Mutation describes one atomic balance change. Reference must be
// unique per logical operation; replaying a Mutation with an
// already-applied Reference is a no-op.
type Mutation struct {
	WalletID    string
	Direction   Direction
	Category    Category
	Amount      string
	Description string
	Reference   string
	Metadata    Metadata
}

// TxnFilter narrows and pages a transaction listing.
type TxnFilter struct {
	Category  Category
	Direction Direction
	Limit     int
	Cursor    string // opaque pagination cursor
}

// Store persists wallets and their ledger entries. Apply and Transfer
// must execute as one atomic unit: balance check, balance update, and
// entry insert either all happen or none do.
type Store interface {
	GetOrCreate(ctx context.Context, userID, currency string) (*Wallet, error)
	Get(ctx context.Context, walletID string) (*Wallet, error)
	GetByUser(ctx context.Context, userID string) (*Wallet, error)
	SetStatus(ctx context.Context, walletID string, status Status) error

	Apply(ctx context.Context, mut Mutation) (*Wallet, *Transaction, error)
	Transfer(ctx context.Context, debit, credit Mutation) (*Transaction, *Transaction, error)

	GetTransaction(ctx context.Context, txnID string) (*Transaction, error)
	GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error)
	SetPayoutOutcome(ctx context.Context, txnID, payoutStatus, failureReason string) error
	ListTransactions(ctx context.Context, walletID string, f TxnFilter) ([]*Transaction, error)

	ListWalletIDs(ctx context.Context) ([]string, error)
	SumEntries(ctx context.Context, walletID string) (string, error)
}

// Service implements wallet business logic on top of a Store.
type Service struct {
	store Store
}

// New creates a new wallet service.
func New(store Store) *Service {
	return &Service{store: store}
}

// GetOrCreate returns the user's wallet, creating an empty active one
// on first use. Safe under concurrent first-use.
func (s *Service) GetOrCreate(ctx context.Context, userID string) (*Wallet, error) {
	if userID == "" {
		return nil, ErrWalletNotFound
	}
	return s.store.GetOrCreate(ctx, userID, DefaultCurrency)
}

// Get returns a wallet by id.
func (s *Service) Get(ctx context.Context, walletID string) (*Wallet, error) {
	return s.store.Get(ctx, walletID)
}

// GetByUser returns the wallet owned by userID.
func (s *Service) GetByUser(ctx context.Context, userID string) (*Wallet, error) {
	return s.store.GetByUser(ctx, userID)
}

// Close marks a wallet closed. Closed wallets reject all mutations but
// keep their history.
func (s *Service) Close(ctx context.Context, walletID string) error {
	return s.store.SetStatus(ctx, walletID, StatusClosed)
}

// Suspend marks a wallet suspended pending review.
func (s *Service) Suspend(ctx context.Context, walletID string) error {
	return s.store.SetStatus(ctx, walletID, StatusSuspended)
}

// Credit adds funds to a wallet and records a completed ledger entry.
// Replays with the same reference return the original entry unchanged.
func (s *Service) Credit(ctx context.Context, walletID string, category Category, amount, description string, md Metadata, reference string) (*Wallet, *Transaction, error) {
	return s.apply(ctx, Mutation{
		WalletID:    walletID,
		Direction:   DirectionCredit,
		Category:    category,
		Amount:      amount,
		Description: description,
		Reference:   reference,
		Metadata:    md,
	})
}

// Debit removes funds from a wallet. Fails with InsufficientFundsError
// when amount exceeds the balance, leaving the wallet untouched.
func (s *Service) Debit(ctx context.Context, walletID string, category Category, amount, description string, md Metadata, reference string) (*Wallet, *Transaction, error) {
	return s.apply(ctx, Mutation{
		WalletID:    walletID,
		Direction:   DirectionDebit,
		Category:    category,
		Amount:      amount,
		Description: description,
		Reference:   reference,
		Metadata:    md,
	})
}

func (s *Service) apply(ctx context.Context, mut Mutation) (*Wallet, *Transaction, error) {
	if err := validateMutation(&mut); err != nil {
		return nil, nil, err
	}

	var (
		w   *Wallet
		txn *Transaction
	)
	err := retry.Do(ctx, 3, 25*time.Millisecond, func() error {
		var applyErr error
		w, txn, applyErr = s.store.Apply(ctx, mut)
		if applyErr == nil {
			return nil
		}
		if errors.Is(applyErr, ErrConcurrentModification) {
			return applyErr // transient, retry
		}
		return retry.Permanent(applyErr)
	})
	if errors.Is(err, ErrDuplicateReference) {
		// Idempotent replay: the operation already happened.
		existing, getErr := s.store.GetTransactionByReference(ctx, mut.Reference)
		if getErr != nil {
			return nil, nil, err
		}
		current, getErr := s.store.Get(ctx, existing.WalletID)
		if getErr != nil {
			return nil, nil, getErr
		}
		return current, existing, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return w, txn, nil
}

// Transfer moves funds between two wallets as one atomic unit. The
// whole transfer fails if the source debit would overdraw.
func (s *Service) Transfer(ctx context.Context, fromWalletID, toWalletID, amount, description string, reference string) (*Transaction, *Transaction, error) {
	if fromWalletID == toWalletID {
		return nil, nil, ErrSameWallet
	}
	if !money.IsPositive(amount) {
		return nil, nil, ErrInvalidAmount
	}
	if reference == "" {
		reference = idgen.WithPrefix("tfr_")
	}

	debit := Mutation{
		WalletID:    fromWalletID,
		Direction:   DirectionDebit,
		Category:    CategoryTransfer,
		Amount:      amount,
		Description: description,
		Reference:   reference + ":out",
		Metadata:    TransferMetadata(toWalletID),
	}
	credit := Mutation{
		WalletID:    toWalletID,
		Direction:   DirectionCredit,
		Category:    CategoryTransfer,
		Amount:      amount,
		Description: description,
		Reference:   reference + ":in",
		Metadata:    TransferMetadata(fromWalletID),
	}

	var out, in *Transaction
	err := retry.Do(ctx, 3, 25*time.Millisecond, func() error {
		var tErr error
		out, in, tErr = s.store.Transfer(ctx, debit, credit)
		if tErr == nil {
			return nil
		}
		if errors.Is(tErr, ErrConcurrentModification) {
			return tErr
		}
		return retry.Permanent(tErr)
	})
	if err != nil {
		return nil, nil, err
	}
	return out, in, nil
}

// RecordPayoutOutcome attaches the result of an external payout attempt
// to an existing ledger entry. The entry itself is never changed.
func (s *Service) RecordPayoutOutcome(ctx context.Context, txnID, payoutStatus, failureReason string) error {
	return s.store.SetPayoutOutcome(ctx, txnID, payoutStatus, failureReason)
}

// ListTransactions returns a page of a wallet's ledger entries, newest
// first.
func (s *Service) ListTransactions(ctx context.Context, walletID string, f TxnFilter) ([]*Transaction, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	return s.store.ListTransactions(ctx, walletID, f)
}

// Verify recomputes walletID's balance from its ledger entries and
// compares it to the stored balance.
func (s *Service) Verify(ctx context.Context, walletID string) (match bool, stored, derived string, err error) {
	ctx, span := traces.StartSpan(ctx, "wallet.verify", traces.WalletID(walletID))
	defer span.End()

	w, err := s.store.Get(ctx, walletID)
	if err != nil {
		return false, "", "", err
	}
	derived, err = s.store.SumEntries(ctx, walletID)
	if err != nil {
		return false, "", "", err
	}
	storedV, _ := money.ParseSigned(w.Balance)
	derivedV, _ := money.ParseSigned(derived)
	if storedV == nil || derivedV == nil {
		return false, w.Balance, derived, nil
	}
	return storedV.Cmp(derivedV) == 0, w.Balance, derived, nil
}

// WalletIDs lists every wallet id, for reconciliation sweeps.
func (s *Service) WalletIDs(ctx context.Context) ([]string, error) {
	return s.store.ListWalletIDs(ctx)
}

func validateMutation(mut *Mutation) error {
	if mut.WalletID == "" {
		return ErrWalletNotFound
	}
	if !money.IsPositive(mut.Amount) {
		return ErrInvalidAmount
	}
	if !validCategories[mut.Category] {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidAmount, mut.Category)
	}
	if mut.Reference == "" {
		mut.Reference = idgen.WithPrefix("ref_")
	}
	return nil
}
