package wallet

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/kmunene/shambapay/internal/idgen"
	"github.com/kmunene/shambapay/internal/money"
	"github.com/kmunene/shambapay/internal/pagination"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	wallets  map[string]*Wallet // wallet id -> wallet
	byUser   map[string]string  // user id -> wallet id
	entries  []*Transaction     // committed in order
	byRef    map[string]*Transaction
	byTxnID  map[string]*Transaction
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		byUser:  make(map[string]string),
		entries: make([]*Transaction, 0),
		byRef:   make(map[string]*Transaction),
		byTxnID: make(map[string]*Transaction),
	}
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, userID, currency string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byUser[userID]; ok {
		cp := *m.wallets[id]
		return &cp, nil
	}

	now := time.Now()
	w := &Wallet{
		ID:        idgen.WithPrefix("wal_"),
		UserID:    userID,
		Balance:   "0.00",
		Currency:  currency,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.wallets[w.ID] = w
	m.byUser[userID] = w.ID

	cp := *w
	return &cp, nil
}

func (m *MemoryStore) Get(ctx context.Context, walletID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[walletID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetByUser(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byUser[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *m.wallets[id]
	return &cp, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, walletID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletID]
	if !ok {
		return ErrWalletNotFound
	}
	w.Status = status
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Apply(ctx context.Context, mut Mutation) (*Wallet, *Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, err := m.applyLocked(mut)
	if err != nil {
		return nil, nil, err
	}
	cp := *m.wallets[mut.WalletID]
	return &cp, txn, nil
}

// applyLocked performs one balance mutation. Caller must hold m.mu.
func (m *MemoryStore) applyLocked(mut Mutation) (*Transaction, error) {
	if _, exists := m.byRef[mut.Reference]; exists {
		return nil, ErrDuplicateReference
	}

	w, ok := m.wallets[mut.WalletID]
	if !ok {
		return nil, ErrWalletNotFound
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
		CreatedAt:     time.Now(),
	}

	w.Balance = money.Format(after)
	w.UpdatedAt = txn.CreatedAt

	m.entries = append(m.entries, txn)
	m.byRef[txn.Reference] = txn
	m.byTxnID[txn.ID] = txn

	return txn, nil
}

func (m *MemoryStore) Transfer(ctx context.Context, debit, credit Mutation) (*Transaction, *Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Debit first so an overdraw aborts before any write.
	out, err := m.applyLocked(debit)
	if err != nil {
		return nil, nil, err
	}
	in, err := m.applyLocked(credit)
	if err != nil {
		// Roll the debit back to keep the transfer all-or-nothing.
		m.rollbackLocked(out)
		return nil, nil, err
	}
	return out, in, nil
}

// rollbackLocked undoes the most recent entry. Caller must hold m.mu.
func (m *MemoryStore) rollbackLocked(txn *Transaction) {
	w := m.wallets[txn.WalletID]
	w.Balance = txn.BalanceBefore
	delete(m.byRef, txn.Reference)
	delete(m.byTxnID, txn.ID)
	if n := len(m.entries); n > 0 && m.entries[n-1].ID == txn.ID {
		m.entries = m.entries[:n-1]
	}
}

func (m *MemoryStore) GetTransaction(ctx context.Context, txnID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.byTxnID[txnID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.byRef[reference]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) SetPayoutOutcome(ctx context.Context, txnID, payoutStatus, failureReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.byTxnID[txnID]
	if !ok {
		return ErrTransactionNotFound
	}
	txn.Metadata.PayoutStatus = payoutStatus
	txn.Metadata.FailureReason = failureReason
	return nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, walletID string, f TxnFilter) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cursor, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, err
	}

	// The cursor names the last entry of the previous page; skip down
	// to it before collecting.
	skipping := cursor != nil

	var result []*Transaction
	for i := len(m.entries) - 1; i >= 0 && len(result) < f.Limit; i-- {
		e := m.entries[i]
		if e.WalletID != walletID {
			continue
		}
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if f.Direction != "" && e.Direction != f.Direction {
			continue
		}
		if skipping {
			if e.ID == cursor.ID {
				skipping = false
			}
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ListWalletIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.wallets))
	for id := range m.wallets {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *MemoryStore) SumEntries(ctx context.Context, walletID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := new(big.Int)
	for _, e := range m.entries {
		if e.WalletID != walletID || e.Status != TxnCompleted {
			continue
		}
		amount, _ := money.Parse(e.Amount)
		if e.Direction == DirectionCredit {
			sum.Add(sum, amount)
		} else {
			sum.Sub(sum, amount)
		}
	}
	return money.Format(sum), nil
}
