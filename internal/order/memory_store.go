package order

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu       sync.RWMutex
	orders   map[string]*Order // by ID
	byNumber map[string]string // number -> ID
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]*Order),
		byNumber: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.orders[o.ID] = &cp
	s.byNumber[o.Number] = o.ID
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) GetByNumber(ctx context.Context, number string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byNumber[number]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *s.orders[id]
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; !ok {
		return ErrOrderNotFound
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) ClaimPayment(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return false, ErrOrderNotFound
	}
	if o.PaymentStatus != PaymentPending || o.Status == StatusCancelled {
		return false, nil
	}
	o.PaymentStatus = PaymentHeld
	o.Status = StatusConfirmed
	o.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error) {
	return s.list(func(o *Order) bool { return o.BuyerID == buyerID }, limit), nil
}

func (s *MemoryStore) ListByFarmer(ctx context.Context, farmerID string, limit int) ([]*Order, error) {
	return s.list(func(o *Order) bool { return o.FarmerID == farmerID }, limit), nil
}

func (s *MemoryStore) ListUnpaidBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error) {
	return s.list(func(o *Order) bool {
		return o.Status == StatusPending &&
			o.PaymentStatus == PaymentPending &&
			o.PaymentDeadline.Before(cutoff)
	}, limit), nil
}

func (s *MemoryStore) list(match func(*Order) bool, limit int) []*Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Order
	for _, o := range s.orders {
		if match(o) {
			cp := *o
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
