// Package stock manages product stock levels for the settlement flow.
//
// The product catalog itself (names, pricing, images) lives elsewhere;
// this package only reads availability and moves quantity up or down.
// Decrement is conditional and never takes stock below zero. A product
// that hits zero is marked sold; restoring stock flips it back to
// available.
package stock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Errors
var (
	ErrProductNotFound  = errors.New("product not found")
	ErrStockUnavailable = errors.New("insufficient stock")
	ErrInvalidQuantity  = errors.New("quantity must be positive")
)

// ProductStatus tracks whether a product can still be ordered.
type ProductStatus string

const (
	StatusAvailable ProductStatus = "available"
	StatusSold      ProductStatus = "sold"
)

// Product is the slice of a catalog row the settlement core touches.
type Product struct {
	ID        string        `json:"id"`
	FarmerID  string        `json:"farmerId"`
	Name      string        `json:"name"`
	UnitPrice string        `json:"unitPrice"`
	Quantity  int64         `json:"quantity"`
	Status    ProductStatus `json:"status"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Service is the stock contract the order flow depends on.
type Service interface {
	// Get returns the product row, including unit price for order totals.
	Get(ctx context.Context, productID string) (*Product, error)

	// CheckAvailable reports whether qty units can currently be ordered.
	// Advisory only: the answer may be stale by the time payment confirms.
	CheckAvailable(ctx context.Context, productID string, qty int64) (bool, error)

	// Decrement atomically takes qty units, failing with
	// ErrStockUnavailable when fewer than qty remain. A product whose
	// quantity reaches zero is marked sold in the same operation.
	Decrement(ctx context.Context, productID string, qty int64) error

	// Restore returns qty units and reverts sold back to available.
	Restore(ctx context.Context, productID string, qty int64) error
}

// MemoryService is an in-memory Service for development and tests.
type MemoryService struct {
	mu       sync.RWMutex
	products map[string]*Product
}

// NewMemoryService creates an empty in-memory stock service.
func NewMemoryService() *MemoryService {
	return &MemoryService{products: make(map[string]*Product)}
}

// Seed inserts or replaces a product row. Test/dev helper standing in
// for the out-of-scope catalog service.
func (s *MemoryService) Seed(p *Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Status == "" {
		p.Status = StatusAvailable
	}
	p.UpdatedAt = time.Now()
	s.products[p.ID] = p
}

func (s *MemoryService) Get(ctx context.Context, productID string) (*Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[productID]
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryService) CheckAvailable(ctx context.Context, productID string, qty int64) (bool, error) {
	if qty <= 0 {
		return false, ErrInvalidQuantity
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[productID]
	if !ok {
		return false, ErrProductNotFound
	}
	return p.Status == StatusAvailable && p.Quantity >= qty, nil
}

func (s *MemoryService) Decrement(ctx context.Context, productID string, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return ErrProductNotFound
	}
	if p.Quantity < qty {
		return ErrStockUnavailable
	}
	p.Quantity -= qty
	if p.Quantity == 0 {
		p.Status = StatusSold
	}
	p.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryService) Restore(ctx context.Context, productID string, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return ErrProductNotFound
	}
	p.Quantity += qty
	p.Status = StatusAvailable
	p.UpdatedAt = time.Now()
	return nil
}
