// Package order coordinates buyer orders against product stock.
//
// Flow:
//  1. Buyer creates an order → stock is checked but not reserved
//  2. Payment confirms (wallet debit or provider webhook) → stock is
//     decremented atomically and an escrow is opened
//  3. Farmer moves the order through in_transit → delivered
//  4. Delivery makes the escrow eligible for release
//
// The creation-time stock check is advisory only: two buyers can both
// create orders against the same scarce stock, and the loser finds out
// at confirmation time. Unpaid orders past their payment deadline are
// swept into cancelled by the Timer.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kmunene/shambapay/internal/idgen"
	"github.com/kmunene/shambapay/internal/metrics"
	"github.com/kmunene/shambapay/internal/money"
	"github.com/kmunene/shambapay/internal/stock"
	"github.com/kmunene/shambapay/internal/syncutil"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrUnauthorized      = errors.New("not authorized for this order operation")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrOwnProduct        = errors.New("cannot order your own product")
)

// Status represents the fulfilment state of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusInTransit Status = "in_transit"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

// PaymentStatus represents the settlement state of an order. Transitions
// only move forward; a failed external payment leaves it at pending so
// the buyer can retry.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentHeld     PaymentStatus = "held_in_escrow"
	PaymentReleased PaymentStatus = "released"
	PaymentRefunded PaymentStatus = "refunded"
)

// statusTransitions is the allowed fulfilment state machine. Cancellation
// has its own rules in Cancel and is not listed here.
var statusTransitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed},
	StatusConfirmed: {StatusInTransit, StatusDelivered},
	StatusInTransit: {StatusDelivered},
}

func canTransition(from, to Status) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// paymentTransitions is the forward-only settlement state machine.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending: {PaymentHeld},
	PaymentHeld:    {PaymentReleased, PaymentRefunded},
}

// CanAdvancePayment reports whether the settlement state may move from
// one status to another.
func CanAdvancePayment(from, to PaymentStatus) bool {
	for _, s := range paymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Delivery holds where and how the order should be fulfilled.
type Delivery struct {
	Address string `json:"address"`
	Phone   string `json:"phone,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// Order is one buyer/farmer/product agreement.
type Order struct {
	ID            string        `json:"id"`
	Number        string        `json:"number"` // human-readable, unique
	BuyerID       string        `json:"buyerId"`
	FarmerID      string        `json:"farmerId"`
	ProductID     string        `json:"productId"`
	ProductName   string        `json:"productName"`
	Quantity      int64         `json:"quantity"`
	UnitPrice     string        `json:"unitPrice"`
	TotalAmount   string        `json:"totalAmount"`
	Currency      string        `json:"currency"`
	Delivery      Delivery      `json:"delivery"`
	Status        Status        `json:"status"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
	PaymentMethod string        `json:"paymentMethod,omitempty"` // wallet, mpesa, card
	ExternalTxnID string        `json:"externalTxnId,omitempty"`
	EscrowID      string        `json:"escrowId,omitempty"`
	FailureReason string        `json:"failureReason,omitempty"`

	PaymentDeadline time.Time  `json:"paymentDeadline"`
	DeliveredAt     *time.Time `json:"deliveredAt,omitempty"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Store persists orders.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByNumber(ctx context.Context, number string) (*Order, error)
	Update(ctx context.Context, o *Order) error

	// ClaimPayment advances payment_status pending→held_in_escrow and
	// status to confirmed in one conditional write. Returns false when
	// the order was not in pending, which means another confirmation
	// already won.
	ClaimPayment(ctx context.Context, id string) (bool, error)

	ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error)
	ListByFarmer(ctx context.Context, farmerID string, limit int) ([]*Order, error)
	ListUnpaidBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error)
}

// EscrowOpener opens an escrow for a freshly confirmed order. Declared
// here so this package doesn't import the escrow package.
type EscrowOpener interface {
	Open(ctx context.Context, o *Order, paymentMethod, externalTxnID string) (escrowID string, err error)
}

// EventSink receives order lifecycle notifications after each state
// change commits. Implementations must not block.
type EventSink interface {
	OrderChanged(o *Order)
}

// CreateRequest contains the parameters for creating an order.
type CreateRequest struct {
	ProductID string   `json:"productId" binding:"required"`
	Quantity  int64    `json:"quantity" binding:"required"`
	Delivery  Delivery `json:"delivery"`
}

// DefaultPaymentDeadline applies when the service is built without one.
const DefaultPaymentDeadline = 30 * time.Minute

// Service implements order business logic.
type Service struct {
	store    Store
	stock    stock.Service
	escrow   EscrowOpener
	events   EventSink
	deadline time.Duration
	locks    syncutil.ShardedMutex // per-order ID locks
}

// NewService creates a new order service.
func NewService(store Store, stockSvc stock.Service, paymentDeadline time.Duration) *Service {
	if paymentDeadline <= 0 {
		paymentDeadline = DefaultPaymentDeadline
	}
	return &Service{
		store:    store,
		stock:    stockSvc,
		deadline: paymentDeadline,
	}
}

// SetEscrowOpener wires the escrow collaborator. Set once at startup.
func (s *Service) SetEscrowOpener(e EscrowOpener) {
	s.escrow = e
}

// SetEventSink wires the optional event stream. Set once at startup.
func (s *Service) SetEventSink(sink EventSink) {
	s.events = sink
}

func (s *Service) notify(o *Order) {
	if s.events != nil {
		s.events.OrderChanged(o)
	}
}

// Create validates the request against current stock and creates a
// pending order. Stock is not reserved; confirmation re-checks it.
func (s *Service) Create(ctx context.Context, buyerID string, req CreateRequest) (*Order, error) {
	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	p, err := s.stock.Get(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if p.FarmerID == buyerID {
		return nil, ErrOwnProduct
	}

	available, err := s.stock.CheckAvailable(ctx, req.ProductID, req.Quantity)
	if err != nil {
		return nil, err
	}
	if !available {
		return nil, stock.ErrStockUnavailable
	}

	total, ok := money.Mul(p.UnitPrice, req.Quantity)
	if !ok {
		return nil, fmt.Errorf("invalid unit price %q on product %s", p.UnitPrice, p.ID)
	}

	now := time.Now()
	o := &Order{
		ID:              idgen.WithPrefix("ord_"),
		Number:          generateOrderNumber(),
		BuyerID:         buyerID,
		FarmerID:        p.FarmerID,
		ProductID:       p.ID,
		ProductName:     p.Name,
		Quantity:        req.Quantity,
		UnitPrice:       p.UnitPrice,
		TotalAmount:     total,
		Currency:        "KES",
		Delivery:        req.Delivery,
		Status:          StatusPending,
		PaymentStatus:   PaymentPending,
		PaymentDeadline: now.Add(s.deadline),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	metrics.OrdersTotal.WithLabelValues(string(StatusPending)).Inc()
	s.notify(o)
	return o, nil
}

// ConfirmPayment converts a paid order into confirmed/held_in_escrow:
// decrement stock, claim the settlement transition, open the escrow.
// Idempotent: calling it again once payment_status has advanced returns
// the order unchanged.
func (s *Service) ConfirmPayment(ctx context.Context, orderID, paymentMethod, externalTxnID string) (*Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if o.PaymentStatus != PaymentPending {
		if o.PaymentStatus == PaymentHeld && o.EscrowID == "" && s.escrow != nil {
			// An earlier confirmation claimed the payment but died
			// before the escrow existed. Finish the job; Open returns
			// the existing escrow on a replay.
			escrowID, err := s.escrow.Open(ctx, o, paymentMethod, externalTxnID)
			if err != nil {
				return nil, fmt.Errorf("failed to open escrow: %w", err)
			}
			o.EscrowID = escrowID
			if o.PaymentMethod == "" {
				o.PaymentMethod = paymentMethod
			}
			if o.ExternalTxnID == "" {
				o.ExternalTxnID = externalTxnID
			}
			o.FailureReason = ""
			o.UpdatedAt = time.Now()
			if err := s.store.Update(ctx, o); err != nil {
				return nil, fmt.Errorf("failed to update order: %w", err)
			}
			s.notify(o)
			return o, nil
		}
		// Replay of an already-confirmed payment: no-op.
		return o, nil
	}
	if o.Status == StatusCancelled {
		return nil, fmt.Errorf("%w: order is cancelled", ErrInvalidTransition)
	}

	// Late stock check. This is where overselling between order creation
	// and payment surfaces.
	if err := s.stock.Decrement(ctx, o.ProductID, o.Quantity); err != nil {
		if errors.Is(err, stock.ErrStockUnavailable) {
			o.FailureReason = "insufficient stock at payment confirmation"
			o.UpdatedAt = time.Now()
			_ = s.store.Update(ctx, o)
		}
		return nil, err
	}

	claimed, err := s.store.ClaimPayment(ctx, o.ID)
	if err != nil {
		_ = s.stock.Restore(ctx, o.ProductID, o.Quantity)
		return nil, err
	}
	if !claimed {
		// Another confirmation won between our read and the claim
		// (e.g. webhook replay against a second replica). Put the
		// stock back and report the winner's result.
		_ = s.stock.Restore(ctx, o.ProductID, o.Quantity)
		return s.store.Get(ctx, o.ID)
	}

	o.Status = StatusConfirmed
	o.PaymentStatus = PaymentHeld
	o.PaymentMethod = paymentMethod
	o.ExternalTxnID = externalTxnID
	o.FailureReason = ""
	o.UpdatedAt = time.Now()

	if s.escrow != nil {
		escrowID, err := s.escrow.Open(ctx, o, paymentMethod, externalTxnID)
		if err != nil {
			o.FailureReason = "escrow open failed: " + err.Error()
			_ = s.store.Update(ctx, o)
			return nil, fmt.Errorf("failed to open escrow: %w", err)
		}
		o.EscrowID = escrowID
	}

	if err := s.store.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}

	metrics.OrdersTotal.WithLabelValues(string(StatusConfirmed)).Inc()
	s.notify(o)
	return o, nil
}

// RecordPaymentFailure notes a failed external payment on the order. The
// settlement state stays pending so the buyer can retry.
func (s *Service) RecordPaymentFailure(ctx context.Context, orderID, reason string) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.PaymentStatus != PaymentPending {
		// Late failure event for a payment that already completed.
		return nil
	}
	o.FailureReason = reason
	o.UpdatedAt = time.Now()
	return s.store.Update(ctx, o)
}

// SetPaymentStatus advances the settlement state (held→released or
// held→refunded) after an escrow settles. Backward moves are rejected.
func (s *Service) SetPaymentStatus(ctx context.Context, orderID string, to PaymentStatus) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.PaymentStatus == to {
		return nil
	}
	if !CanAdvancePayment(o.PaymentStatus, to) {
		return fmt.Errorf("%w: payment %s -> %s", ErrInvalidTransition, o.PaymentStatus, to)
	}
	o.PaymentStatus = to
	o.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, o); err != nil {
		return err
	}
	s.notify(o)
	return nil
}

// Cancel cancels an order. Only the buyer may cancel, and only while the
// order is pending or confirmed. Stock decremented at confirmation is
// restored.
func (s *Service) Cancel(ctx context.Context, orderID, callerID, reason string) (*Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if callerID != "" && callerID != o.BuyerID {
		return nil, ErrUnauthorized
	}
	if o.Status != StatusPending && o.Status != StatusConfirmed {
		return nil, fmt.Errorf("%w: cannot cancel a %s order", ErrInvalidTransition, o.Status)
	}

	// Stock was only taken once payment confirmed.
	if o.PaymentStatus != PaymentPending {
		if err := s.stock.Restore(ctx, o.ProductID, o.Quantity); err != nil {
			return nil, fmt.Errorf("failed to restore stock: %w", err)
		}
	}

	now := time.Now()
	o.Status = StatusCancelled
	o.CancelledAt = &now
	o.UpdatedAt = now
	if reason != "" {
		o.FailureReason = reason
	}

	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(StatusCancelled)).Inc()
	s.notify(o)
	return o, nil
}

// UpdateStatus moves an order along the fulfilment state machine. Only
// the farmer on the order (or an admin) may do this. Delivered stamps
// the delivery timestamp that gates escrow release.
func (s *Service) UpdateStatus(ctx context.Context, orderID string, to Status, callerID string, isAdmin bool) (*Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !isAdmin && callerID != o.FarmerID {
		return nil, ErrUnauthorized
	}
	if !canTransition(o.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}

	now := time.Now()
	o.Status = to
	o.UpdatedAt = now
	if to == StatusDelivered {
		o.DeliveredAt = &now
	}

	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(to)).Inc()
	s.notify(o)
	return o, nil
}

// Get returns an order by id.
func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	return s.store.Get(ctx, orderID)
}

// GetByNumber returns an order by its human-readable number. Used by the
// webhook reconciler, which correlates provider events via api_ref.
func (s *Service) GetByNumber(ctx context.Context, number string) (*Order, error) {
	return s.store.GetByNumber(ctx, number)
}

// ListByBuyer returns a buyer's orders, newest first.
func (s *Service) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByBuyer(ctx, buyerID, limit)
}

// ListByFarmer returns a farmer's incoming orders, newest first.
func (s *Service) ListByFarmer(ctx context.Context, farmerID string, limit int) ([]*Order, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByFarmer(ctx, farmerID, limit)
}

// CancelExpired cancels unpaid pending orders past their payment
// deadline. Stock was never decremented for these, so the flip is pure.
// Returns how many orders were cancelled.
func (s *Service) CancelExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	expired, err := s.store.ListUnpaidBefore(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, o := range expired {
		unlock := s.locks.Lock(o.ID)
		fresh, err := s.store.Get(ctx, o.ID)
		if err != nil {
			unlock()
			continue
		}
		// Re-check under lock: payment may have confirmed meanwhile.
		if fresh.Status != StatusPending || fresh.PaymentStatus != PaymentPending {
			unlock()
			continue
		}
		ts := time.Now()
		fresh.Status = StatusCancelled
		fresh.CancelledAt = &ts
		fresh.FailureReason = "payment deadline expired"
		fresh.UpdatedAt = ts
		if err := s.store.Update(ctx, fresh); err == nil {
			cancelled++
			metrics.OrdersAutoCancelledTotal.Inc()
			s.notify(fresh)
		}
		unlock()
	}
	return cancelled, nil
}

// generateOrderNumber builds the human-readable reference buyers quote
// and the payment provider echoes back as api_ref.
func generateOrderNumber() string {
	return "SP-" + strings.ToUpper(idgen.Hex(5))
}
