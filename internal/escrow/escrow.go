// Package escrow holds buyer funds between payment and delivery.
//
// Flow:
//  1. Payment confirms → escrow opened, amount = order total
//  2. Farmer delivers → buyer (or admin) releases → farmer's wallet is
//     credited internally, external payout attempted best-effort
//  3. Buyer disputes before release → ops resolve to release or refund
//  4. Refund credits the buyer's wallet instead
//
// Released and refunded are terminal. The internal ledger credit always
// precedes and outranks the external payout: a payout failure is
// recorded on the credit entry but never rolled back.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kmunene/shambapay/internal/idgen"
	"github.com/kmunene/shambapay/internal/metrics"
	"github.com/kmunene/shambapay/internal/order"
	"github.com/kmunene/shambapay/internal/syncutil"
)

var (
	ErrEscrowNotFound    = errors.New("escrow not found")
	ErrEscrowExists      = errors.New("escrow already exists for this order")
	ErrEscrowSettled     = errors.New("escrow already settled")
	ErrInvalidStatus     = errors.New("invalid escrow status for this operation")
	ErrOrderNotDelivered = errors.New("order has not been delivered")
	ErrUnauthorized      = errors.New("not authorized for this escrow operation")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusHeld     Status = "held"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed"
)

// Escrow is funds held against one order.
type Escrow struct {
	ID            string     `json:"id"`
	OrderID       string     `json:"orderId"`
	BuyerID       string     `json:"buyerId"`
	FarmerID      string     `json:"farmerId"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	Status        Status     `json:"status"`
	PaymentMethod string     `json:"paymentMethod"`
	ExternalTxnID string     `json:"externalTxnId,omitempty"`
	DisputeReason string     `json:"disputeReason,omitempty"`
	ReleasedAt    *time.Time `json:"releasedAt,omitempty"`
	RefundedAt    *time.Time `json:"refundedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the escrow can no longer move.
func (e *Escrow) IsTerminal() bool {
	return e.Status == StatusReleased || e.Status == StatusRefunded
}

// Store persists escrows. Create must reject a second escrow for the
// same order with ErrEscrowExists.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByOrder(ctx context.Context, orderID string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error)
}

// Wallets abstracts the wallet operations escrow settlement needs, so
// this package doesn't import the wallet package. The server wires an
// adapter over the wallet service.
type Wallets interface {
	// CreditPayout credits the farmer for a released escrow and returns
	// the ledger entry id. Replays with the same reference return the
	// original entry.
	CreditPayout(ctx context.Context, userID, amount, orderID, escrowID, reference string) (txnID string, err error)

	// CreditRefund credits the buyer for a refunded escrow.
	CreditRefund(ctx context.Context, userID, amount, orderID, escrowID, reason, reference string) (txnID string, err error)

	// RecordPayoutOutcome attaches the external payout result to the
	// payout credit entry.
	RecordPayoutOutcome(ctx context.Context, txnID, payoutStatus, failureReason string) error
}

// Orders is the slice of the order service escrow needs. Satisfied
// directly by *order.Service.
type Orders interface {
	Get(ctx context.Context, orderID string) (*order.Order, error)
	SetPaymentStatus(ctx context.Context, orderID string, to order.PaymentStatus) error
}

// PayoutGateway pushes released funds out to the farmer's mobile money
// account. Best-effort: failures are recorded, never retried against
// the ledger.
type PayoutGateway interface {
	Payout(ctx context.Context, account, accountName, amount, narrative string) (externalID string, err error)
}

// EventSink receives escrow settlement notifications after each state
// change commits. Implementations must not block.
type EventSink interface {
	EscrowChanged(e *Escrow)
}

// Service implements escrow business logic.
type Service struct {
	store   Store
	wallets Wallets
	orders  Orders
	payout  PayoutGateway
	events  EventSink
	locks   syncutil.ShardedMutex // per-order ID locks
}

// NewService creates a new escrow service.
func NewService(store Store, wallets Wallets, orders Orders) *Service {
	return &Service{
		store:   store,
		wallets: wallets,
		orders:  orders,
	}
}

// WithPayoutGateway wires the optional external payout channel.
func (s *Service) WithPayoutGateway(g PayoutGateway) *Service {
	s.payout = g
	return s
}

// SetEventSink wires the optional event stream. Set once at startup.
func (s *Service) SetEventSink(sink EventSink) {
	s.events = sink
}

func (s *Service) notify(e *Escrow) {
	if s.events != nil {
		s.events.EscrowChanged(e)
	}
}

// Open creates a held escrow for a confirmed order. Called from payment
// confirmation; a replay that finds an existing escrow returns its id.
// Implements order.EscrowOpener.
func (s *Service) Open(ctx context.Context, o *order.Order, paymentMethod, externalTxnID string) (string, error) {
	unlock := s.locks.Lock(o.ID)
	defer unlock()

	now := time.Now()
	e := &Escrow{
		ID:            idgen.WithPrefix("esc_"),
		OrderID:       o.ID,
		BuyerID:       o.BuyerID,
		FarmerID:      o.FarmerID,
		Amount:        o.TotalAmount,
		Currency:      o.Currency,
		Status:        StatusHeld,
		PaymentMethod: paymentMethod,
		ExternalTxnID: externalTxnID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.Create(ctx, e); err != nil {
		if errors.Is(err, ErrEscrowExists) {
			existing, getErr := s.store.GetByOrder(ctx, o.ID)
			if getErr != nil {
				return "", getErr
			}
			return existing.ID, nil
		}
		return "", fmt.Errorf("failed to create escrow: %w", err)
	}

	metrics.EscrowOpenedTotal.Inc()
	s.notify(e)
	return e.ID, nil
}

// Release settles an escrow in the farmer's favour. Requires the order
// delivered. The buyer confirms receipt; admins resolve disputes.
func (s *Service) Release(ctx context.Context, orderID, callerID string, isAdmin bool) (*Escrow, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	e, err := s.store.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if e.IsTerminal() {
		return nil, ErrEscrowSettled
	}
	if !isAdmin && callerID != e.BuyerID {
		return nil, ErrUnauthorized
	}
	if e.Status == StatusDisputed && !isAdmin {
		// Disputes are resolved by ops, not by either party.
		return nil, ErrUnauthorized
	}

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != order.StatusDelivered {
		return nil, ErrOrderNotDelivered
	}

	// Internal credit first; the farmer is made whole on the ledger
	// before any external call.
	txnID, err := s.wallets.CreditPayout(ctx, e.FarmerID, e.Amount, e.OrderID, e.ID, e.ID+":payout")
	if err != nil {
		return nil, fmt.Errorf("failed to credit farmer: %w", err)
	}

	// External payout is best-effort. The outcome lands on the credit
	// entry's metadata either way.
	if s.payout != nil {
		extID, perr := s.payout.Payout(ctx, e.FarmerID, "", e.Amount, "ShambaPay settlement "+o.Number)
		if perr != nil {
			_ = s.wallets.RecordPayoutOutcome(ctx, txnID, "failed", perr.Error())
		} else {
			_ = s.wallets.RecordPayoutOutcome(ctx, txnID, "completed", "")
			e.ExternalTxnID = extID
		}
	}

	now := time.Now()
	e.Status = StatusReleased
	e.ReleasedAt = &now
	e.UpdatedAt = now
	if err := s.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to update escrow after release: %w", err)
	}

	if err := s.orders.SetPaymentStatus(ctx, orderID, order.PaymentReleased); err != nil {
		return nil, fmt.Errorf("escrow released but order update failed: %w", err)
	}

	metrics.EscrowReleasedTotal.Inc()
	metrics.EscrowsTotal.WithLabelValues(string(StatusReleased)).Inc()
	metrics.EscrowDuration.Observe(now.Sub(e.CreatedAt).Seconds())
	s.notify(e)
	return e, nil
}

// Dispute freezes a held escrow pending an ops decision. Only the
// buyer may raise a dispute.
func (s *Service) Dispute(ctx context.Context, orderID, callerID, reason string) (*Escrow, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	e, err := s.store.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if e.IsTerminal() {
		return nil, ErrEscrowSettled
	}
	if callerID != e.BuyerID {
		return nil, ErrUnauthorized
	}
	if e.Status != StatusHeld {
		return nil, ErrInvalidStatus
	}

	e.Status = StatusDisputed
	e.DisputeReason = reason
	e.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}

	metrics.EscrowDisputedTotal.Inc()
	s.notify(e)
	return e, nil
}

// Refund settles an escrow in the buyer's favour. Ops-only: refunds are
// a dispute resolution or an overselling compensation, never a
// self-service action.
func (s *Service) Refund(ctx context.Context, orderID, reason string) (*Escrow, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	e, err := s.store.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if e.IsTerminal() {
		return nil, ErrEscrowSettled
	}

	if _, err := s.wallets.CreditRefund(ctx, e.BuyerID, e.Amount, e.OrderID, e.ID, reason, e.ID+":refund"); err != nil {
		return nil, fmt.Errorf("failed to credit buyer: %w", err)
	}

	now := time.Now()
	e.Status = StatusRefunded
	e.RefundedAt = &now
	e.UpdatedAt = now
	if err := s.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to update escrow after refund: %w", err)
	}

	if err := s.orders.SetPaymentStatus(ctx, orderID, order.PaymentRefunded); err != nil {
		return nil, fmt.Errorf("escrow refunded but order update failed: %w", err)
	}

	metrics.EscrowRefundedTotal.Inc()
	metrics.EscrowsTotal.WithLabelValues(string(StatusRefunded)).Inc()
	metrics.EscrowDuration.Observe(now.Sub(e.CreatedAt).Seconds())
	s.notify(e)
	return e, nil
}

// Get returns an escrow by id.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetByOrder returns the escrow tied to an order.
func (s *Service) GetByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	return s.store.GetByOrder(ctx, orderID)
}

// ListByUser returns escrows involving a user as buyer or farmer.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}
