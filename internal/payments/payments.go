// Package payments drives checkout: it moves money between the buyer's
// wallet, the external gateway, and order confirmation. External rails
// are asynchronous; the webhook handler in this package is where
// provider callbacks land and become order confirmations.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kmunene/shambapay/internal/gateway"
	"github.com/kmunene/shambapay/internal/idgen"
	"github.com/kmunene/shambapay/internal/order"
	"github.com/kmunene/shambapay/internal/stock"
	"github.com/kmunene/shambapay/internal/validation"
	"github.com/kmunene/shambapay/internal/wallet"
)

var (
	ErrNotOrderBuyer   = errors.New("caller is not the order buyer")
	ErrOrderNotPayable = errors.New("order is not awaiting payment")
	ErrInvalidPhone    = errors.New("invalid phone number")
)

// Payment method names as stored on orders.
const (
	MethodWallet = "wallet"
	MethodMpesa  = "mpesa"
	MethodCard   = "card"
)

// topUpPrefix marks provider api_refs that belong to wallet top-ups
// rather than orders.
const topUpPrefix = "topup:"

// Service orchestrates checkout across wallets, orders and the gateway.
type Service struct {
	wallets *wallet.Service
	orders  *order.Service
	gw      gateway.Gateway
	logger  *slog.Logger
}

// NewService creates a payments service.
func NewService(wallets *wallet.Service, orders *order.Service, gw gateway.Gateway, logger *slog.Logger) *Service {
	return &Service{wallets: wallets, orders: orders, gw: gw, logger: logger}
}

// loadPayableOrder fetches an order and checks the caller may pay it.
func (s *Service) loadPayableOrder(ctx context.Context, orderID, buyerID string) (*order.Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != buyerID {
		return nil, ErrNotOrderBuyer
	}
	if o.PaymentStatus != order.PaymentPending || o.Status == order.StatusCancelled {
		return nil, ErrOrderNotPayable
	}
	return o, nil
}

// PayFromWallet pays an order from the buyer's wallet balance. The
// debit lands first; if confirmation then fails on stock the debit is
// reversed with a refund credit.
func (s *Service) PayFromWallet(ctx context.Context, orderID, buyerID string) (*order.Order, error) {
	o, err := s.loadPayableOrder(ctx, orderID, buyerID)
	if err != nil {
		return nil, err
	}

	w, err := s.wallets.GetOrCreate(ctx, buyerID)
	if err != nil {
		return nil, err
	}

	// A replayed reference returns the original debit, so a retried
	// checkout never charges twice.
	_, txn, err := s.wallets.Debit(ctx, w.ID, wallet.CategoryPayment, o.TotalAmount,
		"Payment for order "+o.Number, wallet.PaymentMetadata(o.ID), "pay:"+o.ID)
	if err != nil {
		return nil, err
	}

	confirmed, err := s.orders.ConfirmPayment(ctx, o.ID, MethodWallet, txn.ID)
	if err != nil {
		if errors.Is(err, stock.ErrStockUnavailable) || errors.Is(err, order.ErrInvalidTransition) {
			// The debit went through but the order can't be filled.
			// Put the money back.
			if _, _, rerr := s.wallets.Credit(ctx, w.ID, wallet.CategoryRefund, o.TotalAmount,
				"Refund for order "+o.Number, wallet.RefundMetadata(o.ID, "", err.Error()), "payrefund:"+o.ID); rerr != nil {
				s.logger.Error("refund after failed confirmation failed",
					"order_id", o.ID, "wallet_id", w.ID, "error", rerr)
			}
		}
		return nil, err
	}
	return confirmed, nil
}

// InitiateSTKPush starts a mobile money collection for an order. The
// order confirms later, when the provider webhook reports COMPLETE.
func (s *Service) InitiateSTKPush(ctx context.Context, orderID, buyerID, phone string) (*gateway.Charge, error) {
	o, err := s.loadPayableOrder(ctx, orderID, buyerID)
	if err != nil {
		return nil, err
	}

	phone = validation.SanitizePhone(phone)
	if !validation.IsValidPhone(phone) {
		return nil, ErrInvalidPhone
	}

	ch, err := s.gw.STKPush(ctx, phone, o.TotalAmount, o.Number, "ShambaPay order "+o.Number)
	if err != nil {
		return nil, fmt.Errorf("stk push failed: %w", err)
	}
	return ch, nil
}

// InitiateCardCharge charges a tokenized card for an order. Card
// charges settle synchronously, so a COMPLETE result confirms the
// order in the same call.
func (s *Service) InitiateCardCharge(ctx context.Context, orderID, buyerID, token string) (*order.Order, error) {
	o, err := s.loadPayableOrder(ctx, orderID, buyerID)
	if err != nil {
		return nil, err
	}

	ch, err := s.gw.ChargeCard(ctx, token, o.TotalAmount, o.Number)
	if err != nil {
		if errors.Is(err, gateway.ErrRejected) {
			reason := err.Error()
			if rerr := s.orders.RecordPaymentFailure(ctx, o.ID, reason); rerr != nil {
				s.logger.Error("failed to record card decline", "order_id", o.ID, "error", rerr)
			}
		}
		return nil, err
	}
	if ch.State != gateway.StateComplete {
		return nil, fmt.Errorf("card charge in unexpected state %s", ch.State)
	}

	return s.orders.ConfirmPayment(ctx, o.ID, MethodCard, ch.InvoiceID)
}

// TopUp starts a mobile money collection into the user's wallet. The
// credit happens in the webhook, keyed by the topup api_ref.
func (s *Service) TopUp(ctx context.Context, userID, phone, amount string) (*gateway.Charge, error) {
	if !validation.IsValidAmount(amount) {
		return nil, wallet.ErrInvalidAmount
	}
	phone = validation.SanitizePhone(phone)
	if !validation.IsValidPhone(phone) {
		return nil, ErrInvalidPhone
	}

	// Make sure the wallet exists before money is on the way to it.
	if _, err := s.wallets.GetOrCreate(ctx, userID); err != nil {
		return nil, err
	}

	ch, err := s.gw.STKPush(ctx, phone, amount, topUpPrefix+userID, "ShambaPay wallet top-up")
	if err != nil {
		return nil, fmt.Errorf("stk push failed: %w", err)
	}
	return ch, nil
}

// Withdraw debits the user's wallet and sends the money to their
// mobile money account. A gateway failure reverses the debit; the
// user never loses balance to a payout that did not leave.
func (s *Service) Withdraw(ctx context.Context, userID, phone, amount string) (*wallet.Transaction, error) {
	phone = validation.SanitizePhone(phone)
	if !validation.IsValidPhone(phone) {
		return nil, ErrInvalidPhone
	}

	w, err := s.wallets.GetByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	ref := idgen.WithPrefix("wd_")
	_, txn, err := s.wallets.Debit(ctx, w.ID, wallet.CategoryWithdrawal, amount,
		"Withdrawal to "+phone, wallet.WithdrawalMetadata(""), ref)
	if err != nil {
		return nil, err
	}

	trackingID, err := s.gw.Payout(ctx, phone, "", amount, "ShambaPay withdrawal")
	if err != nil {
		if _, _, rerr := s.wallets.Credit(ctx, w.ID, wallet.CategoryRefund, amount,
			"Withdrawal reversed", wallet.RefundMetadata("", "", err.Error()), ref+":reversal"); rerr != nil {
			s.logger.Error("withdrawal reversal failed",
				"wallet_id", w.ID, "reference", ref, "error", rerr)
		}
		if oerr := s.wallets.RecordPayoutOutcome(ctx, txn.ID, "failed", err.Error()); oerr != nil {
			s.logger.Error("failed to record withdrawal outcome", "txn_id", txn.ID, "error", oerr)
		}
		return nil, fmt.Errorf("withdrawal payout failed: %w", err)
	}

	if err := s.wallets.RecordPayoutOutcome(ctx, txn.ID, "completed", ""); err != nil {
		s.logger.Error("failed to record withdrawal outcome", "txn_id", txn.ID, "error", err)
	}
	s.logger.Info("withdrawal sent", "wallet_id", w.ID, "tracking_id", trackingID)
	return txn, nil
}
