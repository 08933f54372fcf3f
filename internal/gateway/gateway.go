// Package gateway adapts external payment rails: M-Pesa style mobile
// money through the collections provider's HTTP API, and card charges
// through Stripe. Callers key everything by api_ref (the order number),
// which the provider echoes back in webhooks.
package gateway

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable covers transport failures, timeouts, 5xx responses
	// and an open circuit. Safe to retry later.
	ErrUnavailable = errors.New("payment gateway unavailable")

	// ErrRejected covers 4xx responses and declined charges. Retrying
	// the same request will not help.
	ErrRejected = errors.New("payment gateway rejected the request")

	// ErrNotConfigured means the rail has no credentials wired.
	ErrNotConfigured = errors.New("payment rail not configured")
)

// Charge states as the provider reports them.
const (
	StateComplete   = "COMPLETE"
	StatePending    = "PENDING"
	StateProcessing = "PROCESSING"
	StateFailed     = "FAILED"
)

// Charge is one collection attempt at the provider.
type Charge struct {
	InvoiceID     string `json:"invoice_id"`
	State         string `json:"state"`
	APIRef        string `json:"api_ref"`
	Amount        string `json:"value"`
	FailureReason string `json:"failed_reason,omitempty"`
}

// Gateway is the outbound payment surface. All amounts are decimal KES
// strings; apiRef ties provider callbacks back to an order.
type Gateway interface {
	// STKPush asks the provider to pop a payment prompt on the buyer's
	// phone. The returned charge is PENDING until the webhook lands.
	STKPush(ctx context.Context, phone, amount, apiRef, narrative string) (*Charge, error)

	// ChargeCard charges a tokenized card synchronously.
	ChargeCard(ctx context.Context, token, amount, apiRef string) (*Charge, error)

	// Payout sends money out to a mobile money account. Returns the
	// provider's tracking id.
	Payout(ctx context.Context, account, accountName, amount, narrative string) (string, error)

	// CheckStatus fetches the current state of a collection, for
	// reconciling charges whose webhook never arrived.
	CheckStatus(ctx context.Context, invoiceID string) (*Charge, error)
}
