package gateway

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Gateway for development and tests. Pushes and
// card charges succeed immediately unless an error is injected.
type Fake struct {
	mu       sync.Mutex
	seq      int
	charges  map[string]*Charge // invoice ID -> charge
	payouts  []string
	FailWith error // injected error for the next calls
}

// NewFake creates a fake gateway.
func NewFake() *Fake {
	return &Fake{charges: make(map[string]*Charge)}
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s%06d", prefix, f.seq)
}

func (f *Fake) STKPush(_ context.Context, _, amount, apiRef, _ string) (*Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	ch := &Charge{
		InvoiceID: f.nextID("INV"),
		State:     StatePending,
		APIRef:    apiRef,
		Amount:    amount,
	}
	f.charges[ch.InvoiceID] = ch
	return ch, nil
}

func (f *Fake) ChargeCard(_ context.Context, _, amount, apiRef string) (*Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	ch := &Charge{
		InvoiceID: f.nextID("pi_"),
		State:     StateComplete,
		APIRef:    apiRef,
		Amount:    amount,
	}
	f.charges[ch.InvoiceID] = ch
	return ch, nil
}

func (f *Fake) Payout(_ context.Context, account, _, amount, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return "", f.FailWith
	}
	id := f.nextID("TRK")
	f.payouts = append(f.payouts, account+":"+amount)
	return id, nil
}

func (f *Fake) CheckStatus(_ context.Context, invoiceID string) (*Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.charges[invoiceID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown invoice %s", ErrRejected, invoiceID)
	}
	cp := *ch
	return &cp, nil
}

// Complete marks a pending charge complete, simulating the provider
// finishing a collection between webhook deliveries.
func (f *Fake) Complete(invoiceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.charges[invoiceID]; ok {
		ch.State = StateComplete
	}
}

// Payouts returns recorded payouts as "account:amount" strings.
func (f *Fake) Payouts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.payouts))
	copy(out, f.payouts)
	return out
}

var _ Gateway = (*Fake)(nil)
