package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kmunene/shambapay/internal/stock"
)

// mockEscrow records Open calls for verification.
type mockEscrow struct {
	mu    sync.Mutex
	opens map[string]string // orderID -> escrowID
	err   error
}

func newMockEscrow() *mockEscrow {
	return &mockEscrow{opens: make(map[string]string)}
}

func (m *mockEscrow) Open(ctx context.Context, o *Order, paymentMethod, externalTxnID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	id := "esc_" + o.ID
	m.opens[o.ID] = id
	return id, nil
}

func (m *mockEscrow) openCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.opens)
}

func newTestService(productQty int64) (*Service, *stock.MemoryService, *mockEscrow) {
	stockSvc := stock.NewMemoryService()
	stockSvc.Seed(&stock.Product{
		ID:        "prd_beans",
		FarmerID:  "usr_farmer",
		Name:      "Beans 50kg",
		UnitPrice: "120.00",
		Quantity:  productQty,
	})
	esc := newMockEscrow()
	svc := NewService(NewMemoryStore(), stockSvc, time.Hour)
	svc.SetEscrowOpener(esc)
	return svc, stockSvc, esc
}

func TestCreate(t *testing.T) {
	svc, _, _ := newTestService(10)
	ctx := context.Background()

	o, err := svc.Create(ctx, "usr_buyer", CreateRequest{
		ProductID: "prd_beans",
		Quantity:  5,
		Delivery:  Delivery{Address: "Kangemi market, Nairobi"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if o.TotalAmount != "600.00" {
		t.Errorf("Expected total 600.00, got %s", o.TotalAmount)
	}
	if o.Status != StatusPending || o.PaymentStatus != PaymentPending {
		t.Errorf("Expected pending/pending, got %s/%s", o.Status, o.PaymentStatus)
	}
	if o.FarmerID != "usr_farmer" {
		t.Errorf("Expected farmer from product, got %s", o.FarmerID)
	}
	if o.Number == "" {
		t.Error("Expected a human-readable order number")
	}
	if o.PaymentDeadline.Before(time.Now()) {
		t.Error("Expected payment deadline in the future")
	}
}

func TestCreate_DoesNotTouchStock(t *testing.T) {
	svc, stockSvc, _ := newTestService(10)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "usr_buyer", CreateRequest{ProductID: "prd_beans", Quantity: 10}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	p, _ := stockSvc.Get(ctx, "prd_beans")
	if p.Quantity != 10 {
		t.Errorf("Expected stock untouched at 10, got %d", p.Quantity)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _ := newTestService(10)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "usr_buyer", CreateRequest{ProductID: "prd_beans", Quantity: 0}); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("Expected ErrInvalidQuantity, got %v", err)
	}
	if _, err := svc.Create(ctx, "usr_buyer", CreateRequest{ProductID: "prd_beans", Quantity: 11}); !errors.Is(err, stock.ErrStockUnavailable) {
		t.Errorf("Expected ErrStockUnavailable, got %v", err)
	}
	if _, err := svc.Create(ctx, "usr_farmer", CreateRequest{ProductID: "prd_beans", Quantity: 1}); !errors.Is(err, ErrOwnProduct) {
		t.Errorf("Expected ErrOwnProduct, got %v", err)
	}
	if _, err := svc.Create(ctx, "usr_buyer", CreateRequest{ProductID: "prd_missing", Quantity: 1}); !errors.Is(err, stock.ErrProductNotFound) {
		t.Errorf("Expected ErrProductNotFound, got %v", err)
	}
}

func TestConfirmPayment(t *testing.T) {
	svc, stockSvc, esc := newTestService(10)
	ctx := context.Background()

	o, _ := svc.Create(ctx, "usr_buyer", CreateRequest{ProductID: "prd_beans", Quantity: 4})

	confirmed, err := svc.ConfirmPayment(ctx, o.ID, "wallet", "")
	if err != nil {
		t.Fatalf("ConfirmPayment failed: %v", err)
	}

	if confirmed.Status != StatusConfirmed {
		t.Errorf("Expected confirmed, got %s", confirmed.Status)
	}
	if confirmed.PaymentStatus != PaymentHeld {
		t.Errorf("Expected held_in_escrow, got %s", confirmed.PaymentStatus)
	}
	if confirmed.EscrowID == "" {
		t.Error("Expected escrow to be opened")
	}

	p, _ := stockSvc.Get(ctx, "prd_beans")
	if p.Quantity != 6 {
		t.Errorf("Expected stock decremented to 6, got %d", p.Quantity)
	}
	if esc.openCount() != 1 {
		t.Errorf("Expected 1 escrow open, got %d", esc.openCount())
	}
}

// Replaying a confirmation must not decrement stock or open escrow twice.
func TestConfirmPayment_Idempotent(t *testing.T) {
	svc, stockSvc, esc := newTestService(10)
	ctx := context.Background()

	o, _ := svc.Create(ctx, "usr_buyer", CreateRequest{ProductID: "prd_beans", Quantity: 4})

	for i := 0; i < 3; i++ {
		confirmed, err := svc.ConfirmPayment(ctx, o.ID, "mpesa", "inv_001")
		if err != nil {
			t.Fatalf("ConfirmPayment replay %d failed: %v", i, err)
		}
		if confirmed.PaymentStatus != PaymentHeld {
			t.Errorf("Replay %d: expected held_in_escrow, got %s", i, confirmed.PaymentStatus)
		}
	}

	p, _ := stockSvc.Get(ctx, "prd_beans")
	if p.Quantity != 6 {
		t.Errorf("Expected exactly one decrement (stock 6), got %d", p.Quantity)
	}
	if esc.openCount() != 1 {
		t.Errorf("Expected exactly 1 escrow, got %d", esc.openCount())
	}
}

// A confirmation that claims the payment but dies before the escrow
// exists must be healed by the next replay.
func TestConfirmPayment_RetriesEscrowOpenOnReplay(t *testing.T) {
	svc, stockSvc, esc := newTestService(10)
	ctx := context.Background()

	o, _ := svc.Create(ctx, "usr_buyer", CreateRequest{ProductID: "prd_beans", Quantity: 4})

	esc.err = errors.New("escrow store down")
	if _, err := svc.ConfirmPayment(ctx, o.ID, "mpesa", "inv_001"); err == nil {
		t.Fatal("Expected first confirmation to fail")
	}

	// The payment claim committed but no escrow was created.
	held, _ := svc.Get(ctx, o.ID)
	if held.PaymentStatus != PaymentHeld {
		t.Fatalf("Expected held_in_escrow, got %s", held.PaymentStatus)
	}
	if held.EscrowID != "" {
		t.Fatalf("Expected no escrow yet, got %s", held.EscrowID)
	}

	esc.err = nil
	confirmed, err := svc.ConfirmPayment(ctx, o.ID, "mpesa", "inv_001")
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if confirmed.EscrowID == "" {
		t.Error("Expected the replay to create the escrow")
	}
	if confirmed.FailureReason != "" {
		t.Errorf("Expected failure reason cleared, got %q", confirmed.FailureReason)
	}
	if esc.openCount() != 1 {
		t.Errorf("Expected exactly 1 escrow, got %d", esc.openCount())
	}

	p, _ := stockSvc.Get(ctx, "prd_beans")
	if p.Quantity != 6 {
		t.Errorf("Expected exactly one decrement (stock 6), got %d", p.Quantity)
	}
}

// Two orders both created against the last units: only the first to
// confirm gets the stock.
func TestConfirmPayment_LateStockCheck(t *testing.T) {
	svc, stockSvc, _ := newTestService(10)
	ctx := context.Background()

	first, _ := svc.Create(ctx, "usr_buyer1", CreateRequest{ProductID: "prd_beans", Quantity: 10})
	second, _ := svc.Create(ctx, "usr_buyer2", CreateRequest{ProductID: "prd_beans", Quantity: 10})

	if _, err := svc.ConfirmPayment(ctx, first.ID, "wallet", ""); err != nil {
		t.Fatalf("First confirmation failed: %v", err)
	}

	_, err := svc.ConfirmPayment(ctx, second.ID, "wallet", "")
	if !errors.Is(err, stock.ErrStockUnavailable) {
		t.Fatalf("Expected ErrStockUnavailable, got %v", err)
	}

	p, _ := stockSvc.Get(ctx, "prd_beans")
	if p.Quantity != 0 {
		t.Errorf("Expected stock 0, got %d", p.Quantity)
	}
	if p.Status != stock.StatusSold {
		t.Errorf("Expected product sold, got %s", p.Status)
	}

	loser, _ := svc.Get(ctx, second.ID)
	if loser.PaymentStatus != PaymentPending {
		t.Errorf("Expected loser still pending, got %s", loser.PaymentStatus)
	}
	if loser.FailureReason == "" {
		t.Error("Expected failure reason recorded on losing order")
	}
}

// Concurrent confirmations of distinct orders against shared stock:
// exactly the quantity available is decremented.
func TestConfirmPayment_ConcurrentOrders(t *testing.T) {
	svc, stockSvc, _ := newTestService(10)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 20; i++ {
		o, err := svc.Create(ctx, "usr_buyer", CreateRequest{ProductID: "prd_beans", Quantity: 1})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		ids = append(ids, o.ID)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for _, id := range ids {
		wg.Add(1)
		go func(orderID string) {
			defer wg.Done()
			if _, err := svc.ConfirmPayment(ctx, orderID, "wallet", ""); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	if succeeded != 10 {
		t.Errorf("Expected 10 confirmations to fit, got %d", succeeded)
	}
	p, _ := stockSvc.Get(ctx, "prd_beans")
	if p.Quantity != 0 {
		t.Errorf("Expected stock 0, got %d", p.Quantity)
	}
}

func TestCancel(t *testing.T) {
	svc, _, _ := newTestService(10)
	ctx := context.Background()

	o, _ := svc.Create(ctx, "usr_buyer", CreateRequest{ProductID: "prd_beans", Quantity: 2})

	// Wrong caller
	if _, err := svc.Cancel(ctx, o.ID, "usr_other", ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}

	cancelled, err := svc.Cancel(ctx, o.ID, "usr_buyer", "changed my mind")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("Expected cancelled, got %s", cancelled.Status)
	}
	if cancelled.CancelledAt == nil {
		t.Error("Expected cancellation timestamp")
	}

	// Cancelled orders cannot confirm payment
	if _, err := svc.ConfirmPayment(ctx, o.ID, "wallet", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancel_RestoresStockAfterConfirmation(t *testing.T) {
	svc, stockSvc, _ := newTestService(10)
	ctx := context.Background()

	o, _ := svc.Create(ctx, "usr_buyer", CreateRequest{ProductID: "prd_beans", Quantity: 10})
	svc.ConfirmPayment(ctx, o.ID, "wallet", "")

	p, _ := stockSvc.Get(ctx, "prd_beans")
	if p.Quantity != 0 || p.Status != stock.StatusSold {
		t.Fatalf("Expected stock exhausted before cancel, got %d/%s", p.Quantity, p.Status)
	}

	if _, err := svc.Cancel(ctx, o.ID, "usr_buyer", ""); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	p, _ = stockSvc.Get(ctx, "prd_beans")
	if p.Quantity != 10 {
		t.Errorf("Expected stock restored to 10, got %d", p.Quantity)
	}
	if p.Status != stock.StatusAvailable {
		t.Errorf("Expected product available again, got %s", p.Status)
	}
}

func TestUpdateStatus(t *testing.T) {
	svc, _, _ := newTestService(10)
	ctx := context.Background()

	o, _ := svc.Create(ctx, "usr_buyer", CreateRequest{ProductID: "prd_beans", Quantity: 1})
	svc.ConfirmPayment(ctx, o.ID, "wallet", "")

	// Buyer cannot move fulfilment status
	if _, err := svc.UpdateStatus(ctx, o.ID, StatusInTransit, "usr_buyer", false); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}

	// Farmer walks the state machine
	if _, err := svc.UpdateStatus(ctx, o.ID, StatusInTransit, "usr_farmer", false); err != nil {
		t.Fatalf("in_transit failed: %v", err)
	}
	delivered, err := svc.UpdateStatus(ctx, o.ID, StatusDelivered, "usr_farmer", false)
	if err != nil {
		t.Fatalf("delivered failed: %v", err)
	}
	if delivered.DeliveredAt == nil {
		t.Error("Expected delivery timestamp")
	}

	// No backward move
	if _, err := svc.UpdateStatus(ctx, o.ID, StatusInTransit, "usr_farmer", false); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
}

func TestUpdateStatus_SkipsPendingOrders(t *testing.T) {
	svc, _, _ := newTestService(10)
	ctx := context.Background()

	o, _ := svc.Create(ctx, "usr_buyer", CreateRequest{ProductID: "prd_beans", Quantity: 1})

	// Unpaid order cannot ship
	if _, err := svc.UpdateStatus(ctx, o.ID, StatusInTransit, "usr_farmer", false); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition for unpaid order, got %v", err)
	}
}

func TestSetPaymentStatus_ForwardOnly(t *testing.T) {
	svc, _, _ := newTestService(10)
	ctx := context.Background()

	o, _ := svc.Create(ctx, "usr_buyer", CreateRequest{ProductID: "prd_beans", Quantity: 1})
	svc.ConfirmPayment(ctx, o.ID, "wallet", "")

	if err := svc.SetPaymentStatus(ctx, o.ID, PaymentReleased); err != nil {
		t.Fatalf("held -> released failed: %v", err)
	}

	// Settled payments never move again
	if err := svc.SetPaymentStatus(ctx, o.ID, PaymentRefunded); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition for released -> refunded, got %v", err)
	}
	// Same-status call is a no-op
	if err := svc.SetPaymentStatus(ctx, o.ID, PaymentReleased); err != nil {
		t.Errorf("Expected repeated released to no-op, got %v", err)
	}
}

func TestCancelExpired(t *testing.T) {
	stockSvc := stock.NewMemoryService()
	stockSvc.Seed(&stock.Product{ID: "prd_beans", FarmerID: "usr_farmer", Name: "Beans", UnitPrice: "120.00", Quantity: 10})
	svc := NewService(NewMemoryStore(), stockSvc, time.Minute)
	ctx := context.Background()

	unpaid, _ := svc.Create(ctx, "usr_buyer", CreateRequest{ProductID: "prd_beans", Quantity: 1})
	paid, _ := svc.Create(ctx, "usr_buyer", CreateRequest{ProductID: "prd_beans", Quantity: 1})
	svc.ConfirmPayment(ctx, paid.ID, "wallet", "")

	// Sweep from an hour in the future: the unpaid order is past deadline.
	cancelled, err := svc.CancelExpired(ctx, time.Now().Add(time.Hour), 100)
	if err != nil {
		t.Fatalf("CancelExpired failed: %v", err)
	}
	if cancelled != 1 {
		t.Errorf("Expected 1 cancellation, got %d", cancelled)
	}

	o, _ := svc.Get(ctx, unpaid.ID)
	if o.Status != StatusCancelled {
		t.Errorf("Expected unpaid order cancelled, got %s", o.Status)
	}
	o, _ = svc.Get(ctx, paid.ID)
	if o.Status != StatusConfirmed {
		t.Errorf("Expected paid order untouched, got %s", o.Status)
	}
}

func TestCanAdvancePayment(t *testing.T) {
	tests := []struct {
		from, to PaymentStatus
		want     bool
	}{
		{PaymentPending, PaymentHeld, true},
		{PaymentHeld, PaymentReleased, true},
		{PaymentHeld, PaymentRefunded, true},
		{PaymentHeld, PaymentPending, false},
		{PaymentReleased, PaymentRefunded, false},
		{PaymentRefunded, PaymentHeld, false},
		{PaymentPending, PaymentReleased, false},
	}
	for _, tt := range tests {
		if got := CanAdvancePayment(tt.from, tt.to); got != tt.want {
			t.Errorf("CanAdvancePayment(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
