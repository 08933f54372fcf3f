package payments

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/kmunene/shambapay/internal/gateway"
	"github.com/kmunene/shambapay/internal/order"
	"github.com/kmunene/shambapay/internal/stock"
	"github.com/kmunene/shambapay/internal/wallet"
)

type stubOpener struct {
	opened int
}

func (s *stubOpener) Open(_ context.Context, _ *order.Order, _, _ string) (string, error) {
	s.opened++
	return "esc_test", nil
}

type fixture struct {
	wallets *wallet.Service
	orders  *order.Service
	stock   *stock.MemoryService
	gw      *gateway.Fake
	svc     *Service
	opener  *stubOpener
}

func newFixture(t *testing.T, qty int64) *fixture {
	t.Helper()
	wallets := wallet.New(wallet.NewMemoryStore())
	stockSvc := stock.NewMemoryService()
	stockSvc.Seed(&stock.Product{
		ID:        "prd_beans",
		FarmerID:  "farmer_1",
		Name:      "Yellow beans",
		UnitPrice: "120.00",
		Quantity:  qty,
		Status:    stock.StatusAvailable,
	})
	orders := order.NewService(order.NewMemoryStore(), stockSvc, 30*time.Minute)
	opener := &stubOpener{}
	orders.SetEscrowOpener(opener)
	gw := gateway.NewFake()
	return &fixture{
		wallets: wallets,
		orders:  orders,
		stock:   stockSvc,
		gw:      gw,
		svc:     NewService(wallets, orders, gw, slog.Default()),
		opener:  opener,
	}
}

func (f *fixture) createOrder(t *testing.T, qty int64) *order.Order {
	t.Helper()
	o, err := f.orders.Create(context.Background(), "buyer_1", order.CreateRequest{
		ProductID: "prd_beans",
		Quantity:  qty,
	})
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}
	return o
}

func (f *fixture) fund(t *testing.T, userID, amount string) *wallet.Wallet {
	t.Helper()
	w, err := f.wallets.GetOrCreate(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, _, err := f.wallets.Credit(context.Background(), w.ID, wallet.CategoryDeposit,
		amount, "seed", wallet.DepositMetadata("seed"), "seed:"+w.ID); err != nil {
		t.Fatalf("seed credit: %v", err)
	}
	return w
}

func TestPayFromWallet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	o := f.createOrder(t, 5) // 600.00
	w := f.fund(t, "buyer_1", "1000.00")

	paid, err := f.svc.PayFromWallet(ctx, o.ID, "buyer_1")
	if err != nil {
		t.Fatalf("PayFromWallet: %v", err)
	}
	if paid.PaymentStatus != order.PaymentHeld {
		t.Errorf("payment status = %s, want held_in_escrow", paid.PaymentStatus)
	}
	if paid.PaymentMethod != MethodWallet {
		t.Errorf("payment method = %s", paid.PaymentMethod)
	}
	if f.opener.opened != 1 {
		t.Errorf("escrow opened %d times, want 1", f.opener.opened)
	}

	got, err := f.wallets.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("Get wallet: %v", err)
	}
	if got.Balance != "400.00" {
		t.Errorf("balance = %s, want 400.00", got.Balance)
	}
}

func TestPayFromWallet_InsufficientFunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	o := f.createOrder(t, 5)
	f.fund(t, "buyer_1", "100.00")

	_, err := f.svc.PayFromWallet(ctx, o.ID, "buyer_1")
	var insufficient *wallet.InsufficientFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("got %v, want InsufficientFundsError", err)
	}

	// The order is still payable after a failed debit.
	got, err := f.orders.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get order: %v", err)
	}
	if got.PaymentStatus != order.PaymentPending {
		t.Errorf("payment status = %s, want pending", got.PaymentStatus)
	}
}

func TestPayFromWallet_WrongBuyer(t *testing.T) {
	f := newFixture(t, 10)
	o := f.createOrder(t, 1)
	f.fund(t, "buyer_2", "1000.00")

	if _, err := f.svc.PayFromWallet(context.Background(), o.ID, "buyer_2"); !errors.Is(err, ErrNotOrderBuyer) {
		t.Errorf("got %v, want ErrNotOrderBuyer", err)
	}
}

func TestPayFromWallet_StockGoneRefundsDebit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	o := f.createOrder(t, 5)
	w := f.fund(t, "buyer_1", "1000.00")

	// Another sale empties the stock between order and payment.
	if err := f.stock.Decrement(ctx, "prd_beans", 5); err != nil {
		t.Fatalf("Decrement: %v", err)
	}

	if _, err := f.svc.PayFromWallet(ctx, o.ID, "buyer_1"); !errors.Is(err, stock.ErrStockUnavailable) {
		t.Fatalf("got %v, want ErrStockUnavailable", err)
	}

	// The debit was reversed; balance is whole.
	got, err := f.wallets.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("Get wallet: %v", err)
	}
	if got.Balance != "1000.00" {
		t.Errorf("balance = %s, want 1000.00 after refund", got.Balance)
	}
}

func TestPayFromWallet_Replay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	o := f.createOrder(t, 2) // 240.00
	w := f.fund(t, "buyer_1", "500.00")

	if _, err := f.svc.PayFromWallet(ctx, o.ID, "buyer_1"); err != nil {
		t.Fatalf("first pay: %v", err)
	}
	// A retried request hits ErrOrderNotPayable, never a second debit.
	if _, err := f.svc.PayFromWallet(ctx, o.ID, "buyer_1"); !errors.Is(err, ErrOrderNotPayable) {
		t.Fatalf("replay: got %v, want ErrOrderNotPayable", err)
	}

	got, _ := f.wallets.Get(ctx, w.ID)
	if got.Balance != "260.00" {
		t.Errorf("balance = %s, want 260.00", got.Balance)
	}
}

func TestInitiateSTKPush(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	o := f.createOrder(t, 5)

	ch, err := f.svc.InitiateSTKPush(ctx, o.ID, "buyer_1", "0712345678")
	if err != nil {
		t.Fatalf("InitiateSTKPush: %v", err)
	}
	if ch.APIRef != o.Number {
		t.Errorf("api_ref = %s, want %s", ch.APIRef, o.Number)
	}
	if ch.State != gateway.StatePending {
		t.Errorf("state = %s, want PENDING", ch.State)
	}

	// The push alone confirms nothing.
	got, _ := f.orders.Get(ctx, o.ID)
	if got.PaymentStatus != order.PaymentPending {
		t.Errorf("payment status = %s, want pending", got.PaymentStatus)
	}
}

func TestInitiateSTKPush_BadPhone(t *testing.T) {
	f := newFixture(t, 10)
	o := f.createOrder(t, 1)

	if _, err := f.svc.InitiateSTKPush(context.Background(), o.ID, "buyer_1", "12345"); !errors.Is(err, ErrInvalidPhone) {
		t.Errorf("got %v, want ErrInvalidPhone", err)
	}
}

func TestInitiateCardCharge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	o := f.createOrder(t, 5)

	paid, err := f.svc.InitiateCardCharge(ctx, o.ID, "buyer_1", "pm_test")
	if err != nil {
		t.Fatalf("InitiateCardCharge: %v", err)
	}
	if paid.PaymentStatus != order.PaymentHeld {
		t.Errorf("payment status = %s, want held_in_escrow", paid.PaymentStatus)
	}
	if paid.PaymentMethod != MethodCard {
		t.Errorf("payment method = %s", paid.PaymentMethod)
	}
}

func TestInitiateCardCharge_GatewayDown(t *testing.T) {
	f := newFixture(t, 10)
	o := f.createOrder(t, 1)
	f.gw.FailWith = gateway.ErrUnavailable

	if _, err := f.svc.InitiateCardCharge(context.Background(), o.ID, "buyer_1", "pm_test"); !errors.Is(err, gateway.ErrUnavailable) {
		t.Errorf("got %v, want ErrUnavailable", err)
	}
}

func TestTopUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	ch, err := f.svc.TopUp(ctx, "buyer_1", "+254712345678", "500.00")
	if err != nil {
		t.Fatalf("TopUp: %v", err)
	}
	if ch.APIRef != topUpPrefix+"buyer_1" {
		t.Errorf("api_ref = %s", ch.APIRef)
	}

	// The wallet exists but holds nothing until the webhook lands.
	w, err := f.wallets.GetByUser(ctx, "buyer_1")
	if err != nil {
		t.Fatalf("GetByUser: %v", err)
	}
	if w.Balance != "0.00" {
		t.Errorf("balance = %s, want 0.00", w.Balance)
	}
}

func TestWithdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	w := f.fund(t, "farmer_1", "800.00")

	txn, err := f.svc.Withdraw(ctx, "farmer_1", "0712345678", "300.00")
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if txn.Direction != wallet.DirectionDebit || txn.Category != wallet.CategoryWithdrawal {
		t.Errorf("txn = %+v", txn)
	}

	got, _ := f.wallets.Get(ctx, w.ID)
	if got.Balance != "500.00" {
		t.Errorf("balance = %s, want 500.00", got.Balance)
	}
	if len(f.gw.Payouts()) != 1 {
		t.Errorf("payouts = %v", f.gw.Payouts())
	}
}

func TestWithdraw_GatewayFailureReversesDebit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	w := f.fund(t, "farmer_1", "800.00")
	f.gw.FailWith = gateway.ErrUnavailable

	if _, err := f.svc.Withdraw(ctx, "farmer_1", "0712345678", "300.00"); err == nil {
		t.Fatal("expected withdrawal to fail")
	}

	got, _ := f.wallets.Get(ctx, w.ID)
	if got.Balance != "800.00" {
		t.Errorf("balance = %s, want 800.00 after reversal", got.Balance)
	}
}
