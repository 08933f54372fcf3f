package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/kmunene/shambapay/internal/testutil"
)

// Integration tests against a real Postgres. Skipped unless POSTGRES_URL
// is set; the store-level concurrency guarantees (optimistic version
// check, unique reference replay) only mean anything on the real thing.

func TestPostgresStoreCreditDebit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	svc := New(NewPostgresStore(db))

	w, err := svc.GetOrCreate(ctx, "usr_pg_buyer")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if w.Balance != "0.00" || w.Currency != DefaultCurrency {
		t.Fatalf("fresh wallet: balance=%q currency=%q", w.Balance, w.Currency)
	}

	w, txn, err := svc.Credit(ctx, w.ID, CategoryDeposit, "500.00", "Top-up", DepositMetadata("INV000001"), "pg-dep-1")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if w.Balance != "500.00" {
		t.Fatalf("balance after credit = %q, want 500.00", w.Balance)
	}
	if txn.BalanceBefore != "0.00" || txn.BalanceAfter != "500.00" {
		t.Fatalf("txn snapshots: before=%q after=%q", txn.BalanceBefore, txn.BalanceAfter)
	}

	w, _, err = svc.Debit(ctx, w.ID, CategoryPayment, "120.50", "Order payment", PaymentMetadata("ord_pg_1"), "pg-pay-1")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if w.Balance != "379.50" {
		t.Fatalf("balance after debit = %q, want 379.50", w.Balance)
	}

	// Overdraw is rejected by the service and by the DB check constraint.
	var insufficient *InsufficientFundsError
	if _, _, err := svc.Debit(ctx, w.ID, CategoryPayment, "1000.00", "too much", PaymentMetadata("ord_pg_2"), "pg-pay-2"); !errors.As(err, &insufficient) {
		t.Fatalf("overdraw error = %v, want InsufficientFundsError", err)
	}
}

func TestPostgresStoreDuplicateReferenceReplay(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	svc := New(NewPostgresStore(db))

	w, err := svc.GetOrCreate(ctx, "usr_pg_replay")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}

	_, first, err := svc.Credit(ctx, w.ID, CategoryDeposit, "40.00", "Top-up", Metadata{}, "pg-dup-1")
	if err != nil {
		t.Fatalf("first credit: %v", err)
	}
	w2, second, err := svc.Credit(ctx, w.ID, CategoryDeposit, "75.00", "Top-up retry", Metadata{}, "pg-dup-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.ID != first.ID || second.Amount != "40.00" {
		t.Fatalf("replay returned txn %s amount %s, want original %s amount 40.00", second.ID, second.Amount, first.ID)
	}
	if w2.Balance != "40.00" {
		t.Fatalf("balance after replay = %q, want 40.00", w2.Balance)
	}
}

func TestPostgresStoreTransfer(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	svc := New(NewPostgresStore(db))

	from, err := svc.GetOrCreate(ctx, "usr_pg_from")
	if err != nil {
		t.Fatalf("get or create from: %v", err)
	}
	to, err := svc.GetOrCreate(ctx, "usr_pg_to")
	if err != nil {
		t.Fatalf("get or create to: %v", err)
	}
	if _, _, err := svc.Credit(ctx, from.ID, CategoryDeposit, "200.00", "seed", Metadata{}, "pg-seed-from"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	debit, credit, err := svc.Transfer(ctx, from.ID, to.ID, "80.00", "settle up", "pg-xfer-1")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if debit.Direction != DirectionDebit || credit.Direction != DirectionCredit {
		t.Fatalf("leg directions: %s / %s", debit.Direction, credit.Direction)
	}

	fw, _ := svc.Get(ctx, from.ID)
	tw, _ := svc.Get(ctx, to.ID)
	if fw.Balance != "120.00" || tw.Balance != "80.00" {
		t.Fatalf("balances after transfer: from=%q to=%q", fw.Balance, tw.Balance)
	}

	// Overdrawing transfer leaves both wallets untouched.
	if _, _, err := svc.Transfer(ctx, from.ID, to.ID, "999.00", "too big", "pg-xfer-2"); err == nil {
		t.Fatal("expected overdraw transfer to fail")
	}
	fw, _ = svc.Get(ctx, from.ID)
	tw, _ = svc.Get(ctx, to.ID)
	if fw.Balance != "120.00" || tw.Balance != "80.00" {
		t.Fatalf("balances changed by failed transfer: from=%q to=%q", fw.Balance, tw.Balance)
	}
}

func TestPostgresStoreVerify(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	svc := New(NewPostgresStore(db))

	w, err := svc.GetOrCreate(ctx, "usr_pg_verify")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if _, _, err := svc.Credit(ctx, w.ID, CategoryDeposit, "300.00", "seed", Metadata{}, "pg-v-1"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, _, err := svc.Debit(ctx, w.ID, CategoryWithdrawal, "45.25", "cash out", WithdrawalMetadata("INV000009"), "pg-v-2"); err != nil {
		t.Fatalf("debit: %v", err)
	}

	match, stored, derived, err := svc.Verify(ctx, w.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !match {
		t.Fatalf("ledger mismatch: stored=%q derived=%q", stored, derived)
	}
	if stored != "254.75" {
		t.Fatalf("stored balance = %q, want 254.75", stored)
	}
}
