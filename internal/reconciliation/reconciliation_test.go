package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/kmunene/shambapay/internal/wallet"
)

type stubLedger struct {
	ids        []string
	verify     map[string][3]string // wallet ID -> {stored, derived}; match when equal
	failVerify map[string]error
}

func (s *stubLedger) WalletIDs(_ context.Context) ([]string, error) {
	return s.ids, nil
}

func (s *stubLedger) Verify(_ context.Context, walletID string) (bool, string, string, error) {
	if err, ok := s.failVerify[walletID]; ok {
		return false, "", "", err
	}
	v := s.verify[walletID]
	return v[0] == v[1], v[0], v[1], nil
}

func TestRunCleanSweep(t *testing.T) {
	s := NewService(&stubLedger{
		ids: []string{"wal_1", "wal_2"},
		verify: map[string][3]string{
			"wal_1": {"100.00", "100.00"},
			"wal_2": {"0.00", "0.00"},
		},
	}, slog.Default())

	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Checked != 2 {
		t.Errorf("checked = %d, want 2", report.Checked)
	}
	if len(report.Mismatches) != 0 {
		t.Errorf("mismatches = %+v, want none", report.Mismatches)
	}
}

func TestRunReportsMismatch(t *testing.T) {
	s := NewService(&stubLedger{
		ids: []string{"wal_1", "wal_2", "wal_3"},
		verify: map[string][3]string{
			"wal_1": {"100.00", "100.00"},
			"wal_2": {"50.00", "75.00"},
			"wal_3": {"0.00", "0.00"},
		},
	}, slog.Default())

	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Mismatches) != 1 {
		t.Fatalf("mismatches = %+v, want one", report.Mismatches)
	}
	m := report.Mismatches[0]
	if m.WalletID != "wal_2" || m.Stored != "50.00" || m.Derived != "75.00" {
		t.Errorf("mismatch = %+v", m)
	}
}

func TestRunCountsVerifyErrors(t *testing.T) {
	s := NewService(&stubLedger{
		ids: []string{"wal_1", "wal_2"},
		verify: map[string][3]string{
			"wal_1": {"100.00", "100.00"},
		},
		failVerify: map[string]error{
			"wal_2": errors.New("store unavailable"),
		},
	}, slog.Default())

	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Checked != 1 || report.Errors != 1 {
		t.Errorf("checked = %d errors = %d, want 1/1", report.Checked, report.Errors)
	}
}

// The real wallet service satisfies Ledger and a live sweep over it
// comes back clean.
func TestRunAgainstWalletService(t *testing.T) {
	ctx := context.Background()
	wallets := wallet.New(wallet.NewMemoryStore())

	w, err := wallets.GetOrCreate(ctx, "user_1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, _, err := wallets.Credit(ctx, w.ID, wallet.CategoryDeposit, "500.00",
		"seed", wallet.DepositMetadata("x"), "seed:1"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if _, _, err := wallets.Debit(ctx, w.ID, wallet.CategoryPayment, "120.00",
		"spend", wallet.PaymentMetadata("ord_1"), "pay:1"); err != nil {
		t.Fatalf("Debit: %v", err)
	}

	report, err := NewService(wallets, slog.Default()).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Checked != 1 || len(report.Mismatches) != 0 {
		t.Errorf("report = %+v, want one clean wallet", report)
	}
}
