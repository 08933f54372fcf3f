// Package reconciliation audits the ledger: it re-derives every wallet
// balance from its entries and flags wallets whose stored balance
// disagrees. A mismatch means a bug or manual tampering; the sweep
// reports, it never repairs.
package reconciliation

import (
	"context"
	"log/slog"
	"time"

	"github.com/kmunene/shambapay/internal/metrics"
)

// Ledger is the slice of the wallet service reconciliation needs.
// Satisfied by *wallet.Service.
type Ledger interface {
	WalletIDs(ctx context.Context) ([]string, error)
	Verify(ctx context.Context, walletID string) (match bool, stored, derived string, err error)
}

// Mismatch is one wallet whose stored balance disagrees with its ledger.
type Mismatch struct {
	WalletID string `json:"walletId"`
	Stored   string `json:"stored"`
	Derived  string `json:"derived"`
}

// Report is the result of one full sweep.
type Report struct {
	StartedAt  time.Time  `json:"startedAt"`
	Duration   string     `json:"duration"`
	Checked    int        `json:"checked"`
	Errors     int        `json:"errors"`
	Mismatches []Mismatch `json:"mismatches"`
}

// Service runs reconciliation sweeps.
type Service struct {
	ledger Ledger
	logger *slog.Logger
}

// NewService creates a reconciliation service.
func NewService(ledger Ledger, logger *slog.Logger) *Service {
	return &Service{ledger: ledger, logger: logger}
}

// Run verifies every wallet and returns the report. The mismatch gauge
// reflects the latest sweep, so a fixed wallet clears the alert on the
// next pass.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	ids, err := s.ledger.WalletIDs(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{
		StartedAt:  start,
		Mismatches: []Mismatch{},
	}
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		match, stored, derived, err := s.ledger.Verify(ctx, id)
		if err != nil {
			report.Errors++
			s.logger.Error("wallet verification failed", "wallet_id", id, "error", err)
			continue
		}
		report.Checked++
		if !match {
			report.Mismatches = append(report.Mismatches, Mismatch{
				WalletID: id,
				Stored:   stored,
				Derived:  derived,
			})
			s.logger.Error("wallet balance mismatch",
				"wallet_id", id, "stored", stored, "derived", derived)
		}
	}

	report.Duration = time.Since(start).String()
	metrics.ReconciliationMismatches.Set(float64(len(report.Mismatches)))

	if len(report.Mismatches) == 0 {
		s.logger.Info("reconciliation sweep clean",
			"checked", report.Checked, "duration", report.Duration)
	} else {
		s.logger.Warn("reconciliation sweep found mismatches",
			"checked", report.Checked, "mismatches", len(report.Mismatches))
	}
	return report, nil
}
