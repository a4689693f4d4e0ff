// src/extraction/auditor_test.go
package extraction

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/username/clearledger/src/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func TestAudit(t *testing.T) {
	tolerance := decimal.New(1, -2) // 0.01

	tests := []struct {
		name            string
		candidate       *PageCandidate
		wantOK          bool
		wantFailure     FailureKind
		wantDiscrepancy string
	}{
		{
			name: "balances add up exactly",
			candidate: &PageCandidate{
				OpeningBalance: decPtr("1000.00"),
				ClosingBalance: decPtr("1200.00"),
				Transactions: []models.TransactionDraft{
					{Amount: dec("250.00")},
					{Amount: dec("-50.00")},
				},
			},
			wantOK: true,
		},
		{
			name: "claimed closing diverges by 50",
			candidate: &PageCandidate{
				OpeningBalance: decPtr("1000.00"),
				ClosingBalance: decPtr("1250.00"),
				Transactions: []models.TransactionDraft{
					{Amount: dec("250.00")},
					{Amount: dec("-50.00")},
				},
			},
			wantOK:          false,
			wantFailure:     FailureMathMismatch,
			wantDiscrepancy: "50",
		},
		{
			name: "divergence within tolerance passes",
			candidate: &PageCandidate{
				OpeningBalance: decPtr("100.00"),
				ClosingBalance: decPtr("150.01"),
				Transactions: []models.TransactionDraft{
					{Amount: dec("50.00")},
				},
			},
			wantOK: true,
		},
		{
			name: "divergence just past tolerance fails",
			candidate: &PageCandidate{
				OpeningBalance: decPtr("100.00"),
				ClosingBalance: decPtr("150.02"),
				Transactions: []models.TransactionDraft{
					{Amount: dec("50.00")},
				},
			},
			wantOK:      false,
			wantFailure: FailureMathMismatch,
		},
		{
			name: "missing opening balance",
			candidate: &PageCandidate{
				ClosingBalance: decPtr("100.00"),
				Transactions:   []models.TransactionDraft{{Amount: dec("10.00")}},
			},
			wantOK:      false,
			wantFailure: FailureMissingBalances,
		},
		{
			name: "missing closing balance",
			candidate: &PageCandidate{
				OpeningBalance: decPtr("100.00"),
				Transactions:   []models.TransactionDraft{{Amount: dec("10.00")}},
			},
			wantOK:      false,
			wantFailure: FailureMissingBalances,
		},
		{
			name: "no transactions still audits",
			candidate: &PageCandidate{
				OpeningBalance: decPtr("420.00"),
				ClosingBalance: decPtr("420.00"),
			},
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := Audit(tt.candidate, tolerance)
			assert.Equal(t, tt.wantOK, verdict.OK)
			assert.Equal(t, tt.wantFailure, verdict.Failure)
			if tt.wantDiscrepancy != "" {
				assert.True(t, verdict.Discrepancy.Equal(dec(tt.wantDiscrepancy)),
					"discrepancy %s, want %s", verdict.Discrepancy, tt.wantDiscrepancy)
			}
		})
	}
}

func TestVerdictFailureError(t *testing.T) {
	assert.True(t, errors.Is(Verdict{Failure: FailureMissingBalances}.FailureError(), models.ErrMissingPageBalances))
	assert.True(t, errors.Is(Verdict{Failure: FailureMathMismatch}.FailureError(), models.ErrMathMismatch))
	assert.NoError(t, Verdict{OK: true}.FailureError())
}
