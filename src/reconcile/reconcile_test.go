// src/reconcile/reconcile_test.go
package reconcile

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/clearledger/src/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestScore(t *testing.T) {
	matcher := NewMatcher(80)

	invoice := &models.Invoice{
		ID:            1,
		InvoiceNumber: "INV-2025-007",
		Counterparty:  "Acme GmbH",
		Amount:        dec("500.00"),
		DueAt:         day(2025, 3, 15),
	}

	tests := []struct {
		name      string
		tx        *models.Transaction
		wantAbove float64
		wantBelow float64
	}{
		{
			name: "exact amount with reference and close date clears the bar",
			tx: &models.Transaction{
				Amount:        dec("500.00"),
				BankReference: "Payment INV-2025-007",
				Counterparty:  "ACME GMBH",
				Date:          day(2025, 3, 18),
			},
			wantAbove: 80,
		},
		{
			name: "reference in description also counts",
			tx: &models.Transaction{
				Amount:      dec("500.00"),
				Description: "wire transfer inv-2025-007 thanks",
				Date:        day(2025, 3, 15),
			},
			wantAbove: 80,
		},
		{
			// A referenced exact-amount credit three days after due must
			// auto-match even when the bank reports no usable counterparty.
			name: "referenced payment days late without counterparty clears the bar",
			tx: &models.Transaction{
				Amount:        dec("500.00"),
				BankReference: "payment INV-2025-007",
				Date:          day(2025, 3, 18),
			},
			wantAbove: 80,
		},
		{
			name: "wrong amount cannot reach the threshold",
			tx: &models.Transaction{
				Amount:        dec("499.00"),
				BankReference: "INV-2025-007",
				Counterparty:  "Acme GmbH",
				Date:          day(2025, 3, 15),
			},
			wantBelow: 80,
		},
		{
			name: "amount alone is not enough",
			tx: &models.Transaction{
				Amount: dec("500.00"),
				Date:   day(2025, 9, 1),
			},
			wantBelow: 80,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := matcher.Score(tt.tx, invoice)
			if tt.wantAbove > 0 {
				assert.GreaterOrEqual(t, score, tt.wantAbove, "score %v", score)
			}
			if tt.wantBelow > 0 {
				assert.Less(t, score, tt.wantBelow, "score %v", score)
			}
		})
	}
}

func TestPropose(t *testing.T) {
	matcher := NewMatcher(80)

	invoices := []models.Invoice{
		{ID: 1, AccountID: "acc-1", InvoiceNumber: "INV-2025-007", Counterparty: "Acme GmbH", Amount: dec("500.00"), DueAt: day(2025, 3, 15)},
		{ID: 2, AccountID: "acc-1", InvoiceNumber: "INV-2025-008", Counterparty: "Beta Ltd", Amount: dec("1200.00"), DueAt: day(2025, 4, 1)},
	}
	transactions := []models.Transaction{
		{
			ID: 10, Amount: dec("500.00"), Date: day(2025, 3, 18),
			BankReference: "INV-2025-007", Counterparty: "Acme GmbH",
			MatchStatus: models.MatchUnmatched,
		},
		{
			// Debit: never considered, even with a perfect reference.
			ID: 11, Amount: dec("-500.00"), Date: day(2025, 3, 18),
			BankReference: "INV-2025-007", MatchStatus: models.MatchUnmatched,
		},
		{
			// Already matched: skipped, keeps passes idempotent.
			ID: 12, Amount: dec("1200.00"), Date: day(2025, 4, 2),
			BankReference: "INV-2025-008", Counterparty: "Beta Ltd",
			MatchStatus: models.MatchAuto,
		},
	}

	matches := matcher.Propose(transactions, invoices)
	require.Len(t, matches, 1)
	assert.Equal(t, int64(10), matches[0].Transaction.ID)
	assert.Equal(t, int64(1), matches[0].Invoice.ID)
	assert.GreaterOrEqual(t, matches[0].Score, 80.0)
}

func TestProposeClaimsInvoiceOnce(t *testing.T) {
	matcher := NewMatcher(80)

	invoices := []models.Invoice{
		{ID: 1, InvoiceNumber: "INV-1", Counterparty: "Acme GmbH", Amount: dec("300.00"), DueAt: day(2025, 5, 10)},
	}
	transactions := []models.Transaction{
		{ID: 20, Amount: dec("300.00"), Date: day(2025, 5, 10), BankReference: "INV-1", Counterparty: "Acme GmbH", MatchStatus: models.MatchUnmatched},
		{ID: 21, Amount: dec("300.00"), Date: day(2025, 5, 30), BankReference: "INV-1", Counterparty: "Acme GmbH", MatchStatus: models.MatchUnmatched},
	}

	matches := matcher.Propose(transactions, invoices)
	require.Len(t, matches, 1)
	// The closer payment wins; the other transaction stays unmatched.
	assert.Equal(t, int64(20), matches[0].Transaction.ID)
}

func TestProposeSkipsPaidInvoices(t *testing.T) {
	matcher := NewMatcher(80)
	paidAt := day(2025, 5, 1)

	invoices := []models.Invoice{
		{ID: 1, InvoiceNumber: "INV-1", Counterparty: "Acme", Amount: dec("300.00"), DueAt: day(2025, 5, 10), PaidAt: &paidAt},
	}
	transactions := []models.Transaction{
		{ID: 20, Amount: dec("300.00"), Date: day(2025, 5, 10), BankReference: "INV-1", Counterparty: "Acme", MatchStatus: models.MatchUnmatched},
	}

	assert.Empty(t, matcher.Propose(transactions, invoices))
}

func TestDateProximity(t *testing.T) {
	due := day(2025, 3, 15)
	assert.Equal(t, 1.0, dateProximity(due, due))
	// Full weight anywhere inside the close window, before or after due.
	assert.Equal(t, 1.0, dateProximity(day(2025, 3, 18), due))
	assert.Equal(t, 1.0, dateProximity(day(2025, 3, 8), due))
	// 15 days out: 8 days into the 23-day decay span.
	assert.InDelta(t, 1.0-8.0/23.0, dateProximity(day(2025, 3, 30), due), 0.001)
	assert.Equal(t, 0.0, dateProximity(day(2025, 5, 1), due))
	assert.Equal(t, 0.0, dateProximity(due, time.Time{}))
}
