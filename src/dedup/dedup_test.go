// src/dedup/dedup_test.go
package dedup

import (
	"testing"
	"time"

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

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestClassify(t *testing.T) {
	classifier := NewClassifier(70)

	existing := []models.Transaction{
		{
			ID:            1,
			Date:          day(2025, 1, 10),
			Amount:        dec("-120.00"),
			BankReference: "INV-0042",
			Counterparty:  "Acme GmbH",
			Description:   "Office supplies order",
			ProviderID:    "prov-abc-1",
		},
		{
			ID:           2,
			Date:         day(2025, 2, 1),
			Amount:       dec("500.00"),
			Counterparty: "Beta Ltd",
			Description:  "Consulting retainer February",
		},
	}

	tests := []struct {
		name     string
		incoming models.TransactionDraft
		wantKind Kind
		wantTxID int64
	}{
		{
			name:     "same provider id is strict regardless of other fields",
			incoming: models.TransactionDraft{ProviderID: "prov-abc-1", Date: day(2025, 3, 3), Amount: dec("-1.00")},
			wantKind: KindStrict,
			wantTxID: 1,
		},
		{
			name: "identical date amount and reference is strict",
			incoming: models.TransactionDraft{
				Date: day(2025, 1, 10), Amount: dec("-120.00"), Reference: "INV-0042",
			},
			wantKind: KindStrict,
			wantTxID: 1,
		},
		{
			name: "identical date amount and counterparty is strict",
			incoming: models.TransactionDraft{
				Date: day(2025, 1, 10), Amount: dec("-120.00"), Counterparty: "acme gmbh",
			},
			wantKind: KindStrict,
			wantTxID: 1,
		},
		{
			name: "near date near amount similar description is fuzzy",
			incoming: models.TransactionDraft{
				Date: day(2025, 2, 2), Amount: dec("500.00"),
				Description: "Consulting retainer Februar",
			},
			wantKind: KindFuzzy,
			wantTxID: 2,
		},
		{
			name: "date outside the window is new",
			incoming: models.TransactionDraft{
				Date: day(2025, 2, 5), Amount: dec("500.00"),
				Description: "Consulting retainer February",
			},
			wantKind: KindNew,
		},
		{
			name: "amount outside tolerance is new",
			incoming: models.TransactionDraft{
				Date: day(2025, 2, 1), Amount: dec("500.10"),
				Description: "Consulting retainer February",
			},
			wantKind: KindNew,
		},
		{
			name: "dissimilar description is new",
			incoming: models.TransactionDraft{
				Date: day(2025, 2, 1), Amount: dec("500.00"),
				Description: "Hardware purchase",
			},
			wantKind: KindNew,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifier.Classify(tt.incoming, existing)
			assert.Equal(t, tt.wantKind, got.Kind)
			if tt.wantTxID != 0 {
				if assert.NotNil(t, got.Existing) {
					assert.Equal(t, tt.wantTxID, got.Existing.ID)
				}
			}
		})
	}
}

// Re-importing the exact same feed must classify every row strict and add
// nothing.
func TestClassifyReimportedFeed(t *testing.T) {
	classifier := NewClassifier(70)

	existing := []models.Transaction{
		{ID: 1, Date: day(2025, 1, 10), Amount: dec("-120.00"), BankReference: "INV-0042"},
		{ID: 2, Date: day(2025, 1, 11), Amount: dec("75.50"), Counterparty: "Gamma AG"},
	}
	feed := []models.TransactionDraft{
		{Date: day(2025, 1, 10), Amount: dec("-120.00"), Reference: "INV-0042"},
		{Date: day(2025, 1, 11), Amount: dec("75.50"), Counterparty: "Gamma AG"},
	}

	for _, draft := range feed {
		got := classifier.Classify(draft, existing)
		assert.Equal(t, KindStrict, got.Kind)
	}
}

func TestBigramSimilarity(t *testing.T) {
	assert.Equal(t, 100.0, BigramSimilarity("Consulting retainer", "Consulting retainer"))
	assert.Equal(t, 100.0, BigramSimilarity("ACME GMBH", "acme gmbh"))
	assert.Equal(t, 0.0, BigramSimilarity("abcd", "wxyz"))
	assert.Equal(t, 0.0, BigramSimilarity("something", ""))
	assert.Equal(t, 100.0, BigramSimilarity("", ""))

	// Symmetric.
	a, b := "Payment to Acme for invoices", "Acme payment for invoice"
	assert.Equal(t, BigramSimilarity(a, b), BigramSimilarity(b, a))

	// Similar strings score high, unrelated ones low.
	assert.Greater(t, BigramSimilarity("Consulting retainer February", "Consulting retainer Februar"), 70.0)
	assert.Less(t, BigramSimilarity("Consulting retainer", "Server hosting fees"), 40.0)
}
