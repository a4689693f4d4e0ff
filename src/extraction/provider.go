// src/extraction/provider.go
package extraction

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/username/clearledger/src/models"
)

// PageContext is everything a provider may use to extract one page. Tier 2
// only looks at Text; Tier 3 additionally receives the document bytes and
// the prior failed candidate so it can repair instead of re-deriving.
type PageContext struct {
	PageNumber int
	PageCount  int
	Text       string
	RawPDF     []byte
	Prior      *PageCandidate
}

// PageCandidate is the structured output of one extraction attempt: the
// page's transactions plus its boundary balances, when the page shows them.
type PageCandidate struct {
	Transactions   []models.TransactionDraft `json:"transactions"`
	OpeningBalance *decimal.Decimal          `json:"openingBalance,omitempty"`
	ClosingBalance *decimal.Decimal          `json:"closingBalance,omitempty"`
}

// Provider is one extraction strategy in the fallback ladder. Implementations
// must return models.ErrExtractionTimeout or models.ErrSchemaViolation
// (wrapped) instead of raw vendor errors, and must respect ctx cancellation.
type Provider interface {
	Extract(ctx context.Context, page PageContext) (*PageCandidate, error)
}
