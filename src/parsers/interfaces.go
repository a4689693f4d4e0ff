package parsers

import (
	"io"

	"github.com/username/clearledger/src/models"
)

// StatementParser parses a structurally authoritative statement document into
// a fully-populated statement. Implementations exist per source format.
type StatementParser interface {
	Parse(file io.Reader) (*models.ParsedStatement, error)
}

// TransactionParser parses a flat transaction feed (no balances, no pages)
// into canonical transaction drafts.
type TransactionParser interface {
	Parse(file io.Reader) ([]models.TransactionDraft, error)
}
