// src/parsers/factory.go
package parsers

import (
	"fmt"

	"github.com/username/clearledger/src/models"
	"github.com/username/clearledger/src/parsers/camt"
	"github.com/username/clearledger/src/parsers/csvimport"
)

// GetStatementParser returns the deterministic parser for a format, when one
// exists. PDF has no deterministic parser; it goes through the extraction
// tiers instead.
func GetStatementParser(format models.FileFormat) (StatementParser, error) {
	switch format {
	case models.FormatXML:
		return camt.NewParser(), nil
	default:
		return nil, fmt.Errorf("no statement parser available for format: %s", format)
	}
}

// GetTransactionParser returns the flat-feed parser for a format.
func GetTransactionParser(format models.FileFormat) (TransactionParser, error) {
	switch format {
	case models.FormatCSV:
		return csvimport.NewParser(), nil
	default:
		return nil, fmt.Errorf("no transaction parser available for format: %s", format)
	}
}
