// src/parsers/csvimport/parser.go
package csvimport

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/username/clearledger/src/logger"
	"github.com/username/clearledger/src/models"
	"github.com/username/clearledger/src/utils"
)

// headerAliases maps the column names seen across bank CSV exports onto the
// canonical fields. Matching is case-insensitive.
var headerAliases = map[string]string{
	"date":              "date",
	"booking date":      "date",
	"value date":        "date",
	"amount":            "amount",
	"betrag":            "amount",
	"debit/credit":      "direction",
	"description":       "description",
	"details":           "description",
	"purpose":           "description",
	"reference":         "reference",
	"ref":               "reference",
	"bank reference":    "reference",
	"counterparty":      "counterparty",
	"payee":             "counterparty",
	"name":              "counterparty",
	"iban":              "iban",
	"counterparty iban": "iban",
	"currency":          "currency",
	"provider id":       "provider_id",
	"transaction id":    "provider_id",
}

type CSVImportParser struct{}

func NewParser() *CSVImportParser {
	return &CSVImportParser{}
}

// Parse reads a bank CSV export into canonical transaction drafts. The
// header row decides the column mapping; rows with unparseable dates or
// amounts are skipped with a warning rather than failing the import.
func (p *CSVImportParser) Parse(file io.Reader) ([]models.TransactionDraft, error) {
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	columns := mapColumns(header)
	if _, ok := columns["date"]; !ok {
		return nil, fmt.Errorf("%w: CSV header has no recognizable date column", models.ErrMalformedStatement)
	}
	if _, ok := columns["amount"]; !ok {
		return nil, fmt.Errorf("%w: CSV header has no recognizable amount column", models.ErrMalformedStatement)
	}

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read all CSV records: %w", err)
	}

	var drafts []models.TransactionDraft
	for i, record := range records {
		draft, err := rowToDraft(record, columns)
		if err != nil {
			logger.L.Warn("Skipping CSV row", "row", i+2, "error", err)
			continue
		}
		drafts = append(drafts, draft)
	}

	return drafts, nil
}

func mapColumns(header []string) map[string]int {
	columns := make(map[string]int)
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(name))
		if canonical, ok := headerAliases[key]; ok {
			if _, taken := columns[canonical]; !taken {
				columns[canonical] = i
			}
		}
	}
	return columns
}

func rowToDraft(record []string, columns map[string]int) (models.TransactionDraft, error) {
	var draft models.TransactionDraft

	field := func(name string) string {
		idx, ok := columns[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	date, err := utils.ParseStatementDate(field("date"))
	if err != nil {
		return draft, err
	}

	amountStr := strings.ReplaceAll(field("amount"), " ", "")
	// European exports use comma decimals.
	if strings.Count(amountStr, ",") == 1 && strings.Count(amountStr, ".") == 0 {
		amountStr = strings.ReplaceAll(amountStr, ",", ".")
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return draft, fmt.Errorf("invalid amount %q: %w", field("amount"), err)
	}

	// Some exports carry unsigned amounts plus a direction column.
	switch strings.ToUpper(field("direction")) {
	case "D", "DBIT", "DEBIT":
		if amount.IsPositive() {
			amount = amount.Neg()
		}
	}

	return models.TransactionDraft{
		Date:             date,
		Amount:           amount,
		Currency:         field("currency"),
		Counterparty:     field("counterparty"),
		CounterpartyIBAN: field("iban"),
		Description:      field("description"),
		Reference:        field("reference"),
		ProviderID:       field("provider_id"),
	}, nil
}
