// src/parsers/camt/parser.go
package camt

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/username/clearledger/src/logger"
	"github.com/username/clearledger/src/models"
	"github.com/username/clearledger/src/utils"
)

// Balance type codes defined by ISO 20022. OPBD/CLBD are the booked
// opening/closing balances; PRCD (previous closing) doubles as opening in
// statements that omit OPBD.
const (
	balanceOpeningBooked  = "OPBD"
	balanceClosingBooked  = "CLBD"
	balancePreviousClosed = "PRCD"
)

const creditIndicator = "CRDT"

type document struct {
	XMLName       xml.Name `xml:"Document"`
	BkToCstmrStmt struct {
		Stmt []statement `xml:"Stmt"`
	} `xml:"BkToCstmrStmt"`
}

type statement struct {
	ID     string `xml:"Id"`
	FrToDt *struct {
		FrDtTm string `xml:"FrDtTm"`
		ToDtTm string `xml:"ToDtTm"`
	} `xml:"FrToDt"`
	Acct struct {
		ID struct {
			IBAN string `xml:"IBAN"`
		} `xml:"Id"`
		Ccy string `xml:"Ccy"`
	} `xml:"Acct"`
	Bal  []balance `xml:"Bal"`
	Ntry []entry   `xml:"Ntry"`
}

type balance struct {
	Tp struct {
		CdOrPrtry struct {
			Cd string `xml:"Cd"`
		} `xml:"CdOrPrtry"`
	} `xml:"Tp"`
	Amt       amount `xml:"Amt"`
	CdtDbtInd string `xml:"CdtDbtInd"`
	Dt        struct {
		Dt string `xml:"Dt"`
	} `xml:"Dt"`
}

type amount struct {
	Value string `xml:",chardata"`
	Ccy   string `xml:"Ccy,attr"`
}

type entry struct {
	NtryRef   string `xml:"NtryRef"`
	Amt       amount `xml:"Amt"`
	CdtDbtInd string `xml:"CdtDbtInd"`
	BookgDt   struct {
		Dt string `xml:"Dt"`
	} `xml:"BookgDt"`
	ValDt struct {
		Dt string `xml:"Dt"`
	} `xml:"ValDt"`
	AcctSvcrRef  string `xml:"AcctSvcrRef"`
	AddtlNtryInf string `xml:"AddtlNtryInf"`
	NtryDtls     struct {
		TxDtls []txDetails `xml:"TxDtls"`
	} `xml:"NtryDtls"`
}

type txDetails struct {
	Refs struct {
		EndToEndID string `xml:"EndToEndId"`
		TxID       string `xml:"TxId"`
	} `xml:"Refs"`
	RmtInf struct {
		Ustrd []string `xml:"Ustrd"`
	} `xml:"RmtInf"`
	RltdPties struct {
		Dbtr struct {
			Nm string `xml:"Nm"`
		} `xml:"Dbtr"`
		DbtrAcct struct {
			ID struct {
				IBAN string `xml:"IBAN"`
			} `xml:"Id"`
		} `xml:"DbtrAcct"`
		Cdtr struct {
			Nm string `xml:"Nm"`
		} `xml:"Cdtr"`
		CdtrAcct struct {
			ID struct {
				IBAN string `xml:"IBAN"`
			} `xml:"Id"`
		} `xml:"CdtrAcct"`
	} `xml:"RltdPties"`
}

type CamtParser struct{}

func NewParser() *CamtParser {
	return &CamtParser{}
}

// Parse reads a CAMT.053 document and produces a fully-populated statement.
// The source is structurally authoritative, so no audit step follows.
// Missing required balance codes fail the whole document.
func (p *CamtParser) Parse(file io.Reader) (*models.ParsedStatement, error) {
	xmlBytes, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read XML document: %w", err)
	}

	var doc document
	if err := xml.Unmarshal(xmlBytes, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid CAMT XML: %v", models.ErrMalformedStatement, err)
	}
	if len(doc.BkToCstmrStmt.Stmt) == 0 {
		return nil, fmt.Errorf("%w: no Stmt element found", models.ErrMalformedStatement)
	}

	// Multi-statement CAMT files are rare for single-account exports; the
	// first statement element is the one we version.
	stmt := doc.BkToCstmrStmt.Stmt[0]

	opening, closing, err := extractBalances(stmt.Bal)
	if err != nil {
		return nil, err
	}

	parsed := &models.ParsedStatement{
		OpeningBalance: opening,
		ClosingBalance: closing,
		Currency:       stmt.Acct.Ccy,
		Transactions:   make([]models.TransactionDraft, 0, len(stmt.Ntry)),
	}

	if stmt.FrToDt != nil {
		if t, err := utils.ParseStatementDate(trimDateTime(stmt.FrToDt.FrDtTm)); err == nil {
			parsed.PeriodStart = t
		}
		if t, err := utils.ParseStatementDate(trimDateTime(stmt.FrToDt.ToDtTm)); err == nil {
			parsed.PeriodEnd = t
		}
	}

	for i := range stmt.Ntry {
		draft, err := entryToDraft(&stmt.Ntry[i])
		if err != nil {
			logger.L.Warn("Skipping unparseable CAMT entry", "entryRef", stmt.Ntry[i].NtryRef, "error", err)
			continue
		}
		if parsed.Currency == "" {
			parsed.Currency = stmt.Ntry[i].Amt.Ccy
		}
		parsed.Transactions = append(parsed.Transactions, draft)
	}

	// Entries carry booking dates; fall back to them when FrToDt is absent.
	if parsed.PeriodStart.IsZero() || parsed.PeriodEnd.IsZero() {
		for _, tx := range parsed.Transactions {
			if parsed.PeriodStart.IsZero() || tx.Date.Before(parsed.PeriodStart) {
				parsed.PeriodStart = tx.Date
			}
			if parsed.PeriodEnd.IsZero() || tx.Date.After(parsed.PeriodEnd) {
				parsed.PeriodEnd = tx.Date
			}
		}
	}

	return parsed, nil
}

// extractBalances locates opening and closing balances by type code. Both
// must be present: a CAMT statement without them cannot anchor the ledger
// chain.
func extractBalances(balances []balance) (opening, closing decimal.Decimal, err error) {
	var haveOpening, haveClosing bool
	for _, bal := range balances {
		value, parseErr := decimal.NewFromString(strings.TrimSpace(bal.Amt.Value))
		if parseErr != nil {
			return opening, closing, fmt.Errorf("%w: unparseable balance amount %q", models.ErrMalformedStatement, bal.Amt.Value)
		}
		if bal.CdtDbtInd != creditIndicator {
			value = value.Neg()
		}
		switch bal.Tp.CdOrPrtry.Cd {
		case balanceOpeningBooked:
			opening, haveOpening = value, true
		case balancePreviousClosed:
			if !haveOpening {
				opening, haveOpening = value, true
			}
		case balanceClosingBooked:
			closing, haveClosing = value, true
		}
	}
	if !haveOpening || !haveClosing {
		return opening, closing, fmt.Errorf("%w: missing OPBD/PRCD or CLBD balance", models.ErrMalformedStatement)
	}
	return opening, closing, nil
}

func entryToDraft(e *entry) (models.TransactionDraft, error) {
	var draft models.TransactionDraft

	amount, err := decimal.NewFromString(strings.TrimSpace(e.Amt.Value))
	if err != nil {
		return draft, fmt.Errorf("unparseable entry amount %q: %w", e.Amt.Value, err)
	}
	if e.CdtDbtInd != creditIndicator {
		amount = amount.Neg()
	}

	dateStr := e.BookgDt.Dt
	if dateStr == "" {
		dateStr = e.ValDt.Dt
	}
	date, err := utils.ParseStatementDate(dateStr)
	if err != nil {
		return draft, err
	}

	draft = models.TransactionDraft{
		Date:        date,
		Amount:      amount,
		Currency:    e.Amt.Ccy,
		Description: buildDescription(e),
		Reference:   reference(e),
	}
	draft.Counterparty, draft.CounterpartyIBAN = counterparty(e)
	return draft, nil
}

// counterparty is the other side of the transfer: the debtor for incoming
// money, the creditor for outgoing.
func counterparty(e *entry) (name, iban string) {
	if len(e.NtryDtls.TxDtls) == 0 {
		return "", ""
	}
	details := &e.NtryDtls.TxDtls[0]
	if e.CdtDbtInd == creditIndicator {
		return details.RltdPties.Dbtr.Nm, details.RltdPties.DbtrAcct.ID.IBAN
	}
	return details.RltdPties.Cdtr.Nm, details.RltdPties.CdtrAcct.ID.IBAN
}

func reference(e *entry) string {
	if e.NtryRef != "" {
		return e.NtryRef
	}
	if len(e.NtryDtls.TxDtls) > 0 {
		refs := e.NtryDtls.TxDtls[0].Refs
		if refs.EndToEndID != "" {
			return refs.EndToEndID
		}
		if refs.TxID != "" {
			return refs.TxID
		}
	}
	return e.AcctSvcrRef
}

func buildDescription(e *entry) string {
	var parts []string
	if e.AddtlNtryInf != "" {
		parts = append(parts, e.AddtlNtryInf)
	}
	if len(e.NtryDtls.TxDtls) > 0 {
		for _, ustrd := range e.NtryDtls.TxDtls[0].RmtInf.Ustrd {
			if ustrd != "" {
				parts = append(parts, ustrd)
			}
		}
	}
	description := strings.Join(parts, " - ")
	description = strings.ReplaceAll(description, "\n", " ")
	return strings.TrimSpace(description)
}

func trimDateTime(value string) string {
	if idx := strings.IndexByte(value, 'T'); idx > 0 {
		return value[:idx]
	}
	return value
}
