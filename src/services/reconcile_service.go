// src/services/reconcile_service.go
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/username/clearledger/src/database"
	"github.com/username/clearledger/src/logger"
	"github.com/username/clearledger/src/models"
	"github.com/username/clearledger/src/reconcile"
)

const matchedBySystem = "system"

type reconciliationServiceImpl struct {
	matcher *reconcile.Matcher
}

func NewReconciliationService(matcher *reconcile.Matcher) ReconciliationService {
	return &reconciliationServiceImpl{matcher: matcher}
}

// Run executes one reconciliation pass: unmatched credits against unpaid
// invoices, every proposal at or above the threshold applied atomically.
func (s *reconciliationServiceImpl) Run(ctx context.Context, accountID string) (int, error) {
	startTime := time.Now()

	transactions, err := fetchAccountTransactions(accountID)
	if err != nil {
		return 0, err
	}
	invoices, err := fetchInvoices(accountID, true)
	if err != nil {
		return 0, err
	}

	matches := s.matcher.Propose(transactions, invoices)
	if len(matches) == 0 {
		logger.L.Debug("Reconciliation pass found no matches", "accountID", accountID)
		return 0, nil
	}

	dbTx, err := database.DB.Begin()
	if err != nil {
		return 0, fmt.Errorf("error beginning reconciliation write: %w", err)
	}
	defer dbTx.Rollback()

	now := time.Now().UTC().Format(timeLayout)
	for _, m := range matches {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if _, err := dbTx.Exec(`
			UPDATE transactions SET match_status = ?, matched_invoice_id = ?, confidence_score = ?, matched_at = ?, matched_by = ?
			WHERE id = ? AND match_status = ?`,
			models.MatchAuto, m.Invoice.ID, m.Score, now, matchedBySystem,
			m.Transaction.ID, models.MatchUnmatched); err != nil {
			return 0, fmt.Errorf("error applying match for transaction %d: %w", m.Transaction.ID, err)
		}
		if _, err := dbTx.Exec(`UPDATE invoices SET paid_at = ? WHERE id = ? AND paid_at IS NULL`,
			now, m.Invoice.ID); err != nil {
			return 0, fmt.Errorf("error marking invoice %d paid: %w", m.Invoice.ID, err)
		}
		logger.L.Info("Auto-matched transaction to invoice",
			"accountID", accountID, "transactionID", m.Transaction.ID,
			"invoice", m.Invoice.InvoiceNumber, "score", m.Score)
	}

	if err := dbTx.Commit(); err != nil {
		return 0, fmt.Errorf("error committing reconciliation: %w", err)
	}

	logger.L.Info("Reconciliation pass complete", "accountID", accountID,
		"matched", len(matches), "duration", time.Since(startTime))
	return len(matches), nil
}

// ManualMatch links a transaction to an invoice by explicit user action. An
// auto-matched transaction must be unmatched first.
func (s *reconciliationServiceImpl) ManualMatch(accountID string, txID, invoiceID int64, matchedBy string) error {
	tx, err := fetchTransactionByID(txID)
	if err != nil {
		return err
	}
	if tx.AccountID != accountID {
		return fmt.Errorf("transaction %d does not belong to account %s", txID, accountID)
	}
	if tx.MatchStatus == models.MatchAuto || tx.MatchStatus == models.MatchManual {
		return fmt.Errorf("%w: transaction %d", models.ErrTransactionLocked, txID)
	}

	dbTx, err := database.DB.Begin()
	if err != nil {
		return fmt.Errorf("error beginning manual match: %w", err)
	}
	defer dbTx.Rollback()

	now := time.Now().UTC().Format(timeLayout)
	if _, err := dbTx.Exec(`
		UPDATE transactions SET match_status = ?, matched_invoice_id = ?, confidence_score = 0, matched_at = ?, matched_by = ?
		WHERE id = ?`,
		models.MatchManual, invoiceID, now, matchedBy, txID); err != nil {
		return fmt.Errorf("error applying manual match for transaction %d: %w", txID, err)
	}
	if _, err := dbTx.Exec(`UPDATE invoices SET paid_at = ? WHERE id = ? AND account_id = ? AND paid_at IS NULL`,
		now, invoiceID, accountID); err != nil {
		return fmt.Errorf("error marking invoice %d paid: %w", invoiceID, err)
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("error committing manual match: %w", err)
	}
	logger.L.Info("Manual match applied", "accountID", accountID, "transactionID", txID, "invoiceID", invoiceID, "matchedBy", matchedBy)
	return nil
}

// Unmatch reverts a matched transaction to unmatched and reopens the invoice.
func (s *reconciliationServiceImpl) Unmatch(accountID string, txID int64) error {
	tx, err := fetchTransactionByID(txID)
	if err != nil {
		return err
	}
	if tx.AccountID != accountID {
		return fmt.Errorf("transaction %d does not belong to account %s", txID, accountID)
	}
	if tx.MatchStatus != models.MatchAuto && tx.MatchStatus != models.MatchManual {
		return fmt.Errorf("transaction %d is not matched", txID)
	}

	dbTx, err := database.DB.Begin()
	if err != nil {
		return fmt.Errorf("error beginning unmatch: %w", err)
	}
	defer dbTx.Rollback()

	if _, err := dbTx.Exec(`
		UPDATE transactions SET match_status = ?, matched_invoice_id = NULL, confidence_score = 0, matched_at = NULL, matched_by = ''
		WHERE id = ?`, models.MatchUnmatched, txID); err != nil {
		return fmt.Errorf("error unmatching transaction %d: %w", txID, err)
	}
	if tx.MatchedInvoiceID != 0 {
		if _, err := dbTx.Exec(`UPDATE invoices SET paid_at = NULL WHERE id = ?`, tx.MatchedInvoiceID); err != nil {
			return fmt.Errorf("error reopening invoice %d: %w", tx.MatchedInvoiceID, err)
		}
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("error committing unmatch: %w", err)
	}
	logger.L.Info("Transaction unmatched", "accountID", accountID, "transactionID", txID, "invoiceID", tx.MatchedInvoiceID)
	return nil
}

func (s *reconciliationServiceImpl) RegisterInvoice(inv *models.Invoice) error {
	if inv.InvoiceNumber == "" {
		return fmt.Errorf("invoice number is required")
	}
	if !inv.Amount.IsPositive() {
		return fmt.Errorf("invoice amount must be positive")
	}
	return insertInvoice(inv)
}

func (s *reconciliationServiceImpl) ListInvoices(accountID string, unpaidOnly bool) ([]models.Invoice, error) {
	return fetchInvoices(accountID, unpaidOnly)
}

func (s *reconciliationServiceImpl) ListTransactions(accountID string) ([]models.Transaction, error) {
	return fetchAccountTransactions(accountID)
}
