// src/services/store.go
package services

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/clearledger/src/database"
	"github.com/username/clearledger/src/logger"
	"github.com/username/clearledger/src/models"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = time.RFC3339
)

func insertImportJob(job *models.ImportJob) error {
	now := time.Now().UTC()
	result, err := database.DB.Exec(`
		INSERT INTO import_jobs (account_id, checksum, original_filename, storage_ref, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.AccountID, job.Checksum, job.OriginalFilename, job.StorageRef, models.JobPending,
		now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("error inserting import job: %w", err)
	}
	job.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("error reading import job id: %w", err)
	}
	job.Status = models.JobPending
	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

// fetchImportJobByID is the internal lookup used by the queue handler, which
// only ever sees its own job IDs. Tenant-facing reads go through
// fetchImportJobForAccount.
func fetchImportJobByID(jobID int64) (*models.ImportJob, error) {
	row := database.DB.QueryRow(`
		SELECT id, account_id, checksum, original_filename, storage_ref, status, tier_used,
		       pages_processed, pages_failed, failure_reason, review_decision, superseded, created_at, updated_at
		FROM import_jobs WHERE id = ?`, jobID)
	job, err := scanImportJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: id %d", models.ErrJobNotFound, jobID)
	}
	return job, err
}

// fetchImportJobForAccount scopes the lookup to the requesting tenant: a job
// belonging to another account reads as not found.
func fetchImportJobForAccount(accountID string, jobID int64) (*models.ImportJob, error) {
	row := database.DB.QueryRow(`
		SELECT id, account_id, checksum, original_filename, storage_ref, status, tier_used,
		       pages_processed, pages_failed, failure_reason, review_decision, superseded, created_at, updated_at
		FROM import_jobs WHERE id = ? AND account_id = ?`, jobID, accountID)
	job, err := scanImportJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: id %d", models.ErrJobNotFound, jobID)
	}
	return job, err
}

// fetchActiveJobByChecksum finds the non-superseded job for this exact file
// content, when one exists.
func fetchActiveJobByChecksum(accountID, checksum string) (*models.ImportJob, error) {
	row := database.DB.QueryRow(`
		SELECT id, account_id, checksum, original_filename, storage_ref, status, tier_used,
		       pages_processed, pages_failed, failure_reason, review_decision, superseded, created_at, updated_at
		FROM import_jobs WHERE account_id = ? AND checksum = ? AND superseded = FALSE`, accountID, checksum)
	job, err := scanImportJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanImportJob(row rowScanner) (*models.ImportJob, error) {
	var job models.ImportJob
	var createdAt, updatedAt string
	err := row.Scan(&job.ID, &job.AccountID, &job.Checksum, &job.OriginalFilename, &job.StorageRef,
		&job.Status, &job.TierUsed, &job.PagesProcessed, &job.PagesFailed, &job.FailureReason,
		&job.ReviewDecision, &job.Superseded, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	job.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	job.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &job, nil
}

// updateImportJobStatus enforces the one-directional lifecycle in SQL: the
// row only moves when its current status is a legal predecessor.
func updateImportJobStatus(jobID int64, from []models.JobStatus, to models.JobStatus) error {
	if len(from) == 0 {
		return fmt.Errorf("%w: no source states for %s", models.ErrInvalidTransition, to)
	}
	query := `UPDATE import_jobs SET status = ?, updated_at = ? WHERE id = ? AND status IN (?` // first placeholder
	args := []interface{}{string(to), time.Now().UTC().Format(timeLayout), jobID, string(from[0])}
	for _, s := range from[1:] {
		query += ", ?"
		args = append(args, string(s))
	}
	query += ")"

	result, err := database.DB.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("error updating job %d status: %w", jobID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error checking job %d status update: %w", jobID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: job %d is not in %v", models.ErrInvalidTransition, jobID, from)
	}
	return nil
}

func finishImportJob(jobID int64, status models.JobStatus, tier models.ExtractionTier, pagesProcessed, pagesFailed int, failureReason string) error {
	_, err := database.DB.Exec(`
		UPDATE import_jobs SET status = ?, tier_used = ?, pages_processed = ?, pages_failed = ?, failure_reason = ?, updated_at = ?
		WHERE id = ?`,
		status, tier, pagesProcessed, pagesFailed, failureReason, time.Now().UTC().Format(timeLayout), jobID)
	if err != nil {
		return fmt.Errorf("error finishing job %d: %w", jobID, err)
	}
	return nil
}

func saveJobPageState(jobID int64, pageStateJSON string) error {
	_, err := database.DB.Exec(`UPDATE import_jobs SET page_state = ?, updated_at = ? WHERE id = ?`,
		pageStateJSON, time.Now().UTC().Format(timeLayout), jobID)
	if err != nil {
		return fmt.Errorf("error saving page state for job %d: %w", jobID, err)
	}
	return nil
}

func fetchJobPageState(jobID int64) (string, error) {
	var pageState string
	err := database.DB.QueryRow(`SELECT page_state FROM import_jobs WHERE id = ?`, jobID).Scan(&pageState)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: id %d", models.ErrJobNotFound, jobID)
	}
	if err != nil {
		return "", fmt.Errorf("error fetching page state for job %d: %w", jobID, err)
	}
	return pageState, nil
}

func supersedeImportJob(jobID int64) error {
	_, err := database.DB.Exec(`UPDATE import_jobs SET superseded = TRUE, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(timeLayout), jobID)
	if err != nil {
		return fmt.Errorf("error superseding job %d: %w", jobID, err)
	}
	return nil
}

func setJobReviewDecision(accountID string, jobID int64, decision models.ReviewDecision) error {
	result, err := database.DB.Exec(`
		UPDATE import_jobs SET review_decision = ?, updated_at = ?
		WHERE id = ? AND account_id = ? AND status = ? AND review_decision = ''`,
		decision, time.Now().UTC().Format(timeLayout), jobID, accountID, models.JobNeedsReview)
	if err != nil {
		return fmt.Errorf("error recording review decision for job %d: %w", jobID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error checking review decision for job %d: %w", jobID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: job %d is not awaiting review", models.ErrInvalidTransition, jobID)
	}
	return nil
}

// fetchResumableJobIDs returns jobs interrupted by a previous shutdown, oldest
// first, so startup can re-publish them.
func fetchResumableJobIDs() ([]int64, error) {
	rows, err := database.DB.Query(`
		SELECT id FROM import_jobs WHERE status IN (?, ?) AND superseded = FALSE ORDER BY id ASC`,
		models.JobPending, models.JobProcessing)
	if err != nil {
		return nil, fmt.Errorf("error querying resumable jobs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("error scanning resumable job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func fetchStatements(accountID string) ([]models.Statement, error) {
	rows, err := database.DB.Query(`
		SELECT id, account_id, COALESCE(import_job_id, 0), sequence_number, period_start, period_end,
		       opening_balance, closing_balance, currency, is_gap_detected, is_locked, created_at
		FROM statements WHERE account_id = ? ORDER BY sequence_number ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("error querying statements for account %s: %w", accountID, err)
	}
	defer rows.Close()

	var statements []models.Statement
	for rows.Next() {
		var st models.Statement
		var periodStart, periodEnd, opening, closing, createdAt string
		if err := rows.Scan(&st.ID, &st.AccountID, &st.ImportJobID, &st.SequenceNumber,
			&periodStart, &periodEnd, &opening, &closing, &st.Currency,
			&st.IsGapDetected, &st.IsLocked, &createdAt); err != nil {
			return nil, fmt.Errorf("error scanning statement row: %w", err)
		}
		st.PeriodStart, _ = time.Parse(dateLayout, periodStart)
		st.PeriodEnd, _ = time.Parse(dateLayout, periodEnd)
		if st.OpeningBalance, err = decimal.NewFromString(opening); err != nil {
			return nil, fmt.Errorf("error parsing opening balance %q: %w", opening, err)
		}
		if st.ClosingBalance, err = decimal.NewFromString(closing); err != nil {
			return nil, fmt.Errorf("error parsing closing balance %q: %w", closing, err)
		}
		st.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		statements = append(statements, st)
	}
	return statements, rows.Err()
}

// fetchLatestStatement returns the highest-sequence statement for the
// account, or nil when the chain is empty.
func fetchLatestStatement(accountID string) (*models.Statement, error) {
	statements, err := fetchStatements(accountID)
	if err != nil {
		return nil, err
	}
	if len(statements) == 0 {
		return nil, nil
	}
	return &statements[len(statements)-1], nil
}

func fetchAccountTransactions(accountID string) ([]models.Transaction, error) {
	rows, err := database.DB.Query(`
		SELECT id, account_id, COALESCE(statement_id, 0), page_number, date, amount, currency,
		       counterparty, counterparty_iban, description, bank_reference, provider_id, source,
		       match_status, COALESCE(matched_invoice_id, 0), confidence_score, matched_at, matched_by, created_at
		FROM transactions WHERE account_id = ? ORDER BY date ASC, id ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("error querying transactions for account %s: %w", accountID, err)
	}
	defer rows.Close()

	var transactions []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *tx)
	}
	logger.L.Debug("DB transaction fetch complete", "accountID", accountID, "count", len(transactions))
	return transactions, rows.Err()
}

func fetchTransactionByID(txID int64) (*models.Transaction, error) {
	row := database.DB.QueryRow(`
		SELECT id, account_id, COALESCE(statement_id, 0), page_number, date, amount, currency,
		       counterparty, counterparty_iban, description, bank_reference, provider_id, source,
		       match_status, COALESCE(matched_invoice_id, 0), confidence_score, matched_at, matched_by, created_at
		FROM transactions WHERE id = ?`, txID)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("transaction %d not found", txID)
	}
	return tx, err
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var tx models.Transaction
	var date, amount, createdAt string
	var matchedAt sql.NullString
	err := row.Scan(&tx.ID, &tx.AccountID, &tx.StatementID, &tx.PageNumber, &date, &amount, &tx.Currency,
		&tx.Counterparty, &tx.CounterpartyIBAN, &tx.Description, &tx.BankReference, &tx.ProviderID, &tx.Source,
		&tx.MatchStatus, &tx.MatchedInvoiceID, &tx.ConfidenceScore, &matchedAt, &tx.MatchedBy, &createdAt)
	if err != nil {
		return nil, err
	}
	tx.Date, _ = time.Parse(dateLayout, date)
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("error parsing transaction amount %q: %w", amount, err)
	}
	if matchedAt.Valid {
		if t, parseErr := time.Parse(timeLayout, matchedAt.String); parseErr == nil {
			tx.MatchedAt = &t
		}
	}
	tx.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &tx, nil
}

func insertTransactionTx(dbTx *sql.Tx, tx *models.Transaction) error {
	result, err := dbTx.Exec(`
		INSERT INTO transactions (account_id, statement_id, page_number, date, amount, currency,
		    counterparty, counterparty_iban, description, bank_reference, provider_id, source,
		    match_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.AccountID, nullableID(tx.StatementID), tx.PageNumber, tx.Date.Format(dateLayout),
		tx.Amount.String(), tx.Currency, tx.Counterparty, tx.CounterpartyIBAN, tx.Description,
		tx.BankReference, tx.ProviderID, tx.Source, models.MatchUnmatched,
		time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("error inserting transaction: %w", err)
	}
	tx.ID, err = result.LastInsertId()
	return err
}

func insertPotentialDuplicateTx(dbTx *sql.Tx, dup *models.PotentialDuplicate) error {
	_, err := dbTx.Exec(`
		INSERT INTO potential_duplicates (account_id, existing_tx_id, date, amount, description,
		    reference, counterparty, similarity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dup.AccountID, dup.ExistingTxID, dup.Date.Format(dateLayout), dup.Amount.String(),
		dup.Description, dup.Reference, dup.Counterparty, dup.Similarity,
		time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("error inserting potential duplicate: %w", err)
	}
	return nil
}

func fetchPotentialDuplicates(accountID string, includeResolved bool) ([]models.PotentialDuplicate, error) {
	query := `
		SELECT id, account_id, existing_tx_id, date, amount, description, reference, counterparty,
		       similarity, resolved, kept_on_resolve, created_at
		FROM potential_duplicates WHERE account_id = ?`
	if !includeResolved {
		query += ` AND resolved = FALSE`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := database.DB.Query(query, accountID)
	if err != nil {
		return nil, fmt.Errorf("error querying potential duplicates: %w", err)
	}
	defer rows.Close()

	var dups []models.PotentialDuplicate
	for rows.Next() {
		var d models.PotentialDuplicate
		var date, amount, createdAt string
		if err := rows.Scan(&d.ID, &d.AccountID, &d.ExistingTxID, &date, &amount, &d.Description,
			&d.Reference, &d.Counterparty, &d.Similarity, &d.Resolved, &d.KeptOnResolve, &createdAt); err != nil {
			return nil, fmt.Errorf("error scanning potential duplicate: %w", err)
		}
		d.Date, _ = time.Parse(dateLayout, date)
		if d.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("error parsing duplicate amount %q: %w", amount, err)
		}
		d.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		dups = append(dups, d)
	}
	return dups, rows.Err()
}

func fetchPotentialDuplicateByID(accountID string, dupID int64) (*models.PotentialDuplicate, error) {
	row := database.DB.QueryRow(`
		SELECT id, account_id, existing_tx_id, date, amount, description, reference, counterparty,
		       similarity, resolved, kept_on_resolve, created_at
		FROM potential_duplicates WHERE id = ? AND account_id = ?`, dupID, accountID)

	var d models.PotentialDuplicate
	var date, amount, createdAt string
	err := row.Scan(&d.ID, &d.AccountID, &d.ExistingTxID, &date, &amount, &d.Description,
		&d.Reference, &d.Counterparty, &d.Similarity, &d.Resolved, &d.KeptOnResolve, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("potential duplicate %d not found", dupID)
	}
	if err != nil {
		return nil, fmt.Errorf("error fetching potential duplicate %d: %w", dupID, err)
	}
	d.Date, _ = time.Parse(dateLayout, date)
	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("error parsing duplicate amount %q: %w", amount, err)
	}
	d.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &d, nil
}

func fetchInvoices(accountID string, unpaidOnly bool) ([]models.Invoice, error) {
	query := `
		SELECT id, account_id, invoice_number, counterparty, amount, currency, issued_at, due_at, paid_at
		FROM invoices WHERE account_id = ?`
	if unpaidOnly {
		query += ` AND paid_at IS NULL`
	}
	query += ` ORDER BY due_at ASC`

	rows, err := database.DB.Query(query, accountID)
	if err != nil {
		return nil, fmt.Errorf("error querying invoices for account %s: %w", accountID, err)
	}
	defer rows.Close()

	var invoices []models.Invoice
	for rows.Next() {
		var inv models.Invoice
		var amount, issuedAt, dueAt string
		var paidAt sql.NullString
		if err := rows.Scan(&inv.ID, &inv.AccountID, &inv.InvoiceNumber, &inv.Counterparty,
			&amount, &inv.Currency, &issuedAt, &dueAt, &paidAt); err != nil {
			return nil, fmt.Errorf("error scanning invoice row: %w", err)
		}
		if inv.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("error parsing invoice amount %q: %w", amount, err)
		}
		inv.IssuedAt, _ = time.Parse(dateLayout, issuedAt)
		inv.DueAt, _ = time.Parse(dateLayout, dueAt)
		if paidAt.Valid {
			if t, parseErr := time.Parse(timeLayout, paidAt.String); parseErr == nil {
				inv.PaidAt = &t
			}
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func insertInvoice(inv *models.Invoice) error {
	result, err := database.DB.Exec(`
		INSERT INTO invoices (account_id, invoice_number, counterparty, amount, currency, issued_at, due_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.AccountID, inv.InvoiceNumber, inv.Counterparty, inv.Amount.String(), inv.Currency,
		inv.IssuedAt.Format(dateLayout), inv.DueAt.Format(dateLayout))
	if err != nil {
		return fmt.Errorf("error inserting invoice %s: %w", inv.InvoiceNumber, err)
	}
	inv.ID, err = result.LastInsertId()
	return err
}

func insertStatementTx(dbTx *sql.Tx, st *models.Statement) error {
	result, err := dbTx.Exec(`
		INSERT INTO statements (account_id, import_job_id, sequence_number, period_start, period_end,
		    opening_balance, closing_balance, currency, is_gap_detected, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.AccountID, nullableID(st.ImportJobID), st.SequenceNumber,
		st.PeriodStart.Format(dateLayout), st.PeriodEnd.Format(dateLayout),
		st.OpeningBalance.String(), st.ClosingBalance.String(), st.Currency, st.IsGapDetected,
		time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("error inserting statement: %w", err)
	}
	st.ID, err = result.LastInsertId()
	return err
}

func insertStatementPageTx(dbTx *sql.Tx, page *models.StatementPage) error {
	var start, end interface{}
	if page.StartBalance != nil {
		start = page.StartBalance.String()
	}
	if page.EndBalance != nil {
		end = page.EndBalance.String()
	}
	result, err := dbTx.Exec(`
		INSERT INTO statement_pages (statement_id, page_number, start_balance, end_balance, status, raw_text, failure_kind)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		page.StatementID, page.PageNumber, start, end, page.Status, page.RawText, page.FailureKind)
	if err != nil {
		return fmt.Errorf("error inserting statement page %d: %w", page.PageNumber, err)
	}
	page.ID, err = result.LastInsertId()
	return err
}

// fetchStatementByJobID returns the statement a job produced, or nil.
func fetchStatementByJobID(jobID int64) (*models.Statement, error) {
	row := database.DB.QueryRow(`
		SELECT id, account_id, COALESCE(import_job_id, 0), sequence_number, period_start, period_end,
		       opening_balance, closing_balance, currency, is_gap_detected, is_locked, created_at
		FROM statements WHERE import_job_id = ?`, jobID)

	var st models.Statement
	var periodStart, periodEnd, opening, closing, createdAt string
	err := row.Scan(&st.ID, &st.AccountID, &st.ImportJobID, &st.SequenceNumber,
		&periodStart, &periodEnd, &opening, &closing, &st.Currency,
		&st.IsGapDetected, &st.IsLocked, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error fetching statement for job %d: %w", jobID, err)
	}
	st.PeriodStart, _ = time.Parse(dateLayout, periodStart)
	st.PeriodEnd, _ = time.Parse(dateLayout, periodEnd)
	if st.OpeningBalance, err = decimal.NewFromString(opening); err != nil {
		return nil, fmt.Errorf("error parsing opening balance %q: %w", opening, err)
	}
	if st.ClosingBalance, err = decimal.NewFromString(closing); err != nil {
		return nil, fmt.Errorf("error parsing closing balance %q: %w", closing, err)
	}
	st.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &st, nil
}

// deleteStatementCascade removes a statement with its pages and transactions,
// for the overwrite flow. Refuses locked statements.
func deleteStatementCascade(statementID int64) error {
	var locked bool
	err := database.DB.QueryRow(`SELECT is_locked FROM statements WHERE id = ?`, statementID).Scan(&locked)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error checking statement %d lock: %w", statementID, err)
	}
	if locked {
		return fmt.Errorf("%w: statement %d", models.ErrStatementLocked, statementID)
	}

	dbTx, err := database.DB.Begin()
	if err != nil {
		return fmt.Errorf("error beginning statement delete: %w", err)
	}
	defer dbTx.Rollback()

	if _, err := dbTx.Exec(`DELETE FROM transactions WHERE statement_id = ?`, statementID); err != nil {
		return fmt.Errorf("error deleting statement %d transactions: %w", statementID, err)
	}
	if _, err := dbTx.Exec(`DELETE FROM statement_pages WHERE statement_id = ?`, statementID); err != nil {
		return fmt.Errorf("error deleting statement %d pages: %w", statementID, err)
	}
	if _, err := dbTx.Exec(`DELETE FROM statements WHERE id = ?`, statementID); err != nil {
		return fmt.Errorf("error deleting statement %d: %w", statementID, err)
	}
	return dbTx.Commit()
}

func nullableID(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}
