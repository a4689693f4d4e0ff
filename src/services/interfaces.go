// src/services/interfaces.go
package services

import (
	"context"
	"io"

	"github.com/username/clearledger/src/models"
)

// UploadReceipt is what an upload returns immediately: the created job, to be
// polled until terminal.
type UploadReceipt struct {
	Job *models.ImportJob `json:"job"`
}

// ImportResult summarizes one processed import.
type ImportResult struct {
	StatementID         int64 `json:"statementId,omitempty"`
	TransactionsAdded   int   `json:"transactionsAdded"`
	StrictDuplicates    int   `json:"strictDuplicates"`
	PotentialDuplicates int   `json:"potentialDuplicates"`
	GapDetected         bool  `json:"gapDetected"`
}

// ImportService owns the upload intake and the asynchronous import pipeline.
type ImportService interface {
	// HandleUpload validates and stores the file, creates the import job, and
	// queues it. With overwrite false, re-uploading known content returns
	// models.ErrDuplicateUpload.
	HandleUpload(ctx context.Context, accountID, filename string, file io.Reader, overwrite bool) (*UploadReceipt, error)

	// ProcessJob is the queue handler: it drives one job to a terminal status.
	ProcessJob(ctx context.Context, jobID int64) error

	// ResumeInterruptedJobs re-publishes jobs left pending or processing by a
	// previous shutdown. Called once at startup, after the queue starts.
	ResumeInterruptedJobs(ctx context.Context) error

	// GetJobStatus and ReviewJob are tenant-facing: a job owned by another
	// account reads as models.ErrJobNotFound.
	GetJobStatus(accountID string, jobID int64) (*models.JobStatusView, error)
	ReviewJob(accountID string, jobID int64, decision models.ReviewDecision) error
	ListStatements(accountID string) ([]models.Statement, error)
}

// SyncService ingests transaction feeds pushed by account providers.
type SyncService interface {
	IngestFeed(ctx context.Context, accountID string, drafts []models.TransactionDraft) (*ImportResult, error)
}

// ReconciliationService matches credit transactions against unpaid invoices.
type ReconciliationService interface {
	// Run executes one reconciliation pass for the account and reports how
	// many pairings were applied. Safe to re-run.
	Run(ctx context.Context, accountID string) (int, error)

	ManualMatch(accountID string, txID, invoiceID int64, matchedBy string) error
	Unmatch(accountID string, txID int64) error
	RegisterInvoice(inv *models.Invoice) error
	ListInvoices(accountID string, unpaidOnly bool) ([]models.Invoice, error)
	ListTransactions(accountID string) ([]models.Transaction, error)
}

// DuplicateReviewService exposes the fuzzy-duplicate review queue.
type DuplicateReviewService interface {
	ListPotentialDuplicates(accountID string) ([]models.PotentialDuplicate, error)
	// Resolve closes a flag owned by the account. keep true inserts the held
	// transaction into the ledger; keep false discards it.
	Resolve(accountID string, dupID int64, keep bool) error
}
