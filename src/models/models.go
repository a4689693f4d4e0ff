// src/models/models.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FileFormat identifies a supported statement upload format.
type FileFormat string

const (
	FormatXML FileFormat = "xml"
	FormatPDF FileFormat = "pdf"
	FormatCSV FileFormat = "csv"
)

// JobStatus is the lifecycle status of an ImportJob. Transitions are
// one-directional: Pending -> Processing -> {Verified | NeedsReview | Failed}.
type JobStatus string

const (
	JobPending     JobStatus = "PENDING"
	JobProcessing  JobStatus = "PROCESSING"
	JobVerified    JobStatus = "VERIFIED"
	JobNeedsReview JobStatus = "NEEDS_REVIEW"
	JobFailed      JobStatus = "FAILED"
)

// ReviewDecision is the user's application-level acceptance of a NeedsReview
// job. It is recorded alongside the terminal job status and never re-enters
// the extraction state machine.
type ReviewDecision string

const (
	ReviewNone      ReviewDecision = ""
	ReviewConfirmed ReviewDecision = "CONFIRMED"
	ReviewRejected  ReviewDecision = "REJECTED"
)

// ExtractionTier identifies which extraction strategy produced a statement.
type ExtractionTier string

const (
	TierXML    ExtractionTier = "XML"
	TierText   ExtractionTier = "TEXT_MODEL"
	TierVision ExtractionTier = "VISION_MODEL"
	TierCSV    ExtractionTier = "CSV"
)

// PageStatus is the lifecycle status of a StatementPage. A page's status
// never regresses.
type PageStatus string

const (
	PagePending     PageStatus = "PENDING"
	PageVerified    PageStatus = "VERIFIED"
	PageNeedsVision PageStatus = "NEEDS_VISION"
	PageFailed      PageStatus = "FAILED"
)

// MatchStatus is the reconciliation state of a Transaction.
type MatchStatus string

const (
	MatchUnmatched MatchStatus = "UNMATCHED"
	MatchAuto      MatchStatus = "AUTO_MATCHED"
	MatchManual    MatchStatus = "MANUALLY_MATCHED"
	MatchIgnored   MatchStatus = "IGNORED"
)

// TransactionSource marks where a canonical transaction came from.
type TransactionSource string

const (
	SourceFileImport   TransactionSource = "FILE_IMPORT"
	SourceManualImport TransactionSource = "MANUAL_IMPORT"
	SourceProviderSync TransactionSource = "PROVIDER_SYNC"
)

// ImportJob is created once per uploaded file. The checksum is unique per
// account so re-uploading an unmodified file is detected, never silently
// duplicated.
type ImportJob struct {
	ID               int64          `json:"id"`
	AccountID        string         `json:"accountId"`
	Checksum         string         `json:"checksum"`
	OriginalFilename string         `json:"originalFilename"`
	StorageRef       string         `json:"storageRef"`
	Status           JobStatus      `json:"status"`
	TierUsed         ExtractionTier `json:"tierUsed,omitempty"`
	PagesProcessed   int            `json:"pagesProcessed"`
	PagesFailed      int            `json:"pagesFailed"`
	FailureReason    string         `json:"failureReason,omitempty"`
	ReviewDecision   ReviewDecision `json:"reviewDecision,omitempty"`
	Superseded       bool           `json:"superseded"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Terminal reports whether the job reached a terminal state.
func (j *ImportJob) Terminal() bool {
	return j.Status == JobVerified || j.Status == JobNeedsReview || j.Status == JobFailed
}

// Statement is one parsed bank statement document (or one versioned sync
// batch). The previous statement is referenced by (account, sequence-1), not
// by an embedded object.
type Statement struct {
	ID             int64           `json:"id"`
	AccountID      string          `json:"accountId"`
	ImportJobID    int64           `json:"importJobId,omitempty"`
	SequenceNumber int             `json:"sequenceNumber"`
	PeriodStart    time.Time       `json:"periodStart"`
	PeriodEnd      time.Time       `json:"periodEnd"`
	OpeningBalance decimal.Decimal `json:"openingBalance"`
	ClosingBalance decimal.Decimal `json:"closingBalance"`
	Currency       string          `json:"currency"`
	IsGapDetected  bool            `json:"isGapDetected"`
	IsLocked       bool            `json:"isLocked"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// StatementPage is one physical page of a PDF statement.
type StatementPage struct {
	ID           int64            `json:"id"`
	StatementID  int64            `json:"statementId"`
	PageNumber   int              `json:"pageNumber"`
	StartBalance *decimal.Decimal `json:"startBalance,omitempty"`
	EndBalance   *decimal.Decimal `json:"endBalance,omitempty"`
	Status       PageStatus       `json:"status"`
	RawText      string           `json:"-"`
	FailureKind  string           `json:"failureKind,omitempty"`
}

// Transaction is the canonical ledger entry. Amount is signed: positive for
// credits (money in), negative for debits.
type Transaction struct {
	ID               int64             `json:"id"`
	AccountID        string            `json:"accountId"`
	StatementID      int64             `json:"statementId,omitempty"`
	PageNumber       int               `json:"pageNumber,omitempty"`
	Date             time.Time         `json:"date"`
	Amount           decimal.Decimal   `json:"amount"`
	Currency         string            `json:"currency"`
	Counterparty     string            `json:"counterparty,omitempty"`
	CounterpartyIBAN string            `json:"counterpartyIban,omitempty"`
	Description      string            `json:"description"`
	BankReference    string            `json:"bankReference,omitempty"`
	ProviderID       string            `json:"providerId,omitempty"`
	Source           TransactionSource `json:"source"`
	MatchStatus      MatchStatus       `json:"matchStatus"`
	MatchedInvoiceID int64             `json:"matchedInvoiceId,omitempty"`
	ConfidenceScore  float64           `json:"confidenceScore,omitempty"`
	MatchedAt        *time.Time        `json:"matchedAt,omitempty"`
	MatchedBy        string            `json:"matchedBy,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
}

// IsCredit reports whether money came in.
func (t *Transaction) IsCredit() bool {
	return t.Amount.IsPositive()
}

// Invoice is the reconciliation target. The invoice lifecycle is owned by a
// collaborator; the core only reads unpaid outbound invoices and stamps them
// paid on a confirmed match.
type Invoice struct {
	ID            int64           `json:"id"`
	AccountID     string          `json:"accountId"`
	InvoiceNumber string          `json:"invoiceNumber"`
	Counterparty  string          `json:"counterparty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	IssuedAt      time.Time       `json:"issuedAt"`
	DueAt         time.Time       `json:"dueAt"`
	PaidAt        *time.Time      `json:"paidAt,omitempty"`
}

// PotentialDuplicate is a fuzzy-duplicate flag kept for manual review. The
// incoming transaction is stored as a snapshot, paired with the id of the
// existing candidate it resembles.
type PotentialDuplicate struct {
	ID            int64           `json:"id"`
	AccountID     string          `json:"accountId"`
	ExistingTxID  int64           `json:"existingTxId"`
	Date          time.Time       `json:"date"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description"`
	Reference     string          `json:"reference,omitempty"`
	Counterparty  string          `json:"counterparty,omitempty"`
	Similarity    float64         `json:"similarity"`
	Resolved      bool            `json:"resolved"`
	KeptOnResolve bool            `json:"keptOnResolve"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// TransactionDraft is a parsed-but-not-yet-persisted transaction, produced by
// the CSV parser, the sync feed intake, and the extraction tiers.
type TransactionDraft struct {
	PageNumber       int             `json:"pageNumber,omitempty"`
	Date             time.Time       `json:"date"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency,omitempty"`
	Counterparty     string          `json:"counterparty,omitempty"`
	CounterpartyIBAN string          `json:"counterpartyIban,omitempty"`
	Description      string          `json:"description"`
	Reference        string          `json:"reference,omitempty"`
	ProviderID       string          `json:"providerId,omitempty"`
}

// ParsedStatement is the output of a Tier 1 parser or of the assembled
// extraction tiers: a fully-populated statement plus its transactions.
type ParsedStatement struct {
	PeriodStart    time.Time
	PeriodEnd      time.Time
	OpeningBalance decimal.Decimal
	ClosingBalance decimal.Decimal
	Currency       string
	Transactions   []TransactionDraft
}

// JobStatusView is the pollable read model consumed by the UI. GapDetected
// carries the chain-gap advisory of the statement the job produced, so the
// poller learns about a break without fetching the statement list.
type JobStatusView struct {
	ID             int64          `json:"id"`
	Status         JobStatus      `json:"status"`
	TierUsed       ExtractionTier `json:"tierUsed,omitempty"`
	PagesProcessed int            `json:"pagesProcessed"`
	PagesFailed    int            `json:"pagesFailed"`
	FailureReason  string         `json:"failureReason,omitempty"`
	ReviewDecision ReviewDecision `json:"reviewDecision,omitempty"`
	GapDetected    bool           `json:"gapDetected"`
}
