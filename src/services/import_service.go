// src/services/import_service.go
package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/username/clearledger/src/config"
	"github.com/username/clearledger/src/database"
	"github.com/username/clearledger/src/dedup"
	"github.com/username/clearledger/src/extraction"
	"github.com/username/clearledger/src/ingest"
	"github.com/username/clearledger/src/jobs"
	"github.com/username/clearledger/src/logger"
	"github.com/username/clearledger/src/models"
	"github.com/username/clearledger/src/parsers"
	"github.com/username/clearledger/src/utils"
)

const (
	ckJobStatus = "job_status_%s_%d"

	JobStatusCacheExpiration = 5 * time.Second
	DefaultCacheExpiration   = 15 * time.Minute
	CacheCleanupInterval     = 30 * time.Minute
)

type importServiceImpl struct {
	engine     *extraction.Engine
	classifier *dedup.Classifier
	queue      *jobs.Queue
	cache      *cache.Cache

	// chainLocks serializes statement-chain writes per account so sequence
	// numbers are assigned without races.
	chainLocks sync.Map
}

func NewImportService(engine *extraction.Engine, classifier *dedup.Classifier, queue *jobs.Queue, c *cache.Cache) ImportService {
	return &importServiceImpl{
		engine:     engine,
		classifier: classifier,
		queue:      queue,
		cache:      c,
	}
}

func (s *importServiceImpl) lockChain(accountID string) func() {
	actual, _ := s.chainLocks.LoadOrStore(accountID, &sync.Mutex{})
	mu := actual.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *importServiceImpl) HandleUpload(ctx context.Context, accountID, filename string, file io.Reader, overwrite bool) (*UploadReceipt, error) {
	startTime := time.Now()
	logger.L.Info("HandleUpload START", "accountID", accountID, "filename", filename, "overwrite", overwrite)

	content, err := io.ReadAll(io.LimitReader(file, config.Cfg.MaxUploadSizeBytes+1))
	if err != nil {
		return nil, fmt.Errorf("error reading upload: %w", err)
	}
	if int64(len(content)) > config.Cfg.MaxUploadSizeBytes {
		return nil, fmt.Errorf("%w: limit %d bytes", models.ErrOversizedFile, config.Cfg.MaxUploadSizeBytes)
	}

	// Fail fast on formats the pipeline cannot handle, before any rows exist.
	if _, err := ingest.DetectFormat(filename, head(content)); err != nil {
		return nil, err
	}

	checksum := utils.Checksum(content)
	existing, err := fetchActiveJobByChecksum(accountID, checksum)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if !overwrite {
			return nil, fmt.Errorf("%w: job %d already imported this file", models.ErrDuplicateUpload, existing.ID)
		}
		if err := s.supersede(existing); err != nil {
			return nil, err
		}
	}

	storageRef, err := s.storeUpload(filename, content)
	if err != nil {
		return nil, err
	}

	job := &models.ImportJob{
		AccountID:        accountID,
		Checksum:         checksum,
		OriginalFilename: filename,
		StorageRef:       storageRef,
	}
	if err := insertImportJob(job); err != nil {
		return nil, err
	}

	if err := s.queue.Publish(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("error queueing job %d: %w", job.ID, err)
	}

	logger.L.Info("HandleUpload END", "accountID", accountID, "jobID", job.ID, "duration", time.Since(startTime))
	return &UploadReceipt{Job: job}, nil
}

// supersede retires the previous import of the same content: its statement
// (and that statement's rows) go away, its job row is flagged so the
// checksum uniqueness no longer applies to it.
func (s *importServiceImpl) supersede(old *models.ImportJob) error {
	st, err := fetchStatementByJobID(old.ID)
	if err != nil {
		return err
	}
	if st != nil {
		if err := deleteStatementCascade(st.ID); err != nil {
			return err
		}
		logger.L.Info("Deleted statement for overwritten import", "jobID", old.ID, "statementID", st.ID)
	}
	if err := supersedeImportJob(old.ID); err != nil {
		return err
	}
	s.cache.Delete(fmt.Sprintf(ckJobStatus, old.AccountID, old.ID))
	return nil
}

func (s *importServiceImpl) storeUpload(filename string, content []byte) (string, error) {
	if err := os.MkdirAll(config.Cfg.UploadStorageDir, 0o750); err != nil {
		return "", fmt.Errorf("error creating upload storage dir: %w", err)
	}
	storageRef := uuid.New().String() + filepath.Ext(filename)
	if err := os.WriteFile(filepath.Join(config.Cfg.UploadStorageDir, storageRef), content, 0o640); err != nil {
		return "", fmt.Errorf("error storing upload: %w", err)
	}
	return storageRef, nil
}

// ProcessJob drives one import job to a terminal status. Every failure path
// lands on the job row; the returned error is only for the queue's log.
func (s *importServiceImpl) ProcessJob(ctx context.Context, jobID int64) error {
	job, err := fetchImportJobByID(jobID)
	if err != nil {
		return err
	}
	if job.Terminal() || job.Superseded {
		logger.L.Debug("Skipping job not eligible for processing", "jobID", jobID, "status", job.Status, "superseded", job.Superseded)
		return nil
	}

	// PROCESSING is an allowed source state: an interrupted run resumes here.
	if err := updateImportJobStatus(jobID, []models.JobStatus{models.JobPending, models.JobProcessing}, models.JobProcessing); err != nil {
		return err
	}
	s.cache.Delete(fmt.Sprintf(ckJobStatus, job.AccountID, jobID))

	content, err := os.ReadFile(filepath.Join(config.Cfg.UploadStorageDir, job.StorageRef))
	if err != nil {
		return s.failJob(job, "", fmt.Errorf("error reading stored upload: %w", err))
	}

	format, err := ingest.DetectFormat(job.OriginalFilename, head(content))
	if err != nil {
		return s.failJob(job, "", err)
	}

	switch format {
	case models.FormatXML:
		return s.processStatementFile(job, content, models.TierXML)
	case models.FormatCSV:
		return s.processTransactionFeed(job, content)
	case models.FormatPDF:
		return s.processPDF(ctx, job, content)
	default:
		return s.failJob(job, "", fmt.Errorf("%w: %s", models.ErrUnsupportedFormat, format))
	}
}

// processStatementFile is the deterministic Tier 1 path: the whole document
// parses or the whole job fails.
func (s *importServiceImpl) processStatementFile(job *models.ImportJob, content []byte, tier models.ExtractionTier) error {
	parser, err := parsers.GetStatementParser(models.FormatXML)
	if err != nil {
		return s.failJob(job, tier, err)
	}
	parsed, err := parser.Parse(bytes.NewReader(content))
	if err != nil {
		return s.failJob(job, tier, err)
	}

	result, err := s.persistStatement(job, parsed, nil)
	if err != nil {
		return s.failJob(job, tier, err)
	}

	logger.L.Info("Statement import complete", "jobID", job.ID, "statementID", result.StatementID,
		"added", result.TransactionsAdded, "gap", result.GapDetected)
	return s.finish(job, models.JobVerified, tier, 0, 0, "")
}

// processTransactionFeed handles CSV uploads: a flat feed with no statement
// chain, deduplicated into the ledger directly.
func (s *importServiceImpl) processTransactionFeed(job *models.ImportJob, content []byte) error {
	parser, err := parsers.GetTransactionParser(models.FormatCSV)
	if err != nil {
		return s.failJob(job, models.TierCSV, err)
	}
	drafts, err := parser.Parse(bytes.NewReader(content))
	if err != nil {
		return s.failJob(job, models.TierCSV, err)
	}

	result, err := s.ingestDrafts(job.AccountID, 0, drafts, models.SourceFileImport)
	if err != nil {
		return s.failJob(job, models.TierCSV, err)
	}

	logger.L.Info("Transaction feed import complete", "jobID", job.ID,
		"added", result.TransactionsAdded, "strictDuplicates", result.StrictDuplicates,
		"potentialDuplicates", result.PotentialDuplicates)
	return s.finish(job, models.JobVerified, models.TierCSV, 0, 0, "")
}

// processPDF runs the extraction ladder, journaling page results so a
// restart never re-extracts a verified page.
func (s *importServiceImpl) processPDF(ctx context.Context, job *models.ImportJob, content []byte) error {
	prior, err := s.loadPageJournal(job.ID)
	if err != nil {
		logger.L.Warn("Could not load page journal, starting fresh", "jobID", job.ID, "error", err)
		prior = nil
	}

	results, err := s.engine.ProcessDocument(ctx, content, prior)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not failure: journal what finished and leave the job
			// PROCESSING so the resume re-runs only the unfinished pages.
			if len(results) > 0 {
				if jErr := s.savePageJournal(job.ID, results); jErr != nil {
					logger.L.Error("Could not persist page journal on shutdown", "jobID", job.ID, "error", jErr)
				}
			}
			logger.L.Info("Extraction interrupted, job left for resume", "jobID", job.ID)
			return nil
		}
		return s.failJob(job, models.TierText, err)
	}

	if err := s.savePageJournal(job.ID, results); err != nil {
		logger.L.Error("Could not persist page journal", "jobID", job.ID, "error", err)
	}

	pagesFailed := 0
	tier := models.TierText
	for _, page := range results {
		if page.Status == models.PageFailed {
			pagesFailed++
		}
		if page.TierUsed == models.TierVision {
			tier = models.TierVision
		}
	}

	parsed, err := extraction.AssembleStatement(results)
	if err != nil {
		return s.failJob(job, tier, err)
	}

	result, err := s.persistStatement(job, parsed, statementPages(results))
	if err != nil {
		return s.failJob(job, tier, err)
	}

	status := models.JobVerified
	reason := ""
	if pagesFailed > 0 {
		status = models.JobNeedsReview
		reason = fmt.Sprintf("%d of %d pages failed extraction", pagesFailed, len(results))
	}

	logger.L.Info("PDF import complete", "jobID", job.ID, "statementID", result.StatementID, "status", status,
		"pages", len(results), "pagesFailed", pagesFailed, "added", result.TransactionsAdded)
	return s.finish(job, status, tier, len(results), pagesFailed, reason)
}

func statementPages(results []extraction.PageResult) []models.StatementPage {
	pages := make([]models.StatementPage, 0, len(results))
	for _, r := range results {
		page := models.StatementPage{
			PageNumber:  r.PageNumber,
			Status:      r.Status,
			RawText:     r.RawText,
			FailureKind: string(r.FailureKind),
		}
		if r.Candidate != nil {
			page.StartBalance = r.Candidate.OpeningBalance
			page.EndBalance = r.Candidate.ClosingBalance
		}
		pages = append(pages, page)
	}
	return pages
}

// persistStatement appends a statement to the account chain atomically:
// sequence assignment, gap detection, page rows, and transactions all commit
// together or not at all. Statement entries are authoritative: the bank says
// both happened, so two identical entries stay two entries — dropping one
// would break the page math against the closing balance. Dedup applies only
// to feed-style ingestion.
func (s *importServiceImpl) persistStatement(job *models.ImportJob, parsed *models.ParsedStatement, pages []models.StatementPage) (*ImportResult, error) {
	unlock := s.lockChain(job.AccountID)
	defer unlock()

	latest, err := fetchLatestStatement(job.AccountID)
	if err != nil {
		return nil, err
	}

	st := &models.Statement{
		AccountID:      job.AccountID,
		ImportJobID:    job.ID,
		SequenceNumber: 1,
		PeriodStart:    parsed.PeriodStart,
		PeriodEnd:      parsed.PeriodEnd,
		OpeningBalance: parsed.OpeningBalance,
		ClosingBalance: parsed.ClosingBalance,
		Currency:       parsed.Currency,
	}
	if latest != nil {
		st.SequenceNumber = latest.SequenceNumber + 1
		// A chain break: the new statement does not continue where the
		// previous one ended. Recorded, never rejected.
		st.IsGapDetected = !latest.ClosingBalance.Equal(parsed.OpeningBalance)
		if st.IsGapDetected {
			logger.L.Warn("Statement chain gap detected",
				"accountID", job.AccountID, "sequence", st.SequenceNumber,
				"previousClosing", latest.ClosingBalance.String(), "newOpening", parsed.OpeningBalance.String())
		}
	}

	dbTx, err := database.DB.Begin()
	if err != nil {
		return nil, fmt.Errorf("error beginning statement write: %w", err)
	}
	defer dbTx.Rollback()

	if err := insertStatementTx(dbTx, st); err != nil {
		return nil, err
	}
	for i := range pages {
		pages[i].StatementID = st.ID
		if err := insertStatementPageTx(dbTx, &pages[i]); err != nil {
			return nil, err
		}
	}

	result := &ImportResult{StatementID: st.ID, GapDetected: st.IsGapDetected}
	for _, draft := range parsed.Transactions {
		tx := draftToTransaction(job.AccountID, st.ID, draft, models.SourceFileImport)
		if err := insertTransactionTx(dbTx, tx); err != nil {
			return nil, err
		}
		result.TransactionsAdded++
	}

	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("error committing statement write: %w", err)
	}
	return result, nil
}

// ingestDrafts deduplicates and inserts drafts that carry no statement (CSV
// feeds, provider sync).
func (s *importServiceImpl) ingestDrafts(accountID string, statementID int64, drafts []models.TransactionDraft, source models.TransactionSource) (*ImportResult, error) {
	unlock := s.lockChain(accountID)
	defer unlock()

	existingTxs, err := fetchAccountTransactions(accountID)
	if err != nil {
		return nil, err
	}

	dbTx, err := database.DB.Begin()
	if err != nil {
		return nil, fmt.Errorf("error beginning feed write: %w", err)
	}
	defer dbTx.Rollback()

	result := &ImportResult{}
	if err := s.writeDrafts(dbTx, accountID, statementID, drafts, source, existingTxs, result); err != nil {
		return nil, err
	}

	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("error committing feed write: %w", err)
	}
	return result, nil
}

// writeDrafts classifies each draft against the ledger plus the drafts
// already accepted in this batch, then inserts accordingly: strict
// duplicates are skipped, fuzzy ones held for review, the rest become
// canonical transactions.
func (s *importServiceImpl) writeDrafts(dbTx *sql.Tx, accountID string, statementID int64, drafts []models.TransactionDraft, source models.TransactionSource, existingTxs []models.Transaction, result *ImportResult) error {
	for _, draft := range drafts {
		classification := s.classifier.Classify(draft, existingTxs)
		switch classification.Kind {
		case dedup.KindStrict:
			result.StrictDuplicates++
			logger.L.Debug("Skipping strict duplicate on import",
				"accountID", accountID, "date", draft.Date.Format(dateLayout), "amount", draft.Amount.String())
			continue
		case dedup.KindFuzzy:
			dup := &models.PotentialDuplicate{
				AccountID:    accountID,
				ExistingTxID: classification.Existing.ID,
				Date:         draft.Date,
				Amount:       draft.Amount,
				Description:  draft.Description,
				Reference:    draft.Reference,
				Counterparty: draft.Counterparty,
				Similarity:   classification.Similarity,
			}
			if err := insertPotentialDuplicateTx(dbTx, dup); err != nil {
				return err
			}
			result.PotentialDuplicates++
			continue
		}

		tx := draftToTransaction(accountID, statementID, draft, source)
		if err := insertTransactionTx(dbTx, tx); err != nil {
			return err
		}
		result.TransactionsAdded++
		existingTxs = append(existingTxs, *tx)
	}
	return nil
}

func draftToTransaction(accountID string, statementID int64, draft models.TransactionDraft, source models.TransactionSource) *models.Transaction {
	return &models.Transaction{
		AccountID:        accountID,
		StatementID:      statementID,
		PageNumber:       draft.PageNumber,
		Date:             draft.Date,
		Amount:           draft.Amount,
		Currency:         draft.Currency,
		Counterparty:     draft.Counterparty,
		CounterpartyIBAN: draft.CounterpartyIBAN,
		Description:      draft.Description,
		BankReference:    draft.Reference,
		ProviderID:       draft.ProviderID,
		Source:           source,
		MatchStatus:      models.MatchUnmatched,
	}
}

func (s *importServiceImpl) loadPageJournal(jobID int64) (map[int]extraction.PageResult, error) {
	raw, err := fetchJobPageState(jobID)
	if err != nil || raw == "" {
		return nil, err
	}
	var journal map[int]extraction.PageResult
	if err := json.Unmarshal([]byte(raw), &journal); err != nil {
		return nil, fmt.Errorf("error decoding page journal for job %d: %w", jobID, err)
	}
	return journal, nil
}

func (s *importServiceImpl) savePageJournal(jobID int64, results []extraction.PageResult) error {
	journal := make(map[int]extraction.PageResult, len(results))
	for _, r := range results {
		journal[r.PageNumber] = r
	}
	encoded, err := json.Marshal(journal)
	if err != nil {
		return fmt.Errorf("error encoding page journal for job %d: %w", jobID, err)
	}
	return saveJobPageState(jobID, string(encoded))
}

func (s *importServiceImpl) failJob(job *models.ImportJob, tier models.ExtractionTier, cause error) error {
	logger.L.Error("Import job failed", "jobID", job.ID, "error", cause)
	if err := s.finish(job, models.JobFailed, tier, 0, 0, cause.Error()); err != nil {
		return err
	}
	return nil
}

func (s *importServiceImpl) finish(job *models.ImportJob, status models.JobStatus, tier models.ExtractionTier, pagesProcessed, pagesFailed int, reason string) error {
	if err := finishImportJob(job.ID, status, tier, pagesProcessed, pagesFailed, reason); err != nil {
		return err
	}
	s.cache.Delete(fmt.Sprintf(ckJobStatus, job.AccountID, job.ID))
	return nil
}

func (s *importServiceImpl) ResumeInterruptedJobs(ctx context.Context) error {
	ids, err := fetchResumableJobIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.queue.Publish(ctx, id); err != nil {
			return fmt.Errorf("error re-queueing job %d: %w", id, err)
		}
	}
	if len(ids) > 0 {
		logger.L.Info("Re-queued interrupted import jobs", "count", len(ids))
	}
	return nil
}

func (s *importServiceImpl) GetJobStatus(accountID string, jobID int64) (*models.JobStatusView, error) {
	cacheKey := fmt.Sprintf(ckJobStatus, accountID, jobID)
	if cached, found := s.cache.Get(cacheKey); found {
		return cached.(*models.JobStatusView), nil
	}

	job, err := fetchImportJobForAccount(accountID, jobID)
	if err != nil {
		return nil, err
	}
	view := &models.JobStatusView{
		ID:             job.ID,
		Status:         job.Status,
		TierUsed:       job.TierUsed,
		PagesProcessed: job.PagesProcessed,
		PagesFailed:    job.PagesFailed,
		FailureReason:  job.FailureReason,
		ReviewDecision: job.ReviewDecision,
	}
	if st, err := fetchStatementByJobID(job.ID); err != nil {
		return nil, err
	} else if st != nil {
		view.GapDetected = st.IsGapDetected
	}
	s.cache.Set(cacheKey, view, JobStatusCacheExpiration)
	return view, nil
}

func (s *importServiceImpl) ReviewJob(accountID string, jobID int64, decision models.ReviewDecision) error {
	if decision != models.ReviewConfirmed && decision != models.ReviewRejected {
		return errors.New("review decision must be CONFIRMED or REJECTED")
	}
	if _, err := fetchImportJobForAccount(accountID, jobID); err != nil {
		return err
	}
	if err := setJobReviewDecision(accountID, jobID, decision); err != nil {
		return err
	}
	s.cache.Delete(fmt.Sprintf(ckJobStatus, accountID, jobID))
	logger.L.Info("Import job reviewed", "accountID", accountID, "jobID", jobID, "decision", decision)
	return nil
}

func (s *importServiceImpl) ListStatements(accountID string) ([]models.Statement, error) {
	return fetchStatements(accountID)
}

func head(content []byte) []byte {
	if len(content) > 512 {
		return content[:512]
	}
	return content
}
