// src/services/import_service_test.go
package services_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/clearledger/src/config"
	"github.com/username/clearledger/src/database"
	"github.com/username/clearledger/src/dedup"
	"github.com/username/clearledger/src/extraction"
	"github.com/username/clearledger/src/jobs"
	"github.com/username/clearledger/src/logger"
	"github.com/username/clearledger/src/models"
	"github.com/username/clearledger/src/reconcile"
	"github.com/username/clearledger/src/services"
)

func TestMain(m *testing.M) {
	logger.InitLogger("error")

	tmpDir, err := os.MkdirTemp("", "clearledger-test")
	if err != nil {
		panic(err)
	}

	config.Cfg = &config.AppConfig{
		DatabasePath:             filepath.Join(tmpDir, "test.db"),
		MaxUploadSizeBytes:       1 << 20,
		UploadStorageDir:         filepath.Join(tmpDir, "uploads"),
		FuzzySimilarityThreshold: 70,
		AutoMatchThreshold:       80,
		JobWorkers:               1,
		PageWorkers:              1,
	}
	database.InitDB(config.Cfg.DatabasePath)

	code := m.Run()
	os.RemoveAll(tmpDir)
	os.Exit(code)
}

type testServices struct {
	importer   services.ImportService
	sync       services.SyncService
	reconciler services.ReconciliationService
	duplicates services.DuplicateReviewService
	queue      *jobs.Queue
}

func newTestServices() *testServices {
	engine := extraction.NewEngine(nil, nil, extraction.Options{})
	classifier := dedup.NewClassifier(config.Cfg.FuzzySimilarityThreshold)
	matcher := reconcile.NewMatcher(config.Cfg.AutoMatchThreshold)
	queue := jobs.NewQueue(1, 64)

	importer := services.NewImportService(engine, classifier, queue, cache.New(time.Minute, time.Minute))
	reconciler := services.NewReconciliationService(matcher)
	return &testServices{
		importer:   importer,
		sync:       services.NewSyncService(importer, reconciler),
		reconciler: reconciler,
		duplicates: services.NewDuplicateReviewService(),
		queue:      queue,
	}
}

// uploadAndProcess pushes a file through intake and runs its job to a
// terminal state synchronously.
func uploadAndProcess(t *testing.T, ts *testServices, accountID, filename, content string, overwrite bool) *models.ImportJob {
	t.Helper()
	ctx := context.Background()

	receipt, err := ts.importer.HandleUpload(ctx, accountID, filename, strings.NewReader(content), overwrite)
	require.NoError(t, err)
	require.NoError(t, ts.importer.ProcessJob(ctx, receipt.Job.ID))
	return receipt.Job
}

func camtDoc(opening, closing, entryDate, entryAmount string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Document xmlns="urn:iso:std:iso:20022:tech:xsd:camt.053.001.04">
  <BkToCstmrStmt><Stmt>
    <Id>STMT</Id>
    <Acct><Id><IBAN>CH93007620116238529570</IBAN></Id><Ccy>EUR</Ccy></Acct>
    <Bal><Tp><CdOrPrtry><Cd>OPBD</Cd></CdOrPrtry></Tp><Amt Ccy="EUR">%s</Amt><CdtDbtInd>CRDT</CdtDbtInd></Bal>
    <Bal><Tp><CdOrPrtry><Cd>CLBD</Cd></CdOrPrtry></Tp><Amt Ccy="EUR">%s</Amt><CdtDbtInd>CRDT</CdtDbtInd></Bal>
    <Ntry>
      <NtryRef>REF-%s</NtryRef>
      <Amt Ccy="EUR">%s</Amt>
      <CdtDbtInd>CRDT</CdtDbtInd>
      <BookgDt><Dt>%s</Dt></BookgDt>
      <AddtlNtryInf>Payment received</AddtlNtryInf>
    </Ntry>
  </Stmt></BkToCstmrStmt>
</Document>`, opening, closing, entryDate, entryAmount, entryDate)
}

func TestCSVImportAndDuplicateUpload(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	const accountID = "acc-csv"

	csvContent := strings.Join([]string{
		"Date,Amount,Description,Reference",
		"2025-01-10,-120.00,Office supplies,INV-0042",
		"2025-01-12,500.00,Consulting retainer,E2E-9",
	}, "\n")

	job := uploadAndProcess(t, ts, accountID, "export.csv", csvContent, false)

	view, err := ts.importer.GetJobStatus(accountID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobVerified, view.Status)
	assert.Equal(t, models.TierCSV, view.TierUsed)

	transactions, err := ts.reconciler.ListTransactions(accountID)
	require.NoError(t, err)
	require.Len(t, transactions, 2)
	assert.Equal(t, models.SourceFileImport, transactions[0].Source)

	// Same bytes again: rejected outright.
	_, err = ts.importer.HandleUpload(ctx, accountID, "export.csv", strings.NewReader(csvContent), false)
	assert.True(t, errors.Is(err, models.ErrDuplicateUpload), "got %v", err)

	// With overwrite the job runs, but every row is a strict duplicate.
	uploadAndProcess(t, ts, accountID, "export.csv", csvContent, true)
	transactions, err = ts.reconciler.ListTransactions(accountID)
	require.NoError(t, err)
	assert.Len(t, transactions, 2)
}

func TestStatementChainSequencingAndGapDetection(t *testing.T) {
	ts := newTestServices()
	const accountID = "acc-chain"

	uploadAndProcess(t, ts, accountID, "jan.xml", camtDoc("1000.00", "1500.00", "2025-01-15", "500.00"), false)
	// Continues exactly where January ended.
	febJob := uploadAndProcess(t, ts, accountID, "feb.xml", camtDoc("1500.00", "1700.00", "2025-02-15", "200.00"), false)
	// Opening does not match February's closing: a missing statement.
	aprJob := uploadAndProcess(t, ts, accountID, "apr.xml", camtDoc("2000.00", "2100.00", "2025-04-15", "100.00"), false)

	statements, err := ts.importer.ListStatements(accountID)
	require.NoError(t, err)
	require.Len(t, statements, 3)

	assert.Equal(t, 1, statements[0].SequenceNumber)
	assert.False(t, statements[0].IsGapDetected)
	assert.Equal(t, 2, statements[1].SequenceNumber)
	assert.False(t, statements[1].IsGapDetected)
	assert.Equal(t, 3, statements[2].SequenceNumber)
	assert.True(t, statements[2].IsGapDetected)

	// The gap advisory also rides along with the pollable job view.
	febView, err := ts.importer.GetJobStatus(accountID, febJob.ID)
	require.NoError(t, err)
	assert.False(t, febView.GapDetected)
	aprView, err := ts.importer.GetJobStatus(accountID, aprJob.ID)
	require.NoError(t, err)
	assert.True(t, aprView.GapDetected)
}

func TestStatementKeepsRepeatedEntries(t *testing.T) {
	ts := newTestServices()
	const accountID = "acc-repeat"

	// The bank statement really contains two identical debits; both must land
	// in the ledger or the stored rows no longer sum to the closing balance.
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<Document xmlns="urn:iso:std:iso:20022:tech:xsd:camt.053.001.04">
  <BkToCstmrStmt><Stmt>
    <Id>STMT</Id>
    <Acct><Id><IBAN>CH9300762011623852957</IBAN></Id><Ccy>EUR</Ccy></Acct>
    <Bal><Tp><CdOrPrtry><Cd>OPBD</Cd></CdOrPrtry></Tp><Amt Ccy="EUR">1000.00</Amt><CdtDbtInd>CRDT</CdtDbtInd></Bal>
    <Bal><Tp><CdOrPrtry><Cd>CLBD</Cd></CdOrPrtry></Tp><Amt Ccy="EUR">900.00</Amt><CdtDbtInd>CRDT</CdtDbtInd></Bal>
    <Ntry>
      <NtryRef>REF-COFFEE</NtryRef>
      <Amt Ccy="EUR">50.00</Amt>
      <CdtDbtInd>DBIT</CdtDbtInd>
      <BookgDt><Dt>2025-06-02</Dt></BookgDt>
      <AddtlNtryInf>Coffee shop</AddtlNtryInf>
    </Ntry>
    <Ntry>
      <NtryRef>REF-COFFEE</NtryRef>
      <Amt Ccy="EUR">50.00</Amt>
      <CdtDbtInd>DBIT</CdtDbtInd>
      <BookgDt><Dt>2025-06-02</Dt></BookgDt>
      <AddtlNtryInf>Coffee shop</AddtlNtryInf>
    </Ntry>
  </Stmt></BkToCstmrStmt>
</Document>`

	job := uploadAndProcess(t, ts, accountID, "june.xml", doc, false)

	view, err := ts.importer.GetJobStatus(accountID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobVerified, view.Status)

	transactions, err := ts.reconciler.ListTransactions(accountID)
	require.NoError(t, err)
	require.Len(t, transactions, 2)
	assert.True(t, transactions[0].Amount.Equal(decimal.RequireFromString("-50.00")))
	assert.True(t, transactions[1].Amount.Equal(decimal.RequireFromString("-50.00")))
}

func TestReviewRequiresNeedsReviewStatus(t *testing.T) {
	ts := newTestServices()
	const accountID = "acc-review"

	job := uploadAndProcess(t, ts, accountID, "jan.xml", camtDoc("0.00", "50.00", "2025-01-20", "50.00"), false)

	err := ts.importer.ReviewJob(accountID, job.ID, models.ReviewConfirmed)
	assert.True(t, errors.Is(err, models.ErrInvalidTransition), "got %v", err)
}

func TestSyncFeedDedupAndReconciliation(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	const accountID = "acc-sync"

	require.NoError(t, ts.reconciler.RegisterInvoice(&models.Invoice{
		AccountID:     accountID,
		InvoiceNumber: "INV-2025-007",
		Counterparty:  "Acme GmbH",
		Amount:        decimal.RequireFromString("500.00"),
		IssuedAt:      time.Date(2025, 2, 20, 0, 0, 0, 0, time.UTC),
		DueAt:         time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC),
	}))

	feed := []models.TransactionDraft{
		{
			Date:         time.Date(2025, 3, 18, 0, 0, 0, 0, time.UTC),
			Amount:       decimal.RequireFromString("500.00"),
			Counterparty: "Acme GmbH",
			Description:  "Incoming wire",
			Reference:    "INV-2025-007",
			ProviderID:   "prov-sync-1",
		},
	}

	result, err := ts.sync.IngestFeed(ctx, accountID, feed)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TransactionsAdded)

	// The credit paid the invoice during the post-sync pass.
	transactions, err := ts.reconciler.ListTransactions(accountID)
	require.NoError(t, err)
	require.Len(t, transactions, 1)
	assert.Equal(t, models.MatchAuto, transactions[0].MatchStatus)
	assert.NotNil(t, transactions[0].MatchedAt)

	unpaid, err := ts.reconciler.ListInvoices(accountID, true)
	require.NoError(t, err)
	assert.Empty(t, unpaid)

	// Re-running reconciliation matches nothing new.
	matched, err := ts.reconciler.Run(ctx, accountID)
	require.NoError(t, err)
	assert.Zero(t, matched)

	// The same provider transaction pushed again is a strict duplicate.
	result, err = ts.sync.IngestFeed(ctx, accountID, feed)
	require.NoError(t, err)
	assert.Zero(t, result.TransactionsAdded)
	assert.Equal(t, 1, result.StrictDuplicates)

	// Auto-matched transactions are locked against manual rebinding.
	err = ts.reconciler.ManualMatch(accountID, transactions[0].ID, 999, "tester")
	assert.True(t, errors.Is(err, models.ErrTransactionLocked), "got %v", err)

	// Unmatching reopens the invoice.
	require.NoError(t, ts.reconciler.Unmatch(accountID, transactions[0].ID))
	unpaid, err = ts.reconciler.ListInvoices(accountID, true)
	require.NoError(t, err)
	assert.Len(t, unpaid, 1)
}

func TestFuzzyDuplicateReviewQueue(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	const accountID = "acc-fuzzy"

	_, err := ts.sync.IngestFeed(ctx, accountID, []models.TransactionDraft{{
		Date:        time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		Amount:      decimal.RequireFromString("-89.90"),
		Description: "Monthly hosting subscription",
	}})
	require.NoError(t, err)

	// Next day, near-identical description: held for review, not inserted.
	result, err := ts.sync.IngestFeed(ctx, accountID, []models.TransactionDraft{{
		Date:        time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC),
		Amount:      decimal.RequireFromString("-89.90"),
		Description: "Monthly hosting subscriptions",
	}})
	require.NoError(t, err)
	assert.Zero(t, result.TransactionsAdded)
	assert.Equal(t, 1, result.PotentialDuplicates)

	duplicates, err := ts.duplicates.ListPotentialDuplicates(accountID)
	require.NoError(t, err)
	require.Len(t, duplicates, 1)
	assert.GreaterOrEqual(t, duplicates[0].Similarity, 70.0)

	// Keeping the flagged transaction inserts it.
	require.NoError(t, ts.duplicates.Resolve(accountID, duplicates[0].ID, true))
	transactions, err := ts.reconciler.ListTransactions(accountID)
	require.NoError(t, err)
	assert.Len(t, transactions, 2)

	// A flag resolves exactly once.
	err = ts.duplicates.Resolve(accountID, duplicates[0].ID, true)
	assert.Error(t, err)

	remaining, err := ts.duplicates.ListPotentialDuplicates(accountID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestTenantReadsAreAccountScoped(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	const accountID = "acc-owner"
	const otherAccountID = "acc-intruder"

	job := uploadAndProcess(t, ts, accountID, "jan.xml", camtDoc("100.00", "150.00", "2025-01-05", "50.00"), false)

	// Another tenant cannot see, review, or resolve this account's rows.
	_, err := ts.importer.GetJobStatus(otherAccountID, job.ID)
	assert.True(t, errors.Is(err, models.ErrJobNotFound), "got %v", err)

	err = ts.importer.ReviewJob(otherAccountID, job.ID, models.ReviewConfirmed)
	assert.True(t, errors.Is(err, models.ErrJobNotFound), "got %v", err)

	// The owner's cached view must not leak through a foreign poll either.
	_, err = ts.importer.GetJobStatus(accountID, job.ID)
	require.NoError(t, err)
	_, err = ts.importer.GetJobStatus(otherAccountID, job.ID)
	assert.True(t, errors.Is(err, models.ErrJobNotFound), "got %v", err)

	_, err = ts.sync.IngestFeed(ctx, accountID, []models.TransactionDraft{{
		Date:        time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		Amount:      decimal.RequireFromString("-12.00"),
		Description: "Taxi ride downtown",
	}})
	require.NoError(t, err)
	_, err = ts.sync.IngestFeed(ctx, accountID, []models.TransactionDraft{{
		Date:        time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC),
		Amount:      decimal.RequireFromString("-12.00"),
		Description: "Taxi ride downtowns",
	}})
	require.NoError(t, err)

	duplicates, err := ts.duplicates.ListPotentialDuplicates(accountID)
	require.NoError(t, err)
	require.Len(t, duplicates, 1)

	err = ts.duplicates.Resolve(otherAccountID, duplicates[0].ID, true)
	assert.Error(t, err)

	// The flag is untouched and still resolvable by its owner.
	duplicates, err = ts.duplicates.ListPotentialDuplicates(accountID)
	require.NoError(t, err)
	require.Len(t, duplicates, 1)
	assert.False(t, duplicates[0].Resolved)
	require.NoError(t, ts.duplicates.Resolve(accountID, duplicates[0].ID, false))
}
