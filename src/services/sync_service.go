// src/services/sync_service.go
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/username/clearledger/src/logger"
	"github.com/username/clearledger/src/models"
)

// syncServiceImpl ingests provider-pushed transaction feeds. It shares the
// import service's dedup path so a synced transaction and a later file import
// of the same movement collapse into one ledger row.
type syncServiceImpl struct {
	importer   *importServiceImpl
	reconciler ReconciliationService
}

func NewSyncService(importer ImportService, reconciler ReconciliationService) SyncService {
	return &syncServiceImpl{
		importer:   importer.(*importServiceImpl),
		reconciler: reconciler,
	}
}

func (s *syncServiceImpl) IngestFeed(ctx context.Context, accountID string, drafts []models.TransactionDraft) (*ImportResult, error) {
	startTime := time.Now()
	logger.L.Info("IngestFeed START", "accountID", accountID, "drafts", len(drafts))

	for i := range drafts {
		if drafts[i].Date.IsZero() {
			return nil, fmt.Errorf("feed entry %d has no date", i)
		}
		if drafts[i].Amount.IsZero() {
			return nil, fmt.Errorf("feed entry %d has a zero amount", i)
		}
	}

	result, err := s.importer.ingestDrafts(accountID, 0, drafts, models.SourceProviderSync)
	if err != nil {
		return nil, err
	}

	// New credits may pay open invoices; reconcile opportunistically. A
	// failure here does not unwind the ingest.
	if result.TransactionsAdded > 0 {
		if matched, err := s.reconciler.Run(ctx, accountID); err != nil {
			logger.L.Warn("Post-sync reconciliation failed", "accountID", accountID, "error", err)
		} else if matched > 0 {
			logger.L.Info("Post-sync reconciliation matched invoices", "accountID", accountID, "matched", matched)
		}
	}

	logger.L.Info("IngestFeed END", "accountID", accountID,
		"added", result.TransactionsAdded, "strictDuplicates", result.StrictDuplicates,
		"potentialDuplicates", result.PotentialDuplicates, "duration", time.Since(startTime))
	return result, nil
}
