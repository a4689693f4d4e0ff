// src/services/review_service.go
package services

import (
	"fmt"

	"github.com/username/clearledger/src/database"
	"github.com/username/clearledger/src/logger"
	"github.com/username/clearledger/src/models"
)

type duplicateReviewServiceImpl struct{}

func NewDuplicateReviewService() DuplicateReviewService {
	return &duplicateReviewServiceImpl{}
}

func (s *duplicateReviewServiceImpl) ListPotentialDuplicates(accountID string) ([]models.PotentialDuplicate, error) {
	return fetchPotentialDuplicates(accountID, false)
}

// Resolve closes one fuzzy-duplicate flag. Keeping inserts the held snapshot
// into the ledger as a manual import; discarding just marks the flag.
func (s *duplicateReviewServiceImpl) Resolve(accountID string, dupID int64, keep bool) error {
	dup, err := fetchPotentialDuplicateByID(accountID, dupID)
	if err != nil {
		return err
	}
	if dup.Resolved {
		return fmt.Errorf("potential duplicate %d is already resolved", dupID)
	}

	dbTx, err := database.DB.Begin()
	if err != nil {
		return fmt.Errorf("error beginning duplicate resolution: %w", err)
	}
	defer dbTx.Rollback()

	if keep {
		tx := &models.Transaction{
			AccountID:     dup.AccountID,
			Date:          dup.Date,
			Amount:        dup.Amount,
			Counterparty:  dup.Counterparty,
			Description:   dup.Description,
			BankReference: dup.Reference,
			Source:        models.SourceManualImport,
			MatchStatus:   models.MatchUnmatched,
		}
		if err := insertTransactionTx(dbTx, tx); err != nil {
			return err
		}
	}

	if _, err := dbTx.Exec(`UPDATE potential_duplicates SET resolved = TRUE, kept_on_resolve = ? WHERE id = ?`,
		keep, dupID); err != nil {
		return fmt.Errorf("error resolving potential duplicate %d: %w", dupID, err)
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("error committing duplicate resolution: %w", err)
	}
	logger.L.Info("Potential duplicate resolved", "dupID", dupID, "kept", keep)
	return nil
}
