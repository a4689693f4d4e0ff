// src/handlers/sync_handler.go
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/username/clearledger/src/logger"
	"github.com/username/clearledger/src/models"
	"github.com/username/clearledger/src/services"
	"github.com/username/clearledger/src/utils"
)

type SyncHandler struct {
	syncService services.SyncService
}

func NewSyncHandler(service services.SyncService) *SyncHandler {
	return &SyncHandler{syncService: service}
}

// HandleSyncFeed ingests a batch of provider-pushed transactions. The batch
// is deduplicated against the ledger; the response reports what happened to
// each bucket.
func (h *SyncHandler) HandleSyncFeed(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "account ID not found in context", http.StatusBadRequest)
		return
	}

	var drafts []models.TransactionDraft
	if err := json.NewDecoder(r.Body).Decode(&drafts); err != nil {
		utils.SendJSONError(w, "invalid request body: expected an array of transactions", http.StatusBadRequest)
		return
	}
	if len(drafts) == 0 {
		utils.SendJSONError(w, "feed batch is empty", http.StatusBadRequest)
		return
	}

	result, err := h.syncService.IngestFeed(r.Context(), accountID, drafts)
	if err != nil {
		logger.L.Warn("Sync feed rejected", "accountID", accountID, "error", err)
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		logger.L.Error("Error encoding sync feed response", "accountID", accountID, "error", err)
	}
}
