// src/handlers/transaction_handler.go
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/username/clearledger/src/logger"
	"github.com/username/clearledger/src/models"
	"github.com/username/clearledger/src/services"
	"github.com/username/clearledger/src/utils"
)

type TransactionHandler struct {
	reconciliationService services.ReconciliationService
	duplicateService      services.DuplicateReviewService
}

func NewTransactionHandler(reconciliation services.ReconciliationService, duplicates services.DuplicateReviewService) *TransactionHandler {
	return &TransactionHandler{
		reconciliationService: reconciliation,
		duplicateService:      duplicates,
	}
}

func (h *TransactionHandler) HandleListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "account ID not found in context", http.StatusBadRequest)
		return
	}

	transactions, err := h.reconciliationService.ListTransactions(accountID)
	if err != nil {
		logger.L.Error("Error listing transactions", "accountID", accountID, "error", err)
		utils.SendJSONError(w, "Error retrieving transactions", http.StatusInternalServerError)
		return
	}
	if transactions == nil {
		transactions = []models.Transaction{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(transactions); err != nil {
		logger.L.Error("Error encoding transactions response", "accountID", accountID, "error", err)
	}
}

type manualMatchRequest struct {
	InvoiceID int64  `json:"invoiceId"`
	MatchedBy string `json:"matchedBy"`
}

func (h *TransactionHandler) HandleManualMatch(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "account ID not found in context", http.StatusBadRequest)
		return
	}
	txID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		utils.SendJSONError(w, "invalid transaction id", http.StatusBadRequest)
		return
	}

	var req manualMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InvoiceID == 0 {
		utils.SendJSONError(w, "invalid request body: invoiceId is required", http.StatusBadRequest)
		return
	}
	if req.MatchedBy == "" {
		req.MatchedBy = accountID
	}

	if err := h.reconciliationService.ManualMatch(accountID, txID, req.InvoiceID, req.MatchedBy); err != nil {
		if errors.Is(err, models.ErrTransactionLocked) {
			utils.SendJSONError(w, err.Error(), http.StatusConflict)
			return
		}
		logger.L.Warn("Manual match rejected", "accountID", accountID, "transactionID", txID, "error", err)
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "matched"})
}

func (h *TransactionHandler) HandleUnmatch(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "account ID not found in context", http.StatusBadRequest)
		return
	}
	txID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		utils.SendJSONError(w, "invalid transaction id", http.StatusBadRequest)
		return
	}

	if err := h.reconciliationService.Unmatch(accountID, txID); err != nil {
		logger.L.Warn("Unmatch rejected", "accountID", accountID, "transactionID", txID, "error", err)
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "unmatched"})
}

func (h *TransactionHandler) HandleListPotentialDuplicates(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "account ID not found in context", http.StatusBadRequest)
		return
	}

	duplicates, err := h.duplicateService.ListPotentialDuplicates(accountID)
	if err != nil {
		logger.L.Error("Error listing potential duplicates", "accountID", accountID, "error", err)
		utils.SendJSONError(w, "Error retrieving potential duplicates", http.StatusInternalServerError)
		return
	}
	if duplicates == nil {
		duplicates = []models.PotentialDuplicate{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(duplicates); err != nil {
		logger.L.Error("Error encoding potential duplicates response", "accountID", accountID, "error", err)
	}
}

type resolveDuplicateRequest struct {
	Keep bool `json:"keep"`
}

func (h *TransactionHandler) HandleResolveDuplicate(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "account ID not found in context", http.StatusBadRequest)
		return
	}
	dupID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		utils.SendJSONError(w, "invalid potential duplicate id", http.StatusBadRequest)
		return
	}

	var req resolveDuplicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.duplicateService.Resolve(accountID, dupID, req.Keep); err != nil {
		logger.L.Warn("Duplicate resolution rejected", "accountID", accountID, "dupID", dupID, "error", err)
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "resolved"})
}
