// src/handlers/reconciliation_handler.go
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/username/clearledger/src/logger"
	"github.com/username/clearledger/src/models"
	"github.com/username/clearledger/src/services"
	"github.com/username/clearledger/src/utils"
)

type ReconciliationHandler struct {
	reconciliationService services.ReconciliationService
}

func NewReconciliationHandler(service services.ReconciliationService) *ReconciliationHandler {
	return &ReconciliationHandler{reconciliationService: service}
}

// HandleRunReconciliation triggers one matching pass for the account.
func (h *ReconciliationHandler) HandleRunReconciliation(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "account ID not found in context", http.StatusBadRequest)
		return
	}

	matched, err := h.reconciliationService.Run(r.Context(), accountID)
	if err != nil {
		logger.L.Error("Reconciliation run failed", "accountID", accountID, "error", err)
		utils.SendJSONError(w, "Reconciliation run failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"matched": matched})
}

func (h *ReconciliationHandler) HandleRegisterInvoice(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "account ID not found in context", http.StatusBadRequest)
		return
	}

	var inv models.Invoice
	if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
		utils.SendJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	inv.AccountID = accountID

	if err := h.reconciliationService.RegisterInvoice(&inv); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique constraint failed") {
			utils.SendJSONError(w, "invoice number already registered for this account", http.StatusConflict)
			return
		}
		logger.L.Warn("Invoice registration rejected", "accountID", accountID, "error", err)
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(inv)
}

func (h *ReconciliationHandler) HandleListInvoices(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "account ID not found in context", http.StatusBadRequest)
		return
	}

	unpaidOnly := r.URL.Query().Get("unpaid") == "true"
	invoices, err := h.reconciliationService.ListInvoices(accountID, unpaidOnly)
	if err != nil {
		logger.L.Error("Error listing invoices", "accountID", accountID, "error", err)
		utils.SendJSONError(w, "Error retrieving invoices", http.StatusInternalServerError)
		return
	}
	if invoices == nil {
		invoices = []models.Invoice{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(invoices); err != nil {
		logger.L.Error("Error encoding invoices response", "accountID", accountID, "error", err)
	}
}
