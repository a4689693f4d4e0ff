// src/handlers/import_handler.go
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/username/clearledger/src/config"
	"github.com/username/clearledger/src/logger"
	"github.com/username/clearledger/src/models"
	"github.com/username/clearledger/src/security/validation"
	"github.com/username/clearledger/src/services"
	"github.com/username/clearledger/src/utils"
)

type ImportHandler struct {
	importService services.ImportService
}

func NewImportHandler(service services.ImportService) *ImportHandler {
	return &ImportHandler{importService: service}
}

// HandleUpload accepts a statement file and answers 202 with the created
// job. ?overwrite=true re-imports content already seen for the account.
func (h *ImportHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "account ID not found in context", http.StatusBadRequest)
		return
	}

	if err := r.ParseMultipartForm(config.Cfg.MaxUploadSizeBytes); err != nil {
		logger.L.Warn("Failed to parse multipart form or request too large", "accountID", accountID, "error", err, "limit", config.Cfg.MaxUploadSizeBytes)
		utils.SendJSONError(w, fmt.Sprintf("Failed to parse form or request too large (max %d MB)", config.Cfg.MaxUploadSizeBytes/(1024*1024)), http.StatusBadRequest)
		return
	}

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		logger.L.Warn("Failed to retrieve file from request", "accountID", accountID, "error", err)
		utils.SendJSONError(w, "Failed to retrieve file from request. Ensure 'file' field is used.", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if fileHeader.Size > config.Cfg.MaxUploadSizeBytes {
		logger.L.Warn("Uploaded file header reports size too large", "accountID", accountID, "fileSize", fileHeader.Size, "limit", config.Cfg.MaxUploadSizeBytes)
		utils.SendJSONError(w, fmt.Sprintf("File too large, max %d MB", config.Cfg.MaxUploadSizeBytes/(1024*1024)), http.StatusRequestEntityTooLarge)
		return
	}

	clientContentType := fileHeader.Header.Get("Content-Type")
	if err := validation.ValidateClientContentType(clientContentType); err != nil {
		logger.L.Warn("Invalid client-declared file type", "accountID", accountID, "contentType", clientContentType, "error", err)
		utils.SendJSONError(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}

	detectedContentType, err := validation.ValidateFileContentByMagicBytes(file)
	if err != nil {
		logger.L.Warn("Server-side file content validation failed", "accountID", accountID, "filename", fileHeader.Filename, "error", err)
		utils.SendJSONError(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}
	logger.L.Info("File content validated by magic bytes", "accountID", accountID, "filename", fileHeader.Filename, "clientType", clientContentType, "detectedType", detectedContentType)

	overwrite := r.URL.Query().Get("overwrite") == "true"
	receipt, err := h.importService.HandleUpload(r.Context(), accountID, fileHeader.Filename, file, overwrite)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrDuplicateUpload):
			utils.SendJSONError(w, fmt.Sprintf("This file was already imported: %v. Use ?overwrite=true to replace it.", err), http.StatusConflict)
		case errors.Is(err, models.ErrOversizedFile):
			utils.SendJSONError(w, err.Error(), http.StatusRequestEntityTooLarge)
		case errors.Is(err, models.ErrUnsupportedFormat):
			utils.SendJSONError(w, err.Error(), http.StatusUnsupportedMediaType)
		case errors.Is(err, models.ErrStatementLocked):
			utils.SendJSONError(w, err.Error(), http.StatusLocked)
		default:
			logger.L.Error("Internal error processing upload", "accountID", accountID, "filename", fileHeader.Filename, "error", err)
			utils.SendJSONError(w, "An internal error occurred while processing the file. Please try again later.", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(receipt); err != nil {
		logger.L.Error("Error encoding JSON response for upload receipt", "accountID", accountID, "error", err)
	}
}

// HandleGetJobStatus serves the pollable job view with ETag support so idle
// polls cost a 304.
func (h *ImportHandler) HandleGetJobStatus(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "account ID not found in context", http.StatusBadRequest)
		return
	}
	jobID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		utils.SendJSONError(w, "invalid job id", http.StatusBadRequest)
		return
	}

	view, err := h.importService.GetJobStatus(accountID, jobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			utils.SendJSONError(w, err.Error(), http.StatusNotFound)
			return
		}
		logger.L.Error("Error retrieving job status", "jobID", jobID, "error", err)
		utils.SendJSONError(w, "Error retrieving job status", http.StatusInternalServerError)
		return
	}

	currentETag, etagErr := utils.GenerateETag(view)
	w.Header().Set("Cache-Control", "no-cache, private")
	if etagErr == nil && currentETag != "" {
		quotedETag := fmt.Sprintf("\"%s\"", currentETag)
		w.Header().Set("ETag", quotedETag)
		for _, clientETag := range strings.Split(r.Header.Get("If-None-Match"), ",") {
			if strings.TrimSpace(clientETag) == quotedETag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		logger.L.Error("Error encoding job status response", "jobID", jobID, "error", err)
	}
}

type reviewRequest struct {
	Decision models.ReviewDecision `json:"decision"`
}

// HandleReviewJob records the user's CONFIRMED/REJECTED decision on a job
// that needs review.
func (h *ImportHandler) HandleReviewJob(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "account ID not found in context", http.StatusBadRequest)
		return
	}
	jobID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		utils.SendJSONError(w, "invalid job id", http.StatusBadRequest)
		return
	}

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.importService.ReviewJob(accountID, jobID, req.Decision); err != nil {
		switch {
		case errors.Is(err, models.ErrJobNotFound):
			utils.SendJSONError(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, models.ErrInvalidTransition):
			utils.SendJSONError(w, err.Error(), http.StatusConflict)
		default:
			utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleListStatements returns the account's statement chain in sequence
// order, gaps flagged.
func (h *ImportHandler) HandleListStatements(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "account ID not found in context", http.StatusBadRequest)
		return
	}

	statements, err := h.importService.ListStatements(accountID)
	if err != nil {
		logger.L.Error("Error listing statements", "accountID", accountID, "error", err)
		utils.SendJSONError(w, "Error retrieving statements", http.StatusInternalServerError)
		return
	}
	if statements == nil {
		statements = []models.Statement{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statements); err != nil {
		logger.L.Error("Error encoding statements response", "accountID", accountID, "error", err)
	}
}
