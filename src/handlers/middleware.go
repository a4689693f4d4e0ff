package handlers

import (
	"context"
	"net/http"

	"github.com/username/clearledger/src/logger"
	"github.com/username/clearledger/src/utils"
)

type contextKey string

const accountIDContextKey = contextKey("accountID")

// AccountMiddleware resolves the acting account from the X-Account-ID header.
// Authentication is delegated to the gateway in front of this service; the
// header is trusted here.
func AccountMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID := r.Header.Get("X-Account-ID")
		if accountID == "" {
			logger.L.Debug("AccountMiddleware: X-Account-ID header missing", "path", r.URL.Path)
			utils.SendJSONError(w, "X-Account-ID header required", http.StatusBadRequest)
			return
		}
		ctx := context.WithValue(r.Context(), accountIDContextKey, accountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAccountIDFromContext retrieves the account id placed by AccountMiddleware.
func GetAccountIDFromContext(ctx context.Context) (string, bool) {
	accountID, ok := ctx.Value(accountIDContextKey).(string)
	return accountID, ok && accountID != ""
}
