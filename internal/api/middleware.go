package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gorm.io/gorm"

	"github.com/rankwell/rankwell/internal/db"
	"github.com/rankwell/rankwell/internal/logging"
)

// RequestLogger attaches a per-request logger (with a request ID) to the
// context and logs the request at debug level.
func RequestLogger(logger *log.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = logging.GenerateRequestID()
			}

			reqLogger := logger
			if reqLogger == nil {
				reqLogger = logging.FromContext(r.Context())
			}
			reqLogger = reqLogger.With("request_id", requestID)

			ctx := logging.WithRequestID(r.Context(), requestID)
			ctx = logging.WithLogger(ctx, reqLogger)

			start := time.Now()
			next.ServeHTTP(w, r.WithContext(ctx))
			reqLogger.Debug("request handled",
				"method", r.Method,
				"path", r.URL.Path,
				"duration", time.Since(start))
		})
	}
}

// APIKeyAuth validates the agent API key on the /api group. No key in the
// settings table means the local API is open (first-run scenario).
func APIKeyAuth(database *gorm.DB) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if database == nil {
				next.ServeHTTP(w, r)
				return
			}
			expectedKey := db.GetAPIKey(database)
			if expectedKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			if authHeader := r.Header.Get("Authorization"); authHeader != "" {
				if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok && token == expectedKey {
					next.ServeHTTP(w, r)
					return
				}
			}
			if r.Header.Get("x-api-key") == expectedKey {
				next.ServeHTTP(w, r)
				return
			}

			writeError(w, http.StatusUnauthorized, "authentication_error", "Invalid API key")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"message": message,
			"type":    errType,
		},
	})
}
