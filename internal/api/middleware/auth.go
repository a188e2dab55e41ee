package middleware

import (
	"encoding/json"
	"net/http"
)

// NodeContextKey is the context key for a claimed node id (the node id lives
// inside the signed JSON payload, not a header — see internal/syncmsg.Verify).
// The rate limiter's getClientID prefers it when present; nothing in this
// module stores a value under it, so rate limiting falls back to the client
// IP.
const NodeContextKey contextKey = "node_id"

// writeUnauthorized writes a 401 response in the same envelope shape the
// rest of the API uses.
func writeUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	requestID := GetRequestID(r.Context())
	errorResponse := map[string]interface{}{
		"error": map[string]interface{}{
			"code":       "AUTHENTICATION_ERROR",
			"message":    message,
			"request_id": requestID,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(errorResponse)
}

// writeForbidden writes a 403 response in the same envelope shape the rest
// of the API uses.
func writeForbidden(w http.ResponseWriter, r *http.Request, message string) {
	requestID := GetRequestID(r.Context())
	errorResponse := map[string]interface{}{
		"error": map[string]interface{}{
			"code":       "AUTHORIZATION_ERROR",
			"message":    message,
			"request_id": requestID,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(errorResponse)
}
