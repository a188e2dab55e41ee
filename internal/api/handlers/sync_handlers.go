// Package handlers implements the HTTP surface of the Server Protocol
// Handler (spec.md §6): thin JSON-in/JSON-out wrappers around
// internal/protocol.Server.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bintlabs/go-sync-db/internal/api/middleware"
	"github.com/bintlabs/go-sync-db/internal/protocol"
	"github.com/bintlabs/go-sync-db/internal/syncerr"
	"github.com/bintlabs/go-sync-db/internal/syncmsg"
)

var errMissingType = errors.New("missing required query parameter: type")

// SyncHandlers binds the spec.md §6 endpoints (register, push, pull,
// repair, and the optional query) to a protocol.Server.
// Watch, if set, is notified of every version a push assigns — the
// additive /watch enrichment of SPEC_FULL.md §4.18.
type SyncHandlers struct {
	Server *protocol.Server
	Logger *slog.Logger
	Watch  *WatchHub
}

func NewSyncHandlers(server *protocol.Server, logger *slog.Logger) *SyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncHandlers{Server: server, Logger: logger, Watch: NewWatchHub(logger)}
}

type registerRequest struct {
	Name string `json:"name"`
}

// Register handles POST /register.
func (h *SyncHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err, nil)
			return
		}
	}
	creds, err := h.Server.Register(r.Context(), req.Name)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, syncmsg.RegisterResponse{NodeID: creds.NodeID, Secret: creds.Secret})
}

// Push handles POST /push.
func (h *SyncHandlers) Push(w http.ResponseWriter, r *http.Request) {
	var msg syncmsg.PushMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err, nil)
		return
	}

	latest, err := h.Server.Push(r.Context(), msg)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}
	if h.Watch != nil {
		h.Watch.Notify(latest)
	}
	writeJSON(w, http.StatusOK, syncmsg.PushAccepted{LatestVersion: latest})
}

// Pull handles POST /pull.
func (h *SyncHandlers) Pull(w http.ResponseWriter, r *http.Request) {
	var req syncmsg.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err, nil)
		return
	}

	msg, err := h.Server.Pull(r.Context(), req)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// Repair handles GET /repair.
func (h *SyncHandlers) Repair(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Server.Repair(r.Context())
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Query handles the optional GET /query?type=<content_type> read endpoint
// (spec.md §6): a convenience for operators, never consulted by
// push/pull/merge.
func (h *SyncHandlers) Query(w http.ResponseWriter, r *http.Request) {
	contentType := r.URL.Query().Get("type")
	if contentType == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", errMissingType, nil)
		return
	}
	rows, err := h.Server.Query(r.Context(), contentType)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content_type": contentType, "rows": rows})
}

func (h *SyncHandlers) writeServerError(w http.ResponseWriter, r *http.Request, err error) {
	kind := syncerr.Classify(err)
	h.Logger.Warn("sync request failed", "kind", kind, "error", err)
	writeError(w, r, kind.HTTPStatus(), string(kind), err, errorDetails(kind, err))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code string, err error, details any) {
	requestID := middleware.GetRequestID(r.Context())
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":       code,
			"message":    err.Error(),
			"request_id": requestID,
			"details":    details,
		},
	})
}

// errorDetails surfaces the structured fields a caller needs to rebuild
// the typed syncerr value client-side (internal/syncclient's HTTPTransport
// reconstructs *syncerr.PushRejected / *syncerr.UniqueConstraintError from
// these rather than from the free-text message alone).
func errorDetails(kind syncerr.Kind, err error) any {
	switch kind {
	case syncerr.KindPushRejected:
		var rejected *syncerr.PushRejected
		if errors.As(err, &rejected) {
			return map[string]any{
				"client_version": rejected.ClientVersion,
				"server_version": rejected.ServerVersion,
			}
		}
	case syncerr.KindUniqueConstraint:
		var unique *syncerr.UniqueConstraintError
		if errors.As(err, &unique) {
			return map[string]any{"entries": unique.Entries}
		}
	case syncerr.KindChecksumMismatch:
		var checksum *syncerr.ChecksumMismatch
		if errors.As(err, &checksum) {
			return map[string]any{"expected": checksum.Expected, "actual": checksum.Actual}
		}
	}
	return nil
}
