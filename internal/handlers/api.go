package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
)

// APIHandler serves the system endpoints: health and version.
type APIHandler struct {
	remote interfaces.RemoteStore
	logger arbor.ILogger
}

// NewAPIHandler creates the system endpoint handler.
func NewAPIHandler(remote interfaces.RemoteStore, logger arbor.ILogger) *APIHandler {
	return &APIHandler{remote: remote, logger: logger}
}

// HealthHandler reports process liveness and remote store reachability. The
// process is healthy even when the remote is down; the probe just says so.
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	remoteStatus := "ok"
	if err := h.remote.Health(r.Context()); err != nil {
		remoteStatus = "unreachable"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"remote":  remoteStatus,
		"version": common.GetVersion(),
	})
}

// VersionHandler reports build information.
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetFullVersion(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
