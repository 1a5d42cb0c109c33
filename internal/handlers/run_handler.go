package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/services/orchestrator"
)

// RunHandler exposes run control: trigger, status, stop, and force-clear.
type RunHandler struct {
	orch   *orchestrator.Orchestrator
	logger arbor.ILogger
}

// NewRunHandler creates a run control handler.
func NewRunHandler(orch *orchestrator.Orchestrator, logger arbor.ILogger) *RunHandler {
	return &RunHandler{orch: orch, logger: logger}
}

// TriggerHandler starts a run in the background. POST /api/runs.
// Returns 409 when a run is already active.
func (h *RunHandler) TriggerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.orch.Running() {
		writeError(w, http.StatusConflict, "a run is already in progress")
		return
	}

	go func() {
		report, err := h.orch.Run(context.Background())
		if err != nil {
			if errors.Is(err, orchestrator.ErrRunInProgress) {
				return
			}
			h.logger.Error().Err(err).Msg("Triggered run failed")
			return
		}
		h.logger.Info().
			Str("session_id", report.SessionID).
			Int("completed", report.Completed).
			Msg("Triggered run finished")
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// StatusHandler reports the current run view. GET /api/runs/status.
func (h *RunHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.orch.Status())
}

// StopHandler requests a graceful stop of the active run. POST
// /api/runs/stop. The run finishes its in-flight batch, checkpoints, and
// keeps state for resume.
func (h *RunHandler) StopHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.orch.Running() {
		writeError(w, http.StatusConflict, "no run in progress")
		return
	}

	h.orch.RequestStop()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// ClearHandler force-clears a stuck run's state and ledger. POST
// /api/runs/clear. Refused while a run is active.
func (h *RunHandler) ClearHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.orch.ClearRun(r.Context()); err != nil {
		if errors.Is(err, orchestrator.ErrRunInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error().Err(err).Msg("Failed to clear run state")
		writeError(w, http.StatusInternalServerError, "failed to clear run state")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
