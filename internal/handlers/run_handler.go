package handlers

import (
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/interfaces"
	"github.com/ternarybob/marionet/internal/models"
	"github.com/ternarybob/marionet/internal/services/runs"
)

// RunHandler serves run admission, abort, and retrieval.
type RunHandler struct {
	runs   *runs.Service
	logger arbor.ILogger
}

func NewRunHandler(runsSvc *runs.Service, logger arbor.ILogger) *RunHandler {
	return &RunHandler{runs: runsSvc, logger: logger}
}

// CreateHandler admits a run for a robot: PUT /storage/runs/:robotId.
// Body optionally carries interpreter settings.
func (h *RunHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPut) {
		return
	}
	userID, ok := RequireUser(w, r)
	if !ok {
		return
	}
	robotID := PathSuffix(r, "/storage/runs/")
	if robotID == "" {
		WriteError(w, http.StatusBadRequest, "robot id is required")
		return
	}

	// The body is the interpreter settings object; an empty body means robot
	// defaults.
	var settings map[string]interface{}
	if r.ContentLength != 0 {
		if !DecodeJSON(w, r, &settings) {
			return
		}
	}

	run, err := h.runs.StartRun(r.Context(), userID, robotID, models.RunByUser, "", settings)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "robot not found")
			return
		}
		h.logger.Error().Err(err).Str("robot_id", robotID).Msg("Failed to start run")
		WriteError(w, http.StatusServiceUnavailable, "failed to start run")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"runId":       run.RunID,
		"robotMetaId": run.RobotMetaID,
		"browserId":   run.BrowserID,
		"queued":      run.BrowserID == "",
	})
}

// AbortHandler aborts a run: POST /storage/runs/abort/:runId.
func (h *RunHandler) AbortHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	userID, ok := RequireUser(w, r)
	if !ok {
		return
	}
	runID := PathSuffix(r, "/storage/runs/abort/")
	if runID == "" {
		WriteError(w, http.StatusBadRequest, "run id is required")
		return
	}

	run, err := h.runs.AbortRun(r.Context(), userID, runID)
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrNotFound):
			WriteError(w, http.StatusNotFound, "run not found")
		case errors.Is(err, runs.ErrRunAlreadyFinished):
			WriteError(w, http.StatusBadRequest, "run already finished")
		default:
			h.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to abort run")
			WriteError(w, http.StatusInternalServerError, "failed to abort run")
		}
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"isQueued": run.Status == models.RunStatusAborted && run.StartedAt.IsZero(),
	})
}

// GetHandler returns one run scoped to its owner: GET /storage/runs/run/:runId.
func (h *RunHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	userID, ok := RequireUser(w, r)
	if !ok {
		return
	}
	runID := PathSuffix(r, "/storage/runs/run/")
	if runID == "" {
		WriteError(w, http.StatusBadRequest, "run id is required")
		return
	}

	run, err := h.runs.GetRun(r.Context(), userID, runID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "run not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

// ListHandler enumerates the user's runs: GET /storage/runs.
func (h *RunHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	userID, ok := RequireUser(w, r)
	if !ok {
		return
	}

	list, err := h.runs.ListRuns(r.Context(), userID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	WriteJSON(w, http.StatusOK, list)
}
