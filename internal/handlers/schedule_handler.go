package handlers

import (
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/interfaces"
	"github.com/ternarybob/marionet/internal/models"
)

// ScheduleHandler serves /storage/schedule/:robotId.
type ScheduleHandler struct {
	scheduler interfaces.SchedulerService
	robots    interfaces.RobotStorage
	logger    arbor.ILogger
}

func NewScheduleHandler(scheduler interfaces.SchedulerService, robots interfaces.RobotStorage, logger arbor.ILogger) *ScheduleHandler {
	return &ScheduleHandler{scheduler: scheduler, robots: robots, logger: logger}
}

func (h *ScheduleHandler) Handler(w http.ResponseWriter, r *http.Request) {
	userID, ok := RequireUser(w, r)
	if !ok {
		return
	}
	robotID := PathSuffix(r, "/storage/schedule/")
	if robotID == "" {
		WriteError(w, http.StatusBadRequest, "robot id is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.get(w, r, userID, robotID)
	case http.MethodPut:
		h.put(w, r, userID, robotID)
	case http.MethodDelete:
		h.delete(w, r, userID, robotID)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *ScheduleHandler) get(w http.ResponseWriter, r *http.Request, userID, robotID string) {
	if !h.owned(w, r, userID, robotID) {
		return
	}
	schedule, err := h.scheduler.GetSchedule(r.Context(), robotID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load schedule")
		return
	}
	WriteJSON(w, http.StatusOK, schedule)
}

func (h *ScheduleHandler) put(w http.ResponseWriter, r *http.Request, userID, robotID string) {
	var form models.Schedule
	if !DecodeJSON(w, r, &form) {
		return
	}

	schedule, err := h.scheduler.ScheduleWorkflow(r.Context(), robotID, userID, form)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "recording not found")
			return
		}
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	robot, err := h.robots.GetRobot(r.Context(), robotID)
	if err != nil {
		WriteJSON(w, http.StatusOK, schedule)
		return
	}
	WriteJSON(w, http.StatusOK, robot)
}

func (h *ScheduleHandler) delete(w http.ResponseWriter, r *http.Request, userID, robotID string) {
	if !h.owned(w, r, userID, robotID) {
		return
	}
	if err := h.scheduler.CancelScheduledWorkflow(r.Context(), robotID); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "recording not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "failed to cancel schedule")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *ScheduleHandler) owned(w http.ResponseWriter, r *http.Request, userID, robotID string) bool {
	robot, err := h.robots.GetRobot(r.Context(), robotID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "recording not found")
		} else {
			WriteError(w, http.StatusInternalServerError, "failed to load recording")
		}
		return false
	}
	if robot.UserID != userID {
		WriteError(w, http.StatusNotFound, "recording not found")
		return false
	}
	return true
}
