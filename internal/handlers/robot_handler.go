package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/common"
	"github.com/ternarybob/marionet/internal/interfaces"
	"github.com/ternarybob/marionet/internal/models"
)

var validate = validator.New()

// robotRequest is the create/update body for a recording.
type robotRequest struct {
	Name         string                     `json:"name" validate:"required"`
	Type         models.RecordingType       `json:"type" validate:"required,oneof=scrape workflow"`
	TargetURL    string                     `json:"targetUrl" validate:"omitempty,url"`
	Formats      []string                   `json:"formats"`
	Workflow     []models.WorkflowStep      `json:"workflow"`
	Integrations models.IntegrationSettings `json:"integrations"`
}

// RobotHandler serves recording (robot) CRUD plus per-robot run history.
type RobotHandler struct {
	robots interfaces.RobotStorage
	runs   interfaces.RunStorage
	clock  common.Clock
	logger arbor.ILogger
}

func NewRobotHandler(robots interfaces.RobotStorage, runStorage interfaces.RunStorage, clock common.Clock, logger arbor.ILogger) *RobotHandler {
	if clock == nil {
		clock = common.SystemClock{}
	}
	return &RobotHandler{robots: robots, runs: runStorage, clock: clock, logger: logger}
}

// RecordingsHandler routes /storage/recordings, /storage/recordings/:id and
// /storage/recordings/:id/runs.
func (h *RobotHandler) RecordingsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := RequireUser(w, r)
	if !ok {
		return
	}

	rest := PathSuffix(r, "/storage/recordings")
	switch {
	case rest == "":
		switch r.Method {
		case http.MethodGet:
			h.list(w, r, userID)
		case http.MethodPost:
			h.create(w, r, userID)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	case strings.HasSuffix(rest, "/runs"):
		if !RequireMethod(w, r, http.MethodGet) {
			return
		}
		h.listRuns(w, r, userID, strings.TrimSuffix(rest, "/runs"))
	default:
		switch r.Method {
		case http.MethodGet:
			h.get(w, r, userID, rest)
		case http.MethodPut:
			h.update(w, r, userID, rest)
		case http.MethodDelete:
			h.delete(w, r, userID, rest)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func (h *RobotHandler) list(w http.ResponseWriter, r *http.Request, userID string) {
	robots, err := h.robots.ListRobots(r.Context(), userID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list recordings")
		return
	}
	WriteJSON(w, http.StatusOK, robots)
}

func (h *RobotHandler) get(w http.ResponseWriter, r *http.Request, userID, robotID string) {
	robot, ok := h.ownedRobot(w, r, userID, robotID)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, robot)
}

func (h *RobotHandler) create(w http.ResponseWriter, r *http.Request, userID string) {
	var req robotRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if err := validate.Struct(req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := h.clock.Now()
	robot := &models.Robot{
		RobotID: common.NewRunID(),
		UserID:  userID,
		RecordingMeta: models.RecordingMeta{
			ID:        common.NewJobID(),
			Name:      req.Name,
			Type:      req.Type,
			TargetURL: req.TargetURL,
			Formats:   req.Formats,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Workflow:     req.Workflow,
		Integrations: req.Integrations,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.robots.SaveRobot(r.Context(), robot); err != nil {
		h.logger.Error().Err(err).Msg("Failed to create recording")
		WriteError(w, http.StatusInternalServerError, "failed to create recording")
		return
	}
	WriteJSON(w, http.StatusCreated, robot)
}

func (h *RobotHandler) update(w http.ResponseWriter, r *http.Request, userID, robotID string) {
	robot, ok := h.ownedRobot(w, r, userID, robotID)
	if !ok {
		return
	}

	var req robotRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if err := validate.Struct(req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := h.clock.Now()
	robot.RecordingMeta.Name = req.Name
	robot.RecordingMeta.Type = req.Type
	robot.RecordingMeta.TargetURL = req.TargetURL
	robot.RecordingMeta.Formats = req.Formats
	robot.RecordingMeta.UpdatedAt = now
	robot.Workflow = req.Workflow
	robot.Integrations = req.Integrations
	robot.UpdatedAt = now

	if err := h.robots.SaveRobot(r.Context(), robot); err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to update recording")
		return
	}
	WriteJSON(w, http.StatusOK, robot)
}

func (h *RobotHandler) delete(w http.ResponseWriter, r *http.Request, userID, robotID string) {
	if _, ok := h.ownedRobot(w, r, userID, robotID); !ok {
		return
	}
	if err := h.robots.DeleteRobot(r.Context(), robotID); err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to delete recording")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *RobotHandler) listRuns(w http.ResponseWriter, r *http.Request, userID, robotID string) {
	if _, ok := h.ownedRobot(w, r, userID, robotID); !ok {
		return
	}
	list, err := h.runs.ListRunsByRobot(r.Context(), robotID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	WriteJSON(w, http.StatusOK, list)
}

func (h *RobotHandler) ownedRobot(w http.ResponseWriter, r *http.Request, userID, robotID string) (*models.Robot, bool) {
	robot, err := h.robots.GetRobot(r.Context(), robotID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "recording not found")
		} else {
			WriteError(w, http.StatusInternalServerError, "failed to load recording")
		}
		return nil, false
	}
	if robot.UserID != userID {
		WriteError(w, http.StatusNotFound, "recording not found")
		return nil, false
	}
	return robot, true
}
