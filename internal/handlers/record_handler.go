package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/common"
	"github.com/ternarybob/marionet/internal/interfaces"
	"github.com/ternarybob/marionet/internal/models"
	"github.com/ternarybob/marionet/internal/services/record"
)

// sessionOpWait bounds how long session control endpoints wait for the queue
// job to take effect before answering with the job id instead.
const sessionOpWait = 15 * time.Second

// RecordHandler serves the live recording session endpoints.
type RecordHandler struct {
	record *record.Service
	pool   interfaces.BrowserPool
	queue  interfaces.Queue
	logger arbor.ILogger
}

func NewRecordHandler(recordSvc *record.Service, pool interfaces.BrowserPool, queue interfaces.Queue, logger arbor.ILogger) *RecordHandler {
	return &RecordHandler{
		record: recordSvc,
		pool:   pool,
		queue:  queue,
		logger: logger,
	}
}

// StartHandler begins (or resumes) a recording session. Waits up to 15s for
// the browser to come up; a slower launch answers 202 with the job id.
func (h *RecordHandler) StartHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	userID, ok := RequireUser(w, r)
	if !ok {
		return
	}

	browserID, reused, err := h.record.ReserveSession(r.Context(), userID)
	if err != nil {
		if errors.Is(err, record.ErrNoCapacity) {
			WriteError(w, http.StatusServiceUnavailable, "no browser capacity available")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if reused {
		WriteJSON(w, http.StatusOK, map[string]string{"browserId": browserID})
		return
	}

	msg, err := models.NewQueueMessage(common.NewJobID(), models.JobTypeInitRecording, models.InitRecordingPayload{
		UserID:    userID,
		BrowserID: browserID,
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to build job")
		return
	}
	jobID, err := h.queue.Send(r.Context(), models.JobTypeInitRecording, msg)
	if err != nil {
		h.pool.DeleteSlot(browserID)
		WriteError(w, http.StatusInternalServerError, "failed to enqueue session start")
		return
	}

	waitCtx, cancel := contextWithTimeout(r, sessionOpWait)
	defer cancel()
	if _, err := h.pool.AwaitReady(waitCtx, browserID); err != nil {
		// Still launching; the client polls /record/active or connects the
		// session socket which delivers frames once ready
		WriteJSON(w, http.StatusAccepted, map[string]string{
			"browserId": browserID,
			"jobId":     jobID,
		})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"browserId": browserID})
}

// StopHandler tears down a recording session via the destroy-browser queue.
func (h *RecordHandler) StopHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if _, ok := RequireUser(w, r); !ok {
		return
	}
	browserID := PathSuffix(r, "/record/stop/")
	if browserID == "" {
		WriteError(w, http.StatusBadRequest, "browser id is required")
		return
	}

	msg, err := models.NewQueueMessage(common.NewJobID(), models.JobTypeDestroyBrowser, models.DestroyBrowserPayload{
		BrowserID: browserID,
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to build job")
		return
	}
	jobID, err := h.queue.Send(r.Context(), models.JobTypeDestroyBrowser, msg)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to enqueue session stop")
		return
	}

	deadline := time.Now().Add(sessionOpWait)
	for time.Now().Before(deadline) {
		if !h.record.HasSlot(browserID) {
			WriteJSON(w, http.StatusOK, true)
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

// ActiveHandler returns the user's live recording browser id, or null.
func (h *RecordHandler) ActiveHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	userID, ok := RequireUser(w, r)
	if !ok {
		return
	}
	if browserID, ok := h.record.ActiveSession(userID); ok {
		WriteJSON(w, http.StatusOK, map[string]string{"browserId": browserID})
		return
	}
	WriteJSON(w, http.StatusOK, nil)
}

// ActiveURLHandler returns the current page URL of the live session.
func (h *RecordHandler) ActiveURLHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := h.activeSession(w, r)
	if !ok {
		return
	}
	url, err := session.CurrentURL(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, url)
}

// ActiveTabsHandler returns the hostnames of the live session's open tabs.
func (h *RecordHandler) ActiveTabsHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := h.activeSession(w, r)
	if !ok {
		return
	}
	hosts, err := session.TabHosts(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, hosts)
}

// InterpretHandler starts interpretation of the submitted draft workflow
// against the live session.
func (h *RecordHandler) InterpretHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := RequireUser(w, r)
	if !ok {
		return
	}
	browserID, ok := h.record.ActiveSession(userID)
	if !ok {
		WriteError(w, http.StatusNotFound, "no active recording session")
		return
	}

	var body struct {
		Workflow []models.WorkflowStep  `json:"workflow"`
		Settings map[string]interface{} `json:"settings"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	msg, err := models.NewQueueMessage(common.NewJobID(), models.JobTypeInterpret, models.InterpretPayload{
		UserID:    userID,
		BrowserID: browserID,
		Workflow:  body.Workflow,
		Settings:  body.Settings,
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to build job")
		return
	}
	if _, err := h.queue.Send(r.Context(), models.JobTypeInterpret, msg); err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to enqueue interpretation")
		return
	}
	WriteJSON(w, http.StatusOK, "interpretation started")
}

// InterpretStopHandler stops the in-flight live interpretation.
func (h *RecordHandler) InterpretStopHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := RequireUser(w, r)
	if !ok {
		return
	}
	browserID, ok := h.record.ActiveSession(userID)
	if !ok {
		WriteError(w, http.StatusNotFound, "no active recording session")
		return
	}

	msg, err := models.NewQueueMessage(common.NewJobID(), models.JobTypeStopInterpret, models.InterpretPayload{
		UserID:    userID,
		BrowserID: browserID,
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to build job")
		return
	}
	if _, err := h.queue.Send(r.Context(), models.JobTypeStopInterpret, msg); err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to enqueue stop")
		return
	}
	WriteJSON(w, http.StatusOK, "interpretation stopped")
}

func (h *RecordHandler) activeSession(w http.ResponseWriter, r *http.Request) (interfaces.BrowserSession, bool) {
	if !RequireMethod(w, r, http.MethodGet) {
		return nil, false
	}
	userID, ok := RequireUser(w, r)
	if !ok {
		return nil, false
	}
	browserID, ok := h.record.ActiveSession(userID)
	if !ok {
		WriteError(w, http.StatusNotFound, "no active recording session")
		return nil, false
	}
	session, err := h.record.Session(browserID)
	if err != nil {
		WriteError(w, http.StatusConflict, err.Error())
		return nil, false
	}
	return session, true
}
