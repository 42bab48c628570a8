package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoMessage is returned when the queue is empty
var ErrNoMessage = errors.New("no messages in queue")

// JobState is the observable state of a queue job.
type JobState string

const (
	JobStateCreated   JobState = "created"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Job type names used for executor routing.
const (
	JobTypeExecuteRun     = "execute-run"
	JobTypeAbortRun       = "abort-run"
	JobTypeInitRecording  = "initialize-browser-recording"
	JobTypeDestroyBrowser = "destroy-browser"
	JobTypeInterpret      = "interpret-workflow"
	JobTypeStopInterpret  = "stop-interpretation"
	JobTypeScheduledRun   = "scheduled-run"
)

// QueueMessage is the structure stored in the queue.
// Keep it simple - just enough to route the job.
type QueueMessage struct {
	JobID   string          `json:"job_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ExecuteRunPayload drives a run execution job.
type ExecuteRunPayload struct {
	UserID    string `json:"userId"`
	RunID     string `json:"runId"`
	BrowserID string `json:"browserId"`
}

// AbortRunPayload drives an abort job.
type AbortRunPayload struct {
	UserID string `json:"userId"`
	RunID  string `json:"runId"`
}

// InitRecordingPayload requests a recording browser session.
type InitRecordingPayload struct {
	UserID    string `json:"userId"`
	BrowserID string `json:"browserId"`
}

// DestroyBrowserPayload requests slot teardown.
type DestroyBrowserPayload struct {
	BrowserID string `json:"browserId"`
}

// InterpretPayload starts interpretation of the current recording session.
type InterpretPayload struct {
	UserID    string                 `json:"userId"`
	BrowserID string                 `json:"browserId"`
	Workflow  []WorkflowStep         `json:"workflow"`
	Settings  map[string]interface{} `json:"settings,omitempty"`
}

// ScheduledRunPayload is enqueued by a schedule-<robotId> cron entry.
type ScheduledRunPayload struct {
	RobotID    string `json:"robotId"`
	UserID     string `json:"userId"`
	ScheduleID string `json:"scheduleId"`
}

// NewQueueMessage builds a message with a marshaled payload.
func NewQueueMessage(jobID, jobType string, payload interface{}) (QueueMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return QueueMessage{}, fmt.Errorf("failed to marshal %s payload: %w", jobType, err)
	}
	return QueueMessage{JobID: jobID, Type: jobType, Payload: data}, nil
}

// DecodePayload unmarshals the message payload into the given struct.
func (m QueueMessage) DecodePayload(out interface{}) error {
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}
