package models

import (
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusAborting RunStatus = "aborting"
	RunStatusAborted  RunStatus = "aborted"
	RunStatusSuccess  RunStatus = "success"
	RunStatusFailed   RunStatus = "failed"
)

// IsTerminal reports whether the status permits no further transitions.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusAborted || s == RunStatusSuccess || s == RunStatusFailed
}

// RunOrigin tags how a run was started.
type RunOrigin string

const (
	RunByUser     RunOrigin = "runByUserId"
	RunBySchedule RunOrigin = "runByScheduleId"
	RunByAPI      RunOrigin = "runByAPI"
)

// MaxRunRetries bounds how many times orphan recovery may re-queue a run.
const MaxRunRetries = 3

// SerializableOutput holds the two keyed extraction maps a run produces.
type SerializableOutput struct {
	ScrapeSchema map[string][]map[string]interface{} `json:"scrapeSchema"`
	ScrapeList   map[string][]map[string]interface{} `json:"scrapeList"`
}

// IsEmpty reports whether no extraction data was captured.
func (o SerializableOutput) IsEmpty() bool {
	return len(o.ScrapeSchema) == 0 && len(o.ScrapeList) == 0
}

// ItemCount is the number of extracted items, schema rows plus list rows.
// This is the single definition used in webhook payloads.
func (o SerializableOutput) ItemCount() int {
	count := 0
	for _, rows := range o.ScrapeSchema {
		count += len(rows)
	}
	for _, rows := range o.ScrapeList {
		count += len(rows)
	}
	return count
}

// Run is a single execution attempt of a robot.
type Run struct {
	RunID               string                 `json:"runId" badgerhold:"key"`
	RobotID             string                 `json:"robotId" badgerholdIndex:"RobotID"`
	RobotMetaID         string                 `json:"robotMetaId"`
	UserID              string                 `json:"userId" badgerholdIndex:"UserID"`
	BrowserID           string                 `json:"browserId"`
	Status              RunStatus              `json:"status" badgerholdIndex:"Status"`
	StartedAt           time.Time              `json:"startedAt"`
	FinishedAt          time.Time              `json:"finishedAt"`
	Log                 string                 `json:"log"`
	InterpreterSettings map[string]interface{} `json:"interpreterSettings"`
	SerializableOutput  SerializableOutput     `json:"serializableOutput"`
	BinaryOutput        map[string]string      `json:"binaryOutput"` // artifact key -> content-addressed URI
	RetryCount          int                    `json:"retryCount"`
	Origin              RunOrigin              `json:"origin"`
	ScheduleID          string                 `json:"scheduleId,omitempty"`
	CreatedAt           time.Time              `json:"createdAt"`
}

// HasPartialData reports whether a failed or aborted run still produced
// output worth pushing to integrations.
func (r *Run) HasPartialData() bool {
	return !r.SerializableOutput.IsEmpty() || len(r.BinaryOutput) > 0
}

// AppendLog appends a line to the run's append-only log.
func (r *Run) AppendLog(line string) {
	if r.Log == "" {
		r.Log = line
		return
	}
	r.Log = r.Log + "\n" + line
}
