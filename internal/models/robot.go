package models

import (
	"time"
)

// RecordingType distinguishes pure scrape recordings from full workflows.
type RecordingType string

const (
	RecordingTypeScrape   RecordingType = "scrape"
	RecordingTypeWorkflow RecordingType = "workflow"
)

// RecordingMeta describes a saved recording.
type RecordingMeta struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      RecordingType `json:"type"`
	TargetURL string        `json:"targetUrl,omitempty"`
	Formats   []string      `json:"formats,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// WorkflowStep is one where/what pair of a recording's declarative workflow.
type WorkflowStep struct {
	Where map[string]interface{} `json:"where"` // conditions: url, selectors visible, etc.
	What  []WorkflowAction       `json:"what"`  // actions executed when conditions match
}

// WorkflowAction is a single browser interaction or scraping step.
type WorkflowAction struct {
	Action string                 `json:"action"` // navigate, click, type, waitFor, screenshot, scrapeSchema, scrapeList
	Args   []interface{}          `json:"args,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Schedule holds a robot's cron schedule, both the structured form the UI
// submits and the derived cron expression.
type Schedule struct {
	ScheduleID     string       `json:"scheduleId"`
	RunEvery       int          `json:"runEvery"`
	RunEveryUnit   string       `json:"runEveryUnit"` // MINUTES, HOURS, DAYS, WEEKS, MONTHS
	StartFrom      string       `json:"startFrom"`    // weekday name
	DayOfMonth     int          `json:"dayOfMonth,omitempty"`
	AtTimeStart    string       `json:"atTimeStart,omitempty"` // "HH:MM"
	AtTimeEnd      string       `json:"atTimeEnd,omitempty"`
	Timezone       string       `json:"timezone"` // IANA name
	CronExpression string       `json:"cronExpression"`
	LastRunAt      *time.Time   `json:"lastRunAt,omitempty"`
	NextRunAt      *time.Time   `json:"nextRunAt,omitempty"`
}

// IntegrationSettings carries credentials for post-run pushes.
type IntegrationSettings struct {
	RecordStore *RecordStoreIntegration `json:"recordStore,omitempty"`
	Spreadsheet *SpreadsheetIntegration `json:"spreadsheet,omitempty"`
	WebhookURL  string                  `json:"webhookUrl,omitempty"`
}

// RecordStoreIntegration configures the external record-store adapter.
type RecordStoreIntegration struct {
	BaseID    string `json:"baseId"`
	TableName string `json:"tableName"`
	APIKey    string `json:"apiKey"`
}

// SpreadsheetIntegration configures the external spreadsheet adapter.
type SpreadsheetIntegration struct {
	SpreadsheetID string `json:"spreadsheetId"`
	SheetName     string `json:"sheetName"`
	AccessToken   string `json:"accessToken"`
}

// Robot is a saved recording (workflow plus metadata) owned by a user.
type Robot struct {
	RobotID       string              `json:"robotId" badgerhold:"key"`
	UserID        string              `json:"userId" badgerholdIndex:"UserID"`
	RecordingMeta RecordingMeta       `json:"recordingMeta"`
	Workflow      []WorkflowStep      `json:"workflow"`
	Schedule      *Schedule           `json:"schedule,omitempty"`
	Integrations  IntegrationSettings `json:"integrations"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}
