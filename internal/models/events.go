package models

// Run lifecycle events delivered on the /queued-run notification namespace.
const (
	EventRunScheduled = "run-scheduled"
	EventRunStarted   = "run-started"
	EventRunCompleted = "run-completed"
	EventRunRecovered = "run-recovered"
	EventRunAborted   = "run-aborted"
)

// Session namespace events streamed from the driver to the authoring UI.
const (
	EventScreencast        = "screencast"
	EventURLChanged        = "urlChanged"
	EventViewportInfo      = "viewportInfo"
	EventListDataExtracted = "listDataExtracted"
	EventSessionError      = "error"
)

// Input events forwarded from the authoring UI to the driver, in receive order.
const (
	InputMouseDown       = "mousedown"
	InputMouseMove       = "mousemove"
	InputWheel           = "wheel"
	InputKeyDown         = "keydown"
	InputKeyUp           = "keyup"
	InputSetViewportSize = "setViewportSize"
	InputChangeTab       = "changeTab"
	InputAddTab          = "addTab"
	InputCloseTab        = "closeTab"
	InputExtractListData = "extractListData"
	InputSettings        = "settings"
	InputRerender        = "rerender"
)

// RunEventPayload is the body of run lifecycle notifications.
type RunEventPayload struct {
	RunID       string `json:"runId"`
	RobotID     string `json:"robotId"`
	RobotMetaID string `json:"robotMetaId,omitempty"`
	UserID      string `json:"userId"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
}
