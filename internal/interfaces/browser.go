package interfaces

import (
	"context"
	"time"
)

// SlotPurpose distinguishes live recording sessions from run executions.
type SlotPurpose string

const (
	PurposeRecording SlotPurpose = "recording"
	PurposeRun       SlotPurpose = "run"
)

// SlotState is the lifecycle state of a browser slot.
type SlotState string

const (
	SlotReserved     SlotState = "reserved"
	SlotInitializing SlotState = "initializing"
	SlotReady        SlotState = "ready"
	SlotFailed       SlotState = "failed"
	SlotDestroying   SlotState = "destroying"
)

// Active reports whether the state counts against the per-user cap.
func (s SlotState) Active() bool {
	return s == SlotReserved || s == SlotInitializing || s == SlotReady
}

// Slot is the accounting record for an owned browser session.
type Slot struct {
	BrowserID     string
	UserID        string
	Purpose       SlotPurpose
	State         SlotState
	Session       BrowserSession // nil until the slot reaches ready
	CreatedAt     time.Time
	LastTouchedAt time.Time
}

// ScreencastFrame is one PNG frame from the driver's devtools protocol.
type ScreencastFrame struct {
	Data      string // base64-encoded PNG
	URL       string
	Timestamp time.Time
}

// ScreencastConfig bounds the frame stream.
type ScreencastConfig struct {
	MaxWidth  int
	MaxHeight int
	FrameRate int
}

// InputEvent is a UI interaction forwarded to the driver.
type InputEvent struct {
	Type    string                 `json:"type"`
	X       float64                `json:"x,omitempty"`
	Y       float64                `json:"y,omitempty"`
	DeltaX  float64                `json:"deltaX,omitempty"`
	DeltaY  float64                `json:"deltaY,omitempty"`
	Key     string                 `json:"key,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Page is a single tab of a browser session.
type Page interface {
	URL(ctx context.Context) (string, error)
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	Screenshot(ctx context.Context) ([]byte, error)
	HTML(ctx context.Context) (string, error)
}

// BrowserSession is the driver handle for a launched headless browser.
type BrowserSession interface {
	ID() string
	// CurrentPage returns nil without error while the first page is still
	// attaching; callers poll with a bounded wait.
	CurrentPage(ctx context.Context) (Page, error)
	CurrentURL(ctx context.Context) (string, error)
	TabHosts(ctx context.Context) ([]string, error)
	SetViewport(ctx context.Context, width, height int) error
	DispatchInput(ctx context.Context, event InputEvent) error
	// StartScreencast streams frames into the channel with depth-1 semantics:
	// a newer frame replaces an undelivered older one.
	StartScreencast(ctx context.Context, cfg ScreencastConfig, frames chan ScreencastFrame) error
	StopScreencast(ctx context.Context) error
	// Stop cooperatively interrupts any in-flight interpretation.
	Stop(ctx context.Context) error
	Close(ctx context.Context) error
}

// LaunchOptions configure a driver launch.
type LaunchOptions struct {
	BrowserID string
	UserAgent string
	Headless  bool
	NoSandbox bool
}

// BrowserDriver launches headless browser sessions.
type BrowserDriver interface {
	Launch(ctx context.Context, opts LaunchOptions) (BrowserSession, error)
}

// BrowserPool accounts per-user browser slots with atomic admission.
type BrowserPool interface {
	// ReserveSlot creates a reserved slot when the user is under the cap and,
	// for recording purpose, has no existing recording slot.
	ReserveSlot(userID string, purpose SlotPurpose) (browserID string, ok bool)
	// UpgradeSlot attaches the driver handle and moves the slot to ready.
	UpgradeSlot(browserID string, session BrowserSession) error
	// MarkInitializing moves a reserved slot to initializing.
	MarkInitializing(browserID string) error
	// FailSlot marks the slot failed and removes it after a short grace.
	FailSlot(browserID string)
	GetSlot(browserID string) *Slot
	// DeleteSlot tears down the driver session and removes the entry.
	// Idempotent; returns false when the slot was already gone.
	DeleteSlot(browserID string) bool
	HasAvailableSlots(userID string, purpose SlotPurpose) bool
	// GetActiveForUserByPurpose returns an existing slot id so the same user
	// reconnects instead of launching a new session.
	GetActiveForUserByPurpose(userID string, purpose SlotPurpose) (string, bool)
	// AwaitReady blocks until the slot reaches ready or ctx expires. Returns
	// the attached session.
	AwaitReady(ctx context.Context, browserID string) (BrowserSession, error)
	// CleanupStale evicts reserved/initializing/failed slots older than the
	// staleness threshold. Returns the number evicted.
	CleanupStale() int
}
