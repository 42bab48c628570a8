package interfaces

import "github.com/ternarybob/marionet/internal/models"

// Notifier delivers run lifecycle events to user rooms and session
// namespaces. Implementations are best-effort; receivers are idempotent.
type Notifier interface {
	// NotifyUser emits an event into the user's /queued-run room. Recovery
	// events for offline users are buffered and replayed on next connect.
	NotifyUser(userID, event string, payload models.RunEventPayload)
	// NotifySession emits an event on the browser session namespace.
	NotifySession(browserID, event string, payload interface{})
}

// NoopNotifier discards all notifications. Used when no UI is connected and
// in tests.
type NoopNotifier struct{}

func (NoopNotifier) NotifyUser(string, string, models.RunEventPayload) {}
func (NoopNotifier) NotifySession(string, string, interface{})         {}
