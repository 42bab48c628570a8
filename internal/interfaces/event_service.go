package interfaces

import "context"

// EventType identifies a published event
type EventType string

const (
	EventRunQueued    EventType = "run_queued"
	EventRunStarted   EventType = "run_started"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"
	EventRunAborted   EventType = "run_aborted"
	EventRunRecovered EventType = "run_recovered"
	EventSlotEvicted  EventType = "slot_evicted"
)

// Event is a published message with an arbitrary payload
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler processes a published event
type EventHandler func(ctx context.Context, event Event) error

// EventService is the in-process pub/sub used to decouple run lifecycle from
// WebSocket broadcast and integration dispatch
type EventService interface {
	Subscribe(eventType EventType, handler EventHandler) error
	Publish(ctx context.Context, event Event) error
	PublishSync(ctx context.Context, event Event) error
	Close() error
}
