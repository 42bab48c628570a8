package interfaces

import (
	"context"

	"github.com/ternarybob/marionet/internal/models"
)

// QueueHandler processes a claimed message. Returning an error leaves the
// message eligible for redelivery until the receive cap is hit.
type QueueHandler func(ctx context.Context, msg *models.QueueMessage) error

// Queue is the durable job queue contract. Delivery is at-least-once, FIFO
// per queue; one registered consumer per queue preserves ordering.
type Queue interface {
	// CreateQueue is idempotent.
	CreateQueue(name string) error
	// Send enqueues a message and returns its job id.
	Send(ctx context.Context, queue string, msg models.QueueMessage) (string, error)
	// Work registers the single consumer for a queue. Registering twice for
	// the same queue is an error.
	Work(queue string, handler QueueHandler) error
	// HasWorker reports whether a consumer is already registered.
	HasWorker(queue string) bool
	// Schedule registers a cron entry that sends msg on each fire, evaluated
	// in the named IANA timezone. Returns a schedule id.
	Schedule(queue, cronExpr, timezone string, msg models.QueueMessage) (string, error)
	// CancelSchedule removes the cron entry for a queue. Idempotent.
	CancelSchedule(queue string) error
	// GetJobByID returns the retained job state, or nil when unknown.
	GetJobByID(ctx context.Context, queue, jobID string) (*models.JobRecord, error)
	// ListQueues enumerates known queue names, used to discover per-user
	// queues at startup.
	ListQueues(ctx context.Context) ([]string, error)
}
