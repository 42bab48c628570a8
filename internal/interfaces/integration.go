package interfaces

import (
	"context"

	"github.com/ternarybob/marionet/internal/models"
)

// IntegrationAdapter pushes a finished run's output to one external system.
type IntegrationAdapter interface {
	Name() string
	// Push returns an error to trigger a retry; the dispatcher bounds retries.
	Push(ctx context.Context, run *models.Run, robot *models.Robot) error
}

// IntegrationDispatcher schedules post-run pushes with bounded retries.
type IntegrationDispatcher interface {
	// DispatchRun enqueues the run for all configured adapters. partial marks
	// webhook payloads with partial_data_extracted.
	DispatchRun(run *models.Run, robot *models.Robot, partial bool)
}
