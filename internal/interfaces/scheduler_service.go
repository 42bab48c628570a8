package interfaces

import (
	"context"

	"github.com/ternarybob/marionet/internal/models"
)

// SchedulerService manages robot cron schedules.
type SchedulerService interface {
	// Start re-registers persisted schedules and begins firing.
	Start(ctx context.Context) error
	Stop()
	// ScheduleWorkflow validates the structured form, registers the cron
	// entry, persists the schedule on the robot, and returns it with the
	// first nextRunAt filled in.
	ScheduleWorkflow(ctx context.Context, robotID, userID string, form models.Schedule) (*models.Schedule, error)
	// CancelScheduledWorkflow cancels the cron entry and clears the robot's
	// schedule.
	CancelScheduledWorkflow(ctx context.Context, robotID string) error
	GetSchedule(ctx context.Context, robotID string) (*models.Schedule, error)
}
