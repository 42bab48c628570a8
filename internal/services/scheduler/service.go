package scheduler

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/common"
	"github.com/ternarybob/marionet/internal/interfaces"
	"github.com/ternarybob/marionet/internal/models"
)

// Service manages robot cron schedules: it derives cron expressions from the
// structured form, persists them on the robot, and keeps the queue's cron
// entries in sync across restarts.
type Service struct {
	robots  interfaces.RobotStorage
	queue   interfaces.Queue
	handler interfaces.QueueHandler // consumes schedule queue fires
	clock   common.Clock
	logger  arbor.ILogger
}

func NewService(robots interfaces.RobotStorage, queue interfaces.Queue, handler interfaces.QueueHandler, clock common.Clock, logger arbor.ILogger) *Service {
	if clock == nil {
		clock = common.SystemClock{}
	}
	return &Service{
		robots:  robots,
		queue:   queue,
		handler: handler,
		clock:   clock,
		logger:  logger,
	}
}

func scheduleQueueFor(robotID string) string { return "schedule-" + robotID }

// Start re-registers all persisted schedules. Queue cron entries live in
// memory, so every boot rebuilds them from the robots' stored schedules.
func (s *Service) Start(ctx context.Context) error {
	robots, err := s.robots.ListScheduledRobots(ctx)
	if err != nil {
		return fmt.Errorf("failed to load scheduled robots: %w", err)
	}

	registered := 0
	for _, robot := range robots {
		if err := s.register(robot); err != nil {
			s.logger.Warn().Err(err).
				Str("robot_id", robot.RobotID).
				Msg("Failed to re-register schedule")
			continue
		}
		registered++
	}

	if registered > 0 {
		s.logger.Info().Int("schedules", registered).Msg("Schedules re-registered")
	}
	return nil
}

func (s *Service) Stop() {}

// ScheduleWorkflow validates the structured form, derives the cron
// expression, registers the queue cron entry, and persists the schedule.
func (s *Service) ScheduleWorkflow(ctx context.Context, robotID, userID string, form models.Schedule) (*models.Schedule, error) {
	robot, err := s.robots.GetRobot(ctx, robotID)
	if err != nil {
		return nil, err
	}
	if robot.UserID != userID {
		return nil, interfaces.ErrNotFound
	}

	if err := common.ValidateTimezone(form.Timezone); err != nil {
		return nil, err
	}

	cronExpr := form.CronExpression
	if cronExpr == "" {
		cronExpr, err = common.BuildCronExpression(form.RunEvery, common.ScheduleUnit(form.RunEveryUnit), form.StartFrom, form.DayOfMonth, form.AtTimeStart)
		if err != nil {
			return nil, err
		}
	}
	if err := common.ValidateCronExpression(cronExpr); err != nil {
		return nil, err
	}

	schedule := form
	schedule.CronExpression = cronExpr
	if schedule.ScheduleID == "" {
		schedule.ScheduleID = common.NewJobID()
	}
	next, err := common.NextRun(cronExpr, form.Timezone, s.clock.Now())
	if err != nil {
		return nil, err
	}
	schedule.NextRunAt = &next
	schedule.LastRunAt = nil

	robot.Schedule = &schedule
	robot.UpdatedAt = s.clock.Now()
	if err := s.robots.SaveRobot(ctx, robot); err != nil {
		return nil, fmt.Errorf("failed to persist schedule: %w", err)
	}

	if err := s.register(robot); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("robot_id", robotID).
		Str("cron", cronExpr).
		Str("timezone", form.Timezone).
		Str("next_run", next.Format("2006-01-02T15:04:05Z07:00")).
		Msg("Workflow scheduled")

	return &schedule, nil
}

// CancelScheduledWorkflow removes the cron entry and clears the persisted
// schedule. Idempotent.
func (s *Service) CancelScheduledWorkflow(ctx context.Context, robotID string) error {
	robot, err := s.robots.GetRobot(ctx, robotID)
	if err != nil {
		return err
	}

	if err := s.queue.CancelSchedule(scheduleQueueFor(robotID)); err != nil {
		return err
	}
	if robot.Schedule == nil {
		return nil
	}

	robot.Schedule = nil
	robot.UpdatedAt = s.clock.Now()
	if err := s.robots.SaveRobot(ctx, robot); err != nil {
		return fmt.Errorf("failed to clear schedule: %w", err)
	}

	s.logger.Info().Str("robot_id", robotID).Msg("Schedule cancelled")
	return nil
}

// GetSchedule returns the robot's schedule with a fresh nextRunAt.
func (s *Service) GetSchedule(ctx context.Context, robotID string) (*models.Schedule, error) {
	robot, err := s.robots.GetRobot(ctx, robotID)
	if err != nil {
		return nil, err
	}
	if robot.Schedule == nil {
		return nil, nil
	}

	schedule := *robot.Schedule
	if next, err := common.NextRun(schedule.CronExpression, schedule.Timezone, s.clock.Now()); err == nil {
		schedule.NextRunAt = &next
	}
	return &schedule, nil
}

// register wires the queue cron entry and its consumer for one robot.
func (s *Service) register(robot *models.Robot) error {
	if robot.Schedule == nil {
		return fmt.Errorf("robot %s has no schedule", robot.RobotID)
	}

	queueName := scheduleQueueFor(robot.RobotID)
	msg, err := models.NewQueueMessage("", models.JobTypeScheduledRun, models.ScheduledRunPayload{
		RobotID:    robot.RobotID,
		UserID:     robot.UserID,
		ScheduleID: robot.Schedule.ScheduleID,
	})
	if err != nil {
		return err
	}

	if _, err := s.queue.Schedule(queueName, robot.Schedule.CronExpression, robot.Schedule.Timezone, msg); err != nil {
		return err
	}
	if !s.queue.HasWorker(queueName) {
		if err := s.queue.Work(queueName, s.handler); err != nil {
			return err
		}
	}
	return nil
}
