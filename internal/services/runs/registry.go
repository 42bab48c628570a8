package runs

import (
	"context"
	"strings"
	"time"

	"github.com/ternarybob/marionet/internal/common"
	"github.com/ternarybob/marionet/internal/models"
)

// discoveryLoop re-attaches consumers to per-user and schedule queues that
// exist in the store but have no worker, e.g. after a restart.
func (s *Service) discoveryLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.discovery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.discoverQueues(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Queue discovery failed")
			}
		}
	}
}

func (s *Service) discoverQueues(ctx context.Context) error {
	names, err := s.queue.ListQueues(ctx)
	if err != nil {
		return err
	}

	for _, name := range names {
		if s.queue.HasWorker(name) {
			continue
		}
		switch {
		case strings.HasPrefix(name, "execute-run-user-"):
			if err := s.queue.Work(name, s.handleExecuteRun); err != nil {
				s.logger.Warn().Err(err).Str("queue", name).Msg("Failed to attach execute worker")
			}
		case strings.HasPrefix(name, "abort-run-user-"):
			if err := s.queue.Work(name, s.handleAbortRun); err != nil {
				s.logger.Warn().Err(err).Str("queue", name).Msg("Failed to attach abort worker")
			}
		case strings.HasPrefix(name, "schedule-"):
			if err := s.queue.Work(name, s.HandleScheduledRun); err != nil {
				s.logger.Warn().Err(err).Str("queue", name).Msg("Failed to attach schedule worker")
			}
		}
	}
	return nil
}

// HandleScheduledRun consumes a schedule queue fire and starts a run on the
// owner's behalf. Also advances the schedule's run bookkeeping.
func (s *Service) HandleScheduledRun(ctx context.Context, msg *models.QueueMessage) error {
	var payload models.ScheduledRunPayload
	if err := msg.DecodePayload(&payload); err != nil {
		s.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("Malformed scheduled-run payload, dropping")
		return nil
	}

	if _, err := s.StartRun(ctx, payload.UserID, payload.RobotID, models.RunBySchedule, payload.ScheduleID, nil); err != nil {
		s.logger.Error().Err(err).
			Str("robot_id", payload.RobotID).
			Msg("Failed to start scheduled run")
		return nil
	}

	robot, err := s.robots.GetRobot(ctx, payload.RobotID)
	if err != nil || robot.Schedule == nil {
		return nil
	}
	now := s.clock.Now()
	robot.Schedule.LastRunAt = &now
	if next, err := common.NextRun(robot.Schedule.CronExpression, robot.Schedule.Timezone, now); err == nil {
		robot.Schedule.NextRunAt = &next
	}
	if err := s.robots.SaveRobot(ctx, robot); err != nil {
		s.logger.Warn().Err(err).Str("robot_id", payload.RobotID).Msg("Failed to update schedule bookkeeping")
	}
	return nil
}
