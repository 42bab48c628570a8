package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/interfaces"
	"github.com/ternarybob/marionet/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// RobotStorage implements the RobotStorage interface for Badger
type RobotStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewRobotStorage creates a new RobotStorage instance
func NewRobotStorage(db *BadgerDB, logger arbor.ILogger) interfaces.RobotStorage {
	return &RobotStorage{
		db:     db,
		logger: logger,
	}
}

func (s *RobotStorage) SaveRobot(ctx context.Context, robot *models.Robot) error {
	if robot.RobotID == "" {
		return fmt.Errorf("robot ID is required")
	}
	if err := s.db.Store().Upsert(robot.RobotID, robot); err != nil {
		return fmt.Errorf("failed to save robot: %w", err)
	}
	return nil
}

func (s *RobotStorage) GetRobot(ctx context.Context, robotID string) (*models.Robot, error) {
	var robot models.Robot
	if err := s.db.Store().Get(robotID, &robot); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get robot: %w", err)
	}
	return &robot, nil
}

func (s *RobotStorage) DeleteRobot(ctx context.Context, robotID string) error {
	if err := s.db.Store().Delete(robotID, &models.Robot{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to delete robot: %w", err)
	}
	return nil
}

func (s *RobotStorage) ListRobots(ctx context.Context, userID string) ([]*models.Robot, error) {
	var robots []models.Robot
	query := badgerhold.Where("UserID").Eq(userID).Index("UserID").SortBy("CreatedAt").Reverse()
	if err := s.db.Store().Find(&robots, query); err != nil {
		return nil, fmt.Errorf("failed to list robots: %w", err)
	}
	result := make([]*models.Robot, len(robots))
	for i := range robots {
		result[i] = &robots[i]
	}
	return result, nil
}

func (s *RobotStorage) ListScheduledRobots(ctx context.Context) ([]*models.Robot, error) {
	var robots []models.Robot
	if err := s.db.Store().Find(&robots, badgerhold.Where("RobotID").Ne("")); err != nil {
		return nil, fmt.Errorf("failed to list scheduled robots: %w", err)
	}
	result := make([]*models.Robot, 0, len(robots))
	for i := range robots {
		if robots[i].Schedule != nil && robots[i].Schedule.CronExpression != "" {
			result = append(result, &robots[i])
		}
	}
	return result, nil
}
