package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/interfaces"
	"github.com/ternarybob/marionet/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// RunStorage implements the RunStorage interface for Badger
type RunStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewRunStorage creates a new RunStorage instance
func NewRunStorage(db *BadgerDB, logger arbor.ILogger) interfaces.RunStorage {
	return &RunStorage{
		db:     db,
		logger: logger,
	}
}

func (s *RunStorage) SaveRun(ctx context.Context, run *models.Run) error {
	if run.RunID == "" {
		return fmt.Errorf("run ID is required")
	}
	if err := s.db.Store().Upsert(run.RunID, run); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (s *RunStorage) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	var run models.Run
	if err := s.db.Store().Get(runID, &run); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

func (s *RunStorage) GetRunForUser(ctx context.Context, userID, runID string) (*models.Run, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.UserID != userID {
		return nil, interfaces.ErrNotFound
	}
	return run, nil
}

// UpdateRunIf applies mutate only when the run's current status is in the
// allowed set. The read, check and write happen inside a single badgerhold
// update transaction, so a terminal status can never be overwritten by a
// racing finalizer.
func (s *RunStorage) UpdateRunIf(ctx context.Context, runID string, allowed []models.RunStatus, mutate func(*models.Run)) (bool, error) {
	updated := false
	statuses := make([]interface{}, len(allowed))
	for i, st := range allowed {
		statuses[i] = st
	}

	query := badgerhold.Where(badgerhold.Key).Eq(runID).And("Status").In(statuses...)
	err := s.db.Store().UpdateMatching(&models.Run{}, query, func(record interface{}) error {
		run, ok := record.(*models.Run)
		if !ok {
			return fmt.Errorf("unexpected record type %T", record)
		}
		mutate(run)
		updated = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to update run %s: %w", runID, err)
	}
	return updated, nil
}

func (s *RunStorage) ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]*models.Run, error) {
	var runs []models.Run
	if err := s.db.Store().Find(&runs, badgerhold.Where("Status").Eq(status).Index("Status")); err != nil {
		return nil, fmt.Errorf("failed to list runs by status: %w", err)
	}
	return toRunPtrs(runs), nil
}

func (s *RunStorage) ListRunsByRobot(ctx context.Context, robotID string) ([]*models.Run, error) {
	var runs []models.Run
	query := badgerhold.Where("RobotID").Eq(robotID).Index("RobotID").SortBy("CreatedAt").Reverse()
	if err := s.db.Store().Find(&runs, query); err != nil {
		return nil, fmt.Errorf("failed to list runs by robot: %w", err)
	}
	return toRunPtrs(runs), nil
}

func (s *RunStorage) ListRunsByUser(ctx context.Context, userID string) ([]*models.Run, error) {
	var runs []models.Run
	query := badgerhold.Where("UserID").Eq(userID).Index("UserID").SortBy("CreatedAt").Reverse()
	if err := s.db.Store().Find(&runs, query); err != nil {
		return nil, fmt.Errorf("failed to list runs by user: %w", err)
	}
	return toRunPtrs(runs), nil
}

func (s *RunStorage) ListQueuedRunsOldestFirst(ctx context.Context) ([]*models.Run, error) {
	var runs []models.Run
	query := badgerhold.Where("Status").Eq(models.RunStatusQueued).Index("Status").SortBy("CreatedAt")
	if err := s.db.Store().Find(&runs, query); err != nil {
		return nil, fmt.Errorf("failed to list queued runs: %w", err)
	}
	return toRunPtrs(runs), nil
}

func toRunPtrs(runs []models.Run) []*models.Run {
	result := make([]*models.Run, len(runs))
	for i := range runs {
		result[i] = &runs[i]
	}
	return result
}
