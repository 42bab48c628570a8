package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/marionet/internal/models"
)

// ErrNotFound is returned by storage lookups when no record matches.
var ErrNotFound = errors.New("record not found")

// RunStorage provides typed CRUD over runs with row-level update semantics.
type RunStorage interface {
	SaveRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	// GetRunForUser scopes the lookup to an owner; returns ErrNotFound when
	// the run exists but belongs to someone else.
	GetRunForUser(ctx context.Context, userID, runID string) (*models.Run, error)
	// UpdateRunIf applies mutate to the run only when its current status is in
	// the allowed set, as a single conditional update. Returns false when the
	// precondition failed. This is the CAS that keeps terminal states sticky.
	UpdateRunIf(ctx context.Context, runID string, allowed []models.RunStatus, mutate func(*models.Run)) (bool, error)
	ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]*models.Run, error)
	ListRunsByRobot(ctx context.Context, robotID string) ([]*models.Run, error)
	ListRunsByUser(ctx context.Context, userID string) ([]*models.Run, error)
	// ListQueuedRunsOldestFirst returns queued runs ordered by creation time.
	ListQueuedRunsOldestFirst(ctx context.Context) ([]*models.Run, error)
}

// RobotStorage provides typed CRUD over robots.
type RobotStorage interface {
	SaveRobot(ctx context.Context, robot *models.Robot) error
	GetRobot(ctx context.Context, robotID string) (*models.Robot, error)
	DeleteRobot(ctx context.Context, robotID string) error
	ListRobots(ctx context.Context, userID string) ([]*models.Robot, error)
	// ListScheduledRobots returns robots carrying a schedule, for startup
	// re-registration.
	ListScheduledRobots(ctx context.Context) ([]*models.Robot, error)
}

// UserStorage provides typed CRUD over users.
type UserStorage interface {
	SaveUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, userID string) (*models.User, error)
}

// StorageManager owns the record store connection and hands out the typed
// storages.
type StorageManager interface {
	RunStorage() RunStorage
	RobotStorage() RobotStorage
	UserStorage() UserStorage
	Close() error
}

// ObjectStore uploads binary run artifacts and returns content-addressed URIs.
type ObjectStore interface {
	Upload(ctx context.Context, runID, key string, data []byte) (string, error)
}
