package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/interfaces"
	"github.com/ternarybob/marionet/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// UserStorage implements the UserStorage interface for Badger
type UserStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewUserStorage creates a new UserStorage instance
func NewUserStorage(db *BadgerDB, logger arbor.ILogger) interfaces.UserStorage {
	return &UserStorage{
		db:     db,
		logger: logger,
	}
}

func (s *UserStorage) SaveUser(ctx context.Context, user *models.User) error {
	if user.UserID == "" {
		return fmt.Errorf("user ID is required")
	}
	if err := s.db.Store().Upsert(user.UserID, user); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *UserStorage) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	if err := s.db.Store().Get(userID, &user); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}
