package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/common"
	"github.com/ternarybob/marionet/internal/interfaces"
)

// Manager owns the badger connection and the typed storages built on it
type Manager struct {
	db           *BadgerDB
	runStorage   interfaces.RunStorage
	robotStorage interfaces.RobotStorage
	userStorage  interfaces.UserStorage
	logger       arbor.ILogger
}

// NewManager opens the store and wires the typed storages
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}
	return &Manager{
		db:           db,
		runStorage:   NewRunStorage(db, logger),
		robotStorage: NewRobotStorage(db, logger),
		userStorage:  NewUserStorage(db, logger),
		logger:       logger,
	}, nil
}

func (m *Manager) RunStorage() interfaces.RunStorage     { return m.runStorage }
func (m *Manager) RobotStorage() interfaces.RobotStorage { return m.robotStorage }
func (m *Manager) UserStorage() interfaces.UserStorage   { return m.userStorage }

// DB exposes the raw connection for components that share the store, such as
// the queue.
func (m *Manager) DB() *BadgerDB { return m.db }

func (m *Manager) Close() error {
	return m.db.Close()
}
