package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/common"
	"github.com/ternarybob/marionet/internal/handlers"
	"github.com/ternarybob/marionet/internal/interfaces"
	"github.com/ternarybob/marionet/internal/queue"
	"github.com/ternarybob/marionet/internal/services/auth"
	"github.com/ternarybob/marionet/internal/services/browser"
	"github.com/ternarybob/marionet/internal/services/events"
	"github.com/ternarybob/marionet/internal/services/integrations"
	"github.com/ternarybob/marionet/internal/services/interpreter"
	"github.com/ternarybob/marionet/internal/services/record"
	"github.com/ternarybob/marionet/internal/services/runs"
	"github.com/ternarybob/marionet/internal/services/scheduler"
	badgerstorage "github.com/ternarybob/marionet/internal/storage/badger"
	"github.com/ternarybob/marionet/internal/storage/objects"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	ctx       context.Context
	cancelCtx context.CancelFunc

	// Storage
	StorageManager *badgerstorage.Manager
	ObjectStore    interfaces.ObjectStore

	// Queue
	QueueService *queue.Service

	// Services
	EventService       interfaces.EventService
	AuthService        *auth.Service
	BrowserPool        *browser.Pool
	BrowserDriver      interfaces.BrowserDriver
	InterpreterService interfaces.Interpreter
	RecordService      *record.Service
	RunService         *runs.Service
	SchedulerService   interfaces.SchedulerService
	Dispatcher         *integrations.Dispatcher

	// HTTP handlers
	APIHandler      *handlers.APIHandler
	RecordHandler   *handlers.RecordHandler
	RunHandler      *handlers.RunHandler
	RobotHandler    *handlers.RobotHandler
	ScheduleHandler *handlers.ScheduleHandler
	WSHandler       *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}
	app.ctx, app.cancelCtx = context.WithCancel(context.Background())

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	if err := app.initHandlers(); err != nil {
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("slots_per_user", cfg.Browser.MaxSlotsPerUser).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage initializes the Badger store and the artifact object store
func (a *App) initStorage() error {
	manager, err := badgerstorage.NewManager(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = manager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	store, err := objects.NewStore(a.Config.Storage.Objects.Dir, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create object store: %w", err)
	}
	a.ObjectStore = store

	return nil
}

// initServices initializes all business services in dependency order
func (a *App) initServices() error {
	clock := common.SystemClock{}

	// Queue shares the underlying Badger instance with typed storage
	badgerDB := a.StorageManager.DB().Store().Badger()
	queueSvc, err := queue.NewService(badgerDB, &a.Config.Queue, clock, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize queue service: %w", err)
	}
	a.QueueService = queueSvc
	queueSvc.Start()
	a.Logger.Debug().Msg("Queue service initialized")

	a.EventService = events.NewService(a.Logger)

	authSvc, err := auth.NewService(a.Config.Auth.JWTSecret, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize auth service: %w", err)
	}
	a.AuthService = authSvc

	a.BrowserPool = browser.NewPool(&a.Config.Browser, clock, a.EventService, a.Logger)
	a.BrowserPool.StartSweeper(a.ctx)
	a.Logger.Debug().Msg("Browser pool initialized")

	a.BrowserDriver = browser.NewDriver(&a.Config.Browser, a.Logger)
	a.InterpreterService = interpreter.NewService(&a.Config.Browser, a.Logger)

	a.Dispatcher = integrations.NewDispatcher(&a.Config.Integration, a.Logger)
	a.Dispatcher.Start()
	a.Logger.Debug().Msg("Integration dispatcher started")

	// The hub must exist before the run service starts: orphan recovery fires
	// run-recovered notifications immediately, and the hub buffers them for
	// owners who are offline.
	a.WSHandler = handlers.NewWebSocketHandler(
		a.BrowserPool,
		a.AuthService,
		&a.Config.WebSocket,
		&a.Config.Auth,
		a.Logger,
	)

	a.RecordService = record.NewService(
		a.BrowserPool,
		a.BrowserDriver,
		a.InterpreterService,
		a.WSHandler,
		&a.Config.Browser,
		a.Logger,
	)
	if err := a.RecordService.RegisterWorkers(a.QueueService); err != nil {
		return fmt.Errorf("failed to register recording workers: %w", err)
	}
	a.Logger.Debug().Msg("Recording service initialized")

	a.RunService = runs.NewService(runs.Deps{
		Runs:       a.StorageManager.RunStorage(),
		Robots:     a.StorageManager.RobotStorage(),
		Queue:      a.QueueService,
		Pool:       a.BrowserPool,
		Driver:     a.BrowserDriver,
		Interp:     a.InterpreterService,
		Objects:    a.ObjectStore,
		Dispatcher: a.Dispatcher,
		Notifier:   a.WSHandler,
		Events:     a.EventService,
		Clock:      clock,
		BrowserCfg: &a.Config.Browser,
		QueueCfg:   &a.Config.Queue,
		Logger:     a.Logger,
	})
	if err := a.RunService.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start run service: %w", err)
	}
	a.Logger.Debug().Msg("Run service started")

	// Freed capacity triggers admission immediately instead of waiting for
	// the next processing tick
	admitQueued := func(ctx context.Context, event interfaces.Event) error {
		a.RunService.ProcessQueuedRuns(ctx)
		return nil
	}
	for _, eventType := range []interfaces.EventType{
		interfaces.EventSlotEvicted,
		interfaces.EventRunCompleted,
		interfaces.EventRunFailed,
		interfaces.EventRunAborted,
	} {
		if err := a.EventService.Subscribe(eventType, admitQueued); err != nil {
			return fmt.Errorf("failed to subscribe to %s events: %w", eventType, err)
		}
	}

	schedulerSvc := scheduler.NewService(
		a.StorageManager.RobotStorage(),
		a.QueueService,
		a.RunService.HandleScheduledRun,
		clock,
		a.Logger,
	)
	if err := schedulerSvc.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start scheduler service: %w", err)
	}
	a.SchedulerService = schedulerSvc
	a.Logger.Debug().Msg("Scheduler service started")

	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() error {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)

	a.RecordHandler = handlers.NewRecordHandler(a.RecordService, a.BrowserPool, a.QueueService, a.Logger)
	a.RunHandler = handlers.NewRunHandler(a.RunService, a.Logger)
	a.RobotHandler = handlers.NewRobotHandler(
		a.StorageManager.RobotStorage(),
		a.StorageManager.RunStorage(),
		common.SystemClock{},
		a.Logger,
	)
	a.ScheduleHandler = handlers.NewScheduleHandler(a.SchedulerService, a.StorageManager.RobotStorage(), a.Logger)

	return nil
}

// Close closes all application resources in reverse dependency order
func (a *App) Close() error {
	if a.cancelCtx != nil {
		a.cancelCtx()
	}

	if a.SchedulerService != nil {
		a.SchedulerService.Stop()
	}

	if a.RunService != nil {
		a.RunService.Stop()
		a.Logger.Info().Msg("Run service stopped")
	}

	if a.Dispatcher != nil {
		a.Dispatcher.Stop()
	}

	if a.QueueService != nil {
		a.QueueService.Stop()
		a.Logger.Info().Msg("Queue service stopped")
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
