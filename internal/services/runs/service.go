package runs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/common"
	"github.com/ternarybob/marionet/internal/interfaces"
	"github.com/ternarybob/marionet/internal/models"
)

// processQueuedEvery is the cadence of the queued-run admission loop.
const processQueuedEvery = 5 * time.Second

// ErrRunAlreadyFinished is returned when an abort targets a terminal run.
var ErrRunAlreadyFinished = errors.New("run already finished")

// Service owns the run lifecycle: admission against the browser pool, queue
// dispatch, execution, abort, and crash recovery.
type Service struct {
	runs       interfaces.RunStorage
	robots     interfaces.RobotStorage
	queue      interfaces.Queue
	pool       interfaces.BrowserPool
	driver     interfaces.BrowserDriver
	interp     interfaces.Interpreter
	objects    interfaces.ObjectStore
	dispatcher interfaces.IntegrationDispatcher
	notifier   interfaces.Notifier
	events     interfaces.EventService
	clock      common.Clock
	logger     arbor.ILogger

	browserCfg *common.BrowserConfig
	discovery  time.Duration

	abortMu sync.Mutex
	aborts  map[string]context.CancelFunc // runID -> interpretation cancel

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Deps struct {
	Runs       interfaces.RunStorage
	Robots     interfaces.RobotStorage
	Queue      interfaces.Queue
	Pool       interfaces.BrowserPool
	Driver     interfaces.BrowserDriver
	Interp     interfaces.Interpreter
	Objects    interfaces.ObjectStore
	Dispatcher interfaces.IntegrationDispatcher
	Notifier   interfaces.Notifier
	Events     interfaces.EventService
	Clock      common.Clock
	BrowserCfg *common.BrowserConfig
	QueueCfg   *common.QueueConfig
	Logger     arbor.ILogger
}

func NewService(deps Deps) *Service {
	clock := deps.Clock
	if clock == nil {
		clock = common.SystemClock{}
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = interfaces.NoopNotifier{}
	}
	return &Service{
		runs:       deps.Runs,
		robots:     deps.Robots,
		queue:      deps.Queue,
		pool:       deps.Pool,
		driver:     deps.Driver,
		interp:     deps.Interp,
		objects:    deps.Objects,
		dispatcher: deps.Dispatcher,
		notifier:   notifier,
		events:     deps.Events,
		clock:      clock,
		logger:     deps.Logger,
		browserCfg: deps.BrowserCfg,
		discovery:  common.Duration(deps.QueueCfg.DiscoveryInterval, 10*time.Second),
		aborts:     make(map[string]context.CancelFunc),
	}
}

func executeQueueForUser(userID string) string { return "execute-run-user-" + userID }
func abortQueueForUser(userID string) string   { return "abort-run-user-" + userID }

// Start recovers orphaned runs, registers the legacy global queues, and
// launches the admission and discovery loops.
func (s *Service) Start(ctx context.Context) error {
	if err := s.RecoverOrphans(ctx); err != nil {
		return fmt.Errorf("orphan recovery failed: %w", err)
	}

	// Legacy global queues predate the per-user split; old messages and old
	// clients still land here.
	if err := s.queue.Work(models.JobTypeExecuteRun, s.handleExecuteRun); err != nil {
		return err
	}
	if err := s.queue.Work(models.JobTypeAbortRun, s.handleAbortRun); err != nil {
		return err
	}

	if err := s.discoverQueues(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Initial queue discovery failed")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.processLoop(loopCtx)
	go s.discoveryLoop(loopCtx)

	s.logger.Info().Msg("Run service started")
	return nil
}

func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// StartRun creates a queued run and admits it immediately when the user has
// a free browser slot. Without one, the run stays queued for the admission
// loop to pick up.
func (s *Service) StartRun(ctx context.Context, userID, robotID string, origin models.RunOrigin, scheduleID string, settings map[string]interface{}) (*models.Run, error) {
	robot, err := s.robots.GetRobot(ctx, robotID)
	if err != nil {
		return nil, fmt.Errorf("failed to load robot %s: %w", robotID, err)
	}
	if robot.UserID != userID {
		return nil, interfaces.ErrNotFound
	}

	now := s.clock.Now()
	run := &models.Run{
		RunID:               common.NewRunID(),
		RobotID:             robotID,
		RobotMetaID:         robot.RecordingMeta.ID,
		UserID:              userID,
		Status:              models.RunStatusQueued,
		Origin:              origin,
		ScheduleID:          scheduleID,
		InterpreterSettings: settings,
		CreatedAt:           now,
		BinaryOutput:        make(map[string]string),
	}
	if err := s.runs.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to persist run: %w", err)
	}

	s.notifier.NotifyUser(userID, models.EventRunScheduled, runEventPayload(run, "run queued"))
	if s.events != nil {
		_ = s.events.Publish(ctx, interfaces.Event{Type: interfaces.EventRunQueued, Payload: run.RunID})
	}

	s.logger.Info().
		Str("run_id", run.RunID).
		Str("robot_id", robotID).
		Str("user_id", userID).
		Str("origin", string(origin)).
		Msg("Run created")

	s.tryDispatch(ctx, run)
	return run, nil
}

// tryDispatch reserves a slot and enqueues the execution job. Returns false
// when the user is at capacity.
func (s *Service) tryDispatch(ctx context.Context, run *models.Run) bool {
	browserID, ok := s.pool.ReserveSlot(run.UserID, interfaces.PurposeRun)
	if !ok {
		return false
	}

	// Bind the slot to the run while it is still queued. A concurrent abort
	// wins here and the slot goes back.
	updated, err := s.runs.UpdateRunIf(ctx, run.RunID, []models.RunStatus{models.RunStatusQueued}, func(r *models.Run) {
		r.BrowserID = browserID
	})
	if err != nil || !updated {
		s.pool.DeleteSlot(browserID)
		return false
	}
	run.BrowserID = browserID

	s.ensureUserWorkers(run.UserID)

	msg, err := models.NewQueueMessage(common.NewJobID(), models.JobTypeExecuteRun, models.ExecuteRunPayload{
		UserID:    run.UserID,
		RunID:     run.RunID,
		BrowserID: browserID,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Failed to build execute message")
		s.failDispatch(ctx, run, browserID, err)
		return false
	}
	if _, err := s.queue.Send(ctx, executeQueueForUser(run.UserID), msg); err != nil {
		s.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Failed to enqueue run")
		s.failDispatch(ctx, run, browserID, err)
		return false
	}

	s.logger.Debug().
		Str("run_id", run.RunID).
		Str("browser_id", browserID).
		Msg("Run dispatched to execution queue")
	return true
}

// failDispatch unwinds a reservation whose execute job never reached the
// queue. The slot is failed and the run settles as failed; leaving it queued
// with a bound browser would park it forever, since admission skips bound
// runs.
func (s *Service) failDispatch(ctx context.Context, run *models.Run, browserID string, cause error) {
	s.pool.FailSlot(browserID)

	now := s.clock.Now()
	updated, err := s.runs.UpdateRunIf(ctx, run.RunID, []models.RunStatus{models.RunStatusQueued}, func(r *models.Run) {
		r.Status = models.RunStatusFailed
		r.FinishedAt = now
		r.AppendLog(fmt.Sprintf("run failed: %v", cause))
	})
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Failed to settle undispatchable run")
		return
	}
	if !updated {
		// An abort landed first; its terminal state stands
		return
	}
	run.Status = models.RunStatusFailed
	run.FinishedAt = now

	s.notifier.NotifyUser(run.UserID, models.EventRunCompleted, runEventPayload(run, "run could not be dispatched"))
	if s.events != nil {
		_ = s.events.Publish(ctx, interfaces.Event{Type: interfaces.EventRunFailed, Payload: run.RunID})
	}
}

// ensureUserWorkers lazily registers the per-user queue consumers.
func (s *Service) ensureUserWorkers(userID string) {
	execQueue := executeQueueForUser(userID)
	if !s.queue.HasWorker(execQueue) {
		if err := s.queue.Work(execQueue, s.handleExecuteRun); err != nil {
			s.logger.Warn().Err(err).Str("queue", execQueue).Msg("Failed to register execute worker")
		}
	}
	abortQueue := abortQueueForUser(userID)
	if !s.queue.HasWorker(abortQueue) {
		if err := s.queue.Work(abortQueue, s.handleAbortRun); err != nil {
			s.logger.Warn().Err(err).Str("queue", abortQueue).Msg("Failed to register abort worker")
		}
	}
}

// AbortRun aborts a queued run immediately or flags a running run for the
// abort worker. Aborting an already-aborting run is a no-op; aborting a
// finished run returns ErrRunAlreadyFinished.
func (s *Service) AbortRun(ctx context.Context, userID, runID string) (*models.Run, error) {
	run, err := s.runs.GetRunForUser(ctx, userID, runID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()

	// Queued runs never started; finalize directly.
	updated, err := s.runs.UpdateRunIf(ctx, runID, []models.RunStatus{models.RunStatusQueued}, func(r *models.Run) {
		r.Status = models.RunStatusAborted
		r.FinishedAt = now
		r.AppendLog("Run aborted while queued")
	})
	if err != nil {
		return nil, err
	}
	if updated {
		s.notifier.NotifyUser(userID, models.EventRunAborted, runEventPayload(run, "run aborted"))
		if s.events != nil {
			_ = s.events.Publish(ctx, interfaces.Event{Type: interfaces.EventRunAborted, Payload: runID})
		}
		s.logger.Info().Str("run_id", runID).Msg("Queued run aborted")
		return s.runs.GetRun(ctx, runID)
	}

	// Running runs move to aborting and the abort worker takes over.
	updated, err = s.runs.UpdateRunIf(ctx, runID, []models.RunStatus{models.RunStatusRunning}, func(r *models.Run) {
		r.Status = models.RunStatusAborting
		r.AppendLog("abort requested")
	})
	if err != nil {
		return nil, err
	}
	if updated {
		s.ensureUserWorkers(userID)
		msg, err := models.NewQueueMessage(common.NewJobID(), models.JobTypeAbortRun, models.AbortRunPayload{
			UserID: userID,
			RunID:  runID,
		})
		if err != nil {
			return nil, err
		}
		if _, err := s.queue.Send(ctx, abortQueueForUser(userID), msg); err != nil {
			return nil, fmt.Errorf("failed to enqueue abort: %w", err)
		}
		s.logger.Info().Str("run_id", runID).Msg("Abort requested for running run")
		return s.runs.GetRun(ctx, runID)
	}

	current, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if current.Status == models.RunStatusAborting {
		// Abort already in flight; idempotent
		return current, nil
	}
	return current, ErrRunAlreadyFinished
}

// GetRun returns a run scoped to its owner.
func (s *Service) GetRun(ctx context.Context, userID, runID string) (*models.Run, error) {
	return s.runs.GetRunForUser(ctx, userID, runID)
}

// ListRuns returns the user's runs, newest first.
func (s *Service) ListRuns(ctx context.Context, userID string) ([]*models.Run, error) {
	return s.runs.ListRunsByUser(ctx, userID)
}

// processLoop re-attempts admission for queued runs. Per user, only the
// oldest queued run is considered each pass so dispatch order stays FIFO.
func (s *Service) processLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(processQueuedEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ProcessQueuedRuns(ctx)
		}
	}
}

// ProcessQueuedRuns dispatches the oldest undispatched queued run of each
// user that has a free slot.
func (s *Service) ProcessQueuedRuns(ctx context.Context) {
	queued, err := s.runs.ListQueuedRunsOldestFirst(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list queued runs")
		return
	}

	seen := make(map[string]bool)
	for _, run := range queued {
		if seen[run.UserID] {
			continue
		}
		seen[run.UserID] = true
		if run.BrowserID != "" {
			// Already dispatched, waiting for its executor
			continue
		}
		s.tryDispatch(ctx, run)
	}
}

func (s *Service) registerAbort(runID string, cancel context.CancelFunc) {
	s.abortMu.Lock()
	defer s.abortMu.Unlock()
	s.aborts[runID] = cancel
}

func (s *Service) unregisterAbort(runID string) {
	s.abortMu.Lock()
	defer s.abortMu.Unlock()
	delete(s.aborts, runID)
}

func (s *Service) abortCancel(runID string) context.CancelFunc {
	s.abortMu.Lock()
	defer s.abortMu.Unlock()
	return s.aborts[runID]
}

func runEventPayload(run *models.Run, message string) models.RunEventPayload {
	return models.RunEventPayload{
		RunID:       run.RunID,
		RobotID:     run.RobotID,
		RobotMetaID: run.RobotMetaID,
		UserID:      run.UserID,
		Status:      string(run.Status),
		Message:     message,
	}
}
